// Package executor runs a routing decision against the external LLM call
// function, walking the fallback chain until one arm succeeds or all fail.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/conduitml/conduit/internal/circuitbreaker"
	"github.com/conduitml/conduit/internal/routing"
)

// ErrorClass partitions call failures. All classes are retryable on a
// different arm; per-arm retries are the caller function's concern.
type ErrorClass string

const (
	ClassRateLimit   ErrorClass = "rate_limit"
	ClassTimeout     ErrorClass = "timeout"
	ClassProvider    ErrorClass = "provider_error"
	ClassSchemaParse ErrorClass = "schema_parse"
)

// ClassifiedError is a call failure tagged with its class and the arm that
// produced it.
type ClassifiedError struct {
	Class ErrorClass
	Model string
	Err   error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Model, e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Classify wraps err for the given model, deriving the class from sentinel
// checks: context deadline exceeded maps to timeout, everything else
// defaults to provider_error unless already classified.
func Classify(model string, err error) *ClassifiedError {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return &ClassifiedError{Class: ce.Class, Model: model, Err: ce.Err}
	}
	class := ClassProvider
	if errors.Is(err, context.DeadlineExceeded) {
		class = ClassTimeout
	}
	return &ClassifiedError{Class: class, Model: model, Err: err}
}

// CallResult is one successful model call.
type CallResult struct {
	Text    string
	CostUSD float64
	Latency time.Duration
	Tokens  int
}

// Caller invokes one model. Implementations classify their failures with
// ClassifiedError where they can; unclassified errors are treated as
// provider errors.
type Caller interface {
	Call(ctx context.Context, modelID, prompt string, schema json.RawMessage) (CallResult, error)
}

// CallerFunc adapts a function to the Caller interface.
type CallerFunc func(ctx context.Context, modelID, prompt string, schema json.RawMessage) (CallResult, error)

func (f CallerFunc) Call(ctx context.Context, modelID, prompt string, schema json.RawMessage) (CallResult, error) {
	return f(ctx, modelID, prompt, schema)
}

// Attempt records one failed arm in order.
type Attempt struct {
	Model string
	Err   *ClassifiedError
}

// AllModelsFailedError reports that the primary and every fallback failed,
// with the ordered per-arm errors.
type AllModelsFailedError struct {
	Attempts []Attempt
}

func (e *AllModelsFailedError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = a.Err.Error()
	}
	return fmt.Sprintf("all models failed (%d attempts): %s", len(e.Attempts), strings.Join(parts, "; "))
}

// ErrAllBreakersOpen is returned when every arm in the chain was gated by an
// open provider circuit breaker and no call was attempted.
var ErrAllBreakersOpen = errors.New("executor: circuit breaker open for every provider in chain")

// Result is the outcome of a successful execution.
type Result struct {
	Response      CallResult
	ModelUsed     string
	WasFallback   bool
	OriginalModel string
	FailedModels  []string
	Failures      []Attempt
}

// Executor walks decision chains. It holds no learning state; attribution
// of failures to bandit updates happens in the façade.
type Executor struct {
	caller         Caller
	breakers       *circuitbreaker.Group
	timeoutPerCall time.Duration
	logger         *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithTimeoutPerCall bounds each individual arm attempt. Default 30s.
func WithTimeoutPerCall(d time.Duration) Option {
	return func(e *Executor) { e.timeoutPerCall = d }
}

// WithBreakers gates attempts through per-provider circuit breakers.
func WithBreakers(g *circuitbreaker.Group) Option {
	return func(e *Executor) { e.breakers = g }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// New builds an Executor over the given caller.
func New(caller Caller, opts ...Option) (*Executor, error) {
	if caller == nil {
		return nil, fmt.Errorf("executor: caller is required")
	}
	e := &Executor{
		caller:         caller,
		timeoutPerCall: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e, nil
}

// TimeoutPerCall returns the per-arm attempt budget, which the façade also
// uses as the synthetic latency when penalizing failed arms.
func (e *Executor) TimeoutPerCall() time.Duration { return e.timeoutPerCall }

// Execute tries the decision's primary, then each fallback in order. Each
// attempt gets its own timeout. Arms whose provider breaker is open are
// skipped and recorded as failures. Cancellation is honored between
// attempts; a cancelled execution makes no further calls.
func (e *Executor) Execute(ctx context.Context, d routing.Decision, prompt string, schema json.RawMessage) (Result, error) {
	arms := append([]string{d.SelectedModel}, d.FallbackChain...)

	var failures []Attempt
	gatedOnly := true
	for i, modelID := range arms {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		provider := providerOf(modelID)
		var breaker *circuitbreaker.Breaker
		if e.breakers != nil {
			breaker = e.breakers.For(provider)
			if !breaker.Allow() {
				e.logger.Warn("skipping arm, breaker open", "model", modelID, "provider", provider)
				failures = append(failures, Attempt{
					Model: modelID,
					Err: &ClassifiedError{
						Class: ClassProvider,
						Model: modelID,
						Err:   fmt.Errorf("circuit breaker open for provider %s", provider),
					},
				})
				continue
			}
		}
		gatedOnly = false

		callCtx, cancel := context.WithTimeout(ctx, e.timeoutPerCall)
		res, err := e.caller.Call(callCtx, modelID, prompt, schema)
		cancel()
		if err != nil {
			// A late response after the request itself was cancelled is
			// discarded, not recorded against the arm.
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			ce := Classify(modelID, err)
			if breaker != nil {
				breaker.RecordFailure()
			}
			failures = append(failures, Attempt{Model: modelID, Err: ce})
			e.logger.Warn("arm failed, trying next",
				"model", modelID,
				"class", string(ce.Class),
				"attempt", i+1,
				"remaining", len(arms)-i-1,
			)
			continue
		}
		if breaker != nil {
			breaker.RecordSuccess()
		}

		failed := make([]string, len(failures))
		for j, f := range failures {
			failed[j] = f.Model
		}
		return Result{
			Response:      res,
			ModelUsed:     modelID,
			WasFallback:   i > 0,
			OriginalModel: d.SelectedModel,
			FailedModels:  failed,
			Failures:      failures,
		}, nil
	}

	if gatedOnly && e.breakers != nil && len(failures) > 0 {
		return Result{}, ErrAllBreakersOpen
	}
	return Result{}, &AllModelsFailedError{Attempts: failures}
}

// providerOf extracts the provider half of a "provider:model" arm ID.
func providerOf(armID string) string {
	if i := strings.IndexByte(armID, ':'); i >= 0 {
		return armID[:i]
	}
	return armID
}
