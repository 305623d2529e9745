// Package conduit is the service façade: one entry point that analyzes,
// routes, executes and learns from a completion request, backed by the
// persistence layer.
package conduit

import (
	"errors"
	"fmt"

	"github.com/conduitml/conduit/internal/analyzer"
	"github.com/conduitml/conduit/internal/executor"
	"github.com/conduitml/conduit/internal/routing"
	"github.com/conduitml/conduit/internal/state"
)

// Error codes surfaced to API clients.
const (
	CodeAnalysisFailed  = "ANALYSIS_FAILED"
	CodeRoutingFailed   = "ROUTING_FAILED"
	CodeExecutionFailed = "EXECUTION_FAILED"
	CodeAllModelsFailed = "ALL_MODELS_FAILED"
	CodeDatabaseError   = "DATABASE_ERROR"
	CodeVersionConflict = "STATE_VERSION_CONFLICT"
	CodeValidation      = "VALIDATION_ERROR"
	CodeConfiguration   = "CONFIGURATION_ERROR"
	CodeBreakerOpen     = "CIRCUIT_BREAKER_OPEN"
	CodeRateLimited     = "RATE_LIMIT_EXCEEDED"
)

// ValidationError rejects a malformed request before any work happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConfigurationError reports a service wiring problem rather than a bad
// request.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

// DatabaseError wraps a persistence failure with the operation that hit it.
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database: %s: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error { return e.Err }

// Code maps an error to its client-facing code. Unrecognized errors report
// as execution failures.
func Code(err error) string {
	var (
		ve *ValidationError
		ce *ConfigurationError
		ae *analyzer.AnalysisError
		re *routing.RoutingError
		mf *executor.AllModelsFailedError
		vc *state.VersionConflictError
		de *DatabaseError
		cl *executor.ClassifiedError
	)
	switch {
	case errors.As(err, &ve):
		return CodeValidation
	case errors.As(err, &ce):
		return CodeConfiguration
	case errors.As(err, &ae):
		return CodeAnalysisFailed
	case errors.As(err, &re):
		return CodeRoutingFailed
	case errors.As(err, &mf):
		return CodeAllModelsFailed
	case errors.Is(err, executor.ErrAllBreakersOpen):
		return CodeBreakerOpen
	case errors.As(err, &vc):
		return CodeVersionConflict
	case errors.As(err, &de):
		return CodeDatabaseError
	case errors.As(err, &cl):
		if cl.Class == executor.ClassRateLimit {
			return CodeRateLimited
		}
		return CodeExecutionFailed
	default:
		return CodeExecutionFailed
	}
}
