// Package routing turns an analyzed query plus constraints into a routing
// decision: a primary arm chosen by the bandit and an ordered fallback
// chain, with a human-readable reasoning trail.
package routing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/conduitml/conduit/internal/analyzer"
	"github.com/conduitml/conduit/internal/bandit"
	"github.com/conduitml/conduit/internal/hybrid"
	"github.com/conduitml/conduit/internal/registry"
)

// Constraints narrow the eligible arm set for one query. Zero values mean
// "no constraint".
type Constraints struct {
	PreferredProvider string  `json:"preferred_provider,omitempty"`
	MinQuality        float64 `json:"min_quality,omitempty"`
	MaxCostUSD        float64 `json:"max_cost_usd,omitempty"`
}

// Query is one routing request.
type Query struct {
	ID          string
	Text        string
	UserID      string
	Constraints Constraints
	CreatedAt   time.Time
}

// Decision is the routing outcome for one query. The primary never appears
// in its own fallback chain.
type Decision struct {
	ID            string            `json:"id"`
	QueryID       string            `json:"query_id"`
	SelectedModel string            `json:"selected_model"`
	FallbackChain []string          `json:"fallback_chain"`
	Confidence    float64           `json:"confidence"`
	Features      analyzer.Features `json:"features"`
	Reasoning     string            `json:"reasoning"`
	Phase         int               `json:"phase"`
	CreatedAt     time.Time         `json:"created_at"`
}

// RoutingError reports an unroutable query: no arm satisfied the
// constraints even after relaxation, or selection itself failed.
type RoutingError struct {
	Reason string
	Err    error
}

func (e *RoutingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("routing failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("routing failed: %s", e.Reason)
}

func (e *RoutingError) Unwrap() error { return e.Err }

// Selector is the policy surface the engine needs: the hybrid router and
// every plain bandit policy satisfy it.
type Selector interface {
	Select(context []float64, eligible []string) (string, error)
	Confidence(armID string) float64
}

// phaseSelector is satisfied by the hybrid router, which stamps decisions
// with the phase that produced them.
type phaseSelector interface {
	SelectWithPhase(context []float64, eligible []string) (string, hybrid.Phase, error)
}

// Engine computes routing decisions. It holds no per-query state; the
// learning state lives in the selector.
type Engine struct {
	registry        *registry.Registry
	analyzer        *analyzer.Analyzer
	selector        Selector
	maxFallbacks    int
	outputAllowance int
	logger          *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxFallbacks caps the fallback chain length. Default 3.
func WithMaxFallbacks(n int) Option {
	return func(e *Engine) { e.maxFallbacks = n }
}

// WithOutputAllowance sets the output token estimate used when checking an
// arm's cost against max_cost. Default 500.
func WithOutputAllowance(tokens int) Option {
	return func(e *Engine) { e.outputAllowance = tokens }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New builds a routing engine.
func New(reg *registry.Registry, an *analyzer.Analyzer, sel Selector, opts ...Option) (*Engine, error) {
	if reg == nil || an == nil || sel == nil {
		return nil, fmt.Errorf("routing: registry, analyzer and selector are required")
	}
	e := &Engine{
		registry:        reg,
		analyzer:        an,
		selector:        sel,
		maxFallbacks:    3,
		outputAllowance: 500,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e, nil
}

// Route analyzes the query, narrows the arm set under its constraints
// (relaxing them in a fixed order when nothing qualifies), asks the policy
// for a primary, and ranks the rest into a fallback chain.
func (e *Engine) Route(ctx context.Context, q Query) (Decision, error) {
	features, err := e.analyzer.Analyze(ctx, q.Text)
	if err != nil {
		return Decision{}, err
	}

	eligible, relaxed, err := e.eligibleArms(q.Constraints, features.TokenCount)
	if err != nil {
		return Decision{}, err
	}
	for _, c := range relaxed {
		e.logger.Warn("constraint relaxed", "constraint", c, "query_id", q.ID)
	}

	ids := make([]string, len(eligible))
	for i, a := range eligible {
		ids[i] = a.ID
	}

	vector := features.Vector()
	var primary string
	phase := 0
	if ps, ok := e.selector.(phaseSelector); ok {
		var p hybrid.Phase
		primary, p, err = ps.SelectWithPhase(vector, ids)
		phase = int(p)
	} else {
		primary, err = e.selector.Select(vector, ids)
	}
	if err != nil {
		if err == bandit.ErrNoEligibleArms {
			return Decision{}, &RoutingError{Reason: "no eligible arms", Err: err}
		}
		return Decision{}, &RoutingError{Reason: "policy selection failed", Err: err}
	}

	chain := e.fallbackChain(primary, eligible)

	d := Decision{
		ID:            uuid.NewString(),
		QueryID:       q.ID,
		SelectedModel: primary,
		FallbackChain: chain,
		Confidence:    e.selector.Confidence(primary),
		Features:      features,
		Phase:         phase,
		CreatedAt:     time.Now().UTC(),
	}
	d.Reasoning = e.reasoning(d, q.Constraints, relaxed, chain)

	e.logger.Debug("routed query",
		"query_id", q.ID,
		"selected", primary,
		"fallbacks", len(chain),
		"phase", phase,
	)
	return d, nil
}

// eligibleArms applies the constraints, relaxing preferred_provider, then
// min_quality, then max_cost when the filtered set comes up empty. The
// returned slice names every constraint that had to be relaxed.
func (e *Engine) eligibleArms(c Constraints, tokenCount int) ([]registry.Arm, []string, error) {
	filter := func(cur Constraints) []registry.Arm {
		var out []registry.Arm
		for _, a := range e.registry.All() {
			if cur.PreferredProvider != "" && a.Provider != cur.PreferredProvider {
				continue
			}
			if cur.MinQuality > 0 && a.ExpectedQuality < cur.MinQuality {
				continue
			}
			if cur.MaxCostUSD > 0 && a.EstimateCostUSD(tokenCount, e.outputAllowance) > cur.MaxCostUSD {
				continue
			}
			out = append(out, a)
		}
		return out
	}

	var relaxed []string
	cur := c
	arms := filter(cur)
	if len(arms) == 0 && cur.PreferredProvider != "" {
		cur.PreferredProvider = ""
		relaxed = append(relaxed, "preferred_provider")
		arms = filter(cur)
	}
	if len(arms) == 0 && cur.MinQuality > 0 {
		cur.MinQuality = 0
		relaxed = append(relaxed, "min_quality")
		arms = filter(cur)
	}
	if len(arms) == 0 && cur.MaxCostUSD > 0 {
		cur.MaxCostUSD = 0
		relaxed = append(relaxed, "max_cost")
		arms = filter(cur)
	}
	if len(arms) == 0 {
		return nil, relaxed, &RoutingError{Reason: "no eligible arms after relaxing all constraints"}
	}
	return arms, relaxed, nil
}

// fallbackChain ranks the non-primary eligible arms by a blended score of
// quality, normalized cost and a same-provider penalty, and keeps the top
// maxFallbacks. Penalizing the primary's provider buys failure diversity:
// provider outages tend to take out sibling models together.
func (e *Engine) fallbackChain(primary string, eligible []registry.Arm) []string {
	primaryArm, _ := e.registry.ByID(primary)

	var rest []registry.Arm
	maxCost := 0.0
	for _, a := range eligible {
		if a.ID == primary {
			continue
		}
		rest = append(rest, a)
		if c := a.AvgCostPer1K(); c > maxCost {
			maxCost = c
		}
	}
	if len(rest) == 0 {
		return nil
	}

	score := func(a registry.Arm) float64 {
		costNorm := 0.0
		if maxCost > 0 {
			costNorm = a.AvgCostPer1K() / maxCost
		}
		penalty := 0.0
		if a.Provider == primaryArm.Provider {
			penalty = 1.0
		}
		return 0.6*a.ExpectedQuality - 0.3*costNorm - 0.1*penalty
	}

	sort.Slice(rest, func(i, j int) bool {
		si, sj := score(rest[i]), score(rest[j])
		if si != sj {
			return si > sj
		}
		return rest[i].ID < rest[j].ID
	})

	n := e.maxFallbacks
	if n > len(rest) {
		n = len(rest)
	}
	chain := make([]string, n)
	for i := 0; i < n; i++ {
		chain[i] = rest[i].ID
	}
	return chain
}

// reasoning builds the human-readable decision trail: winner, contenders,
// active constraints and anything that had to be relaxed.
func (e *Engine) reasoning(d Decision, c Constraints, relaxed, chain []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "selected %s (phase %d, confidence %.2f)", d.SelectedModel, d.Phase, d.Confidence)
	if len(chain) > 0 {
		fmt.Fprintf(&b, "; contenders: %s", strings.Join(chain, ", "))
	}
	var active []string
	if c.PreferredProvider != "" {
		active = append(active, fmt.Sprintf("preferred_provider=%s", c.PreferredProvider))
	}
	if c.MinQuality > 0 {
		active = append(active, fmt.Sprintf("min_quality=%.2f", c.MinQuality))
	}
	if c.MaxCostUSD > 0 {
		active = append(active, fmt.Sprintf("max_cost=%.4f", c.MaxCostUSD))
	}
	if len(active) > 0 {
		fmt.Fprintf(&b, "; constraints: %s", strings.Join(active, ", "))
	}
	for _, r := range relaxed {
		fmt.Fprintf(&b, "; %s relaxed", r)
	}
	return b.String()
}
