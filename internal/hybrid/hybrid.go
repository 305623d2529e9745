// Package hybrid wraps two bandit policies into a two-phase router: a
// context-free UCB1 explorer that hands over to contextual LinUCB once
// enough traffic has been observed, seeding the contextual policy with what
// phase 1 learned.
package hybrid

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/conduitml/conduit/internal/bandit"
)

// Phase identifies which wrapped policy made or should ingest a decision.
type Phase int

const (
	// PhaseExplore is the context-free UCB1 phase.
	PhaseExplore Phase = 1
	// PhaseContextual is the LinUCB phase after knowledge transfer.
	PhaseContextual Phase = 2
)

// Router is the two-phase hybrid policy. It implements bandit.Policy; the
// phase-aware entry points SelectWithPhase and UpdateForPhase let callers
// pin feedback to the phase that produced a decision.
type Router struct {
	mu              sync.Mutex
	phase1          *bandit.UCB1
	phase2          *bandit.LinUCB
	phase           Phase
	queryCount      int
	switchThreshold int
	transferKMax    int
	transitionTime  time.Time

	// Rolling mean of context vectors seen during phase 1, used as the
	// synthetic context at transfer time.
	ctxMean  []float64
	ctxCount int

	logger *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithSwitchThreshold sets how many selects phase 1 serves before the
// transition. Default 2000.
func WithSwitchThreshold(n int) Option {
	return func(r *Router) { r.switchThreshold = n }
}

// WithTransferKMax caps the synthetic observations per arm at transfer.
// Default 10.
func WithTransferKMax(k int) Option {
	return func(r *Router) { r.transferKMax = k }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// New builds a hybrid router over the given phase policies.
func New(phase1 *bandit.UCB1, phase2 *bandit.LinUCB, opts ...Option) (*Router, error) {
	if phase1 == nil || phase2 == nil {
		return nil, fmt.Errorf("hybrid: both phase policies are required")
	}
	r := &Router{
		phase1:          phase1,
		phase2:          phase2,
		phase:           PhaseExplore,
		switchThreshold: 2000,
		transferKMax:    10,
		ctxMean:         make([]float64, phase2.Dim()),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.switchThreshold <= 0 {
		return nil, fmt.Errorf("hybrid: switch threshold must be positive, got %d", r.switchThreshold)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r, nil
}

func (r *Router) Name() string { return "hybrid" }

// Select implements bandit.Policy.
func (r *Router) Select(context []float64, eligible []string) (string, error) {
	arm, _, err := r.SelectWithPhase(context, eligible)
	return arm, err
}

// SelectWithPhase picks an arm and reports the phase that made the pick.
// The first select at or past the switch threshold performs knowledge
// transfer and flips to phase 2.
func (r *Router) SelectWithPhase(context []float64, eligible []string) (string, Phase, error) {
	if len(eligible) == 0 {
		return "", 0, bandit.ErrNoEligibleArms
	}
	r.mu.Lock()
	if r.phase == PhaseExplore && r.queryCount >= r.switchThreshold {
		r.transferLocked()
	}
	phase := r.phase
	r.queryCount++
	r.mu.Unlock()

	var arm string
	var err error
	if phase == PhaseExplore {
		arm, err = r.phase1.Select(nil, eligible)
	} else {
		arm, err = r.phase2.Select(context, eligible)
	}
	if err != nil {
		return "", 0, err
	}
	return arm, phase, nil
}

// transferLocked seeds phase 2 from phase 1 statistics: each arm gets
// k = min(pulls, kMax) synthetic observations of its phase-1 mean reward at
// the rolling mean context vector. Callers hold the mutex.
func (r *Router) transferLocked() {
	ctx := make([]float64, len(r.ctxMean))
	copy(ctx, r.ctxMean)

	seeded := 0
	for armID, s := range r.phase1.Stats() {
		if s.Pulls == 0 {
			continue
		}
		k := s.Pulls
		if k > r.transferKMax {
			k = r.transferKMax
		}
		for i := 0; i < k; i++ {
			r.phase2.Update(bandit.Feedback{ArmID: armID, Reward: s.MeanReward}, ctx)
		}
		seeded++
	}

	r.phase = PhaseContextual
	r.transitionTime = time.Now()
	r.logger.Info("hybrid phase transition",
		"query_count", r.queryCount,
		"switch_threshold", r.switchThreshold,
		"arms_seeded", seeded,
	)
}

// Update routes feedback to the currently active phase.
func (r *Router) Update(fb bandit.Feedback, context []float64) {
	r.mu.Lock()
	phase := r.phase
	r.mu.Unlock()
	r.UpdateForPhase(phase, fb, context)
}

// UpdateForPhase routes feedback to the policy that made the decision, so
// feedback arriving after a transition still lands in the right posterior.
// Phase-1 updates also feed the rolling context mean used at transfer.
func (r *Router) UpdateForPhase(phase Phase, fb bandit.Feedback, context []float64) {
	if phase == PhaseExplore {
		r.phase1.Update(fb, nil)
		r.observeContext(context)
		return
	}
	r.phase2.Update(fb, context)
}

func (r *Router) observeContext(context []float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(context) != len(r.ctxMean) {
		return
	}
	r.ctxCount++
	inv := 1 / float64(r.ctxCount)
	for i, x := range context {
		r.ctxMean[i] += (x - r.ctxMean[i]) * inv
	}
}

// Phase returns the currently active phase.
func (r *Router) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// QueryCount returns the number of selects served.
func (r *Router) QueryCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queryCount
}

// Confidence delegates to the active phase.
func (r *Router) Confidence(armID string) float64 {
	if r.Phase() == PhaseExplore {
		return r.phase1.Confidence(armID)
	}
	return r.phase2.Confidence(armID)
}

// Stats reports the active phase's per-arm view.
func (r *Router) Stats() map[string]bandit.ArmStats {
	if r.Phase() == PhaseExplore {
		return r.phase1.Stats()
	}
	return r.phase2.Stats()
}

// Snapshot serializes phase bookkeeping plus both wrapped policies.
func (r *Router) Snapshot() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p1, err := r.phase1.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("hybrid snapshot phase1: %w", err)
	}
	p2, err := r.phase2.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("hybrid snapshot phase2: %w", err)
	}
	return encodeHybrid(hybridState{
		Phase:           int(r.phase),
		QueryCount:      r.queryCount,
		SwitchThreshold: r.switchThreshold,
		TransferKMax:    r.transferKMax,
		TransitionUnix:  r.transitionTime.UnixNano(),
		CtxCount:        r.ctxCount,
		CtxMean:         r.ctxMean,
		Phase1:          p1,
		Phase2:          p2,
	}), nil
}

// Restore loads phase bookkeeping and both wrapped policies.
func (r *Router) Restore(data []byte) error {
	st, err := decodeHybrid(data)
	if err != nil {
		return fmt.Errorf("hybrid restore: %w", err)
	}
	if st.Phase != int(PhaseExplore) && st.Phase != int(PhaseContextual) {
		return fmt.Errorf("hybrid restore: invalid phase %d", st.Phase)
	}
	if err := r.phase1.Restore(st.Phase1); err != nil {
		return fmt.Errorf("hybrid restore phase1: %w", err)
	}
	if err := r.phase2.Restore(st.Phase2); err != nil {
		return fmt.Errorf("hybrid restore phase2: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.phase = Phase(st.Phase)
	r.queryCount = st.QueryCount
	r.switchThreshold = st.SwitchThreshold
	r.transferKMax = st.TransferKMax
	if st.TransitionUnix > 0 {
		r.transitionTime = time.Unix(0, st.TransitionUnix)
	}
	r.ctxCount = st.CtxCount
	r.ctxMean = st.CtxMean
	return nil
}
