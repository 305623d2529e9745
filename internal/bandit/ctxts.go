package bandit

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
)

// ctxObservation is one retained (context, reward) pair for the sliding
// window.
type ctxObservation struct {
	x []float64
	r float64
}

// ctxArm is one arm's Bayesian linear regression state. With a sliding
// window configured, the retained observations allow downdating A and b as
// old rewards expire.
type ctxArm struct {
	A           *matrix
	B           []float64
	Pulls       int
	TotalReward float64
	TotalCost   float64
	TotalQual   float64
	window      []ctxObservation
	chol        *cholesky
}

func (a *ctxArm) factor() (*cholesky, error) {
	if a.chol == nil {
		c, err := factorSPD(a.A)
		if err != nil {
			return nil, err
		}
		a.chol = c
	}
	return a.chol, nil
}

// CtxTS is contextual Thompson Sampling over Bayesian linear regression:
// per arm, draw θ̃ ~ N(A⁻¹b, v²A⁻¹) and score θ̃ᵀx. An optional sliding
// window bounds how many observations shape each arm's posterior, letting
// the policy track non-stationary reward surfaces.
type CtxTS struct {
	mu         sync.Mutex
	arms       map[string]*ctxArm
	dim        int
	sigma      float64
	lambda     float64
	windowSize int
	rng        *rand.Rand
	logger     *slog.Logger
}

// CtxTSOption configures a CtxTS policy.
type CtxTSOption func(*CtxTS)

// WithCtxTSSigma sets the posterior scale v. Default 1.
func WithCtxTSSigma(v float64) CtxTSOption {
	return func(c *CtxTS) { c.sigma = v }
}

// WithCtxTSLambda sets the ridge regularizer. Default 1.
func WithCtxTSLambda(lambda float64) CtxTSOption {
	return func(c *CtxTS) { c.lambda = lambda }
}

// WithWindowSize retains only the last n observations per arm. Zero keeps
// everything.
func WithWindowSize(n int) CtxTSOption {
	return func(c *CtxTS) { c.windowSize = n }
}

// WithCtxTSSeed makes draws reproducible.
func WithCtxTSSeed(seed int64) CtxTSOption {
	return func(c *CtxTS) { c.rng = newRand(seed) }
}

// WithCtxTSLogger sets the logger. Defaults to slog.Default().
func WithCtxTSLogger(lg *slog.Logger) CtxTSOption {
	return func(c *CtxTS) { c.logger = lg }
}

// NewCtxTS creates a contextual Thompson policy over dim-wide vectors.
func NewCtxTS(dim int, opts ...CtxTSOption) (*CtxTS, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("ctx_ts: dimension must be positive, got %d", dim)
	}
	c := &CtxTS{
		arms:   make(map[string]*ctxArm),
		dim:    dim,
		sigma:  1,
		lambda: 1,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.lambda <= 0 {
		return nil, fmt.Errorf("ctx_ts: lambda must be positive, got %f", c.lambda)
	}
	if c.sigma <= 0 {
		return nil, fmt.Errorf("ctx_ts: sigma must be positive, got %f", c.sigma)
	}
	if c.rng == nil {
		c.rng = newRand(0)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

func (c *CtxTS) Name() string { return "ctx_ts" }

// Dim returns the context vector width the policy was built for.
func (c *CtxTS) Dim() int { return c.dim }

// Select draws a parameter vector per arm and scores it against the
// context. Smallest arm ID wins ties.
func (c *CtxTS) Select(context []float64, eligible []string) (string, error) {
	if len(eligible) == 0 {
		return "", ErrNoEligibleArms
	}
	if len(context) != c.dim {
		return "", fmt.Errorf("ctx_ts: context has %d dims, want %d", len(context), c.dim)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	best := ""
	bestVal := math.Inf(-1)
	for _, id := range sortedEligible(eligible) {
		a := c.armLocked(id)
		f, err := a.factor()
		if err != nil {
			return "", fmt.Errorf("ctx_ts arm %s: %w", id, err)
		}
		mean := f.solve(a.B)
		theta := f.sampleMVNInv(c.rng, mean, c.sigma)
		if v := dot(theta, context); v > bestVal {
			best, bestVal = id, v
		}
	}
	return best, nil
}

func (c *CtxTS) armLocked(id string) *ctxArm {
	a, ok := c.arms[id]
	if !ok {
		a = &ctxArm{
			A: newScaledIdentity(c.dim, c.lambda),
			B: make([]float64, c.dim),
		}
		c.arms[id] = a
	}
	return a
}

// Update folds the observation into the posterior and, when a window is
// configured, expires the oldest observation past the window bound. A
// context of the wrong width is rejected and logged, never silently
// corrected.
func (c *CtxTS) Update(fb Feedback, context []float64) {
	if len(context) != c.dim {
		c.logger.Warn("ctx_ts update rejected: context dimension mismatch",
			"arm", fb.ArmID, "got", len(context), "want", c.dim)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	a := c.armLocked(fb.ArmID)
	a.A.addOuter(context, 1)
	for i, xi := range context {
		a.B[i] += fb.Reward * xi
	}
	if c.windowSize > 0 {
		x := make([]float64, len(context))
		copy(x, context)
		a.window = append(a.window, ctxObservation{x: x, r: fb.Reward})
		for len(a.window) > c.windowSize {
			old := a.window[0]
			a.window = a.window[1:]
			a.A.addOuter(old.x, -1)
			for i, xi := range old.x {
				a.B[i] -= old.r * xi
			}
		}
	}
	a.chol = nil
	a.Pulls++
	a.TotalReward += fb.Reward
	a.TotalCost += fb.CostUSD
	a.TotalQual += fb.Quality
}

// Confidence grows with observation count, saturating at the window bound
// when one is configured.
func (c *CtxTS) Confidence(armID string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.arms[armID]
	if !ok || a.Pulls == 0 {
		return 0
	}
	effective := a.Pulls
	if c.windowSize > 0 && effective > c.windowSize {
		effective = c.windowSize
	}
	return clamp01(1 - 1/math.Sqrt(float64(effective)+1))
}

func (c *CtxTS) Stats() map[string]ArmStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]ArmStats, len(c.arms))
	for id, a := range c.arms {
		s := ArmStats{
			Pulls:     a.Pulls,
			TotalCost: a.TotalCost,
		}
		if a.Pulls > 0 {
			s.MeanReward = a.TotalReward / float64(a.Pulls)
			s.AvgQuality = a.TotalQual / float64(a.Pulls)
			effective := a.Pulls
			if c.windowSize > 0 && effective > c.windowSize {
				effective = c.windowSize
			}
			s.Confidence = clamp01(1 - 1/math.Sqrt(float64(effective)+1))
		}
		out[id] = s
	}
	return out
}

func (c *CtxTS) Snapshot() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := newEncoder(TagCtxTS)
	e.putUvarint(uint64(c.dim))
	e.putFloat(c.sigma)
	e.putFloat(c.lambda)
	e.putUvarint(uint64(c.windowSize))
	e.putUvarint(uint64(len(c.arms)))
	for _, id := range sortedArmIDs(c.arms) {
		a := c.arms[id]
		e.putString(id)
		e.putFloats([]float64{float64(a.Pulls), a.TotalReward, a.TotalCost, a.TotalQual})
		e.putFloats(a.A.a)
		e.putFloats(a.B)
		e.putUvarint(uint64(len(a.window)))
		for _, obs := range a.window {
			e.putFloat(obs.r)
			e.putFloats(obs.x)
		}
	}
	return e.bytes(), nil
}

func (c *CtxTS) Restore(data []byte) error {
	d, err := newDecoder(data, TagCtxTS)
	if err != nil {
		return fmt.Errorf("ctx_ts restore: %w", err)
	}
	dim64, err := d.getUvarint()
	if err != nil {
		return fmt.Errorf("ctx_ts restore: %w", err)
	}
	dim := int(dim64)
	if dim != c.dim {
		return fmt.Errorf("ctx_ts restore: snapshot dimension %d, policy dimension %d", dim, c.dim)
	}
	sigma, err := d.getFloat()
	if err != nil {
		return fmt.Errorf("ctx_ts restore: %w", err)
	}
	lambda, err := d.getFloat()
	if err != nil {
		return fmt.Errorf("ctx_ts restore: %w", err)
	}
	window64, err := d.getUvarint()
	if err != nil {
		return fmt.Errorf("ctx_ts restore: %w", err)
	}
	n, err := d.getUvarint()
	if err != nil {
		return fmt.Errorf("ctx_ts restore: %w", err)
	}
	arms := make(map[string]*ctxArm, n)
	for i := uint64(0); i < n; i++ {
		id, err := d.getString()
		if err != nil {
			return fmt.Errorf("ctx_ts restore: %w", err)
		}
		totals, err := d.getFloats()
		if err != nil {
			return fmt.Errorf("ctx_ts restore arm %s: %w", id, err)
		}
		if len(totals) != 4 {
			return fmt.Errorf("ctx_ts restore arm %s: %d totals, want 4", id, len(totals))
		}
		aVals, err := d.getFloats()
		if err != nil {
			return fmt.Errorf("ctx_ts restore arm %s: %w", id, err)
		}
		if len(aVals) != dim*dim {
			return fmt.Errorf("ctx_ts restore arm %s: matrix has %d entries, want %d", id, len(aVals), dim*dim)
		}
		bVals, err := d.getFloats()
		if err != nil {
			return fmt.Errorf("ctx_ts restore arm %s: %w", id, err)
		}
		if len(bVals) != dim {
			return fmt.Errorf("ctx_ts restore arm %s: b has %d entries, want %d", id, len(bVals), dim)
		}
		obsCount, err := d.getUvarint()
		if err != nil {
			return fmt.Errorf("ctx_ts restore arm %s: %w", id, err)
		}
		window := make([]ctxObservation, 0, obsCount)
		for j := uint64(0); j < obsCount; j++ {
			r, err := d.getFloat()
			if err != nil {
				return fmt.Errorf("ctx_ts restore arm %s: %w", id, err)
			}
			x, err := d.getFloats()
			if err != nil {
				return fmt.Errorf("ctx_ts restore arm %s: %w", id, err)
			}
			window = append(window, ctxObservation{x: x, r: r})
		}
		arms[id] = &ctxArm{
			A:           &matrix{n: dim, a: aVals},
			B:           bVals,
			Pulls:       int(totals[0]),
			TotalReward: totals[1],
			TotalCost:   totals[2],
			TotalQual:   totals[3],
			window:      window,
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sigma = sigma
	c.lambda = lambda
	c.windowSize = int(window64)
	c.arms = arms
	return nil
}
