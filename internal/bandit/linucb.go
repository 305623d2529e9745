package bandit

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// linArm is one arm's ridge-regression state: A = λI + Σxxᵀ and b = Σr·x.
// The Cholesky factor is cached between updates.
type linArm struct {
	A           *matrix
	B           []float64
	Pulls       int
	TotalReward float64
	TotalCost   float64
	TotalQual   float64
	chol        *cholesky
}

func (a *linArm) factor() (*cholesky, error) {
	if a.chol == nil {
		c, err := factorSPD(a.A)
		if err != nil {
			return nil, err
		}
		a.chol = c
	}
	return a.chol, nil
}

// LinUCB scores each arm with θᵀx + α·sqrt(xᵀA⁻¹x) where θ = A⁻¹b, the
// disjoint linear UCB of Li et al. Arms start at A = λI, b = 0.
type LinUCB struct {
	mu     sync.Mutex
	arms   map[string]*linArm
	dim    int
	alpha  float64
	lambda float64
	logger *slog.Logger
}

// LinUCBOption configures a LinUCB policy.
type LinUCBOption func(*LinUCB)

// WithLinUCBAlpha sets the exploration multiplier. Default 1.
func WithLinUCBAlpha(a float64) LinUCBOption {
	return func(l *LinUCB) { l.alpha = a }
}

// WithLinUCBLambda sets the ridge regularizer. Default 1.
func WithLinUCBLambda(lambda float64) LinUCBOption {
	return func(l *LinUCB) { l.lambda = lambda }
}

// WithLinUCBLogger sets the logger. Defaults to slog.Default().
func WithLinUCBLogger(lg *slog.Logger) LinUCBOption {
	return func(l *LinUCB) { l.logger = lg }
}

// NewLinUCB creates a LinUCB policy over dim-wide context vectors.
func NewLinUCB(dim int, opts ...LinUCBOption) (*LinUCB, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("linucb: dimension must be positive, got %d", dim)
	}
	l := &LinUCB{
		arms:   make(map[string]*linArm),
		dim:    dim,
		alpha:  1,
		lambda: 1,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.lambda <= 0 {
		return nil, fmt.Errorf("linucb: lambda must be positive, got %f", l.lambda)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l, nil
}

func (l *LinUCB) Name() string { return "linucb" }

// Dim returns the context vector width the policy was built for.
func (l *LinUCB) Dim() int { return l.dim }

// Select scores every eligible arm against the context vector and returns
// the highest, smallest ID winning ties.
func (l *LinUCB) Select(context []float64, eligible []string) (string, error) {
	if len(eligible) == 0 {
		return "", ErrNoEligibleArms
	}
	if len(context) != l.dim {
		return "", fmt.Errorf("linucb: context has %d dims, want %d", len(context), l.dim)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	best := ""
	bestVal := math.Inf(-1)
	for _, id := range sortedEligible(eligible) {
		v, err := l.scoreLocked(id, context)
		if err != nil {
			return "", err
		}
		if v > bestVal {
			best, bestVal = id, v
		}
	}
	return best, nil
}

// scoreLocked computes the UCB score for one arm. Callers hold the mutex.
func (l *LinUCB) scoreLocked(id string, x []float64) (float64, error) {
	a := l.armLocked(id)
	c, err := a.factor()
	if err != nil {
		return 0, fmt.Errorf("linucb arm %s: %w", id, err)
	}
	theta := c.solve(a.B)
	aInvX := c.solve(x)
	width := dot(x, aInvX)
	if width < 0 {
		width = 0
	}
	return dot(theta, x) + l.alpha*math.Sqrt(width), nil
}

func (l *LinUCB) armLocked(id string) *linArm {
	a, ok := l.arms[id]
	if !ok {
		a = &linArm{
			A: newScaledIdentity(l.dim, l.lambda),
			B: make([]float64, l.dim),
		}
		l.arms[id] = a
	}
	return a
}

// Update applies the rank-1 ridge update A += xxᵀ, b += r·x. A context of
// the wrong width is rejected, never truncated or padded; the dropped
// observation is logged so attribution gaps stay visible.
func (l *LinUCB) Update(fb Feedback, context []float64) {
	if len(context) != l.dim {
		l.logger.Warn("linucb update rejected: context dimension mismatch",
			"arm", fb.ArmID, "got", len(context), "want", l.dim)
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	a := l.armLocked(fb.ArmID)
	a.A.addOuter(context, 1)
	for i, xi := range context {
		a.B[i] += fb.Reward * xi
	}
	a.chol = nil
	a.Pulls++
	a.TotalReward += fb.Reward
	a.TotalCost += fb.CostUSD
	a.TotalQual += fb.Quality
}

// Confidence grows with observation count.
func (l *LinUCB) Confidence(armID string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.arms[armID]
	if !ok || a.Pulls == 0 {
		return 0
	}
	return clamp01(1 - 1/math.Sqrt(float64(a.Pulls)+1))
}

func (l *LinUCB) Stats() map[string]ArmStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]ArmStats, len(l.arms))
	for id, a := range l.arms {
		s := ArmStats{
			Pulls:     a.Pulls,
			TotalCost: a.TotalCost,
		}
		if a.Pulls > 0 {
			s.MeanReward = a.TotalReward / float64(a.Pulls)
			s.AvgQuality = a.TotalQual / float64(a.Pulls)
			s.Confidence = clamp01(1 - 1/math.Sqrt(float64(a.Pulls)+1))
		}
		out[id] = s
	}
	return out
}

func (l *LinUCB) Snapshot() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := newEncoder(TagLinUCB)
	e.putUvarint(uint64(l.dim))
	e.putFloat(l.alpha)
	e.putFloat(l.lambda)
	e.putUvarint(uint64(len(l.arms)))
	for _, id := range sortedArmIDs(l.arms) {
		a := l.arms[id]
		e.putString(id)
		e.putFloats([]float64{float64(a.Pulls), a.TotalReward, a.TotalCost, a.TotalQual})
		e.putFloats(a.A.a)
		e.putFloats(a.B)
	}
	return e.bytes(), nil
}

func (l *LinUCB) Restore(data []byte) error {
	d, err := newDecoder(data, TagLinUCB)
	if err != nil {
		return fmt.Errorf("linucb restore: %w", err)
	}
	dim64, err := d.getUvarint()
	if err != nil {
		return fmt.Errorf("linucb restore: %w", err)
	}
	dim := int(dim64)
	if dim != l.dim {
		return fmt.Errorf("linucb restore: snapshot dimension %d, policy dimension %d", dim, l.dim)
	}
	alpha, err := d.getFloat()
	if err != nil {
		return fmt.Errorf("linucb restore: %w", err)
	}
	lambda, err := d.getFloat()
	if err != nil {
		return fmt.Errorf("linucb restore: %w", err)
	}
	n, err := d.getUvarint()
	if err != nil {
		return fmt.Errorf("linucb restore: %w", err)
	}
	arms := make(map[string]*linArm, n)
	for i := uint64(0); i < n; i++ {
		id, err := d.getString()
		if err != nil {
			return fmt.Errorf("linucb restore: %w", err)
		}
		totals, err := d.getFloats()
		if err != nil {
			return fmt.Errorf("linucb restore arm %s: %w", id, err)
		}
		if len(totals) != 4 {
			return fmt.Errorf("linucb restore arm %s: %d totals, want 4", id, len(totals))
		}
		aVals, err := d.getFloats()
		if err != nil {
			return fmt.Errorf("linucb restore arm %s: %w", id, err)
		}
		if len(aVals) != dim*dim {
			return fmt.Errorf("linucb restore arm %s: matrix has %d entries, want %d", id, len(aVals), dim*dim)
		}
		bVals, err := d.getFloats()
		if err != nil {
			return fmt.Errorf("linucb restore arm %s: %w", id, err)
		}
		if len(bVals) != dim {
			return fmt.Errorf("linucb restore arm %s: b has %d entries, want %d", id, len(bVals), dim)
		}
		arms[id] = &linArm{
			A:           &matrix{n: dim, a: aVals},
			B:           bVals,
			Pulls:       int(totals[0]),
			TotalReward: totals[1],
			TotalCost:   totals[2],
			TotalQual:   totals[3],
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.alpha = alpha
	l.lambda = lambda
	l.arms = arms
	return nil
}
