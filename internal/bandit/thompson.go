package bandit

import (
	"fmt"
	"math/rand"
	"sync"
)

// betaArm holds one arm's Beta posterior plus accounting totals.
type betaArm struct {
	Alpha       float64
	Beta        float64
	Pulls       int
	TotalReward float64
	TotalCost   float64
	TotalQual   float64
}

// BetaTS is Beta-Bernoulli Thompson Sampling: each arm keeps a
// Beta(alpha, beta) posterior over its success probability, rewards at or
// above the success threshold count as successes. Context vectors are
// ignored.
type BetaTS struct {
	mu               sync.Mutex
	arms             map[string]*betaArm
	successThreshold float64
	rng              *rand.Rand
}

// BetaTSOption configures a BetaTS policy.
type BetaTSOption func(*BetaTS)

// WithSuccessThreshold sets the reward cutoff that counts as a success.
// The cutoff is inclusive. Default 0.7.
func WithSuccessThreshold(t float64) BetaTSOption {
	return func(b *BetaTS) { b.successThreshold = t }
}

// WithBetaTSSeed makes draws reproducible.
func WithBetaTSSeed(seed int64) BetaTSOption {
	return func(b *BetaTS) { b.rng = newRand(seed) }
}

// NewBetaTS creates a sampler with uniform Beta(1, 1) priors.
func NewBetaTS(opts ...BetaTSOption) *BetaTS {
	b := &BetaTS{
		arms:             make(map[string]*betaArm),
		successThreshold: 0.7,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.rng == nil {
		b.rng = newRand(0)
	}
	return b
}

func (b *BetaTS) Name() string { return "beta_ts" }

// Select draws one sample per eligible arm from its posterior and picks the
// highest. Untried arms draw from the uniform prior.
func (b *BetaTS) Select(_ []float64, eligible []string) (string, error) {
	if len(eligible) == 0 {
		return "", ErrNoEligibleArms
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	best := ""
	bestVal := -1.0
	for _, id := range sortedEligible(eligible) {
		alpha, beta := 1.0, 1.0
		if a, ok := b.arms[id]; ok {
			alpha, beta = a.Alpha, a.Beta
		}
		v := betaSample(b.rng, alpha, beta)
		if v > bestVal {
			best, bestVal = id, v
		}
	}
	return best, nil
}

// Update counts the reward as a success when it meets the threshold and
// accumulates per-arm totals.
func (b *BetaTS) Update(fb Feedback, _ []float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	a := b.arm(fb.ArmID)
	if fb.Reward >= b.successThreshold {
		a.Alpha++
	} else {
		a.Beta++
	}
	a.Pulls++
	a.TotalReward += fb.Reward
	a.TotalCost += fb.CostUSD
	a.TotalQual += fb.Quality
}

// arm returns the tracked state for id, creating it at the uniform prior.
// Callers hold the mutex.
func (b *BetaTS) arm(id string) *betaArm {
	a, ok := b.arms[id]
	if !ok {
		a = &betaArm{Alpha: 1, Beta: 1}
		b.arms[id] = a
	}
	return a
}

// Confidence reports how far the arm's posterior variance has shrunk below
// the maximum variance over arms: 1 - Var(Beta(α,β)) / Var(Beta(1,1)).
// Posteriors with α, β ≥ 1 attain their largest variance at the uniform
// Beta(1,1) prior, where every arm starts (arms are created lazily), so the
// prior's variance is that maximum.
func (b *BetaTS) Confidence(armID string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.arms[armID]
	if !ok || a.Pulls == 0 {
		return 0
	}
	return clamp01(1 - betaVariance(a.Alpha, a.Beta)/betaVariance(1, 1))
}

func betaVariance(alpha, beta float64) float64 {
	s := alpha + beta
	return (alpha * beta) / (s * s * (s + 1))
}

func (b *BetaTS) Stats() map[string]ArmStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]ArmStats, len(b.arms))
	for id, a := range b.arms {
		s := ArmStats{
			Pulls:     a.Pulls,
			TotalCost: a.TotalCost,
			Alpha:     a.Alpha,
			Beta:      a.Beta,
		}
		if a.Pulls > 0 {
			s.MeanReward = a.TotalReward / float64(a.Pulls)
			s.AvgQuality = a.TotalQual / float64(a.Pulls)
			s.Confidence = clamp01(1 - betaVariance(a.Alpha, a.Beta)/betaVariance(1, 1))
		}
		out[id] = s
	}
	return out
}

// Snapshot serializes the posterior and accounting state.
func (b *BetaTS) Snapshot() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := newEncoder(TagBetaTS)
	e.putFloat(b.successThreshold)
	e.putUvarint(uint64(len(b.arms)))
	for _, id := range sortedArmIDs(b.arms) {
		a := b.arms[id]
		e.putString(id)
		e.putFloats([]float64{a.Alpha, a.Beta, float64(a.Pulls), a.TotalReward, a.TotalCost, a.TotalQual})
	}
	return e.bytes(), nil
}

// Restore replaces the policy state from a snapshot.
func (b *BetaTS) Restore(data []byte) error {
	d, err := newDecoder(data, TagBetaTS)
	if err != nil {
		return fmt.Errorf("beta_ts restore: %w", err)
	}
	threshold, err := d.getFloat()
	if err != nil {
		return fmt.Errorf("beta_ts restore: %w", err)
	}
	n, err := d.getUvarint()
	if err != nil {
		return fmt.Errorf("beta_ts restore: %w", err)
	}
	arms := make(map[string]*betaArm, n)
	for i := uint64(0); i < n; i++ {
		id, err := d.getString()
		if err != nil {
			return fmt.Errorf("beta_ts restore: %w", err)
		}
		vals, err := d.getFloats()
		if err != nil {
			return fmt.Errorf("beta_ts restore arm %s: %w", id, err)
		}
		if len(vals) != 6 {
			return fmt.Errorf("beta_ts restore arm %s: %d fields, want 6", id, len(vals))
		}
		arms[id] = &betaArm{
			Alpha:       vals[0],
			Beta:        vals[1],
			Pulls:       int(vals[2]),
			TotalReward: vals[3],
			TotalCost:   vals[4],
			TotalQual:   vals[5],
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.successThreshold = threshold
	b.arms = arms
	return nil
}

func sortedArmIDs[V any](m map[string]V) []string {
	return sortedEligible(keys(m))
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
