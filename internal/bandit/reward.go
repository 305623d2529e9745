package bandit

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// RewardWeights blend quality, cost and latency into a scalar reward. The
// three weights must sum to 1 within weightTolerance.
type RewardWeights struct {
	Quality float64 `json:"quality"`
	Cost    float64 `json:"cost"`
	Latency float64 `json:"latency"`
}

const weightTolerance = 1e-9

// DefaultWeights is the production blend: quality-dominant with cost and
// latency pressure.
var DefaultWeights = RewardWeights{Quality: 0.5, Cost: 0.3, Latency: 0.2}

// Validate rejects negative weights and any blend whose sum drifts from 1.
func (w RewardWeights) Validate() error {
	if w.Quality < 0 || w.Cost < 0 || w.Latency < 0 {
		return fmt.Errorf("reward weights must be non-negative: %+v", w)
	}
	sum := w.Quality + w.Cost + w.Latency
	if math.Abs(sum-1.0) > weightTolerance {
		return fmt.Errorf("reward weights sum to %.12f, want 1.0", sum)
	}
	return nil
}

// Outcome is one observed model call, successful or failed, as fed to the
// reward computation.
type Outcome struct {
	Quality float64       // [0, 1]; judged or proxied response quality
	CostUSD float64       // actual spend
	Latency time.Duration // wall time of the call
	Failed  bool          // failed calls score zero quality and zero cost
}

// RewardComputer turns outcomes into rewards in [0, 1]. Cost is normalized
// against a rolling per-arm maximum, latency against a fixed ceiling.
type RewardComputer struct {
	mu             sync.Mutex
	weights        RewardWeights
	latencyCeiling time.Duration
	maxCost        map[string]float64
}

// NewRewardComputer builds a computer with the given weights. A zero
// latencyCeiling defaults to 10 seconds.
func NewRewardComputer(weights RewardWeights, latencyCeiling time.Duration) (*RewardComputer, error) {
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	if latencyCeiling <= 0 {
		latencyCeiling = 10 * time.Second
	}
	return &RewardComputer{
		weights:        weights,
		latencyCeiling: latencyCeiling,
		maxCost:        make(map[string]float64),
	}, nil
}

// Compute returns the blended reward for one outcome on the given arm.
// The rolling per-arm max cost is updated before normalization, so the most
// expensive call seen so far normalizes to 1.
func (rc *RewardComputer) Compute(armID string, o Outcome) float64 {
	quality := clamp01(o.Quality)
	cost := o.CostUSD
	if o.Failed {
		quality = 0
		cost = 0
	}

	rc.mu.Lock()
	if cost > rc.maxCost[armID] {
		rc.maxCost[armID] = cost
	}
	maxCost := rc.maxCost[armID]
	rc.mu.Unlock()

	costNorm := 0.0
	if maxCost > 0 {
		costNorm = clamp01(cost / maxCost)
	}
	latNorm := clamp01(float64(o.Latency) / float64(rc.latencyCeiling))

	r := rc.weights.Quality*quality +
		rc.weights.Cost*(1-costNorm) +
		rc.weights.Latency*(1-latNorm)
	return clamp01(r)
}

// Weights returns the configured blend.
func (rc *RewardComputer) Weights() RewardWeights { return rc.weights }

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
