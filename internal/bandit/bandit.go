// Package bandit implements the selection policies the router learns with:
// Beta-Bernoulli Thompson Sampling, UCB1, LinUCB and contextual Thompson
// Sampling over Bayesian linear regression, plus reward computation and
// binary state serialization.
package bandit

import (
	"errors"
	"sort"
)

// ErrNoEligibleArms is returned by Select when the eligible set is empty.
var ErrNoEligibleArms = errors.New("bandit: no eligible arms")

// Policy is a bandit selection policy. Implementations are safe for
// concurrent use; a single mutex covers both Select and Update so observed
// state is always internally consistent.
//
// Non-contextual policies ignore the context vector.
type Policy interface {
	// Name returns the policy's algorithm tag ("beta_ts", "ucb1", ...).
	Name() string

	// Select picks one arm from eligible given the query context vector.
	// Returns ErrNoEligibleArms when eligible is empty. Ties break toward
	// the lexicographically smallest arm ID.
	Select(context []float64, eligible []string) (string, error)

	// Update ingests feedback for an arm.
	Update(fb Feedback, context []float64)

	// Confidence is a [0, 1] diagnostic of how certain the policy is about
	// the given arm. Untried arms report 0.
	Confidence(armID string) float64

	// Stats returns per-arm diagnostics keyed by arm ID.
	Stats() map[string]ArmStats

	// Snapshot serializes the policy state; Restore loads it back. A
	// snapshot from one algorithm cannot be restored into another.
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}

// Feedback is one reward observation attributed to an arm. Reward is the
// blended scalar from RewardComputer; CostUSD and Quality ride along for
// per-arm accounting.
type Feedback struct {
	ArmID   string
	Reward  float64
	CostUSD float64
	Quality float64
}

// ArmStats is the per-arm diagnostic view shared by all policies. Fields
// that do not apply to a given algorithm are zero.
type ArmStats struct {
	Pulls      int     `json:"pulls"`
	MeanReward float64 `json:"mean_reward"`
	TotalCost  float64 `json:"total_cost"`
	AvgQuality float64 `json:"avg_quality"`
	Alpha      float64 `json:"alpha,omitempty"`
	Beta       float64 `json:"beta,omitempty"`
	Confidence float64 `json:"confidence"`
}

// sortedEligible returns a sorted copy of the eligible set. Policies iterate
// it with strict > comparison so ties land on the smallest ID.
func sortedEligible(eligible []string) []string {
	out := make([]string, len(eligible))
	copy(out, eligible)
	sort.Strings(out)
	return out
}
