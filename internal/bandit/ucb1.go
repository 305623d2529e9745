package bandit

import (
	"fmt"
	"math"
	"sync"
)

// ucbArm tracks one arm's empirical mean and accounting totals.
type ucbArm struct {
	Pulls       int
	TotalReward float64
	TotalCost   float64
	TotalQual   float64
}

func (a *ucbArm) mean() float64 {
	if a.Pulls == 0 {
		return 0
	}
	return a.TotalReward / float64(a.Pulls)
}

// UCB1 is the classic upper-confidence-bound policy:
// score = mean + c·sqrt(ln(total) / pulls), untried arms score +Inf.
// Context vectors are ignored.
type UCB1 struct {
	mu    sync.Mutex
	arms  map[string]*ucbArm
	total int
	c     float64
}

// UCB1Option configures a UCB1 policy.
type UCB1Option func(*UCB1)

// WithExplorationConstant sets c. Non-positive values keep the sqrt(2)
// default, so an unset config value cannot disable exploration.
func WithExplorationConstant(c float64) UCB1Option {
	return func(u *UCB1) {
		if c > 0 {
			u.c = c
		}
	}
}

// NewUCB1 creates a UCB1 policy.
func NewUCB1(opts ...UCB1Option) *UCB1 {
	u := &UCB1{
		arms: make(map[string]*ucbArm),
		c:    math.Sqrt2,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

func (u *UCB1) Name() string { return "ucb1" }

// Select returns the eligible arm with the highest upper confidence bound.
// Any untried arm wins immediately; among several, the smallest ID.
func (u *UCB1) Select(_ []float64, eligible []string) (string, error) {
	if len(eligible) == 0 {
		return "", ErrNoEligibleArms
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	best := ""
	bestVal := math.Inf(-1)
	for _, id := range sortedEligible(eligible) {
		a, ok := u.arms[id]
		if !ok || a.Pulls == 0 {
			return id, nil
		}
		v := a.mean() + u.c*math.Sqrt(math.Log(float64(u.total))/float64(a.Pulls))
		if v > bestVal {
			best, bestVal = id, v
		}
	}
	return best, nil
}

func (u *UCB1) Update(fb Feedback, _ []float64) {
	u.mu.Lock()
	defer u.mu.Unlock()

	a, ok := u.arms[fb.ArmID]
	if !ok {
		a = &ucbArm{}
		u.arms[fb.ArmID] = a
	}
	a.Pulls++
	a.TotalReward += fb.Reward
	a.TotalCost += fb.CostUSD
	a.TotalQual += fb.Quality
	u.total++
}

// Confidence shrinks toward 1 as the exploration bonus shrinks.
func (u *UCB1) Confidence(armID string) float64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	a, ok := u.arms[armID]
	if !ok || a.Pulls == 0 || u.total == 0 {
		return 0
	}
	bonus := u.c * math.Sqrt(math.Log(float64(u.total))/float64(a.Pulls))
	return clamp01(1 / (1 + bonus))
}

func (u *UCB1) Stats() map[string]ArmStats {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make(map[string]ArmStats, len(u.arms))
	for id, a := range u.arms {
		s := ArmStats{
			Pulls:      a.Pulls,
			MeanReward: a.mean(),
			TotalCost:  a.TotalCost,
		}
		if a.Pulls > 0 {
			s.AvgQuality = a.TotalQual / float64(a.Pulls)
			bonus := u.c * math.Sqrt(math.Log(float64(u.total))/float64(a.Pulls))
			s.Confidence = clamp01(1 / (1 + bonus))
		}
		out[id] = s
	}
	return out
}

// TotalPulls returns the number of updates seen across all arms.
func (u *UCB1) TotalPulls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.total
}

func (u *UCB1) Snapshot() ([]byte, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	e := newEncoder(TagUCB1)
	e.putFloat(u.c)
	e.putUvarint(uint64(u.total))
	e.putUvarint(uint64(len(u.arms)))
	for _, id := range sortedArmIDs(u.arms) {
		a := u.arms[id]
		e.putString(id)
		e.putFloats([]float64{float64(a.Pulls), a.TotalReward, a.TotalCost, a.TotalQual})
	}
	return e.bytes(), nil
}

func (u *UCB1) Restore(data []byte) error {
	d, err := newDecoder(data, TagUCB1)
	if err != nil {
		return fmt.Errorf("ucb1 restore: %w", err)
	}
	c, err := d.getFloat()
	if err != nil {
		return fmt.Errorf("ucb1 restore: %w", err)
	}
	total, err := d.getUvarint()
	if err != nil {
		return fmt.Errorf("ucb1 restore: %w", err)
	}
	n, err := d.getUvarint()
	if err != nil {
		return fmt.Errorf("ucb1 restore: %w", err)
	}
	arms := make(map[string]*ucbArm, n)
	for i := uint64(0); i < n; i++ {
		id, err := d.getString()
		if err != nil {
			return fmt.Errorf("ucb1 restore: %w", err)
		}
		vals, err := d.getFloats()
		if err != nil {
			return fmt.Errorf("ucb1 restore arm %s: %w", id, err)
		}
		if len(vals) != 4 {
			return fmt.Errorf("ucb1 restore arm %s: %d fields, want 4", id, len(vals))
		}
		arms[id] = &ucbArm{
			Pulls:       int(vals[0]),
			TotalReward: vals[1],
			TotalCost:   vals[2],
			TotalQual:   vals[3],
		}
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	u.c = c
	u.total = int(total)
	u.arms = arms
	return nil
}
