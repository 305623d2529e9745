package bandit

import (
	"math"
	"testing"
)

func TestCholeskySolveIdentity(t *testing.T) {
	m := newScaledIdentity(3, 2.0)
	c, err := m.factor()
	if err != nil {
		t.Fatalf("factor: %v", err)
	}
	x := c.solve([]float64{2, 4, 6})
	want := []float64{1, 2, 3}
	for i := range want {
		if math.Abs(x[i]-want[i]) > 1e-12 {
			t.Fatalf("solve[%d] = %f, want %f", i, x[i], want[i])
		}
	}
}

func TestCholeskySolveAfterRankOneUpdates(t *testing.T) {
	// A = I + x1·x1ᵀ + x2·x2ᵀ, then verify A·solve(b) == b.
	m := newScaledIdentity(4, 1.0)
	m.addOuter([]float64{1, 2, 0, -1}, 1)
	m.addOuter([]float64{0.5, -0.5, 1, 2}, 1)

	b := []float64{1, 0, -2, 3}
	c, err := m.factor()
	if err != nil {
		t.Fatalf("factor: %v", err)
	}
	x := c.solve(b)
	for i := 0; i < m.n; i++ {
		sum := 0.0
		for j := 0; j < m.n; j++ {
			sum += m.at(i, j) * x[j]
		}
		if math.Abs(sum-b[i]) > 1e-9 {
			t.Fatalf("(A·x)[%d] = %f, want %f", i, sum, b[i])
		}
	}
}

func TestAddOuterDowndate(t *testing.T) {
	x := []float64{1, -2, 3}
	m := newScaledIdentity(3, 1.0)
	m.addOuter(x, 1)
	m.addOuter(x, -1)
	id := newScaledIdentity(3, 1.0)
	for i := range m.a {
		if math.Abs(m.a[i]-id.a[i]) > 1e-12 {
			t.Fatalf("downdate did not restore identity at %d: %f", i, m.a[i])
		}
	}
}

func TestFactorRejectsIndefinite(t *testing.T) {
	m := newScaledIdentity(2, -1.0)
	if _, err := m.factor(); err == nil {
		t.Fatalf("expected factorization failure for negative definite matrix")
	}
}

func TestFactorSPDJitterRecovers(t *testing.T) {
	// Singular (rank 1) matrix: plain factorization fails, jitter succeeds.
	m := newMatrix(2)
	m.addOuter([]float64{1, 1}, 1)
	if _, err := m.factor(); err == nil {
		t.Fatalf("expected plain factorization to fail on singular matrix")
	}
	if _, err := factorSPD(m); err != nil {
		t.Fatalf("factorSPD with jitter: %v", err)
	}
}

func TestSampleMVNInvDeterministicWithSeed(t *testing.T) {
	m := newScaledIdentity(3, 1.0)
	c, err := m.factor()
	if err != nil {
		t.Fatalf("factor: %v", err)
	}
	mean := []float64{1, 2, 3}
	a := c.sampleMVNInv(newRand(42), mean, 0.1)
	b := c.sampleMVNInv(newRand(42), mean, 0.1)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("seeded draws differ at %d: %f vs %f", i, a[i], b[i])
		}
	}
}

func TestSampleMVNInvZeroScaleIsMean(t *testing.T) {
	m := newScaledIdentity(2, 3.0)
	c, err := m.factor()
	if err != nil {
		t.Fatalf("factor: %v", err)
	}
	mean := []float64{-1, 5}
	got := c.sampleMVNInv(newRand(1), mean, 0)
	for i := range mean {
		if got[i] != mean[i] {
			t.Fatalf("zero-scale draw[%d] = %f, want mean %f", i, got[i], mean[i])
		}
	}
}
