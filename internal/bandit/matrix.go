package bandit

import (
	"fmt"
	"math"
	"math/rand"
)

// matrix is a dense square matrix in row-major order. The contextual
// policies only ever build symmetric positive-definite matrices (λI plus
// rank-1 updates), which keeps the factorization below simple.
type matrix struct {
	n int
	a []float64
}

func newMatrix(n int) *matrix {
	return &matrix{n: n, a: make([]float64, n*n)}
}

// newScaledIdentity returns scale·I.
func newScaledIdentity(n int, scale float64) *matrix {
	m := newMatrix(n)
	for i := 0; i < n; i++ {
		m.a[i*n+i] = scale
	}
	return m
}

func (m *matrix) at(i, j int) float64     { return m.a[i*m.n+j] }
func (m *matrix) set(i, j int, v float64) { m.a[i*m.n+j] = v }

func (m *matrix) clone() *matrix {
	c := newMatrix(m.n)
	copy(c.a, m.a)
	return c
}

// addOuter performs A += w·xxᵀ. With w < 0 this downdates, used by the
// sliding-window contextual policy when observations expire.
func (m *matrix) addOuter(x []float64, w float64) {
	for i := 0; i < m.n; i++ {
		xi := w * x[i]
		if xi == 0 {
			continue
		}
		row := m.a[i*m.n : (i+1)*m.n]
		for j := 0; j < m.n; j++ {
			row[j] += xi * x[j]
		}
	}
}

// cholesky holds the lower-triangular factor L with A = LLᵀ.
type cholesky struct {
	n int
	l []float64
}

// factor computes the Cholesky decomposition. It fails when the matrix is
// not positive definite; callers retry with an ε·I jitter.
func (m *matrix) factor() (*cholesky, error) {
	n := m.n
	l := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			sum := m.at(i, j)
			for k := 0; k < j; k++ {
				sum -= l[i*n+k] * l[j*n+k]
			}
			if i == j {
				if sum <= 0 {
					return nil, fmt.Errorf("matrix not positive definite at pivot %d (%g)", i, sum)
				}
				l[i*n+i] = math.Sqrt(sum)
			} else {
				l[i*n+j] = sum / l[j*n+j]
			}
		}
	}
	return &cholesky{n: n, l: l}, nil
}

// solve returns A⁻¹b via forward and back substitution.
func (c *cholesky) solve(b []float64) []float64 {
	n := c.n
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		sum := b[i]
		for k := 0; k < i; k++ {
			sum -= c.l[i*n+k] * y[k]
		}
		y[i] = sum / c.l[i*n+i]
	}
	x := make([]float64, n)
	for i := n - 1; i >= 0; i-- {
		sum := y[i]
		for k := i + 1; k < n; k++ {
			sum -= c.l[k*n+i] * x[k]
		}
		x[i] = sum / c.l[i*n+i]
	}
	return x
}

// sampleMVNInv draws mean + scale·L⁻ᵀ·z with z ~ N(0, I), a draw from
// N(mean, scale²·A⁻¹). Used by the contextual Thompson policy, whose
// posterior covariance is the inverse design matrix.
func (c *cholesky) sampleMVNInv(r *rand.Rand, mean []float64, scale float64) []float64 {
	n := c.n
	z := make([]float64, n)
	for i := range z {
		z[i] = r.NormFloat64()
	}
	// Solve Lᵀw = z by back substitution.
	w := make([]float64, n)
	for i := n - 1; i >= 0; i-- {
		sum := z[i]
		for k := i + 1; k < n; k++ {
			sum -= c.l[k*n+i] * w[k]
		}
		w[i] = sum / c.l[i*n+i]
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = mean[i] + scale*w[i]
	}
	return out
}

// jitterEps is added to the diagonal when a factorization hits an
// ill-conditioned matrix.
const jitterEps = 1e-6

// factorSPD factors m, retrying once with ε·I added to the diagonal when the
// plain factorization fails.
func factorSPD(m *matrix) (*cholesky, error) {
	if c, err := m.factor(); err == nil {
		return c, nil
	}
	j := m.clone()
	for i := 0; i < j.n; i++ {
		j.a[i*j.n+i] += jitterEps
	}
	c, err := j.factor()
	if err != nil {
		return nil, fmt.Errorf("factorization failed even with diagonal jitter: %w", err)
	}
	return c, nil
}

// dot returns xᵀy.
func dot(x, y []float64) float64 {
	sum := 0.0
	for i := range x {
		sum += x[i] * y[i]
	}
	return sum
}
