package distribution

import (
	"math/rand/v2"

	"github.com/copyleftdev/robopt/internal/optimization"
)

// Composed is the joint distribution of independent one dimensional marginals.
type Composed struct {
	marginals []Marginal
}

// NewComposed joins independent marginals into a random vector.
func NewComposed(marginals ...Marginal) (*Composed, error) {
	if len(marginals) == 0 {
		return nil, optimization.InvalidArgument("NewComposed", "at least one marginal is required")
	}
	for i, m := range marginals {
		if m.Dimension() != 1 {
			return nil, optimization.DimensionMismatch("NewComposed", "marginal %d has dimension %d", i, m.Dimension())
		}
	}
	return &Composed{marginals: append([]Marginal(nil), marginals...)}, nil
}

// NewUniformBox returns independent uniforms over the box [lower, upper].
func NewUniformBox(lower, upper []float64) (*Composed, error) {
	if len(lower) != len(upper) {
		return nil, optimization.DimensionMismatch("NewUniformBox", "lower has dimension %d, upper has %d", len(lower), len(upper))
	}
	ms := make([]Marginal, len(lower))
	for i := range lower {
		u, err := NewUniform(lower[i], upper[i])
		if err != nil {
			return nil, err
		}
		ms[i] = u
	}
	return NewComposed(ms...)
}

// Marginals returns the component distributions.
func (c *Composed) Marginals() []Marginal {
	return c.marginals
}

func (c *Composed) Dimension() int { return len(c.marginals) }

func (c *Composed) Sample(src rand.Source, n int) [][]float64 {
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, len(c.marginals))
	}
	for j, m := range c.marginals {
		for i, s := range m.Sample(src, n) {
			out[i][j] = s[0]
		}
	}
	return out
}

func (c *Composed) Mean() []float64 {
	mean := make([]float64, len(c.marginals))
	for j, m := range c.marginals {
		mean[j] = m.Mean()[0]
	}
	return mean
}

func (c *Composed) Quantile(p []float64) []float64 {
	x := make([]float64, len(c.marginals))
	for j, m := range c.marginals {
		x[j] = m.Quantile(p[j : j+1])[0]
	}
	return x
}

func (c *Composed) Range() (lower, upper []float64) {
	lower = make([]float64, len(c.marginals))
	upper = make([]float64, len(c.marginals))
	for j, m := range c.marginals {
		lo, hi := m.Range()
		lower[j], upper[j] = lo[0], hi[0]
	}
	return lower, upper
}

func (c *Composed) Snapshot() Snapshot {
	s := Snapshot{Kind: "composed", Marginals: make([]Snapshot, len(c.marginals))}
	for i, m := range c.marginals {
		s.Marginals[i] = m.Snapshot()
	}
	return s
}
