package distribution

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/copyleftdev/robopt/internal/optimization"
)

// Marginal is a one dimensional continuous distribution with a quantile
// function and a support interval.
type Marginal interface {
	Quantiler
	Ranger
	// Variance returns the variance.
	Variance() float64
}

// Uniform is the uniform distribution on [Min, Max].
type Uniform struct {
	d distuv.Uniform
}

// NewUniform returns the uniform distribution on [min, max].
func NewUniform(min, max float64) (*Uniform, error) {
	if !(min < max) || isInf(min) || isInf(max) {
		return nil, optimization.InvalidArgument("NewUniform", "need finite min < max, got [%g, %g]", min, max)
	}
	return &Uniform{d: distuv.Uniform{Min: min, Max: max}}, nil
}

func (u *Uniform) Dimension() int { return 1 }

func (u *Uniform) Sample(src rand.Source, n int) [][]float64 {
	d := u.d
	d.Src = src
	out := make([][]float64, n)
	for i := range out {
		out[i] = []float64{d.Rand()}
	}
	return out
}

func (u *Uniform) Mean() []float64 { return []float64{u.d.Mean()} }

func (u *Uniform) Variance() float64 { return u.d.Variance() }

func (u *Uniform) Quantile(p []float64) []float64 { return []float64{u.d.Quantile(p[0])} }

func (u *Uniform) Range() (lower, upper []float64) {
	return []float64{u.d.Min}, []float64{u.d.Max}
}

// Bounds returns the interval [Min, Max].
func (u *Uniform) Bounds() (min, max float64) { return u.d.Min, u.d.Max }

func (u *Uniform) Snapshot() Snapshot {
	return Snapshot{Kind: "uniform", Parameters: map[string]float64{"min": u.d.Min, "max": u.d.Max}}
}

// Normal is the normal distribution with mean Mu and standard deviation Sigma.
type Normal struct {
	d distuv.Normal
}

// NewNormal returns the normal distribution N(mu, sigma^2).
func NewNormal(mu, sigma float64) (*Normal, error) {
	if !(sigma > 0) || isInf(sigma) || math.IsNaN(mu) || isInf(mu) {
		return nil, optimization.InvalidArgument("NewNormal", "need finite mu and sigma > 0, got mu=%g sigma=%g", mu, sigma)
	}
	return &Normal{d: distuv.Normal{Mu: mu, Sigma: sigma}}, nil
}

func (n *Normal) Dimension() int { return 1 }

func (n *Normal) Sample(src rand.Source, size int) [][]float64 {
	d := n.d
	d.Src = src
	out := make([][]float64, size)
	for i := range out {
		out[i] = []float64{d.Rand()}
	}
	return out
}

func (n *Normal) Mean() []float64 { return []float64{n.d.Mu} }

func (n *Normal) Variance() float64 { return n.d.Variance() }

func (n *Normal) Quantile(p []float64) []float64 { return []float64{n.d.Quantile(p[0])} }

func (n *Normal) Range() (lower, upper []float64) {
	return []float64{math.Inf(-1)}, []float64{math.Inf(1)}
}

// Parameters returns the mean and standard deviation.
func (n *Normal) Parameters() (mu, sigma float64) { return n.d.Mu, n.d.Sigma }

func (n *Normal) Snapshot() Snapshot {
	return Snapshot{Kind: "normal", Parameters: map[string]float64{"mu": n.d.Mu, "sigma": n.d.Sigma}}
}

func isInf(v float64) bool { return math.IsInf(v, 0) }
