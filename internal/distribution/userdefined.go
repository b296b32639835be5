package distribution

import (
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/copyleftdev/robopt/internal/optimization"
)

// UserDefined is a discrete distribution over weighted support points. It is
// the distribution a discretized measure integrates against.
type UserDefined struct {
	points  [][]float64
	weights []float64
	cdf     []float64
}

// NewUserDefined builds a discrete distribution. Weights must be non-negative
// with a positive sum and are normalized to sum to 1. A nil weights slice
// means equal weights.
func NewUserDefined(points [][]float64, weights []float64) (*UserDefined, error) {
	const op = "NewUserDefined"
	if len(points) == 0 {
		return nil, optimization.InvalidArgument(op, "at least one support point is required")
	}
	dim := len(points[0])
	if dim == 0 {
		return nil, optimization.InvalidArgument(op, "support points must have positive dimension")
	}
	for i, p := range points {
		if len(p) != dim {
			return nil, optimization.DimensionMismatch(op, "point %d has dimension %d, expected %d", i, len(p), dim)
		}
	}
	if weights == nil {
		weights = make([]float64, len(points))
		for i := range weights {
			weights[i] = 1
		}
	}
	if len(weights) != len(points) {
		return nil, optimization.DimensionMismatch(op, "%d weights for %d points", len(weights), len(points))
	}
	total := 0.0
	for i, w := range weights {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, optimization.InvalidArgument(op, "weight %d is %g", i, w)
		}
		total += w
	}
	if total <= 0 {
		return nil, optimization.InvalidArgument(op, "weights sum to %g", total)
	}

	u := &UserDefined{
		points:  make([][]float64, len(points)),
		weights: make([]float64, len(weights)),
		cdf:     make([]float64, len(weights)),
	}
	for i, p := range points {
		u.points[i] = append([]float64(nil), p...)
	}
	floats.ScaleTo(u.weights, 1/total, weights)
	floats.CumSum(u.cdf, u.weights)
	return u, nil
}

func (u *UserDefined) Dimension() int { return len(u.points[0]) }

func (u *UserDefined) Support() [][]float64 { return u.points }

func (u *UserDefined) Weights() []float64 { return u.weights }

// Sample draws support points with replacement according to their weights.
func (u *UserDefined) Sample(src rand.Source, n int) [][]float64 {
	rng := rand.New(src)
	out := make([][]float64, n)
	last := u.cdf[len(u.cdf)-1]
	for i := range out {
		r := rng.Float64() * last
		k := sort.Search(len(u.cdf), func(i int) bool { return u.cdf[i] > r })
		if k >= len(u.points) {
			k = len(u.points) - 1
		}
		out[i] = append([]float64(nil), u.points[k]...)
	}
	return out
}

func (u *UserDefined) Mean() []float64 {
	mean := make([]float64, u.Dimension())
	coord := make([]float64, len(u.points))
	for j := range mean {
		for i, p := range u.points {
			coord[i] = p[j]
		}
		mean[j] = stat.Mean(coord, u.weights)
	}
	return mean
}

func (u *UserDefined) Range() (lower, upper []float64) {
	dim := u.Dimension()
	lower = make([]float64, dim)
	upper = make([]float64, dim)
	for j := 0; j < dim; j++ {
		lower[j], upper[j] = math.Inf(1), math.Inf(-1)
		for _, p := range u.points {
			lower[j] = math.Min(lower[j], p[j])
			upper[j] = math.Max(upper[j], p[j])
		}
	}
	return lower, upper
}

func (u *UserDefined) Snapshot() Snapshot {
	return Snapshot{Kind: "user_defined", Points: u.points, Weights: u.weights}
}
