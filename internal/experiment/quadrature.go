package experiment

import (
	"math"

	"gonum.org/v1/gonum/integrate/quad"

	"github.com/copyleftdev/robopt/internal/distribution"
	"github.com/copyleftdev/robopt/internal/optimization"
)

// GaussProduct is the tensor product Gauss rule matching each marginal:
// Gauss-Legendre for uniform and Gauss-Hermite for normal marginals.
type GaussProduct struct {
	dist  distribution.Distribution
	nodes []int

	points  [][]float64
	weights []float64
}

// NewGaussProduct builds a product rule with nodes[j] nodes along component
// j. A single node count is used for every component.
func NewGaussProduct(dist distribution.Distribution, nodes ...int) (*GaussProduct, error) {
	const op = "NewGaussProduct"
	marginals, err := marginalsOf(dist)
	if err != nil {
		return nil, err
	}
	switch {
	case len(nodes) == 1 && len(marginals) > 1:
		n := nodes[0]
		nodes = make([]int, len(marginals))
		for i := range nodes {
			nodes[i] = n
		}
	case len(nodes) != len(marginals):
		return nil, optimization.DimensionMismatch(op, "%d node counts for %d components", len(nodes), len(marginals))
	}

	axes := make([][]float64, len(marginals))
	axisWeights := make([][]float64, len(marginals))
	for j, m := range marginals {
		if nodes[j] <= 0 {
			return nil, optimization.InvalidArgument(op, "node count %d for component %d", nodes[j], j)
		}
		x := make([]float64, nodes[j])
		w := make([]float64, nodes[j])
		switch d := m.(type) {
		case *distribution.Uniform:
			a, b := d.Bounds()
			quad.Legendre{}.FixedLocations(x, w, a, b)
			for k := range w {
				w[k] /= b - a
			}
		case *distribution.Normal:
			mu, sigma := d.Parameters()
			quad.Hermite{}.FixedLocations(x, w, math.Inf(-1), math.Inf(1))
			for k := range x {
				x[k] = mu + math.Sqrt2*sigma*x[k]
				w[k] /= math.SqrtPi
			}
		default:
			return nil, optimization.UnsupportedDistribution(op, "no Gauss rule for %s", m.Snapshot().Kind)
		}
		axes[j], axisWeights[j] = x, w
	}

	points, weights := tensor(axes, axisWeights)
	normalize(weights)
	return &GaussProduct{
		dist:    dist,
		nodes:   append([]int(nil), nodes...),
		points:  points,
		weights: weights,
	}, nil
}

func (g *GaussProduct) Generate() ([][]float64, []float64, error) {
	return g.points, g.weights, nil
}

func (g *GaussProduct) Size() int { return len(g.points) }

func (g *GaussProduct) Snapshot() Snapshot {
	return Snapshot{Kind: "gauss_product", Size: len(g.points), Nodes: g.nodes, Distribution: snapshotOf(g.dist)}
}

// QuantileGrid maps a regular midpoint grid of the unit cube through the
// quantile functions of independent components. It is used to approximate
// probabilities and quantiles of continuous distributions.
type QuantileGrid struct {
	dist    distribution.Quantiler
	size    int
	points  [][]float64
	weights []float64
}

// NewQuantileGrid builds a grid of at most size points, with the same number
// of levels along every component.
func NewQuantileGrid(dist distribution.Distribution, size int) (*QuantileGrid, error) {
	const op = "NewQuantileGrid"
	q, ok := dist.(distribution.Quantiler)
	if !ok {
		return nil, optimization.UnsupportedDistribution(op, "%s has no quantile function", dist.Snapshot().Kind)
	}
	if size <= 0 {
		return nil, optimization.InvalidArgument(op, "size must be positive, got %d", size)
	}
	dim := q.Dimension()
	levels := int(math.Floor(math.Pow(float64(size), 1/float64(dim)) + 1e-9))
	if levels < 1 {
		levels = 1
	}
	axis := make([]float64, levels)
	for k := range axis {
		axis[k] = (float64(k) + 0.5) / float64(levels)
	}
	axes := make([][]float64, dim)
	ws := make([][]float64, dim)
	for j := range axes {
		axes[j] = axis
		ws[j] = equalWeights(levels)
	}
	unit, weights := tensor(axes, ws)
	return &QuantileGrid{dist: q, size: size, points: mapUnit(q, unit), weights: weights}, nil
}

func (g *QuantileGrid) Generate() ([][]float64, []float64, error) {
	return g.points, g.weights, nil
}

func (g *QuantileGrid) Size() int { return len(g.points) }

func (g *QuantileGrid) Snapshot() Snapshot {
	return Snapshot{Kind: "quantile_grid", Size: len(g.points), Distribution: snapshotOf(g.dist)}
}

func marginalsOf(dist distribution.Distribution) ([]distribution.Marginal, error) {
	switch d := dist.(type) {
	case *distribution.Composed:
		return d.Marginals(), nil
	case distribution.Marginal:
		return []distribution.Marginal{d}, nil
	default:
		return nil, optimization.UnsupportedDistribution("marginalsOf", "%s is not a product of known marginals", dist.Snapshot().Kind)
	}
}

// tensor returns the tensor product of one dimensional rules, the first
// component varying slowest.
func tensor(axes, weights [][]float64) ([][]float64, []float64) {
	points := [][]float64{{}}
	w := []float64{1}
	for j := range axes {
		next := make([][]float64, 0, len(points)*len(axes[j]))
		nextW := make([]float64, 0, cap(next))
		for i, p := range points {
			for k, x := range axes[j] {
				q := make([]float64, len(p)+1)
				copy(q, p)
				q[len(p)] = x
				next = append(next, q)
				nextW = append(nextW, w[i]*weights[j][k])
			}
		}
		points, w = next, nextW
	}
	return points, w
}

func normalize(w []float64) {
	total := 0.0
	for _, v := range w {
		total += v
	}
	for i := range w {
		w[i] /= total
	}
}
