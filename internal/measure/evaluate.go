package measure

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"

	"github.com/copyleftdev/robopt/internal/distribution"
	"github.com/copyleftdev/robopt/internal/optimization"
)

// Evaluate returns the measure value at x.
//
// Over a discrete distribution the value is the exact weighted sum. Over a
// continuous distribution moment measures use a Gauss product rule, chance
// and quantile measures a quantile grid, and worst case measures a
// Nelder-Mead search of the support box. Distributions that cannot support
// these yield an error matching optimization.ErrAnalyticalEvaluationUnavailable.
func (m *Measure) Evaluate(x []float64) ([]float64, error) {
	const op = "Measure.Evaluate"
	if len(x) != m.InputDimension() {
		return nil, optimization.DimensionMismatch(op, "x has dimension %d, %s measure expects %d", len(x), m.kind, m.InputDimension())
	}

	if m.kind == KindAggregated {
		out := make([]float64, 0, m.OutputDimension())
		for _, c := range m.children {
			v, err := c.Evaluate(x)
			if err != nil {
				return nil, err
			}
			out = append(out, v...)
		}
		return out, nil
	}

	if d, ok := m.dist.(distribution.Discrete); ok {
		return m.reduce(x, d.Support(), d.Weights())
	}
	if m.ruleErr != nil {
		return nil, m.ruleErr
	}
	if m.kind == KindWorstCase {
		return m.searchWorstCase(x)
	}
	return m.reduce(x, m.rulePoints, m.ruleWeights)
}

// reduce evaluates the function at every point and combines the values with
// the weights according to the variant.
func (m *Measure) reduce(x []float64, points [][]float64, weights []float64) ([]float64, error) {
	values, err := m.fn.EvaluateBatch(x, points)
	if err != nil {
		return nil, err
	}
	dy := m.fn.OutputDimension()

	switch m.kind {
	case KindMean:
		return weightedMean(values, weights, dy), nil

	case KindVariance:
		_, variance := weightedMoments(values, weights, dy)
		return variance, nil

	case KindMeanStdTradeoff:
		mean, variance := weightedMoments(values, weights, dy)
		out := make([]float64, dy)
		for j := range out {
			w := m.levels[j]
			out[j] = w*mean[j] + (1-w)*math.Sqrt(variance[j])
		}
		return out, nil

	case KindWorstCase:
		out := fill(dy, math.Inf(-1))
		if !m.maximize {
			out = fill(dy, math.Inf(1))
		}
		for i, y := range values {
			if weights[i] == 0 {
				continue
			}
			for j, v := range y {
				if m.maximize {
					out[j] = math.Max(out[j], v)
				} else {
					out[j] = math.Min(out[j], v)
				}
			}
		}
		return out, nil

	case KindJointChance:
		p := 0.0
		for i, y := range values {
			all := true
			for _, v := range y {
				if !m.op.Holds(v, 0) {
					all = false
					break
				}
			}
			if all {
				p += weights[i]
			}
		}
		return []float64{m.levels[0] - clampUnit(p)}, nil

	case KindIndividualChance:
		p := make([]float64, dy)
		for i, y := range values {
			for j, v := range y {
				if m.op.Holds(v, 0) {
					p[j] += weights[i]
				}
			}
		}
		out := make([]float64, dy)
		for j := range out {
			out[j] = m.levels[j] - clampUnit(p[j])
		}
		return out, nil

	case KindQuantile:
		scalar := make([]float64, len(values))
		for i, y := range values {
			scalar[i] = y[0]
		}
		return []float64{weightedQuantile(scalar, weights, m.levels[0])}, nil
	}
	return nil, optimization.InvalidArgument("Measure.Evaluate", "cannot reduce %s measure", m.kind)
}

// searchWorstCase optimizes each output component over the support box,
// starting from the best of the box centre, the mean and, in low dimension,
// the box corners.
func (m *Measure) searchWorstCase(x []float64) ([]float64, error) {
	lower, upper := m.dist.(distribution.Ranger).Range()
	box, err := optimization.NewBounds(lower, upper)
	if err != nil {
		return nil, optimization.UnsupportedDistribution("Measure.Evaluate", "invalid support: %v", err)
	}
	starts := [][]float64{box.Center(), box.Clip(nil, m.dist.Mean())}
	if len(lower) <= 10 {
		starts = append(starts, corners(lower, upper)...)
	}
	width := 0.0
	for i := range lower {
		width = math.Max(width, upper[i]-lower[i])
	}

	sign := 1.0
	if m.maximize {
		sign = -1.0
	}
	dy := m.fn.OutputDimension()
	out := make([]float64, dy)
	for j := 0; j < dy; j++ {
		var evalErr error
		obj := func(theta []float64) float64 {
			y, err := m.fn.Evaluate(x, box.Clip(nil, theta))
			if err != nil {
				if evalErr == nil {
					evalErr = err
				}
				return math.MaxFloat64
			}
			return sign * y[j]
		}

		best, bestVal := starts[0], math.Inf(1)
		for _, s := range starts {
			if v := obj(s); v < bestVal {
				best, bestVal = s, v
			}
		}
		if evalErr != nil {
			return nil, evalErr
		}
		if width > 0 {
			settings := &optimize.Settings{
				MajorIterations: m.opts.WorstCaseIterations,
				Converger: &optimize.FunctionConverge{
					Absolute:   1e-12,
					Relative:   1e-12,
					Iterations: 50,
				},
			}
			res, _ := optimize.Minimize(optimize.Problem{Func: obj}, best, settings, &optimize.NelderMead{SimplexSize: 0.1 * width})
			if evalErr != nil {
				return nil, evalErr
			}
			if res != nil && res.F < bestVal {
				bestVal = res.F
			}
		}
		out[j] = sign * bestVal
	}
	return out, nil
}

// column returns component j of every output.
func column(values [][]float64, j int) []float64 {
	col := make([]float64, len(values))
	for i, y := range values {
		col[i] = y[j]
	}
	return col
}

func weightedMean(values [][]float64, weights []float64, dy int) []float64 {
	mean := make([]float64, dy)
	for j := range mean {
		mean[j] = stat.Mean(column(values, j), weights)
	}
	return mean
}

// weightedMoments returns the mean and the population variance of every
// output component.
func weightedMoments(values [][]float64, weights []float64, dy int) (mean, variance []float64) {
	mean = make([]float64, dy)
	variance = make([]float64, dy)
	for j := range mean {
		mean[j], variance[j] = stat.PopMeanVariance(column(values, j), weights)
	}
	return mean, variance
}

// weightedQuantile interpolates the weighted empirical distribution function
// linearly between consecutive order statistics. Realizations without weight
// are not order statistics.
func weightedQuantile(values, weights []float64, level float64) float64 {
	x := make([]float64, 0, len(values))
	w := make([]float64, 0, len(values))
	for i, v := range values {
		if math.IsNaN(v) {
			return math.NaN()
		}
		if weights[i] != 0 {
			x = append(x, v)
			w = append(w, weights[i])
		}
	}
	if len(x) == 0 {
		return math.NaN()
	}

	idx := make([]int, len(x))
	floats.Argsort(x, idx)
	sorted := make([]float64, len(w))
	for k, i := range idx {
		sorted[k] = w[i]
	}
	if level >= 1 {
		return x[len(x)-1]
	}
	return stat.Quantile(level, stat.LinInterp, x, sorted)
}

func corners(lower, upper []float64) [][]float64 {
	n := 1 << len(lower)
	out := make([][]float64, n)
	for mask := 0; mask < n; mask++ {
		c := make([]float64, len(lower))
		for i := range c {
			if mask&(1<<i) != 0 {
				c[i] = upper[i]
			} else {
				c[i] = lower[i]
			}
		}
		out[mask] = c
	}
	return out
}

func clampUnit(p float64) float64 {
	return math.Max(0, math.Min(1, p))
}
