// Package measure turns a parametric function and the distribution of its
// uncertain parameter into a function of the decision variable alone: mean,
// variance, worst case, chance and quantile measures, their tradeoffs and
// aggregations. A measure bound to a discrete distribution is evaluated
// exactly as a weighted sum; Factory produces such discretized measures.
package measure

import (
	"math"

	"github.com/copyleftdev/robopt/internal/distribution"
	"github.com/copyleftdev/robopt/internal/experiment"
	"github.com/copyleftdev/robopt/internal/function"
	"github.com/copyleftdev/robopt/internal/optimization"
)

// Options controls the evaluation of measures over continuous distributions.
type Options struct {
	// QuadratureNodes is the Gauss rule size per component for moment measures.
	QuadratureNodes int `json:"quadrature_nodes" yaml:"quadrature_nodes"`
	// GridSize is the number of quantile grid points for chance and quantile
	// measures.
	GridSize int `json:"grid_size" yaml:"grid_size"`
	// WorstCaseIterations caps the inner search of continuous worst cases.
	WorstCaseIterations int `json:"worst_case_iterations" yaml:"worst_case_iterations"`
}

// DefaultOptions returns the default continuous evaluation settings.
func DefaultOptions() Options {
	return Options{
		QuadratureNodes:     16,
		GridSize:            4096,
		WorstCaseIterations: 2000,
	}
}

// Measure is a map from the decision variable to R^OutputDimension built
// from a parametric function and a distribution. The variant is given by
// Kind. A Measure is immutable and safe for concurrent evaluation; it never
// modifies the function or the distribution it references.
type Measure struct {
	kind     Kind
	fn       *function.Parametric
	dist     distribution.Distribution
	op       Comparison
	levels   []float64
	maximize bool
	children []*Measure
	opts     Options

	rulePoints  [][]float64
	ruleWeights []float64
	ruleErr     error
}

func newMeasure(kind Kind, fn *function.Parametric, dist distribution.Distribution) (*Measure, error) {
	op := "New" + kind.String()
	if fn == nil {
		return nil, optimization.InvalidArgument(op, "function is required")
	}
	if dist == nil {
		return nil, optimization.InvalidArgument(op, "distribution is required")
	}
	if fn.ParameterDimension() != dist.Dimension() {
		return nil, optimization.DimensionMismatch(op, "function %s takes a parameter of dimension %d, distribution has dimension %d",
			fn.Name(), fn.ParameterDimension(), dist.Dimension())
	}
	return &Measure{kind: kind, fn: fn, dist: dist, opts: DefaultOptions()}, nil
}

// NewMean returns x -> E[f(x, theta)].
func NewMean(fn *function.Parametric, dist distribution.Distribution) (*Measure, error) {
	m, err := newMeasure(KindMean, fn, dist)
	if err != nil {
		return nil, err
	}
	return m.prepared(), nil
}

// NewVariance returns x -> Var[f(x, theta)], componentwise.
func NewVariance(fn *function.Parametric, dist distribution.Distribution) (*Measure, error) {
	m, err := newMeasure(KindVariance, fn, dist)
	if err != nil {
		return nil, err
	}
	return m.prepared(), nil
}

// NewWorstCase returns x -> max over theta of f(x, theta) when maximize is
// true, the minimum otherwise, componentwise over the support of theta.
func NewWorstCase(fn *function.Parametric, dist distribution.Distribution, maximize bool) (*Measure, error) {
	m, err := newMeasure(KindWorstCase, fn, dist)
	if err != nil {
		return nil, err
	}
	m.maximize = maximize
	return m.prepared(), nil
}

// NewJointChance returns x -> level - P[op(f_j(x, theta), 0) for all j].
func NewJointChance(fn *function.Parametric, dist distribution.Distribution, op Comparison, level float64) (*Measure, error) {
	m, err := newMeasure(KindJointChance, fn, dist)
	if err != nil {
		return nil, err
	}
	if err := checkUnit("NewJointChance", "level", level); err != nil {
		return nil, err
	}
	if err := checkComparison("NewJointChance", op); err != nil {
		return nil, err
	}
	m.op = op
	m.levels = []float64{level}
	return m.prepared(), nil
}

// NewIndividualChance returns x -> (level_j - P[op(f_j(x, theta), 0)])_j. A
// single level applies to every component.
func NewIndividualChance(fn *function.Parametric, dist distribution.Distribution, op Comparison, levels ...float64) (*Measure, error) {
	const name = "NewIndividualChance"
	m, err := newMeasure(KindIndividualChance, fn, dist)
	if err != nil {
		return nil, err
	}
	levels, err = broadcast(name, "levels", levels, fn.OutputDimension())
	if err != nil {
		return nil, err
	}
	for _, l := range levels {
		if err := checkUnit(name, "level", l); err != nil {
			return nil, err
		}
	}
	if err := checkComparison(name, op); err != nil {
		return nil, err
	}
	m.op = op
	m.levels = levels
	return m.prepared(), nil
}

// NewQuantile returns x -> the level-quantile of f(x, theta). The function
// must be scalar.
func NewQuantile(fn *function.Parametric, dist distribution.Distribution, level float64) (*Measure, error) {
	const name = "NewQuantile"
	m, err := newMeasure(KindQuantile, fn, dist)
	if err != nil {
		return nil, err
	}
	if fn.OutputDimension() != 1 {
		return nil, optimization.DimensionMismatch(name, "quantile needs a scalar function, %s has %d outputs", fn.Name(), fn.OutputDimension())
	}
	if err := checkUnit(name, "level", level); err != nil {
		return nil, err
	}
	m.levels = []float64{level}
	return m.prepared(), nil
}

// NewMeanStdTradeoff returns x -> w*E[f] + (1-w)*sqrt(Var[f]) componentwise.
// A single weight applies to every component.
func NewMeanStdTradeoff(fn *function.Parametric, dist distribution.Distribution, weights ...float64) (*Measure, error) {
	const name = "NewMeanStdTradeoff"
	m, err := newMeasure(KindMeanStdTradeoff, fn, dist)
	if err != nil {
		return nil, err
	}
	weights, err = broadcast(name, "weights", weights, fn.OutputDimension())
	if err != nil {
		return nil, err
	}
	for _, w := range weights {
		if err := checkUnit(name, "weight", w); err != nil {
			return nil, err
		}
	}
	m.levels = weights
	return m.prepared(), nil
}

// NewAggregated stacks the outputs of measures, in order. All measures must
// share the decision variable dimension and the parameter dimension.
func NewAggregated(measures ...*Measure) (*Measure, error) {
	const name = "NewAggregated"
	if len(measures) == 0 {
		return nil, optimization.InvalidArgument(name, "at least one measure is required")
	}
	for i, c := range measures {
		if c == nil {
			return nil, optimization.InvalidArgument(name, "measure %d is nil", i)
		}
		if c.InputDimension() != measures[0].InputDimension() {
			return nil, optimization.DimensionMismatch(name, "measure %d has input dimension %d, expected %d",
				i, c.InputDimension(), measures[0].InputDimension())
		}
		if c.Distribution().Dimension() != measures[0].Distribution().Dimension() {
			return nil, optimization.DimensionMismatch(name, "measure %d has parameter dimension %d, expected %d",
				i, c.Distribution().Dimension(), measures[0].Distribution().Dimension())
		}
	}
	return &Measure{
		kind:     KindAggregated,
		dist:     measures[0].Distribution(),
		children: append([]*Measure(nil), measures...),
		opts:     measures[0].opts,
	}, nil
}

// Kind returns the variant tag.
func (m *Measure) Kind() Kind { return m.kind }

// Function returns the underlying function, nil for aggregated measures.
func (m *Measure) Function() *function.Parametric { return m.fn }

// Distribution returns the distribution the measure integrates against.
func (m *Measure) Distribution() distribution.Distribution { return m.dist }

// Children returns the sub-measures of an aggregated measure.
func (m *Measure) Children() []*Measure { return m.children }

// Comparison returns the operator of a chance measure.
func (m *Measure) Comparison() Comparison { return m.op }

// Levels returns the chance levels, the quantile level or the tradeoff
// weights, depending on the variant.
func (m *Measure) Levels() []float64 { return m.levels }

// Maximize reports whether a worst case measure takes the supremum.
func (m *Measure) Maximize() bool { return m.maximize }

// Options returns the continuous evaluation settings.
func (m *Measure) Options() Options { return m.opts }

// InputDimension returns the dimension of the decision variable.
func (m *Measure) InputDimension() int {
	if m.kind == KindAggregated {
		return m.children[0].InputDimension()
	}
	return m.fn.InputDimension()
}

// OutputDimension returns the dimension of the measure value.
func (m *Measure) OutputDimension() int {
	switch m.kind {
	case KindJointChance, KindQuantile:
		return 1
	case KindAggregated:
		n := 0
		for _, c := range m.children {
			n += c.OutputDimension()
		}
		return n
	default:
		return m.fn.OutputDimension()
	}
}

// Discretized reports whether the measure is bound to a discrete
// distribution, in which case it evaluates as a finite weighted sum.
func (m *Measure) Discretized() bool {
	if m.kind == KindAggregated {
		for _, c := range m.children {
			if !c.Discretized() {
				return false
			}
		}
		return true
	}
	_, ok := m.dist.(distribution.Discrete)
	return ok
}

// FeasibilitySigns returns, per output component, the factor that turns the
// measure value into a quantity that is non-negative when acceptable: -1 for
// chance components, whose value is non-positive when the probability
// requirement holds, and +1 otherwise.
func (m *Measure) FeasibilitySigns() []float64 {
	switch m.kind {
	case KindAggregated:
		signs := make([]float64, 0, m.OutputDimension())
		for _, c := range m.children {
			signs = append(signs, c.FeasibilitySigns()...)
		}
		return signs
	case KindJointChance, KindIndividualChance:
		return fill(m.OutputDimension(), -1)
	default:
		return fill(m.OutputDimension(), 1)
	}
}

// WithDistribution returns a copy of m integrating against d. Sub-measures of
// an aggregated measure are all rebound to d.
func (m *Measure) WithDistribution(d distribution.Distribution) (*Measure, error) {
	const op = "Measure.WithDistribution"
	if d == nil {
		return nil, optimization.InvalidArgument(op, "distribution is required")
	}
	if d.Dimension() != m.dist.Dimension() {
		return nil, optimization.DimensionMismatch(op, "distribution has dimension %d, measure expects %d", d.Dimension(), m.dist.Dimension())
	}
	c := m.clone()
	c.dist = d
	if m.kind == KindAggregated {
		for i, child := range m.children {
			bound, err := child.WithDistribution(d)
			if err != nil {
				return nil, err
			}
			c.children[i] = bound
		}
		return c, nil
	}
	return c.prepared(), nil
}

// WithOptions returns a copy of m using opts for continuous evaluation. Zero
// fields keep their defaults.
func (m *Measure) WithOptions(opts Options) *Measure {
	def := DefaultOptions()
	if opts.QuadratureNodes <= 0 {
		opts.QuadratureNodes = def.QuadratureNodes
	}
	if opts.GridSize <= 0 {
		opts.GridSize = def.GridSize
	}
	if opts.WorstCaseIterations <= 0 {
		opts.WorstCaseIterations = def.WorstCaseIterations
	}
	c := m.clone()
	c.opts = opts
	if m.kind == KindAggregated {
		for i, child := range m.children {
			c.children[i] = child.WithOptions(opts)
		}
		return c
	}
	return c.prepared()
}

func (m *Measure) clone() *Measure {
	c := *m
	c.levels = append([]float64(nil), m.levels...)
	c.children = append([]*Measure(nil), m.children...)
	c.rulePoints, c.ruleWeights, c.ruleErr = nil, nil, nil
	return &c
}

// prepared precomputes the integration rule used when the distribution is
// continuous, so that evaluation only reads shared state.
func (m *Measure) prepared() *Measure {
	if _, ok := m.dist.(distribution.Discrete); ok {
		return m
	}
	op := "Measure.Evaluate"
	var gen experiment.Generator
	var err error
	switch m.kind {
	case KindMean, KindVariance, KindMeanStdTradeoff:
		gen, err = experiment.NewGaussProduct(m.dist, m.opts.QuadratureNodes)
		if err != nil {
			m.ruleErr = optimization.WrapErrorf(optimization.ErrAnalyticalEvaluationUnavailable,
				"%s over %s needs a discretized distribution: %v", m.kind, m.dist.Snapshot().Kind, err).WithOperation(op)
			return m
		}
	case KindJointChance, KindIndividualChance, KindQuantile:
		gen, err = experiment.NewQuantileGrid(m.dist, m.opts.GridSize)
		if err != nil {
			m.ruleErr = optimization.UnsupportedDistribution(op, "%s over %s needs a quantile function or a discretized distribution",
				m.kind, m.dist.Snapshot().Kind)
			return m
		}
	case KindWorstCase:
		if !distribution.IsBounded(m.dist) {
			m.ruleErr = optimization.UnsupportedDistribution(op, "worst case over %s needs a bounded support or a discretized distribution",
				m.dist.Snapshot().Kind)
		}
		return m
	default:
		return m
	}
	m.rulePoints, m.ruleWeights, m.ruleErr = gen.Generate()
	return m
}

func checkUnit(op, what string, v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return optimization.InvalidArgument(op, "%s must lie in [0, 1], got %g", what, v)
	}
	return nil
}

func broadcast(op, what string, values []float64, n int) ([]float64, error) {
	switch len(values) {
	case n:
		return append([]float64(nil), values...), nil
	case 1:
		return fill(n, values[0]), nil
	default:
		return nil, optimization.DimensionMismatch(op, "%d %s for %d output components", len(values), what, n)
	}
}

func fill(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}
