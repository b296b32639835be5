package measure

import (
	"go.uber.org/zap"

	"github.com/copyleftdev/robopt/internal/distribution"
	"github.com/copyleftdev/robopt/internal/experiment"
	"github.com/copyleftdev/robopt/internal/optimization"
)

// Factory discretizes measures: it draws one weighted sample from its
// generator and rebinds measures to the resulting discrete distribution, so
// that integrals become weighted sums, probabilities weighted indicator sums,
// worst cases extrema over the sample and quantiles empirical quantiles.
type Factory struct {
	generator experiment.Generator
	logger    *zap.Logger
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithLogger sets the factory logger.
func WithLogger(logger *zap.Logger) FactoryOption {
	return func(f *Factory) {
		if logger != nil {
			f.logger = logger.Named("measure_factory")
		}
	}
}

// NewFactory returns a factory drawing from generator.
func NewFactory(generator experiment.Generator, opts ...FactoryOption) (*Factory, error) {
	if generator == nil {
		return nil, optimization.InvalidArgument("NewFactory", "generator is required")
	}
	f := &Factory{generator: generator, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Generator returns the factory's sample generator.
func (f *Factory) Generator() experiment.Generator { return f.generator }

// Build discretizes a single measure on a fresh sample.
func (f *Factory) Build(m *Measure) (*Measure, error) {
	out, err := f.BuildCollection(m)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// BuildCollection discretizes every measure on one shared sample and returns
// them in order.
func (f *Factory) BuildCollection(measures ...*Measure) ([]*Measure, error) {
	const op = "Factory.BuildCollection"
	if len(measures) == 0 {
		return nil, optimization.InvalidArgument(op, "no measures to discretize")
	}
	points, weights, err := f.generator.Generate()
	if err != nil {
		return nil, optimization.WrapError(err, "generating sample").WithOperation(op)
	}
	d, err := distribution.NewUserDefined(points, weights)
	if err != nil {
		return nil, optimization.WrapError(err, "building discrete distribution").WithOperation(op)
	}

	out := make([]*Measure, len(measures))
	for i, m := range measures {
		if m == nil {
			return nil, optimization.InvalidArgument(op, "measure %d is nil", i)
		}
		if out[i], err = m.WithDistribution(d); err != nil {
			return nil, err
		}
	}
	f.logger.Debug("discretized measures",
		zap.Int("measures", len(measures)),
		zap.Int("sample_size", len(points)),
		zap.String("generator", f.generator.Snapshot().Kind),
	)
	return out, nil
}
