package measure

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/robopt/internal/distribution"
	"github.com/copyleftdev/robopt/internal/experiment"
	"github.com/copyleftdev/robopt/internal/optimization"
)

func TestBuildCollectionSharesOneSample(t *testing.T) {
	u := uniform(t, 1, 3)
	mc, err := experiment.NewMonteCarlo(u, 64, 3)
	require.NoError(t, err)
	factory, err := NewFactory(mc)
	require.NoError(t, err)

	mean, _ := NewMean(scaled(t), u)
	variance, _ := NewVariance(scaled(t), u)
	joint, _ := NewJointChance(shifted(t), u, GreaterOrEqual, 0.9)
	agg, err := NewAggregated(mean, variance, joint)
	require.NoError(t, err)

	built, err := factory.BuildCollection(agg, mean, variance, joint)
	require.NoError(t, err)
	require.Len(t, built, 4)

	shared := built[1].Distribution()
	for _, m := range built {
		assert.True(t, m.Discretized())
	}
	for _, c := range built[0].Children() {
		assert.Same(t, shared, c.Distribution())
	}

	for _, x := range []float64{-1, 0.5, 1.7, 2.5} {
		got, err := built[0].Evaluate([]float64{x})
		require.NoError(t, err)
		var stacked []float64
		for _, m := range built[1:] {
			v, err := m.Evaluate([]float64{x})
			require.NoError(t, err)
			stacked = append(stacked, v...)
		}
		if diff := cmp.Diff(stacked, got, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
			t.Errorf("aggregated differs from stacked measures at x=%g (-want +got):\n%s", x, diff)
		}
	}
}

func TestBuildNormalizesWeights(t *testing.T) {
	n := normal(t, 1, 3)
	generators := map[string]func() (experiment.Generator, error){
		"monte carlo": func() (experiment.Generator, error) { return experiment.NewMonteCarlo(n, 100, 1) },
		"lhs":         func() (experiment.Generator, error) { return experiment.NewLHS(n, 33, 1) },
		"gauss":       func() (experiment.Generator, error) { return experiment.NewGaussProduct(n, 9) },
		"fixed": func() (experiment.Generator, error) {
			return experiment.NewFixed([][]float64{{0}, {1}, {2}}, []float64{2, 5, 7})
		},
	}
	for name, build := range generators {
		t.Run(name, func(t *testing.T) {
			gen, err := build()
			require.NoError(t, err)
			factory, err := NewFactory(gen)
			require.NoError(t, err)

			for _, newMeasure := range []func() (*Measure, error){
				func() (*Measure, error) { return NewMean(scaled(t), n) },
				func() (*Measure, error) { return NewVariance(scaled(t), n) },
			} {
				m, err := newMeasure()
				require.NoError(t, err)
				d, err := factory.Build(m)
				require.NoError(t, err)

				disc, ok := d.Distribution().(distribution.Discrete)
				require.True(t, ok)
				total := 0.0
				for _, w := range disc.Weights() {
					total += w
				}
				assert.InDelta(t, 1, total, 1e-12)
			}
		})
	}
}

func TestBuildMatchesContinuousMoments(t *testing.T) {
	n := normal(t, 2, 0.5)
	gauss, err := experiment.NewGaussProduct(n, 12)
	require.NoError(t, err)
	factory, err := NewFactory(gauss)
	require.NoError(t, err)

	variance, _ := NewVariance(scaled(t), n)
	built, err := factory.Build(variance)
	require.NoError(t, err)

	want := evaluate(t, variance, 2)
	got := evaluate(t, built, 2)
	assert.InDeltaSlice(t, want, got, 1e-9)
	assert.InDelta(t, 1, got[0], 1e-9)
}

func TestBuildDimensionMismatch(t *testing.T) {
	box, _ := distribution.NewUniformBox([]float64{0, 0}, []float64{1, 1})
	mc, _ := experiment.NewMonteCarlo(box, 10, 1)
	factory, err := NewFactory(mc)
	require.NoError(t, err)

	m, _ := NewMean(scaled(t), uniform(t, 0, 1))
	_, err = factory.Build(m)
	assert.ErrorIs(t, err, optimization.ErrDimensionMismatch)

	_, err = factory.BuildCollection()
	assert.ErrorIs(t, err, optimization.ErrInvalidArgument)

	_, err = NewFactory(nil)
	assert.ErrorIs(t, err, optimization.ErrInvalidArgument)
}
