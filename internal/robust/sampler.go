package robust

import (
	"math/rand/v2"

	"github.com/copyleftdev/robopt/internal/distribution"
	"github.com/copyleftdev/robopt/internal/experiment"
)

// sampler appends realizations of the uncertain parameter. It owns its
// random stream so that the sample only depends on the seed and the sizes
// requested.
type sampler interface {
	extend(n int) [][]float64
}

type monteCarloSampler struct {
	dist distribution.Distribution
	rng  *rand.Rand
}

func (s *monteCarloSampler) extend(n int) [][]float64 {
	if n <= 0 {
		return nil
	}
	return s.dist.Sample(s.rng, n)
}

type lhsSampler struct {
	seq *experiment.Sequence
}

func (s *lhsSampler) extend(n int) [][]float64 {
	return s.seq.Extend(n)
}

func newSampler(kind Sampling, dist distribution.Distribution, seed int64) (sampler, error) {
	rng := experiment.NewRand(seed)
	if kind == SamplingLHS {
		seq, err := experiment.NewSequence(dist, rng)
		if err != nil {
			return nil, err
		}
		return &lhsSampler{seq: seq}, nil
	}
	return &monteCarloSampler{dist: dist, rng: rng}, nil
}

// startingPoints returns an n point Latin hypercube design over the bounds.
func startingPoints(lower, upper []float64, n int, seed int64) ([][]float64, error) {
	box := make([]distribution.Marginal, len(lower))
	for i := range box {
		u, err := distribution.NewUniform(0, 1)
		if err != nil {
			return nil, err
		}
		box[i] = u
	}
	unit, err := distribution.NewComposed(box...)
	if err != nil {
		return nil, err
	}
	seq, err := experiment.NewSequence(unit, experiment.NewRand(seed))
	if err != nil {
		return nil, err
	}
	points := seq.Extend(n)
	for _, p := range points {
		for i := range p {
			p[i] = lower[i] + p[i]*(upper[i]-lower[i])
		}
	}
	return points, nil
}
