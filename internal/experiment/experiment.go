// Package experiment generates weighted sample points (designs of experiments)
// from a distribution. Random designs re-draw on every Generate call;
// deterministic designs return the same points every time.
package experiment

import (
	"math/rand/v2"

	"github.com/copyleftdev/robopt/internal/distribution"
	"github.com/copyleftdev/robopt/internal/optimization"
)

// Generator produces a finite ordered sequence of (point, weight) pairs with
// weights summing to 1. Generators are not safe for concurrent use.
type Generator interface {
	Generate() (points [][]float64, weights []float64, err error)
	// Size returns the number of points produced by Generate.
	Size() int
	Snapshot() Snapshot
}

// Snapshot is a serializable description of a generator.
type Snapshot struct {
	Kind         string                 `json:"kind" yaml:"kind"`
	Size         int                    `json:"size" yaml:"size"`
	Nodes        []int                  `json:"nodes,omitempty" yaml:"nodes,omitempty"`
	Seed         int64                  `json:"seed,omitempty" yaml:"seed,omitempty"`
	Distribution *distribution.Snapshot `json:"distribution,omitempty" yaml:"distribution,omitempty"`
}

// NewRand returns a PCG generator seeded with seed, or randomly seeded when
// seed is zero.
func NewRand(seed int64) *rand.Rand {
	if seed == 0 {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return rand.New(rand.NewPCG(uint64(seed), uint64(seed)))
}

func equalWeights(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1 / float64(n)
	}
	return w
}

func snapshotOf(d distribution.Distribution) *distribution.Snapshot {
	s := d.Snapshot()
	return &s
}

// Fixed replays a given set of weighted points.
type Fixed struct {
	points  [][]float64
	weights []float64
}

// NewFixed returns a generator over points. Nil weights mean equal weights;
// weights are normalized to sum to 1.
func NewFixed(points [][]float64, weights []float64) (*Fixed, error) {
	d, err := distribution.NewUserDefined(points, weights)
	if err != nil {
		return nil, optimization.WrapError(err, "invalid fixed experiment").WithOperation("NewFixed")
	}
	return &Fixed{points: d.Support(), weights: d.Weights()}, nil
}

func (f *Fixed) Generate() ([][]float64, []float64, error) {
	return f.points, f.weights, nil
}

func (f *Fixed) Size() int { return len(f.points) }

func (f *Fixed) Snapshot() Snapshot {
	return Snapshot{Kind: "fixed", Size: len(f.points)}
}

// MonteCarlo draws independent realizations with equal weights.
type MonteCarlo struct {
	dist distribution.Distribution
	size int
	seed int64
	rng  *rand.Rand
}

// NewMonteCarlo returns a Monte Carlo design of size points.
func NewMonteCarlo(dist distribution.Distribution, size int, seed int64) (*MonteCarlo, error) {
	if size <= 0 {
		return nil, optimization.InvalidArgument("NewMonteCarlo", "size must be positive, got %d", size)
	}
	return &MonteCarlo{dist: dist, size: size, seed: seed, rng: NewRand(seed)}, nil
}

func (m *MonteCarlo) Generate() ([][]float64, []float64, error) {
	return m.dist.Sample(m.rng, m.size), equalWeights(m.size), nil
}

func (m *MonteCarlo) Size() int { return m.size }

func (m *MonteCarlo) Snapshot() Snapshot {
	return Snapshot{Kind: "monte_carlo", Size: m.size, Seed: m.seed, Distribution: snapshotOf(m.dist)}
}
