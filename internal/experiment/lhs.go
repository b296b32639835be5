package experiment

import (
	"math/rand/v2"

	"github.com/copyleftdev/robopt/internal/distribution"
	"github.com/copyleftdev/robopt/internal/optimization"
)

// LHS draws a Latin hypercube design with equal weights. The distribution
// must have independent components exposing a quantile function.
type LHS struct {
	dist distribution.Quantiler
	size int
	seed int64
	rng  *rand.Rand
}

// NewLHS returns a Latin hypercube design of size points.
func NewLHS(dist distribution.Distribution, size int, seed int64) (*LHS, error) {
	const op = "NewLHS"
	q, ok := dist.(distribution.Quantiler)
	if !ok {
		return nil, optimization.UnsupportedDistribution(op, "%s has no quantile function", dist.Snapshot().Kind)
	}
	if size <= 0 {
		return nil, optimization.InvalidArgument(op, "size must be positive, got %d", size)
	}
	return &LHS{dist: q, size: size, seed: seed, rng: NewRand(seed)}, nil
}

func (l *LHS) Generate() ([][]float64, []float64, error) {
	unit := latinHypercube(l.rng, nil, l.size, l.dist.Dimension())
	return mapUnit(l.dist, unit), equalWeights(l.size), nil
}

func (l *LHS) Size() int { return l.size }

func (l *LHS) Snapshot() Snapshot {
	return Snapshot{Kind: "lhs", Size: l.size, Seed: l.seed, Distribution: snapshotOf(l.dist)}
}

// Sequence grows a Latin hypercube design in place. Each Extend call adds
// points in the strata left empty by the existing points, so when the new
// total is a multiple of the previous one the union is itself a Latin
// hypercube of the new size.
type Sequence struct {
	dist distribution.Quantiler
	rng  *rand.Rand
	unit [][]float64
}

// NewSequence returns an empty growing design over dist.
func NewSequence(dist distribution.Distribution, rng *rand.Rand) (*Sequence, error) {
	q, ok := dist.(distribution.Quantiler)
	if !ok {
		return nil, optimization.UnsupportedDistribution("NewSequence", "%s has no quantile function", dist.Snapshot().Kind)
	}
	return &Sequence{dist: q, rng: rng}, nil
}

// Len returns the number of points drawn so far.
func (s *Sequence) Len() int { return len(s.unit) }

// Extend draws n more realizations and returns only the new ones.
func (s *Sequence) Extend(n int) [][]float64 {
	if n <= 0 {
		return nil
	}
	fresh := latinHypercube(s.rng, s.unit, n, s.dist.Dimension())
	s.unit = append(s.unit, fresh...)
	return mapUnit(s.dist, fresh)
}

// latinHypercube returns n new points of the unit cube such that, in every
// dimension, each lies in a different stratum of the (len(existing)+n)-strata
// partition that no existing point occupies.
func latinHypercube(rng *rand.Rand, existing [][]float64, n, dim int) [][]float64 {
	total := len(existing) + n
	samples := make([][]float64, n)
	for j := range samples {
		samples[j] = make([]float64, dim)
	}

	occupied := make([]bool, total)
	for i := 0; i < dim; i++ {
		for k := range occupied {
			occupied[k] = false
		}
		for _, p := range existing {
			occupied[stratum(p[i], total)] = true
		}
		empty := make([]int, 0, total)
		for k, used := range occupied {
			if !used {
				empty = append(empty, k)
			}
		}

		// Shuffle
		rng.Shuffle(len(empty), func(k, l int) {
			empty[k], empty[l] = empty[l], empty[k]
		})

		for j := 0; j < n; j++ {
			u := rng.Float64()
			if u == 0 {
				u = 0.5
			}
			samples[j][i] = (float64(empty[j]) + u) / float64(total)
		}
	}
	return samples
}

func stratum(u float64, total int) int {
	k := int(u * float64(total))
	if k >= total {
		k = total - 1
	}
	if k < 0 {
		k = 0
	}
	return k
}

func mapUnit(dist distribution.Quantiler, unit [][]float64) [][]float64 {
	out := make([][]float64, len(unit))
	for i, u := range unit {
		out[i] = dist.Quantile(u)
	}
	return out
}
