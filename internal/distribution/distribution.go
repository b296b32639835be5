// Package distribution provides the uncertain parameter distributions used by
// measures: continuous marginals backed by gonum's distuv, their independent
// composition, and weighted discrete (user defined) distributions.
package distribution

import (
	"math/rand/v2"
)

// Distribution is a probability distribution over R^Dimension.
type Distribution interface {
	// Dimension returns the dimension of a realization.
	Dimension() int
	// Sample draws n independent realizations from src.
	Sample(src rand.Source, n int) [][]float64
	// Mean returns the mean vector.
	Mean() []float64
	// Snapshot describes the distribution's constructor parameters.
	Snapshot() Snapshot
}

// Quantiler is implemented by distributions with independent components that
// can map a point of the unit cube to a realization through the marginal
// quantile functions.
type Quantiler interface {
	Distribution
	// Quantile maps p in (0,1)^Dimension to a realization.
	Quantile(p []float64) []float64
}

// Ranger is implemented by distributions that know their support box. Bounds
// may be infinite.
type Ranger interface {
	Distribution
	Range() (lower, upper []float64)
}

// Discrete is implemented by distributions with finite support.
type Discrete interface {
	Distribution
	// Support returns the support points.
	Support() [][]float64
	// Weights returns the probabilities of the support points, summing to 1.
	Weights() []float64
}

// Snapshot is a serializable description of a distribution.
type Snapshot struct {
	Kind       string             `json:"kind" yaml:"kind"`
	Parameters map[string]float64 `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Marginals  []Snapshot         `json:"marginals,omitempty" yaml:"marginals,omitempty"`
	Points     [][]float64        `json:"points,omitempty" yaml:"points,omitempty"`
	Weights    []float64          `json:"weights,omitempty" yaml:"weights,omitempty"`
}

// IsBounded reports whether d has a finite support box.
func IsBounded(d Distribution) bool {
	r, ok := d.(Ranger)
	if !ok {
		return false
	}
	lower, upper := r.Range()
	for i := range lower {
		if isInf(lower[i]) || isInf(upper[i]) {
			return false
		}
	}
	return true
}
