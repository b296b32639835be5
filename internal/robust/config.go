package robust

import (
	"fmt"
	"math"
	"runtime"

	"github.com/copyleftdev/robopt/internal/optimization"
)

// Sampling selects how realizations of the uncertain parameter are drawn.
type Sampling string

const (
	// SamplingMonteCarlo draws independent realizations.
	SamplingMonteCarlo Sampling = "monte_carlo"
	// SamplingLHS grows a nested Latin hypercube design. It needs a
	// distribution with independent components and a quantile function.
	SamplingLHS Sampling = "lhs"
)

// ParseSampling parses a sampling name. The empty string selects Monte Carlo.
func ParseSampling(s string) (Sampling, error) {
	switch s {
	case "", "monte_carlo", "montecarlo", "mc":
		return SamplingMonteCarlo, nil
	case "lhs", "latin_hypercube":
		return SamplingLHS, nil
	}
	return "", optimization.InvalidArgument("ParseSampling", "unknown sampling %q", s)
}

// Config holds the settings of the sequential solver.
type Config struct {
	// InitialSamplingSize is the sample size of the first iteration.
	InitialSamplingSize int `json:"initial_sampling_size" yaml:"initial_sampling_size"`
	// MaxIterations caps the number of outer iterations.
	MaxIterations int `json:"max_iterations" yaml:"max_iterations"`
	// MaxAbsoluteError is the convergence threshold on both the displacement
	// of the best point and the adapted solver tolerance.
	MaxAbsoluteError float64 `json:"max_absolute_error" yaml:"max_absolute_error"`
	// InitialSearch is the number of restarts on the first iteration. Zero
	// runs a single solve from the starting point.
	InitialSearch int `json:"initial_search" yaml:"initial_search"`
	// ConvergenceFactor scales the solver tolerance c/sqrt(N).
	ConvergenceFactor float64 `json:"convergence_factor" yaml:"convergence_factor"`
	// SolverMaxIterations, when positive, caps the iterations of each local
	// solve.
	SolverMaxIterations int `json:"solver_max_iterations" yaml:"solver_max_iterations"`
	// Sampling selects the sampling strategy.
	Sampling Sampling `json:"sampling" yaml:"sampling"`
	// Workers bounds the number of concurrent restarts.
	Workers int `json:"workers" yaml:"workers"`
	// Seed seeds the sampler and the restart design. Zero seeds from the
	// clock.
	Seed int64 `json:"seed" yaml:"seed"`
	// StartingPoint is used when InitialSearch is zero. Empty falls back to
	// the solver's own starting point, then to the centre of the bounds.
	StartingPoint []float64 `json:"starting_point,omitempty" yaml:"starting_point,omitempty"`
}

// DefaultConfig returns the default settings.
func DefaultConfig() Config {
	return Config{
		InitialSamplingSize: 10,
		MaxIterations:       10,
		MaxAbsoluteError:    1e-3,
		InitialSearch:       0,
		ConvergenceFactor:   1e-2,
		Sampling:            SamplingMonteCarlo,
		Workers:             runtime.GOMAXPROCS(0),
	}
}

// Validate checks the settings.
func (c Config) Validate() error {
	const op = "Config.Validate"
	switch {
	case c.InitialSamplingSize <= 0:
		return optimization.InvalidArgument(op, "initial sampling size must be positive, got %d", c.InitialSamplingSize)
	case c.MaxIterations <= 0:
		return optimization.InvalidArgument(op, "max iterations must be positive, got %d", c.MaxIterations)
	case !(c.MaxAbsoluteError > 0):
		return optimization.InvalidArgument(op, "max absolute error must be positive, got %g", c.MaxAbsoluteError)
	case c.InitialSearch < 0:
		return optimization.InvalidArgument(op, "initial search must not be negative, got %d", c.InitialSearch)
	case !(c.ConvergenceFactor > 0):
		return optimization.InvalidArgument(op, "convergence factor must be positive, got %g", c.ConvergenceFactor)
	}
	if _, err := ParseSampling(string(c.Sampling)); err != nil {
		return err
	}
	return nil
}

// Schedule returns the target sample size of an iteration given the initial
// size and the size reached by the previous iteration. Sizes below the
// previous size are raised to it.
type Schedule func(iteration, initial, previous int) int

// Doubling doubles the sample each iteration.
func Doubling(iteration, initial, previous int) int {
	if iteration == 0 {
		return initial
	}
	return 2 * previous
}

// Geometric grows the sample by factor each iteration.
func Geometric(factor float64) Schedule {
	return func(iteration, initial, previous int) int {
		if iteration == 0 {
			return initial
		}
		return int(math.Ceil(factor * float64(previous)))
	}
}

// Linear adds step realizations each iteration.
func Linear(step int) Schedule {
	return func(iteration, initial, previous int) int {
		if iteration == 0 {
			return initial
		}
		return previous + step
	}
}

// ParseSchedule parses "doubling", "linear:<step>" or "geometric:<factor>".
// The empty string selects doubling.
func ParseSchedule(s string) (Schedule, error) {
	if s == "" || s == "doubling" {
		return Doubling, nil
	}
	var step int
	if _, err := fmt.Sscanf(s, "linear:%d", &step); err == nil && step > 0 {
		return Linear(step), nil
	}
	var factor float64
	if _, err := fmt.Sscanf(s, "geometric:%g", &factor); err == nil && factor > 1 {
		return Geometric(factor), nil
	}
	return nil, optimization.InvalidArgument("ParseSchedule", "unknown schedule %q", s)
}
