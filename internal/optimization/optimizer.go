package optimization

import (
	"context"
	"fmt"
	"math"
)

// Solver is a local nonlinear optimizer. A Solver is not safe for concurrent
// use; Clone returns an independent instance carrying the same settings, which
// is how parallel restarts get their own solver.
type Solver interface {
	// SetProblem installs the problem to solve.
	SetProblem(p Problem) error

	// SetStartingPoint sets the point the next Run starts from.
	SetStartingPoint(x []float64)

	// StartingPoint returns the current starting point, or nil.
	StartingPoint() []float64

	// SetMaxIterations caps the number of solver iterations per Run.
	SetMaxIterations(n int)

	// SetTolerances sets the stopping and feasibility tolerances.
	SetTolerances(t Tolerances)

	// Tolerances returns the current tolerances.
	Tolerances() Tolerances

	// Run solves the installed problem. The returned error reports setup
	// failures and cancellation only; an unsuccessful solve is reported
	// through Result().Status.
	Run(ctx context.Context) error

	// Result returns the result of the last Run, or nil.
	Result() *Result

	// Clone returns an independent solver with the same configuration.
	Clone() Solver
}

// ObjectiveFunction defines the function to be optimized
type ObjectiveFunction func([]float64) (float64, error)

// ConstraintFunction returns the values of inequality constraints that must
// all be non-negative at a feasible point.
type ConstraintFunction func([]float64) ([]float64, error)

// Problem is a nonlinear program over R^Dimension:
//
//	optimize Objective(x)  subject to  Inequality(x) >= 0,  x in Bounds.
type Problem struct {
	// Objective function to optimize
	Objective ObjectiveFunction

	// Inequality constraint, nil when unconstrained
	Inequality ConstraintFunction

	// Bounds on the decision variables, nil when unbounded
	Bounds *Bounds

	// Dimension of the decision variable
	Dimension int

	// Minimize selects minimization, otherwise the objective is maximized
	Minimize bool
}

// Validate checks that the problem is internally consistent.
func (p Problem) Validate() error {
	const op = "Problem.Validate"
	if p.Objective == nil {
		return InvalidArgument(op, "objective is required")
	}
	if p.Dimension <= 0 {
		return InvalidArgument(op, "dimension must be positive, got %d", p.Dimension)
	}
	if p.Bounds != nil && p.Bounds.Dimension() != p.Dimension {
		return DimensionMismatch(op, "bounds have dimension %d, problem has %d", p.Bounds.Dimension(), p.Dimension)
	}
	return nil
}

// Tolerances groups the solver stopping criteria.
type Tolerances struct {
	// Absolute bounds the change of the iterate.
	Absolute float64 `json:"absolute" yaml:"absolute"`
	// Relative bounds the change of the iterate relative to its norm.
	Relative float64 `json:"relative" yaml:"relative"`
	// Residual bounds the change of the objective value.
	Residual float64 `json:"residual" yaml:"residual"`
	// Constraint bounds the allowed violation of the inequality constraint.
	Constraint float64 `json:"constraint" yaml:"constraint"`
}

// UniformTolerances returns tolerances with every field set to eps.
func UniformTolerances(eps float64) Tolerances {
	return Tolerances{Absolute: eps, Relative: eps, Residual: eps, Constraint: eps}
}

// Status describes how a solve ended.
type Status int

const (
	// StatusNotRun means Run has not completed.
	StatusNotRun Status = iota
	// StatusSuccess means the solver converged to a feasible point.
	StatusSuccess
	// StatusIterationLimit means the iteration cap was hit before convergence.
	StatusIterationLimit
	// StatusInfeasible means the final point violates the constraint.
	StatusInfeasible
	// StatusFailure means the solver stopped for any other reason.
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusNotRun:
		return "not_run"
	case StatusSuccess:
		return "success"
	case StatusIterationLimit:
		return "iteration_limit"
	case StatusInfeasible:
		return "infeasible"
	case StatusFailure:
		return "failure"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result contains the outcome of a single local solve.
type Result struct {
	OptimalPoint    []float64 `json:"optimal_point"`
	OptimalValue    float64   `json:"optimal_value"`
	ConstraintValue []float64 `json:"constraint_value,omitempty"`
	Status          Status    `json:"status"`
	Iterations      int       `json:"iterations"`
	Evaluations     int       `json:"evaluations"`
	// Err is non-nil unless Status is StatusSuccess. It wraps
	// ErrOptimizerNonConvergence.
	Err error `json:"-"`
}

// Success reports whether the solve converged to a feasible point.
func (r *Result) Success() bool {
	return r != nil && r.Status == StatusSuccess
}

// Solution represents a solution in the optimization space
type Solution struct {
	Parameters []float64 `json:"parameters"`
	Value      float64   `json:"value"`
}

// Bounds is a box [Lower, Upper] in R^d.
type Bounds struct {
	Lower []float64 `json:"lower" yaml:"lower"`
	Upper []float64 `json:"upper" yaml:"upper"`
}

// NewBounds returns the box [lower, upper], checking that both corners have
// the same dimension and that lower <= upper componentwise.
func NewBounds(lower, upper []float64) (*Bounds, error) {
	const op = "NewBounds"
	if len(lower) != len(upper) {
		return nil, DimensionMismatch(op, "lower has dimension %d, upper has %d", len(lower), len(upper))
	}
	if len(lower) == 0 {
		return nil, InvalidArgument(op, "bounds must have positive dimension")
	}
	for i := range lower {
		if math.IsNaN(lower[i]) || math.IsNaN(upper[i]) || lower[i] > upper[i] {
			return nil, InvalidArgument(op, "invalid interval [%g, %g] at index %d", lower[i], upper[i], i)
		}
	}
	return &Bounds{
		Lower: append([]float64(nil), lower...),
		Upper: append([]float64(nil), upper...),
	}, nil
}

// Dimension returns the dimension of the box.
func (b *Bounds) Dimension() int {
	return len(b.Lower)
}

// Contains reports whether x lies in the box.
func (b *Bounds) Contains(x []float64) bool {
	if len(x) != len(b.Lower) {
		return false
	}
	for i, v := range x {
		if v < b.Lower[i] || v > b.Upper[i] {
			return false
		}
	}
	return true
}

// Clip stores the projection of x onto the box in dst and returns it. dst may
// be nil, in which case a new slice is allocated.
func (b *Bounds) Clip(dst, x []float64) []float64 {
	if dst == nil {
		dst = make([]float64, len(x))
	}
	for i, v := range x {
		dst[i] = math.Max(b.Lower[i], math.Min(b.Upper[i], v))
	}
	return dst
}

// Center returns the midpoint of the box.
func (b *Bounds) Center() []float64 {
	c := make([]float64, len(b.Lower))
	for i := range c {
		c[i] = 0.5 * (b.Lower[i] + b.Upper[i])
	}
	return c
}
