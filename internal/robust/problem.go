// Package robust solves optimization problems whose objective and constraints
// are statistical measures of functions of an uncertain parameter. The
// measures are discretized on a Monte Carlo sample that grows from one outer
// iteration to the next, and each discretized problem is handed to a local
// nonlinear solver.
package robust

import (
	"github.com/copyleftdev/robopt/internal/distribution"
	"github.com/copyleftdev/robopt/internal/measure"
	"github.com/copyleftdev/robopt/internal/optimization"
)

// Inequality is a deterministic constraint on the decision variable,
// satisfied where every component of Func is non-negative.
type Inequality struct {
	Name string
	Func optimization.ConstraintFunction
}

// Problem is a robust optimization problem: optimize a scalar measure subject
// to an optional measure constraint, an optional deterministic inequality and
// optional bounds.
//
// Chance components of the constraint are satisfied where their value
// level - P(event) is non-positive; every other component is satisfied where
// it is non-negative.
type Problem struct {
	objective  *measure.Measure
	constraint *measure.Measure
	inequality *Inequality
	bounds     *optimization.Bounds
	minimize   bool
}

// ProblemOption configures a Problem.
type ProblemOption func(*Problem)

// WithConstraint sets the measure constraint.
func WithConstraint(m *measure.Measure) ProblemOption {
	return func(p *Problem) { p.constraint = m }
}

// WithBounds sets the bounds on the decision variable.
func WithBounds(b *optimization.Bounds) ProblemOption {
	return func(p *Problem) { p.bounds = b }
}

// WithInequality adds a deterministic inequality constraint.
func WithInequality(name string, fn optimization.ConstraintFunction) ProblemOption {
	return func(p *Problem) {
		if fn == nil {
			p.inequality = nil
			return
		}
		p.inequality = &Inequality{Name: name, Func: fn}
	}
}

// Maximize makes the problem a maximization.
func Maximize() ProblemOption {
	return func(p *Problem) { p.minimize = false }
}

// NewProblem returns a minimization problem of objective, validated.
func NewProblem(objective *measure.Measure, opts ...ProblemOption) (*Problem, error) {
	p := &Problem{objective: objective, minimize: true}
	for _, opt := range opts {
		opt(p)
	}
	if err := p.validate(objective, p.constraint, p.bounds); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Problem) validate(objective, constraint *measure.Measure, bounds *optimization.Bounds) error {
	const op = "NewProblem"
	if objective == nil {
		return optimization.InvalidArgument(op, "objective is required")
	}
	if objective.OutputDimension() != 1 {
		return optimization.DimensionMismatch(op, "objective must be scalar, has output dimension %d", objective.OutputDimension())
	}
	dim := objective.InputDimension()
	if constraint != nil {
		if constraint.InputDimension() != dim {
			return optimization.DimensionMismatch(op, "constraint has input dimension %d, objective has %d", constraint.InputDimension(), dim)
		}
		if cd, od := constraint.Distribution().Dimension(), objective.Distribution().Dimension(); cd != od {
			return optimization.DimensionMismatch(op, "constraint parameter has dimension %d, objective parameter has %d", cd, od)
		}
	}
	if bounds != nil && bounds.Dimension() != dim {
		return optimization.DimensionMismatch(op, "bounds have dimension %d, objective has input dimension %d", bounds.Dimension(), dim)
	}
	return nil
}

// Objective returns the objective measure.
func (p *Problem) Objective() *measure.Measure { return p.objective }

// SetObjective replaces the objective measure.
func (p *Problem) SetObjective(m *measure.Measure) error {
	if err := p.validate(m, p.constraint, p.bounds); err != nil {
		return err
	}
	p.objective = m
	return nil
}

// Constraint returns the measure constraint, or nil.
func (p *Problem) Constraint() *measure.Measure { return p.constraint }

// SetConstraint replaces the measure constraint. Nil removes it.
func (p *Problem) SetConstraint(m *measure.Measure) error {
	if err := p.validate(p.objective, m, p.bounds); err != nil {
		return err
	}
	p.constraint = m
	return nil
}

// Bounds returns the bounds, or nil.
func (p *Problem) Bounds() *optimization.Bounds { return p.bounds }

// SetBounds replaces the bounds. Nil removes them.
func (p *Problem) SetBounds(b *optimization.Bounds) error {
	if err := p.validate(p.objective, p.constraint, b); err != nil {
		return err
	}
	p.bounds = b
	return nil
}

// Minimize reports whether the objective is minimized.
func (p *Problem) Minimize() bool { return p.minimize }

// SetMinimize selects minimization or maximization.
func (p *Problem) SetMinimize(minimize bool) { p.minimize = minimize }

// Inequality returns the deterministic inequality, or nil.
func (p *Problem) Inequality() *Inequality { return p.inequality }

// Dimension returns the dimension of the decision variable.
func (p *Problem) Dimension() int { return p.objective.InputDimension() }

// Distribution returns the distribution of the uncertain parameter, taken
// from the constraint when there is one.
func (p *Problem) Distribution() distribution.Distribution {
	if p.constraint != nil {
		return p.constraint.Distribution()
	}
	return p.objective.Distribution()
}

// HasConstraints reports whether the problem has any constraint besides the
// bounds.
func (p *Problem) HasConstraints() bool {
	return p.constraint != nil || p.inequality != nil
}

// Snapshot is a serializable description of a problem.
type Snapshot struct {
	Objective  measure.Snapshot     `json:"objective" yaml:"objective"`
	Constraint *measure.Snapshot    `json:"constraint,omitempty" yaml:"constraint,omitempty"`
	Inequality string               `json:"inequality,omitempty" yaml:"inequality,omitempty"`
	Bounds     *optimization.Bounds `json:"bounds,omitempty" yaml:"bounds,omitempty"`
	Minimize   bool                 `json:"minimize" yaml:"minimize"`
}

// Snapshot returns the parameters of p.
func (p *Problem) Snapshot() Snapshot {
	s := Snapshot{
		Objective: p.objective.Snapshot(),
		Bounds:    p.bounds,
		Minimize:  p.minimize,
	}
	if p.constraint != nil {
		c := p.constraint.Snapshot()
		s.Constraint = &c
	}
	if p.inequality != nil {
		s.Inequality = p.inequality.Name
	}
	return s
}
