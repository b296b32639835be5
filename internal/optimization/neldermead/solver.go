// Package neldermead implements optimization.Solver with gonum's derivative
// free Nelder-Mead method. Inequality constraints are handled with an
// augmented Lagrangian: each round minimizes the Lagrangian with Nelder-Mead,
// then updates the multipliers and, when feasibility stalls, the penalty.
package neldermead

import (
	"context"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"

	"github.com/copyleftdev/robopt/internal/optimization"
)

// failValue replaces objective values that are NaN, infinite or errored, so
// the simplex moves away from them without poisoning the comparisons.
const failValue = 1e300

// Config holds the solver settings.
type Config struct {
	// MaxIterations caps the Nelder-Mead iterations summed over all rounds.
	MaxIterations int `json:"max_iterations" yaml:"max_iterations"`
	// MaxRounds caps the number of augmented Lagrangian rounds.
	MaxRounds int `json:"max_rounds" yaml:"max_rounds"`
	// Tolerances are the stopping and feasibility tolerances.
	Tolerances optimization.Tolerances `json:"tolerances" yaml:"tolerances"`
	// InitialPenalty is the starting quadratic penalty weight.
	InitialPenalty float64 `json:"initial_penalty" yaml:"initial_penalty"`
	// MaxPenalty bounds the penalty weight.
	MaxPenalty float64 `json:"max_penalty" yaml:"max_penalty"`
	// SimplexSize is the edge of the first simplex. Zero derives it from the
	// bounds, or from the starting point when unbounded.
	SimplexSize float64 `json:"simplex_size" yaml:"simplex_size"`
	// StallIterations is the number of iterations without progress after
	// which a round is considered converged. Zero derives it from the dimension.
	StallIterations int `json:"stall_iterations" yaml:"stall_iterations"`
}

// DefaultConfig returns the default solver settings.
func DefaultConfig() Config {
	return Config{
		MaxIterations:  5000,
		MaxRounds:      20,
		Tolerances:     optimization.UniformTolerances(1e-6),
		InitialPenalty: 10,
		MaxPenalty:     1e8,
	}
}

// Solver is a constrained Nelder-Mead solver.
type Solver struct {
	cfg     Config
	problem *optimization.Problem
	start   []float64
	result  *optimization.Result
	logger  *zap.Logger
}

var _ optimization.Solver = (*Solver)(nil)

// Option configures a Solver.
type Option func(*Solver)

// WithLogger sets the logger used for per-round diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Solver) {
		if logger != nil {
			s.logger = logger.Named("nelder_mead")
		}
	}
}

// New creates a solver. Zero fields of cfg fall back to DefaultConfig.
func New(cfg Config, opts ...Option) *Solver {
	def := DefaultConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = def.MaxRounds
	}
	if cfg.Tolerances == (optimization.Tolerances{}) {
		cfg.Tolerances = def.Tolerances
	}
	if cfg.InitialPenalty <= 0 {
		cfg.InitialPenalty = def.InitialPenalty
	}
	if cfg.MaxPenalty < cfg.InitialPenalty {
		cfg.MaxPenalty = math.Max(def.MaxPenalty, cfg.InitialPenalty)
	}
	s := &Solver{cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the current settings.
func (s *Solver) Config() Config {
	return s.cfg
}

// SetProblem installs the problem to solve and clears the last result.
func (s *Solver) SetProblem(p optimization.Problem) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.problem = &p
	s.result = nil
	return nil
}

// SetStartingPoint sets the point the next Run starts from.
func (s *Solver) SetStartingPoint(x []float64) {
	s.start = append([]float64(nil), x...)
}

// StartingPoint returns the current starting point, or nil.
func (s *Solver) StartingPoint() []float64 {
	return s.start
}

// SetMaxIterations caps the number of Nelder-Mead iterations per Run.
func (s *Solver) SetMaxIterations(n int) {
	if n > 0 {
		s.cfg.MaxIterations = n
	}
}

// SetTolerances sets the stopping and feasibility tolerances.
func (s *Solver) SetTolerances(t optimization.Tolerances) {
	s.cfg.Tolerances = t
}

// Tolerances returns the current tolerances.
func (s *Solver) Tolerances() optimization.Tolerances {
	return s.cfg.Tolerances
}

// Result returns the result of the last Run, or nil.
func (s *Solver) Result() *optimization.Result {
	return s.result
}

// Clone returns an independent solver sharing the read-only problem.
func (s *Solver) Clone() optimization.Solver {
	c := &Solver{
		cfg:    s.cfg,
		logger: s.logger,
		start:  append([]float64(nil), s.start...),
	}
	if s.problem != nil {
		p := *s.problem
		c.problem = &p
	}
	return c
}

// Run solves the installed problem from the starting point.
func (s *Solver) Run(ctx context.Context) error {
	const op = "Solver.Run"
	if s.problem == nil {
		return optimization.InvalidArgument(op, "no problem set").WithComponent("nelder_mead")
	}
	p := s.problem
	x := s.initialPoint()
	if len(x) != p.Dimension {
		return optimization.DimensionMismatch(op, "starting point has dimension %d, problem has %d", len(x), p.Dimension).
			WithComponent("nelder_mead")
	}

	sign := 1.0
	if !p.Minimize {
		sign = -1.0
	}
	tol := s.cfg.Tolerances

	f, c := s.evaluate(x)
	var lambda []float64
	rho := s.cfg.InitialPenalty
	prevViolation := violation(c)
	size := s.simplexSize(x)

	res := &optimization.Result{Status: optimization.StatusFailure}
	remaining := s.cfg.MaxIterations
	converged := false

	for round := 0; round < s.cfg.MaxRounds && remaining > 0; round++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lagrangian := func(z []float64) float64 {
			fz, cz := s.evaluate(z)
			if math.IsNaN(fz) || math.IsInf(fz, 0) {
				return failValue
			}
			v := sign * fz
			for j, cj := range cz {
				v += phr(cj, multiplier(lambda, j), rho)
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return failValue
			}
			return v
		}

		settings := &optimize.Settings{
			MajorIterations: remaining,
			Converger:       s.converger(p.Dimension),
		}
		method := &optimize.NelderMead{
			Reflection:  1.0,
			Expansion:   2.0,
			Contraction: 0.5,
			Shrink:      0.5,
			SimplexSize: size,
		}
		out, err := optimize.Minimize(optimize.Problem{Func: lagrangian}, x, settings, method)
		if out == nil {
			res.Err = optimization.WrapError(err, "nelder-mead failed").WithOperation(op)
			break
		}
		remaining -= out.Stats.MajorIterations
		res.Iterations += out.Stats.MajorIterations
		res.Evaluations += out.Stats.FuncEvaluations

		next := s.project(out.X)
		fNext, cNext := s.evaluate(next)
		step := floats.Distance(next, x, 2)
		df := math.Abs(fNext - f)
		viol := violation(cNext)

		s.logger.Debug("round finished",
			zap.Int("round", round),
			zap.Float64("value", fNext),
			zap.Float64("violation", viol),
			zap.Float64("step", step),
			zap.Float64("penalty", rho),
			zap.String("gonum_status", out.Status.String()),
		)

		x, f, c = next, fNext, cNext
		if len(c) > len(lambda) {
			lambda = append(lambda, make([]float64, len(c)-len(lambda))...)
		}
		for j, cj := range c {
			if !math.IsInf(cj, 0) && !math.IsNaN(cj) {
				lambda[j] = math.Max(0, lambda[j]-rho*cj)
			}
		}
		if viol > tol.Constraint && viol > 0.25*prevViolation {
			rho = math.Min(10*rho, s.cfg.MaxPenalty)
		}
		prevViolation = viol

		if round > 0 && viol <= tol.Constraint &&
			step <= tol.Absolute+tol.Relative*floats.Norm(x, 2) &&
			df <= tol.Residual+tol.Relative*math.Abs(f) {
			converged = true
			break
		}
		size = math.Max(0.5*size, 10*tol.Absolute)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	res.OptimalPoint = x
	res.OptimalValue = f
	res.ConstraintValue = c
	switch {
	case violation(c) > tol.Constraint:
		res.Status = optimization.StatusInfeasible
	case converged:
		res.Status = optimization.StatusSuccess
	case res.Err == nil:
		res.Status = optimization.StatusIterationLimit
	}
	if res.Status != optimization.StatusSuccess {
		cause := res.Err
		if cause == nil {
			cause = optimization.ErrOptimizerNonConvergence
		} else {
			cause = optimization.WrapError(optimization.ErrOptimizerNonConvergence, cause.Error())
		}
		res.Err = optimization.WrapErrorf(cause, "solve ended with status %s", res.Status).
			WithOperation(op).WithComponent("nelder_mead")
	}
	s.result = res
	return nil
}

func (s *Solver) initialPoint() []float64 {
	switch {
	case s.start != nil:
		return s.project(s.start)
	case s.problem.Bounds != nil:
		return s.problem.Bounds.Center()
	default:
		return make([]float64, s.problem.Dimension)
	}
}

// project copies x into the bounds. Nelder-Mead owns the slices it passes to
// the objective, so they are never modified in place.
func (s *Solver) project(x []float64) []float64 {
	if s.problem.Bounds == nil {
		return append([]float64(nil), x...)
	}
	return s.problem.Bounds.Clip(nil, x)
}

// evaluate returns the objective and constraint values at the projection of x.
// Evaluation errors surface as NaN objective and infinitely violated
// constraints.
func (s *Solver) evaluate(x []float64) (float64, []float64) {
	z := s.project(x)
	f, err := s.problem.Objective(z)
	if err != nil {
		f = math.NaN()
	}
	if s.problem.Inequality == nil {
		return f, nil
	}
	c, err := s.problem.Inequality(z)
	if err != nil {
		failed := make([]float64, max(len(c), 1))
		for j := range failed {
			failed[j] = math.Inf(-1)
		}
		return f, failed
	}
	return f, c
}

func (s *Solver) simplexSize(x []float64) float64 {
	if s.cfg.SimplexSize > 0 {
		return s.cfg.SimplexSize
	}
	if b := s.problem.Bounds; b != nil {
		width := 0.0
		for i := range b.Lower {
			width += b.Upper[i] - b.Lower[i]
		}
		if width > 0 {
			return 0.1 * width / float64(b.Dimension())
		}
	}
	return 0.1 * math.Max(1, floats.Norm(x, math.Inf(1)))
}

func (s *Solver) converger(dim int) *stallConverger {
	window := s.cfg.StallIterations
	if window <= 0 {
		window = max(20, 10*(dim+1))
	}
	tol := s.cfg.Tolerances
	return &stallConverger{
		window:   window,
		absolute: tol.Absolute,
		relative: tol.Relative,
		residual: tol.Residual,
	}
}

// phr is the Powell-Hestenes-Rockafellar term for the constraint c >= 0.
func phr(c, lambda, rho float64) float64 {
	if math.IsInf(c, -1) || math.IsNaN(c) {
		return failValue
	}
	if c <= lambda/rho {
		return -lambda*c + 0.5*rho*c*c
	}
	return -lambda * lambda / (2 * rho)
}

// multiplier returns lambda[j], or 0 for a constraint component the
// multipliers have not seen yet.
func multiplier(lambda []float64, j int) float64 {
	if j < len(lambda) {
		return lambda[j]
	}
	return 0
}

// violation returns the total violation sum_j max(0, -c_j).
func violation(c []float64) float64 {
	v := 0.0
	for _, cj := range c {
		if math.IsNaN(cj) {
			return math.Inf(1)
		}
		v += math.Max(0, -cj)
	}
	return v
}
