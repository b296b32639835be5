package robust

import (
	"context"
	"math"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"

	"github.com/copyleftdev/robopt/internal/distribution"
	"github.com/copyleftdev/robopt/internal/experiment"
	"github.com/copyleftdev/robopt/internal/measure"
	"github.com/copyleftdev/robopt/internal/optimization"
)

// StopReason tells why a run ended.
type StopReason string

const (
	// StopDisplacement means the best point moved less than the threshold.
	StopDisplacement StopReason = "displacement"
	// StopTolerance means the adapted solver tolerance fell below the
	// threshold.
	StopTolerance StopReason = "tolerance"
	// StopIterationBudget means the maximum number of iterations was reached.
	StopIterationBudget StopReason = "iteration_budget"
	// StopFailed means the run ended with an error.
	StopFailed StopReason = "failed"
	// StopCanceled means the context was canceled.
	StopCanceled StopReason = "canceled"
)

// Step is one entry of the optimization path.
type Step struct {
	Iteration  int       `json:"iteration" yaml:"iteration"`
	SampleSize int       `json:"sample_size" yaml:"sample_size"`
	Tolerance  float64   `json:"tolerance" yaml:"tolerance"`
	Point      []float64 `json:"point" yaml:"point"`
	Value      float64   `json:"value" yaml:"value"`
	// Displacement is the distance to the previous best point, zero on the
	// first iteration.
	Displacement float64 `json:"displacement" yaml:"displacement"`
	// Status is the status of the local solve that produced Point.
	Status string `json:"status" yaml:"status"`
	// Restarts and Succeeded count the first iteration's restarts.
	Restarts  int `json:"restarts,omitempty" yaml:"restarts,omitempty"`
	Succeeded int `json:"succeeded,omitempty" yaml:"succeeded,omitempty"`
}

// Result is the outcome of a run. When Run fails it still holds the path
// accumulated before the failure.
type Result struct {
	BestSolution *optimization.Solution `json:"best_solution,omitempty" yaml:"best_solution,omitempty"`
	Path         []Step                 `json:"path" yaml:"path"`
	Iterations   int                    `json:"iterations" yaml:"iterations"`
	SampleSize   int                    `json:"sample_size" yaml:"sample_size"`
	Converged    bool                   `json:"converged" yaml:"converged"`
	Reason       StopReason             `json:"reason" yaml:"reason"`
}

// State exposes the internals of the last or current run.
type State struct {
	// Iteration is the number of completed iterations.
	Iteration int
	// Sample is the accumulated parameter sample, in drawing order.
	Sample [][]float64
	// InitialStartingPoints are the restart points of the first iteration.
	InitialStartingPoints [][]float64
	// InitialResults are the restart results, aligned with
	// InitialStartingPoints.
	InitialResults []*optimization.Result
	// Results holds the retained local solve of every iteration.
	Results []*optimization.Result
	// Tolerance is the last adapted solver tolerance.
	Tolerance float64
}

// SequentialSolver refines a robust problem by solving a sequence of
// discretized problems on a growing sample. It is not safe for concurrent
// use; State may be called while Run is in progress.
type SequentialSolver struct {
	problem  *Problem
	solver   optimization.Solver
	cfg      Config
	schedule Schedule
	logger   *zap.Logger
	metrics  *Metrics
	observer func(Step)

	mu    sync.Mutex
	state State
}

// Option configures a SequentialSolver.
type Option func(*SequentialSolver)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *SequentialSolver) {
		if logger != nil {
			s.logger = logger.Named("robust_solver")
		}
	}
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *Metrics) Option {
	return func(s *SequentialSolver) { s.metrics = m }
}

// WithSchedule replaces the default doubling schedule.
func WithSchedule(schedule Schedule) Option {
	return func(s *SequentialSolver) {
		if schedule != nil {
			s.schedule = schedule
		}
	}
}

// WithObserver registers a function called after every iteration, from the
// goroutine running Run.
func WithObserver(fn func(Step)) Option {
	return func(s *SequentialSolver) { s.observer = fn }
}

// New returns a sequential solver for problem using solver for the local
// solves. The objective and constraint functions are evaluated from several
// goroutines when cfg.InitialSearch is positive.
func New(problem *Problem, solver optimization.Solver, cfg Config, opts ...Option) (*SequentialSolver, error) {
	const op = "robust.New"
	if problem == nil {
		return nil, optimization.InvalidArgument(op, "problem is required")
	}
	if solver == nil {
		return nil, optimization.InvalidArgument(op, "solver is required")
	}
	if cfg.Sampling == "" {
		cfg.Sampling = SamplingMonteCarlo
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	dim := problem.Dimension()
	if len(cfg.StartingPoint) > 0 && len(cfg.StartingPoint) != dim {
		return nil, optimization.DimensionMismatch(op, "starting point has dimension %d, problem has %d", len(cfg.StartingPoint), dim)
	}
	if cfg.InitialSearch > 0 && !finiteBounds(problem.Bounds()) {
		return nil, optimization.InvalidArgument(op, "initial search needs finite bounds")
	}
	if cfg.Sampling == SamplingLHS {
		if _, ok := problem.Distribution().(distribution.Quantiler); !ok {
			return nil, optimization.UnsupportedDistribution(op, "lhs sampling needs a quantile function, %s has none", problem.Distribution().Snapshot().Kind)
		}
	}

	s := &SequentialSolver{
		problem:  problem,
		solver:   solver,
		cfg:      cfg,
		schedule: Doubling,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Problem returns the problem being solved.
func (s *SequentialSolver) Problem() *Problem { return s.problem }

// Config returns the settings.
func (s *SequentialSolver) Config() Config { return s.cfg }

// State returns a copy of the solver internals.
func (s *SequentialSolver) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.state
	out.Sample = append([][]float64(nil), s.state.Sample...)
	out.InitialStartingPoints = append([][]float64(nil), s.state.InitialStartingPoints...)
	out.InitialResults = append([]*optimization.Result(nil), s.state.InitialResults...)
	out.Results = append([]*optimization.Result(nil), s.state.Results...)
	return out
}

// SolverSnapshot is a serializable description of a sequential solver.
type SolverSnapshot struct {
	Problem Snapshot `json:"problem" yaml:"problem"`
	Config  Config   `json:"config" yaml:"config"`
}

// Snapshot returns the parameters of s.
func (s *SequentialSolver) Snapshot() SolverSnapshot {
	return SolverSnapshot{Problem: s.problem.Snapshot(), Config: s.cfg}
}

// Run solves the problem. The returned result is never nil: on error it
// carries the path accumulated so far. Errors are fatal only when the
// discretization fails, when no restart of the first iteration reaches a
// feasible point (optimization.ErrNoFeasibleStart) or when ctx is done;
// unsuccessful local solves are logged and their points used as they are.
func (s *SequentialSolver) Run(ctx context.Context) (*Result, error) {
	const op = "SequentialSolver.Run"
	res := &Result{Path: []Step{}}
	s.mu.Lock()
	s.state = State{}
	s.mu.Unlock()

	smp, err := newSampler(s.cfg.Sampling, s.problem.Distribution(), s.cfg.Seed)
	if err != nil {
		return s.fail(res, StopFailed, err)
	}

	var sample [][]float64
	previous := s.startingPoint()
	eps := s.cfg.MaxAbsoluteError

	for k := 0; k < s.cfg.MaxIterations; k++ {
		if err := ctx.Err(); err != nil {
			return s.fail(res, StopCanceled, err)
		}

		target := max(s.schedule(k, s.cfg.InitialSamplingSize, len(sample)), len(sample), 1)
		sample = append(sample, smp.extend(target-len(sample))...)

		objective, constraint, err := s.discretize(sample)
		if err != nil {
			return s.fail(res, StopFailed, optimization.WrapErrorf(err, "discretizing iteration %d", k).WithOperation(op))
		}
		nlp := s.discretizedProblem(objective, constraint)
		tol := s.cfg.ConvergenceFactor / math.Sqrt(float64(len(sample)))

		started := time.Now()
		var best *optimization.Result
		step := Step{Iteration: k, SampleSize: len(sample), Tolerance: tol}
		if k == 0 && s.cfg.InitialSearch > 0 {
			best, err = s.initialSearch(ctx, nlp, tol, &step)
		} else {
			best, err = s.solve(ctx, nlp, tol, previous)
		}
		if err != nil {
			if ctx.Err() != nil {
				return s.fail(res, StopCanceled, err)
			}
			return s.fail(res, StopFailed, err)
		}
		s.metrics.observeIteration(len(sample), tol, time.Since(started))

		point := append([]float64(nil), best.OptimalPoint...)
		if k > 0 {
			step.Displacement = floats.Distance(point, previous, 2)
		}
		step.Point = point
		step.Value = best.OptimalValue
		step.Status = best.Status.String()

		res.Path = append(res.Path, step)
		res.Iterations = k + 1
		res.SampleSize = len(sample)
		res.BestSolution = &optimization.Solution{Parameters: point, Value: best.OptimalValue}
		s.record(k, sample, tol, best)

		s.logger.Info("iteration finished",
			zap.Int("iteration", k),
			zap.Int("sample_size", len(sample)),
			zap.Float64("tolerance", tol),
			zap.Float64s("point", point),
			zap.Float64("value", best.OptimalValue),
			zap.Float64("displacement", step.Displacement),
			zap.Stringer("status", best.Status),
		)
		if s.observer != nil {
			s.observer(step)
		}

		previous = point
		if k > 0 && step.Displacement < eps {
			res.Converged, res.Reason = true, StopDisplacement
			break
		}
		if k > 0 && tol < eps {
			res.Converged, res.Reason = true, StopTolerance
			break
		}
	}
	if res.Reason == "" {
		res.Reason = StopIterationBudget
	}
	s.metrics.observeRun(res.Reason)
	s.logger.Info("robust solve finished",
		zap.String("reason", string(res.Reason)),
		zap.Int("iterations", res.Iterations),
		zap.Int("sample_size", res.SampleSize),
	)
	return res, nil
}

func (s *SequentialSolver) fail(res *Result, reason StopReason, err error) (*Result, error) {
	res.Reason = reason
	s.metrics.observeRun(reason)
	s.logger.Error("robust solve failed",
		zap.Error(err),
		zap.String("reason", string(reason)),
		zap.Int("iterations", res.Iterations),
	)
	return res, err
}

// discretize binds the objective and constraint to one discrete
// distribution over sample.
func (s *SequentialSolver) discretize(sample [][]float64) (objective, constraint *measure.Measure, err error) {
	gen, err := experiment.NewFixed(sample, nil)
	if err != nil {
		return nil, nil, err
	}
	factory, err := measure.NewFactory(gen, measure.WithLogger(s.logger))
	if err != nil {
		return nil, nil, err
	}
	ms := []*measure.Measure{s.problem.Objective()}
	if c := s.problem.Constraint(); c != nil {
		ms = append(ms, c)
	}
	built, err := factory.BuildCollection(ms...)
	if err != nil {
		return nil, nil, err
	}
	if len(built) > 1 {
		constraint = built[1]
	}
	return built[0], constraint, nil
}

// discretizedProblem turns discretized measures into a nonlinear program
// whose inequality is non-negative where the robust constraints hold.
func (s *SequentialSolver) discretizedProblem(objective, constraint *measure.Measure) optimization.Problem {
	p := optimization.Problem{
		Dimension: s.problem.Dimension(),
		Bounds:    s.problem.Bounds(),
		Minimize:  s.problem.Minimize(),
		Objective: func(x []float64) (float64, error) {
			v, err := objective.Evaluate(x)
			if err != nil {
				return 0, err
			}
			return v[0], nil
		},
	}
	if !s.problem.HasConstraints() {
		return p
	}
	ineq := s.problem.Inequality()
	var signs []float64
	if constraint != nil {
		signs = constraint.FeasibilitySigns()
	}
	p.Inequality = func(x []float64) ([]float64, error) {
		var out []float64
		if constraint != nil {
			v, err := constraint.Evaluate(x)
			if err != nil {
				return nil, err
			}
			out = make([]float64, len(v))
			for j := range v {
				out[j] = signs[j] * v[j]
			}
		}
		if ineq != nil {
			w, err := ineq.Func(x)
			if err != nil {
				return nil, err
			}
			out = append(out, w...)
		}
		return out, nil
	}
	return p
}

func (s *SequentialSolver) configure(solver optimization.Solver, nlp optimization.Problem, tol float64) error {
	if err := solver.SetProblem(nlp); err != nil {
		return err
	}
	solver.SetTolerances(optimization.UniformTolerances(tol))
	if s.cfg.SolverMaxIterations > 0 {
		solver.SetMaxIterations(s.cfg.SolverMaxIterations)
	}
	return nil
}

// solve runs a single local solve from start. An unsuccessful solve is not
// an error.
func (s *SequentialSolver) solve(ctx context.Context, nlp optimization.Problem, tol float64, start []float64) (*optimization.Result, error) {
	const op = "SequentialSolver.solve"
	if err := s.configure(s.solver, nlp, tol); err != nil {
		return nil, err
	}
	s.solver.SetStartingPoint(start)
	if err := s.solver.Run(ctx); err != nil {
		return nil, err
	}
	r := s.solver.Result()
	if err := s.checkResult(op, r); err != nil {
		return nil, err
	}
	s.metrics.observeSolve(r.Success())
	if !r.Success() {
		s.logger.Warn("local solve did not converge, continuing with its point",
			zap.Error(r.Err),
			zap.Float64s("point", r.OptimalPoint),
		)
	}
	return r, nil
}

// initialSearch runs one local solve per point of a Latin hypercube design
// over the bounds, concurrently, and keeps the best successful one. Ties go
// to the earliest restart.
func (s *SequentialSolver) initialSearch(ctx context.Context, nlp optimization.Problem, tol float64, step *Step) (*optimization.Result, error) {
	const op = "SequentialSolver.initialSearch"
	b := s.problem.Bounds()
	starts, err := startingPoints(b.Lower, b.Upper, s.cfg.InitialSearch, restartSeed(s.cfg.Seed))
	if err != nil {
		return nil, err
	}
	if err := s.configure(s.solver, nlp, tol); err != nil {
		return nil, err
	}

	results := make([]*optimization.Result, len(starts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for i, x0 := range starts {
		local := s.solver.Clone()
		local.SetStartingPoint(x0)
		g.Go(func() error {
			if err := local.Run(gctx); err != nil {
				return err
			}
			results[i] = local.Result()
			return s.checkResult(op, results[i])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var best *optimization.Result
	for i, r := range results {
		s.metrics.observeSolve(r.Success())
		if !r.Success() {
			s.logger.Debug("restart discarded", zap.Int("restart", i), zap.Error(r.Err))
			continue
		}
		step.Succeeded++
		if best == nil || s.better(r.OptimalValue, best.OptimalValue) {
			best = r
		}
	}
	step.Restarts = len(starts)

	s.mu.Lock()
	s.state.InitialStartingPoints = starts
	s.state.InitialResults = results
	s.mu.Unlock()

	if best == nil {
		return nil, optimization.WrapErrorf(optimization.ErrNoFeasibleStart, "none of %d restarts reached a feasible point", len(starts)).
			WithOperation(op).WithComponent("robust_solver")
	}
	s.logger.Debug("initial search finished",
		zap.Int("restarts", len(starts)),
		zap.Int("succeeded", step.Succeeded),
		zap.Float64("best", best.OptimalValue),
	)
	return best, nil
}

func (s *SequentialSolver) checkResult(op string, r *optimization.Result) error {
	if r == nil {
		return optimization.NewErrorf("solver finished without a result").WithOperation(op)
	}
	if len(r.OptimalPoint) != s.problem.Dimension() {
		return optimization.DimensionMismatch(op, "solver returned a point of dimension %d, problem has %d", len(r.OptimalPoint), s.problem.Dimension())
	}
	return nil
}

// better reports whether a is strictly better than b.
func (s *SequentialSolver) better(a, b float64) bool {
	if s.problem.Minimize() {
		return a < b
	}
	return a > b
}

func (s *SequentialSolver) record(k int, sample [][]float64, tol float64, best *optimization.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Iteration = k + 1
	s.state.Sample = sample[:len(sample):len(sample)]
	s.state.Tolerance = tol
	s.state.Results = append(s.state.Results, best)
}

func (s *SequentialSolver) startingPoint() []float64 {
	dim := s.problem.Dimension()
	if len(s.cfg.StartingPoint) == dim {
		return append([]float64(nil), s.cfg.StartingPoint...)
	}
	if x := s.solver.StartingPoint(); len(x) == dim {
		return append([]float64(nil), x...)
	}
	if b := s.problem.Bounds(); finiteBounds(b) {
		return b.Center()
	}
	return make([]float64, dim)
}

func finiteBounds(b *optimization.Bounds) bool {
	if b == nil {
		return false
	}
	for i := range b.Lower {
		if math.IsInf(b.Lower[i], 0) || math.IsInf(b.Upper[i], 0) {
			return false
		}
	}
	return true
}

// restartSeed derives the seed of the restart design from the sampling seed.
func restartSeed(seed int64) int64 {
	if seed == 0 {
		return 0
	}
	return seed + 1
}
