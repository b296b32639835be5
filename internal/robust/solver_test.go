package robust

import (
	"context"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/copyleftdev/robopt/internal/distribution"
	"github.com/copyleftdev/robopt/internal/measure"
	"github.com/copyleftdev/robopt/internal/optimization"
	"github.com/copyleftdev/robopt/internal/optimization/neldermead"
)

// stubSolver answers every Run with solve(start).
type stubSolver struct {
	problem *optimization.Problem
	start   []float64
	tol     optimization.Tolerances
	maxIter int
	result  *optimization.Result
	solve   func(start []float64) *optimization.Result
}

func (s *stubSolver) SetProblem(p optimization.Problem) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.problem = &p
	return nil
}

func (s *stubSolver) SetStartingPoint(x []float64)            { s.start = append([]float64(nil), x...) }
func (s *stubSolver) StartingPoint() []float64                { return s.start }
func (s *stubSolver) SetMaxIterations(n int)                  { s.maxIter = n }
func (s *stubSolver) SetTolerances(t optimization.Tolerances) { s.tol = t }
func (s *stubSolver) Tolerances() optimization.Tolerances     { return s.tol }
func (s *stubSolver) Result() *optimization.Result            { return s.result }

func (s *stubSolver) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.result = s.solve(s.start)
	return nil
}

func (s *stubSolver) Clone() optimization.Solver {
	c := *s
	c.result = nil
	c.start = append([]float64(nil), s.start...)
	return &c
}

// serialCloneSolver counts Clone calls that overlap another Clone call.
type serialCloneSolver struct {
	*stubSolver
	active   *atomic.Int32
	overlaps *atomic.Int32
}

func (s *serialCloneSolver) Clone() optimization.Solver {
	if s.active.Add(1) > 1 {
		s.overlaps.Add(1)
	}
	time.Sleep(time.Millisecond)
	c := s.stubSolver.Clone().(*stubSolver)
	s.active.Add(-1)
	return &serialCloneSolver{stubSolver: c, active: s.active, overlaps: s.overlaps}
}

func converged(x []float64, v float64) *optimization.Result {
	return &optimization.Result{OptimalPoint: append([]float64(nil), x...), OptimalValue: v, Status: optimization.StatusSuccess}
}

func failed(x []float64, status optimization.Status) *optimization.Result {
	return &optimization.Result{
		OptimalPoint: append([]float64(nil), x...),
		Status:       status,
		Err:          optimization.WrapError(optimization.ErrOptimizerNonConvergence, "stub"),
	}
}

// shiftProblem is a one dimensional problem with a chance constraint over
// theta ~ U(0, 1), bounded to [0, 10] when bounded is set.
func shiftProblem(t *testing.T, bounded bool) *Problem {
	t.Helper()
	theta := uniformTheta(t, 0, 1)
	f := parametric(t, "f", 1, 1, func(x, th []float64) ([]float64, error) {
		return []float64{(x[0] - th[0]) * (x[0] - th[0])}, nil
	})
	g := parametric(t, "g", 1, 1, func(x, th []float64) ([]float64, error) {
		return []float64{x[0] - th[0]}, nil
	})
	objective, err := measure.NewMean(f, theta)
	require.NoError(t, err)
	constraint, err := measure.NewJointChance(g, theta, measure.GreaterOrEqual, 0.5)
	require.NoError(t, err)
	opts := []ProblemOption{WithConstraint(constraint)}
	if bounded {
		opts = append(opts, WithBounds(bounds(t, []float64{0}, []float64{10})))
	}
	p, err := NewProblem(objective, opts...)
	require.NoError(t, err)
	return p
}

func stubConfig() Config {
	cfg := DefaultConfig()
	cfg.Seed = 11
	cfg.Workers = 4
	return cfg
}

func TestSampleGrowsAndKeepsEarlierRealizations(t *testing.T) {
	for _, sampling := range []Sampling{SamplingMonteCarlo, SamplingLHS} {
		t.Run(string(sampling), func(t *testing.T) {
			moving := &stubSolver{solve: func(start []float64) *optimization.Result {
				return converged([]float64{start[0] + 1}, 0)
			}}
			cfg := stubConfig()
			cfg.MaxIterations = 5
			cfg.MaxAbsoluteError = 1e-9
			cfg.Sampling = sampling

			var samples [][][]float64
			var s *SequentialSolver
			s, err := New(shiftProblem(t, false), moving, cfg, WithObserver(func(Step) {
				samples = append(samples, s.State().Sample)
			}))
			require.NoError(t, err)

			res, err := s.Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 5, res.Iterations)
			assert.Equal(t, StopIterationBudget, res.Reason)
			assert.False(t, res.Converged)
			require.Len(t, res.Path, 5)
			require.Len(t, samples, 5)

			want := []int{10, 20, 40, 80, 160}
			for k := range samples {
				assert.Len(t, samples[k], want[k])
				assert.Equal(t, want[k], res.Path[k].SampleSize)
				assert.Equal(t, k, res.Path[k].Iteration)
				assert.InDelta(t, cfg.ConvergenceFactor/math.Sqrt(float64(want[k])), res.Path[k].Tolerance, 1e-15)
				assert.Equal(t, float64(k+1), res.Path[k].Point[0], "path is appended in iteration order")
				if k > 0 {
					assert.Equal(t, samples[k-1], samples[k][:len(samples[k-1])])
				}
			}
			assert.Equal(t, []float64{5}, res.BestSolution.Parameters)
			assert.InDelta(t, cfg.ConvergenceFactor/math.Sqrt(160), moving.Tolerances().Constraint, 1e-15)
		})
	}
}

func TestStopsWhenPointSettles(t *testing.T) {
	fixed := &stubSolver{solve: func([]float64) *optimization.Result { return converged([]float64{0.5}, 1) }}
	s, err := New(shiftProblem(t, false), fixed, stubConfig())
	require.NoError(t, err)

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Iterations, "the first iteration never stops the run")
	assert.Equal(t, StopDisplacement, res.Reason)
	assert.True(t, res.Converged)
	assert.Zero(t, res.Path[1].Displacement)
}

func TestStopsWhenToleranceFallsBelowThreshold(t *testing.T) {
	moving := &stubSolver{solve: func(start []float64) *optimization.Result {
		return converged([]float64{start[0] + 1}, 0)
	}}
	cfg := stubConfig()
	cfg.ConvergenceFactor = 1
	cfg.MaxAbsoluteError = 0.2

	s, err := New(shiftProblem(t, false), moving, cfg)
	require.NoError(t, err)
	res, err := s.Run(context.Background())
	require.NoError(t, err)

	// 1/sqrt(10) and 1/sqrt(20) exceed 0.2, 1/sqrt(40) does not.
	assert.Equal(t, 3, res.Iterations)
	assert.Equal(t, StopTolerance, res.Reason)
	assert.Equal(t, 40, res.SampleSize)
}

func TestCustomSchedule(t *testing.T) {
	moving := &stubSolver{solve: func(start []float64) *optimization.Result {
		return converged([]float64{start[0] + 1}, 0)
	}}
	cfg := stubConfig()
	cfg.MaxIterations = 4
	cfg.MaxAbsoluteError = 1e-9
	shrinking := func(iteration, initial, previous int) int { return initial - iteration }

	for name, schedule := range map[string]Schedule{"linear": Linear(5), "shrinking": shrinking} {
		t.Run(name, func(t *testing.T) {
			s, err := New(shiftProblem(t, false), moving, cfg, WithSchedule(schedule))
			require.NoError(t, err)
			res, err := s.Run(context.Background())
			require.NoError(t, err)

			sizes := make([]int, len(res.Path))
			for i, step := range res.Path {
				sizes[i] = step.SampleSize
			}
			if name == "linear" {
				assert.Equal(t, []int{10, 15, 20, 25}, sizes)
			} else {
				assert.Equal(t, []int{10, 10, 10, 10}, sizes, "the sample never shrinks")
			}
		})
	}
}

func TestInitialSearchKeepsFirstBestSuccessfulRestart(t *testing.T) {
	for _, minimize := range []bool{true, false} {
		t.Run(map[bool]string{true: "minimize", false: "maximize"}[minimize], func(t *testing.T) {
			// Restarts from the upper half fail; the others score by which
			// fifth of the box they start in, so several restarts tie.
			score := func(x float64) float64 {
				v := math.Floor(x / 2)
				if !minimize {
					v = -v
				}
				return v
			}
			stub := &stubSolver{solve: func(start []float64) *optimization.Result {
				if start[0] > 5 {
					return failed(start, optimization.StatusInfeasible)
				}
				return converged(start, score(start[0]))
			}}
			cfg := stubConfig()
			cfg.InitialSearch = 20
			problem := shiftProblem(t, true)
			problem.SetMinimize(minimize)

			s, err := New(problem, stub, cfg)
			require.NoError(t, err)
			res, err := s.Run(context.Background())
			require.NoError(t, err)

			state := s.State()
			require.Len(t, state.InitialStartingPoints, 20)
			require.Len(t, state.InitialResults, 20)
			first := -1
			for i, x := range state.InitialStartingPoints {
				assert.True(t, x[0] >= 0 && x[0] <= 10)
				if x[0] < 2 {
					if first < 0 {
						first = i
					}
				}
			}
			require.GreaterOrEqual(t, first, 0)
			assert.Equal(t, state.InitialStartingPoints[first], res.Path[0].Point)
			assert.Equal(t, 20, res.Path[0].Restarts)
			assert.Equal(t, 10, res.Path[0].Succeeded)
		})
	}
}

func TestInitialSearchClonesSequentially(t *testing.T) {
	solver := &serialCloneSolver{
		stubSolver: &stubSolver{solve: func(start []float64) *optimization.Result {
			time.Sleep(time.Millisecond)
			return converged(start, start[0])
		}},
		active:   new(atomic.Int32),
		overlaps: new(atomic.Int32),
	}
	cfg := stubConfig()
	cfg.InitialSearch = 16
	cfg.MaxIterations = 1

	s, err := New(shiftProblem(t, true), solver, cfg)
	require.NoError(t, err)
	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 16, res.Path[0].Succeeded)
	assert.Zero(t, solver.overlaps.Load())
}

func TestNoFeasibleStart(t *testing.T) {
	stub := &stubSolver{solve: func(start []float64) *optimization.Result {
		return failed(start, optimization.StatusInfeasible)
	}}
	cfg := stubConfig()
	cfg.InitialSearch = 8

	s, err := New(shiftProblem(t, true), stub, cfg)
	require.NoError(t, err)
	res, err := s.Run(context.Background())
	assert.ErrorIs(t, err, optimization.ErrNoFeasibleStart)
	require.NotNil(t, res)
	assert.Empty(t, res.Path)
	assert.Equal(t, StopFailed, res.Reason)
	assert.Len(t, s.State().InitialResults, 8)
}

func TestNonConvergenceIsBestEffort(t *testing.T) {
	calls := 0
	stub := &stubSolver{solve: func(start []float64) *optimization.Result {
		calls++
		return failed([]float64{float64(calls)}, optimization.StatusIterationLimit)
	}}
	cfg := stubConfig()
	cfg.MaxIterations = 3

	s, err := New(shiftProblem(t, false), stub, cfg, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	res, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Path, 3)
	assert.Equal(t, "iteration_limit", res.Path[2].Status)
	assert.Equal(t, []float64{3}, res.BestSolution.Parameters)
}

func TestRunKeepsPathOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	moving := &stubSolver{solve: func(start []float64) *optimization.Result {
		return converged([]float64{start[0] + 1}, 0)
	}}
	cfg := stubConfig()
	cfg.MaxAbsoluteError = 1e-9

	s, err := New(shiftProblem(t, false), moving, cfg, WithObserver(func(step Step) {
		if step.Iteration == 1 {
			cancel()
		}
	}))
	require.NoError(t, err)
	res, err := s.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StopCanceled, res.Reason)
	assert.Len(t, res.Path, 2)
}

func TestNewValidation(t *testing.T) {
	stub := &stubSolver{solve: func(start []float64) *optimization.Result { return converged(start, 0) }}

	_, err := New(nil, stub, stubConfig())
	assert.ErrorIs(t, err, optimization.ErrInvalidArgument)
	_, err = New(shiftProblem(t, false), nil, stubConfig())
	assert.ErrorIs(t, err, optimization.ErrInvalidArgument)

	cfg := stubConfig()
	cfg.InitialSearch = 5
	_, err = New(shiftProblem(t, false), stub, cfg)
	assert.ErrorIs(t, err, optimization.ErrInvalidArgument, "restarts need bounds")

	cfg = stubConfig()
	cfg.StartingPoint = []float64{1, 2}
	_, err = New(shiftProblem(t, false), stub, cfg)
	assert.ErrorIs(t, err, optimization.ErrDimensionMismatch)

	cfg = stubConfig()
	cfg.InitialSamplingSize = 0
	_, err = New(shiftProblem(t, false), stub, cfg)
	assert.ErrorIs(t, err, optimization.ErrInvalidArgument)

	discrete, err := distribution.NewUserDefined([][]float64{{0}, {1}}, nil)
	require.NoError(t, err)
	f := parametric(t, "f", 1, 1, func(x, th []float64) ([]float64, error) { return []float64{x[0] + th[0]}, nil })
	objective, _ := measure.NewMean(f, discrete)
	p, err := NewProblem(objective)
	require.NoError(t, err)
	cfg = stubConfig()
	cfg.Sampling = SamplingLHS
	_, err = New(p, stub, cfg)
	assert.ErrorIs(t, err, optimization.ErrUnsupportedDistribution)
}

func TestMetricsRecordRun(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	fixed := &stubSolver{solve: func([]float64) *optimization.Result { return converged([]float64{0.5}, 1) }}

	s, err := New(shiftProblem(t, false), fixed, stubConfig(), WithMetrics(metrics))
	require.NoError(t, err)
	_, err = s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Iterations))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Restarts.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Runs.WithLabelValues(string(StopDisplacement))))
	assert.Equal(t, 20.0, testutil.ToFloat64(metrics.SampleSize))
}

func TestParseSettings(t *testing.T) {
	s, err := ParseSampling("")
	require.NoError(t, err)
	assert.Equal(t, SamplingMonteCarlo, s)
	s, err = ParseSampling("lhs")
	require.NoError(t, err)
	assert.Equal(t, SamplingLHS, s)
	_, err = ParseSampling("sobol")
	assert.ErrorIs(t, err, optimization.ErrInvalidArgument)

	schedule, err := ParseSchedule("linear:7")
	require.NoError(t, err)
	assert.Equal(t, 17, schedule(1, 10, 10))
	schedule, err = ParseSchedule("geometric:1.5")
	require.NoError(t, err)
	assert.Equal(t, 15, schedule(1, 10, 10))
	schedule, err = ParseSchedule("")
	require.NoError(t, err)
	assert.Equal(t, 10, schedule(0, 10, 0))
	assert.Equal(t, 40, schedule(2, 10, 20))
	_, err = ParseSchedule("cubic")
	assert.ErrorIs(t, err, optimization.ErrInvalidArgument)
}

func TestChanceConstrainedQuadratic(t *testing.T) {
	if testing.Short() {
		t.Skip("multi-start solve")
	}
	theta := uniformTheta(t, 1, 3)
	f := parametric(t, "objective", 2, 1, func(x, th []float64) ([]float64, error) {
		return []float64{(x[0]-2)*(x[0]-2) + 2*x[1]*x[1] - 4*x[1] + th[0]}, nil
	})
	g := parametric(t, "constraint", 2, 1, func(x, th []float64) ([]float64, error) {
		return []float64{x[0] - 4*x[1] - th[0] + 3}, nil
	})
	objective, err := measure.NewMean(f, theta)
	require.NoError(t, err)
	constraint, err := measure.NewJointChance(g, theta, measure.GreaterOrEqual, 0.9)
	require.NoError(t, err)
	problem, err := NewProblem(objective,
		WithConstraint(constraint),
		WithBounds(bounds(t, []float64{-10, -10}, []float64{10, 10})),
	)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.InitialSamplingSize = 10
	cfg.MaxIterations = 10
	cfg.MaxAbsoluteError = 1e-3
	cfg.InitialSearch = 100
	cfg.Sampling = SamplingLHS
	cfg.Seed = 2237

	s, err := New(problem, neldermead.New(neldermead.Config{}), cfg, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	res, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.LessOrEqual(t, res.Iterations, 10)
	assert.InDeltaSlice(t, []float64{2.2, 0.6}, res.BestSolution.Parameters, 1e-2)
	assert.Greater(t, res.Path[0].Succeeded, 0)
}

func TestRobustCobbDouglas(t *testing.T) {
	theta, err := distribution.NewNormal(1, 3)
	require.NoError(t, err)
	f := parametric(t, "cobb_douglas", 2, 1, func(x, th []float64) ([]float64, error) {
		return []float64{math.Sqrt(x[0]) * math.Sqrt(x[1]) * th[0]}, nil
	})
	objective, err := measure.NewMean(f, theta)
	require.NoError(t, err)
	problem, err := NewProblem(objective,
		Maximize(),
		WithBounds(bounds(t, []float64{5, 5}, []float64{50, 50})),
		WithInequality("budget", func(x []float64) ([]float64, error) {
			return []float64{120 - 4*x[0] - 2*x[1]}, nil
		}),
	)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Sampling = SamplingLHS
	cfg.Seed = 7

	s, err := New(problem, neldermead.New(neldermead.Config{}), cfg)
	require.NoError(t, err)
	res, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.InDeltaSlice(t, []float64{15, 30}, res.BestSolution.Parameters, 0.5)
	assert.LessOrEqual(t, 4*res.BestSolution.Parameters[0]+2*res.BestSolution.Parameters[1], 120+1e-2)
}
