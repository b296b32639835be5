package neldermead

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/robopt/internal/optimization"
)

func quadratic(center ...float64) optimization.ObjectiveFunction {
	return func(x []float64) (float64, error) {
		sum := 0.0
		for i, v := range x {
			d := v - center[i]
			sum += d * d
		}
		return sum, nil
	}
}

func mustBounds(t *testing.T, lower, upper []float64) *optimization.Bounds {
	t.Helper()
	b, err := optimization.NewBounds(lower, upper)
	require.NoError(t, err)
	return b
}

func TestSolverProblems(t *testing.T) {
	tests := []struct {
		name      string
		problem   func(t *testing.T) optimization.Problem
		start     []float64
		wantX     []float64
		wantValue float64
	}{
		{
			name: "unconstrained quadratic",
			problem: func(t *testing.T) optimization.Problem {
				return optimization.Problem{Objective: quadratic(1, -2), Dimension: 2, Minimize: true}
			},
			start:     []float64{5, 5},
			wantX:     []float64{1, -2},
			wantValue: 0,
		},
		{
			name: "maximize concave parabola",
			problem: func(t *testing.T) optimization.Problem {
				return optimization.Problem{
					Objective: func(x []float64) (float64, error) { return 5 - (x[0]-3)*(x[0]-3), nil },
					Dimension: 1,
				}
			},
			start:     []float64{0},
			wantX:     []float64{3},
			wantValue: 5,
		},
		{
			name: "optimum on the bound",
			problem: func(t *testing.T) optimization.Problem {
				return optimization.Problem{
					Objective: quadratic(5),
					Bounds:    mustBounds(t, []float64{0}, []float64{2}),
					Dimension: 1,
					Minimize:  true,
				}
			},
			start:     []float64{1},
			wantX:     []float64{2},
			wantValue: 9,
		},
		{
			name: "active linear constraint",
			problem: func(t *testing.T) optimization.Problem {
				return optimization.Problem{
					Objective: quadratic(0, 0),
					Inequality: func(x []float64) ([]float64, error) {
						return []float64{x[0] + x[1] - 1}, nil
					},
					Dimension: 2,
					Minimize:  true,
				}
			},
			start:     []float64{-3, 4},
			wantX:     []float64{0.5, 0.5},
			wantValue: 0.5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(Config{Tolerances: optimization.UniformTolerances(1e-7)})
			require.NoError(t, s.SetProblem(tt.problem(t)))
			s.SetStartingPoint(tt.start)

			require.NoError(t, s.Run(context.Background()))
			res := s.Result()
			require.NotNil(t, res)

			assert.True(t, res.Success(), "status %s: %v", res.Status, res.Err)
			assert.NoError(t, res.Err)
			require.Len(t, res.OptimalPoint, len(tt.wantX))
			for i := range tt.wantX {
				assert.InDelta(t, tt.wantX[i], res.OptimalPoint[i], 1e-3)
			}
			assert.InDelta(t, tt.wantValue, res.OptimalValue, 1e-3)
			assert.Positive(t, res.Evaluations)
		})
	}
}

func TestSolverInfeasible(t *testing.T) {
	s := New(Config{MaxRounds: 5})
	require.NoError(t, s.SetProblem(optimization.Problem{
		Objective: quadratic(0),
		Inequality: func(x []float64) ([]float64, error) {
			return []float64{-1 - x[0]*x[0]}, nil
		},
		Dimension: 1,
		Minimize:  true,
	}))

	require.NoError(t, s.Run(context.Background()))
	res := s.Result()
	require.NotNil(t, res)
	assert.Equal(t, optimization.StatusInfeasible, res.Status)
	assert.True(t, errors.Is(res.Err, optimization.ErrOptimizerNonConvergence))
}

func TestSolverEnforcesEveryConstraintAfterFailedStart(t *testing.T) {
	s := New(Config{Tolerances: optimization.UniformTolerances(1e-7), SimplexSize: 0.5})
	require.NoError(t, s.SetProblem(optimization.Problem{
		Objective: quadratic(0, 0),
		Inequality: func(x []float64) ([]float64, error) {
			if x[0] < -0.95 && x[1] < -0.95 {
				return nil, errors.New("outside the model domain")
			}
			return []float64{x[0] - 1, x[1] - 1}, nil
		},
		Dimension: 2,
		Minimize:  true,
	}))
	s.SetStartingPoint([]float64{-1, -1})

	require.NoError(t, s.Run(context.Background()))
	res := s.Result()
	require.NotNil(t, res)
	assert.True(t, res.Success(), "status %s: %v", res.Status, res.Err)
	require.Len(t, res.ConstraintValue, 2)
	assert.InDelta(t, 1, res.OptimalPoint[0], 1e-3)
	assert.InDelta(t, 1, res.OptimalPoint[1], 1e-3)
	assert.InDelta(t, 2, res.OptimalValue, 1e-3)
}

func TestSolverKeepsConstraintSliceOnError(t *testing.T) {
	owned := []float64{7, 8}
	s := New(Config{MaxRounds: 2, MaxIterations: 50})
	require.NoError(t, s.SetProblem(optimization.Problem{
		Objective: quadratic(0),
		Inequality: func([]float64) ([]float64, error) {
			return owned, errors.New("model failure")
		},
		Dimension: 1,
		Minimize:  true,
	}))

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []float64{7, 8}, owned)
	res := s.Result()
	assert.Equal(t, optimization.StatusInfeasible, res.Status)
	require.Len(t, res.ConstraintValue, 2)
	assert.True(t, math.IsInf(res.ConstraintValue[0], -1))
}

func TestSolverIterationLimit(t *testing.T) {
	s := New(Config{})
	s.SetMaxIterations(3)
	require.NoError(t, s.SetProblem(optimization.Problem{Objective: quadratic(10, 10), Dimension: 2, Minimize: true}))
	s.SetStartingPoint([]float64{0, 0})

	require.NoError(t, s.Run(context.Background()))
	res := s.Result()
	assert.Equal(t, optimization.StatusIterationLimit, res.Status)
	assert.LessOrEqual(t, res.Iterations, 3)
	assert.True(t, errors.Is(res.Err, optimization.ErrOptimizerNonConvergence))
}

func TestSolverDefaultsToBoundsCenter(t *testing.T) {
	s := New(Config{MaxIterations: 1})
	require.NoError(t, s.SetProblem(optimization.Problem{
		Objective: quadratic(0, 0),
		Bounds:    mustBounds(t, []float64{2, 4}, []float64{4, 8}),
		Dimension: 2,
		Minimize:  true,
	}))
	require.NoError(t, s.Run(context.Background()))
	for _, v := range s.Result().OptimalPoint {
		assert.False(t, math.IsNaN(v))
	}
	assert.True(t, s.problem.Bounds.Contains(s.Result().OptimalPoint))
}

func TestSolverErrors(t *testing.T) {
	t.Run("no problem", func(t *testing.T) {
		err := New(Config{}).Run(context.Background())
		assert.ErrorIs(t, err, optimization.ErrInvalidArgument)
	})

	t.Run("bounds dimension", func(t *testing.T) {
		err := New(Config{}).SetProblem(optimization.Problem{
			Objective: quadratic(0, 0),
			Bounds:    mustBounds(t, []float64{0}, []float64{1}),
			Dimension: 2,
		})
		assert.ErrorIs(t, err, optimization.ErrDimensionMismatch)
	})

	t.Run("starting point dimension", func(t *testing.T) {
		s := New(Config{})
		require.NoError(t, s.SetProblem(optimization.Problem{Objective: quadratic(0, 0), Dimension: 2}))
		s.SetStartingPoint([]float64{1, 2, 3})
		assert.ErrorIs(t, s.Run(context.Background()), optimization.ErrDimensionMismatch)
	})

	t.Run("canceled context", func(t *testing.T) {
		s := New(Config{})
		require.NoError(t, s.SetProblem(optimization.Problem{Objective: quadratic(0), Dimension: 1}))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, s.Run(ctx), context.Canceled)
		assert.Nil(t, s.Result())
	})
}

func TestSolverClone(t *testing.T) {
	s := New(Config{Tolerances: optimization.UniformTolerances(1e-4)})
	require.NoError(t, s.SetProblem(optimization.Problem{Objective: quadratic(1), Dimension: 1, Minimize: true}))
	s.SetStartingPoint([]float64{4})

	c := s.Clone()
	c.SetStartingPoint([]float64{-4})
	c.SetTolerances(optimization.UniformTolerances(1e-2))
	require.NoError(t, c.Run(context.Background()))

	assert.Nil(t, s.Result())
	assert.Equal(t, []float64{4}, s.StartingPoint())
	assert.Equal(t, 1e-4, s.Tolerances().Absolute)
	assert.NotNil(t, c.Result())
}
