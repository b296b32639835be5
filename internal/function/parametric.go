// Package function provides parametric functions f(x, theta) of a decision
// variable x and an uncertain parameter theta.
package function

import (
	"sync/atomic"

	"github.com/copyleftdev/robopt/internal/optimization"
)

// Func evaluates f(x, theta).
type Func func(x, theta []float64) ([]float64, error)

// BatchFunc evaluates f(x, theta_i) for every theta_i at once.
type BatchFunc func(x []float64, thetas [][]float64) ([][]float64, error)

// Parametric is a function R^InputDimension x R^ParameterDimension ->
// R^OutputDimension. It is safe for concurrent use as long as the wrapped
// functions are.
type Parametric struct {
	name      string
	inputDim  int
	paramDim  int
	outputDim int
	fn        Func
	batch     BatchFunc

	calls atomic.Int64
}

// Option configures a Parametric.
type Option func(*Parametric)

// WithBatch installs a vectorized evaluation used by EvaluateBatch.
func WithBatch(fn BatchFunc) Option {
	return func(p *Parametric) {
		p.batch = fn
	}
}

// New wraps fn as a parametric function with the given dimensions.
func New(name string, inputDim, paramDim, outputDim int, fn Func, opts ...Option) (*Parametric, error) {
	const op = "function.New"
	if fn == nil {
		return nil, optimization.InvalidArgument(op, "function %q is nil", name)
	}
	if inputDim <= 0 || paramDim <= 0 || outputDim <= 0 {
		return nil, optimization.InvalidArgument(op, "function %q has dimensions (%d, %d) -> %d", name, inputDim, paramDim, outputDim)
	}
	p := &Parametric{
		name:      name,
		inputDim:  inputDim,
		paramDim:  paramDim,
		outputDim: outputDim,
		fn:        fn,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Name returns the function name.
func (p *Parametric) Name() string { return p.name }

// InputDimension returns the dimension of x.
func (p *Parametric) InputDimension() int { return p.inputDim }

// ParameterDimension returns the dimension of theta.
func (p *Parametric) ParameterDimension() int { return p.paramDim }

// OutputDimension returns the dimension of f(x, theta).
func (p *Parametric) OutputDimension() int { return p.outputDim }

// Calls returns the number of (x, theta) evaluations performed so far.
func (p *Parametric) Calls() int64 { return p.calls.Load() }

// Evaluate returns f(x, theta).
func (p *Parametric) Evaluate(x, theta []float64) ([]float64, error) {
	const op = "Parametric.Evaluate"
	if len(x) != p.inputDim {
		return nil, optimization.DimensionMismatch(op, "%s: x has dimension %d, expected %d", p.name, len(x), p.inputDim)
	}
	if len(theta) != p.paramDim {
		return nil, optimization.DimensionMismatch(op, "%s: theta has dimension %d, expected %d", p.name, len(theta), p.paramDim)
	}
	p.calls.Add(1)
	y, err := p.fn(x, theta)
	if err != nil {
		return nil, optimization.WrapErrorf(err, "evaluating %s", p.name).WithOperation(op)
	}
	if len(y) != p.outputDim {
		return nil, optimization.DimensionMismatch(op, "%s returned %d values, expected %d", p.name, len(y), p.outputDim)
	}
	return y, nil
}

// EvaluateBatch returns f(x, theta_i) for every theta_i, using the batch
// function when one is installed.
func (p *Parametric) EvaluateBatch(x []float64, thetas [][]float64) ([][]float64, error) {
	const op = "Parametric.EvaluateBatch"
	if p.batch == nil {
		out := make([][]float64, len(thetas))
		for i, theta := range thetas {
			y, err := p.Evaluate(x, theta)
			if err != nil {
				return nil, err
			}
			out[i] = y
		}
		return out, nil
	}

	if len(x) != p.inputDim {
		return nil, optimization.DimensionMismatch(op, "%s: x has dimension %d, expected %d", p.name, len(x), p.inputDim)
	}
	for i, theta := range thetas {
		if len(theta) != p.paramDim {
			return nil, optimization.DimensionMismatch(op, "%s: theta %d has dimension %d, expected %d", p.name, i, len(theta), p.paramDim)
		}
	}
	p.calls.Add(int64(len(thetas)))
	out, err := p.batch(x, thetas)
	if err != nil {
		return nil, optimization.WrapErrorf(err, "evaluating %s", p.name).WithOperation(op)
	}
	if len(out) != len(thetas) {
		return nil, optimization.DimensionMismatch(op, "%s returned %d rows for %d parameters", p.name, len(out), len(thetas))
	}
	for i, y := range out {
		if len(y) != p.outputDim {
			return nil, optimization.DimensionMismatch(op, "%s row %d has %d values, expected %d", p.name, i, len(y), p.outputDim)
		}
	}
	return out, nil
}

// Snapshot describes a parametric function.
type Snapshot struct {
	Name            string `json:"name" yaml:"name"`
	InputDimension  int    `json:"input_dimension" yaml:"input_dimension"`
	ParameterDim    int    `json:"parameter_dimension" yaml:"parameter_dimension"`
	OutputDimension int    `json:"output_dimension" yaml:"output_dimension"`
	Batched         bool   `json:"batched,omitempty" yaml:"batched,omitempty"`
}

// Snapshot returns the constructor parameters of p.
func (p *Parametric) Snapshot() Snapshot {
	return Snapshot{
		Name:            p.name,
		InputDimension:  p.inputDim,
		ParameterDim:    p.paramDim,
		OutputDimension: p.outputDim,
		Batched:         p.batch != nil,
	}
}
