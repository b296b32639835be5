package neldermead

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
)

// stallConverger declares convergence when the best vertex has neither moved
// nor improved beyond the tolerances for window consecutive iterations.
type stallConverger struct {
	window   int
	absolute float64
	relative float64
	residual float64

	refX  []float64
	refF  float64
	count int
}

var _ optimize.Converger = (*stallConverger)(nil)

func (c *stallConverger) Init(dim int) {
	c.refX = make([]float64, 0, dim)
	c.refF = math.Inf(1)
	c.count = 0
}

func (c *stallConverger) Converged(loc *optimize.Location) optimize.Status {
	moved := len(c.refX) != len(loc.X) ||
		floats.Distance(loc.X, c.refX, 2) > c.absolute+c.relative*floats.Norm(loc.X, 2)
	improved := c.refF-loc.F > c.residual+c.relative*math.Abs(loc.F)
	if moved || improved {
		c.refX = append(c.refX[:0], loc.X...)
		c.refF = loc.F
		c.count = 0
		return optimize.NotTerminated
	}
	c.count++
	if c.count >= c.window {
		return optimize.FunctionConvergence
	}
	return optimize.NotTerminated
}
