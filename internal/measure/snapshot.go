package measure

import (
	"github.com/copyleftdev/robopt/internal/distribution"
	"github.com/copyleftdev/robopt/internal/function"
)

// Snapshot is a serializable description of a measure.
type Snapshot struct {
	Kind         Kind                   `json:"kind" yaml:"kind"`
	Function     *function.Snapshot     `json:"function,omitempty" yaml:"function,omitempty"`
	Distribution *distribution.Snapshot `json:"distribution,omitempty" yaml:"distribution,omitempty"`
	Operator     Comparison             `json:"operator,omitempty" yaml:"operator,omitempty"`
	Levels       []float64              `json:"levels,omitempty" yaml:"levels,omitempty"`
	Maximize     bool                   `json:"maximize,omitempty" yaml:"maximize,omitempty"`
	Measures     []Snapshot             `json:"measures,omitempty" yaml:"measures,omitempty"`
}

// Snapshot returns the constructor parameters of m.
func (m *Measure) Snapshot() Snapshot {
	s := Snapshot{Kind: m.kind}
	if m.kind == KindAggregated {
		for _, c := range m.children {
			s.Measures = append(s.Measures, c.Snapshot())
		}
		return s
	}
	fs := m.fn.Snapshot()
	ds := m.dist.Snapshot()
	s.Function, s.Distribution = &fs, &ds
	switch m.kind {
	case KindJointChance, KindIndividualChance:
		s.Operator = m.op
		s.Levels = m.levels
	case KindQuantile, KindMeanStdTradeoff:
		s.Levels = m.levels
	case KindWorstCase:
		s.Maximize = m.maximize
	}
	return s
}
