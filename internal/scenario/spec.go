package scenario

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/copyleftdev/robopt/internal/optimization/neldermead"
	"github.com/copyleftdev/robopt/internal/robust"
)

// RunSpec selects a scenario and tunes the solvers for one run. Settings it
// leaves out keep the scenario defaults.
type RunSpec struct {
	Scenario    string             `json:"scenario" yaml:"scenario"`
	Parameters  map[string]float64 `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Robust      robust.Config      `json:"robust" yaml:"robust"`
	Schedule    string             `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	LocalSolver neldermead.Config  `json:"local_solver" yaml:"local_solver"`
}

// NewRunSpec returns the default spec of the named scenario.
func NewRunSpec(name string) (*RunSpec, error) {
	s, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	return &RunSpec{Scenario: name, Robust: s.Defaults, LocalSolver: neldermead.DefaultConfig()}, nil
}

// ParseRunSpecYAML parses a RunSpec from YAML bytes and validates it. JSON
// documents are accepted as well.
func ParseRunSpecYAML(data []byte) (*RunSpec, error) {
	var head struct {
		Scenario string `yaml:"scenario"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to parse run spec yaml: %w", err)
	}
	spec, err := NewRunSpec(head.Scenario)
	if err != nil {
		return nil, fmt.Errorf("invalid run spec: %w", err)
	}
	if err := yaml.Unmarshal(data, spec); err != nil {
		return nil, fmt.Errorf("failed to parse run spec yaml: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid run spec: %w", err)
	}
	return spec, nil
}

// ParseRunSpecYAMLString parses a RunSpec from a YAML string.
func ParseRunSpecYAMLString(yamlText string) (*RunSpec, error) {
	return ParseRunSpecYAML([]byte(yamlText))
}

// LoadRunSpec loads and parses a run spec file.
func LoadRunSpec(path string) (*RunSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read run spec file %s: %w", path, err)
	}
	spec, err := ParseRunSpecYAML(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse run spec file %s: %w", path, err)
	}
	return spec, nil
}

// Validate checks the spec without building the problem.
func (s *RunSpec) Validate() error {
	sc, err := Lookup(s.Scenario)
	if err != nil {
		return err
	}
	for k := range s.Parameters {
		if _, ok := sc.Parameters[k]; !ok {
			return fmt.Errorf("scenario %s has no parameter %q", s.Scenario, k)
		}
	}
	if s.Robust.Sampling == "" {
		s.Robust.Sampling = robust.SamplingMonteCarlo
	}
	if err := s.Robust.Validate(); err != nil {
		return fmt.Errorf("robust: %w", err)
	}
	if _, err := robust.ParseSchedule(s.Schedule); err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	return nil
}

// YAML renders the spec.
func (s *RunSpec) YAML() ([]byte, error) {
	return yaml.Marshal(s)
}

// NewSolver builds the problem, the local solver and the sequential solver.
func (s *RunSpec) NewSolver(logger *zap.Logger, opts ...robust.Option) (*robust.SequentialSolver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	sc, _ := Lookup(s.Scenario)
	problem, err := sc.Build(s.Parameters)
	if err != nil {
		return nil, err
	}
	schedule, _ := robust.ParseSchedule(s.Schedule)
	local := neldermead.New(s.LocalSolver, neldermead.WithLogger(logger))
	base := []robust.Option{robust.WithLogger(logger), robust.WithSchedule(schedule)}
	return robust.New(problem, local, s.Robust, append(base, opts...)...)
}
