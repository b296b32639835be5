// Package scenario holds the built-in robust optimization problems and the
// run specifications that select and tune them.
package scenario

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/copyleftdev/robopt/internal/distribution"
	"github.com/copyleftdev/robopt/internal/function"
	"github.com/copyleftdev/robopt/internal/measure"
	"github.com/copyleftdev/robopt/internal/optimization"
	"github.com/copyleftdev/robopt/internal/robust"
)

// ErrUnknownScenario is returned for names missing from the catalogue.
var ErrUnknownScenario = errors.New("unknown scenario")

// Scenario is a named problem family. Parameters lists the tunable values
// and their defaults; Defaults are the recommended solver settings.
type Scenario struct {
	Name        string             `json:"name" yaml:"name"`
	Description string             `json:"description" yaml:"description"`
	Parameters  map[string]float64 `json:"parameters" yaml:"parameters"`
	Defaults    robust.Config      `json:"defaults" yaml:"defaults"`

	build func(p map[string]float64) (*robust.Problem, error)
}

// Build returns the problem for params, which override the defaults.
func (s Scenario) Build(params map[string]float64) (*robust.Problem, error) {
	merged := make(map[string]float64, len(s.Parameters))
	for k, v := range s.Parameters {
		merged[k] = v
	}
	for k, v := range params {
		if _, ok := s.Parameters[k]; !ok {
			return nil, fmt.Errorf("scenario %s has no parameter %q", s.Name, k)
		}
		merged[k] = v
	}
	p, err := s.build(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to build scenario %s: %w", s.Name, err)
	}
	return p, nil
}

var catalogue = map[string]Scenario{}

func register(s Scenario) {
	catalogue[s.Name] = s
}

// Lookup returns the scenario called name.
func Lookup(name string) (Scenario, error) {
	s, ok := catalogue[name]
	if !ok {
		return Scenario{}, fmt.Errorf("%w: %q", ErrUnknownScenario, name)
	}
	return s, nil
}

// List returns all scenarios sorted by name.
func List() []Scenario {
	out := make([]Scenario, 0, len(catalogue))
	for _, s := range catalogue {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func init() {
	register(Scenario{
		Name: "chance-constrained-quadratic",
		Description: "Minimize E[(x0-2)^2 + 2x1^2 - 4x1 + theta] subject to " +
			"P[x0 - 4x1 - theta + 3 >= 0] >= level, theta ~ U(theta_min, theta_max), x in [-10, 10]^2.",
		Parameters: map[string]float64{"level": 0.9, "theta_min": 1, "theta_max": 3},
		Defaults:   defaults(func(c *robust.Config) { c.InitialSearch = 100; c.Sampling = robust.SamplingLHS }),
		build:      chanceConstrainedQuadratic,
	})
	register(Scenario{
		Name: "robust-cobb-douglas",
		Description: "Maximize E[sqrt(x0) sqrt(x1) theta] subject to 4x0 + 2x1 <= budget, " +
			"theta ~ N(mu, sigma), x in [5, 50]^2.",
		Parameters: map[string]float64{"mu": 1, "sigma": 3, "budget": 120},
		Defaults:   defaults(func(c *robust.Config) { c.Sampling = robust.SamplingLHS }),
		build:      robustCobbDouglas,
	})
	register(Scenario{
		Name: "cosine-sine-chance",
		Description: "Minimize E[cos(x) sin(theta)] subject to P[2 + x - theta > 0 and 4 - x > 0] >= level, " +
			"theta ~ U(0, 2), unbounded x started at 0.",
		Parameters: map[string]float64{"level": 0.9},
		Defaults:   defaults(func(c *robust.Config) { c.StartingPoint = []float64{0} }),
		build:      cosineSineChance,
	})
	register(Scenario{
		Name: "perturbed-bowl",
		Description: "Minimize E[J(x + xi)] with J(z) = 15|z|^2 - 100 exp(-5|z + 1.6|^2) subject to " +
			"E[(z0 -+ 0.5)^2 + z1^2 - 4] >= 0, xi ~ N(0, sigma^2 I), x in [-3, 3]^2.",
		Parameters: map[string]float64{"sigma": 0.1},
		Defaults: defaults(func(c *robust.Config) {
			c.InitialSearch = 50
			c.MaxIterations = 6
			c.MaxAbsoluteError = 1e-4
		}),
		build: perturbedBowl,
	})
}

func defaults(edit func(*robust.Config)) robust.Config {
	c := robust.DefaultConfig()
	c.Workers = 0
	edit(&c)
	return c
}

func chanceConstrainedQuadratic(p map[string]float64) (*robust.Problem, error) {
	theta, err := distribution.NewUniform(p["theta_min"], p["theta_max"])
	if err != nil {
		return nil, err
	}
	f, err := function.New("quadratic", 2, 1, 1, func(x, th []float64) ([]float64, error) {
		return []float64{(x[0]-2)*(x[0]-2) + 2*x[1]*x[1] - 4*x[1] + th[0]}, nil
	})
	if err != nil {
		return nil, err
	}
	g, err := function.New("linear_margin", 2, 1, 1, func(x, th []float64) ([]float64, error) {
		return []float64{x[0] - 4*x[1] - th[0] + 3}, nil
	})
	if err != nil {
		return nil, err
	}
	objective, err := measure.NewMean(f, theta)
	if err != nil {
		return nil, err
	}
	constraint, err := measure.NewJointChance(g, theta, measure.GreaterOrEqual, p["level"])
	if err != nil {
		return nil, err
	}
	bounds, err := optimization.NewBounds([]float64{-10, -10}, []float64{10, 10})
	if err != nil {
		return nil, err
	}
	return robust.NewProblem(objective, robust.WithConstraint(constraint), robust.WithBounds(bounds))
}

func robustCobbDouglas(p map[string]float64) (*robust.Problem, error) {
	theta, err := distribution.NewNormal(p["mu"], p["sigma"])
	if err != nil {
		return nil, err
	}
	f, err := function.New("cobb_douglas", 2, 1, 1, func(x, th []float64) ([]float64, error) {
		return []float64{math.Sqrt(x[0]) * math.Sqrt(x[1]) * th[0]}, nil
	})
	if err != nil {
		return nil, err
	}
	objective, err := measure.NewMean(f, theta)
	if err != nil {
		return nil, err
	}
	bounds, err := optimization.NewBounds([]float64{5, 5}, []float64{50, 50})
	if err != nil {
		return nil, err
	}
	budget := p["budget"]
	return robust.NewProblem(objective,
		robust.Maximize(),
		robust.WithBounds(bounds),
		robust.WithInequality("budget", func(x []float64) ([]float64, error) {
			return []float64{budget - 4*x[0] - 2*x[1]}, nil
		}),
	)
}

func cosineSineChance(p map[string]float64) (*robust.Problem, error) {
	theta, err := distribution.NewUniform(0, 2)
	if err != nil {
		return nil, err
	}
	f, err := function.New("cosine_sine", 1, 1, 1, func(x, th []float64) ([]float64, error) {
		return []float64{math.Cos(x[0]) * math.Sin(th[0])}, nil
	})
	if err != nil {
		return nil, err
	}
	g, err := function.New("window", 1, 1, 2, func(x, th []float64) ([]float64, error) {
		return []float64{2 + x[0] - th[0], 4 - x[0]}, nil
	})
	if err != nil {
		return nil, err
	}
	objective, err := measure.NewMean(f, theta)
	if err != nil {
		return nil, err
	}
	constraint, err := measure.NewJointChance(g, theta, measure.Greater, p["level"])
	if err != nil {
		return nil, err
	}
	return robust.NewProblem(objective, robust.WithConstraint(constraint))
}

func perturbedBowl(p map[string]float64) (*robust.Problem, error) {
	sigma := p["sigma"]
	n0, err := distribution.NewNormal(0, sigma)
	if err != nil {
		return nil, err
	}
	n1, err := distribution.NewNormal(0, sigma)
	if err != nil {
		return nil, err
	}
	xi, err := distribution.NewComposed(n0, n1)
	if err != nil {
		return nil, err
	}
	bowl := func(x, e []float64) float64 {
		z0, z1 := x[0]+e[0], x[1]+e[1]
		well := (z0+1.6)*(z0+1.6) + (z1+1.6)*(z1+1.6)
		return 15*(z0*z0+z1*z1) - 100*math.Exp(-5*well)
	}
	f, err := function.New("bowl", 2, 2, 1, func(x, e []float64) ([]float64, error) {
		return []float64{bowl(x, e)}, nil
	}, function.WithBatch(func(x []float64, es [][]float64) ([][]float64, error) {
		// One backing array for the whole sample.
		values := make([]float64, len(es))
		out := make([][]float64, len(es))
		for i, e := range es {
			values[i] = bowl(x, e)
			out[i] = values[i : i+1 : i+1]
		}
		return out, nil
	}))
	if err != nil {
		return nil, err
	}
	g, err := function.New("outside_discs", 2, 2, 2, func(x, e []float64) ([]float64, error) {
		z0, z1 := x[0]+e[0], x[1]+e[1]
		return []float64{
			(z0-0.5)*(z0-0.5) + z1*z1 - 4,
			(z0+0.5)*(z0+0.5) + z1*z1 - 4,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	objective, err := measure.NewMean(f, xi)
	if err != nil {
		return nil, err
	}
	constraint, err := measure.NewMean(g, xi)
	if err != nil {
		return nil, err
	}
	bounds, err := optimization.NewBounds([]float64{-3, -3}, []float64{3, 3})
	if err != nil {
		return nil, err
	}
	return robust.NewProblem(objective, robust.WithConstraint(constraint), robust.WithBounds(bounds))
}
