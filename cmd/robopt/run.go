package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/copyleftdev/robopt/internal/robust"
	"github.com/copyleftdev/robopt/internal/scenario"
	"github.com/copyleftdev/robopt/internal/store"
)

type runOptions struct {
	specPath      string
	scenario      string
	params        map[string]string
	seed          int64
	maxIterations int
	sampling      string
	schedule      string
	timeout       time.Duration
	output        string
	progress      bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Solve a scenario",
		Long: `Runs the sequential robust solver on a run spec file or a named scenario
and prints the iteration path and the optimum. Flags override the spec.`,
		Example: `  robopt run --scenario chance-constrained-quadratic --seed 2237
  robopt run --spec run.yaml --db runs.db --output yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario(cmd, root, opts)
		},
	}

	cmd.Flags().StringVar(&opts.specPath, "spec", "", "Run spec file (YAML or JSON)")
	cmd.Flags().StringVar(&opts.scenario, "scenario", "", "Scenario name, used when --spec is not given")
	cmd.Flags().StringToStringVar(&opts.params, "set", nil, "Scenario parameter overrides (name=value,...)")
	cmd.Flags().Int64Var(&opts.seed, "seed", 0, "Random seed (0 keeps the spec's)")
	cmd.Flags().IntVar(&opts.maxIterations, "max-iterations", 0, "Maximum sequential iterations (0 keeps the spec's)")
	cmd.Flags().StringVar(&opts.sampling, "sampling", "", "Sampling strategy: monte_carlo or lhs")
	cmd.Flags().StringVar(&opts.schedule, "schedule", "", "Sample growth schedule: doubling, linear:<step> or geometric:<factor>")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Abort the run after this duration (0 = no limit)")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "text", "Output format: text or yaml")
	cmd.Flags().BoolVar(&opts.progress, "progress", false, "Print every iteration as it finishes")
	cmd.MarkFlagsMutuallyExclusive("spec", "scenario")
	cmd.MarkFlagsOneRequired("spec", "scenario")

	return cmd
}

// buildSpec loads the run spec and applies the flag overrides.
func (o *runOptions) buildSpec() (*scenario.RunSpec, error) {
	var (
		spec *scenario.RunSpec
		err  error
	)
	if o.specPath != "" {
		spec, err = scenario.LoadRunSpec(o.specPath)
	} else {
		spec, err = scenario.NewRunSpec(o.scenario)
	}
	if err != nil {
		return nil, err
	}

	for k, v := range o.params {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", k, err)
		}
		if spec.Parameters == nil {
			spec.Parameters = make(map[string]float64)
		}
		spec.Parameters[k] = f
	}
	if o.seed != 0 {
		spec.Robust.Seed = o.seed
	}
	if o.maxIterations != 0 {
		spec.Robust.MaxIterations = o.maxIterations
	}
	if o.sampling != "" {
		sampling, err := robust.ParseSampling(o.sampling)
		if err != nil {
			return nil, err
		}
		spec.Robust.Sampling = sampling
	}
	if o.schedule != "" {
		spec.Schedule = o.schedule
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

func runScenario(cmd *cobra.Command, root *rootOptions, opts *runOptions) error {
	if opts.output != "text" && opts.output != "yaml" {
		return fmt.Errorf("unknown output format %q", opts.output)
	}
	spec, err := opts.buildSpec()
	if err != nil {
		return err
	}
	specYAML, err := spec.YAML()
	if err != nil {
		return err
	}

	runStore, err := root.openStore(false)
	if err != nil {
		return err
	}
	if runStore != nil {
		defer runStore.Close()
	}

	out := cmd.OutOrStdout()
	var solverOpts []robust.Option
	if opts.progress {
		solverOpts = append(solverOpts, robust.WithObserver(func(step robust.Step) {
			fmt.Fprintf(out, "iteration %d: n=%d value=%.6g displacement=%.3g status=%s\n",
				step.Iteration, step.SampleSize, step.Value, step.Displacement, step.Status)
		}))
	}
	solver, err := spec.NewSolver(root.zapLogger(), solverOpts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	id := uuid.NewString()
	started := time.Now()
	root.logger.Info("Run started", map[string]interface{}{
		"run_id":   id,
		"scenario": spec.Scenario,
	})
	res, runErr := solver.Run(ctx)

	if runStore != nil {
		run := store.NewRun(id, spec.Scenario, string(specYAML), res, runErr, started)
		if err := runStore.SaveRun(context.Background(), run); err != nil {
			return fmt.Errorf("failed to store run %s: %w", id, err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "stored run %s\n", id)
	}
	if runErr != nil {
		return runErr
	}

	if opts.output == "yaml" {
		return yaml.NewEncoder(out).Encode(res)
	}
	return printResult(out, res)
}

func printResult(out io.Writer, res *robust.Result) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ITER\tSAMPLES\tTOLERANCE\tVALUE\tDISPLACEMENT\tSTATUS\tPOINT")
	for _, step := range res.Path {
		fmt.Fprintf(w, "%d\t%d\t%.3g\t%.6g\t%.3g\t%s\t%v\n",
			step.Iteration, step.SampleSize, step.Tolerance, step.Value, step.Displacement, step.Status, formatPoint(step.Point))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "\nstopped: %s after %d iterations (sample size %d, converged %t)\n",
		res.Reason, res.Iterations, res.SampleSize, res.Converged)
	if res.BestSolution != nil {
		fmt.Fprintf(out, "optimum: %s\nvalue: %.6g\n", formatPoint(res.BestSolution.Parameters), res.BestSolution.Value)
	}
	return nil
}

func formatPoint(x []float64) string {
	s := "["
	for i, v := range x {
		if i > 0 {
			s += " "
		}
		s += strconv.FormatFloat(v, 'g', 6, 64)
	}
	return s + "]"
}
