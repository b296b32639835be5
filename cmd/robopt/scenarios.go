package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/copyleftdev/robopt/internal/scenario"
)

func newScenariosCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scenarios",
		Short: "List the built-in scenarios",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tPARAMETERS\tSAMPLING\tDESCRIPTION")
			for _, s := range scenario.List() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Name, formatParameters(s.Parameters), s.Defaults.Sampling, s.Description)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show NAME",
		Short: "Print the default run spec of a scenario",
		Long:  `Prints the default run spec of a scenario as YAML, ready to edit and pass to "robopt run --spec".`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := scenario.NewRunSpec(args[0])
			if err != nil {
				return err
			}
			sc, _ := scenario.Lookup(args[0])
			spec.Parameters = sc.Parameters
			out, err := spec.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	return cmd
}

func formatParameters(p map[string]float64) string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%g", k, p[k])
	}
	return strings.Join(parts, ",")
}
