package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/copyleftdev/robopt/internal/logging"
	"github.com/copyleftdev/robopt/internal/store"
)

type rootOptions struct {
	logLevel  string
	logFormat string
	logOutput string
	dbPath    string

	logger *logging.Logger
}

func (o *rootOptions) zapLogger() *zap.Logger {
	return logging.NewZapLogger(o.logger).Named("robopt")
}

// openStore opens the run store named by --db, or returns nil when the flag
// is empty and required is false.
func (o *rootOptions) openStore(required bool) (*store.SQLiteStore, error) {
	if o.dbPath == "" {
		if required {
			return nil, fmt.Errorf("--db is required")
		}
		return nil, nil
	}
	return store.NewSQLiteStore(o.dbPath)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "robopt",
		Short: "Robust optimization under parametric uncertainty",
		Long: `robopt solves optimization problems whose objective and constraints are
risk measures of uncertain parameters, growing a Monte Carlo or Latin
hypercube sample until the optimum settles.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.NewLogger(logging.Config{
				Level:  opts.logLevel,
				Format: opts.logFormat,
				Output: opts.logOutput,
			})
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			opts.logger = logger
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "console", "Log format (console, json)")
	cmd.PersistentFlags().StringVar(&opts.logOutput, "log-output", "stderr", "Log destination (stdout, stderr or a file path)")
	cmd.PersistentFlags().StringVar(&opts.dbPath, "db", "", "SQLite run store path")

	cmd.AddCommand(newRunCmd(opts), newScenariosCmd(opts), newRunsCmd(opts))
	return cmd
}
