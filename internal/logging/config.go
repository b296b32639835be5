package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// Config selects the level, format and destination of a Logger. It mirrors
// the server's ROBOPT_LOG_* variables and the CLI's --log-* flags.
type Config struct {
	Level  string `yaml:"level"`  // debug, info, warn or error
	Format string `yaml:"format"` // json or console
	Output string `yaml:"output"` // stdout, stderr or a file path
}

// NewLogger builds a Logger from cfg. Empty fields select info, json and
// stderr.
func NewLogger(cfg Config) (*Logger, error) {
	level := InfoLevel
	if cfg.Level != "" {
		var err error
		if level, err = ParseLevel(cfg.Level); err != nil {
			return nil, err
		}
	}

	var console bool
	switch strings.ToLower(cfg.Format) {
	case "", "json":
	case "console":
		console = true
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	output, err := openOutput(cfg.Output)
	if err != nil {
		return nil, err
	}

	l := New(level, output)
	l.console = console
	return l, nil
}

func openOutput(name string) (io.Writer, error) {
	switch name {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}
	f, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log output: %w", err)
	}
	return f, nil
}
