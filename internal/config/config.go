package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v10"
)

// Prefix is prepended to every environment variable name.
const Prefix = "ROBOPT_"

type Config struct {
	Environment string `env:"ENV" envDefault:"development"`
	HTTP        struct {
		Port            int           `env:"HTTP_PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	}
	Logging struct {
		Level  string `env:"LOG_LEVEL"`
		Format string `env:"LOG_FORMAT" envDefault:"json"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}
	Database struct {
		// Path of the SQLite run store. ":memory:" keeps runs for the
		// lifetime of the process.
		Path string `env:"DB_PATH" envDefault:"data/robopt.db"`
	}
	Optimization struct {
		// MaxConcurrentRuns bounds the runs solving at the same time.
		MaxConcurrentRuns int `env:"OPT_MAX_CONCURRENT_RUNS" envDefault:"4"`
		// Workers is the restart parallelism of each run; zero uses GOMAXPROCS.
		Workers    int           `env:"OPT_WORKERS" envDefault:"0"`
		RunTimeout time.Duration `env:"OPT_RUN_TIMEOUT" envDefault:"10m"`
	}
}

// Load reads the configuration from ROBOPT_* environment variables.
func Load() (*Config, error) {
	return LoadEnvironment(nil)
}

// LoadEnvironment is Load with an explicit environment; a nil map reads the
// process environment.
func LoadEnvironment(environment map[string]string) (*Config, error) {
	cfg := &Config{}

	opts := env.Options{Prefix: Prefix, Environment: environment}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, err
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
		if cfg.Environment == "development" {
			cfg.Logging.Level = "debug"
		}
	}

	if cfg.Optimization.MaxConcurrentRuns < 1 {
		return nil, fmt.Errorf("%sOPT_MAX_CONCURRENT_RUNS must be positive, got %d", Prefix, cfg.Optimization.MaxConcurrentRuns)
	}
	if cfg.Optimization.Workers < 0 {
		return nil, fmt.Errorf("%sOPT_WORKERS must not be negative, got %d", Prefix, cfg.Optimization.Workers)
	}

	// Ensure the data directory exists
	if cfg.Database.Path != ":memory:" {
		if dir := filepath.Dir(cfg.Database.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
	}

	return cfg, nil
}
