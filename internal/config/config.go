package config

import (
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/copyleftdev/globalfit/internal/fit"
)

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
	Fit struct {
		Iterations       int     `env:"FIT_ITERATIONS" envDefault:"10000"`
		ErrTol           float64 `env:"FIT_ERR_TOL" envDefault:"1e-14"`
		BasinHops        int     `env:"FIT_BASIN_HOPS" envDefault:"3"`
		RequiredAccuracy float64 `env:"FIT_REQUIRED_ACCURACY" envDefault:"0.5"`
		StepSize         float64 `env:"FIT_STEP_SIZE" envDefault:"1.0"`
		Temperature      float64 `env:"FIT_TEMPERATURE" envDefault:"1.0"`
		StepInterval     int     `env:"FIT_STEP_INTERVAL" envDefault:"10"`
		Seed             int64   `env:"FIT_SEED" envDefault:"0"`
		WorkerCount      int     `env:"FIT_WORKER_COUNT" envDefault:"4"`
	}
}

func Load() (*Config, error) {
	cfg := &Config{}

	// Parse environment variables
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Set default logging level based on environment
	if cfg.Logging.Level == "" {
		if cfg.Environment == "development" {
			cfg.Logging.Level = "debug"
		} else {
			cfg.Logging.Level = "info"
		}
	}

	if cfg.Fit.WorkerCount < 1 {
		cfg.Fit.WorkerCount = 1
	}

	if err := cfg.FitConfig().Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// FitConfig returns the fit scalars.
func (c *Config) FitConfig() fit.Config {
	return fit.Config{
		Iterations:       c.Fit.Iterations,
		ErrTol:           c.Fit.ErrTol,
		BasinHops:        c.Fit.BasinHops,
		RequiredAccuracy: c.Fit.RequiredAccuracy,
		StepSize:         c.Fit.StepSize,
		Temperature:      c.Fit.Temperature,
		StepInterval:     c.Fit.StepInterval,
		Seed:             c.Fit.Seed,
	}
}
