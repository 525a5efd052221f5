// Package fit estimates shared and per-run parameters of a model from several
// related measurement series, and asymmetric error bounds for them.
//
// Each entry of the parameter matrix is either fixed (identifier 0) or a
// member of a fit group: entries of one column that share an identifier share
// one fitted value. The optimizer works on one multiplier per group, centred
// on the initial guesses.
package fit

import (
	"context"
	"math"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/globalfit/internal/optimization/basinhopping"
	"github.com/copyleftdev/globalfit/internal/optimization/models"
)

// Config holds the fit scalars.
type Config struct {
	// Iterations is the local minimizer budget, both in simplex iterations
	// and in objective evaluations.
	Iterations int `json:"n_iterations" yaml:"n_iterations"`
	// ErrTol is the local minimizer convergence tolerance.
	ErrTol float64 `json:"err_tol" yaml:"err_tol"`
	// BasinHops is the number of global restarts.
	BasinHops int `json:"n_basinhops" yaml:"n_basinhops"`
	// RequiredAccuracy is the residual increase that defines an error bound.
	RequiredAccuracy float64 `json:"required_accuracy" yaml:"required_accuracy"`
	// StepSize is the maximum fractional perturbation per hop.
	StepSize float64 `json:"step_size" yaml:"step_size"`
	// Temperature of the hop acceptance test.
	Temperature float64 `json:"temperature" yaml:"temperature"`
	// StepInterval adapts the step size every StepInterval hops; 0 disables.
	StepInterval int `json:"step_interval" yaml:"step_interval"`
	// Seed is combined with a problem's tag when the problem has no seed.
	Seed int64 `json:"seed" yaml:"seed"`
}

// DefaultConfig returns the default fit configuration.
func DefaultConfig() Config {
	return Config{
		Iterations:       10000,
		ErrTol:           1e-14,
		BasinHops:        3,
		RequiredAccuracy: 0.5,
		StepSize:         1.0,
		Temperature:      1.0,
		StepInterval:     10,
	}
}

// Validate reports missing or invalid settings as configuration errors.
func (c Config) Validate() error {
	switch {
	case c.Iterations <= 0:
		return configErr("Config.Validate", "n_iterations must be positive, got %d", c.Iterations)
	case !(c.ErrTol > 0):
		return configErr("Config.Validate", "err_tol must be positive, got %v", c.ErrTol)
	case c.BasinHops < 0:
		return configErr("Config.Validate", "n_basinhops must be non-negative, got %d", c.BasinHops)
	case !(c.RequiredAccuracy > 0) || math.IsInf(c.RequiredAccuracy, 0):
		return configErr("Config.Validate", "required_accuracy must be positive and finite, got %v", c.RequiredAccuracy)
	case !(c.StepSize > 0):
		return configErr("Config.Validate", "step_size must be positive, got %v", c.StepSize)
	case !(c.Temperature > 0):
		return configErr("Config.Validate", "temperature must be positive, got %v", c.Temperature)
	case c.StepInterval < 0:
		return configErr("Config.Validate", "step_interval must be non-negative, got %d", c.StepInterval)
	}
	return nil
}

// Problem is one fitting invocation.
type Problem struct {
	// Tag names the experiment, e.g. a dilution series.
	Tag            string
	Runs           []Run
	ParameterNames []string
	// Parameters holds the initial guesses and the fixed values.
	Parameters *mat.Dense
	// Identifiers marks each entry fixed (0) or its fit group id.
	Identifiers [][]int
	Model       models.Model
	// Seed for the hop perturbations; 0 derives one from the config seed and Tag.
	Seed int64
}

// Validate reports the configuration errors Fit would raise for p without
// running any optimization.
func (p Problem) Validate() error {
	_, _, err := p.prepare()
	return err
}

// prepare groups the parameters and builds the residual evaluator.
func (p Problem) prepare() (*Grouping, *Evaluator, error) {
	grouping, err := NewGrouping(p.ParameterNames, p.Parameters, p.Identifiers)
	if err != nil {
		return nil, nil, err
	}
	eval, err := NewEvaluator(p.Runs, p.Model, grouping, p.Parameters)
	if err != nil {
		return nil, nil, err
	}
	return grouping, eval, nil
}

// Result is the outcome of Fit.
type Result struct {
	// Parameters is the reconstructed parameter matrix.
	Parameters *mat.Dense
	// FitVector holds the final group multipliers relative to the initial guesses.
	FitVector []float64
	// Values holds the fitted value of every group.
	Values []float64
	// Objective is the total squared residual at the optimum.
	Objective float64
	// Converged is false when the objective is not finite or a local search failed.
	Converged bool
	// Message explains a failed convergence.
	Message string

	Hops            int
	FuncEvaluations int
	Seed            int64
	Duration        time.Duration
}

// Fitter fits problems with one configuration. A Fitter holds no per-fit
// state and may be shared by concurrent fits.
type Fitter struct {
	config Config
	logger *zap.Logger
}

// NewFitter creates a Fitter. A nil logger disables logging.
func NewFitter(config Config, logger *zap.Logger) (*Fitter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fitter{config: config, logger: logger.Named("fit")}, nil
}

// Config returns the fitter configuration.
func (f *Fitter) Config() Config { return f.config }

// SeedFor returns the random seed used for p.
func (f *Fitter) SeedFor(p Problem) int64 {
	if p.Seed != 0 {
		return p.Seed
	}
	return f.config.Seed + int64(xxhash.Sum64String(p.Tag))
}

// Fit estimates the grouped parameters of p.
//
// Configuration problems are returned as errors before any optimization.
// A fit that ends without a finite minimum is not an error: Result.Converged
// is false and Result.Message says why.
func (f *Fitter) Fit(ctx context.Context, p Problem) (*Result, error) {
	start := time.Now()
	logger := f.logger.With(zap.String("tag", p.Tag))

	grouping, eval, err := p.prepare()
	if err != nil {
		return nil, err
	}

	logger.Info(grouping.KnownSummary(), zap.Int("groups", grouping.Len()))

	seed := f.SeedFor(p)
	res := &Result{Seed: seed}

	if grouping.Len() == 0 {
		res.FitVector = []float64{}
		res.Values = []float64{}
		res.Parameters = eval.Parameters(nil)
		res.Objective = eval.Residual(nil)
		res.FuncEvaluations = eval.Evaluations()
	} else {
		hopper, err := basinhopping.New(f.hopperConfig(seed), logger)
		if err != nil {
			return nil, err
		}

		out, err := hopper.Optimize(ctx, eval.Residual, grouping.Ones())
		if err != nil {
			return nil, err
		}

		best := out.BestSolution
		res.FitVector = make([]float64, len(best.Parameters))
		for i, b := range best.Parameters {
			res.FitVector[i] = math.Abs(b)
		}
		res.Values = make([]float64, len(res.FitVector))
		for i, grp := range grouping.groups {
			res.Values[i] = res.FitVector[i] * grp.Base
		}
		res.Parameters = eval.Parameters(res.FitVector)
		res.Objective = best.Value
		res.Converged = out.Converged
		res.Message = out.Message
		res.Hops = out.Iterations - 1
		res.FuncEvaluations = eval.Evaluations()
	}

	if isNonFinite(res.Objective) {
		res.Converged = false
		if res.Message == "" {
			res.Message = "objective is not finite"
		}
	} else if grouping.Len() == 0 {
		res.Converged = true
	}
	res.Duration = time.Since(start)

	fields := []zap.Field{
		zap.Float64("objective", res.Objective),
		zap.Bool("converged", res.Converged),
		zap.Int("hops", res.Hops),
		zap.Int("func_evaluations", res.FuncEvaluations),
		zap.Int64("seed", seed),
		zap.Duration("duration", res.Duration),
	}
	if res.Converged {
		logger.Info("fit completed", fields...)
	} else {
		logger.Warn("fit did not converge", append(fields, zap.String("reason", res.Message))...)
	}
	return res, nil
}

func (f *Fitter) hopperConfig(seed int64) basinhopping.Config {
	cfg := basinhopping.DefaultConfig()
	cfg.Hops = f.config.BasinHops
	cfg.StepSize = f.config.StepSize
	cfg.Temperature = f.config.Temperature
	cfg.StepInterval = f.config.StepInterval
	cfg.Seed = seed
	cfg.Local.MaxFuncEvaluations = f.config.Iterations
	cfg.Local.MaxIterations = f.config.Iterations
	cfg.Local.Tolerance = f.config.ErrTol
	return cfg
}

func isNonFinite(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0)
}
