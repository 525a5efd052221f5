// Package basinhopping implements a multi-restart global minimizer: a local
// Nelder-Mead search is repeated from random multiplicative perturbations of
// the current point, and a Metropolis test decides where the next hop starts.
package basinhopping

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"go.uber.org/zap"

	"github.com/copyleftdev/globalfit/internal/optimization"
)

// Config contains configuration for the basin hopper
type Config struct {
	// Hops is the number of perturb/minimize/accept cycles after the initial
	// local search.
	Hops int

	// StepSize is the maximum fractional change of a component per hop.
	StepSize float64

	// Temperature of the Metropolis acceptance test.
	Temperature float64

	// StepInterval adapts the step size every StepInterval hops; 0 disables.
	StepInterval int

	// TargetAcceptRate is the acceptance rate the adaptive step aims for.
	TargetAcceptRate float64

	// StepFactor scales the step size when adapting.
	StepFactor float64

	// Local configures the local minimizer.
	Local LocalMinimizer

	// Seed initializes the random generator. Ignored when Rand is set.
	Seed int64

	// Rand is an optional generator owned by this hopper.
	Rand *rand.Rand
}

// DefaultConfig returns the default hopper configuration.
func DefaultConfig() Config {
	return Config{
		Hops:             3,
		StepSize:         1.0,
		Temperature:      1.0,
		StepInterval:     10,
		TargetAcceptRate: 0.5,
		StepFactor:       0.9,
		Local: LocalMinimizer{
			MaxFuncEvaluations: 10000,
			MaxIterations:      10000,
			Tolerance:          1e-14,
			SimplexSize:        0.05,
		},
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.Hops < 0:
		return optimization.ConfigErrorf("hops must be non-negative, got %d", c.Hops)
	case !(c.StepSize > 0):
		return optimization.ConfigErrorf("step size must be positive, got %v", c.StepSize)
	case !(c.Temperature > 0):
		return optimization.ConfigErrorf("temperature must be positive, got %v", c.Temperature)
	case c.StepInterval < 0:
		return optimization.ConfigErrorf("step interval must be non-negative, got %d", c.StepInterval)
	case c.StepInterval > 0 && !(c.StepFactor > 0 && c.StepFactor < 1):
		return optimization.ConfigErrorf("step factor must be in (0,1), got %v", c.StepFactor)
	case c.Local.MaxFuncEvaluations <= 0:
		return optimization.ConfigErrorf("function evaluation budget must be positive, got %d", c.Local.MaxFuncEvaluations)
	case c.Local.MaxIterations <= 0:
		return optimization.ConfigErrorf("iteration budget must be positive, got %d", c.Local.MaxIterations)
	case !(c.Local.Tolerance > 0):
		return optimization.ConfigErrorf("tolerance must be positive, got %v", c.Local.Tolerance)
	}
	return nil
}

// Hopper implements basin-hopping global minimization.
// A Hopper is not safe for concurrent use; create one per fit.
type Hopper struct {
	config Config

	rng        *rand.Rand
	step       *adaptiveStep
	metropolis *Metropolis

	bestSolution *optimization.Solution
	history      []optimization.Evaluation

	logger *zap.Logger
}

var _ optimization.Optimizer = (*Hopper)(nil)

// historyPrealloc caps the initial history capacity for long runs.
const historyPrealloc = 1024

// New creates a Hopper. A nil logger disables logging.
func New(config Config, logger *zap.Logger) (*Hopper, error) {
	if err := config.Validate(); err != nil {
		return nil, err.(*optimization.Error).WithComponent("basinhopping").WithOperation("New")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	rng := config.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(config.Seed))
	}

	return &Hopper{
		config: config,
		rng:    rng,
		step: &adaptiveStep{
			step:     NewTakeStep(config.StepSize, rng),
			interval: config.StepInterval,
			target:   config.TargetAcceptRate,
			factor:   config.StepFactor,
		},
		metropolis: &Metropolis{Temperature: config.Temperature, rng: rng},
		history:    make([]optimization.Evaluation, 0, min(config.Hops+1, historyPrealloc)),
		logger:     logger.Named("basinhopping"),
	}, nil
}

// Optimize runs the initial local search from x0 followed by config.Hops hops.
//
// The returned BestSolution is the lowest finite minimum seen. Converged is
// false when no finite minimum was found or when any local search ended at a
// non-finite value or failed. The context is checked between hops.
func (h *Hopper) Optimize(ctx context.Context, objective optimization.ObjectiveFunction, x0 []float64) (*optimization.OptimizationResult, error) {
	if objective == nil {
		return nil, optimization.ConfigErrorf("objective function is required").
			WithComponent("basinhopping").WithOperation("Optimize")
	}
	if len(x0) == 0 {
		return nil, optimization.ConfigErrorf("start point must not be empty").
			WithComponent("basinhopping").WithOperation("Optimize")
	}

	var (
		funcEvals int
		failures  []string
	)

	// Initial local search
	local, err := h.config.Local.Minimize(objective, x0)
	funcEvals += local.FuncEvaluations
	h.record(0, local, true, err)
	if err != nil || !isFinite(local.F) {
		failures = append(failures, describeFailure(0, local, err))
	}

	current := &optimization.Solution{Parameters: local.X, Value: local.F}
	if local.X == nil {
		current = &optimization.Solution{Parameters: append([]float64(nil), x0...), Value: math.Inf(1)}
	}
	h.updateBestSolution(current.Parameters, current.Value)

	for hop := 1; hop <= h.config.Hops; hop++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		candidate := h.step.Step(current.Parameters)
		local, err := h.config.Local.Minimize(objective, candidate)
		funcEvals += local.FuncEvaluations

		accepted := err == nil && h.metropolis.Accept(local.F, current.Value)
		h.step.Report(accepted)
		h.record(hop, local, accepted, err)

		if err != nil || !isFinite(local.F) {
			failures = append(failures, describeFailure(hop, local, err))
		}
		if accepted {
			current = &optimization.Solution{Parameters: local.X, Value: local.F}
			h.updateBestSolution(local.X, local.F)
		}

		h.logger.Debug("basin hop",
			zap.Int("hop", hop),
			zap.Float64("candidate", local.F),
			zap.Float64("current", current.Value),
			zap.Float64("best", h.bestSolution.Value),
			zap.Bool("accepted", accepted),
			zap.Float64("step_size", h.step.step.StepSize),
			zap.Int("func_evaluations", local.FuncEvaluations),
		)
	}

	result := &optimization.OptimizationResult{
		BestSolution:    h.bestSolution.Clone(),
		History:         h.history,
		Iterations:      h.config.Hops + 1,
		FuncEvaluations: funcEvals,
		Converged:       isFinite(h.bestSolution.Value) && len(failures) == 0,
	}
	if !isFinite(h.bestSolution.Value) {
		result.Message = fmt.Sprintf("objective is not finite at termination: %v", h.bestSolution.Value)
	} else if len(failures) > 0 {
		result.Message = failures[0]
	}

	if !result.Converged {
		h.logger.Warn("basin hopping did not converge",
			zap.String("reason", result.Message),
			zap.Int("failed_searches", len(failures)),
		)
	}
	return result, nil
}

// GetBestSolution returns the best solution found so far
func (h *Hopper) GetBestSolution() *optimization.Solution {
	return h.bestSolution
}

// GetHistory returns the history of local searches
func (h *Hopper) GetHistory() []optimization.Evaluation {
	return h.history
}

// updateBestSolution updates the best solution if the new solution is better.
// Non-finite values only seed an empty best.
func (h *Hopper) updateBestSolution(params []float64, value float64) {
	if h.bestSolution == nil || (isFinite(value) && !(h.bestSolution.Value <= value)) {
		h.bestSolution = &optimization.Solution{
			Parameters: append([]float64(nil), params...),
			Value:      value,
		}
	}
}

func (h *Hopper) record(iteration int, local *localResult, accepted bool, err error) {
	h.history = append(h.history, optimization.Evaluation{
		Iteration: iteration,
		Solution: &optimization.Solution{
			Parameters: append([]float64(nil), local.X...),
			Value:      local.F,
		},
		Accepted:        accepted,
		StepSize:        h.step.step.StepSize,
		FuncEvaluations: local.FuncEvaluations,
		Error:           err,
	})
}

func describeFailure(hop int, local *localResult, err error) string {
	if err != nil {
		return fmt.Sprintf("local search %d failed: %v", hop, err)
	}
	return fmt.Sprintf("local search %d ended at non-finite objective %v (%d non-finite evaluations)", hop, local.F, local.NonFinite)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
