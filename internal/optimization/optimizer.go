package optimization

import (
	"context"
)

// Optimizer defines the interface for start-point optimization algorithms
type Optimizer interface {
	// Optimize minimizes objective starting from x0
	Optimize(ctx context.Context, objective ObjectiveFunction, x0 []float64) (*OptimizationResult, error)

	// GetBestSolution returns the best solution found so far
	GetBestSolution() *Solution

	// GetHistory returns the history of evaluations
	GetHistory() []Evaluation
}

// ObjectiveFunction defines the function to be minimized.
// Implementations may return NaN or ±Inf; optimizers treat those as failures
// rather than candidate minima.
type ObjectiveFunction func([]float64) float64

// Solution represents a solution in the optimization space
type Solution struct {
	Parameters []float64
	Value      float64
}

// Clone returns a deep copy of the solution.
func (s *Solution) Clone() *Solution {
	if s == nil {
		return nil
	}
	return &Solution{
		Parameters: append([]float64(nil), s.Parameters...),
		Value:      s.Value,
	}
}

// Evaluation represents one restart of the optimizer: the local minimum it
// reached and whether the acceptance test kept it.
type Evaluation struct {
	Iteration       int
	Solution        *Solution
	Accepted        bool
	StepSize        float64
	FuncEvaluations int
	Error           error
}

// OptimizationResult contains the result of an optimization run
type OptimizationResult struct {
	BestSolution    *Solution
	History         []Evaluation
	Iterations      int
	FuncEvaluations int
	Converged       bool
	// Message explains why Converged is false; empty otherwise.
	Message string
}
