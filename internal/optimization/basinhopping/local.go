package basinhopping

import (
	"math"

	"gonum.org/v1/gonum/optimize"

	"github.com/copyleftdev/globalfit/internal/optimization"
)

// LocalMinimizer runs a derivative-free Nelder-Mead search from a start point.
type LocalMinimizer struct {
	// MaxFuncEvaluations bounds objective evaluations per local search.
	MaxFuncEvaluations int
	// MaxIterations bounds simplex iterations per local search.
	MaxIterations int
	// Tolerance is the absolute objective improvement below which the search
	// counts as stalled.
	Tolerance float64
	// SimplexSize is the size of the initial simplex around the start point.
	SimplexSize float64
}

// localResult is the outcome of one local search.
type localResult struct {
	X               []float64
	F               float64
	Status          optimize.Status
	FuncEvaluations int
	// NonFinite counts objective evaluations that returned NaN or ±Inf.
	NonFinite int
}

// Minimize searches for a local minimum of objective starting at x0.
// NaN objective values are presented to the simplex as +Inf so it moves away
// from them; they are counted in the result.
func (m LocalMinimizer) Minimize(objective optimization.ObjectiveFunction, x0 []float64) (*localResult, error) {
	res := &localResult{}

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			v := objective(x)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				res.NonFinite++
				return math.Inf(1)
			}
			return v
		},
	}

	settings := &optimize.Settings{
		Converger: &optimize.FunctionConverge{
			Absolute:   m.Tolerance,
			Iterations: stallWindow(len(x0)),
		},
		MajorIterations: m.MaxIterations,
		FuncEvaluations: m.MaxFuncEvaluations,
	}

	method := &optimize.NelderMead{
		SimplexSize: m.SimplexSize,
	}

	result, err := optimize.Minimize(problem, append([]float64(nil), x0...), settings, method)
	if result != nil {
		res.X = append([]float64(nil), result.X...)
		res.F = result.F
		res.Status = result.Status
		res.FuncEvaluations = result.Stats.FuncEvaluations
	}
	if err != nil {
		return res, optimization.WrapError(err, "nelder-mead search failed").
			WithKind(optimization.KindConvergence).
			WithComponent("basinhopping").
			WithOperation("LocalMinimizer.Minimize")
	}
	if result == nil {
		return res, optimization.NewError("nelder-mead returned no result").
			WithKind(optimization.KindConvergence).
			WithComponent("basinhopping").
			WithOperation("LocalMinimizer.Minimize")
	}
	if budgetExhausted(result.Status) {
		return res, optimization.NewErrorf("nelder-mead stopped by %v after %d evaluations", result.Status, res.FuncEvaluations).
			WithKind(optimization.KindConvergence).
			WithComponent("basinhopping").
			WithOperation("LocalMinimizer.Minimize")
	}
	return res, nil
}

// budgetExhausted reports whether a search ended on a limit rather than on
// convergence.
func budgetExhausted(status optimize.Status) bool {
	switch status {
	case optimize.IterationLimit, optimize.FunctionEvaluationLimit, optimize.RuntimeLimit:
		return true
	}
	return false
}

// stallWindow is the number of consecutive simplex iterations without
// sufficient improvement after which a search is considered converged.
func stallWindow(dim int) int {
	if w := 20 * dim; w > 100 {
		return w
	}
	return 100
}
