package fit

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/globalfit/internal/optimization/models"
)

// Run is one measurement series: model targets observed at thresholds.
type Run struct {
	Thresholds []float64 `json:"thresholds" yaml:"thresholds"`
	Targets    []float64 `json:"targets" yaml:"targets"`
}

// Evaluator computes the total squared residual of a model over all runs for
// a fit vector of group multipliers.
//
// An Evaluator holds its own copy of the parameter matrix and never mutates
// caller data. It is not safe for concurrent use.
type Evaluator struct {
	runs     []Run
	model    models.Model
	grouping *Grouping
	params   *mat.Dense

	// subs lists, per run, the columns that take a group value.
	subs [][]substitution
	row  []float64

	evaluations int
}

type substitution struct {
	col   int
	group int
}

// NewEvaluator validates the runs against the grouping and model and returns
// an evaluator over a private copy of params.
func NewEvaluator(runs []Run, model models.Model, grouping *Grouping, params mat.Matrix) (*Evaluator, error) {
	if model == nil {
		return nil, configErr("NewEvaluator", "model function is required")
	}
	if grouping == nil || params == nil {
		return nil, configErr("NewEvaluator", "grouping and parameter matrix are required")
	}
	rows, cols := grouping.Dims()
	if r, c := params.Dims(); r != rows || c != cols {
		return nil, configErr("NewEvaluator", "parameter matrix is %dx%d, grouping is %dx%d", r, c, rows, cols)
	}
	if n := len(model.ParameterNames()); n != cols {
		return nil, configErr("NewEvaluator", "model takes %d parameters, matrix has %d columns", n, cols)
	}
	if len(runs) != rows {
		return nil, configErr("NewEvaluator", "got %d runs for %d parameter rows", len(runs), rows)
	}
	for i, run := range runs {
		if len(run.Thresholds) != len(run.Targets) {
			return nil, configErr("NewEvaluator", "run %d has %d thresholds and %d targets", i, len(run.Thresholds), len(run.Targets))
		}
		if len(run.Thresholds) == 0 {
			return nil, configErr("NewEvaluator", "run %d is empty", i)
		}
	}

	e := &Evaluator{
		runs:     runs,
		model:    model,
		grouping: grouping,
		params:   mat.DenseCopyOf(params),
		subs:     make([][]substitution, rows),
		row:      make([]float64, cols),
	}
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if g := grouping.GroupOf(r, c); g >= 0 {
				e.subs[r] = append(e.subs[r], substitution{col: c, group: g})
			}
		}
	}

	for i, run := range runs {
		mat.Row(e.row, i, e.params)
		if n := len(model.Evaluate(run.Thresholds, e.row)); n != len(run.Targets) {
			return nil, configErr("NewEvaluator", "model returned %d values for %d thresholds in run %d", n, len(run.Thresholds), i)
		}
	}
	return e, nil
}

// Grouping returns the grouping the evaluator scales.
func (e *Evaluator) Grouping() *Grouping { return e.grouping }

// Parameters reconstructs the full parameter matrix for fit vector b.
func (e *Evaluator) Parameters(b []float64) *mat.Dense {
	return e.grouping.Build(b, e.params)
}

// Residual returns the sum over runs and points of
// (model(thresholds, params_r) - targets)^2 for fit vector b.
// A model output of the wrong length yields NaN.
func (e *Evaluator) Residual(b []float64) float64 {
	e.evaluations++

	groups := e.grouping.groups
	var total float64
	for r, run := range e.runs {
		mat.Row(e.row, r, e.params)
		for _, s := range e.subs[r] {
			e.row[s.col] = math.Abs(b[s.group]) * groups[s.group].Base
		}

		values := e.model.Evaluate(run.Thresholds, e.row)
		if len(values) != len(run.Targets) {
			return math.NaN()
		}
		for i, v := range values {
			d := v - run.Targets[i]
			total += d * d
		}
	}
	return total
}

// Evaluations returns the number of Residual calls so far.
func (e *Evaluator) Evaluations() int { return e.evaluations }
