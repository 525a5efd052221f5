package fit

import (
	"errors"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/globalfit/internal/optimization"
	"github.com/copyleftdev/globalfit/internal/optimization/rootfind"
)

// Trial multipliers searched, in order, for the first sign change of the
// excess cost. The last entry of each ladder is reported when none is found.
var (
	UpperTrials = []float64{1.01, 1.02, 1.05, 1.1, 1.2, 1.5, 2.0, 10}
	LowerTrials = []float64{0.99, 0.98, 0.95, 0.9, 0.8, 0.7, 0.6, 0.5, 0.1}
)

// ErrorBounds are asymmetric error bars, shaped like the parameter matrix.
// Entries are non-negative offsets from the fitted value and zero for fixed
// entries.
type ErrorBounds struct {
	Low *mat.Dense
	Up  *mat.Dense
	// LowSaturated and UpSaturated mark entries whose bound sits at the end
	// of the trial ladder rather than at a located root.
	LowSaturated [][]bool
	UpSaturated  [][]bool
}

// Saturated reports whether any bound is saturated.
func (b *ErrorBounds) Saturated() bool {
	for r := range b.LowSaturated {
		for c := range b.LowSaturated[r] {
			if b.LowSaturated[r][c] || b.UpSaturated[r][c] {
				return true
			}
		}
	}
	return false
}

// Err returns an error of kind KindBoundedSearch naming the saturated
// entries, or nil when every bound is a located root.
func (b *ErrorBounds) Err() error {
	var coords []Coord
	for r := range b.LowSaturated {
		for c := range b.LowSaturated[r] {
			if b.LowSaturated[r][c] || b.UpSaturated[r][c] {
				coords = append(coords, Coord{r, c})
			}
		}
	}
	if len(coords) == 0 {
		return nil
	}
	return optimization.NewErrorf("saturated error bounds at %v", coords).
		WithKind(optimization.KindBoundedSearch).
		WithComponent("fit")
}

// GroupBound is the profile bound of one fit group, as multipliers of the
// fitted value.
type GroupBound struct {
	Low, Up                   float64
	LowSaturated, UpSaturated bool
}

// ProfileEstimator brackets and root-finds, for each group, the multiplier at
// which the residual exceeds its optimum by RequiredIncrease while every
// other group stays at the optimum.
type ProfileEstimator struct {
	eval             *Evaluator
	requiredIncrease float64
	optimum          float64
	logger           *zap.Logger
}

// NewProfileEstimator creates an estimator around an evaluator whose
// grouping is based at the fitted values, so the all-ones vector is the
// optimum.
func NewProfileEstimator(eval *Evaluator, requiredIncrease float64, logger *zap.Logger) (*ProfileEstimator, error) {
	if eval == nil {
		return nil, configErr("NewProfileEstimator", "evaluator is required")
	}
	if !(requiredIncrease > 0) || math.IsInf(requiredIncrease, 0) {
		return nil, configErr("NewProfileEstimator", "required cost increase must be positive and finite, got %v", requiredIncrease)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	optimum := eval.Residual(eval.Grouping().Ones())
	if isNonFinite(optimum) {
		return nil, optimization.NewErrorf("residual at the optimum is not finite: %v", optimum).
			WithKind(optimization.KindConvergence).
			WithComponent("fit").
			WithOperation("NewProfileEstimator")
	}
	return &ProfileEstimator{
		eval:             eval,
		requiredIncrease: requiredIncrease,
		optimum:          optimum,
		logger:           logger,
	}, nil
}

// ExcessCost returns Residual(optimum with group i scaled by m) - optimum - RequiredIncrease.
func (p *ProfileEstimator) ExcessCost(i int, m float64) float64 {
	b := p.eval.Grouping().Ones()
	b[i] = m
	return p.eval.Residual(b) - p.optimum - p.requiredIncrease
}

// Group returns the bound multipliers of group i.
func (p *ProfileEstimator) Group(i int) (GroupBound, error) {
	var gb GroupBound
	var err error
	gb.Up, gb.UpSaturated, err = p.side(i, UpperTrials)
	if err != nil {
		return gb, err
	}
	gb.Low, gb.LowSaturated, err = p.side(i, LowerTrials)
	return gb, err
}

func (p *ProfileEstimator) side(i int, trials []float64) (float64, bool, error) {
	f := func(m float64) float64 { return p.ExcessCost(i, m) }
	for _, m := range trials {
		if !(f(m) > 0) {
			continue
		}
		res, err := rootfind.Brent(f, 1, m, nil)
		if err != nil && !errors.Is(err, rootfind.ErrMaxIterations) {
			return 0, false, optimization.WrapErrorf(err, "group %d: root search in [1, %v]", i, m).
				WithKind(optimization.KindConvergence).
				WithComponent("fit").
				WithOperation("ProfileEstimator")
		}
		return res.Root, false, nil
	}
	return trials[len(trials)-1], true, nil
}

// Estimate computes bounds for every group and scatters them into matrices.
func (p *ProfileEstimator) Estimate() (*ErrorBounds, error) {
	g := p.eval.Grouping()
	rows, cols := g.Dims()
	low := make([]float64, g.Len())
	up := make([]float64, g.Len())

	bounds := &ErrorBounds{
		LowSaturated: boolMatrix(rows, cols),
		UpSaturated:  boolMatrix(rows, cols),
	}
	for i, grp := range g.groups {
		gb, err := p.Group(i)
		if err != nil {
			return nil, err
		}
		up[i] = math.Abs((gb.Up - 1) * grp.Base)
		low[i] = math.Abs((gb.Low - 1) * grp.Base)

		for _, co := range grp.Coords {
			bounds.LowSaturated[co.Run][co.Param] = gb.LowSaturated
			bounds.UpSaturated[co.Run][co.Param] = gb.UpSaturated
		}
		if gb.LowSaturated || gb.UpSaturated {
			p.logger.Warn("error bound saturated",
				zap.String("parameter", grp.Name),
				zap.Int("id", grp.ID),
				zap.Bool("low", gb.LowSaturated),
				zap.Bool("up", gb.UpSaturated),
			)
		}
	}
	bounds.Low = g.Scatter(low)
	bounds.Up = g.Scatter(up)
	return bounds, nil
}

// Errors estimates error bounds for a fit of p. The grouping is rebuilt from
// p and based at res.Values, so res must come from fitting p.
func (f *Fitter) Errors(p Problem, res *Result) (*ErrorBounds, error) {
	if res == nil || res.Parameters == nil {
		return nil, configErr("Fitter.Errors", "fit result is required")
	}
	grouping, err := NewGrouping(p.ParameterNames, p.Parameters, p.Identifiers)
	if err != nil {
		return nil, err
	}
	rebased, err := grouping.Rebase(res.Values)
	if err != nil {
		return nil, err
	}
	eval, err := NewEvaluator(p.Runs, p.Model, rebased, res.Parameters)
	if err != nil {
		return nil, err
	}
	est, err := NewProfileEstimator(eval, f.config.RequiredAccuracy, f.logger.With(zap.String("tag", p.Tag)))
	if err != nil {
		return nil, err
	}
	return est.Estimate()
}

func boolMatrix(rows, cols int) [][]bool {
	out := make([][]bool, rows)
	for r := range out {
		out[r] = make([]bool, cols)
	}
	return out
}
