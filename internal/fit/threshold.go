package fit

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Default threshold curve settings.
const (
	DefaultThresholdCount = 100
	DefaultThresholdLimit = 0.1
)

// FractionBelow returns the fraction of data strictly below threshold.
func FractionBelow(threshold float64, data []float64) float64 {
	if len(data) == 0 {
		return math.NaN()
	}
	var n int
	for _, v := range data {
		if v < threshold {
			n++
		}
	}
	return float64(n) / float64(len(data))
}

// ThresholdCurve evaluates the fraction of data below k evenly spaced
// thresholds. The thresholds span the data range extended by limit times
// the range on both sides, so the curve shows both plateaus.
func ThresholdCurve(data []float64, k int, limit float64) (thresholds, fractions []float64, err error) {
	if len(data) == 0 {
		return nil, nil, configErr("ThresholdCurve", "data must not be empty")
	}
	if k < 2 {
		return nil, nil, configErr("ThresholdCurve", "need at least 2 thresholds, got %d", k)
	}
	if limit < 0 || math.IsNaN(limit) {
		return nil, nil, configErr("ThresholdCurve", "limit must be non-negative, got %v", limit)
	}

	lo, hi := floats.Min(data), floats.Max(data)
	span := hi - lo
	thresholds = floats.Span(make([]float64, k), lo-limit*span, hi+limit*span)

	sorted := append([]float64(nil), data...)
	sort.Float64s(sorted)
	fractions = make([]float64, k)
	for i, t := range thresholds {
		// index of the first element >= t is the count strictly below t
		fractions[i] = float64(sort.SearchFloat64s(sorted, t)) / float64(len(sorted))
	}
	return thresholds, fractions, nil
}

// NormalizeToNegativeControl builds a run from raw sample values: the
// threshold curve of the sample, with thresholds expressed in standard
// deviations of the negative control away from its mean.
func NormalizeToNegativeControl(sample, negativeControl []float64) (Run, error) {
	if len(negativeControl) == 0 {
		return Run{}, configErr("NormalizeToNegativeControl", "negative control must not be empty")
	}
	mean, std := stat.PopMeanStdDev(negativeControl, nil)
	if !(std > 0) {
		return Run{}, configErr("NormalizeToNegativeControl", "negative control standard deviation must be positive, got %v", std)
	}

	thresholds, fractions, err := ThresholdCurve(sample, DefaultThresholdCount, DefaultThresholdLimit)
	if err != nil {
		return Run{}, err
	}
	floats.AddConst(-mean, thresholds)
	floats.Scale(1/std, thresholds)
	return Run{Thresholds: thresholds, Targets: fractions}, nil
}
