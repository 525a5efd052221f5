package models

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// DefaultSeriesTerms is the number of Poisson terms summed by the prion model.
// Fitting time grows linearly with it.
const DefaultSeriesTerms = 150

// PrionParameterNames are the parameters of the prion saturation model.
var PrionParameterNames = []string{"N_propagons", "d", "a", "nsat", "mu", "sig"}

// PrionSaturation models the fraction of wells whose signal stays below a
// threshold t when wells receive a Poisson number of propagons.
//
// N_propagons is the propagon count per well of the undiluted sample, d the
// dilution, a the signal increase per propagon, nsat the propagon count at
// which the signal saturates, and mu/sig the negative-control mean and
// standard deviation.
type PrionSaturation struct {
	terms int
}

// NewPrionSaturation creates the model truncated after terms Poisson terms.
func NewPrionSaturation(terms int) (*PrionSaturation, error) {
	if terms <= 0 {
		return nil, fmt.Errorf("prion series terms must be positive, got %d", terms)
	}
	return &PrionSaturation{terms: terms}, nil
}

// MustPrionSaturation is like NewPrionSaturation but panics on error.
func MustPrionSaturation(terms int) *PrionSaturation {
	m, err := NewPrionSaturation(terms)
	if err != nil {
		panic(err)
	}
	return m
}

// ParameterNames returns PrionParameterNames.
func (m *PrionSaturation) ParameterNames() []string {
	return PrionParameterNames
}

// Evaluate computes
//
//	sum_i Poisson(i; N/d) * erfc((nsat*a*i/(nsat+i) + mu - t) / (sqrt(2)*sig)) / 2
func (m *PrionSaturation) Evaluate(t, p []float64) []float64 {
	n, d, a, nsat, mu, sig := p[0], p[1], p[2], p[3], p[4], p[5]
	lambda := n / d

	weights := make([]float64, m.terms)
	shifts := make([]float64, m.terms)
	if lambda > 0 && !math.IsInf(lambda, 0) {
		poisson := distuv.Poisson{Lambda: lambda}
		for i := range weights {
			weights[i] = poisson.Prob(float64(i))
		}
	} else if lambda == 0 {
		weights[0] = 1
	} else {
		floats.AddConst(math.NaN(), weights)
	}
	for i := range shifts {
		fi := float64(i)
		shifts[i] = nsat*a*fi/(nsat+fi) + mu
	}

	out := make([]float64, len(t))
	for j, tj := range t {
		var sum float64
		for i, w := range weights {
			if w == 0 {
				continue
			}
			sum += w * distuv.UnitNormal.Survival((shifts[i]-tj)/sig)
		}
		out[j] = sum
	}
	return out
}

// PrionInputs builds the initial parameter and identifier matrices for a
// prion fit over the given dilutions, one run per dilution.
//
// N_propagons, a and nsat are fitted jointly across all runs; d is the known
// dilution; mu and sig are fixed at 0 and 1 for normalised data.
func PrionInputs(dilutions []float64) ([]string, *mat.Dense, [][]int, error) {
	if len(dilutions) == 0 {
		return nil, nil, nil, fmt.Errorf("at least one dilution is required")
	}
	for i, d := range dilutions {
		if !(d > 0) || math.IsInf(d, 0) {
			return nil, nil, nil, fmt.Errorf("dilution %d must be positive and finite, got %v", i, d)
		}
	}

	minDilution := floats.Min(dilutions)
	params := mat.NewDense(len(dilutions), len(PrionParameterNames), nil)
	ids := make([][]int, len(dilutions))
	for i, d := range dilutions {
		params.SetRow(i, []float64{2 * minDilution, d, 1, 15, 0, 1})
		ids[i] = []int{1, 0, 1, 1, 0, 0}
	}

	names := append([]string(nil), PrionParameterNames...)
	return names, params, ids, nil
}
