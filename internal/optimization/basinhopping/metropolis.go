package basinhopping

import (
	"math"
	"math/rand"
)

// Metropolis implements the basin-hopping acceptance test at a fixed
// temperature.
type Metropolis struct {
	Temperature float64
	rng         *rand.Rand
}

// Accept reports whether a move from fOld to fNew is taken. Lower values are
// always accepted, higher ones with probability exp(-(fNew-fOld)/T).
// Non-finite fNew is never accepted.
func (m *Metropolis) Accept(fNew, fOld float64) bool {
	if math.IsNaN(fNew) || math.IsInf(fNew, 0) {
		return false
	}
	if fNew < fOld || math.IsInf(fOld, 1) || math.IsNaN(fOld) {
		return true
	}
	w := math.Exp(-(fNew - fOld) / m.Temperature)
	return w >= m.rng.Float64()
}
