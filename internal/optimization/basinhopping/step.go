package basinhopping

import (
	"math/rand"
)

// TakeStep perturbs a point multiplicatively: every component is scaled by
// (1 + StepSize*u)^s with u uniform in [0,1) and s a random sign, so each
// component moves up or down by up to StepSize as a fraction.
type TakeStep struct {
	StepSize float64
	rng      *rand.Rand
}

// NewTakeStep creates a step taker drawing from rng.
func NewTakeStep(stepSize float64, rng *rand.Rand) *TakeStep {
	return &TakeStep{StepSize: stepSize, rng: rng}
}

// Step returns a perturbed copy of x.
func (s *TakeStep) Step(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		r := 1 + s.StepSize*s.rng.Float64()
		if s.rng.Intn(2) == 0 {
			r = 1 / r
		}
		out[i] = r * v
	}
	return out
}

// adaptiveStep rescales the step size every interval hops to steer the
// Metropolis acceptance rate towards target.
type adaptiveStep struct {
	step     *TakeStep
	interval int
	target   float64
	factor   float64

	nstep   int
	naccept int
}

func (a *adaptiveStep) Step(x []float64) []float64 {
	a.nstep++
	if a.interval > 0 && a.nstep%a.interval == 0 {
		a.adjust()
	}
	return a.step.Step(x)
}

func (a *adaptiveStep) Report(accepted bool) {
	if accepted {
		a.naccept++
	}
}

func (a *adaptiveStep) adjust() {
	rate := float64(a.naccept) / float64(a.nstep)
	if rate > a.target {
		a.step.StepSize /= a.factor
	} else {
		a.step.StepSize *= a.factor
	}
}
