// Package rootfind provides bracketing root finders for scalar functions.
package rootfind

import (
	"errors"
	"math"
)

var (
	// ErrNotBracketed is returned when f(a) and f(b) have the same sign.
	ErrNotBracketed = errors.New("rootfind: root is not bracketed")
	// ErrMaxIterations is returned when the iteration budget runs out.
	ErrMaxIterations = errors.New("rootfind: maximum iterations exceeded")
	// ErrNonFinite is returned when f is NaN or infinite at a bracket end.
	ErrNonFinite = errors.New("rootfind: function value is not finite")
)

// Settings controls the termination of Brent.
type Settings struct {
	// XTol is the absolute tolerance on the root location.
	XTol float64
	// RTol is the relative tolerance on the root location.
	RTol float64
	// MaxIterations bounds the number of iterations.
	MaxIterations int
}

// DefaultSettings returns the tolerances used when none are given.
func DefaultSettings() Settings {
	return Settings{
		XTol:          2e-12,
		RTol:          4 * 2.220446049250313e-16,
		MaxIterations: 100,
	}
}

// Result describes a located root.
type Result struct {
	Root            float64
	Iterations      int
	FuncEvaluations int
}

// Brent finds a root of f in the interval between a and b, which must bracket
// a sign change. The endpoints may be given in either order.
//
// The method combines bisection, secant steps and inverse quadratic
// interpolation, falling back to bisection whenever an interpolated step does
// not shrink the bracket fast enough.
func Brent(f func(float64) float64, a, b float64, settings *Settings) (Result, error) {
	s := DefaultSettings()
	if settings != nil {
		s = *settings
	}
	if s.MaxIterations <= 0 {
		s.MaxIterations = DefaultSettings().MaxIterations
	}

	xpre, xcur := a, b
	fpre, fcur := f(xpre), f(xcur)
	res := Result{FuncEvaluations: 2}

	if isNonFinite(fpre) || isNonFinite(fcur) {
		return res, ErrNonFinite
	}
	if fpre*fcur > 0 {
		return res, ErrNotBracketed
	}
	if fpre == 0 {
		res.Root = xpre
		return res, nil
	}
	if fcur == 0 {
		res.Root = xcur
		return res, nil
	}

	var xblk, fblk, spre, scur float64
	for i := 0; i < s.MaxIterations; i++ {
		res.Iterations = i + 1

		if fpre != 0 && fcur != 0 && math.Signbit(fpre) != math.Signbit(fcur) {
			xblk, fblk = xpre, fpre
			spre = xcur - xpre
			scur = spre
		}
		if math.Abs(fblk) < math.Abs(fcur) {
			xpre, xcur, xblk = xcur, xblk, xcur
			fpre, fcur, fblk = fcur, fblk, fcur
		}

		delta := (s.XTol + s.RTol*math.Abs(xcur)) / 2
		sbis := (xblk - xcur) / 2
		if fcur == 0 || math.Abs(sbis) < delta {
			res.Root = xcur
			return res, nil
		}

		if math.Abs(spre) > delta && math.Abs(fcur) < math.Abs(fpre) {
			var stry float64
			if xpre == xblk {
				// secant
				stry = -fcur * (xcur - xpre) / (fcur - fpre)
			} else {
				// inverse quadratic interpolation
				dpre := (fpre - fcur) / (xpre - xcur)
				dblk := (fblk - fcur) / (xblk - xcur)
				stry = -fcur * (fblk*dblk - fpre*dpre) / (dblk * dpre * (fblk - fpre))
			}
			if 2*math.Abs(stry) < math.Min(math.Abs(spre), 3*math.Abs(sbis)-delta) {
				spre, scur = scur, stry
			} else {
				spre, scur = sbis, sbis
			}
		} else {
			spre, scur = sbis, sbis
		}

		xpre, fpre = xcur, fcur
		if math.Abs(scur) > delta {
			xcur += scur
		} else if sbis > 0 {
			xcur += delta
		} else {
			xcur -= delta
		}

		fcur = f(xcur)
		res.FuncEvaluations++
		if math.IsNaN(fcur) {
			return res, ErrNonFinite
		}
	}

	res.Root = xcur
	return res, ErrMaxIterations
}

func isNonFinite(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0)
}
