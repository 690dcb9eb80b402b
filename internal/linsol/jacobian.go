package linsol

import (
	"math"

	"github.com/avholm/nordstep/internal/solver"
	"github.com/avholm/nordstep/internal/vec"
)

const (
	msbj       = 50  // max steps a cached Jacobian may age
	dgmaxJ     = 0.2 // gamma drift tolerated on a stale-Jacobian retry
	minIncMult = 1000.0
)

var uround = math.Nextafter(1, 2) - 1

// jacNeedsUpdate is the shared reuse policy for cached Jacobian data.
// A cached copy survives error test failures and modest gamma drift;
// a corrector failure with current data forces re-evaluation.
func jacNeedsUpdate(s *solver.Solver, convfail solver.ConvFail, nstlj int64) bool {
	dgamma := math.Abs(s.Gamrat() - 1)
	return s.Steps() == 0 ||
		s.Steps() > nstlj+msbj ||
		(convfail == solver.FailBadJ && dgamma < dgmaxJ) ||
		convfail == solver.FailOther
}

// minIncrement floors the difference quotient perturbation so columns
// of a near-zero state still get a usable increment.
func minIncrement(s *solver.Solver, fy vec.Vector) float64 {
	fnorm := fy.WrmsNorm(s.EwtVector())
	if fnorm == 0 {
		return 1
	}
	return minIncMult * math.Abs(s.StepSize()) * uround * float64(s.N()) * fnorm
}

// bdfResidualFixup rescales the Newton correction when gamma changed
// since the matrix was factored, which keeps BDF correctors convergent
// without a fresh factorization.
func bdfResidualFixup(s *solver.Solver, b vec.Vector) {
	if s.Method() == solver.BDF && s.Gamrat() != 1 {
		vec.Scale(b, 2/(1+s.Gamrat()), b)
	}
}
