package solver

import (
	"fmt"

	"github.com/avholm/nordstep/internal/vec"
)

// Quadrature companion: variables yQ' = fQ(t, y) with no feedback into
// the state. They ride the accepted step size and order on a parallel
// Nordsieck track and never enter the nonlinear solve; their corrector
// is a single explicit update.

// QuadInit enables quadrature integration with initial values yQ0.
func (s *Solver) QuadInit(fQ QuadRhsFunc, yQ0 vec.Vector) error {
	if !s.initDone {
		return fmt.Errorf("%w: QuadInit before Init", ErrIllInput)
	}
	if s.nst > 0 {
		return fmt.Errorf("%w: QuadInit after integration started", ErrIllInput)
	}
	if fQ == nil {
		return fmt.Errorf("%w: nil quadrature right-hand side", ErrIllInput)
	}
	if len(yQ0) == 0 {
		return fmt.Errorf("%w: empty quadrature state", ErrIllInput)
	}

	s.fQ = fQ
	s.nq = len(yQ0)
	for j := 0; j <= s.qmax; j++ {
		s.znQ[j] = vec.New(s.nq)
	}
	s.ewtQ = vec.New(s.nq)
	s.yQ = vec.New(s.nq)
	s.acorQ = vec.New(s.nq)
	s.tempvQ = vec.New(s.nq)

	s.znQ[0].CopyFrom(yQ0)
	s.errconQ = false
	s.nfQe = 0
	s.netfQ = 0
	s.quad = true
	return nil
}

// SetQuadErrControl includes the quadrature variables in the local error
// test with their own tolerances. Off by default.
func (s *Solver) SetQuadErrControl(on bool, reltolQ, abstolQ float64) error {
	if !s.quad {
		return fmt.Errorf("%w: quadratures not initialized", ErrIllInput)
	}
	s.errconQ = on
	if !on {
		return nil
	}
	if reltolQ < 0 || abstolQ < 0 {
		return fmt.Errorf("%w: negative quadrature tolerance", ErrIllInput)
	}
	s.reltolQ = reltolQ
	s.abstolQ = abstolQ
	s.abstolQVec = nil
	return nil
}

// SetQuadErrControlVector is SetQuadErrControl with a per-component
// absolute tolerance.
func (s *Solver) SetQuadErrControlVector(reltolQ float64, abstolQ vec.Vector) error {
	if !s.quad {
		return fmt.Errorf("%w: quadratures not initialized", ErrIllInput)
	}
	if reltolQ < 0 {
		return fmt.Errorf("%w: negative quadrature reltol", ErrIllInput)
	}
	if len(abstolQ) != s.nq {
		return fmt.Errorf("%w: quadrature abstol length mismatch", ErrIllInput)
	}
	s.errconQ = true
	s.reltolQ = reltolQ
	s.abstolQVec = abstolQ.Clone()
	return nil
}

// quadCorrect applies the explicit quadrature corrector once the state
// corrector has converged: acorQ = (h*fQ(tn,y) - znQ[1]) / l[1].
func (s *Solver) quadCorrect() {
	s.fQ(s.tn, s.y, s.tempvQ)
	s.nfQe++
	vec.LinearSum(s.acorQ, s.h, s.tempvQ, -1, s.znQ[1])
	vec.Scale(s.acorQ, s.rl1, s.acorQ)
	vec.LinearSum(s.yQ, 1, s.znQ[0], 1, s.acorQ)
}
