package solver

import (
	"math"

	"github.com/avholm/nordstep/internal/vec"
)

// Error weights: ewt_i = 1/(reltol*|y_i| + abstol_i). Every weighted RMS
// norm in the corrector and the error tests uses these weights, so a
// norm of 1 means "exactly at tolerance".

func (s *Solver) ewtSet(y, w vec.Vector) error {
	vec.Abs(s.tempv, y)
	if s.abstolVec != nil {
		for i := range s.tempv {
			s.tempv[i] = s.reltol*s.tempv[i] + s.abstolVec[i]
		}
	} else {
		for i := range s.tempv {
			s.tempv[i] = s.reltol*s.tempv[i] + s.abstol
		}
	}
	for _, x := range s.tempv {
		if x <= 0 {
			return ErrEwtFail
		}
	}
	vec.Inv(w, s.tempv)
	return nil
}

func (s *Solver) ewtSetQuad(yQ, w vec.Vector) error {
	vec.Abs(s.tempvQ, yQ)
	if s.abstolQVec != nil {
		for i := range s.tempvQ {
			s.tempvQ[i] = s.reltolQ*s.tempvQ[i] + s.abstolQVec[i]
		}
	} else {
		for i := range s.tempvQ {
			s.tempvQ[i] = s.reltolQ*s.tempvQ[i] + s.abstolQ
		}
	}
	for _, x := range s.tempvQ {
		if x <= 0 {
			return ErrEwtFail
		}
	}
	vec.Inv(w, s.tempvQ)
	return nil
}

func (s *Solver) ewtSetSens(yS []vec.Vector, wS []vec.Vector) error {
	for is := 0; is < s.ns; is++ {
		vec.Abs(s.tempv, yS[is])
		for i := range s.tempv {
			s.tempv[i] = s.reltolS*s.tempv[i] + s.abstolS[is]
		}
		for _, x := range s.tempv {
			if x <= 0 {
				return ErrEwtFail
			}
		}
		vec.Inv(wS[is], s.tempv)
	}
	return nil
}

// sensNorm is the max over directions of the per-direction weighted RMS
// norm; sensUpdateNorm merges it into a state-side norm the same way.
func (s *Solver) sensNorm(xS, wS []vec.Vector) float64 {
	nrm := 0.0
	for is := 0; is < s.ns; is++ {
		if n := xS[is].WrmsNorm(wS[is]); n > nrm {
			nrm = n
		}
	}
	return nrm
}

func (s *Solver) sensUpdateNorm(old float64, xS, wS []vec.Vector) float64 {
	return math.Max(old, s.sensNorm(xS, wS))
}

func (s *Solver) quadUpdateNorm(old float64, xQ, wQ vec.Vector) float64 {
	return math.Max(old, xQ.WrmsNorm(wQ))
}
