package solver

import (
	"fmt"
	"math"

	"github.com/avholm/nordstep/internal/vec"
)

// GetDky interpolates the k-th derivative of the solution at time t
// into dky. t must lie in the window [tn-hu, tn], widened by a roundoff
// fuzz, and k must not exceed the current order. The computation is a
// Horner sum over the history columns, so it costs no right-hand side
// evaluations.
func (s *Solver) GetDky(t float64, k int, dky vec.Vector) error {
	if dky == nil || len(dky) != s.n {
		return fmt.Errorf("%w: bad dky vector", ErrIllInput)
	}
	if k < 0 || k > s.q {
		return fmt.Errorf("%w: k=%d outside 0..%d", ErrBadK, k, s.q)
	}

	tfuzz := fuzzFac * s.uround * (math.Abs(s.tn) + math.Abs(s.hu))
	if s.hu < 0 {
		tfuzz = -tfuzz
	}
	tp := s.tn - s.hu - tfuzz
	tn1 := s.tn + tfuzz
	if (t-tp)*(t-tn1) > 0 {
		return fmt.Errorf("%w: t=%g outside [%g, %g]", ErrBadT, t, s.tn-s.hu, s.tn)
	}

	r := (t - s.tn) / s.h
	for j := s.q; j >= k; j-- {
		c := 1.0
		for i := j; i >= j-k+1; i-- {
			c *= float64(i)
		}
		if j == s.q {
			vec.Scale(dky, c, s.zn[s.q])
		} else {
			vec.LinearSum(dky, c, s.zn[j], r, dky)
		}
	}
	if k == 0 {
		return nil
	}
	vec.Scale(dky, math.Pow(s.h, float64(-k)), dky)
	return nil
}

// GetQuadDky interpolates the k-th derivative of the quadrature
// variables at time t.
func (s *Solver) GetQuadDky(t float64, k int, dkyQ vec.Vector) error {
	if !s.quad {
		return fmt.Errorf("%w: quadrature integration not enabled", ErrIllInput)
	}
	if dkyQ == nil || len(dkyQ) != s.nq {
		return fmt.Errorf("%w: bad dkyQ vector", ErrIllInput)
	}
	if k < 0 || k > s.q {
		return fmt.Errorf("%w: k=%d outside 0..%d", ErrBadK, k, s.q)
	}

	tfuzz := fuzzFac * s.uround * (math.Abs(s.tn) + math.Abs(s.hu))
	if s.hu < 0 {
		tfuzz = -tfuzz
	}
	tp := s.tn - s.hu - tfuzz
	tn1 := s.tn + tfuzz
	if (t-tp)*(t-tn1) > 0 {
		return fmt.Errorf("%w: t=%g outside [%g, %g]", ErrBadT, t, s.tn-s.hu, s.tn)
	}

	r := (t - s.tn) / s.h
	for j := s.q; j >= k; j-- {
		c := 1.0
		for i := j; i >= j-k+1; i-- {
			c *= float64(i)
		}
		if j == s.q {
			vec.Scale(dkyQ, c, s.znQ[s.q])
		} else {
			vec.LinearSum(dkyQ, c, s.znQ[j], r, dkyQ)
		}
	}
	if k == 0 {
		return nil
	}
	vec.Scale(dkyQ, math.Pow(s.h, float64(-k)), dkyQ)
	return nil
}

// GetQuad returns the quadrature variables at time t.
func (s *Solver) GetQuad(t float64, yQ vec.Vector) error {
	return s.GetQuadDky(t, 0, yQ)
}

// GetSensDky1 interpolates the k-th derivative of one sensitivity
// direction at time t.
func (s *Solver) GetSensDky1(t float64, k, is int, dkyS vec.Vector) error {
	if !s.sensi {
		return fmt.Errorf("%w: sensitivity analysis not enabled", ErrIllInput)
	}
	if is < 0 || is >= s.ns {
		return fmt.Errorf("%w: sensitivity index %d outside 0..%d", ErrIllInput, is, s.ns-1)
	}
	if dkyS == nil || len(dkyS) != s.n {
		return fmt.Errorf("%w: bad dkyS vector", ErrIllInput)
	}
	if k < 0 || k > s.q {
		return fmt.Errorf("%w: k=%d outside 0..%d", ErrBadK, k, s.q)
	}

	tfuzz := fuzzFac * s.uround * (math.Abs(s.tn) + math.Abs(s.hu))
	if s.hu < 0 {
		tfuzz = -tfuzz
	}
	tp := s.tn - s.hu - tfuzz
	tn1 := s.tn + tfuzz
	if (t-tp)*(t-tn1) > 0 {
		return fmt.Errorf("%w: t=%g outside [%g, %g]", ErrBadT, t, s.tn-s.hu, s.tn)
	}

	r := (t - s.tn) / s.h
	for j := s.q; j >= k; j-- {
		c := 1.0
		for i := j; i >= j-k+1; i-- {
			c *= float64(i)
		}
		if j == s.q {
			vec.Scale(dkyS, c, s.znS[s.q][is])
		} else {
			vec.LinearSum(dkyS, c, s.znS[j][is], r, dkyS)
		}
	}
	if k == 0 {
		return nil
	}
	vec.Scale(dkyS, math.Pow(s.h, float64(-k)), dkyS)
	return nil
}

// GetSensDky interpolates the k-th derivative of every sensitivity
// direction at time t.
func (s *Solver) GetSensDky(t float64, k int, dkyS []vec.Vector) error {
	if len(dkyS) != s.ns {
		return fmt.Errorf("%w: expected %d sensitivity vectors", ErrIllInput, s.ns)
	}
	for is := 0; is < s.ns; is++ {
		if err := s.GetSensDky1(t, k, is, dkyS[is]); err != nil {
			return err
		}
	}
	return nil
}

// GetSens returns all sensitivity vectors at time t.
func (s *Solver) GetSens(t float64, yS []vec.Vector) error {
	return s.GetSensDky(t, 0, yS)
}
