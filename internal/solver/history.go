package solver

import "github.com/avholm/nordstep/internal/vec"

// The Nordsieck array zn holds the solution and its scaled derivatives:
// zn[j] = (h^j/j!) y^(j). Advancing the base point by h is a repeated
// Pascal-triangle summation, so prediction, restoration and rescaling
// never allocate.

// predict advances tn by h and applies the explicit predictor to zn and,
// when present, to the quadrature and sensitivity arrays.
func (s *Solver) predict() {
	s.tn += s.h
	if s.tstopSet {
		if (s.tn-s.tstop)*s.h > 0 {
			s.tn = s.tstop
		}
	}
	for k := 1; k <= s.q; k++ {
		for j := s.q; j >= k; j-- {
			vec.LinearSum(s.zn[j-1], 1, s.zn[j-1], 1, s.zn[j])
		}
	}
	if s.quad {
		for k := 1; k <= s.q; k++ {
			for j := s.q; j >= k; j-- {
				vec.LinearSum(s.znQ[j-1], 1, s.znQ[j-1], 1, s.znQ[j])
			}
		}
	}
	if s.sensi {
		for is := 0; is < s.ns; is++ {
			for k := 1; k <= s.q; k++ {
				for j := s.q; j >= k; j-- {
					vec.LinearSum(s.znS[j-1][is], 1, s.znS[j-1][is], 1, s.znS[j][is])
				}
			}
		}
	}
}

// restore undoes predict after a failed attempt, resetting tn to savedT.
func (s *Solver) restore(savedT float64) {
	s.tn = savedT
	for k := 1; k <= s.q; k++ {
		for j := s.q; j >= k; j-- {
			vec.LinearSum(s.zn[j-1], 1, s.zn[j-1], -1, s.zn[j])
		}
	}
	if s.quad {
		for k := 1; k <= s.q; k++ {
			for j := s.q; j >= k; j-- {
				vec.LinearSum(s.znQ[j-1], 1, s.znQ[j-1], -1, s.znQ[j])
			}
		}
	}
	if s.sensi {
		for is := 0; is < s.ns; is++ {
			for k := 1; k <= s.q; k++ {
				for j := s.q; j >= k; j-- {
					vec.LinearSum(s.znS[j-1][is], 1, s.znS[j-1][is], -1, s.znS[j][is])
				}
			}
		}
	}
}

// rescale adjusts the history to the step size h*eta: zn[j] scales by
// eta^j. It commits eta into h and resets the stability detection window.
func (s *Solver) rescale() {
	factor := s.eta
	for j := 1; j <= s.q; j++ {
		vec.Scale(s.zn[j], factor, s.zn[j])
		if s.quad {
			vec.Scale(s.znQ[j], factor, s.znQ[j])
		}
		if s.sensi {
			for is := 0; is < s.ns; is++ {
				vec.Scale(s.znS[j][is], factor, s.znS[j][is])
			}
		}
		factor *= s.eta
	}
	s.h = s.hscale * s.eta
	s.nextH = s.h
	s.hscale = s.h
	s.nscon = 0
}
