package solver

import (
	"math"

	"github.com/avholm/nordstep/internal/vec"
)

// Method coefficients. setCoefficients loads, for the current q and step
// history tau, the corrector polynomial coefficients l[0..q] and the
// error test constants tq[1..5]:
//
//	tq[1] : order q-1 estimate
//	tq[2] : order q estimate (the acceptance test)
//	tq[3] : order q+1 estimate
//	tq[4] : corrector convergence test constant
//	tq[5] : used in the order q+1 step ratio
//
// It also refreshes rl1, gamma and gamrat for the Newton matrix.
func (s *Solver) setCoefficients() {
	switch s.method {
	case Adams:
		s.setAdams()
	case BDF:
		s.setBDF()
	}
	s.rl1 = 1 / s.l[1]
	s.gamma = s.h * s.rl1
	if s.nst == 0 {
		s.gammap = s.gamma
	}
	if s.gammap != 0 {
		s.gamrat = s.gamma / s.gammap
	} else {
		s.gamrat = 1
	}
}

// setAdams builds l and tq for Adams-Moulton. The l[i] are obtained from
// the coefficients m[i] of the polynomial
//
//	(1 + x/xi_1) * ... * (1 + x/xi_{q-1})
//
// where xi_i = (t_n - t_{n-i}) / h, via the normalized integrals M[0],
// M[1] computed as alternating sums.
func (s *Solver) setAdams() {
	var m [maxL]float64
	var bigM [3]float64

	if s.q == 1 {
		s.l[0], s.l[1] = 1, 1
		s.tq[1], s.tq[5] = 1, 1
		s.tq[2] = 0.5
		s.tq[3] = 1.0 / 12.0
		s.tq[4] = s.nlscoef / s.tq[2]
		return
	}

	hsum := s.adamsStart(m[:])
	bigM[0] = altSum(s.q-1, m[:], 1)
	bigM[1] = altSum(s.q-1, m[:], 2)
	s.adamsFinish(m[:], bigM[:], hsum)
}

func (s *Solver) adamsStart(m []float64) float64 {
	hsum := s.h
	m[0] = 1
	for i := 1; i <= s.q; i++ {
		m[i] = 0
	}
	for j := 1; j < s.q; j++ {
		if j == s.q-1 && s.qwait == 1 {
			sum := altSum(s.q-2, m, 2)
			s.tq[1] = float64(s.q) * sum / m[s.q-2]
		}
		xiInv := s.h / hsum
		for i := j; i >= 1; i-- {
			m[i] += m[i-1] * xiInv
		}
		hsum += s.tau[j]
	}
	return hsum
}

func (s *Solver) adamsFinish(m, bigM []float64, hsum float64) {
	m0Inv := 1 / bigM[0]
	s.l[0] = 1
	for i := 1; i <= s.q; i++ {
		s.l[i] = m0Inv * (m[i-1] / float64(i))
	}
	xi := hsum / s.h
	xiInv := 1 / xi

	s.tq[2] = bigM[1] * m0Inv / xi
	s.tq[5] = xi / s.l[s.q]

	if s.qwait == 1 {
		for i := s.q; i >= 1; i-- {
			m[i] += m[i-1] * xiInv
		}
		bigM[2] = altSum(s.q, m, 2)
		s.tq[3] = bigM[2] * m0Inv / float64(s.q+1)
	}

	s.tq[4] = s.nlscoef / s.tq[2]
}

// altSum returns sum from i = 0..iend of (-1)^i * a[i] / (i + k).
func altSum(iend int, a []float64, k int) float64 {
	if iend < 0 {
		return 0
	}
	sum := 0.0
	sign := 1.0
	for i := 0; i <= iend; i++ {
		sum += sign * (a[i] / float64(i+k))
		sign = -sign
	}
	return sum
}

// setBDF builds l for BDF from the products (1 + x/xi_j) over the step
// history, together with the alpha quantities that feed the tq array.
func (s *Solver) setBDF() {
	s.l[0], s.l[1] = 1, 1
	for i := 2; i <= s.qmax; i++ {
		s.l[i] = 0
	}
	alpha0 := -1.0
	alpha0Hat := -1.0
	xiInv, xistarInv := 1.0, 1.0
	hsum := s.h

	if s.q > 1 {
		for j := 2; j < s.q; j++ {
			hsum += s.tau[j-1]
			xiInv = s.h / hsum
			alpha0 -= 1 / float64(j)
			for i := j; i >= 1; i-- {
				s.l[i] += s.l[i-1] * xiInv
			}
		}

		// j = q
		alpha0 -= 1 / float64(s.q)
		xistarInv = -s.l[1] - alpha0
		hsum += s.tau[s.q-1]
		xiInv = s.h / hsum
		alpha0Hat = -s.l[1] - xiInv
		for i := s.q; i >= 1; i-- {
			s.l[i] += s.l[i-1] * xistarInv
		}
	}

	s.setTqBDF(hsum, alpha0, alpha0Hat, xiInv, xistarInv)
}

func (s *Solver) setTqBDF(hsum, alpha0, alpha0Hat, xiInv, xistarInv float64) {
	a1 := 1 - alpha0Hat + alpha0
	a2 := 1 + float64(s.q)*a1
	s.tq[2] = math.Abs(a1 / (alpha0 * a2))
	s.tq[5] = math.Abs(a2 * xistarInv / (s.l[s.q] * xiInv))
	if s.qwait == 1 {
		if s.q > 1 {
			c := xistarInv / s.l[s.q]
			a3 := alpha0 + 1/float64(s.q)
			a4 := alpha0Hat + xiInv
			cpInv := (1 - a4 + a3) / a3
			s.tq[1] = math.Abs(c * cpInv)
		} else {
			s.tq[1] = 1
		}
		hsum += s.tau[s.q]
		xiInv = s.h / hsum
		a5 := alpha0 - 1/float64(s.q+1)
		a6 := alpha0Hat - xiInv
		cppInv := (1 - a6 + a5) / a2
		s.tq[3] = math.Abs(cppInv / (xiInv * float64(s.q+2) * a5))
	}
	s.tq[4] = s.nlscoef / s.tq[2]
}

// adjustParams applies a pending order change and rescales the history
// for a pending step size change. Called at the top of a step when the
// previous step selected new values.
func (s *Solver) adjustParams() {
	if s.qprime != s.q {
		s.adjustOrder(s.qprime - s.q)
		s.q = s.qprime
		s.qwait = s.q + 1
	}
	s.rescale()
}

func (s *Solver) adjustOrder(deltaq int) {
	if s.q == 2 && deltaq != 1 {
		// order 2 -> 1 needs no history adjustment
		return
	}
	switch s.method {
	case Adams:
		s.adjustAdams(deltaq)
	case BDF:
		if deltaq == 1 {
			s.increaseBDF()
		} else {
			s.decreaseBDF()
		}
	}
}

// adjustAdams adjusts the history for an Adams order change. An increase
// only zeroes the new column; a decrease removes the zn[q] contribution
// from the lower columns using the coefficients of
// x * product(x + xi_i).
func (s *Solver) adjustAdams(deltaq int) {
	if deltaq == 1 {
		s.zn[s.q+1].SetConst(0)
		if s.quad {
			s.znQ[s.q+1].SetConst(0)
		}
		if s.sensi {
			for is := 0; is < s.ns; is++ {
				s.znS[s.q+1][is].SetConst(0)
			}
		}
		return
	}

	for i := 0; i <= s.qmax; i++ {
		s.l[i] = 0
	}
	s.l[1] = 1
	hsum := 0.0
	for j := 1; j <= s.q-2; j++ {
		hsum += s.tau[j]
		xi := hsum / s.hscale
		for i := j + 1; i >= 1; i-- {
			s.l[i] = s.l[i]*xi + s.l[i-1]
		}
	}
	for j := 1; j <= s.q-2; j++ {
		s.l[j+1] = float64(s.q) * (s.l[j] / float64(j+1))
	}
	for j := 2; j < s.q; j++ {
		vec.LinearSum(s.zn[j], -s.l[j], s.zn[s.q], 1, s.zn[j])
		if s.quad {
			vec.LinearSum(s.znQ[j], -s.l[j], s.znQ[s.q], 1, s.znQ[j])
		}
		if s.sensi {
			for is := 0; is < s.ns; is++ {
				vec.LinearSum(s.znS[j][is], -s.l[j], s.znS[s.q][is], 1, s.znS[j][is])
			}
		}
	}
}

// increaseBDF raises the BDF order by one. The new column is seeded from
// the saved correction zn[indxAcor] scaled by A1 = (-alpha0 - alpha1)/prod.
func (s *Solver) increaseBDF() {
	for i := 0; i <= s.qmax; i++ {
		s.l[i] = 0
	}
	s.l[2] = 1
	alpha1, prod, xiold := 1.0, 1.0, 1.0
	alpha0 := -1.0
	hsum := s.hscale
	if s.q > 1 {
		for j := 1; j < s.q; j++ {
			hsum += s.tau[j+1]
			xi := hsum / s.hscale
			prod *= xi
			alpha0 -= 1 / float64(j+1)
			alpha1 += 1 / xi
			for i := j + 2; i >= 2; i-- {
				s.l[i] = s.l[i]*xiold + s.l[i-1]
			}
			xiold = xi
		}
	}
	a1 := (-alpha0 - alpha1) / prod
	vec.Scale(s.zn[s.q+1], a1, s.zn[s.indxAcor])
	if s.quad {
		vec.Scale(s.znQ[s.q+1], a1, s.znQ[s.indxAcor])
	}
	if s.sensi {
		for is := 0; is < s.ns; is++ {
			vec.Scale(s.znS[s.q+1][is], a1, s.znS[s.indxAcor][is])
		}
	}
	for j := 2; j <= s.q; j++ {
		vec.LinearSum(s.zn[j], s.l[j], s.zn[s.q+1], 1, s.zn[j])
		if s.quad {
			vec.LinearSum(s.znQ[j], s.l[j], s.znQ[s.q+1], 1, s.znQ[j])
		}
		if s.sensi {
			for is := 0; is < s.ns; is++ {
				vec.LinearSum(s.znS[j][is], s.l[j], s.znS[s.q+1][is], 1, s.znS[j][is])
			}
		}
	}
}

// decreaseBDF lowers the BDF order by one, removing the zn[q]
// contribution from the middle columns.
func (s *Solver) decreaseBDF() {
	for i := 0; i <= s.qmax; i++ {
		s.l[i] = 0
	}
	s.l[2] = 1
	hsum := 0.0
	for j := 1; j <= s.q-2; j++ {
		hsum += s.tau[j]
		xi := hsum / s.hscale
		for i := j + 2; i >= 2; i-- {
			s.l[i] = s.l[i]*xi + s.l[i-1]
		}
	}
	for j := 2; j < s.q; j++ {
		vec.LinearSum(s.zn[j], -s.l[j], s.zn[s.q], 1, s.zn[j])
		if s.quad {
			vec.LinearSum(s.znQ[j], -s.l[j], s.znQ[s.q], 1, s.znQ[j])
		}
		if s.sensi {
			for is := 0; is < s.ns; is++ {
				vec.LinearSum(s.znS[j][is], -s.l[j], s.znS[s.q][is], 1, s.znS[j][is])
			}
		}
	}
}
