package solver

import (
	"fmt"
	"math"

	"github.com/avholm/nordstep/internal/vec"
)

// step takes one internal step: predict, correct, error-test, accept or
// retry with a reduced step (and possibly reduced order). On acceptance
// it commits the correction into the history and selects the step size
// and order for the next step. The quadrature and staggered-sensitivity
// stages run after the state has passed its own error test; any failure
// in them reroutes through the same retry paths.
func (s *Solver) step() error {
	savedT := s.tn
	ncf, nef := 0, 0
	ncfS, nefS, nefQ := 0, 0, 0
	if s.sensi && s.ism == Staggered1 {
		for is := range s.ncfS1 {
			s.ncfS1[is] = 0
		}
	}
	nflag := firstCall

	if s.nst > 0 && s.hprime != s.h {
		s.adjustParams()
	}

	var dsm float64
	for {
		s.predict()
		s.setCoefficients()

		nflag = s.nls(nflag)
		retry, err := s.handleNFlag(&nflag, savedT, &ncf, &s.ncfn)
		if err != nil {
			return err
		}
		if retry {
			continue
		}

		var testRetry bool
		testRetry, dsm, err = s.doErrorTest(&nflag, savedT, s.acnrm, &nef, &s.netf)
		if err != nil {
			return err
		}
		if testRetry {
			continue
		}

		if s.quad {
			s.quadCorrect()
			if s.errconQ {
				var dsmQ float64
				s.acnrmQ = s.acorQ.WrmsNorm(s.ewtQ)
				testRetry, dsmQ, err = s.doErrorTest(&nflag, savedT, s.acnrmQ, &nefQ, &s.netfQ)
				if err != nil {
					return err
				}
				if testRetry {
					continue
				}
				dsm = math.Max(dsm, dsmQ)
			}
		}

		if s.sensi && s.ism == Staggered {
			nflag = s.stgrNls()
			retry, err = s.handleNFlag(&nflag, savedT, &ncfS, &s.ncfnS)
			if err != nil {
				return err
			}
			if retry {
				continue
			}
			if s.errconS {
				var dsmS float64
				testRetry, dsmS, err = s.doErrorTest(&nflag, savedT, s.acnrmS, &nefS, &s.netfS)
				if err != nil {
					return err
				}
				if testRetry {
					continue
				}
				dsm = math.Max(dsm, dsmS)
			}
		}

		if s.sensi && s.ism == Staggered1 {
			predictAgain := false
			for is := 0; is < s.ns; is++ {
				nflag = s.stgr1Nls(is)
				retry, err = s.stgr1HandleNFlag(&nflag, savedT, is)
				if err != nil {
					return err
				}
				if retry {
					predictAgain = true
					break
				}
			}
			if predictAgain {
				continue
			}
			if s.errconS {
				var dsmS float64
				s.acnrmS = s.sensNorm(s.acorS, s.ewtS)
				testRetry, dsmS, err = s.doErrorTest(&nflag, savedT, s.acnrmS, &nefS, &s.netfS)
				if err != nil {
					return err
				}
				if testRetry {
					continue
				}
				dsm = math.Max(dsm, dsmS)
			}
		}

		break
	}

	s.completeStep()
	// dsm holds the largest of the state, quadrature and sensitivity
	// error measures, so the step selection honors the tightest of them
	s.prepareNextStep(dsm)

	if s.sldeton {
		s.bdfStab()
	}

	s.etamax = etaMax3
	if s.nst <= smallNst {
		s.etamax = etaMax2
	}

	// acor becomes the estimated local error vector
	vec.Scale(s.acor, s.tq[2], s.acor)
	if s.quad {
		vec.Scale(s.acorQ, s.tq[2], s.acorQ)
	}
	if s.sensi {
		for is := 0; is < s.ns; is++ {
			vec.Scale(s.acorS[is], s.tq[2], s.acorS[is])
		}
	}
	return nil
}

// handleNFlag processes a corrector outcome. A recoverable failure
// restores the history, shrinks the step by etaCF and asks the caller to
// predict again, until the failure counter or hmin is exhausted.
func (s *Solver) handleNFlag(nflagP *nFlag, savedT float64, ncfP *int, cum *int64) (retry bool, err error) {
	if *nflagP == convSuccess {
		return false, nil
	}

	s.restore(savedT)
	(*cum)++

	switch *nflagP {
	case setupFailFlag:
		return false, s.wrapErr(fmt.Errorf("%w: %w", ErrSetupFailure, s.failErr))
	case solveFailFlag:
		return false, s.wrapErr(fmt.Errorf("%w: %w", ErrSolveFailure, s.failErr))
	}

	(*ncfP)++
	s.etamax = 1
	if math.Abs(s.h) <= s.hmin*(1+s.uround) || *ncfP == s.maxncf {
		return false, s.wrapErr(ErrConvFailure)
	}

	s.eta = math.Max(etaCF, s.hmin/math.Abs(s.h))
	*nflagP = prevConvFail
	s.rescale()
	return true, nil
}

// doErrorTest runs the local error test dsm = acnrm*tq[2] <= 1 and, on
// failure, restores the history and picks the retry step size: an
// error-based eta for the first mxNef1 failures, then a forced order
// reduction, and at order 1 a reload of zn[1] from a fresh derivative.
func (s *Solver) doErrorTest(nflagP *nFlag, savedT float64, acnrm float64, nefP *int, cum *int64) (retry bool, dsm float64, err error) {
	dsm = acnrm * s.tq[2]
	if dsm <= 1 {
		return false, dsm, nil
	}

	(*nefP)++
	(*cum)++
	*nflagP = prevErrFail
	s.restore(savedT)

	if math.Abs(s.h) <= s.hmin*(1+s.uround) || *nefP == s.maxnef {
		return false, dsm, s.wrapErr(ErrErrFailure)
	}

	s.etamax = 1

	if *nefP <= mxNef1 {
		s.eta = 1 / (math.Pow(bias2*dsm, 1/float64(s.q+1)) + addon)
		s.eta = math.Max(etaMin, math.Max(s.eta, s.hmin/math.Abs(s.h)))
		if *nefP >= smallNef {
			s.eta = math.Min(s.eta, etaMaxFx)
		}
		s.rescale()
		return true, dsm, nil
	}

	if s.q > 1 {
		s.eta = math.Max(etaMin, s.hmin/math.Abs(s.h))
		s.adjustOrder(-1)
		s.q--
		s.qwait = s.q + 1
		s.rescale()
		return true, dsm, nil
	}

	// already at order 1: shrink h and rebuild zn[1] from a fresh
	// derivative evaluation
	s.eta = math.Max(etaMin, s.hmin/math.Abs(s.h))
	s.h *= s.eta
	s.nextH = s.h
	s.hscale = s.h
	s.qwait = longWait
	s.nscon = 0

	s.f(s.tn, s.zn[0], s.tempv)
	s.nfe++
	vec.Scale(s.zn[1], s.h, s.tempv)

	if s.quad {
		s.fQ(s.tn, s.zn[0], s.tempvQ)
		s.nfQe++
		vec.Scale(s.znQ[1], s.h, s.tempvQ)
	}
	if s.sensi {
		for is := 0; is < s.ns; is++ {
			s.yS[is].CopyFrom(s.znS[0][is])
		}
		s.sensRhs(s.tn, s.zn[0], s.tempv, s.yS, s.tempvS)
		for is := 0; is < s.ns; is++ {
			vec.Scale(s.znS[1][is], s.h, s.tempvS[is])
		}
	}
	return true, dsm, nil
}

// completeStep shifts the step history, commits the corrections into the
// Nordsieck arrays via the l coefficients, and keeps the bookkeeping
// needed for a possible later order increase.
func (s *Solver) completeStep() {
	s.nst++
	s.nscon++
	s.hu = s.h
	s.qu = s.q

	for i := s.q; i >= 2; i-- {
		s.tau[i] = s.tau[i-1]
	}
	if s.q == 1 && s.nst > 1 {
		s.tau[2] = s.tau[1]
	}
	s.tau[1] = s.h

	for j := 0; j <= s.q; j++ {
		vec.LinearSum(s.zn[j], s.l[j], s.acor, 1, s.zn[j])
	}
	if s.quad {
		for j := 0; j <= s.q; j++ {
			vec.LinearSum(s.znQ[j], s.l[j], s.acorQ, 1, s.znQ[j])
		}
	}
	if s.sensi {
		for is := 0; is < s.ns; is++ {
			for j := 0; j <= s.q; j++ {
				vec.LinearSum(s.znS[j][is], s.l[j], s.acorS[is], 1, s.znS[j][is])
			}
		}
	}

	s.qwait--
	if s.qwait == 1 && s.q != s.qmax {
		s.zn[s.qmax].CopyFrom(s.acor)
		if s.quad {
			s.znQ[s.qmax].CopyFrom(s.acorQ)
		}
		if s.sensi {
			for is := 0; is < s.ns; is++ {
				s.znS[s.qmax][is].CopyFrom(s.acorS[is])
			}
		}
		s.savedTq5 = s.tq[5]
		s.indxAcor = s.qmax
	}
}

// prepareNextStep chooses eta and the order for the next step from the
// competing step ratios at orders q-1, q and q+1.
func (s *Solver) prepareNextStep(dsm float64) {
	// a failure earlier in this step freezes h and q
	if s.etamax == 1 {
		s.qwait = max(s.qwait, 2)
		s.qprime = s.q
		s.hprime = s.h
		s.eta = 1
		return
	}

	s.etaq = 1 / (math.Pow(bias2*dsm, 1/float64(s.q+1)) + addon)

	if s.qwait != 0 {
		s.eta = s.etaq
		s.qprime = s.q
		s.setEta()
		return
	}

	s.qwait = 2
	s.etaqm1 = s.computeEtaqm1()
	s.etaqp1 = s.computeEtaqp1()
	s.chooseEta()
	s.setEta()
}

func (s *Solver) setEta() {
	if s.eta < thresh {
		// not worth a rescale
		s.eta = 1
		s.hprime = s.h
	} else {
		s.eta = math.Min(s.eta, s.etamax)
		s.eta /= math.Max(1, math.Abs(s.h)*s.hmaxInv*s.eta)
		s.hprime = s.h * s.eta
		if s.qprime < s.q {
			s.nscon = 0
		}
	}
}

// computeEtaqm1 estimates the step ratio at order q-1 from the highest
// retained derivative.
func (s *Solver) computeEtaqm1() float64 {
	if s.q <= 1 {
		return 0
	}
	ddn := s.zn[s.q].WrmsNorm(s.ewt)
	if s.quad && s.errconQ {
		ddn = s.quadUpdateNorm(ddn, s.znQ[s.q], s.ewtQ)
	}
	if s.sensi && s.errconS {
		ddn = s.sensUpdateNorm(ddn, s.znS[s.q], s.ewtS)
	}
	ddn *= s.tq[1]
	return 1 / (math.Pow(bias1*ddn, 1/float64(s.q)) + addon)
}

// computeEtaqp1 estimates the step ratio at order q+1 from the divided
// difference of the last two corrections.
func (s *Solver) computeEtaqp1() float64 {
	if s.q == s.qmax {
		return 0
	}
	if s.savedTq5 == 0 {
		return 0
	}
	cquot := (s.tq[5] / s.savedTq5) * math.Pow(s.h/s.tau[2], float64(s.q+1))
	vec.LinearSum(s.tempv, -cquot, s.zn[s.qmax], 1, s.acor)
	dup := s.tempv.WrmsNorm(s.ewt)
	if s.quad && s.errconQ {
		vec.LinearSum(s.tempvQ, -cquot, s.znQ[s.qmax], 1, s.acorQ)
		dup = s.quadUpdateNorm(dup, s.tempvQ, s.ewtQ)
	}
	if s.sensi && s.errconS {
		for is := 0; is < s.ns; is++ {
			vec.LinearSum(s.tempvS[is], -cquot, s.znS[s.qmax][is], 1, s.acorS[is])
		}
		dup = s.sensUpdateNorm(dup, s.tempvS, s.ewtS)
	}
	dup *= s.tq[3]
	return 1 / (math.Pow(bias3*dup, 1/float64(s.q+2)) + addon)
}

// chooseEta picks the largest of the three candidate ratios, with a
// deadband so marginal gains do not churn h and q. On an order increase
// the saved correction seeds the new Nordsieck column.
func (s *Solver) chooseEta() {
	etam := math.Max(s.etaqm1, math.Max(s.etaq, s.etaqp1))

	if etam < thresh {
		s.eta = 1
		s.qprime = s.q
		return
	}

	switch {
	case etam == s.etaq:
		s.eta = s.etaq
		s.qprime = s.q
	case etam == s.etaqm1:
		s.eta = s.etaqm1
		s.qprime = s.q - 1
	default:
		s.eta = s.etaqp1
		s.qprime = s.q + 1
		if s.method == BDF {
			s.zn[s.qmax].CopyFrom(s.acor)
			if s.quad {
				s.znQ[s.qmax].CopyFrom(s.acorQ)
			}
			if s.sensi {
				for is := 0; is < s.ns; is++ {
					s.znS[s.qmax][is].CopyFrom(s.acorS[is])
				}
			}
			s.savedTq5 = s.tq[5]
			s.indxAcor = s.qmax
		}
	}
}
