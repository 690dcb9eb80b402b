package solver

import (
	"errors"
	"math"

	"github.com/avholm/nordstep/internal/vec"
)

// Nonlinear corrector. Each step solves the implicit corrector equation
//
//	y_n = gamma*f(t_n, y_n) + (history terms)
//
// for y_n, by fixed-point iteration (Functional) or by a modified Newton
// iteration through the linear solver plugin. The iterate is carried as
// acor = y - y_pred so the convergence test and the error estimate share
// one vector.

// failErr holds the unrecoverable backend error for reporting.

func (s *Solver) nls(flag nFlag) nFlag {
	switch s.iter {
	case Functional:
		return s.nlsFunctional()
	default:
		return s.nlsNewton(flag)
	}
}

func (s *Solver) sensSimultaneous() bool {
	return s.sensi && s.ism == Simultaneous
}

// nlsFunctional performs the fixed-point iteration
// y_(m+1) = y_pred + (h*f(t, y_m) - zn[1]) / l[1], together with the
// analogous sensitivity update in Simultaneous mode.
func (s *Solver) nlsFunctional() nFlag {
	s.crate = 1
	s.crateS = 1
	m := 0
	del, delp := 0.0, 0.0

	s.f(s.tn, s.zn[0], s.tempv)
	s.nfe++
	if s.sensSimultaneous() {
		for is := 0; is < s.ns; is++ {
			s.yS[is].CopyFrom(s.znS[0][is])
		}
		s.sensRhs(s.tn, s.zn[0], s.tempv, s.yS, s.tempvS)
	}

	s.acor.SetConst(0)
	if s.sensSimultaneous() {
		for is := 0; is < s.ns; is++ {
			s.acorS[is].SetConst(0)
		}
	}

	for {
		s.nni++
		vec.LinearSum(s.tempv, s.h, s.tempv, -1, s.zn[1])
		vec.Scale(s.tempv, s.rl1, s.tempv)
		vec.LinearSum(s.y, 1, s.zn[0], 1, s.tempv)

		// increment norm from the change in acor
		vec.LinearSum(s.acor, 1, s.tempv, -1, s.acor)
		del = s.acor.WrmsNorm(s.ewt)
		s.acor.CopyFrom(s.tempv)

		cDel := del
		if s.sensSimultaneous() {
			for is := 0; is < s.ns; is++ {
				vec.LinearSum(s.tempvS[is], s.h, s.tempvS[is], -1, s.znS[1][is])
				vec.Scale(s.tempvS[is], s.rl1, s.tempvS[is])
				vec.LinearSum(s.yS[is], 1, s.znS[0][is], 1, s.tempvS[is])
				vec.LinearSum(s.acorS[is], 1, s.tempvS[is], -1, s.acorS[is])
			}
			cDel = s.sensUpdateNorm(del, s.acorS, s.ewtS)
			for is := 0; is < s.ns; is++ {
				s.acorS[is].CopyFrom(s.tempvS[is])
			}
		}

		if m > 0 {
			s.crate = math.Max(crDown*s.crate, cDel/delp)
		}
		dcon := cDel * math.Min(1, s.crate) / s.tq[4]
		if dcon <= 1 {
			if s.sensSimultaneous() && s.errconS {
				if m == 0 {
					s.acnrm = cDel
				} else {
					s.acnrm = s.sensUpdateNorm(s.acor.WrmsNorm(s.ewt), s.acorS, s.ewtS)
				}
			} else {
				if m == 0 {
					s.acnrm = del
				} else {
					s.acnrm = s.acor.WrmsNorm(s.ewt)
				}
			}
			return convSuccess
		}

		m++
		if m == s.maxcor || (m >= 2 && cDel > rDiv*delp) {
			return convFail
		}
		delp = cDel

		s.f(s.tn, s.y, s.tempv)
		s.nfe++
		if s.sensSimultaneous() {
			s.sensRhs(s.tn, s.y, s.tempv, s.yS, s.tempvS)
		}
	}
}

// nlsNewton drives the modified Newton iteration, deciding per attempt
// whether the linear solver setup must run and with which convfail code.
func (s *Solver) nlsNewton(flag nFlag) nFlag {
	convfail := FailOther
	if flag == firstCall || flag == prevErrFail {
		convfail = NoFailures
	}

	callSetup := false
	if s.setupNonNull {
		dgamrat := math.Abs(s.gamrat - 1)
		callSetup = flag == prevConvFail || flag == prevErrFail ||
			s.nst == 0 || s.nst >= s.nstlp+msbp || dgamrat > dgMax ||
			s.forceSetup
	} else {
		s.crate = 1
		s.crateS = 1
	}

	for {
		s.y.CopyFrom(s.zn[0])
		s.f(s.tn, s.y, s.ftemp)
		s.nfe++
		if s.sensSimultaneous() {
			for is := 0; is < s.ns; is++ {
				s.yS[is].CopyFrom(s.znS[0][is])
			}
			s.sensRhs(s.tn, s.y, s.ftemp, s.yS, s.ftempS)
		}

		if callSetup {
			jcur, err := s.lsolver.Setup(s, convfail, s.y, s.ftemp)
			s.nsetups++
			s.jcur = jcur
			callSetup = false
			s.forceSetup = false
			s.gamrat = 1
			s.gammap = s.gamma
			s.crate = 1
			s.crateS = 1
			s.nstlp = s.nst
			if err != nil {
				if errors.Is(err, ErrRecoverable) {
					return convFail
				}
				s.failErr = err
				return setupFailFlag
			}
		}

		s.acor.SetConst(0)
		if s.sensSimultaneous() {
			for is := 0; is < s.ns; is++ {
				s.acorS[is].SetConst(0)
			}
		}

		ier := s.newtonIteration()
		if ier != tryAgain {
			return ier
		}

		// convergence failure with stale Jacobian data: one retry with a
		// forced setup
		callSetup = true
		convfail = FailBadJ
	}
}

func (s *Solver) newtonIteration() nFlag {
	m := 0
	s.mnewt = 0
	del, delp := 0.0, 0.0

	for {
		// residual b = gamma*f(y_m) - (zn[1]/l[1] + acor)
		vec.LinearSum(s.tempv, s.rl1, s.zn[1], 1, s.acor)
		vec.LinearSum(s.tempv, s.gamma, s.ftemp, -1, s.tempv)
		b := s.tempv

		err := s.lsolver.Solve(s, b, s.ewt, s.y, s.ftemp)
		s.nni++
		if err != nil {
			if errors.Is(err, ErrRecoverable) {
				if !s.jcur && s.setupNonNull {
					return tryAgain
				}
				return convFail
			}
			s.failErr = err
			return solveFailFlag
		}

		del = b.WrmsNorm(s.ewt)
		vec.LinearSum(s.acor, 1, s.acor, 1, b)
		vec.LinearSum(s.y, 1, s.zn[0], 1, s.acor)

		cDel := del
		if s.sensSimultaneous() {
			delS, sflag := s.newtonIterationSens()
			if sflag == solveFailFlag {
				return solveFailFlag
			}
			if sflag == convFail {
				if !s.jcur && s.setupNonNull {
					return tryAgain
				}
				return convFail
			}
			cDel = math.Max(del, delS)
		}

		if m > 0 {
			s.crate = math.Max(crDown*s.crate, cDel/delp)
		}
		dcon := cDel * math.Min(1, s.crate) / s.tq[4]
		if dcon <= 1 {
			if s.sensSimultaneous() && s.errconS {
				if m == 0 {
					s.acnrm = cDel
				} else {
					s.acnrm = s.sensUpdateNorm(s.acor.WrmsNorm(s.ewt), s.acorS, s.ewtS)
				}
			} else {
				if m == 0 {
					s.acnrm = del
				} else {
					s.acnrm = s.acor.WrmsNorm(s.ewt)
				}
			}
			s.jcur = false
			return convSuccess
		}

		m++
		s.mnewt = m
		if m == s.maxcor || (m >= 2 && cDel > rDiv*delp) {
			if !s.jcur && s.setupNonNull {
				return tryAgain
			}
			return convFail
		}
		delp = cDel

		s.f(s.tn, s.y, s.ftemp)
		s.nfe++
		if s.sensSimultaneous() {
			s.sensRhs(s.tn, s.y, s.ftemp, s.yS, s.ftempS)
		}
	}
}

// newtonIterationSens performs one Newton update of every sensitivity
// direction inside a Simultaneous iteration, reusing the state Newton
// matrix. It returns the max-merged increment norm and convSuccess, or
// convFail/solveFailFlag when a solve failed.
func (s *Solver) newtonIterationSens() (float64, nFlag) {
	delS := 0.0
	for is := 0; is < s.ns; is++ {
		vec.LinearSum(s.tempvS[is], s.rl1, s.znS[1][is], 1, s.acorS[is])
		vec.LinearSum(s.tempvS[is], s.gamma, s.ftempS[is], -1, s.tempvS[is])
		bS := s.tempvS[is]

		err := s.lsolver.Solve(s, bS, s.ewtS[is], s.y, s.ftemp)
		if err != nil {
			if errors.Is(err, ErrRecoverable) {
				return 0, convFail
			}
			s.failErr = err
			return 0, solveFailFlag
		}

		if n := bS.WrmsNorm(s.ewtS[is]); n > delS {
			delS = n
		}
		vec.LinearSum(s.acorS[is], 1, s.acorS[is], 1, bS)
		vec.LinearSum(s.yS[is], 1, s.znS[0][is], 1, s.acorS[is])
	}
	return delS, convSuccess
}
