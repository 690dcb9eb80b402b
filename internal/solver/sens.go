package solver

import (
	"errors"
	"fmt"
	"math"

	"github.com/avholm/nordstep/internal/vec"
)

// Forward sensitivity analysis: Ns extra linear systems
//
//	s_i' = (df/dy) s_i + df/dp_i
//
// carried on their own Nordsieck arrays but always on the state's step
// size and order. The corrector sequencing policy (Simultaneous,
// Staggered, Staggered1) decides how the sensitivity solves interleave
// with the state solve; the Newton matrix is shared in every mode.

// SensInit enables forward sensitivity analysis with a batched
// right-hand side. Passing a nil fS selects the internal finite
// difference approximation, which requires SetSensParams.
func (s *Solver) SensInit(ns int, ism SensMethod, fS SensRhsFunc, yS0 []vec.Vector) error {
	if err := s.sensAlloc(ns, ism, yS0); err != nil {
		return err
	}
	s.fS = fS
	s.fS1 = nil
	s.fSDQ = fS == nil
	return nil
}

// SensInit1 enables forward sensitivity analysis with a per-direction
// right-hand side, required for the Staggered1 policy when the internal
// difference quotient is not used.
func (s *Solver) SensInit1(ns int, ism SensMethod, fS1 SensRhs1Func, yS0 []vec.Vector) error {
	if err := s.sensAlloc(ns, ism, yS0); err != nil {
		return err
	}
	s.fS = nil
	s.fS1 = fS1
	s.fSDQ = fS1 == nil
	return nil
}

func (s *Solver) sensAlloc(ns int, ism SensMethod, yS0 []vec.Vector) error {
	if !s.initDone {
		return fmt.Errorf("%w: SensInit before Init", ErrIllInput)
	}
	if s.nst > 0 {
		return fmt.Errorf("%w: SensInit after integration started", ErrIllInput)
	}
	if ns <= 0 {
		return fmt.Errorf("%w: Ns must be positive", ErrIllInput)
	}
	if len(yS0) != ns {
		return fmt.Errorf("%w: %d initial sensitivity vectors for Ns=%d", ErrIllInput, len(yS0), ns)
	}
	for _, v := range yS0 {
		if len(v) != s.n {
			return fmt.Errorf("%w: sensitivity vector length mismatch", ErrIllInput)
		}
	}

	s.ns = ns
	s.ism = ism
	s.errconS = true
	s.reltolS = -1 // derived from the state tolerances unless set

	for j := 0; j <= s.qmax; j++ {
		s.znS[j] = make([]vec.Vector, ns)
		for is := 0; is < ns; is++ {
			s.znS[j][is] = vec.New(s.n)
		}
	}
	s.ewtS = allocVecs(ns, s.n)
	s.yS = allocVecs(ns, s.n)
	s.acorS = allocVecs(ns, s.n)
	s.tempvS = allocVecs(ns, s.n)
	s.ftempS = allocVecs(ns, s.n)
	s.dqtmp1 = vec.New(s.n)
	s.dqtmp2 = vec.New(s.n)

	for is := 0; is < ns; is++ {
		s.znS[0][is].CopyFrom(yS0[is])
	}

	// identity parameter selection and unit scaling until SetSensParams
	s.plist = make([]int, ns)
	s.pbar = make([]float64, ns)
	for is := 0; is < ns; is++ {
		s.plist[is] = is
		s.pbar[is] = 1
	}

	// Staggered1 carries per-direction counters; the other modes do not.
	if ism == Staggered1 {
		s.ncfS1 = make([]int, ns)
		s.ncfnS1 = make([]int64, ns)
		s.nniS1 = make([]int64, ns)
	} else {
		s.ncfS1 = nil
		s.ncfnS1 = nil
		s.nniS1 = nil
	}

	s.nfSe = 0
	s.nfeS = 0
	s.ncfnS = 0
	s.nniS = 0
	s.netfS = 0
	s.sensi = true
	return nil
}

func allocVecs(ns, n int) []vec.Vector {
	vs := make([]vec.Vector, ns)
	for i := range vs {
		vs[i] = vec.New(n)
	}
	return vs
}

// SetSensParams identifies the problem parameters. p is the slice the
// right-hand side reads its parameters from; the internal difference
// quotient perturbs entries of p in place during evaluations and always
// restores them. plist maps each sensitivity to an index in p, pbar
// gives an order-of-magnitude scale per sensitivity (entries default
// to 1).
func (s *Solver) SetSensParams(p []float64, pbar []float64, plist []int) error {
	if !s.sensi {
		return fmt.Errorf("%w: sensitivities not initialized", ErrIllInput)
	}
	if s.fSDQ && p == nil {
		return fmt.Errorf("%w: internal DQ needs the parameter slice", ErrIllInput)
	}
	s.p = p
	if pbar != nil {
		if len(pbar) != s.ns {
			return fmt.Errorf("%w: pbar length %d, Ns %d", ErrIllInput, len(pbar), s.ns)
		}
		for is, b := range pbar {
			if b == 0 {
				return fmt.Errorf("%w: pbar[%d] is zero", ErrIllInput, is)
			}
			s.pbar[is] = math.Abs(b)
		}
	}
	if plist != nil {
		if len(plist) != s.ns {
			return fmt.Errorf("%w: plist length %d, Ns %d", ErrIllInput, len(plist), s.ns)
		}
		for is, j := range plist {
			if j < 0 || (p != nil && j >= len(p)) {
				return fmt.Errorf("%w: plist[%d] out of range", ErrIllInput, is)
			}
			s.plist[is] = j
		}
	}
	return nil
}

// SetSensTolerances overrides the derived sensitivity tolerances.
func (s *Solver) SetSensTolerances(reltolS float64, abstolS []float64) error {
	if !s.sensi {
		return fmt.Errorf("%w: sensitivities not initialized", ErrIllInput)
	}
	if reltolS < 0 {
		return fmt.Errorf("%w: negative reltolS", ErrIllInput)
	}
	if len(abstolS) != s.ns {
		return fmt.Errorf("%w: abstolS length %d, Ns %d", ErrIllInput, len(abstolS), s.ns)
	}
	s.reltolS = reltolS
	s.abstolS = append([]float64(nil), abstolS...)
	s.stolSet = true
	return nil
}

// SetSensErrControl includes or excludes the sensitivities from the
// local error test. They participate by default.
func (s *Solver) SetSensErrControl(on bool) { s.errconS = on }

// SetSensDQMethod selects the finite difference formula and the cutoff
// ratio rhomax that switches between the combined and separate
// perturbation variants.
func (s *Solver) SetSensDQMethod(dq DQType, rhomax float64) {
	s.dqtype = dq
	s.rhomax = rhomax
}

// SetSensMaxNonlinIters bounds the staggered corrector iterations.
func (s *Solver) SetSensMaxNonlinIters(maxcorS int) {
	if maxcorS <= 0 {
		s.maxcorS = defaultMaxNonlinIter
		return
	}
	s.maxcorS = maxcorS
}

// sensTolerancesDefault derives sensitivity tolerances from the state
// tolerances and pbar when the caller did not set them explicitly.
func (s *Solver) sensTolerancesDefault() {
	if s.stolSet {
		return
	}
	s.reltolS = s.reltol
	s.abstolS = make([]float64, s.ns)
	atol := s.abstol
	if s.abstolVec != nil {
		// collapse a component-wise tolerance to its smallest entry
		atol = s.abstolVec[0]
		for _, a := range s.abstolVec {
			if a < atol {
				atol = a
			}
		}
	}
	for is := 0; is < s.ns; is++ {
		s.abstolS[is] = atol / s.pbar[is]
	}
}

// sensRhs evaluates all sensitivity right-hand sides through whichever
// route is configured: batched callback, per-direction callback, or the
// internal difference quotient.
func (s *Solver) sensRhs(t float64, y, ydot vec.Vector, yS, ySdot []vec.Vector) {
	switch {
	case s.fS != nil:
		s.fS(t, y, ydot, yS, ySdot)
		s.nfSe++
	case s.fS1 != nil:
		for is := 0; is < s.ns; is++ {
			s.fS1(t, y, ydot, is, yS[is], ySdot[is])
			s.nfSe++
		}
	default:
		for is := 0; is < s.ns; is++ {
			s.sensRhs1DQ(t, y, ydot, is, yS[is], ySdot[is])
		}
	}
}

func (s *Solver) sensRhs1(t float64, y, ydot vec.Vector, is int, ySi, ySdoti vec.Vector) {
	switch {
	case s.fS1 != nil:
		s.fS1(t, y, ydot, is, ySi, ySdoti)
		s.nfSe++
	default:
		s.sensRhs1DQ(t, y, ydot, is, ySi, ySdoti)
	}
}

// sensRhs1DQ approximates s_i' = (df/dy)s_i + df/dp_i by directional
// finite differences of f, perturbing y along s_i and the parameter
// p[plist[i]] by pbar-scaled increments. When the two natural increments
// differ by more than rhomax the perturbations are applied separately;
// otherwise a single combined perturbation covers both terms.
func (s *Solver) sensRhs1DQ(t float64, y, ydot vec.Vector, is int, ySi, ySdoti vec.Vector) {
	which := s.plist[is]
	psave := s.p[which]
	pbari := s.pbar[is]

	delta := math.Sqrt(math.Max(s.reltol, s.uround))
	rdelta := 1 / delta

	deltap := pbari * delta
	norms := ySi.WrmsNorm(s.ewt) * pbari
	rdeltay := math.Max(norms, rdelta)
	deltay := 1 / rdeltay

	combined := true
	if s.rhomax != 0 {
		ratio := deltay / deltap
		if math.Max(1/ratio, ratio) > s.rhomax {
			combined = false
		}
	}

	ytemp, ftemp := s.dqtmp1, s.dqtmp2

	if combined {
		del := math.Min(deltay, deltap)
		if s.dqtype == Centered {
			r2del := 0.5 / del
			vec.LinearSum(ytemp, 1, y, del, ySi)
			s.p[which] = psave + del
			s.f(t, ytemp, ySdoti)
			s.nfeS++
			vec.LinearSum(ytemp, 1, y, -del, ySi)
			s.p[which] = psave - del
			s.f(t, ytemp, ftemp)
			s.nfeS++
			vec.LinearSum(ySdoti, r2del, ySdoti, -r2del, ftemp)
		} else {
			rdel := 1 / del
			vec.LinearSum(ytemp, 1, y, del, ySi)
			s.p[which] = psave + del
			s.f(t, ytemp, ySdoti)
			s.nfeS++
			vec.LinearSum(ySdoti, rdel, ySdoti, -rdel, ydot)
		}
	} else {
		// separate perturbations for the Jacobian and parameter terms
		if s.dqtype == Centered {
			r2deltay := 0.5 / deltay
			r2deltap := 0.5 / deltap
			vec.LinearSum(ytemp, 1, y, deltay, ySi)
			s.f(t, ytemp, ySdoti)
			s.nfeS++
			vec.LinearSum(ytemp, 1, y, -deltay, ySi)
			s.f(t, ytemp, ftemp)
			s.nfeS++
			vec.LinearSum(ySdoti, r2deltay, ySdoti, -r2deltay, ftemp)

			s.p[which] = psave + deltap
			s.f(t, y, ytemp)
			s.nfeS++
			s.p[which] = psave - deltap
			s.f(t, y, ftemp)
			s.nfeS++
			vec.LinearSum(ftemp, r2deltap, ytemp, -r2deltap, ftemp)
			vec.LinearSum(ySdoti, 1, ySdoti, 1, ftemp)
		} else {
			rdeltap := 1 / deltap
			vec.LinearSum(ytemp, 1, y, deltay, ySi)
			s.f(t, ytemp, ySdoti)
			s.nfeS++
			vec.LinearSum(ySdoti, rdeltay, ySdoti, -rdeltay, ydot)

			s.p[which] = psave + deltap
			s.f(t, y, ytemp)
			s.nfeS++
			vec.LinearSum(ftemp, rdeltap, ytemp, -rdeltap, ydot)
			vec.LinearSum(ySdoti, 1, ySdoti, 1, ftemp)
		}
	}

	s.p[which] = psave
}

// stgrNls solves all sensitivity correctors together after the state has
// converged (Staggered policy).
func (s *Solver) stgrNls() nFlag {
	if s.iter == Functional {
		return s.stgrNlsFunctional()
	}
	return s.stgrNlsNewton()
}

func (s *Solver) stgrNlsFunctional() nFlag {
	s.crateS = 1
	m := 0
	delS, delSp := 0.0, 0.0

	// the state corrector leaves only its correction behind, so refresh
	// the derivative at the converged y once for the whole solve
	s.f(s.tn, s.y, s.ftemp)
	s.nfe++
	for is := 0; is < s.ns; is++ {
		s.yS[is].CopyFrom(s.znS[0][is])
		s.acorS[is].SetConst(0)
	}
	s.sensRhs(s.tn, s.y, s.ftemp, s.yS, s.tempvS)

	for {
		s.nniS++
		delS = 0
		for is := 0; is < s.ns; is++ {
			vec.LinearSum(s.tempvS[is], s.h, s.tempvS[is], -1, s.znS[1][is])
			vec.Scale(s.tempvS[is], s.rl1, s.tempvS[is])
			vec.LinearSum(s.yS[is], 1, s.znS[0][is], 1, s.tempvS[is])
			vec.LinearSum(s.acorS[is], 1, s.tempvS[is], -1, s.acorS[is])
			if n := s.acorS[is].WrmsNorm(s.ewtS[is]); n > delS {
				delS = n
			}
			s.acorS[is].CopyFrom(s.tempvS[is])
		}

		if m > 0 {
			s.crateS = math.Max(crDown*s.crateS, delS/delSp)
		}
		dcon := delS * math.Min(1, s.crateS) / s.tq[4]
		if dcon <= 1 {
			if m == 0 {
				s.acnrmS = delS
			} else {
				s.acnrmS = s.sensNorm(s.acorS, s.ewtS)
			}
			return convSuccess
		}

		m++
		if m == s.maxcorS || (m >= 2 && delS > rDiv*delSp) {
			return convFail
		}
		delSp = delS
		s.sensRhs(s.tn, s.y, s.ftemp, s.yS, s.tempvS)
	}
}

func (s *Solver) stgrNlsNewton() nFlag {
	for {
		for is := 0; is < s.ns; is++ {
			s.yS[is].CopyFrom(s.znS[0][is])
			s.acorS[is].SetConst(0)
		}
		s.sensRhs(s.tn, s.y, s.ftemp, s.yS, s.ftempS)

		ier := s.stgrNewtonIteration()
		if ier != tryAgain {
			return ier
		}

		// stale Jacobian data: refresh it and retry once
		jcur, err := s.lsolver.Setup(s, FailBadJ, s.y, s.ftemp)
		s.nsetups++
		s.nsetupsS++
		s.jcur = jcur
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
}

func (s *Solver) stgrNewtonIteration() nFlag {
	m := 0
	delS, delSp := 0.0, 0.0

	for {
		for is := 0; is < s.ns; is++ {
			vec.LinearSum(s.tempvS[is], s.rl1, s.znS[1][is], 1, s.acorS[is])
			vec.LinearSum(s.tempvS[is], s.gamma, s.ftempS[is], -1, s.tempvS[is])
		}

		delS = 0
		for is := 0; is < s.ns; is++ {
			bS := s.tempvS[is]
			err := s.lsolver.Solve(s, bS, s.ewtS[is], s.y, s.ftemp)
			s.nniS++
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
			if n := bS.WrmsNorm(s.ewtS[is]); n > delS {
				delS = n
			}
			vec.LinearSum(s.acorS[is], 1, s.acorS[is], 1, bS)
			vec.LinearSum(s.yS[is], 1, s.znS[0][is], 1, s.acorS[is])
		}

		if m > 0 {
			s.crateS = math.Max(crDown*s.crateS, delS/delSp)
		}
		dcon := delS * math.Min(1, s.crateS) / s.tq[4]
		if dcon <= 1 {
			if m == 0 {
				s.acnrmS = delS
			} else {
				s.acnrmS = s.sensNorm(s.acorS, s.ewtS)
			}
			s.jcur = false
			return convSuccess
		}

		m++
		if m == s.maxcorS || (m >= 2 && delS > rDiv*delSp) {
			if !s.jcur && s.setupNonNull {
				return tryAgain
			}
			return convFail
		}
		delSp = delS
		s.sensRhs(s.tn, s.y, s.ftemp, s.yS, s.ftempS)
	}
}

// stgr1Nls solves the corrector for one sensitivity direction
// (Staggered1 policy).
func (s *Solver) stgr1Nls(is int) nFlag {
	if s.iter == Functional {
		return s.stgr1NlsFunctional(is)
	}
	return s.stgr1NlsNewton(is)
}

func (s *Solver) stgr1NlsFunctional(is int) nFlag {
	s.crateS = 1
	m := 0
	del, delp := 0.0, 0.0

	s.f(s.tn, s.y, s.ftemp)
	s.nfe++
	s.yS[is].CopyFrom(s.znS[0][is])
	s.acorS[is].SetConst(0)
	s.sensRhs1(s.tn, s.y, s.ftemp, is, s.yS[is], s.tempvS[is])

	for {
		s.nniS1[is]++
		s.nniS++
		vec.LinearSum(s.tempvS[is], s.h, s.tempvS[is], -1, s.znS[1][is])
		vec.Scale(s.tempvS[is], s.rl1, s.tempvS[is])
		vec.LinearSum(s.yS[is], 1, s.znS[0][is], 1, s.tempvS[is])
		vec.LinearSum(s.acorS[is], 1, s.tempvS[is], -1, s.acorS[is])
		del = s.acorS[is].WrmsNorm(s.ewtS[is])
		s.acorS[is].CopyFrom(s.tempvS[is])

		if m > 0 {
			s.crateS = math.Max(crDown*s.crateS, del/delp)
		}
		dcon := del * math.Min(1, s.crateS) / s.tq[4]
		if dcon <= 1 {
			return convSuccess
		}

		m++
		if m == s.maxcorS || (m >= 2 && del > rDiv*delp) {
			return convFail
		}
		delp = del
		s.sensRhs1(s.tn, s.y, s.ftemp, is, s.yS[is], s.tempvS[is])
	}
}

func (s *Solver) stgr1NlsNewton(is int) nFlag {
	for {
		s.yS[is].CopyFrom(s.znS[0][is])
		s.acorS[is].SetConst(0)
		s.sensRhs1(s.tn, s.y, s.ftemp, is, s.yS[is], s.ftempS[is])

		ier := s.stgr1NewtonIteration(is)
		if ier != tryAgain {
			return ier
		}

		jcur, err := s.lsolver.Setup(s, FailBadJ, s.y, s.ftemp)
		s.nsetups++
		s.nsetupsS++
		s.jcur = jcur
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
}

func (s *Solver) stgr1NewtonIteration(is int) nFlag {
	m := 0
	del, delp := 0.0, 0.0

	for {
		vec.LinearSum(s.tempvS[is], s.rl1, s.znS[1][is], 1, s.acorS[is])
		vec.LinearSum(s.tempvS[is], s.gamma, s.ftempS[is], -1, s.tempvS[is])
		bS := s.tempvS[is]

		err := s.lsolver.Solve(s, bS, s.ewtS[is], s.y, s.ftemp)
		s.nniS1[is]++
		s.nniS++
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

		del = bS.WrmsNorm(s.ewtS[is])
		vec.LinearSum(s.acorS[is], 1, s.acorS[is], 1, bS)
		vec.LinearSum(s.yS[is], 1, s.znS[0][is], 1, s.acorS[is])

		if m > 0 {
			s.crateS = math.Max(crDown*s.crateS, del/delp)
		}
		dcon := del * math.Min(1, s.crateS) / s.tq[4]
		if dcon <= 1 {
			s.jcur = false
			return convSuccess
		}

		m++
		if m == s.maxcorS || (m >= 2 && del > rDiv*delp) {
			if !s.jcur && s.setupNonNull {
				return tryAgain
			}
			return convFail
		}
		delp = del

		s.sensRhs1(s.tn, s.y, s.ftemp, is, s.yS[is], s.ftempS[is])
	}
}

// stgr1HandleNFlag routes a per-direction corrector outcome through the
// shared retry machinery, charging the direction's own counters.
func (s *Solver) stgr1HandleNFlag(nflagP *nFlag, savedT float64, is int) (bool, error) {
	return s.handleNFlag(nflagP, savedT, &s.ncfS1[is], &s.ncfnS1[is])
}
