package solver

import (
	"fmt"
	"math"

	"github.com/avholm/nordstep/internal/vec"
)

const (
	adamsQMax = 12 // max order, Adams-Moulton
	bdfQMax   = 5  // max order, BDF
	maxL      = adamsQMax + 1
)

// Heuristic constants of the step/order control algorithm. They are
// empirically tuned; tests treat them as calibration data, not as derived
// quantities.
const (
	etaMax1   = 10000.0 // max step growth on the first step
	etaMax2   = 10.0    // max step growth during the first smallNst steps
	etaMax3   = 10.0    // max step growth thereafter
	etaMaxFx  = 0.2     // cap on eta after smallNef error test failures
	etaMin    = 0.1     // floor on eta after an error test failure
	etaCF     = 0.25    // eta after a nonlinear convergence failure
	smallNst  = 10      // nst threshold for switching etaMax2 -> etaMax3
	mxNef1    = 3       // error test failures before forcing order 1
	smallNef  = 2       // error test failures before capping eta at etaMaxFx
	longWait  = 10      // steps to wait before a q change after zn reload
	thresh    = 1.5     // eta deadband: below this, keep the current step
	bias1     = 6.0     // bias on the order q-1 error estimate
	bias2     = 6.0     // bias on the order q error estimate
	bias3     = 10.0    // bias on the order q+1 error estimate
	addon     = 1e-6    // safety addend in the eta formulas
	crDown    = 0.3     // convergence rate estimate damping
	rDiv      = 2.0     // corrector divergence threshold
	msbp      = 20      // max steps between linear solver setups
	dgMax     = 0.3     // |gamma/gammap - 1| threshold for a new setup
	fuzzFac   = 100.0   // roundoff fuzz factor for time comparisons
	hlbFactor = 100.0   // lower bound factor in the initial step heuristic
	hubFactor = 0.1     // upper bound factor in the initial step heuristic
	h0Iters   = 4       // max iterations of the initial step heuristic
)

// Configuration defaults.
const (
	defaultMaxSteps      = 500
	defaultMaxHnilWarns  = 10
	defaultMaxErrFails   = 7
	defaultMaxConvFails  = 10
	defaultMaxNonlinIter = 3
	defaultNlsCoef       = 0.1
)

// internal flags threaded through the corrector/error-test state machine
type nFlag int

const (
	firstCall nFlag = iota
	prevConvFail
	prevErrFail
	convSuccess
	convFail      // recoverable nonlinear convergence failure
	setupFailFlag // unrecoverable linear setup failure
	solveFailFlag // unrecoverable linear solve failure
	tryAgain      // retry Newton with a fresh Jacobian
)

// Solver integrates y' = f(t,y) with an adaptive variable-order,
// variable-step linear multistep method, holding the solution history as
// a Nordsieck array of scaled derivatives. An instance is owned by a
// single call sequence; concurrent problems need independent instances.
type Solver struct {
	uround float64

	// problem specification
	f         RhsFunc
	method    Method
	iter      Iteration
	n         int
	reltol    float64
	abstol    float64
	abstolVec vec.Vector // per-component, nil when scalar
	tolSet    bool

	// quadrature sub-state
	quad       bool
	fQ         QuadRhsFunc
	nq         int
	errconQ    bool
	reltolQ    float64
	abstolQ    float64
	abstolQVec vec.Vector

	// sensitivity sub-state
	sensi    bool
	ns       int
	fS       SensRhsFunc
	fS1      SensRhs1Func
	fSDQ     bool
	ism      SensMethod
	p        []float64
	pbar     []float64
	plist    []int
	reltolS  float64
	abstolS  []float64
	stolSet  bool
	rhomax   float64
	dqtype   DQType
	errconS  bool
	maxcorS  int

	// Nordsieck history: zn[j] = (h^j/j!) d^j y/dt^j
	zn  [maxL]vec.Vector
	znQ [maxL]vec.Vector
	znS [maxL][]vec.Vector

	// solver workspace, state-shaped
	ewt   vec.Vector
	y     vec.Vector
	acor  vec.Vector
	tempv vec.Vector
	ftemp vec.Vector

	// quadrature-shaped workspace
	ewtQ   vec.Vector
	yQ     vec.Vector
	acorQ  vec.Vector
	tempvQ vec.Vector

	// per-direction sensitivity workspace
	ewtS   []vec.Vector
	yS     []vec.Vector
	acorS  []vec.Vector
	tempvS []vec.Vector
	ftempS []vec.Vector
	dqtmp1 vec.Vector // difference quotient scratch
	dqtmp2 vec.Vector

	tstopSet bool
	tstop    float64

	// step data
	q      int
	qprime int
	nextQ  int
	qwait  int

	hin    float64
	h      float64
	hprime float64
	nextH  float64
	eta    float64
	hscale float64
	tn     float64

	tau [maxL + 1]float64 // previous step sizes, tau[1..q+1]
	tq  [6]float64        // error test quantities, tq[1..5]
	l   [maxL]float64     // corrector polynomial coefficients, l[0..q]

	rl1    float64 // 1/l[1]
	gamma  float64 // h/l[1]
	gammap float64 // gamma at the last setup call
	gamrat float64 // gamma/gammap

	crate   float64 // estimated corrector convergence rate
	crateS  float64
	acnrm   float64
	acnrmS  float64
	acnrmQ  float64
	nlscoef float64
	mnewt   int
	ncfS1   []int // per-direction conv failures this step (Staggered1)

	// limits
	qmax    int
	mxstep  int64
	maxcor  int
	mxhnil  int
	maxnef  int
	maxncf  int
	hmin    float64
	hmaxInv float64
	etamax  float64

	// counters
	nst     int64
	nfe     int64
	nfSe    int64
	nfQe    int64
	nfeS    int64
	ncfn    int64
	ncfnS   int64
	ncfnS1  []int64
	nni     int64
	nniS    int64
	nniS1   []int64
	netf     int64
	netfS    int64
	netfQ    int64
	nsetups  int64
	nsetupsS int64
	nhnil    int

	// step size ratios at orders q-1, q, q+1
	etaqm1 float64
	etaq   float64
	etaqp1 float64

	// linear solver binding
	lsolver      LinearSolver
	jcur         bool
	setupNonNull bool
	forceSetup   bool

	// saved values
	qu       int
	nstlp    int64
	h0u      float64
	hu       float64
	savedTq5 float64
	tolsf    float64
	tretlast float64
	indxAcor int

	// stability limit detection (BDF, q >= 3)
	sldeton bool
	ssdat   [7][5]float64 // rolling scaled step/error window, 1-based
	nscon   int
	nor     int64

	failErr error // unrecoverable backend error pending report

	initDone      bool
	initSetupDone bool
}

// New returns an unconfigured solver for the given method family and
// corrector iteration. Init must be called before Advance.
func New(method Method, iter Iteration) *Solver {
	s := &Solver{
		uround:  math.Nextafter(1, 2) - 1,
		method:  method,
		iter:    iter,
		mxstep:  defaultMaxSteps,
		mxhnil:  defaultMaxHnilWarns,
		maxnef:  defaultMaxErrFails,
		maxncf:  defaultMaxConvFails,
		maxcor:  defaultMaxNonlinIter,
		maxcorS: defaultMaxNonlinIter,
		nlscoef: defaultNlsCoef,
		rhomax:  0,
		dqtype:  Centered,
	}
	if method == Adams {
		s.qmax = adamsQMax
	} else {
		s.qmax = bdfQMax
	}
	return s
}

// Init specifies the problem: right-hand side, initial time and state.
// It allocates the solver workspace for the state dimension of y0.
func (s *Solver) Init(f RhsFunc, t0 float64, y0 vec.Vector) error {
	if f == nil {
		return fmt.Errorf("%w: nil right-hand side", ErrIllInput)
	}
	if len(y0) == 0 {
		return fmt.Errorf("%w: empty initial state", ErrIllInput)
	}
	if s.iter == Newton && s.method == Adams && s.qmax > adamsQMax {
		return fmt.Errorf("%w: bad max order", ErrIllInput)
	}

	s.f = f
	s.n = len(y0)
	s.tn = t0

	for j := 0; j <= s.qmax; j++ {
		s.zn[j] = vec.New(s.n)
	}
	s.ewt = vec.New(s.n)
	s.y = vec.New(s.n)
	s.acor = vec.New(s.n)
	s.tempv = vec.New(s.n)
	s.ftemp = vec.New(s.n)

	s.zn[0].CopyFrom(y0)

	s.q = 1
	s.qu = 0
	s.qwait = s.q + 1
	s.etamax = etaMax1
	s.hu = 0
	s.h0u = 0
	s.tolsf = 1

	s.nst = 0
	s.nfe = 0
	s.ncfn = 0
	s.netf = 0
	s.nni = 0
	s.nsetups = 0
	s.nhnil = 0
	s.nstlp = 0
	s.nscon = 0
	s.nor = 0

	s.initDone = true
	s.initSetupDone = false
	return nil
}

// SetTolerances sets a scalar relative and scalar absolute tolerance.
func (s *Solver) SetTolerances(reltol, abstol float64) error {
	if reltol < 0 || abstol < 0 {
		return fmt.Errorf("%w: negative tolerance", ErrIllInput)
	}
	if reltol == 0 && abstol == 0 {
		return fmt.Errorf("%w: reltol and abstol both zero", ErrIllInput)
	}
	s.reltol = reltol
	s.abstol = abstol
	s.abstolVec = nil
	s.tolSet = true
	return nil
}

// SetVectorTolerances sets a scalar relative and per-component absolute
// tolerance.
func (s *Solver) SetVectorTolerances(reltol float64, abstol vec.Vector) error {
	if reltol < 0 {
		return fmt.Errorf("%w: negative reltol", ErrIllInput)
	}
	if len(abstol) != s.n {
		return fmt.Errorf("%w: abstol length %d, state length %d", ErrIllInput, len(abstol), s.n)
	}
	for _, a := range abstol {
		if a < 0 {
			return fmt.Errorf("%w: negative abstol component", ErrIllInput)
		}
	}
	s.reltol = reltol
	s.abstolVec = abstol.Clone()
	s.tolSet = true
	return nil
}

// SetLinearSolver binds the linear solver plugin used by the Newton
// corrector. It is required when the solver was created with Newton.
func (s *Solver) SetLinearSolver(ls LinearSolver) {
	s.lsolver = ls
	s.setupNonNull = true
	s.forceSetup = true
}

// SetMaxOrder lowers the maximum method order. It must be called before
// Init since it bounds the history allocation.
func (s *Solver) SetMaxOrder(qmax int) error {
	limit := bdfQMax
	if s.method == Adams {
		limit = adamsQMax
	}
	if qmax < 1 || qmax > limit {
		return fmt.Errorf("%w: max order %d outside 1..%d", ErrIllInput, qmax, limit)
	}
	if s.initDone && qmax > s.qmax {
		return fmt.Errorf("%w: cannot raise max order after Init", ErrIllInput)
	}
	s.qmax = qmax
	return nil
}

// SetMaxSteps bounds the number of internal steps per Advance call.
func (s *Solver) SetMaxSteps(mxstep int64) {
	if mxstep <= 0 {
		s.mxstep = defaultMaxSteps
		return
	}
	s.mxstep = mxstep
}

// SetInitStep suggests the first step size; zero requests the internal
// heuristic.
func (s *Solver) SetInitStep(h0 float64) { s.hin = h0 }

// SetMinStep sets the minimum absolute step size.
func (s *Solver) SetMinStep(hmin float64) error {
	if hmin < 0 {
		return fmt.Errorf("%w: negative hmin", ErrIllInput)
	}
	if hmin*s.hmaxInv > 1 {
		return fmt.Errorf("%w: hmin > hmax", ErrIllInput)
	}
	s.hmin = hmin
	return nil
}

// SetMaxStep sets the maximum absolute step size; zero means unbounded.
func (s *Solver) SetMaxStep(hmax float64) error {
	if hmax < 0 {
		return fmt.Errorf("%w: negative hmax", ErrIllInput)
	}
	if hmax == 0 {
		s.hmaxInv = 0
		return nil
	}
	if s.hmin > hmax {
		return fmt.Errorf("%w: hmin > hmax", ErrIllInput)
	}
	s.hmaxInv = 1 / hmax
	return nil
}

// SetStopTime makes integration halt exactly at tstop.
func (s *Solver) SetStopTime(tstop float64) {
	s.tstop = tstop
	s.tstopSet = true
}

// ClearStopTime removes a previously set stop time.
func (s *Solver) ClearStopTime() { s.tstopSet = false }

// SetMaxErrTestFails bounds consecutive local error test failures.
func (s *Solver) SetMaxErrTestFails(maxnef int) {
	if maxnef <= 0 {
		s.maxnef = defaultMaxErrFails
		return
	}
	s.maxnef = maxnef
}

// SetMaxConvFails bounds consecutive nonlinear convergence failures.
func (s *Solver) SetMaxConvFails(maxncf int) {
	if maxncf <= 0 {
		s.maxncf = defaultMaxConvFails
		return
	}
	s.maxncf = maxncf
}

// SetMaxNonlinIters bounds corrector iterations per attempt.
func (s *Solver) SetMaxNonlinIters(maxcor int) {
	if maxcor <= 0 {
		s.maxcor = defaultMaxNonlinIter
		return
	}
	s.maxcor = maxcor
}

// SetNonlinConvCoef sets the safety coefficient in the corrector
// convergence test.
func (s *Solver) SetNonlinConvCoef(coef float64) {
	if coef <= 0 {
		s.nlscoef = defaultNlsCoef
		return
	}
	s.nlscoef = coef
}

// SetStabilityLimitDetection toggles the BDF order-reduction safeguard.
// It has no effect for Adams.
func (s *Solver) SetStabilityLimitDetection(on bool) error {
	if on && s.method != BDF {
		return fmt.Errorf("%w: stability limit detection needs BDF", ErrIllInput)
	}
	s.sldeton = on
	return nil
}

// Gamma returns h/l[1], the coefficient of the Newton matrix
// M = I - gamma*J. Linear solver backends read it during Setup.
func (s *Solver) Gamma() float64 { return s.gamma }

// Gamrat returns gamma/gammap, the drift since the last setup.
func (s *Solver) Gamrat() float64 { return s.gamrat }

// T returns the current internal time.
func (s *Solver) T() float64 { return s.tn }

// N returns the state dimension.
func (s *Solver) N() int { return s.n }

// Rhs invokes the user right-hand side and counts the evaluation.
// Linear solver backends use it for difference-quotient Jacobian data.
func (s *Solver) Rhs(t float64, y, ydot vec.Vector) {
	s.f(t, y, ydot)
	s.nfe++
}

// Method returns the multistep family the solver was created with.
func (s *Solver) Method() Method { return s.method }

// Steps returns the number of accepted internal steps so far.
func (s *Solver) Steps() int64 { return s.nst }

// StepSize returns the current internal step size.
func (s *Solver) StepSize() float64 { return s.h }

// ResidualTol returns the weighted norm allowance of the nonlinear
// convergence test. Iterative backends derive their linear solve
// tolerance from it.
func (s *Solver) ResidualTol() float64 { return s.tq[4] }

// EwtVector returns the current error weight vector. Backends may read
// it but must not modify it.
func (s *Solver) EwtVector() vec.Vector { return s.ewt }

// Free releases the linear solver binding. The solver itself is garbage
// collected; Free exists so backends holding external resources are shut
// down deterministically.
func (s *Solver) Free() {
	if s.lsolver != nil {
		s.lsolver.Free()
		s.lsolver = nil
	}
}

func (s *Solver) wrapErr(err error) error {
	return &SolverError{Step: s.nst, Time: s.tn, Wrapped: err}
}
