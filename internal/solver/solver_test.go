package solver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"gonum.org/v1/gonum/floats/scalar"

	"github.com/avholm/nordstep/internal/vec"
)

// geSolver is a minimal dense Newton backend for the tests in this
// package: difference quotient Jacobian, Gaussian elimination with
// partial pivoting, no caching.
type geSolver struct {
	n            int
	m            [][]float64
	ytemp, ftemp vec.Vector
}

func (g *geSolver) Init(s *Solver) error {
	g.n = s.N()
	g.m = make([][]float64, g.n)
	for i := range g.m {
		g.m[i] = make([]float64, g.n+1)
	}
	g.ytemp = vec.New(g.n)
	g.ftemp = vec.New(g.n)
	return nil
}

func (g *geSolver) Setup(s *Solver, convfail ConvFail, ypred, fpred vec.Vector) (bool, error) {
	srur := math.Sqrt(math.Nextafter(1, 2) - 1)
	gamma := s.Gamma()
	ewt := s.EwtVector()

	g.ytemp.CopyFrom(ypred)
	for j := 0; j < g.n; j++ {
		saved := g.ytemp[j]
		inc := math.Max(srur*math.Abs(saved), 0.01/ewt[j])
		g.ytemp[j] += inc
		s.Rhs(s.T(), g.ytemp, g.ftemp)
		g.ytemp[j] = saved
		for i := 0; i < g.n; i++ {
			jac := (g.ftemp[i] - fpred[i]) / inc
			g.m[i][j] = -gamma * jac
			if i == j {
				g.m[i][j]++
			}
		}
	}
	return true, nil
}

func (g *geSolver) Solve(s *Solver, b, weight, ycur, fcur vec.Vector) error {
	n := g.n
	a := make([][]float64, n)
	for i := range a {
		a[i] = append([]float64(nil), g.m[i][:n]...)
		a[i] = append(a[i], b[i])
	}
	for k := 0; k < n; k++ {
		p := k
		for i := k + 1; i < n; i++ {
			if math.Abs(a[i][k]) > math.Abs(a[p][k]) {
				p = i
			}
		}
		a[k], a[p] = a[p], a[k]
		if a[k][k] == 0 {
			return errors.New("singular test matrix")
		}
		for i := k + 1; i < n; i++ {
			f := a[i][k] / a[k][k]
			for j := k; j <= n; j++ {
				a[i][j] -= f * a[k][j]
			}
		}
	}
	for i := n - 1; i >= 0; i-- {
		sum := a[i][n]
		for j := i + 1; j < n; j++ {
			sum -= a[i][j] * b[j]
		}
		b[i] = sum / a[i][i]
	}
	if s.Method() == BDF && s.Gamrat() != 1 {
		vec.Scale(b, 2/(1+s.Gamrat()), b)
	}
	return nil
}

func (g *geSolver) Free() {}

func TestDecayAdamsFunctional(t *testing.T) {
	lambda := 2.0
	s := New(Adams, Functional)
	if err := s.Init(func(tt float64, y, ydot vec.Vector) {
		ydot[0] = -lambda * y[0]
	}, 0, vec.Vector{1}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTolerances(1e-8, 1e-12); err != nil {
		t.Fatal(err)
	}
	s.SetMaxSteps(10000)

	yout := vec.New(1)
	tret, flag, err := s.Advance(context.Background(), 2, yout, Normal)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if flag != FlagSuccess {
		t.Fatalf("flag = %v", flag)
	}
	if tret != 2 {
		t.Fatalf("tret = %g, want 2", tret)
	}

	want := math.Exp(-lambda * 2)
	if !scalar.EqualWithinAbs(yout[0], want, 1e-6) {
		t.Errorf("y(2) = %g, want %g", yout[0], want)
	}
}

func TestOscillatorAccuracy(t *testing.T) {
	w := 2.0
	s := New(Adams, Functional)
	if err := s.Init(func(tt float64, y, ydot vec.Vector) {
		ydot[0] = y[1]
		ydot[1] = -w * w * y[0]
	}, 0, vec.Vector{1, 0}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTolerances(1e-9, 1e-11); err != nil {
		t.Fatal(err)
	}
	s.SetMaxSteps(200000)

	yout := vec.New(2)
	tout := 20.0
	if _, _, err := s.Advance(context.Background(), tout, yout, Normal); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	if !scalar.EqualWithinAbs(yout[0], math.Cos(w*tout), 1e-5) {
		t.Errorf("position = %g, want %g", yout[0], math.Cos(w*tout))
	}
	if !scalar.EqualWithinAbs(yout[1], -w*math.Sin(w*tout), 1e-4) {
		t.Errorf("velocity = %g, want %g", yout[1], -w*math.Sin(w*tout))
	}

	st := s.GetStats()
	if st.Steps == 0 || st.RhsEvals < st.Steps {
		t.Errorf("implausible stats: %+v", st)
	}
}

func TestStiffNewtonBDF(t *testing.T) {
	// Prothero-Robinson: y' = lambda*(y - cos t) - sin t has the
	// stiffness-independent solution y = cos t for y(0) = 1.
	lambda := -1e4
	s := New(BDF, Newton)
	if err := s.Init(func(tt float64, y, ydot vec.Vector) {
		ydot[0] = lambda*(y[0]-math.Cos(tt)) - math.Sin(tt)
	}, 0, vec.Vector{1}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTolerances(1e-6, 1e-10); err != nil {
		t.Fatal(err)
	}
	s.SetLinearSolver(&geSolver{})
	s.SetMaxSteps(50000)

	yout := vec.New(1)
	tout := 10.0
	if _, _, err := s.Advance(context.Background(), tout, yout, Normal); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if !scalar.EqualWithinAbs(yout[0], math.Cos(tout), 1e-4) {
		t.Errorf("y(%g) = %g, want %g", tout, yout[0], math.Cos(tout))
	}

	st := s.GetStats()
	if st.LinSolvSetups == 0 {
		t.Error("Newton iteration reported no linear solver setups")
	}
	if st.NonlinIters == 0 {
		t.Error("Newton iteration reported no corrector iterations")
	}
	// a stiff problem at these tolerances must not need anywhere near
	// the explicit-method step count
	if st.Steps > 5000 {
		t.Errorf("took %d steps, stiff solver should need far fewer", st.Steps)
	}
}

func TestOneStepTask(t *testing.T) {
	s := New(Adams, Functional)
	if err := s.Init(func(tt float64, y, ydot vec.Vector) {
		ydot[0] = -y[0]
	}, 0, vec.Vector{1}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTolerances(1e-6, 1e-10); err != nil {
		t.Fatal(err)
	}

	yout := vec.New(1)
	prev := 0.0
	for i := 0; i < 20; i++ {
		tret, _, err := s.Advance(context.Background(), 10, yout, OneStep)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if tret <= prev {
			t.Fatalf("time did not advance: %g -> %g", prev, tret)
		}
		want := math.Exp(-tret)
		if !scalar.EqualWithinAbs(yout[0], want, 1e-4) {
			t.Errorf("y(%g) = %g, want %g", tret, yout[0], want)
		}
		prev = tret
	}
}

func TestStopTime(t *testing.T) {
	s := New(Adams, Functional)
	if err := s.Init(func(tt float64, y, ydot vec.Vector) {
		ydot[0] = -y[0]
	}, 0, vec.Vector{1}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTolerances(1e-6, 1e-10); err != nil {
		t.Fatal(err)
	}
	s.SetStopTime(1.5)
	s.SetMaxSteps(10000)

	yout := vec.New(1)
	tret, flag, err := s.Advance(context.Background(), 10, yout, Normal)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if flag != FlagTstopReturn {
		t.Fatalf("flag = %v, want FlagTstopReturn", flag)
	}
	if tret != 1.5 {
		t.Fatalf("tret = %g, want 1.5", tret)
	}
	if !scalar.EqualWithinAbs(yout[0], math.Exp(-1.5), 1e-5) {
		t.Errorf("y(tstop) = %g, want %g", yout[0], math.Exp(-1.5))
	}

	// tstop is consumed; the next call runs on to tout
	tret, flag, err = s.Advance(context.Background(), 3, yout, Normal)
	if err != nil {
		t.Fatalf("second Advance: %v", err)
	}
	if flag != FlagSuccess || tret != 3 {
		t.Fatalf("tret = %g flag = %v after clearing tstop", tret, flag)
	}
}

func TestBackwardIntegration(t *testing.T) {
	s := New(Adams, Functional)
	if err := s.Init(func(tt float64, y, ydot vec.Vector) {
		ydot[0] = -y[0]
	}, 0, vec.Vector{1}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTolerances(1e-8, 1e-12); err != nil {
		t.Fatal(err)
	}
	s.SetMaxSteps(10000)

	yout := vec.New(1)
	tret, _, err := s.Advance(context.Background(), -1, yout, Normal)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if tret != -1 {
		t.Fatalf("tret = %g, want -1", tret)
	}
	if !scalar.EqualWithinAbs(yout[0], math.E, 1e-6) {
		t.Errorf("y(-1) = %g, want e", yout[0])
	}
}

func TestGetDky(t *testing.T) {
	s := New(Adams, Functional)
	if err := s.Init(func(tt float64, y, ydot vec.Vector) {
		ydot[0] = -y[0]
	}, 0, vec.Vector{1}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTolerances(1e-8, 1e-12); err != nil {
		t.Fatal(err)
	}
	s.SetMaxSteps(10000)

	yout := vec.New(1)
	if _, _, err := s.Advance(context.Background(), 2, yout, Normal); err != nil {
		t.Fatal(err)
	}

	// k=0 at the last internal time must reproduce the current state
	dky := vec.New(1)
	tn := s.T()
	if err := s.GetDky(tn, 0, dky); err != nil {
		t.Fatalf("GetDky: %v", err)
	}
	if !scalar.EqualWithinAbs(dky[0], math.Exp(-tn), 1e-6) {
		t.Errorf("dky0 = %g, want %g", dky[0], math.Exp(-tn))
	}

	// first derivative must match f(t, y) = -y
	if err := s.GetDky(tn, 1, dky); err != nil {
		t.Fatalf("GetDky k=1: %v", err)
	}
	if !scalar.EqualWithinAbs(dky[0], -math.Exp(-tn), 1e-4) {
		t.Errorf("dky1 = %g, want %g", dky[0], -math.Exp(-tn))
	}

	if err := s.GetDky(tn, 99, dky); !errors.Is(err, ErrBadK) {
		t.Errorf("bad k error = %v, want ErrBadK", err)
	}
	if err := s.GetDky(tn-1e3, 0, dky); !errors.Is(err, ErrBadT) {
		t.Errorf("bad t error = %v, want ErrBadT", err)
	}
}

func TestMaxStepsExceeded(t *testing.T) {
	s := New(Adams, Functional)
	if err := s.Init(func(tt float64, y, ydot vec.Vector) {
		ydot[0] = y[1]
		ydot[1] = -100 * y[0]
	}, 0, vec.Vector{1, 0}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTolerances(1e-10, 1e-12); err != nil {
		t.Fatal(err)
	}
	s.SetMaxSteps(5)

	yout := vec.New(2)
	_, _, err := s.Advance(context.Background(), 100, yout, Normal)
	if !errors.Is(err, ErrTooMuchWork) {
		t.Fatalf("err = %v, want ErrTooMuchWork", err)
	}

	var se *SolverError
	if !errors.As(err, &se) {
		t.Fatal("error does not carry step/time context")
	}
}

func TestAdvanceBeforeInit(t *testing.T) {
	s := New(Adams, Functional)
	yout := vec.New(1)
	if _, _, err := s.Advance(context.Background(), 1, yout, Normal); !errors.Is(err, ErrIllInput) {
		t.Fatalf("err = %v, want ErrIllInput", err)
	}
}

func TestTolerancesRequired(t *testing.T) {
	s := New(Adams, Functional)
	if err := s.Init(func(tt float64, y, ydot vec.Vector) {
		ydot[0] = -y[0]
	}, 0, vec.Vector{1}); err != nil {
		t.Fatal(err)
	}
	yout := vec.New(1)
	if _, _, err := s.Advance(context.Background(), 1, yout, Normal); !errors.Is(err, ErrIllInput) {
		t.Fatalf("err = %v, want ErrIllInput", err)
	}
}

func TestNewtonRequiresLinearSolver(t *testing.T) {
	s := New(BDF, Newton)
	if err := s.Init(func(tt float64, y, ydot vec.Vector) {
		ydot[0] = -y[0]
	}, 0, vec.Vector{1}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTolerances(1e-6, 1e-10); err != nil {
		t.Fatal(err)
	}
	yout := vec.New(1)
	if _, _, err := s.Advance(context.Background(), 1, yout, Normal); !errors.Is(err, ErrIllInput) {
		t.Fatalf("err = %v, want ErrIllInput", err)
	}
}

func TestInitialEwtFailure(t *testing.T) {
	s := New(Adams, Functional)
	if err := s.Init(func(tt float64, y, ydot vec.Vector) {
		ydot[0] = 1
	}, 0, vec.Vector{0}); err != nil {
		t.Fatal(err)
	}
	// pure relative tolerance with a zero initial component gives an
	// unusable weight
	if err := s.SetTolerances(1e-6, 0); err != nil {
		t.Fatal(err)
	}
	yout := vec.New(1)
	if _, _, err := s.Advance(context.Background(), 1, yout, Normal); !errors.Is(err, ErrIllInput) {
		t.Fatalf("err = %v, want ErrIllInput", err)
	}
}

func TestInitStepSignMismatch(t *testing.T) {
	s := New(Adams, Functional)
	if err := s.Init(func(tt float64, y, ydot vec.Vector) {
		ydot[0] = -y[0]
	}, 0, vec.Vector{1}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTolerances(1e-6, 1e-10); err != nil {
		t.Fatal(err)
	}
	s.SetInitStep(0.1)

	yout := vec.New(1)
	if _, _, err := s.Advance(context.Background(), -1, yout, Normal); !errors.Is(err, ErrIllInput) {
		t.Fatalf("err = %v, want ErrIllInput", err)
	}
}

func TestContextCancellation(t *testing.T) {
	s := New(Adams, Functional)
	if err := s.Init(func(tt float64, y, ydot vec.Vector) {
		ydot[0] = -y[0]
	}, 0, vec.Vector{1}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTolerances(1e-6, 1e-10); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	yout := vec.New(1)
	if _, _, err := s.Advance(ctx, 1, yout, Normal); !errors.Is(err, ErrCanceled) {
		t.Fatalf("err = %v, want ErrCanceled", err)
	}
}

func TestSetMaxOrderValidation(t *testing.T) {
	s := New(BDF, Newton)
	if err := s.SetMaxOrder(0); !errors.Is(err, ErrIllInput) {
		t.Errorf("order 0: err = %v", err)
	}
	if err := s.SetMaxOrder(6); !errors.Is(err, ErrIllInput) {
		t.Errorf("BDF order 6: err = %v", err)
	}
	if err := s.SetMaxOrder(3); err != nil {
		t.Errorf("BDF order 3: err = %v", err)
	}

	a := New(Adams, Functional)
	if err := a.SetMaxOrder(12); err != nil {
		t.Errorf("Adams order 12: err = %v", err)
	}
	if err := a.SetMaxOrder(13); !errors.Is(err, ErrIllInput) {
		t.Errorf("Adams order 13: err = %v", err)
	}
}

func TestToleranceValidation(t *testing.T) {
	s := New(Adams, Functional)
	if err := s.Init(func(tt float64, y, ydot vec.Vector) {
		ydot[0] = -y[0]
	}, 0, vec.Vector{1}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTolerances(-1, 1e-9); !errors.Is(err, ErrIllInput) {
		t.Errorf("negative reltol: err = %v", err)
	}
	if err := s.SetTolerances(0, 0); !errors.Is(err, ErrIllInput) {
		t.Errorf("both zero: err = %v", err)
	}
	if err := s.SetVectorTolerances(1e-6, vec.Vector{1e-9, 1e-9}); !errors.Is(err, ErrIllInput) {
		t.Errorf("length mismatch: err = %v", err)
	}
}

func TestStabilityLimitDetectionRequiresBDF(t *testing.T) {
	s := New(Adams, Functional)
	if err := s.SetStabilityLimitDetection(true); !errors.Is(err, ErrIllInput) {
		t.Fatalf("err = %v, want ErrIllInput", err)
	}
	b := New(BDF, Newton)
	if err := b.SetStabilityLimitDetection(true); err != nil {
		t.Fatalf("err = %v", err)
	}
}

func TestOrderRampsUp(t *testing.T) {
	s := New(Adams, Functional)
	if err := s.Init(func(tt float64, y, ydot vec.Vector) {
		ydot[0] = y[1]
		ydot[1] = -y[0]
	}, 0, vec.Vector{1, 0}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTolerances(1e-10, 1e-12); err != nil {
		t.Fatal(err)
	}
	s.SetMaxSteps(100000)

	yout := vec.New(2)
	if _, _, err := s.Advance(context.Background(), 50, yout, Normal); err != nil {
		t.Fatal(err)
	}

	// a smooth problem at tight tolerances should leave first order far
	// behind
	if q := s.GetStats().LastOrder; q < 4 {
		t.Errorf("last order = %d, expected the order to ramp up", q)
	}
}

func TestConstantRhs(t *testing.T) {
	s := New(BDF, Newton)
	defer s.Free()
	s.SetLinearSolver(&geSolver{})

	if err := s.Init(func(t float64, y, ydot vec.Vector) {
		ydot.SetConst(0)
	}, 0, vec.Vector{1}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTolerances(1e-8, 1e-10); err != nil {
		t.Fatal(err)
	}

	yout := vec.New(1)
	if _, _, err := s.Advance(context.Background(), 1, yout, Normal); err != nil {
		t.Fatal(err)
	}
	if !scalar.EqualWithinAbs(yout[0], 1, 1e-12) {
		t.Errorf("y(1) = %v, want 1", yout[0])
	}
	if netf := s.GetStats().ErrTestFails; netf != 0 {
		t.Errorf("error test failures = %d, want 0 on a constant solution", netf)
	}
}

func TestAcceptedStepErrorBound(t *testing.T) {
	s := New(Adams, Functional)
	defer s.Free()

	if err := s.Init(func(t float64, y, ydot vec.Vector) {
		ydot[0] = -y[0]
	}, 0, vec.Vector{1}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTolerances(1e-6, 1e-9); err != nil {
		t.Fatal(err)
	}

	// every accepted step must have passed acnrm*tq[2] <= 1
	yout := vec.New(1)
	tn := 0.0
	for i := 0; i < 50 && tn < 5; i++ {
		tret, _, err := s.Advance(context.Background(), 5, yout, OneStep)
		if err != nil {
			t.Fatal(err)
		}
		tn = tret
		if dsm := s.acnrm * s.tq[2]; dsm > 1 {
			t.Fatalf("step %d accepted with acnrm*tq[2] = %v > 1", i, dsm)
		}
	}
}

func TestRescaleRoundTrip(t *testing.T) {
	s := New(Adams, Functional)
	defer s.Free()

	if err := s.Init(func(t float64, y, ydot vec.Vector) {
		ydot[0] = math.Cos(t) * y[0]
	}, 0, vec.Vector{1}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTolerances(1e-8, 1e-10); err != nil {
		t.Fatal(err)
	}

	// take a few steps so the history fills up past first order
	yout := vec.New(1)
	for i := 0; i < 8; i++ {
		if _, _, err := s.Advance(context.Background(), 10, yout, OneStep); err != nil {
			t.Fatal(err)
		}
	}
	if s.q < 2 {
		t.Fatalf("order %d, fixture expected to ramp past first order", s.q)
	}

	saved := make([]vec.Vector, s.q+1)
	for j := 0; j <= s.q; j++ {
		saved[j] = s.zn[j].Clone()
	}
	savedH := s.h

	s.eta = 2.5
	s.rescale()
	s.eta = 1 / 2.5
	s.rescale()

	if !scalar.EqualWithinRel(s.h, savedH, 1e-15) {
		t.Errorf("h = %v after round trip, want %v", s.h, savedH)
	}
	for j := 0; j <= s.q; j++ {
		for i := range saved[j] {
			if !scalar.EqualWithinRel(s.zn[j][i], saved[j][i], 1e-14) {
				t.Errorf("zn[%d][%d] = %v after round trip, want %v", j, i, s.zn[j][i], saved[j][i])
			}
		}
	}
}

// failingSolver fails every call with a fixed error.
type failingSolver struct {
	setupErr, solveErr error
	setups, solves     int
}

func (d *failingSolver) Init(s *Solver) error { return nil }

func (d *failingSolver) Setup(s *Solver, convfail ConvFail, ypred, fpred vec.Vector) (bool, error) {
	d.setups++
	return false, d.setupErr
}

func (d *failingSolver) Solve(s *Solver, b, weight, ycur, fcur vec.Vector) error {
	d.solves++
	return d.solveErr
}

func (d *failingSolver) Free() {}

func TestUnrecoverableSetupFailure(t *testing.T) {
	fs := &failingSolver{setupErr: errors.New("factorization exploded")}
	s := New(BDF, Newton)
	defer s.Free()
	s.SetLinearSolver(fs)

	if err := s.Init(func(t float64, y, ydot vec.Vector) {
		ydot[0] = -y[0]
	}, 0, vec.Vector{1}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTolerances(1e-6, 1e-9); err != nil {
		t.Fatal(err)
	}

	yout := vec.New(1)
	_, _, err := s.Advance(context.Background(), 1, yout, Normal)
	if !errors.Is(err, ErrSetupFailure) {
		t.Fatalf("err = %v, want ErrSetupFailure", err)
	}
	if fs.setups != 1 {
		t.Errorf("setup called %d times, want exactly 1 before aborting", fs.setups)
	}
}

func TestRecoverableConvergenceFailureLimit(t *testing.T) {
	fs := &failingSolver{setupErr: fmt.Errorf("%w: singular within tolerance", ErrRecoverable)}
	s := New(BDF, Newton)
	defer s.Free()
	s.SetLinearSolver(fs)

	if err := s.Init(func(t float64, y, ydot vec.Vector) {
		ydot[0] = -y[0]
	}, 0, vec.Vector{1}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTolerances(1e-6, 1e-9); err != nil {
		t.Fatal(err)
	}

	yout := vec.New(1)
	_, _, err := s.Advance(context.Background(), 1, yout, Normal)
	if !errors.Is(err, ErrConvFailure) {
		t.Fatalf("err = %v, want ErrConvFailure", err)
	}
	if got := s.GetStats().NonlinConvFails; got > int64(s.maxncf) {
		t.Errorf("convergence failures = %d, want at most maxncf = %d", got, s.maxncf)
	}
}

func TestSmallStepWarningCap(t *testing.T) {
	s := New(Adams, Functional)
	defer s.Free()

	if err := s.Init(func(t float64, y, ydot vec.Vector) {
		ydot[0] = -y[0]
	}, 1, vec.Vector{1}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTolerances(1e-6, 1e-9); err != nil {
		t.Fatal(err)
	}
	// a step ceiling far below roundoff at t=1 makes every step satisfy
	// t+h == t
	if err := s.SetMaxStep(1e-20); err != nil {
		t.Fatal(err)
	}
	s.SetMaxSteps(30)

	yout := vec.New(1)
	_, _, err := s.Advance(context.Background(), 2, yout, Normal)
	if !errors.Is(err, ErrTooMuchWork) {
		t.Fatalf("err = %v, want ErrTooMuchWork", err)
	}
	if got := s.GetStats().SmallStepWarnings; got != defaultMaxHnilWarns {
		t.Errorf("small step warnings = %d, want capped at %d", got, defaultMaxHnilWarns)
	}
}
