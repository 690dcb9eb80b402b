package solver

import (
	"context"
	"math"
	"testing"

	"gonum.org/v1/gonum/floats/scalar"

	"github.com/avholm/nordstep/internal/vec"
)

// Sensitivity fixture: y' = -p*y with y(0)=1. The exact sensitivity
// to p is dy/dp = -t*exp(-p*t).
func sensDecaySolver(t *testing.T, ism SensMethod, useCallback bool) (*Solver, []float64) {
	t.Helper()
	p := []float64{2.0}

	s := New(Adams, Functional)
	if err := s.Init(func(tt float64, y, ydot vec.Vector) {
		ydot[0] = -p[0] * y[0]
	}, 0, vec.Vector{1}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTolerances(1e-8, 1e-12); err != nil {
		t.Fatal(err)
	}
	s.SetMaxSteps(10000)

	yS0 := []vec.Vector{vec.New(1)}
	if useCallback {
		fS := func(tt float64, y, ydot vec.Vector, yS, ySdot []vec.Vector) {
			// (df/dy)*s + df/dp
			ySdot[0][0] = -p[0]*yS[0][0] - y[0]
		}
		if err := s.SensInit(1, ism, fS, yS0); err != nil {
			t.Fatal(err)
		}
	} else {
		if err := s.SensInit(1, ism, nil, yS0); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.SetSensParams(p, nil, nil); err != nil {
		t.Fatal(err)
	}
	return s, p
}

func checkSensDecay(t *testing.T, s *Solver, p []float64, label string) {
	t.Helper()
	yout := vec.New(1)
	tout := 1.0
	tret, _, err := s.Advance(context.Background(), tout, yout, Normal)
	if err != nil {
		t.Fatalf("%s: Advance: %v", label, err)
	}

	yS := []vec.Vector{vec.New(1)}
	if err := s.GetSens(tret, yS); err != nil {
		t.Fatalf("%s: GetSens: %v", label, err)
	}

	want := -tout * math.Exp(-p[0]*tout)
	if !scalar.EqualWithinAbs(yS[0][0], want, 1e-4) {
		t.Errorf("%s: dy/dp(%g) = %g, want %g", label, tout, yS[0][0], want)
	}
}

func TestSensitivityMethods(t *testing.T) {
	methods := []struct {
		name string
		ism  SensMethod
	}{
		{"simultaneous", Simultaneous},
		{"staggered", Staggered},
		{"staggered1", Staggered1},
	}
	for _, m := range methods {
		for _, cb := range []bool{true, false} {
			label := m.name
			if cb {
				label += "/callback"
			} else {
				label += "/dq"
			}
			s, p := sensDecaySolver(t, m.ism, cb)
			checkSensDecay(t, s, p, label)
		}
	}
}

func TestSensitivityDQVariants(t *testing.T) {
	for _, dq := range []DQType{Centered, Forward} {
		s, p := sensDecaySolver(t, Staggered, false)
		s.SetSensDQMethod(dq, 0)
		checkSensDecay(t, s, p, "dqtype")
	}
}

func TestStaggered1CountersSum(t *testing.T) {
	s, p := sensDecaySolver(t, Staggered1, true)
	checkSensDecay(t, s, p, "staggered1 counters")

	ss := s.GetSensStats()
	if len(ss.NonlinItersByDir) != 1 {
		t.Fatalf("per-direction counters: %v", ss.NonlinItersByDir)
	}
	var sum int64
	for _, n := range ss.NonlinItersByDir {
		sum += n
	}
	if sum != ss.NonlinIters {
		t.Errorf("sum of per-direction iterations %d != total %d", sum, ss.NonlinIters)
	}
}

func TestSensitivityErrControlOff(t *testing.T) {
	s, p := sensDecaySolver(t, Staggered, true)
	s.SetSensErrControl(false)
	checkSensDecay(t, s, p, "errcon off")

	if s.GetSensStats().SensRhsEvals == 0 {
		t.Error("no sensitivity right-hand side evaluations counted")
	}
}

func TestSensInitValidation(t *testing.T) {
	s := New(Adams, Functional)
	yS0 := []vec.Vector{vec.New(1)}
	if err := s.SensInit(1, Staggered, nil, yS0); err == nil {
		t.Error("SensInit before Init should fail")
	}

	if err := s.Init(func(tt float64, y, ydot vec.Vector) {
		ydot[0] = -y[0]
	}, 0, vec.Vector{1}); err != nil {
		t.Fatal(err)
	}
	if err := s.SensInit(0, Staggered, nil, yS0); err == nil {
		t.Error("Ns = 0 should fail")
	}
	if err := s.SensInit(2, Staggered, nil, yS0); err == nil {
		t.Error("mismatched yS0 length should fail")
	}

	if err := s.SensInit(1, Staggered, nil, yS0); err != nil {
		t.Fatal(err)
	}
	// internal DQ without a parameter slice cannot work
	if err := s.SetSensParams(nil, nil, nil); err == nil {
		t.Error("DQ without parameter slice should fail")
	}
	if err := s.SetSensParams([]float64{1}, []float64{0}, nil); err == nil {
		t.Error("zero pbar should fail")
	}
}

func TestSensitivityTwoParams(t *testing.T) {
	// y' = -p0*y + p1, steady state p1/p0. Sensitivities have closed
	// forms via variation of constants:
	//   dy/dp0 = (p1/p0^2 - t*(y0 - p1/p0))*e^(-p0 t) - p1/p0^2
	//   dy/dp1 = (1 - e^(-p0 t))/p0
	p := []float64{2.0, 1.0}
	s := New(Adams, Functional)
	if err := s.Init(func(tt float64, y, ydot vec.Vector) {
		ydot[0] = -p[0]*y[0] + p[1]
	}, 0, vec.Vector{1}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTolerances(1e-8, 1e-12); err != nil {
		t.Fatal(err)
	}
	s.SetMaxSteps(10000)

	yS0 := []vec.Vector{vec.New(1), vec.New(1)}
	if err := s.SensInit(2, Staggered, nil, yS0); err != nil {
		t.Fatal(err)
	}
	if err := s.SetSensParams(p, nil, nil); err != nil {
		t.Fatal(err)
	}

	yout := vec.New(1)
	tout := 1.0
	tret, _, err := s.Advance(context.Background(), tout, yout, Normal)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}

	yS := []vec.Vector{vec.New(1), vec.New(1)}
	if err := s.GetSens(tret, yS); err != nil {
		t.Fatal(err)
	}

	p0, p1 := 2.0, 1.0
	e := math.Exp(-p0 * tout)
	wantS0 := (p1/(p0*p0)-tout*(1-p1/p0))*e - p1/(p0*p0)
	wantS1 := (1 - e) / p0

	if !scalar.EqualWithinAbs(yS[0][0], wantS0, 1e-3) {
		t.Errorf("dy/dp0 = %g, want %g", yS[0][0], wantS0)
	}
	if !scalar.EqualWithinAbs(yS[1][0], wantS1, 1e-3) {
		t.Errorf("dy/dp1 = %g, want %g", yS[1][0], wantS1)
	}
}

func TestSensitivityPbarScaling(t *testing.T) {
	// the pbar magnitudes only size the difference quotient increments;
	// they must not leak into the sensitivity values themselves
	p := []float64{2.0}
	s := New(Adams, Functional)
	defer s.Free()
	if err := s.Init(func(tt float64, y, ydot vec.Vector) {
		ydot[0] = -p[0] * y[0]
	}, 0, vec.Vector{1}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTolerances(1e-8, 1e-12); err != nil {
		t.Fatal(err)
	}
	s.SetMaxSteps(10000)

	if err := s.SensInit(1, Staggered, nil, []vec.Vector{vec.New(1)}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetSensParams(p, []float64{4}, nil); err != nil {
		t.Fatal(err)
	}
	checkSensDecay(t, s, p, "pbar=4")
}

func TestSimultaneousStateOnlyErrorNorm(t *testing.T) {
	// constant state with an evolving sensitivity: with sensitivity
	// error control off the accepted correction norm is the state's
	// alone, which here is exactly zero
	s := New(Adams, Functional)
	defer s.Free()
	if err := s.Init(func(tt float64, y, ydot vec.Vector) {
		ydot.SetConst(0)
	}, 0, vec.Vector{1}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTolerances(1e-6, 1e-9); err != nil {
		t.Fatal(err)
	}

	fS := func(tt float64, y, ydot vec.Vector, yS, ySdot []vec.Vector) {
		ySdot[0][0] = math.Cos(tt)
	}
	if err := s.SensInit(1, Simultaneous, fS, []vec.Vector{vec.New(1)}); err != nil {
		t.Fatal(err)
	}
	s.SetSensErrControl(false)

	yout := vec.New(1)
	for i := 0; i < 20; i++ {
		if _, _, err := s.Advance(context.Background(), 10, yout, OneStep); err != nil {
			t.Fatal(err)
		}
		if s.acnrm != 0 {
			t.Fatalf("step %d: acnrm = %v with sensitivity error control off, want 0", i, s.acnrm)
		}
	}
}
