package solver

import (
	"context"
	"math"
	"testing"

	"gonum.org/v1/gonum/floats/scalar"

	"github.com/avholm/nordstep/internal/vec"
)

// Quadrature of exponential decay: with y' = -y and q' = y, the
// integral has the closed form q(t) = 1 - exp(-t).
func quadDecaySolver(t *testing.T, errcon bool) *Solver {
	t.Helper()
	s := New(Adams, Functional)
	if err := s.Init(func(tt float64, y, ydot vec.Vector) {
		ydot[0] = -y[0]
	}, 0, vec.Vector{1}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTolerances(1e-8, 1e-12); err != nil {
		t.Fatal(err)
	}
	if err := s.QuadInit(func(tt float64, y, qdot vec.Vector) {
		qdot[0] = y[0]
	}, vec.Vector{0}); err != nil {
		t.Fatal(err)
	}
	if errcon {
		if err := s.SetQuadErrControl(true, 1e-8, 1e-10); err != nil {
			t.Fatal(err)
		}
	}
	s.SetMaxSteps(10000)
	return s
}

func TestQuadratureDecay(t *testing.T) {
	for _, errcon := range []bool{false, true} {
		s := quadDecaySolver(t, errcon)

		yout := vec.New(1)
		tout := 3.0
		tret, _, err := s.Advance(context.Background(), tout, yout, Normal)
		if err != nil {
			t.Fatalf("errcon=%v: Advance: %v", errcon, err)
		}

		yQ := vec.New(1)
		if err := s.GetQuad(tret, yQ); err != nil {
			t.Fatalf("errcon=%v: GetQuad: %v", errcon, err)
		}
		want := 1 - math.Exp(-tout)
		if !scalar.EqualWithinAbs(yQ[0], want, 1e-6) {
			t.Errorf("errcon=%v: q(%g) = %g, want %g", errcon, tout, yQ[0], want)
		}

		qs := s.GetQuadStats()
		if qs.QuadRhsEvals == 0 {
			t.Errorf("errcon=%v: no quadrature evaluations counted", errcon)
		}

		// the quadrature error measure must feed the step selection;
		// if it is ignored the run degenerates into a grow-and-fail
		// cycle of thousands of tiny steps
		st := s.GetStats()
		if st.Steps > 2000 {
			t.Errorf("errcon=%v: %d steps to reach t=3", errcon, st.Steps)
		}
		if errcon && qs.ErrTestFails > st.Steps/4 {
			t.Errorf("errcon=%v: %d quadrature error failures over %d steps", errcon, qs.ErrTestFails, st.Steps)
		}
	}
}

func TestQuadratureDenseOutput(t *testing.T) {
	s := quadDecaySolver(t, true)

	yout := vec.New(1)
	if _, _, err := s.Advance(context.Background(), 3, yout, Normal); err != nil {
		t.Fatal(err)
	}

	// first derivative of the quadrature is the integrand y(t)
	dkyQ := vec.New(1)
	tn := s.T()
	if err := s.GetQuadDky(tn, 1, dkyQ); err != nil {
		t.Fatalf("GetQuadDky: %v", err)
	}
	if !scalar.EqualWithinAbs(dkyQ[0], math.Exp(-tn), 1e-4) {
		t.Errorf("dq/dt = %g, want %g", dkyQ[0], math.Exp(-tn))
	}
}

func TestQuadInitValidation(t *testing.T) {
	s := New(Adams, Functional)
	if err := s.QuadInit(func(tt float64, y, qdot vec.Vector) {}, vec.Vector{0}); err == nil {
		t.Error("QuadInit before Init should fail")
	}
}
