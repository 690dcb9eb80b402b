package linsol

import (
	"fmt"

	"github.com/avholm/nordstep/internal/solver"
	"github.com/avholm/nordstep/internal/vec"
)

const (
	spbcgsMaxlDefault = 5
	epsLin            = 0.05 // linear tolerance as a fraction of the nonlinear one
)

// SPBCGS solves the Newton system with a scaled BiCGStab iteration.
// It is matrix-free: products (I - gamma*J)*v are formed with one
// right-hand side difference quotient per product, so nothing is ever
// factored. Suited to large systems where even a banded Jacobian is
// too expensive to form.
type SPBCGS struct {
	maxl int
	n    int

	// iteration workspace
	r, rStar, p, q, u, ap, vtemp vec.Vector
	ytemp, ftemp                 vec.Vector

	// setup snapshot for the difference quotient products
	ycur vec.Vector
	fcur vec.Vector

	nli   int64 // linear iterations
	ncfl  int64 // convergence failures
	njtv  int64 // Jacobian-vector products
	nfeDQ int64
}

// NewSPBCGS returns a BiCGStab backend with iteration limit maxl;
// maxl <= 0 selects the default.
func NewSPBCGS(maxl int) *SPBCGS {
	if maxl <= 0 {
		maxl = spbcgsMaxlDefault
	}
	return &SPBCGS{maxl: maxl}
}

func (d *SPBCGS) Init(s *solver.Solver) error {
	d.n = s.N()
	for _, v := range []*vec.Vector{&d.r, &d.rStar, &d.p, &d.q, &d.u, &d.ap, &d.vtemp, &d.ytemp, &d.ftemp, &d.ycur, &d.fcur} {
		*v = vec.New(d.n)
	}
	d.nli = 0
	d.ncfl = 0
	d.njtv = 0
	d.nfeDQ = 0
	return nil
}

// Setup records the linearization point for subsequent products. There
// is no matrix data, so there is nothing to age or refresh.
func (d *SPBCGS) Setup(s *solver.Solver, convfail solver.ConvFail, ypred, fpred vec.Vector) (bool, error) {
	d.ycur.CopyFrom(ypred)
	d.fcur.CopyFrom(fpred)
	return true, nil
}

func (d *SPBCGS) Solve(s *solver.Solver, b, weight, ycur, fcur vec.Vector) error {
	d.ycur.CopyFrom(ycur)
	d.fcur.CopyFrom(fcur)

	delta := epsLin * s.ResidualTol()

	// x starts at zero, so r0 = b
	x := d.vtemp
	x.SetConst(0)
	d.r.CopyFrom(b)
	d.rStar.CopyFrom(b)
	d.p.CopyFrom(b)

	if d.r.WrmsNorm(weight) <= delta {
		return nil
	}

	rho := wdot(d.rStar, d.r, weight)
	converged := false

	for it := 0; it < d.maxl; it++ {
		d.nli++

		d.atimes(s, d.p, d.ap)
		sigma := wdot(d.rStar, d.ap, weight)
		if sigma == 0 {
			break
		}
		alpha := rho / sigma

		// q = r - alpha*A*p
		vec.LinearSum(d.q, 1, d.r, -alpha, d.ap)
		if d.q.WrmsNorm(weight) <= delta {
			vec.LinearSum(x, 1, x, alpha, d.p)
			converged = true
			break
		}

		d.atimes(s, d.q, d.u)
		tt := wdot(d.u, d.u, weight)
		if tt == 0 {
			break
		}
		omega := wdot(d.u, d.q, weight) / tt

		// x += alpha*p + omega*q; r = q - omega*A*q
		vec.LinearSum(x, 1, x, alpha, d.p)
		vec.LinearSum(x, 1, x, omega, d.q)
		vec.LinearSum(d.r, 1, d.q, -omega, d.u)

		if d.r.WrmsNorm(weight) <= delta {
			converged = true
			break
		}

		rhoNew := wdot(d.rStar, d.r, weight)
		if rho == 0 || omega == 0 {
			break
		}
		beta := (rhoNew / rho) * (alpha / omega)
		rho = rhoNew

		// p = r + beta*(p - omega*A*p)
		vec.LinearSum(d.p, 1, d.p, -omega, d.ap)
		vec.LinearSum(d.p, 1, d.r, beta, d.p)
	}

	b.CopyFrom(x)
	bdfResidualFixup(s, b)

	if !converged {
		d.ncfl++
		return fmt.Errorf("%w: no convergence in %d iterations", solver.ErrRecoverable, d.maxl)
	}
	return nil
}

func (d *SPBCGS) Free() {}

// NumLinIters returns the total BiCGStab iterations.
func (d *SPBCGS) NumLinIters() int64 { return d.nli }

// NumConvFails returns the number of unconverged solves.
func (d *SPBCGS) NumConvFails() int64 { return d.ncfl }

// NumJtimesEvals returns the number of Jacobian-vector products.
func (d *SPBCGS) NumJtimesEvals() int64 { return d.njtv }

// NumRhsEvals returns the right-hand side calls spent on products.
func (d *SPBCGS) NumRhsEvals() int64 { return d.nfeDQ }

// atimes computes z = (I - gamma*J)*v with a difference quotient
// Jacobian-vector product about the recorded linearization point.
func (d *SPBCGS) atimes(s *solver.Solver, v, z vec.Vector) {
	d.njtv++

	vnrm := v.WrmsNorm(s.EwtVector())
	if vnrm == 0 {
		z.CopyFrom(v)
		return
	}
	sig := 1 / vnrm

	vec.LinearSum(d.ytemp, 1, d.ycur, sig, v)
	s.Rhs(s.T(), d.ytemp, d.ftemp)
	d.nfeDQ++

	// z = v - gamma*(f(y+sig*v) - f(y))/sig
	g := s.Gamma() / sig
	for i := range z {
		z[i] = v[i] - g*(d.ftemp[i]-d.fcur[i])
	}
}

func wdot(x, y, w vec.Vector) float64 {
	var sum float64
	for i := range x {
		sum += x[i] * w[i] * y[i] * w[i]
	}
	return sum
}
