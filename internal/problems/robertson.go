package problems

import "github.com/avholm/nordstep/internal/vec"

// Robertson is the classic stiff three-species chemical kinetics
// problem. Rate constants differ by nine orders of magnitude, which
// makes it a standard stress test for stiff integrators and for
// sensitivity analysis with respect to the rates.
//
//	y1' = -p1*y1 + p2*y2*y3
//	y2' =  p1*y1 - p2*y2*y3 - p3*y2^2
//	y3' =  p3*y2^2
//
// The species fractions sum to one for all time.
type Robertson struct {
	// P holds the rate constants p1, p2, p3. The slice is shared with
	// the solver when the rates are registered as sensitivity
	// parameters, so perturbations made there are seen here.
	P []float64
}

func NewRobertson() *Robertson {
	return &Robertson{P: []float64{0.04, 1.0e4, 3.0e7}}
}

func (r *Robertson) StateDim() int { return 3 }

// Y0 returns the conventional initial state.
func (r *Robertson) Y0() vec.Vector { return vec.Vector{1, 0, 0} }

func (r *Robertson) Rhs(t float64, y, ydot vec.Vector) {
	p1, p2, p3 := r.P[0], r.P[1], r.P[2]
	yd1 := -p1*y[0] + p2*y[1]*y[2]
	yd3 := p3 * y[1] * y[1]
	ydot[0] = yd1
	ydot[1] = -yd1 - yd3
	ydot[2] = yd3
}

// QuadRhs integrates the third species, a common functional for this
// problem.
func (r *Robertson) QuadRhs(t float64, y, qdot vec.Vector) {
	qdot[0] = y[2]
}

// Jac supplies the Jacobian structure for sparse backends.
func (r *Robertson) Jac(t float64, y, fy vec.Vector, add func(i, j int, v float64)) {
	p1, p2, p3 := r.P[0], r.P[1], r.P[2]
	add(0, 0, -p1)
	add(0, 1, p2*y[2])
	add(0, 2, p2*y[1])
	add(1, 0, p1)
	add(1, 1, -p2*y[2]-2*p3*y[1])
	add(1, 2, -p2*y[1])
	add(2, 1, 2*p3*y[1])
}
