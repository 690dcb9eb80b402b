package linsol

import (
	"fmt"
	"math"

	"github.com/edp1096/sparse"

	"github.com/avholm/nordstep/internal/solver"
	"github.com/avholm/nordstep/internal/vec"
)

// SparseJacFn supplies the structural nonzeros of df/dy at (t, y).
// Implementations call add for every nonzero; entries for the same
// position accumulate. Indices are zero based.
type SparseJacFn func(t float64, y, fy vec.Vector, add func(i, j int, v float64))

type triplet struct {
	i, j int
	v    float64
}

// Sparse solves the Newton system with a sparse LU factorization,
// ordered and pivoted by the underlying solver library. It pays off
// when the Jacobian structure is scattered rather than banded. With a
// nil Jacobian function it falls back to dense difference quotients,
// keeping only the nonzero entries.
type Sparse struct {
	jac SparseJacFn

	n      int
	m      *sparse.Matrix
	rhs    []float64 // 1-based
	savedJ []triplet

	ytemp vec.Vector
	ftemp vec.Vector

	nstlj int64
	nje   int64
	nfeDQ int64
}

// NewSparse returns a sparse backend. jac may be nil; see Sparse.
func NewSparse(jac SparseJacFn) *Sparse { return &Sparse{jac: jac} }

func (d *Sparse) Init(s *solver.Solver) error {
	d.n = s.N()

	// Translate keeps GetElement usable after Factor reorders the matrix;
	// the Newton matrix is reloaded on every setup.
	config := &sparse.Configuration{
		Real:           true,
		Expandable:     true,
		Translate:      true,
		ModifiedNodal:  false,
		TiesMultiplier: 5,
	}
	m, err := sparse.Create(int64(d.n), config)
	if err != nil {
		return fmt.Errorf("sparse matrix create: %w", err)
	}
	d.m = m
	d.rhs = make([]float64, d.n+1)
	d.savedJ = d.savedJ[:0]
	d.ytemp = vec.New(d.n)
	d.ftemp = vec.New(d.n)
	d.nstlj = 0
	d.nje = 0
	d.nfeDQ = 0
	return nil
}

func (d *Sparse) Setup(s *solver.Solver, convfail solver.ConvFail, ypred, fpred vec.Vector) (bool, error) {
	jcur := false
	if jacNeedsUpdate(s, convfail, d.nstlj) {
		d.savedJ = d.savedJ[:0]
		add := func(i, j int, v float64) {
			if v != 0 {
				d.savedJ = append(d.savedJ, triplet{i, j, v})
			}
		}
		if d.jac != nil {
			d.jac(s.T(), ypred, fpred, add)
		} else {
			d.dqJac(s, ypred, fpred, add)
		}
		d.nje++
		d.nstlj = s.Steps()
		jcur = true
	}

	// M = I - gamma*J, loaded 1-based
	gamma := s.Gamma()
	d.m.Clear()
	for i := 1; i <= d.n; i++ {
		d.m.GetElement(int64(i), int64(i)).Real = 1
	}
	for _, t := range d.savedJ {
		d.m.GetElement(int64(t.i+1), int64(t.j+1)).Real -= gamma * t.v
	}

	if err := d.m.Factor(); err != nil {
		return jcur, fmt.Errorf("%w: %w", solver.ErrRecoverable, err)
	}
	return jcur, nil
}

func (d *Sparse) Solve(s *solver.Solver, b, weight, ycur, fcur vec.Vector) error {
	for i := 0; i < d.n; i++ {
		d.rhs[i+1] = b[i]
	}
	x, err := d.m.Solve(d.rhs)
	if err != nil {
		return fmt.Errorf("%w: %w", solver.ErrRecoverable, err)
	}
	for i := 0; i < d.n; i++ {
		b[i] = x[i+1]
	}
	bdfResidualFixup(s, b)
	return nil
}

func (d *Sparse) Free() {
	if d.m != nil {
		d.m.Destroy()
		d.m = nil
	}
}

// NumJacEvals returns the number of Jacobian evaluations performed.
func (d *Sparse) NumJacEvals() int64 { return d.nje }

// NumRhsEvals returns the right-hand side calls spent on Jacobian
// difference quotients.
func (d *Sparse) NumRhsEvals() int64 { return d.nfeDQ }

func (d *Sparse) dqJac(s *solver.Solver, y, fy vec.Vector, add func(i, j int, v float64)) {
	t := s.T()
	ewt := s.EwtVector()
	srur := math.Sqrt(uround)
	minInc := minIncrement(s, fy)

	d.ytemp.CopyFrom(y)
	for j := 0; j < d.n; j++ {
		yjsaved := d.ytemp[j]
		inc := math.Max(srur*math.Abs(yjsaved), minInc/ewt[j])
		d.ytemp[j] += inc
		s.Rhs(t, d.ytemp, d.ftemp)
		d.nfeDQ++
		d.ytemp[j] = yjsaved

		incInv := 1 / inc
		for i := 0; i < d.n; i++ {
			add(i, j, incInv*(d.ftemp[i]-fy[i]))
		}
	}
}
