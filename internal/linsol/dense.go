package linsol

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/avholm/nordstep/internal/solver"
	"github.com/avholm/nordstep/internal/vec"
)

// Dense solves the Newton system with a dense LU factorization. The
// Jacobian is approximated column by column with difference quotients
// and cached between setups.
type Dense struct {
	n      int
	savedJ *mat.Dense // last evaluated Jacobian
	m      *mat.Dense // I - gamma*J
	lu     mat.LU

	ytemp vec.Vector
	ftemp vec.Vector
	xtemp []float64

	nstlj int64 // step count at the last Jacobian evaluation
	nje   int64
	nfeDQ int64
}

// NewDense returns an unattached dense backend; the solver sizes it
// during Init.
func NewDense() *Dense { return &Dense{} }

func (d *Dense) Init(s *solver.Solver) error {
	d.n = s.N()
	d.savedJ = mat.NewDense(d.n, d.n, nil)
	d.m = mat.NewDense(d.n, d.n, nil)
	d.ytemp = vec.New(d.n)
	d.ftemp = vec.New(d.n)
	d.xtemp = make([]float64, d.n)
	d.nstlj = 0
	d.nje = 0
	d.nfeDQ = 0
	return nil
}

func (d *Dense) Setup(s *solver.Solver, convfail solver.ConvFail, ypred, fpred vec.Vector) (bool, error) {
	jcur := false
	if jacNeedsUpdate(s, convfail, d.nstlj) {
		d.dqJac(s, ypred, fpred)
		d.nje++
		d.nstlj = s.Steps()
		jcur = true
	}

	// M = I - gamma*J
	gamma := s.Gamma()
	for i := 0; i < d.n; i++ {
		for j := 0; j < d.n; j++ {
			v := -gamma * d.savedJ.At(i, j)
			if i == j {
				v++
			}
			d.m.Set(i, j, v)
		}
	}

	d.lu.Factorize(d.m)
	if det := d.lu.Det(); det == 0 || math.IsNaN(det) {
		return jcur, fmt.Errorf("%w: singular newton matrix", solver.ErrRecoverable)
	}
	return jcur, nil
}

func (d *Dense) Solve(s *solver.Solver, b, weight, ycur, fcur vec.Vector) error {
	x := mat.NewVecDense(d.n, d.xtemp)
	if err := d.lu.SolveVecTo(x, false, mat.NewVecDense(d.n, b)); err != nil {
		return fmt.Errorf("%w: %w", solver.ErrRecoverable, err)
	}
	copy(b, d.xtemp)
	bdfResidualFixup(s, b)
	return nil
}

func (d *Dense) Free() {}

// NumJacEvals returns the number of Jacobian evaluations performed.
func (d *Dense) NumJacEvals() int64 { return d.nje }

// NumRhsEvals returns the right-hand side calls spent on Jacobian
// difference quotients.
func (d *Dense) NumRhsEvals() int64 { return d.nfeDQ }

// dqJac fills savedJ with a forward difference approximation of
// df/dy at (t, y). One right-hand side call per column.
func (d *Dense) dqJac(s *solver.Solver, y, fy vec.Vector) {
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
			d.savedJ.Set(i, j, incInv*(d.ftemp[i]-fy[i]))
		}
	}
}
