package linsol

import (
	"fmt"
	"math"

	"github.com/avholm/nordstep/internal/solver"
	"github.com/avholm/nordstep/internal/vec"
)

// bandMat is column-major banded storage. Element (i,j) with
// j-mu <= i <= j+ml lives at col j, offset i-j+smu, where smu is the
// storage upper bandwidth. Factorization needs smu = min(n-1, mu+ml)
// to hold fill-in from partial pivoting.
type bandMat struct {
	n, mu, ml, smu int
	ldim           int
	data           []float64
	pivots         []int
}

func newBandMat(n, mu, ml, smu int) *bandMat {
	ldim := smu + ml + 1
	return &bandMat{
		n: n, mu: mu, ml: ml, smu: smu,
		ldim:   ldim,
		data:   make([]float64, n*ldim),
		pivots: make([]int, n),
	}
}

func (b *bandMat) at(i, j int) float64     { return b.data[j*b.ldim+i-j+b.smu] }
func (b *bandMat) set(i, j int, v float64) { b.data[j*b.ldim+i-j+b.smu] = v }

func (b *bandMat) zero() {
	for i := range b.data {
		b.data[i] = 0
	}
}

// gbtrf performs an in-place LU factorization with partial pivoting.
// It returns the 1-based index of a zero pivot, or 0 on success.
func (b *bandMat) gbtrf() int {
	n, smu, ml := b.n, b.smu, b.ml
	for k := 0; k < n-1; k++ {
		colK := b.data[k*b.ldim:]
		lastRowK := min(n-1, k+ml)

		// pivot search in column k
		l := k
		max := math.Abs(colK[smu])
		for i := k + 1; i <= lastRowK; i++ {
			if a := math.Abs(colK[i-k+smu]); a > max {
				l, max = i, a
			}
		}
		storageL := l - k + smu
		b.pivots[k] = l

		if colK[storageL] == 0 {
			return k + 1
		}

		swap := l != k
		if swap {
			colK[storageL], colK[smu] = colK[smu], colK[storageL]
		}

		// store the multipliers -a(i,k)/a(k,k) in place
		mult := -1 / colK[smu]
		for i := k + 1; i <= lastRowK; i++ {
			colK[i-k+smu] *= mult
		}

		// eliminate row k from the trailing columns
		lastColK := min(k+smu, n-1)
		for j := k + 1; j <= lastColK; j++ {
			colJ := b.data[j*b.ldim:]
			storageL := l - j + smu
			storageK := k - j + smu
			akj := colJ[storageL]
			if swap {
				colJ[storageL] = colJ[storageK]
				colJ[storageK] = akj
			}
			if akj != 0 {
				for i := k + 1; i <= lastRowK; i++ {
					colJ[i-j+smu] += akj * colK[i-k+smu]
				}
			}
		}
	}
	b.pivots[n-1] = n - 1
	if b.data[(n-1)*b.ldim+smu] == 0 {
		return n
	}
	return 0
}

// gbtrs solves the factored system in place in rhs.
func (b *bandMat) gbtrs(rhs []float64) {
	n, smu, ml := b.n, b.smu, b.ml

	// forward: Ly = Pb
	for k := 0; k < n-1; k++ {
		l := b.pivots[k]
		mult := rhs[l]
		if l != k {
			rhs[l] = rhs[k]
			rhs[k] = mult
		}
		colK := b.data[k*b.ldim:]
		lastRowK := min(n-1, k+ml)
		for i := k + 1; i <= lastRowK; i++ {
			rhs[i] += mult * colK[i-k+smu]
		}
	}

	// backward: Ux = y
	for k := n - 1; k >= 0; k-- {
		colK := b.data[k*b.ldim:]
		rhs[k] /= colK[smu]
		mult := -rhs[k]
		firstRowK := max(0, k-smu)
		for i := firstRowK; i < k; i++ {
			rhs[i] += mult * colK[i-k+smu]
		}
	}
}

// Band solves the Newton system with a banded LU factorization. The
// difference quotient Jacobian perturbs ml+mu+1 columns at a time, so
// it needs far fewer right-hand side calls than the dense backend on
// narrow-band problems.
type Band struct {
	mu, ml int
	n      int

	savedJ *bandMat // bandwidth (mu, ml), no fill-in
	m      *bandMat // I - gamma*J, with pivot fill-in room

	ytemp vec.Vector
	ftemp vec.Vector

	nstlj int64
	nje   int64
	nfeDQ int64
}

// NewBand returns a banded backend for a Jacobian with mu nonzero
// diagonals above the main diagonal and ml below.
func NewBand(mu, ml int) *Band { return &Band{mu: mu, ml: ml} }

func (d *Band) Init(s *solver.Solver) error {
	d.n = s.N()
	if d.mu < 0 || d.mu >= d.n || d.ml < 0 || d.ml >= d.n {
		return fmt.Errorf("%w: bandwidths (%d,%d) invalid for dimension %d",
			solver.ErrIllInput, d.mu, d.ml, d.n)
	}
	smu := min(d.n-1, d.mu+d.ml)
	d.savedJ = newBandMat(d.n, d.mu, d.ml, d.mu)
	d.m = newBandMat(d.n, d.mu, d.ml, smu)
	d.ytemp = vec.New(d.n)
	d.ftemp = vec.New(d.n)
	d.nstlj = 0
	d.nje = 0
	d.nfeDQ = 0
	return nil
}

func (d *Band) Setup(s *solver.Solver, convfail solver.ConvFail, ypred, fpred vec.Vector) (bool, error) {
	jcur := false
	if jacNeedsUpdate(s, convfail, d.nstlj) {
		d.dqJac(s, ypred, fpred)
		d.nje++
		d.nstlj = s.Steps()
		jcur = true
	}

	gamma := s.Gamma()
	d.m.zero()
	for j := 0; j < d.n; j++ {
		i1 := max(0, j-d.mu)
		i2 := min(j+d.ml, d.n-1)
		for i := i1; i <= i2; i++ {
			d.m.set(i, j, -gamma*d.savedJ.at(i, j))
		}
		d.m.set(j, j, d.m.at(j, j)+1)
	}

	if p := d.m.gbtrf(); p != 0 {
		return jcur, fmt.Errorf("%w: zero pivot at row %d", solver.ErrRecoverable, p)
	}
	return jcur, nil
}

func (d *Band) Solve(s *solver.Solver, b, weight, ycur, fcur vec.Vector) error {
	d.m.gbtrs(b)
	bdfResidualFixup(s, b)
	return nil
}

func (d *Band) Free() {}

// NumJacEvals returns the number of Jacobian evaluations performed.
func (d *Band) NumJacEvals() int64 { return d.nje }

// NumRhsEvals returns the right-hand side calls spent on Jacobian
// difference quotients.
func (d *Band) NumRhsEvals() int64 { return d.nfeDQ }

// dqJac approximates the banded Jacobian by perturbing groups of
// columns spaced a full bandwidth apart, one evaluation per group.
func (d *Band) dqJac(s *solver.Solver, y, fy vec.Vector) {
	t := s.T()
	ewt := s.EwtVector()
	srur := math.Sqrt(uround)
	minInc := minIncrement(s, fy)

	width := d.ml + d.mu + 1
	ngroups := min(width, d.n)

	d.ytemp.CopyFrom(y)
	for group := 0; group < ngroups; group++ {
		for j := group; j < d.n; j += width {
			inc := math.Max(srur*math.Abs(y[j]), minInc/ewt[j])
			d.ytemp[j] += inc
		}

		s.Rhs(t, d.ytemp, d.ftemp)
		d.nfeDQ++

		for j := group; j < d.n; j += width {
			d.ytemp[j] = y[j]
			inc := math.Max(srur*math.Abs(y[j]), minInc/ewt[j])
			incInv := 1 / inc
			i1 := max(0, j-d.mu)
			i2 := min(j+d.ml, d.n-1)
			for i := i1; i <= i2; i++ {
				d.savedJ.set(i, j, incInv*(d.ftemp[i]-fy[i]))
			}
		}
	}
}
