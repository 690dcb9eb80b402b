package vec

import "math"

// Vector is a dense state vector. All arithmetic helpers write into an
// explicit destination so the solver can recycle its workspace without
// allocating inside the step loop. A destination may alias any operand.
type Vector []float64

func New(n int) Vector {
	return make(Vector, n)
}

func (v Vector) Clone() Vector {
	c := make(Vector, len(v))
	copy(c, v)
	return c
}

func (v Vector) CopyFrom(src Vector) {
	copy(v, src)
}

func (v Vector) SetConst(c float64) {
	for i := range v {
		v[i] = c
	}
}

func (v Vector) IsValid() bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// LinearSum computes dst = a*x + b*y.
func LinearSum(dst Vector, a float64, x Vector, b float64, y Vector) {
	for i := range dst {
		dst[i] = a*x[i] + b*y[i]
	}
}

// Scale computes dst = c*x.
func Scale(dst Vector, c float64, x Vector) {
	for i := range dst {
		dst[i] = c * x[i]
	}
}

// AddConst computes dst = x + b.
func AddConst(dst Vector, x Vector, b float64) {
	for i := range dst {
		dst[i] = x[i] + b
	}
}

// Prod computes dst = x .* y elementwise.
func Prod(dst, x, y Vector) {
	for i := range dst {
		dst[i] = x[i] * y[i]
	}
}

// Div computes dst = x ./ y elementwise. The caller guarantees y has no
// zero entries.
func Div(dst, x, y Vector) {
	for i := range dst {
		dst[i] = x[i] / y[i]
	}
}

// Abs computes dst = |x| elementwise.
func Abs(dst, x Vector) {
	for i := range dst {
		dst[i] = math.Abs(x[i])
	}
}

// Inv computes dst = 1 ./ x elementwise without checking for zeros; use
// InvTest when a zero entry is possible.
func Inv(dst, x Vector) {
	for i := range dst {
		dst[i] = 1.0 / x[i]
	}
}

// InvTest computes dst = 1 ./ x and reports whether every entry of x was
// nonzero. Entries of dst corresponding to zero entries are left as is.
func InvTest(dst, x Vector) bool {
	ok := true
	for i := range dst {
		if x[i] == 0 {
			ok = false
			continue
		}
		dst[i] = 1.0 / x[i]
	}
	return ok
}

func (v Vector) Dot(w Vector) float64 {
	sum := 0.0
	for i := range v {
		sum += v[i] * w[i]
	}
	return sum
}

// WrmsNorm returns the weighted root-mean-square norm
// sqrt(sum((v_i*w_i)^2)/n).
func (v Vector) WrmsNorm(w Vector) float64 {
	if len(v) == 0 {
		return 0
	}
	sum := 0.0
	for i := range v {
		p := v[i] * w[i]
		sum += p * p
	}
	return math.Sqrt(sum / float64(len(v)))
}

func (v Vector) MaxNorm() float64 {
	m := 0.0
	for _, x := range v {
		if a := math.Abs(x); a > m {
			m = a
		}
	}
	return m
}

// MinQuotient returns the minimum of v_i/d_i over entries with d_i != 0,
// or +Inf when every denominator entry is zero.
func (v Vector) MinQuotient(d Vector) float64 {
	m := math.Inf(1)
	for i := range v {
		if d[i] == 0 {
			continue
		}
		if q := v[i] / d[i]; q < m {
			m = q
		}
	}
	return m
}

// L2Norm returns the unweighted Euclidean norm.
func (v Vector) L2Norm() float64 {
	return math.Sqrt(v.Dot(v))
}
