package solver

import "github.com/avholm/nordstep/internal/vec"

// RhsFunc evaluates ydot = f(t, y). Implementations must not retain y or
// ydot beyond the call. Context a callback needs (parameters, workspace)
// is captured in its closure.
type RhsFunc func(t float64, y, ydot vec.Vector)

// QuadRhsFunc evaluates qdot = fQ(t, y) for the quadrature variables.
type QuadRhsFunc func(t float64, y, qdot vec.Vector)

// SensRhsFunc evaluates all sensitivity right-hand sides at once:
// ySdot[i] = (df/dy)*yS[i] + df/dp_i.
type SensRhsFunc func(t float64, y, ydot vec.Vector, yS, ySdot []vec.Vector)

// SensRhs1Func evaluates the right-hand side of the i-th sensitivity only.
type SensRhs1Func func(t float64, y, ydot vec.Vector, i int, ySi, ySdoti vec.Vector)

// Method selects the linear multistep family.
type Method int

const (
	Adams Method = iota // non-stiff, orders 1..12
	BDF                 // stiff, orders 1..5
)

// Iteration selects how the implicit corrector equation is solved.
type Iteration int

const (
	Functional Iteration = iota
	Newton
)

// Task selects the advance mode.
type Task int

const (
	// Normal integrates past tout and interpolates.
	Normal Task = iota
	// OneStep returns after each internal step.
	OneStep
)

// SensMethod selects the sensitivity corrector sequencing policy.
type SensMethod int

const (
	// Simultaneous corrects state and sensitivities as one system.
	Simultaneous SensMethod = iota
	// Staggered corrects all sensitivities together after the state.
	Staggered
	// Staggered1 corrects the sensitivities one direction at a time.
	Staggered1
)

// DQType selects the finite difference formula for the internal
// approximation of sensitivity right-hand sides.
type DQType int

const (
	Centered DQType = iota
	Forward
)

// Flag distinguishes success variants of Advance.
type Flag int

const (
	FlagSuccess Flag = iota
	// FlagTstopReturn reports that the configured stop time was reached.
	FlagTstopReturn
)

// ConvFail tells a linear solver Setup why it is being called again, so
// the backend can decide whether Jacobian data must be re-evaluated.
type ConvFail int

const (
	// NoFailures: first call of the step, or only an error test failure
	// occurred since the last setup.
	NoFailures ConvFail = iota
	// FailBadJ: the corrector failed with stale Jacobian data; the
	// backend should re-evaluate it.
	FailBadJ
	// FailOther: the corrector failed even though the Jacobian data was
	// current. The backend should escalate rather than loop.
	FailOther
)

// LinearSolver is the plugin contract consumed by the Newton corrector.
// Setup prepares solver data (typically an approximation to the Newton
// matrix I - gamma*J) and reports whether the Jacobian data it now holds
// is current. Solve overwrites b with the solution of the Newton system.
// Either may fail recoverably by returning an error wrapping
// ErrRecoverable; any other error aborts the current advance.
type LinearSolver interface {
	Init(s *Solver) error
	Setup(s *Solver, convfail ConvFail, ypred, fpred vec.Vector) (jacCurrent bool, err error)
	Solve(s *Solver, b, weight, ycur, fcur vec.Vector) error
	Free()
}
