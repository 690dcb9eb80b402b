// Package solver implements an adaptive variable-order, variable-step
// linear multistep integrator for ordinary differential equations,
// with optional quadrature integration and forward sensitivity
// analysis.
//
// The solution history is kept as a Nordsieck array of scaled
// derivatives, which makes changing the step size a rescaling and
// changing the order an array extension or truncation:
//
//   - [Method]: Adams-Moulton (non-stiff, orders 1..12) or
//     BDF (stiff, orders 1..5)
//   - [Iteration]: Functional fixed-point or Newton corrector
//   - [LinearSolver]: pluggable backend for the Newton matrix
//     M = I - gamma*J
//   - [SensMethod]: Simultaneous, Staggered, or Staggered1 corrector
//     strategies for sensitivity systems
//
// # Example
//
//	s := solver.New(solver.BDF, solver.Newton)
//	s.Init(f, t0, y0)
//	s.SetTolerances(1e-6, 1e-9)
//	s.SetLinearSolver(linsol.NewDense())
//	t, _, err := s.Advance(ctx, tout, yout, solver.Normal)
//
// # Thread Safety
//
// Solver instances are NOT thread-safe. Integrate independent problems
// with independent instances.
package solver
