// Package problems collects small ODE systems used by the command line
// tool and the test suite. Each system exposes its right-hand side in
// the form package solver consumes, plus closed-form solutions where
// they exist.
package problems

import (
	"math"

	"github.com/avholm/nordstep/internal/vec"
)

// Decay is scalar exponential decay y' = -lambda*y.
type Decay struct {
	Lambda float64
}

func NewDecay() *Decay {
	return &Decay{Lambda: 1.0}
}

func (d *Decay) StateDim() int { return 1 }

func (d *Decay) Rhs(t float64, y, ydot vec.Vector) {
	ydot[0] = -d.Lambda * y[0]
}

// Exact returns the solution at t for initial value y0 at time 0.
func (d *Decay) Exact(y0, t float64) float64 {
	return y0 * math.Exp(-d.Lambda*t)
}

// Oscillator is the undamped harmonic oscillator written as a first
// order system. State: [position, velocity].
type Oscillator struct {
	Omega float64
}

func NewOscillator() *Oscillator {
	return &Oscillator{Omega: 1.0}
}

func (o *Oscillator) StateDim() int { return 2 }

func (o *Oscillator) Rhs(t float64, y, ydot vec.Vector) {
	ydot[0] = y[1]
	ydot[1] = -o.Omega * o.Omega * y[0]
}

// Exact returns position and velocity at t for initial state (x0, v0)
// at time 0.
func (o *Oscillator) Exact(x0, v0, t float64) (float64, float64) {
	w := o.Omega
	c, s := math.Cos(w*t), math.Sin(w*t)
	return x0*c + v0/w*s, -x0*w*s + v0*c
}

// Energy returns the conserved energy of a unit mass at the given
// state.
func (o *Oscillator) Energy(y vec.Vector) float64 {
	return 0.5*y[1]*y[1] + 0.5*o.Omega*o.Omega*y[0]*y[0]
}

// VanDerPol is the Van der Pol oscillator, stiff for large Mu.
type VanDerPol struct {
	Mu float64
}

func NewVanDerPol(mu float64) *VanDerPol {
	return &VanDerPol{Mu: mu}
}

func (v *VanDerPol) StateDim() int { return 2 }

func (v *VanDerPol) Rhs(t float64, y, ydot vec.Vector) {
	ydot[0] = y[1]
	ydot[1] = v.Mu*(1-y[0]*y[0])*y[1] - y[0]
}
