package solver

import (
	"context"
	"fmt"
	"math"

	"github.com/avholm/nordstep/internal/vec"
)

// Advance integrates toward tout. In Normal mode it steps internally
// until tout is passed and interpolates the solution at tout into yout;
// in OneStep mode it takes a single internal step and returns the state
// at the new internal time. The returned time is where yout is valid.
// FlagTstopReturn reports that a configured stop time was hit instead
// of tout. The context is checked between internal steps; cancellation
// surfaces as ErrCanceled with the solution at the current time.
func (s *Solver) Advance(ctx context.Context, tout float64, yout vec.Vector, task Task) (float64, Flag, error) {
	if !s.initDone {
		return 0, FlagSuccess, fmt.Errorf("%w: Advance before Init", ErrIllInput)
	}
	if len(yout) != s.n {
		return 0, FlagSuccess, fmt.Errorf("%w: yout length %d, state length %d", ErrIllInput, len(yout), s.n)
	}
	if task != Normal && task != OneStep {
		return 0, FlagSuccess, fmt.Errorf("%w: unknown task", ErrIllInput)
	}

	if s.nst == 0 {
		s.tretlast = s.tn

		if err := s.initialSetup(); err != nil {
			return s.tn, FlagSuccess, err
		}

		s.f(s.tn, s.zn[0], s.zn[1])
		s.nfe++
		if s.quad {
			s.fQ(s.tn, s.zn[0], s.znQ[1])
			s.nfQe++
		}
		if s.sensi {
			s.sensRhs(s.tn, s.zn[0], s.zn[1], s.znS[0], s.znS[1])
		}

		s.h = s.hin
		if s.h != 0 && (tout-s.tn)*s.h < 0 {
			return s.tn, FlagSuccess, fmt.Errorf("%w: initial step direction opposes tout", ErrIllInput)
		}
		if s.h == 0 {
			toutHin := tout
			if s.tstopSet && (tout-s.tn)*(tout-s.tstop) > 0 {
				toutHin = s.tstop
			}
			if err := s.hInit(toutHin); err != nil {
				return s.tn, FlagSuccess, err
			}
		}
		if rh := math.Abs(s.h) * s.hmaxInv; rh > 1 {
			s.h /= rh
		}
		if math.Abs(s.h) < s.hmin {
			s.h *= s.hmin / math.Abs(s.h)
		}

		if s.tstopSet {
			if (s.tstop-s.tn)*s.h < 0 {
				return s.tn, FlagSuccess, fmt.Errorf("%w: tstop behind current time", ErrIllInput)
			}
			if (s.tn+s.h-s.tstop)*s.h > 0 {
				s.h = (s.tstop - s.tn) * (1 - 4*s.uround)
			}
		}

		s.hscale = s.h
		s.h0u = s.h
		s.hprime = s.h
		vec.Scale(s.zn[1], s.h, s.zn[1])
		if s.quad {
			vec.Scale(s.znQ[1], s.h, s.znQ[1])
		}
		if s.sensi {
			for is := 0; is < s.ns; is++ {
				vec.Scale(s.znS[1][is], s.h, s.znS[1][is])
			}
		}
	}

	// stopping tests that may be satisfied without taking a step
	if s.nst > 0 {
		troundoff := fuzzFac * s.uround * (math.Abs(s.tn) + math.Abs(s.h))

		if task == Normal && (s.tn-tout)*s.h >= 0 {
			if err := s.GetDky(tout, 0, yout); err != nil {
				return s.tn, FlagSuccess, fmt.Errorf("%w: tout outside history window", ErrIllInput)
			}
			s.tretlast = tout
			return tout, FlagSuccess, nil
		}

		if task == OneStep && math.Abs(s.tn-s.tretlast) > troundoff {
			s.tretlast = s.tn
			yout.CopyFrom(s.zn[0])
			return s.tn, FlagSuccess, nil
		}

		if s.tstopSet {
			if math.Abs(s.tn-s.tstop) <= troundoff {
				if err := s.GetDky(s.tstop, 0, yout); err != nil {
					return s.tn, FlagSuccess, fmt.Errorf("%w: tstop outside history window", ErrIllInput)
				}
				s.tretlast = s.tstop
				s.tstopSet = false
				return s.tstop, FlagTstopReturn, nil
			}
			if (s.tn+s.hprime-s.tstop)*s.h > 0 {
				s.hprime = (s.tstop - s.tn) * (1 - 4*s.uround)
				s.eta = s.hprime / s.h
			}
		}
	}

	var nstloc int64
	for {
		if err := ctx.Err(); err != nil {
			yout.CopyFrom(s.zn[0])
			s.tretlast = s.tn
			return s.tn, FlagSuccess, s.wrapErr(fmt.Errorf("%w: %w", ErrCanceled, err))
		}

		s.nextH = s.h
		s.nextQ = s.q

		// refresh error weights about the current state
		if s.nst > 0 {
			if err := s.ewtSet(s.zn[0], s.ewt); err != nil {
				yout.CopyFrom(s.zn[0])
				s.tretlast = s.tn
				return s.tn, FlagSuccess, s.wrapErr(ErrEwtFail)
			}
			if s.quad && s.errconQ {
				if err := s.ewtSetQuad(s.znQ[0], s.ewtQ); err != nil {
					yout.CopyFrom(s.zn[0])
					s.tretlast = s.tn
					return s.tn, FlagSuccess, s.wrapErr(ErrEwtFail)
				}
			}
			if s.sensi {
				if err := s.ewtSetSens(s.znS[0], s.ewtS); err != nil {
					yout.CopyFrom(s.zn[0])
					s.tretlast = s.tn
					return s.tn, FlagSuccess, s.wrapErr(ErrEwtFail)
				}
			}
		}

		if s.mxstep > 0 && nstloc >= s.mxstep {
			yout.CopyFrom(s.zn[0])
			s.tretlast = s.tn
			return s.tn, FlagSuccess, s.wrapErr(fmt.Errorf("%w: %d internal steps taken before reaching tout", ErrTooMuchWork, s.mxstep))
		}

		// too much accuracy requested for machine precision
		nrm := s.zn[0].WrmsNorm(s.ewt)
		if s.quad && s.errconQ {
			nrm = s.quadUpdateNorm(nrm, s.znQ[0], s.ewtQ)
		}
		if s.sensi && s.errconS {
			nrm = s.sensUpdateNorm(nrm, s.znS[0], s.ewtS)
		}
		s.tolsf = s.uround * nrm
		if s.tolsf > 1 {
			yout.CopyFrom(s.zn[0])
			s.tretlast = s.tn
			s.tolsf *= 2
			return s.tn, FlagSuccess, s.wrapErr(ErrTooMuchAcc)
		}
		s.tolsf = 1

		if s.tn+s.h == s.tn && s.nhnil < s.mxhnil {
			s.nhnil++
		}

		if err := s.step(); err != nil {
			yout.CopyFrom(s.zn[0])
			s.tretlast = s.tn
			return s.tn, FlagSuccess, err
		}
		nstloc++

		if (s.tn-tout)*s.h >= 0 {
			s.tretlast = tout
			s.nextQ = s.qprime
			s.nextH = s.hprime
			_ = s.GetDky(tout, 0, yout)
			return tout, FlagSuccess, nil
		}

		if s.tstopSet {
			troundoff := fuzzFac * s.uround * (math.Abs(s.tn) + math.Abs(s.h))
			if math.Abs(s.tn-s.tstop) <= troundoff {
				_ = s.GetDky(s.tstop, 0, yout)
				s.tretlast = s.tstop
				s.tstopSet = false
				return s.tstop, FlagTstopReturn, nil
			}
			if (s.tn+s.hprime-s.tstop)*s.h > 0 {
				s.hprime = (s.tstop - s.tn) * (1 - 4*s.uround)
				s.eta = s.hprime / s.h
			}
		}

		if task == OneStep {
			s.tretlast = s.tn
			s.nextQ = s.qprime
			s.nextH = s.hprime
			yout.CopyFrom(s.zn[0])
			return s.tn, FlagSuccess, nil
		}
	}
}

// initialSetup validates the configuration on the first Advance call
// and primes the error weights and linear solver.
func (s *Solver) initialSetup() error {
	if s.initSetupDone {
		return nil
	}
	if !s.tolSet {
		return fmt.Errorf("%w: tolerances not set", ErrIllInput)
	}
	if err := s.ewtSet(s.zn[0], s.ewt); err != nil {
		return fmt.Errorf("%w: initial ewt has a non-positive component", ErrIllInput)
	}
	if s.quad && s.errconQ {
		if err := s.ewtSetQuad(s.znQ[0], s.ewtQ); err != nil {
			return fmt.Errorf("%w: initial quadrature ewt has a non-positive component", ErrIllInput)
		}
	}
	if s.sensi {
		if !s.stolSet {
			s.sensTolerancesDefault()
		}
		if err := s.ewtSetSens(s.znS[0], s.ewtS); err != nil {
			return fmt.Errorf("%w: initial sensitivity ewt has a non-positive component", ErrIllInput)
		}
	}
	if s.iter == Newton {
		if s.lsolver == nil {
			return fmt.Errorf("%w: Newton iteration needs a linear solver", ErrIllInput)
		}
		if err := s.lsolver.Init(s); err != nil {
			return s.wrapErr(fmt.Errorf("%w: %w", ErrSetupFailure, err))
		}
	}
	s.initSetupDone = true
	return nil
}

// hInit chooses the first step size when none was supplied: a geometric
// mean of a roundoff-based lower bound and a bound from the state scale,
// refined by estimating the second derivative.
func (s *Solver) hInit(tout float64) error {
	tdiff := tout - s.tn
	if tdiff == 0 {
		return fmt.Errorf("%w: tout too close to t0", ErrTooClose)
	}
	sign := 1.0
	if tdiff < 0 {
		sign = -1
	}
	tdist := math.Abs(tdiff)
	tround := s.uround * math.Max(math.Abs(s.tn), math.Abs(tout))
	if tdist < 2*tround {
		return fmt.Errorf("%w: tout too close to t0", ErrTooClose)
	}

	hlb := hlbFactor * tround
	hub := s.upperBoundH0(tdist)
	hg := math.Sqrt(hlb * hub)

	if hub < hlb {
		s.h = sign * hg
		return nil
	}

	hnew := hg
	hnewOK := false
	for count := 1; count <= h0Iters; count++ {
		if hnewOK {
			break
		}
		yddnrm := s.yddNorm(sign * hg)
		if yddnrm*hub*hub > 2 {
			hnew = math.Sqrt(2 / yddnrm)
		} else {
			hnew = math.Sqrt(hg * hub)
		}
		hrat := hnew / hg
		if hrat > 0.5 && hrat < 2 {
			hnewOK = true
		}
		if count > 1 && hrat > 2 {
			hnew = hg
			hnewOK = true
		}
		hg = hnew
	}

	h0 := 0.5 * hnew
	if h0 < hlb {
		h0 = hlb
	}
	if h0 > hub {
		h0 = hub
	}
	s.h = sign * h0
	return nil
}

// upperBoundH0 bounds the first step by a fraction of the integration
// interval and by the relative change each component can tolerate.
func (s *Solver) upperBoundH0(tdist float64) float64 {
	temp1 := s.tempv
	temp2 := s.acor

	vec.Abs(temp2, s.zn[0])
	s.ewtSet(s.zn[0], temp1)
	vec.Inv(temp1, temp1)
	vec.LinearSum(temp1, hubFactor, temp2, 1, temp1)

	vec.Abs(temp2, s.zn[1])
	vec.Div(temp1, temp2, temp1)
	hubInv := temp1.MaxNorm()

	if s.sensi && s.errconS {
		for is := 0; is < s.ns; is++ {
			t1 := s.tempvS[is]
			t2 := s.acorS[is]
			vec.Abs(t2, s.znS[0][is])
			vec.Inv(t1, s.ewtS[is])
			vec.LinearSum(t1, hubFactor, t2, 1, t1)
			vec.Abs(t2, s.znS[1][is])
			vec.Div(t1, t2, t1)
			if hi := t1.MaxNorm(); hi > hubInv {
				hubInv = hi
			}
		}
	}

	hub := hubFactor * tdist
	if hub*hubInv > 1 {
		hub = 1 / hubInv
	}
	return hub
}

// yddNorm estimates the weighted norm of y'' using a forward Euler
// probe of size hg.
func (s *Solver) yddNorm(hg float64) float64 {
	vec.LinearSum(s.y, hg, s.zn[1], 1, s.zn[0])
	if s.sensi && s.errconS {
		for is := 0; is < s.ns; is++ {
			vec.LinearSum(s.yS[is], hg, s.znS[1][is], 1, s.znS[0][is])
		}
	}

	s.f(s.tn+hg, s.y, s.tempv)
	s.nfe++
	if s.quad && s.errconQ {
		s.fQ(s.tn+hg, s.y, s.tempvQ)
		s.nfQe++
	}
	if s.sensi && s.errconS {
		s.sensRhs(s.tn+hg, s.y, s.tempv, s.yS, s.tempvS)
	}

	vec.LinearSum(s.tempv, 1/hg, s.tempv, -1/hg, s.zn[1])
	yddnrm := s.tempv.WrmsNorm(s.ewt)
	if s.quad && s.errconQ {
		vec.LinearSum(s.tempvQ, 1/hg, s.tempvQ, -1/hg, s.znQ[1])
		yddnrm = s.quadUpdateNorm(yddnrm, s.tempvQ, s.ewtQ)
	}
	if s.sensi && s.errconS {
		for is := 0; is < s.ns; is++ {
			vec.LinearSum(s.tempvS[is], 1/hg, s.tempvS[is], -1/hg, s.znS[1][is])
		}
		yddnrm = s.sensUpdateNorm(yddnrm, s.tempvS, s.ewtS)
	}
	return yddnrm
}
