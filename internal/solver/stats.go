package solver

// Stats is a snapshot of the main integrator counters.
type Stats struct {
	Steps             int64   // accepted internal steps
	RhsEvals          int64   // right-hand side evaluations
	LinSolvSetups     int64   // linear solver setup calls
	ErrTestFails      int64   // local error test failures
	NonlinIters       int64   // corrector iterations
	NonlinConvFails   int64   // corrector convergence failures
	OrderReductions   int64   // stability limit order reductions
	SmallStepWarnings int     // steps with t+h indistinguishable from t, capped at the warning limit
	LastOrder         int     // order of the last accepted step
	CurrentOrder      int     // order selected for the next step
	ActualInitStep    float64 // first step size actually used
	LastStep          float64 // size of the last accepted step
	CurrentStep       float64 // step size selected for the next step
	CurrentTime       float64 // internal integration time
	TolScaleFactor    float64 // suggested tolerance scale after ErrTooMuchAcc
}

// GetStats returns the current integrator counters.
func (s *Solver) GetStats() Stats {
	return Stats{
		Steps:             s.nst,
		RhsEvals:          s.nfe,
		LinSolvSetups:     s.nsetups,
		ErrTestFails:      s.netf,
		NonlinIters:       s.nni,
		NonlinConvFails:   s.ncfn,
		OrderReductions:   s.nor,
		SmallStepWarnings: s.nhnil,
		LastOrder:         s.qu,
		CurrentOrder:      s.nextQ,
		ActualInitStep:    s.h0u,
		LastStep:          s.hu,
		CurrentStep:       s.nextH,
		CurrentTime:       s.tn,
		TolScaleFactor:    s.tolsf,
	}
}

// QuadStats is a snapshot of the quadrature counters.
type QuadStats struct {
	QuadRhsEvals int64
	ErrTestFails int64
}

// GetQuadStats returns the quadrature counters. It is zero-valued when
// quadrature integration is not enabled.
func (s *Solver) GetQuadStats() QuadStats {
	return QuadStats{
		QuadRhsEvals: s.nfQe,
		ErrTestFails: s.netfQ,
	}
}

// SensStats is a snapshot of the forward sensitivity counters.
type SensStats struct {
	SensRhsEvals    int64 // sensitivity right-hand side evaluations
	RhsEvalsForSens int64 // state evaluations done for difference quotients
	ErrTestFails    int64
	LinSolvSetups   int64 // setups triggered by the staggered correctors
	NonlinIters     int64
	NonlinConvFails int64
	// Per-direction counters, populated only for Staggered1.
	NonlinItersByDir     []int64
	NonlinConvFailsByDir []int64
}

// GetSensStats returns the sensitivity counters. It is zero-valued when
// sensitivity analysis is not enabled.
func (s *Solver) GetSensStats() SensStats {
	st := SensStats{
		SensRhsEvals:    s.nfSe,
		RhsEvalsForSens: s.nfeS,
		ErrTestFails:    s.netfS,
		LinSolvSetups:   s.nsetupsS,
		NonlinIters:     s.nniS,
		NonlinConvFails: s.ncfnS,
	}
	if s.nniS1 != nil {
		st.NonlinItersByDir = append([]int64(nil), s.nniS1...)
		st.NonlinConvFailsByDir = append([]int64(nil), s.ncfnS1...)
	}
	return st
}

// LastStep returns the size of the last accepted step.
func (s *Solver) LastStep() float64 { return s.hu }

// CurrentOrder returns the order selected for the next step.
func (s *Solver) CurrentOrder() int { return s.nextQ }
