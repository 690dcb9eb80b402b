package solver

import "errors"

// Failure classes reported by the integrator. Recoverable numerical
// failures are retried internally up to the configured limits; only the
// exhausted or unrecoverable outcomes surface through these values.
var (
	// ErrIllInput indicates an illegal or inconsistent configuration input.
	ErrIllInput = errors.New("solver: illegal input")

	// ErrTooMuchWork indicates mxstep internal steps were taken without
	// reaching tout. The solver state stays valid for continuation.
	ErrTooMuchWork = errors.New("solver: mxstep steps taken before reaching tout")

	// ErrTooMuchAcc indicates the requested accuracy is below what the
	// machine precision supports at the current state magnitude.
	ErrTooMuchAcc = errors.New("solver: requested accuracy exceeds machine precision")

	// ErrErrFailure indicates repeated local error test failures, or that
	// the error test failed with |h| already at hmin.
	ErrErrFailure = errors.New("solver: repeated error test failures or |h| = hmin")

	// ErrConvFailure indicates repeated nonlinear convergence failures, or
	// that the corrector failed to converge with |h| already at hmin.
	ErrConvFailure = errors.New("solver: repeated convergence failures or |h| = hmin")

	// ErrSetupFailure indicates the linear solver setup failed unrecoverably.
	ErrSetupFailure = errors.New("solver: linear solver setup failed")

	// ErrSolveFailure indicates the linear solver solve failed unrecoverably.
	ErrSolveFailure = errors.New("solver: linear solver solve failed")

	// ErrBadK indicates a dense output derivative order outside 0..qu.
	ErrBadK = errors.New("solver: illegal derivative order for dense output")

	// ErrBadT indicates a dense output time outside [tn-hu, tn].
	ErrBadT = errors.New("solver: dense output time outside last step interval")

	// ErrTooClose indicates tout too close to t0 to start integration.
	ErrTooClose = errors.New("solver: tout too close to t0")

	// ErrEwtFail indicates an error weight became non-positive, typically
	// because a component vanished with a zero absolute tolerance.
	ErrEwtFail = errors.New("solver: error weight has a non-positive component")

	// ErrCanceled indicates the context was canceled between internal steps.
	ErrCanceled = errors.New("solver: canceled by context")

	// ErrRecoverable marks a transient failure from a linear solver
	// backend. Backends wrap it to request a retry with a fresh Jacobian
	// or a reduced step rather than an abort.
	ErrRecoverable = errors.New("recoverable failure")
)

// SolverError wraps a failure with the step count and internal time at
// which it occurred.
type SolverError struct {
	Step    int64
	Time    float64
	Wrapped error
}

func (e *SolverError) Error() string {
	return e.Wrapped.Error()
}

func (e *SolverError) Unwrap() error {
	return e.Wrapped
}
