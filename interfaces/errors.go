package interfaces

import "errors"

// Error taxonomy for the session lifecycle. Stage-fatal errors unwind to
// immediate termination with zeroization; operation-level errors are recovered
// locally by the orchestrator.
var (
	// ErrConvergenceFailure indicates the quorum never reached consensus,
	// even after threshold decay. No key material exists at this point.
	ErrConvergenceFailure = errors.New("quorum convergence failed")

	// ErrInsufficientShares indicates fewer than the threshold number of
	// valid secret shares were available for key reconstruction.
	ErrInsufficientShares = errors.New("insufficient secret shares")

	// ErrExecutionFault indicates a single operation failed; the session
	// recovers by rolling back to the last snapshot.
	ErrExecutionFault = errors.New("operation execution fault")

	// ErrCensorshipDetected indicates a canary emission gap exceeded the
	// configured tolerance.
	ErrCensorshipDetected = errors.New("censorship detected")

	// ErrProxyRejected indicates a proxy approval request was denied or
	// timed out. Only the gated operation aborts.
	ErrProxyRejected = errors.New("proxy approval rejected")

	// ErrCommitmentFailure indicates insufficient quorum signatures were
	// collected for a result within the commitment window.
	ErrCommitmentFailure = errors.New("outcome commitment failed")

	// ErrZeroization indicates sensitive memory could not be verifiably
	// scrubbed. This violates the subsystem's core guarantee and is fatal.
	ErrZeroization = errors.New("zeroization failed")

	// ErrSessionDestroyed is returned when reading state from a component
	// after Destruction has scrubbed it.
	ErrSessionDestroyed = errors.New("session state destroyed")

	// ErrStageViolation is returned when a stage transition would move the
	// state machine backwards or skip a stage.
	ErrStageViolation = errors.New("stage order violation")
)
