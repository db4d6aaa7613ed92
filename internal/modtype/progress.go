package modtype

// DirectiveState is the position of a directive in its lifecycle.
type DirectiveState uint8

// Directive states. Done, Failed, Skipped and Canceled are terminal.
const (
	// StatePending indicates the directive is waiting for dependencies or a worker.
	StatePending DirectiveState = iota

	// StateResolving indicates the directive's inputs are being resolved.
	StateResolving

	// StateProducing indicates output bytes are being written to a temporary file.
	StateProducing

	// StateVerifying indicates the produced output is being checked against its hash.
	StateVerifying

	// StateDone indicates the output was committed at its final path.
	StateDone

	// StateFailed indicates the directive failed; see the event error.
	StateFailed

	// StateSkipped indicates a previous run already produced the verified output.
	StateSkipped

	// StateCanceled indicates the run was canceled before the directive committed.
	StateCanceled
)

// String returns the string representation of the state.
func (s DirectiveState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateResolving:
		return "resolving"
	case StateProducing:
		return "producing"
	case StateVerifying:
		return "verifying"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	case StateSkipped:
		return "skipped"
	case StateCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions follow s.
func (s DirectiveState) Terminal() bool {
	switch s {
	case StateDone, StateFailed, StateSkipped, StateCanceled:
		return true
	default:
		return false
	}
}

// Event reports a directive state transition.
type Event struct {
	// ID is the directive id.
	ID string

	// Path is the directive output path.
	Path string

	// From and To are the states before and after the transition.
	From DirectiveState
	To   DirectiveState

	// Err is set when To is StateFailed.
	Err error
}

// ProgressFunc receives state transitions during a run.
// Implementations must be safe for concurrent calls.
type ProgressFunc func(Event)
