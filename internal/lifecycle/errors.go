package lifecycle

import (
	"errors"
	"fmt"
)

// ErrSpotBidTooHigh is returned by Validate when the spot bid exceeds
// MaxSpotBid and the check was not suppressed.
var ErrSpotBidTooHigh = errors.New("spot bid too high")

// ErrNotAllocated is returned by Terminate for a handle that never
// reached the backend.
var ErrNotAllocated = errors.New("cluster was never allocated")

// Phase identifies one of the three remote phases of a run.
type Phase string

const (
	PhaseSetup    Phase = "SETUP"
	PhaseExec     Phase = "EXEC"
	PhaseTeardown Phase = "TEARDOWN"
)

// Kind classifies a phase failure.
type Kind int

const (
	KindSetupTimeout Kind = iota
	KindSetupError
	KindExecTimeout
	KindTeardownTimeout
	KindTeardownError
	KindSetupCancelled
	KindExecCancelled
)

func (k Kind) String() string {
	switch k {
	case KindSetupTimeout:
		return "SetupTimeout"
	case KindSetupError:
		return "SetupError"
	case KindExecTimeout:
		return "ExecTimeout"
	case KindTeardownTimeout:
		return "TeardownTimeout"
	case KindTeardownError:
		return "TeardownError"
	case KindSetupCancelled:
		return "SetupCancelled"
	case KindExecCancelled:
		return "ExecCancelled"
	default:
		return "Unknown"
	}
}

// Timeout reports whether the kind is a deadline failure.
func (k Kind) Timeout() bool {
	return k == KindSetupTimeout || k == KindExecTimeout || k == KindTeardownTimeout
}

// Cancelled reports whether the kind is an operator interrupt.
func (k Kind) Cancelled() bool {
	return k == KindSetupCancelled || k == KindExecCancelled
}

// PhaseError is a failure of a remote phase.  It is recorded in the run
// report and never aborts the run.
type PhaseError struct {
	Kind Kind
	Tag  string
	Err  error
}

func (e *PhaseError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s (cluster %s)", e.Kind, e.Tag)
	}
	return fmt.Sprintf("%s (cluster %s): %v", e.Kind, e.Tag, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a *PhaseError of the given kind.
func IsKind(err error, kind Kind) bool {
	var pe *PhaseError
	return errors.As(err, &pe) && pe.Kind == kind
}
