package workspace

import (
	"fmt"
	"time"
)

// Phase is one step of the deterministic workspace lifecycle.
type Phase string

const (
	// PhaseIdle is the initial phase before any boot request.
	PhaseIdle Phase = "idle"
	// PhaseBooting covers runtime acquisition.
	PhaseBooting Phase = "booting"
	// PhaseMounting covers the initial full file mount.
	PhaseMounting Phase = "mounting"
	// PhaseInstalling covers dependency installation.
	PhaseInstalling Phase = "installing"
	// PhaseStarting covers dev-server launch up to the first port announcement.
	PhaseStarting Phase = "starting"
	// PhaseReady means the preview is reachable.
	PhaseReady Phase = "ready"
	// PhaseError is the terminal failure phase for the session.
	PhaseError Phase = "error"
)

var allowedTransitions = map[Phase]map[Phase]struct{}{
	PhaseIdle: {
		PhaseBooting: {},
	},
	PhaseBooting: {
		PhaseMounting: {},
		PhaseError:    {},
	},
	PhaseMounting: {
		PhaseInstalling: {},
		PhaseError:      {},
	},
	PhaseInstalling: {
		PhaseStarting: {},
		PhaseError:    {},
	},
	PhaseStarting: {
		PhaseReady: {},
		PhaseError: {},
	},
	PhaseReady: {
		PhaseError: {},
	},
}

// TransitionRecord stores phase transition metadata for local history.
type TransitionRecord struct {
	SessionID string
	FromPhase Phase
	ToPhase   Phase
	Reason    string
	Timestamp time.Time
}

// IllegalTransitionError is returned for a disallowed phase transition.
type IllegalTransitionError struct {
	SessionID string
	FromPhase Phase
	ToPhase   Phase
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf(
		"cannot transition session %q from %q to %q: illegal transition for workspace lifecycle",
		e.SessionID,
		e.FromPhase,
		e.ToPhase,
	)
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}

func isAllowed(fromPhase, toPhase Phase) bool {
	nextPhases, ok := allowedTransitions[fromPhase]
	if !ok {
		return false
	}
	_, ok = nextPhases[toPhase]
	return ok
}
