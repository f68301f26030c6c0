package orchestrator

import (
	"fmt"
	"slices"
)

// State is a phase of the orchestration state machine.
type State int

const (
	StateInit State = iota
	StateSettingUp
	StateRunningSuites
	StateTearingDown
	StateReported
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateSettingUp:
		return "SETTING_UP"
	case StateRunningSuites:
		return "RUNNING_SUITES"
	case StateTearingDown:
		return "TEARING_DOWN"
	case StateReported:
		return "REPORTED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// transitions is the complete set of legal moves.  SETTING_UP skips to
// TEARING_DOWN when a cluster was allocated but setup failed, and to
// REPORTED when nothing was allocated.
var transitions = map[State][]State{
	StateInit:          {StateSettingUp},
	StateSettingUp:     {StateRunningSuites, StateTearingDown, StateReported},
	StateRunningSuites: {StateTearingDown},
	StateTearingDown:   {StateReported},
}

// CanTransition reports whether from → to is in the transition table.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}
