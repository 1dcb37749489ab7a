package state

import "fmt"

// SafetyModuleState is the module-wide lifecycle state
type SafetyModuleState uint8

const (
	StateActive SafetyModuleState = iota
	StateTriggered
	StatePaused
)

func (s SafetyModuleState) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateTriggered:
		return "TRIGGERED"
	case StatePaused:
		return "PAUSED"
	default:
		return "UNKNOWN"
	}
}

// ParseSafetyModuleState is the inverse of String.
func ParseSafetyModuleState(s string) (SafetyModuleState, error) {
	switch s {
	case "ACTIVE":
		return StateActive, nil
	case "TRIGGERED":
		return StateTriggered, nil
	case "PAUSED":
		return StatePaused, nil
	}
	return 0, fmt.Errorf("unknown safety module state %q", s)
}

var validTransitions = map[SafetyModuleState][]SafetyModuleState{
	StateActive: {
		StateTriggered,
		StatePaused,
	},
	StateTriggered: {
		StateActive,
		StatePaused,
	},
	StatePaused: {
		StateActive,
		StateTriggered,
	},
}

// CanTransitionTo validates state transitions
func (s SafetyModuleState) CanTransitionTo(next SafetyModuleState) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
