package bootstrap

import (
	"encoding/json"
	"fmt"
)

// State is a bootstrap loop state.
type State string

const (
	// StateDetecting selects a pattern for the project.
	StateDetecting State = "detecting"

	// StateCompiling turns the pattern (or the fixed graph) into a checked task graph.
	StateCompiling State = "compiling"

	// StateExecuting runs the task graph.
	StateExecuting State = "executing"

	// StateValidating runs the pattern's validation checks.
	StateValidating State = "validating"

	// StateAutoFixing derives the next graph from the failed checks.
	StateAutoFixing State = "auto_fixing"

	// StateFinalizing generates cleanup phases and artifacts.
	StateFinalizing State = "finalizing"

	// StateSucceeded is terminal: the deployment validated.
	StateSucceeded State = "succeeded"

	// StateFailedExhausted is terminal: validation never passed within the iteration budget.
	StateFailedExhausted State = "failed_exhausted"

	// StateFailedCritical is terminal: a critical, connectivity or pattern failure aborted the run.
	StateFailedCritical State = "failed_critical"
)

// transitions lists the states reachable from each non-terminal state.
var transitions = map[State][]State{
	StateDetecting:  {StateCompiling, StateFailedCritical},
	StateCompiling:  {StateExecuting, StateFailedCritical},
	StateExecuting:  {StateValidating, StateFailedCritical},
	StateValidating: {StateFinalizing, StateAutoFixing, StateFailedExhausted, StateFailedCritical},
	StateAutoFixing: {StateCompiling, StateFailedCritical},
	StateFinalizing: {StateSucceeded, StateFailedCritical},
}

// IsTerminal returns true if the loop stops in this state.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailedExhausted || s == StateFailedCritical
}

// CanTransition reports whether the loop may move from s to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Validate checks if the state is valid.
func (s State) Validate() error {
	switch s {
	case StateDetecting, StateCompiling, StateExecuting, StateValidating,
		StateAutoFixing, StateFinalizing, StateSucceeded, StateFailedExhausted, StateFailedCritical:
		return nil
	default:
		return fmt.Errorf("invalid bootstrap state: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *State) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = State(str)
	return s.Validate()
}
