package retry

import "strconv"

// State is the lifecycle state shared by events, requests and sagas.
type State int

const (
	StateInit      State = 0
	StateExecuting State = -1
	StateCancelled State = -2
	StateExpired   State = -3
	StateExhausted State = -4
	StateException State = -9
	StateExecuted  State = 1
)

// Valid reports whether the record may still be attempted.
func (s State) Valid() bool {
	return s == StateInit || s == StateExecuting || s == StateException
}

// Invalid reports whether the record ended without a result.
func (s State) Invalid() bool {
	return s == StateCancelled || s == StateExpired || s == StateExhausted
}

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateExecuting:
		return "EXECUTING"
	case StateCancelled:
		return "CANCELLED"
	case StateExpired:
		return "EXPIRED"
	case StateExhausted:
		return "EXHAUSTED"
	case StateException:
		return "EXCEPTION"
	case StateExecuted:
		return "EXECUTED"
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

var allStates = []State{StateInit, StateExecuting, StateCancelled, StateExpired, StateExhausted, StateException, StateExecuted}

// ParseState accepts either the numeric code or the name.
func ParseState(v string) (State, bool) {
	n, err := strconv.Atoi(v)
	for _, s := range allStates {
		if (err == nil && int(s) == n) || s.String() == v {
			return s, true
		}
	}
	return 0, false
}
