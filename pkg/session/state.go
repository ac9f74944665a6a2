package session

// State is the position of a session in the CWMP exchange.
type State int

const (
	StateStart State = iota
	StateQueryingDeviceStore
	StateServer
	StatePendingDeviceResponse
	StateAwaitingNewOperation
	StatePendingCallback
	StateReadingInProgressOperation
	StateTerminated
	StateAuthFailure
)

var stateNames = [...]string{
	StateStart:                      "Start",
	StateQueryingDeviceStore:        "QueryingDeviceStore",
	StateServer:                     "Server",
	StatePendingDeviceResponse:      "PendingDeviceResponse",
	StateAwaitingNewOperation:       "AwaitingNewOperation",
	StatePendingCallback:            "PendingCallback",
	StateReadingInProgressOperation: "ReadingInProgressOperation",
	StateTerminated:                 "Terminated",
	StateAuthFailure:                "AuthFailure",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateTerminated || s == StateAuthFailure
}

// ParseState maps a stored state name back to its value.
func ParseState(name string) (State, bool) {
	for i, n := range stateNames {
		if n == name {
			return State(i), true
		}
	}
	return StateStart, false
}
