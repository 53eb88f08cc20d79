package engine

// State is the protocol state of an engine session.
type State int

// Session states. Succeeded and Failed are terminal.
const (
	StateConnecting State = iota
	StateSubmitted
	StateCaching
	StateSucceeded
	StateFailed
)

var stateNames = map[State]string{
	StateConnecting: "connecting",
	StateSubmitted:  "submitted",
	StateCaching:    "caching",
	StateSucceeded:  "succeeded",
	StateFailed:     "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}

	return "unknown"
}

// Terminal reports whether no further frames are processed in this state.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}
