package session

import "fmt"

// ReadyState describes how far the session has progressed toward a live
// peripheral link.
type ReadyState int

const (
	// NoDevice means no peripheral has been selected yet.
	NoDevice ReadyState = iota
	// RequestingDevice means device selection is in progress.
	RequestingDevice
	// HaveDevice means a peripheral is selected but not connected.
	HaveDevice
	// Connecting means the connect/poll cycle is establishing the link.
	Connecting
	// Ready means the link is up and readings are being polled.
	Ready
)

var readyStateNames = map[ReadyState]string{
	NoDevice:         "noDevice",
	RequestingDevice: "requestingDevice",
	HaveDevice:       "haveDevice",
	Connecting:       "connecting",
	Ready:            "ready",
}

func (s ReadyState) String() string {
	if n, ok := readyStateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("readyState(%d)", int(s))
}

// ParseReadyState is the inverse of String.
func ParseReadyState(name string) (ReadyState, error) {
	for st, n := range readyStateNames {
		if n == name {
			return st, nil
		}
	}
	return NoDevice, fmt.Errorf("unknown ready state %q", name)
}

// validTransitions is the fixed transition graph of the session. Anything
// not listed here is a programming error, not a recoverable condition.
var validTransitions = map[ReadyState][]ReadyState{
	NoDevice:         {RequestingDevice},
	RequestingDevice: {NoDevice, HaveDevice},
	HaveDevice:       {Connecting, RequestingDevice},
	Connecting:       {HaveDevice, Ready},
	Ready:            {Connecting, HaveDevice},
}

// CanTransitionTo reports whether s -> to is a legal transition.
func (s ReadyState) CanTransitionTo(to ReadyState) bool {
	for _, t := range validTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}
