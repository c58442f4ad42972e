package stream

import (
	"fmt"
	"time"
)

// State is the coarse connection state of a Manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is an observable snapshot of the connection. Delay is set only in
// StateBackoff and holds the wait before the next attempt.
type Status struct {
	State State         `json:"state"`
	Delay time.Duration `json:"delay_ns,omitempty"`
}

func (s Status) String() string {
	if s.State == StateBackoff {
		return fmt.Sprintf("backoff(%s)", s.Delay)
	}
	return s.State.String()
}
