package channel

import "time"

// State is a channel's position in its connection lifecycle.
type State int32

const (
	Disconnected State = iota
	Connecting
	Subscribing
	Active
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Subscribing:
		return "subscribing"
	case Active:
		return "active"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// StateChange is published on every transition.
type StateChange struct {
	RoomID int64
	State  State
	// Err is the cause for Reconnecting and for a Closed that was not a leave.
	Err error
	// Attempt is the reconnect attempt number while Reconnecting.
	Attempt int
	At      time.Time
}
