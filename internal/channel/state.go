package channel

import "fmt"

// State is the connection state of a channel.
type State int32

// Channel states.
const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// StateChange is passed to state observers.
type StateChange struct {
	Old State
	New State
}
