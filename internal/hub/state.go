package hub

import (
	"time"
)

type State int32

const (
	Disconnected State = iota
	Connected
	Listening
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Listening:
		return "listening"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time view of a Hub. Counters reset on every Connect.
type Stats struct {
	State          State
	ConnID         string
	RemoteAddr     string
	ConnectedAt    time.Time
	FramesSent     uint64
	FramesReceived uint64
	DispatchErrors uint64
	Registered     int
	LastError      error
}
