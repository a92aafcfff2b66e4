package gateway

import "time"

// State is the lifecycle state of a gateway connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingHello
	StateIdentifying
	StateResuming
	StateConnected
	// StateFatal is terminal: reconnects were exhausted or Discord rejected
	// the credentials.
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingHello:
		return "awaiting_hello"
	case StateIdentifying:
		return "identifying"
	case StateResuming:
		return "resuming"
	case StateConnected:
		return "connected"
	case StateFatal:
		return "fatal"
	}
	return "unknown"
}

// Status is a point-in-time snapshot of a connection.
type Status struct {
	State          State
	SessionID      string
	Seq            int64
	HasSeq         bool
	BotUserID      string
	HeartbeatAcked bool
	Attempts       int
	LastError      string
	Since          time.Time
}
