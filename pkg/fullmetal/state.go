package fullmetal

import "fmt"

// ConnectionState is the lifecycle state of a client connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateAuthenticating
	StateAuthenticated
	StateReconnecting
)

// String returns the string representation of the connection state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// canTransition reports whether the state machine allows from -> to.
// Authenticated is only reachable once a connection exists.
func canTransition(from, to ConnectionState) bool {
	if to < StateDisconnected || to > StateReconnecting {
		return false
	}
	if to == StateAuthenticated {
		return from == StateConnected || from == StateAuthenticating || from == StateAuthenticated
	}
	return true
}

// StateChangeFunc observes state transitions.
type StateChangeFunc func(from, to ConnectionState)
