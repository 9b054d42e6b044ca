package workbench

// ConnectionState tracks the lifecycle of a client's single connection slot.
// Exactly one value holds at any time. The only way out of StateError is an
// explicit Disconnect, which always lands on StateDisconnected.
type ConnectionState int

// Connection states.
const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}
