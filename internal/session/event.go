package session

import "fmt"

// EventKind classifies informational events.
type EventKind int

const (
	// EventConnected is emitted when a client connection is accepted.
	EventConnected EventKind = iota
	// EventDisconnected is emitted when the peer closes the connection.
	EventDisconnected
	// EventTimedOut is emitted when the heartbeat (idle timeout) expires.
	EventTimedOut
	// EventSendFailed is emitted when a broadcast write drops a connection.
	EventSendFailed
)

// String returns the string representation of EventKind
func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventTimedOut:
		return "timed out"
	case EventSendFailed:
		return "disconnected (send failure)"
	default:
		return "unknown"
	}
}

// Event describes a lifecycle change of one connection.
type Event struct {
	Kind   EventKind
	ConnID string
	Remote string
}

// String renders the event for display.
func (e Event) String() string {
	return fmt.Sprintf("client %s %s", e.Remote, e.Kind)
}

// Terminal reports whether the event ends the connection's life.
func (e Event) Terminal() bool {
	return e.Kind != EventConnected
}
