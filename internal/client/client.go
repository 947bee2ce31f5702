// Package client defines the common surface of the outbound client roles.
package client

import "context"

// Client is an outbound connection to a single server.
// Both the raw TCP and the WebSocket implementations satisfy this interface.
type Client interface {
	Connect(ctx context.Context) error
	Send(data []byte)
	Write(data []byte) error
	SetReceive(fn ReceiveFunc)
	SetOnDisconnect(fn func())
	Close() error
	State() State
	Address() string
}

// ReceiveFunc receives each unit of data read from the server.
type ReceiveFunc func(data []byte)

// State is the client lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
