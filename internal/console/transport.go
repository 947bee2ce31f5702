package console

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/omochice/netdebug/internal/client"
	"github.com/omochice/netdebug/internal/config"
	"github.com/omochice/netdebug/internal/transport/tcp"
	"github.com/omochice/netdebug/internal/transport/udp"
)

var (
	// ErrNoPeers is returned when the server has no client to send to.
	ErrNoPeers = errors.New("cannot send, no client connected")
	// ErrNoTarget is returned when no UDP target has been set.
	ErrNoTarget = errors.New("cannot send, no target host set")
	// ErrUnsupported is returned for a command the current mode lacks.
	ErrUnsupported = errors.New("not supported in this mode")
)

// Transport is the network role the console drives.
type Transport interface {
	// Send delivers data to the default destination.
	Send(data []byte) error
	// Name labels the default destination in rendered output.
	Name() string
}

// Unicaster can address a single server connection.
type Unicaster interface {
	SendTo(id string, data []byte) error
}

// PeerLister can enumerate server connections.
type PeerLister interface {
	Connections() []tcp.Peer
	ActiveConnectionCount() int
}

// Targeter has a changeable default destination.
type Targeter interface {
	SetTarget(target string) error
	Target() string
}

// ClientTransport drives an outbound client.
type ClientTransport struct {
	Client client.Client
}

func (t ClientTransport) Send(data []byte) error { return t.Client.Write(data) }
func (t ClientTransport) Name() string           { return t.Client.Address() }

// ServerTransport drives a TCP server: plain sends broadcast.
type ServerTransport struct {
	Server *tcp.Server
}

func (t ServerTransport) Send(data []byte) error {
	if t.Server.ActiveConnectionCount() == 0 {
		return ErrNoPeers
	}
	if t.Server.Send(data) == 0 {
		return ErrNoPeers
	}
	return nil
}

func (t ServerTransport) Name() string { return "all clients" }

func (t ServerTransport) SendTo(id string, data []byte) error {
	return t.Server.SendTo(id, data)
}

func (t ServerTransport) Connections() []tcp.Peer    { return t.Server.Connections() }
func (t ServerTransport) ActiveConnectionCount() int { return t.Server.ActiveConnectionCount() }

// UDPTransport drives a UDP endpoint with a settable target.
type UDPTransport struct {
	Endpoint *udp.Endpoint

	mu     sync.Mutex
	target string
}

// NewUDPTransport returns a transport sending to target, which may be empty.
func NewUDPTransport(e *udp.Endpoint, target string) (*UDPTransport, error) {
	t := &UDPTransport{Endpoint: e}
	if target != "" {
		if err := t.SetTarget(target); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *UDPTransport) Send(data []byte) error {
	target := t.Target()
	if target == "" {
		return ErrNoTarget
	}
	host, port, err := config.SplitTarget(target)
	if err != nil {
		return err
	}
	return t.Endpoint.Send(data, host, port)
}

func (t *UDPTransport) Name() string {
	if target := t.Target(); target != "" {
		return target
	}
	return "no target"
}

// SendDatagram replies to a specific sender.
func (t *UDPTransport) SendDatagram(to netip.AddrPort, data []byte) error {
	return t.Endpoint.Send(data, to.Addr().String(), int(to.Port()))
}

func (t *UDPTransport) SetTarget(target string) error {
	if _, _, err := config.SplitTarget(target); err != nil {
		return fmt.Errorf("set target: %w", err)
	}
	t.mu.Lock()
	t.target = target
	t.mu.Unlock()
	return nil
}

func (t *UDPTransport) Target() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.target
}

var (
	_ Transport  = ClientTransport{}
	_ Unicaster  = ServerTransport{}
	_ PeerLister = ServerTransport{}
	_ Targeter   = (*UDPTransport)(nil)
)
