package console

import (
	"context"
	"net/netip"
	"strconv"
	"strings"
	"testing"
	"time"

	clienttcp "github.com/omochice/netdebug/internal/client/tcp"
	"github.com/omochice/netdebug/internal/taskmgr"
	"github.com/omochice/netdebug/internal/transport/tcp"
	"github.com/omochice/netdebug/internal/transport/udp"
)

// TestTransports_ClientServerExchange drives a real server and client
// through their console transports.
func TestTransports_ClientServerExchange(t *testing.T) {
	mgr := taskmgr.New()
	defer mgr.Shutdown(context.Background())

	srv := tcp.NewServer(mgr.Elastic())
	if err := srv.Open("127.0.0.1:0", tcp.Config{}); err != nil {
		t.Fatalf("failed to open server: %v", err)
	}
	defer srv.Close()

	server := ServerTransport{Server: srv}
	if err := server.Send([]byte("nobody")); err != ErrNoPeers {
		t.Fatalf("expected ErrNoPeers, got %v", err)
	}

	host, portStr, _ := strings.Cut(srv.Addr(), ":")
	port, _ := strconv.Atoi(portStr)
	c := clienttcp.New(host, port)
	got := make(chan []byte, 4)
	c.SetReceive(func(data []byte) { got <- data })
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("client failed to connect: %v", err)
	}
	defer c.Close()

	ids := make(chan string, 1)
	srv.SetReceive(func(id string, data []byte) { ids <- id })

	client := ClientTransport{Client: c}
	if err := client.Send([]byte("hello")); err != nil {
		t.Fatalf("client send failed: %v", err)
	}

	var id string
	select {
	case id = <-ids:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive client data")
	}

	if n := server.ActiveConnectionCount(); n != 1 {
		t.Errorf("expected 1 client, got %d", n)
	}
	if peers := server.Connections(); len(peers) != 1 || peers[0].ID != id {
		t.Errorf("unexpected peers %v", peers)
	}

	if err := server.Send([]byte("broadcast")); err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}
	if err := server.SendTo(id, []byte("unicast")); err != nil {
		t.Fatalf("unicast failed: %v", err)
	}

	var received []byte
	deadline := time.After(2 * time.Second)
	for string(received) != "broadcastunicast" {
		select {
		case data := <-got:
			received = append(received, data...)
		case <-deadline:
			t.Fatalf("client received %q", received)
		}
	}
}

func TestTransports_UDPTarget(t *testing.T) {
	a := udp.New()
	if err := a.Open("127.0.0.1:0", 0); err != nil {
		t.Fatalf("failed to open endpoint: %v", err)
	}
	defer a.Close()

	b := udp.New()
	got := make(chan netip.AddrPort, 2)
	b.SetReceive(func(from netip.AddrPort, data []byte) { got <- from })
	if err := b.Open("127.0.0.1:0", 0); err != nil {
		t.Fatalf("failed to open endpoint: %v", err)
	}
	defer b.Close()

	tr, err := NewUDPTransport(a, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tr.Send([]byte("x")); err != ErrNoTarget {
		t.Fatalf("expected ErrNoTarget, got %v", err)
	}
	if err := tr.SetTarget("no-port"); err == nil {
		t.Fatal("expected invalid target error")
	}

	if err := tr.SetTarget(b.LocalAddr().String()); err != nil {
		t.Fatalf("set target: %v", err)
	}
	if tr.Name() != b.LocalAddr().String() {
		t.Errorf("unexpected name %q", tr.Name())
	}
	if err := tr.Send([]byte("x")); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	select {
	case from := <-got:
		if from.Port() != a.LocalAddr().Port() {
			t.Errorf("unexpected sender %s", from)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("datagram not received")
	}

	if err := tr.SendDatagram(b.LocalAddr(), []byte("reply")); err != nil {
		t.Fatalf("send datagram failed: %v", err)
	}
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("datagram not received")
	}
}
