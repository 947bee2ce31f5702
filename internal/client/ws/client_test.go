package ws_test

import (
	"bytes"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/require"

	"github.com/omochice/netdebug/internal/client"
	wsclient "github.com/omochice/netdebug/internal/client/ws"
	"github.com/omochice/netdebug/internal/telemetry"
)

// startServer runs a WebSocket server that hands each upgraded
// connection to handle.
func startServer(t *testing.T, handle func(conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				if _, err := ws.Upgrade(conn); err != nil {
					return
				}
				handle(conn)
			}()
		}
	}()
	return "ws://" + ln.Addr().String() + "/"
}

func echo(conn net.Conn) {
	for {
		data, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}
		if err := wsutil.WriteServerMessage(conn, op, data); err != nil {
			return
		}
	}
}

type messages struct {
	mu  sync.Mutex
	got [][]byte
}

func (m *messages) add(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, data)
}

func (m *messages) list() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.got...)
}

func TestClient_EchoWholeMessages(t *testing.T) {
	url := startServer(t, echo)

	c := wsclient.New(url)
	t.Cleanup(func() { _ = c.Close() })
	var got messages
	c.SetReceive(got.add)

	require.NoError(t, c.Connect(context.Background()))
	require.Equal(t, client.StateConnected, c.State())

	big := bytes.Repeat([]byte{0x00, 0xff}, 40*1024)
	c.Send([]byte("hello"))
	require.NoError(t, c.Write(big))

	require.Eventually(t, func() bool { return len(got.list()) == 2 }, 2*time.Second, 10*time.Millisecond)
	list := got.list()
	require.Equal(t, []byte("hello"), list[0])
	require.Equal(t, big, list[1])
}

func TestClient_AnswersPing(t *testing.T) {
	pong := make(chan []byte, 1)
	url := startServer(t, func(conn net.Conn) {
		if err := wsutil.WriteServerMessage(conn, ws.OpPing, []byte("are you there")); err != nil {
			return
		}
		for {
			msgs, err := wsutil.ReadClientMessage(conn, nil)
			if err != nil {
				return
			}
			for _, m := range msgs {
				if m.OpCode == ws.OpPong {
					pong <- m.Payload
				}
			}
		}
	})

	c := wsclient.New(url)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Connect(context.Background()))

	select {
	case payload := <-pong:
		require.Equal(t, "are you there", string(payload))
	case <-time.After(2 * time.Second):
		t.Fatal("no pong received")
	}
}

func TestClient_ServerCloseFiresDisconnect(t *testing.T) {
	url := startServer(t, func(conn net.Conn) {
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "bye")
		_ = wsutil.WriteServerMessage(conn, ws.OpClose, body)
		time.Sleep(100 * time.Millisecond)
	})

	c := wsclient.New(url)
	t.Cleanup(func() { _ = c.Close() })
	var disconnects atomic.Int32
	c.SetOnDisconnect(func() { disconnects.Add(1) })
	require.NoError(t, c.Connect(context.Background()))

	require.Eventually(t, func() bool { return disconnects.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, client.StateDisconnected, c.State())
}

func TestClient_LocalCloseIsSilent(t *testing.T) {
	url := startServer(t, echo)

	c := wsclient.New(url)
	var calls atomic.Int32
	c.SetOnDisconnect(func() { calls.Add(1) })
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	time.Sleep(200 * time.Millisecond)

	require.Equal(t, int32(0), calls.Load())
	require.Equal(t, client.StateClosed, c.State())
	require.ErrorIs(t, c.Write([]byte("x")), wsclient.ErrNotConnected)
}

func TestClient_ConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c := wsclient.New("ws://" + addr + "/")
	require.Error(t, c.Connect(context.Background()))
	require.Equal(t, client.StateDisconnected, c.State())
	require.ErrorIs(t, c.Connect(context.Background()), wsclient.ErrAlreadyUsed)
}

func TestClient_ConnectTwice(t *testing.T) {
	url := startServer(t, echo)

	c := wsclient.New(url)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Connect(context.Background()))
	require.ErrorIs(t, c.Connect(context.Background()), wsclient.ErrAlreadyUsed)
}

// closeCounter records ConnClosed reasons.
type closeCounter struct {
	telemetry.Collector
	mu      sync.Mutex
	reasons []string
}

func (c *closeCounter) ConnClosed(_ telemetry.Role, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reasons = append(c.reasons, reason)
}

func (c *closeCounter) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.reasons...)
}

func closeFromServer(conn net.Conn) {
	body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "bye")
	_ = wsutil.WriteServerMessage(conn, ws.OpClose, body)
	time.Sleep(100 * time.Millisecond)
}

func TestClient_ConnectAfterServerClose(t *testing.T) {
	url := startServer(t, closeFromServer)

	metrics := &closeCounter{Collector: telemetry.Noop()}
	c := wsclient.New(url, wsclient.WithTelemetry(metrics))
	var disconnects atomic.Int32
	c.SetOnDisconnect(func() { disconnects.Add(1) })
	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return disconnects.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.ErrorIs(t, c.Connect(context.Background()), wsclient.ErrAlreadyUsed)
	require.Equal(t, client.StateDisconnected, c.State())

	require.NoError(t, c.Close())
	require.Equal(t, []string{"remote"}, metrics.all())
}
