package tcp_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/omochice/netdebug/internal/session"
	"github.com/omochice/netdebug/internal/taskmgr"
	"github.com/omochice/netdebug/internal/transport/tcp"
)

func startServer(t *testing.T, cfg tcp.Config) *tcp.Server {
	t.Helper()
	mgr := taskmgr.New()
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })

	srv := tcp.NewServer(mgr.Elastic())
	require.NoError(t, srv.Open("127.0.0.1:0", cfg))
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// inbox collects bytes per connection ID.
type inbox struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newInbox() *inbox {
	return &inbox{data: make(map[string][]byte)}
}

func (b *inbox) receive(id string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[id] = append(b.data[id], data...)
}

func (b *inbox) all() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, 0, len(b.data))
	for _, d := range b.data {
		out = append(out, append([]byte(nil), d...))
	}
	return out
}

// events collects info callbacks.
type events struct {
	mu  sync.Mutex
	got []session.Event
}

func (e *events) add(ev session.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.got = append(e.got, ev)
}

func (e *events) count(kind session.EventKind) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.got {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func TestServer_OpenAndAddr(t *testing.T) {
	srv := startServer(t, tcp.Config{})
	require.NotEmpty(t, srv.Addr())

	conn := dial(t, srv.Addr())
	require.NotNil(t, conn)
}

func TestServer_OpenBindFailure(t *testing.T) {
	srv := startServer(t, tcp.Config{})

	other := tcp.NewServer(taskmgr.New().Elastic())
	err := other.Open(srv.Addr(), tcp.Config{})
	require.Error(t, err)
	require.NoError(t, other.Close())
}

func TestServer_OpenTwice(t *testing.T) {
	srv := startServer(t, tcp.Config{})
	require.ErrorIs(t, srv.Open("127.0.0.1:0", tcp.Config{}), tcp.ErrAlreadyOpen)
}

func TestServer_RegistryTracksClients(t *testing.T) {
	srv := startServer(t, tcp.Config{})
	var ev events
	srv.SetInfoCallback(ev.add)

	clients := make([]net.Conn, 3)
	for i := range clients {
		clients[i] = dial(t, srv.Addr())
	}
	require.Eventually(t, func() bool { return srv.ActiveConnectionCount() == 3 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return ev.count(session.EventConnected) == 3 }, 2*time.Second, 10*time.Millisecond)
	require.Len(t, srv.Connections(), 3)

	require.NoError(t, clients[0].Close())
	require.Eventually(t, func() bool { return srv.ActiveConnectionCount() == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return ev.count(session.EventDisconnected) == 1 }, 2*time.Second, 10*time.Millisecond)

	payload := []byte("still here")
	require.Equal(t, 2, srv.Send(payload))
	for _, c := range clients[1:] {
		buf := make([]byte, len(payload))
		require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, err := io.ReadFull(c, buf)
		require.NoError(t, err)
		require.Equal(t, payload, buf)
	}
}

func TestServer_ByteExactInbound(t *testing.T) {
	srv := startServer(t, tcp.Config{BufferSize: 512})
	box := newInbox()
	srv.SetReceive(box.receive)

	payload := make([]byte, 64*1024)
	_, err := rand.Read(payload)
	require.NoError(t, err)
	payload = append(payload, 0x00, 0xff, 0xfe, 0x80)

	conn := dial(t, srv.Addr())
	_, err = conn.Write(payload)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		all := box.all()
		return len(all) == 1 && bytes.Equal(all[0], payload)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServer_HeartbeatTimeout(t *testing.T) {
	srv := startServer(t, tcp.Config{Heartbeat: time.Second})
	var ev events
	srv.SetInfoCallback(ev.add)
	var disconnects atomic.Int32
	srv.SetOnDisconnect(func() { disconnects.Add(1) })

	conn := dial(t, srv.Addr())
	require.Eventually(t, func() bool { return srv.ActiveConnectionCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	start := time.Now()
	require.Eventually(t, func() bool { return ev.count(session.EventTimedOut) == 1 }, 4*time.Second, 20*time.Millisecond)
	require.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
	require.Equal(t, 0, srv.ActiveConnectionCount())
	require.Equal(t, 0, ev.count(session.EventDisconnected))
	require.Equal(t, int32(0), disconnects.Load())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := conn.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
}

func TestServer_HeartbeatResetByTraffic(t *testing.T) {
	srv := startServer(t, tcp.Config{Heartbeat: time.Second})
	var ev events
	srv.SetInfoCallback(ev.add)

	conn := dial(t, srv.Addr())
	for i := 0; i < 4; i++ {
		_, err := conn.Write([]byte("ping"))
		require.NoError(t, err)
		time.Sleep(400 * time.Millisecond)
	}

	require.Equal(t, 1, srv.ActiveConnectionCount())
	require.Equal(t, 0, ev.count(session.EventTimedOut))
}

func TestServer_UnicastUnknownIsNoop(t *testing.T) {
	srv := startServer(t, tcp.Config{})
	require.NoError(t, srv.SendTo("no-such-connection", []byte("x")))
}

func TestServer_Unicast(t *testing.T) {
	srv := startServer(t, tcp.Config{})
	a := dial(t, srv.Addr())
	b := dial(t, srv.Addr())
	require.Eventually(t, func() bool { return srv.ActiveConnectionCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	// Identify a's server-side connection through its first write.
	ids := make(chan string, 1)
	srv.SetReceive(func(id string, data []byte) {
		select {
		case ids <- id:
		default:
		}
	})
	_, err := a.Write([]byte("hi"))
	require.NoError(t, err)

	var id string
	select {
	case id = <-ids:
	case <-time.After(2 * time.Second):
		t.Fatal("no inbound data")
	}

	require.NoError(t, srv.SendTo(id, []byte("only-a")))

	buf := make([]byte, 6)
	require.NoError(t, a.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = io.ReadFull(a, buf)
	require.NoError(t, err)
	require.Equal(t, "only-a", string(buf))

	require.NoError(t, b.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, err = b.Read(buf)
	require.Error(t, err)
}

func TestServer_CloseIsIdempotentAndSilent(t *testing.T) {
	srv := startServer(t, tcp.Config{})

	var calls atomic.Int32
	srv.SetReceive(func(string, []byte) { calls.Add(1) })
	srv.SetInfoCallback(func(session.Event) { calls.Add(1) })
	srv.SetOnDisconnect(func() { calls.Add(1) })

	conn := dial(t, srv.Addr())
	require.Eventually(t, func() bool { return srv.ActiveConnectionCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, srv.Close())
	require.NoError(t, srv.Close())
	before := calls.Load()

	_, _ = conn.Write([]byte("after close"))
	_ = conn.Close()
	time.Sleep(500 * time.Millisecond)

	require.Equal(t, before, calls.Load())
	require.Equal(t, 0, srv.ActiveConnectionCount())
	require.ErrorIs(t, srv.Open("127.0.0.1:0", tcp.Config{}), tcp.ErrServerClosed)

	_, err := net.DialTimeout("tcp", srv.Addr(), 200*time.Millisecond)
	require.Error(t, err)
}

func TestParseBufferSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{in: "auto", want: tcp.AutoBufferSize},
		{in: "AUTO", want: tcp.AutoBufferSize},
		{in: "", want: tcp.AutoBufferSize},
		{in: "1024", want: 1024},
		{in: "0", wantErr: true},
		{in: "-5", wantErr: true},
		{in: "big", wantErr: true},
	}
	for _, tt := range tests {
		got, err := tcp.ParseBufferSize(tt.in)
		if tt.wantErr {
			require.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got, tt.in)
	}
}
