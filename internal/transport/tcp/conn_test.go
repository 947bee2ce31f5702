package tcp

import (
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/omochice/netdebug/internal/session"
)

func newTestServer() *Server {
	s := NewServer(nil)
	s.cfg = Config{}.withDefaults()
	return s
}

// pipeConn registers one end of a net.Pipe and returns the other end.
func pipeConn(t *testing.T, s *Server) (*session.Conn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})
	c := session.NewConn(server)
	s.registry.Register(c)
	return c, client
}

func TestAutoBufferSize(t *testing.T) {
	require.Equal(t, MaxAutoBufferSize, autoBufferSize(0, errNoSockopt))
	require.Equal(t, MaxAutoBufferSize, autoBufferSize(-1, nil))
	require.Equal(t, 8192, autoBufferSize(8192, nil))
	require.Equal(t, MaxAutoBufferSize, autoBufferSize(212992, nil))
}

func TestResolveBufferSize_Configured(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	require.Equal(t, 100, resolveBufferSize(server, 100))
	// net.Pipe has no socket options.
	require.Equal(t, MaxAutoBufferSize, resolveBufferSize(server, AutoBufferSize))
}

func TestClassify(t *testing.T) {
	require.Equal(t, reasonEOF, classify(io.EOF))
	require.Equal(t, reasonTimeout, classify(os.ErrDeadlineExceeded))
	require.Equal(t, reasonError, classify(errors.New("connection reset by peer")))
}

func TestSend_IsolatesFailedTarget(t *testing.T) {
	s := newTestServer()
	var events []session.Event
	s.SetInfoCallback(func(ev session.Event) { events = append(events, ev) })

	_, goodPeer := pipeConn(t, s)
	bad, badPeer := pipeConn(t, s)
	require.NoError(t, badPeer.Close())

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 5)
		_, err := io.ReadFull(goodPeer, buf)
		if err == nil {
			got <- buf
		}
	}()

	require.Equal(t, 1, s.Send([]byte("hello")))

	select {
	case buf := <-got:
		require.Equal(t, "hello", string(buf))
	case <-time.After(time.Second):
		t.Fatal("healthy target did not receive the broadcast")
	}

	require.Equal(t, 1, s.ActiveConnectionCount())
	_, ok := s.registry.Lookup(bad.ID())
	require.False(t, ok)
	require.False(t, bad.Alive())
	require.Len(t, events, 1)
	require.Equal(t, session.EventSendFailed, events[0].Kind)
	require.Equal(t, bad.ID(), events[0].ConnID)
}

func TestSendTo_ReturnsWriteFailure(t *testing.T) {
	s := newTestServer()
	c, peer := pipeConn(t, s)
	require.NoError(t, peer.Close())

	err := s.SendTo(c.ID(), []byte("x"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to send to")
	// Unicast failures leave cleanup to the reader.
	require.Equal(t, 1, s.ActiveConnectionCount())
}

func TestSend_EmptyRegistry(t *testing.T) {
	s := newTestServer()
	require.Equal(t, 0, s.Send([]byte("nobody")))
}

func TestEmit_RecoversHandlerPanic(t *testing.T) {
	s := newTestServer()
	s.SetInfoCallback(func(session.Event) { panic("boom") })
	require.NotPanics(t, func() {
		s.emit(session.Event{Kind: session.EventConnected})
	})
}

func TestHandleNewConnection_AfterClose(t *testing.T) {
	s := NewServer(nil)
	require.NoError(t, s.Close())

	server, client := net.Pipe()
	defer client.Close()
	s.handleNewConnection(server)

	require.Equal(t, 0, s.ActiveConnectionCount())
	_, err := server.Write([]byte("x"))
	require.Error(t, err)
}
