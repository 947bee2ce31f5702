package udp

import (
	"errors"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// failingReader fails every read until stopped, then reports a closed socket.
type failingReader struct {
	reads atomic.Int32
	stop  atomic.Bool
}

func (r *failingReader) ReadFromUDPAddrPort([]byte) (int, netip.AddrPort, error) {
	r.reads.Add(1)
	if r.stop.Load() {
		return 0, netip.AddrPort{}, net.ErrClosed
	}
	return 0, netip.AddrPort{}, errors.New("connection refused")
}

func TestReceiveLoop_BacksOffOnReadErrors(t *testing.T) {
	e := New()
	r := &failingReader{}
	done := make(chan struct{})
	go e.receiveLoop(r, DefaultBufferSize, done)

	time.Sleep(3 * ReadRetryDelay)
	r.stop.Store(true)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("receive loop did not stop")
	}
	require.LessOrEqual(t, r.reads.Load(), int32(6))
}
