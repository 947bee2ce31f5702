// Package session provides the connection-level building blocks shared by
// all network roles: connection handles, the server's connection registry,
// replaceable callback slots and lifecycle events.
package session

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned when writing to a connection that was already closed.
var ErrClosed = errors.New("connection closed")

// Conn is a handle to one accepted TCP connection.
// It is owned by the service that accepted it; a Registry only references it.
type Conn struct {
	id     string
	remote string
	conn   net.Conn

	writeMu   sync.Mutex
	alive     atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps an established net.Conn and assigns it a random ID.
func NewConn(conn net.Conn) *Conn {
	c := &Conn{
		id:   uuid.NewString(),
		conn: conn,
	}
	if addr := conn.RemoteAddr(); addr != nil {
		c.remote = addr.String()
	}
	c.alive.Store(true)
	return c
}

// ID returns the unique connection identifier.
func (c *Conn) ID() string {
	return c.id
}

// RemoteAddr returns the remote address for logging.
func (c *Conn) RemoteAddr() string {
	return c.remote
}

// NetConn returns the underlying socket.
func (c *Conn) NetConn() net.Conn {
	return c.conn
}

// Alive reports whether Close has not been called yet.
func (c *Conn) Alive() bool {
	return c.alive.Load()
}

// Read reads available bytes into buf.
func (c *Conn) Read(buf []byte) (int, error) {
	return c.conn.Read(buf)
}

// SetIdleTimeout arms the read deadline d from now. A zero d clears it.
func (c *Conn) SetIdleTimeout(d time.Duration) error {
	if d <= 0 {
		return c.conn.SetReadDeadline(time.Time{})
	}
	return c.conn.SetReadDeadline(time.Now().Add(d))
}

// Write writes the whole buffer. Concurrent writers are serialized so
// payloads from different senders never interleave.
// A positive timeout bounds the write.
func (c *Conn) Write(data []byte, timeout time.Duration) error {
	if !c.alive.Load() {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}
	for len(data) > 0 {
		n, err := c.conn.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// Close closes the socket. Only the first call has an effect.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.alive.Store(false)
		if tc, ok := c.conn.(*net.TCPConn); ok {
			_ = tc.CloseRead()
		}
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
