// Package tcp provides the outbound TCP client role.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/omochice/netdebug/internal/client"
	"github.com/omochice/netdebug/internal/session"
	"github.com/omochice/netdebug/internal/telemetry"
)

const (
	// DialTimeout bounds a single connection attempt.
	DialTimeout = 10 * time.Second
	// ReadBufferSize is the largest chunk delivered per read.
	ReadBufferSize = 4096
	// DefaultCloseTimeout bounds how long Close waits for the reader.
	DefaultCloseTimeout = 2 * time.Second
)

var (
	// ErrAlreadyUsed is returned by Connect on an instance that already connected or closed.
	ErrAlreadyUsed = errors.New("client already used")
	// ErrNotConnected is returned by Write before a successful Connect.
	ErrNotConnected = errors.New("not connected to server")
)

// Option configures a Client.
type Option func(*Client)

// WithLogger provides a custom logger instance for the client.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithTelemetry reports connection metrics to collector.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(c *Client) {
		if collector != nil {
			c.metrics = collector
		}
	}
}

// WithDialTimeout overrides DialTimeout.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// Client holds a single outbound TCP connection.
type Client struct {
	address     string
	logger      zerolog.Logger
	metrics     telemetry.Collector
	dialTimeout time.Duration

	receive      session.Slot[client.ReceiveFunc]
	onDisconnect session.Slot[session.DisconnectFunc]

	mu       sync.Mutex
	conn     net.Conn
	state    atomic.Int32
	used     atomic.Bool
	closing  atomic.Bool
	notified atomic.Bool
	writeMu  sync.Mutex
	done     chan struct{}
}

// New creates a client for host:port. No connection is made until Connect.
func New(host string, port int, opts ...Option) *Client {
	c := &Client{
		address:     net.JoinHostPort(host, strconv.Itoa(port)),
		logger:      zerolog.Nop(),
		metrics:     telemetry.Noop(),
		dialTimeout: DialTimeout,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Address returns the target "host:port".
func (c *Client) Address() string {
	return c.address
}

// State returns the current lifecycle state.
func (c *Client) State() client.State {
	return client.State(c.state.Load())
}

// SetReceive sets the inbound data handler. Nil disables delivery.
func (c *Client) SetReceive(fn client.ReceiveFunc) {
	c.receive.Set(fn)
}

// SetOnDisconnect sets the handler fired when the server side goes away.
func (c *Client) SetOnDisconnect(fn func()) {
	c.onDisconnect.Set(fn)
}

// Connect makes one connection attempt and starts the reader on success.
// Each Client connects at most once, whether or not the attempt succeeded.
func (c *Client) Connect(ctx context.Context) error {
	if !c.used.CompareAndSwap(false, true) {
		return ErrAlreadyUsed
	}
	if !c.state.CompareAndSwap(int32(client.StateDisconnected), int32(client.StateConnecting)) {
		return ErrAlreadyUsed
	}

	dialer := net.Dialer{Timeout: c.dialTimeout, KeepAlive: 15 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", c.address)
	if err != nil {
		c.state.CompareAndSwap(int32(client.StateConnecting), int32(client.StateDisconnected))
		c.logger.Warn().Err(err).Str("addr", c.address).Msg("connect failed")
		return fmt.Errorf("failed to connect to %s: %w", c.address, err)
	}

	c.mu.Lock()
	if c.closing.Load() {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrAlreadyUsed
	}
	c.conn = conn
	c.state.Store(int32(client.StateConnected))
	c.mu.Unlock()

	c.metrics.ConnOpened(telemetry.RoleTCPClient)
	c.logger.Info().Str("addr", c.address).Str("local", conn.LocalAddr().String()).Msg("connected")

	go c.readLoop(conn)
	return nil
}

// Send writes data to the server. Failures are logged and dropped; a broken
// connection is reported through the disconnect handler by the reader.
func (c *Client) Send(data []byte) {
	if err := c.Write(data); err != nil {
		c.logger.Warn().Err(err).Str("addr", c.address).Int("bytes", len(data)).Msg("send failed")
	}
}

// Write writes the whole of data and returns any failure.
func (c *Client) Write(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || c.closing.Load() {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for rest := data; len(rest) > 0; {
		n, err := conn.Write(rest)
		if err != nil {
			c.metrics.SendFailed(telemetry.RoleTCPClient)
			return fmt.Errorf("failed to send data: %w", err)
		}
		rest = rest[n:]
	}
	c.metrics.BytesSent(telemetry.RoleTCPClient, len(data))
	return nil
}

// Close closes the connection without firing the disconnect handler.
// It is safe to call more than once.
func (c *Client) Close() error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	c.receive.Clear()
	c.onDisconnect.Clear()

	c.mu.Lock()
	conn := c.conn
	c.state.Store(int32(client.StateClosed))
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	err := conn.Close()
	select {
	case <-c.done:
	case <-time.After(DefaultCloseTimeout):
		c.logger.Warn().Str("addr", c.address).Msg("timeout waiting for reader to stop")
	}
	if !c.notified.Load() {
		c.metrics.ConnClosed(telemetry.RoleTCPClient, "local_close")
	}
	c.logger.Info().Str("addr", c.address).Msg("connection closed")
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close connection: %w", err)
	}
	return nil
}

func (c *Client) readLoop(conn net.Conn) {
	defer close(c.done)

	buf := make([]byte, ReadBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			c.metrics.BytesReceived(telemetry.RoleTCPClient, n)
			c.deliver(data)
		}
		if err != nil {
			_ = conn.Close()
			if c.closing.Load() {
				return
			}
			c.logger.Info().Err(err).Str("addr", c.address).Msg("server connection lost")
			c.metrics.ConnClosed(telemetry.RoleTCPClient, "remote")
			c.notifyDisconnect()
			return
		}
	}
}

func (c *Client) deliver(data []byte) {
	if c.closing.Load() {
		return
	}
	fn, ok := c.receive.Load()
	if !ok || fn == nil {
		return
	}
	defer c.recoverHandler("receive")
	fn(data)
}

func (c *Client) notifyDisconnect() {
	if !c.notified.CompareAndSwap(false, true) {
		return
	}
	c.state.CompareAndSwap(int32(client.StateConnected), int32(client.StateDisconnected))
	fn, ok := c.onDisconnect.Load()
	if !ok || fn == nil {
		return
	}
	defer c.recoverHandler("disconnect")
	fn()
}

func (c *Client) recoverHandler(name string) {
	if r := recover(); r != nil {
		c.logger.Error().Interface("panic", r).Str("handler", name).Msg("handler panicked")
	}
}

var _ client.Client = (*Client)(nil)
