// Package ws provides a WebSocket client role built on gobwas/ws.
// Outbound data is sent as binary frames; each inbound text or binary
// message is delivered whole.
package ws

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/omochice/netdebug/internal/client"
	"github.com/omochice/netdebug/internal/session"
	"github.com/omochice/netdebug/internal/telemetry"
)

const (
	// DialTimeout bounds the TCP connect and the opening handshake.
	DialTimeout = 10 * time.Second
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

// Client holds a single WebSocket connection.
type Client struct {
	url     string
	logger  zerolog.Logger
	metrics telemetry.Collector

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

// New creates a client for a ws:// or wss:// URL.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:     url,
		logger:  zerolog.Nop(),
		metrics: telemetry.Noop(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Address returns the target URL.
func (c *Client) Address() string {
	return c.url
}

// State returns the current lifecycle state.
func (c *Client) State() client.State {
	return client.State(c.state.Load())
}

// SetReceive sets the inbound message handler. Nil disables delivery.
func (c *Client) SetReceive(fn client.ReceiveFunc) {
	c.receive.Set(fn)
}

// SetOnDisconnect sets the handler fired when the server side goes away.
func (c *Client) SetOnDisconnect(fn func()) {
	c.onDisconnect.Set(fn)
}

// Connect dials the URL, performs the opening handshake and starts the reader.
// Each Client connects at most once.
func (c *Client) Connect(ctx context.Context) error {
	if !c.used.CompareAndSwap(false, true) {
		return ErrAlreadyUsed
	}
	if !c.state.CompareAndSwap(int32(client.StateDisconnected), int32(client.StateConnecting)) {
		return ErrAlreadyUsed
	}

	dialer := ws.Dialer{Timeout: DialTimeout}
	conn, br, _, err := dialer.Dial(ctx, c.url)
	if err != nil {
		c.state.CompareAndSwap(int32(client.StateConnecting), int32(client.StateDisconnected))
		c.logger.Warn().Err(err).Str("url", c.url).Msg("websocket connect failed")
		return fmt.Errorf("failed to connect to %s: %w", c.url, err)
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

	c.metrics.ConnOpened(telemetry.RoleWSClient)
	c.logger.Info().Str("url", c.url).Msg("websocket connected")

	// The handshake may have buffered the first frames.
	var src io.Reader = conn
	if br != nil {
		src = br
	}
	go c.readLoop(conn, src)
	return nil
}

// Send writes data as one binary message. Failures are logged and dropped.
func (c *Client) Send(data []byte) {
	if err := c.Write(data); err != nil {
		c.logger.Warn().Err(err).Str("url", c.url).Int("bytes", len(data)).Msg("send failed")
	}
}

// Write sends data as one binary message.
func (c *Client) Write(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || c.closing.Load() {
		return ErrNotConnected
	}

	var frame bytes.Buffer
	if err := wsutil.WriteClientBinary(&frame, data); err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	if err := c.writeFrame(conn, frame.Bytes()); err != nil {
		c.metrics.SendFailed(telemetry.RoleWSClient)
		return fmt.Errorf("failed to send data: %w", err)
	}
	c.metrics.BytesSent(telemetry.RoleWSClient, len(data))
	return nil
}

// Close sends a close frame and closes the connection without firing the
// disconnect handler. It is safe to call more than once.
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

	var frame bytes.Buffer
	body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
	if err := wsutil.WriteClientMessage(&frame, ws.OpClose, body); err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.writeFrame(conn, frame.Bytes())
	}

	err := conn.Close()
	select {
	case <-c.done:
	case <-time.After(DefaultCloseTimeout):
		c.logger.Warn().Str("url", c.url).Msg("timeout waiting for reader to stop")
	}
	if !c.notified.Load() {
		c.metrics.ConnClosed(telemetry.RoleWSClient, "local_close")
	}
	c.logger.Info().Str("url", c.url).Msg("websocket closed")
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close connection: %w", err)
	}
	return nil
}

// writeFrame writes one encoded frame. Frames from Write and from control
// replies never interleave.
func (c *Client) writeFrame(conn net.Conn, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := conn.Write(frame)
	return err
}

func (c *Client) readLoop(conn net.Conn, src io.Reader) {
	defer close(c.done)

	control := func(h ws.Header, r io.Reader) error {
		var reply bytes.Buffer
		err := wsutil.ControlHandler{Src: r, Dst: &reply, State: ws.StateClientSide}.Handle(h)
		if reply.Len() > 0 {
			_ = c.writeFrame(conn, reply.Bytes())
		}
		return err
	}
	rd := &wsutil.Reader{
		Source:         src,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: control,
	}

	for {
		data, err := c.nextMessage(rd, control)
		if err != nil {
			_ = conn.Close()
			if c.closing.Load() {
				return
			}
			reason := "remote"
			var closed wsutil.ClosedError
			if errors.As(err, &closed) {
				c.logger.Info().Int("code", int(closed.Code)).Str("reason", closed.Reason).Str("url", c.url).Msg("server closed websocket")
			} else {
				reason = "error"
				c.logger.Info().Err(err).Str("url", c.url).Msg("websocket connection lost")
			}
			c.metrics.ConnClosed(telemetry.RoleWSClient, reason)
			c.notifyDisconnect()
			return
		}
		c.metrics.BytesReceived(telemetry.RoleWSClient, len(data))
		c.deliver(data)
	}
}

// nextMessage returns the payload of the next text or binary message,
// answering control frames on the way.
func (c *Client) nextMessage(rd *wsutil.Reader, control wsutil.FrameHandlerFunc) ([]byte, error) {
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := control(hdr, rd); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := rd.Discard(); err != nil {
				return nil, err
			}
			continue
		}
		return io.ReadAll(rd)
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
