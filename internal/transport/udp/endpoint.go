// Package udp provides the UDP endpoint role: one bound socket that
// receives datagrams from anyone and sends datagrams to any target.
package udp

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/omochice/netdebug/internal/session"
	"github.com/omochice/netdebug/internal/telemetry"
)

const (
	// DefaultBufferSize is used when Open is given a non-positive size.
	DefaultBufferSize = 4096
	// DefaultCloseTimeout bounds how long Close waits for the receive loop.
	DefaultCloseTimeout = 2 * time.Second
	// ReadRetryDelay is the pause after a failed read before reading again.
	ReadRetryDelay = 100 * time.Millisecond
)

// datagramReader is the receive side of a UDP socket.
type datagramReader interface {
	ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error)
}

var (
	// ErrClosed is returned by Open and Send after Close.
	ErrClosed = errors.New("udp endpoint closed")
	// ErrNotOpen is returned by Send before Open.
	ErrNotOpen = errors.New("udp endpoint not open")
	// ErrAlreadyOpen is returned by a second successful Open.
	ErrAlreadyOpen = errors.New("udp endpoint already open")
)

// ReceiveFunc receives one datagram payload and its sender.
type ReceiveFunc func(from netip.AddrPort, data []byte)

// Option configures an Endpoint.
type Option func(*Endpoint)

// WithLogger provides a custom logger instance for the endpoint.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Endpoint) {
		e.logger = logger
	}
}

// WithTelemetry reports traffic metrics to collector.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(e *Endpoint) {
		if collector != nil {
			e.metrics = collector
		}
	}
}

// Endpoint is a bound UDP socket with a single receive loop.
type Endpoint struct {
	logger  zerolog.Logger
	metrics telemetry.Collector

	receive session.Slot[ReceiveFunc]

	mu      sync.Mutex
	conn    *net.UDPConn
	closed  bool
	closing atomic.Bool
	done    chan struct{}
}

// New creates an unbound endpoint.
func New(opts ...Option) *Endpoint {
	e := &Endpoint{
		logger:  zerolog.Nop(),
		metrics: telemetry.Noop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetReceive sets the datagram handler. Nil disables delivery.
func (e *Endpoint) SetReceive(fn ReceiveFunc) {
	e.receive.Set(fn)
}

// Open binds addr and starts receiving datagrams of up to bufferSize bytes.
// Longer datagrams are truncated by the OS.
func (e *Endpoint) Open(addr string, bufferSize int) error {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if e.conn != nil {
		return ErrAlreadyOpen
	}

	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("failed to open UDP socket: %w", err)
	}
	e.conn = conn
	e.done = make(chan struct{})

	e.metrics.ConnOpened(telemetry.RoleUDP)
	e.logger.Info().Str("addr", conn.LocalAddr().String()).Int("buffer", bufferSize).Msg("UDP endpoint opened")

	go e.receiveLoop(conn, bufferSize, e.done)
	return nil
}

// LocalAddr returns the bound address, or the zero value before Open.
func (e *Endpoint) LocalAddr() netip.AddrPort {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return netip.AddrPort{}
	}
	if ua, ok := e.conn.LocalAddr().(*net.UDPAddr); ok {
		return ua.AddrPort()
	}
	return netip.AddrPort{}
}

// Send sends data as one datagram to host:port. Failures are returned and
// leave the socket usable.
func (e *Endpoint) Send(data []byte, host string, port int) error {
	e.mu.Lock()
	conn := e.conn
	closed := e.closed
	e.mu.Unlock()

	switch {
	case closed:
		return ErrClosed
	case conn == nil:
		return ErrNotOpen
	}

	if port < 1 || port > 65535 {
		e.metrics.SendFailed(telemetry.RoleUDP)
		return fmt.Errorf("send udp error: port out of range: %d", port)
	}
	target, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		e.metrics.SendFailed(telemetry.RoleUDP)
		return fmt.Errorf("send udp error: %w", err)
	}
	if _, err := conn.WriteToUDP(data, target); err != nil {
		e.metrics.SendFailed(telemetry.RoleUDP)
		return fmt.Errorf("send udp error: %w", err)
	}
	e.metrics.BytesSent(telemetry.RoleUDP, len(data))
	return nil
}

// Close releases the socket and clears the handler. It is safe to call
// more than once.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	conn := e.conn
	done := e.done
	e.mu.Unlock()

	e.closing.Store(true)
	e.receive.Clear()

	if conn == nil {
		return nil
	}

	err := conn.Close()
	select {
	case <-done:
	case <-time.After(DefaultCloseTimeout):
		e.logger.Warn().Msg("timeout waiting for UDP receive loop to stop")
	}
	e.metrics.ConnClosed(telemetry.RoleUDP, "local_close")
	e.logger.Info().Msg("UDP endpoint closed")
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close UDP socket: %w", err)
	}
	return nil
}

func (e *Endpoint) receiveLoop(conn datagramReader, bufferSize int, done chan struct{}) {
	defer close(done)

	buf := make([]byte, bufferSize)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || e.closing.Load() {
				return
			}
			// ICMP errors from earlier sends surface here on some platforms.
			e.logger.Debug().Err(err).Msg("UDP read error")
			time.Sleep(ReadRetryDelay)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		e.metrics.BytesReceived(telemetry.RoleUDP, n)
		e.deliver(netip.AddrPortFrom(from.Addr().Unmap(), from.Port()), data)
	}
}

func (e *Endpoint) deliver(from netip.AddrPort, data []byte) {
	if e.closing.Load() {
		return
	}
	fn, ok := e.receive.Load()
	if !ok || fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Msg("receive handler panicked")
		}
	}()
	fn(from, data)
}
