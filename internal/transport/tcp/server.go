// Package tcp provides the multi-client TCP server role.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/omochice/netdebug/internal/session"
	"github.com/omochice/netdebug/internal/taskmgr"
	"github.com/omochice/netdebug/internal/telemetry"
)

var (
	// ErrServerClosed is returned by Open after Close.
	ErrServerClosed = errors.New("tcp server closed")
	// ErrAlreadyOpen is returned by a second successful Open.
	ErrAlreadyOpen = errors.New("tcp server already listening")
)

// Spawner runs connection readers. taskmgr.ElasticPool satisfies it.
type Spawner interface {
	Go(task taskmgr.Task) error
}

// Peer identifies one registered connection.
type Peer struct {
	ID     string
	Remote string
}

// Server accepts TCP connections and exchanges raw bytes with each of them.
type Server struct {
	spawner      Spawner
	logger       zerolog.Logger
	metrics      telemetry.Collector
	closeTimeout time.Duration

	registry     *session.Registry
	receive      session.Slot[session.ReceiveFunc]
	info         session.Slot[session.InfoFunc]
	onDisconnect session.Slot[session.DisconnectFunc]

	mu       sync.Mutex
	cfg      Config
	listener net.Listener
	closed   bool
	closing  atomic.Bool
	wg       sync.WaitGroup
}

// NewServer creates a TCP server whose connection readers run on spawner.
func NewServer(spawner Spawner, opts ...Option) *Server {
	s := &Server{
		spawner:      spawner,
		logger:       zerolog.Nop(),
		metrics:      telemetry.Noop(),
		closeTimeout: DefaultCloseTimeout,
		registry:     session.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetReceive sets the inbound data handler. Nil disables delivery.
// The handler may be called concurrently for different connections.
func (s *Server) SetReceive(fn session.ReceiveFunc) {
	s.receive.Set(fn)
}

// SetInfoCallback sets the lifecycle event handler. Nil disables delivery.
func (s *Server) SetInfoCallback(fn session.InfoFunc) {
	s.info.Set(fn)
}

// SetOnDisconnect sets the handler for connections lost to I/O errors.
func (s *Server) SetOnDisconnect(fn session.DisconnectFunc) {
	s.onDisconnect.Set(fn)
}

// Open binds addr and starts accepting connections.
func (s *Server) Open(addr string, cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServerClosed
	}
	if s.listener != nil {
		return ErrAlreadyOpen
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start TCP server: %w", err)
	}
	s.listener = listener
	s.cfg = cfg.withDefaults()

	s.logger.Info().
		Str("addr", listener.Addr().String()).
		Int("buffer", s.cfg.BufferSize).
		Dur("heartbeat", s.cfg.Heartbeat).
		Msg("TCP server started")

	s.wg.Add(1)
	go s.acceptLoop(listener)
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// ActiveConnectionCount returns the number of registered connections.
func (s *Server) ActiveConnectionCount() int {
	return s.registry.Count()
}

// Connections lists the registered connections.
func (s *Server) Connections() []Peer {
	conns := s.registry.Snapshot()
	peers := make([]Peer, 0, len(conns))
	for _, c := range conns {
		peers = append(peers, Peer{ID: c.ID(), Remote: c.RemoteAddr()})
	}
	return peers
}

// Send writes data to every registered connection and returns how many
// writes succeeded. A failed target is closed, removed and reported through
// the info handler; the remaining targets are still written.
func (s *Server) Send(data []byte) int {
	sent := 0
	for _, c := range s.registry.Snapshot() {
		if err := c.Write(data, s.writeTimeout()); err != nil {
			s.metrics.SendFailed(telemetry.RoleTCPServer)
			if s.registry.Unregister(c) {
				_ = c.Close()
				s.logger.Warn().Err(err).Str("conn", c.ID()).Str("remote", c.RemoteAddr()).Msg("dropping client after failed send")
				s.metrics.ConnClosed(telemetry.RoleTCPServer, "send_failure")
				s.emit(session.Event{Kind: session.EventSendFailed, ConnID: c.ID(), Remote: c.RemoteAddr()})
			}
			continue
		}
		sent++
		s.metrics.BytesSent(telemetry.RoleTCPServer, len(data))
	}
	return sent
}

// SendTo writes data to the connection registered under id.
// An unknown id is a no-op; a failed write is returned to the caller.
func (s *Server) SendTo(id string, data []byte) error {
	c, ok := s.registry.Lookup(id)
	if !ok {
		return nil
	}
	if err := c.Write(data, s.writeTimeout()); err != nil {
		s.metrics.SendFailed(telemetry.RoleTCPServer)
		return fmt.Errorf("failed to send to %s: %w", c.RemoteAddr(), err)
	}
	s.metrics.BytesSent(telemetry.RoleTCPServer, len(data))
	return nil
}

// Close stops the server: handlers are cleared, the listener and every
// connection are closed. It is safe to call more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listener := s.listener
	s.mu.Unlock()

	s.closing.Store(true)
	s.receive.Clear()
	s.info.Clear()
	s.onDisconnect.Clear()

	var err error
	if listener != nil {
		if cerr := listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = fmt.Errorf("failed to close listener: %w", cerr)
		}
	}

	for _, c := range s.registry.Drain() {
		_ = c.Close()
		s.metrics.ConnClosed(telemetry.RoleTCPServer, "local_close")
	}

	if !waitTimeout(&s.wg, s.closeTimeout) {
		s.logger.Warn().Msg("timeout waiting for connection readers to stop")
	}
	s.logger.Info().Msg("TCP server stopped")
	return err
}

func (s *Server) writeTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.WriteTimeout
}

func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.closing.Load() {
				return
			}
			s.logger.Warn().Err(err).Msg("failed to accept TCP connection")
			time.Sleep(100 * time.Millisecond)
			continue
		}
		s.handleNewConnection(conn)
	}
}

func (s *Server) handleNewConnection(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
	}

	c := session.NewConn(conn)
	s.registry.Register(c)
	if s.closing.Load() {
		s.registry.Unregister(c)
		_ = c.Close()
		return
	}

	s.metrics.ConnOpened(telemetry.RoleTCPServer)
	s.logger.Debug().Str("conn", c.ID()).Str("remote", c.RemoteAddr()).Msg("client connected")
	s.emit(session.Event{Kind: session.EventConnected, ConnID: c.ID(), Remote: c.RemoteAddr()})

	s.wg.Add(1)
	err := s.spawner.Go(func(ctx context.Context) {
		defer s.wg.Done()
		s.serveConn(ctx, c)
	})
	if err != nil {
		s.wg.Done()
		s.logger.Warn().Err(err).Str("remote", c.RemoteAddr()).Msg("no reader available, dropping client")
		if s.registry.Unregister(c) {
			_ = c.Close()
			s.metrics.ConnClosed(telemetry.RoleTCPServer, "rejected")
			s.emit(session.Event{Kind: session.EventDisconnected, ConnID: c.ID(), Remote: c.RemoteAddr()})
		}
	}
}

func (s *Server) emit(ev session.Event) {
	if s.closing.Load() {
		return
	}
	fn, ok := s.info.Load()
	if !ok || fn == nil {
		return
	}
	defer s.recoverHandler("info")
	fn(ev)
}

func (s *Server) recoverHandler(name string) {
	if r := recover(); r != nil {
		s.logger.Error().Interface("panic", r).Str("handler", name).Msg("handler panicked")
	}
}

// waitTimeout waits for wg and reports whether it finished within d.
func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
