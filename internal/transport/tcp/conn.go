package tcp

import (
	"context"
	"errors"
	"io"
	"net"
	"os"

	"github.com/omochice/netdebug/internal/session"
	"github.com/omochice/netdebug/internal/telemetry"
)

// closeReason is how a connection reader ended.
type closeReason int

const (
	reasonEOF closeReason = iota
	reasonTimeout
	reasonError
)

func (r closeReason) String() string {
	switch r {
	case reasonEOF:
		return "eof"
	case reasonTimeout:
		return "timeout"
	default:
		return "error"
	}
}

func classify(err error) closeReason {
	if errors.Is(err, io.EOF) {
		return reasonEOF
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return reasonTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return reasonTimeout
	}
	return reasonError
}

// serveConn reads from c until it fails, then removes it from the registry.
// Only the path that wins the removal reports the terminal event, so a
// connection dropped by a failed broadcast or by Close stays silent here.
func (s *Server) serveConn(ctx context.Context, c *session.Conn) {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	reason := reasonError
	var readErr error
	defer func() {
		removed := s.registry.Unregister(c)
		_ = c.Close()
		if removed {
			s.metrics.ConnClosed(telemetry.RoleTCPServer, reason.String())
			s.report(c, reason, readErr)
		}
	}()

	buf := make([]byte, resolveBufferSize(c.NetConn(), cfg.BufferSize))
	for {
		if err := c.SetIdleTimeout(cfg.Heartbeat); err != nil {
			readErr = err
			return
		}

		n, err := c.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.metrics.BytesReceived(telemetry.RoleTCPServer, n)
			s.deliver(c.ID(), data)
		}
		if err != nil {
			reason = classify(err)
			readErr = err
			return
		}
	}
}

func (s *Server) report(c *session.Conn, reason closeReason, err error) {
	log := s.logger.With().Str("conn", c.ID()).Str("remote", c.RemoteAddr()).Logger()

	switch reason {
	case reasonTimeout:
		log.Info().Msg("closing idle connection")
		s.emit(session.Event{Kind: session.EventTimedOut, ConnID: c.ID(), Remote: c.RemoteAddr()})
	case reasonEOF:
		log.Debug().Msg("client disconnected")
		s.emit(session.Event{Kind: session.EventDisconnected, ConnID: c.ID(), Remote: c.RemoteAddr()})
	default:
		log.Warn().Err(err).Msg("error reading from client")
		if s.closing.Load() {
			return
		}
		fn, ok := s.onDisconnect.Load()
		if !ok || fn == nil {
			return
		}
		defer s.recoverHandler("disconnect")
		fn()
	}
}

func (s *Server) deliver(id string, data []byte) {
	if s.closing.Load() {
		return
	}
	fn, ok := s.receive.Load()
	if !ok || fn == nil {
		return
	}
	defer s.recoverHandler("receive")
	fn(id, data)
}
