package tcp

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/omochice/netdebug/internal/telemetry"
)

const (
	// AutoBufferSize derives the read size from the socket's receive buffer.
	AutoBufferSize = 0
	// MaxAutoBufferSize caps the derived read size.
	MaxAutoBufferSize = 32 * 1024
	// DefaultWriteTimeout bounds a single write to one connection.
	DefaultWriteTimeout = 5 * time.Second
	// DefaultCloseTimeout bounds how long Close waits for reader goroutines.
	DefaultCloseTimeout = 2 * time.Second
)

// Config controls per-connection behavior of a Server.
type Config struct {
	// BufferSize is the read chunk size; AutoBufferSize derives it per connection.
	BufferSize int
	// Heartbeat is the maximum silence on a connection before it is closed.
	// Zero disables the idle timeout.
	Heartbeat time.Duration
	// WriteTimeout bounds each write; zero uses DefaultWriteTimeout.
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BufferSize < 0 {
		c.BufferSize = AutoBufferSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return c
}

// ParseBufferSize accepts "auto" (or empty) and positive integers.
func ParseBufferSize(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "auto") {
		return AutoBufferSize, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid buffer size %q: %w", s, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid buffer size %q: must be positive or \"auto\"", s)
	}
	return n, nil
}

// Option configures a Server.
type Option func(*Server)

// WithLogger provides a custom logger instance for the server.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithTelemetry reports connection metrics to collector.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(s *Server) {
		if collector != nil {
			s.metrics = collector
		}
	}
}

// WithCloseTimeout overrides DefaultCloseTimeout.
func WithCloseTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.closeTimeout = d
		}
	}
}
