// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/omochice/netdebug/internal/config"
)

// Setup creates a zerolog logger according to the provided configuration.
// Logs go to stderr so they never mix with console output on stdout.
func Setup(cfg config.LoggingConfig) (zerolog.Logger, error) {
	return New(os.Stderr, cfg)
}

// New creates a logger writing to w.
func New(w io.Writer, cfg config.LoggingConfig) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("parse log level: %w", err)
		}
		level = parsed
	}

	out := w
	switch strings.ToLower(cfg.Format) {
	case "", "console", "text":
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: true}
	case "json":
	default:
		return zerolog.Logger{}, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	return zerolog.New(out).With().Timestamp().Logger().Level(level), nil
}
