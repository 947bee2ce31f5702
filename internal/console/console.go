// Package console is the line-oriented terminal front end. It renders
// inbound and outbound traffic, parses operator commands and drives the
// active network role through a Transport.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/omochice/netdebug/internal/capture"
	"github.com/omochice/netdebug/internal/config"
	"github.com/omochice/netdebug/internal/history"
	"github.com/omochice/netdebug/internal/taskmgr"
)

// AutoAnswer is the payload sent back for every inbound unit when
// auto-answer is enabled.
var AutoAnswer = []byte("received")

const timeLayout = "2006-01-02 15:04:05.000"

var (
	// ErrIntervalTooShort is returned by StartAuto below config.MinAutoSendInterval.
	ErrIntervalTooShort = fmt.Errorf("auto send interval must be at least %s", config.MinAutoSendInterval)

	errNothingToSend = errors.New("nothing to send")
)

// Options controls rendering and automatic behavior.
type Options struct {
	HexSend    bool
	HexRecv    bool
	AutoAnswer bool
}

// Option configures a Console.
type Option func(*Console)

// WithLogger provides a custom logger instance for the console.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Console) {
		c.logger = logger
	}
}

// WithScheduler enables auto-send.
func WithScheduler(s *taskmgr.Scheduler) Option {
	return func(c *Console) {
		c.scheduler = s
	}
}

// WithBackground runs history writes on pool instead of inline.
func WithBackground(pool *taskmgr.BoundedPool) Option {
	return func(c *Console) {
		c.background = pool
	}
}

// WithCapture records every rendered unit to rec.
func WithCapture(rec *capture.Recorder) Option {
	return func(c *Console) {
		c.recorder = rec
	}
}

// WithHistory persists endpoints and the last sent text.
// Any store may be nil.
func WithHistory(connections, targets, lastSent *history.Store) Option {
	return func(c *Console) {
		c.connections = connections
		c.targets = targets
		c.lastSent = lastSent
	}
}

// Console renders traffic to out and sends operator input through a Transport.
type Console struct {
	transport Transport
	opts      Options
	logger    zerolog.Logger
	now       func() time.Time

	scheduler   *taskmgr.Scheduler
	background  *taskmgr.BoundedPool
	recorder    *capture.Recorder
	connections *history.Store
	targets     *history.Store
	lastSent    *history.Store

	outMu sync.Mutex
	out   io.Writer

	received atomic.Int64
	sent     atomic.Int64

	autoMu sync.Mutex
	auto   *taskmgr.PeriodicJob
}

// New creates a console writing to out.
func New(out io.Writer, transport Transport, opts Options, options ...Option) *Console {
	c := &Console{
		transport: transport,
		opts:      opts,
		logger:    zerolog.Nop(),
		now:       time.Now,
		out:       out,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Counters returns the received and sent byte totals.
func (c *Console) Counters() (received, sent int64) {
	return c.received.Load(), c.sent.Load()
}

// Inbound renders one received unit and, with auto-answer on, replies
// through reply.
func (c *Console) Inbound(label string, data []byte, reply func([]byte) error) {
	c.received.Add(int64(len(data)))
	c.render(label, data, c.opts.HexRecv)
	c.capture(capture.DirectionIn, label, data, "")

	if !c.opts.AutoAnswer || reply == nil {
		return
	}
	if err := reply(AutoAnswer); err != nil {
		c.System(fmt.Sprintf("auto answer failed: %v", err))
		return
	}
	c.sent.Add(int64(len(AutoAnswer)))
	c.render("auto answer>>", AutoAnswer, false)
	c.capture(capture.DirectionOut, label, AutoAnswer, "")
}

// System renders a system message.
func (c *Console) System(msg string) {
	c.render("system>>", []byte(msg), false)
	c.capture(capture.DirectionEvent, "", nil, msg)
}

// Send parses line according to the hex-send option and sends it through
// the transport.
func (c *Console) Send(line string) error {
	payload, err := c.payload(line)
	if err != nil {
		return err
	}
	if err := c.sendPayload(payload); err != nil {
		return err
	}
	c.remember(c.lastSent, func(s *history.Store) error { return s.Replace(line) })
	return nil
}

// SendTo unicasts line to one server connection.
func (c *Console) SendTo(id, line string) error {
	u, ok := c.transport.(Unicaster)
	if !ok {
		return ErrUnsupported
	}
	payload, err := c.payload(line)
	if err != nil {
		return err
	}
	if err := u.SendTo(id, payload); err != nil {
		return err
	}
	c.sent.Add(int64(len(payload)))
	c.render("you>>"+id, payload, c.opts.HexSend)
	c.capture(capture.DirectionOut, id, payload, "")
	return nil
}

// StartAuto sends line every interval until StopAuto or the first failed send.
// A running auto-send is replaced.
func (c *Console) StartAuto(interval time.Duration, line string) error {
	if c.scheduler == nil {
		return ErrUnsupported
	}
	if interval < config.MinAutoSendInterval {
		return ErrIntervalTooShort
	}
	payload, err := c.payload(line)
	if err != nil {
		return err
	}

	c.autoMu.Lock()
	defer c.autoMu.Unlock()
	if c.auto != nil {
		c.auto.Cancel()
	}

	var job *taskmgr.PeriodicJob
	jobReady := make(chan struct{})
	job, err = c.scheduler.Every(interval, func(context.Context) {
		<-jobReady
		if err := c.sendPayload(payload); err != nil {
			c.System(fmt.Sprintf("auto send stopped: %v", err))
			c.stopAuto(job)
		}
	})
	if err != nil {
		return fmt.Errorf("start auto send: %w", err)
	}
	c.auto = job
	close(jobReady)

	c.remember(c.lastSent, func(s *history.Store) error { return s.Replace(line) })
	c.logger.Debug().Dur("interval", interval).Msg("auto send started")
	return nil
}

// StopAuto cancels a running auto-send and reports whether one was running.
func (c *Console) StopAuto() bool {
	c.autoMu.Lock()
	defer c.autoMu.Unlock()
	if c.auto == nil {
		return false
	}
	c.auto.Cancel()
	c.auto = nil
	return true
}

// AutoRunning reports whether auto-send is active.
func (c *Console) AutoRunning() bool {
	c.autoMu.Lock()
	defer c.autoMu.Unlock()
	return c.auto != nil
}

func (c *Console) stopAuto(job *taskmgr.PeriodicJob) {
	job.Cancel()
	c.autoMu.Lock()
	if c.auto == job {
		c.auto = nil
	}
	c.autoMu.Unlock()
}

// RememberConnection records a "host:port" the operator connected to.
func (c *Console) RememberConnection(addr string) {
	c.remember(c.connections, func(s *history.Store) error {
		_, err := s.Append(addr)
		return err
	})
}

func (c *Console) sendPayload(payload []byte) error {
	if err := c.transport.Send(payload); err != nil {
		return err
	}
	c.sent.Add(int64(len(payload)))
	c.render("you>>", payload, c.opts.HexSend)
	c.capture(capture.DirectionOut, c.transport.Name(), payload, "")

	if t, ok := c.transport.(Targeter); ok {
		target := t.Target()
		c.remember(c.targets, func(s *history.Store) error {
			_, err := s.Append(target)
			return err
		})
	}
	return nil
}

func (c *Console) payload(line string) ([]byte, error) {
	data := []byte(line)
	if c.opts.HexSend {
		var err error
		if data, err = ParseHex(line); err != nil {
			return nil, err
		}
	}
	if len(data) == 0 {
		return nil, errNothingToSend
	}
	return data, nil
}

// render writes "[time] label|N bytes[HEX]:" followed by the payload.
func (c *Console) render(label string, data []byte, asHex bool) {
	text := string(data)
	format := ""
	if asHex {
		text = FormatHex(data)
		format = "[HEX]"
	}

	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, "[%s] %s|%d bytes%s:\n%s\n\n", c.now().Format(timeLayout), label, len(data), format, text)
}

func (c *Console) capture(dir capture.Direction, peer string, data []byte, note string) {
	if c.recorder == nil {
		return
	}
	rec := capture.Record{Time: c.now(), Direction: dir, Peer: peer, Payload: data, Note: note}
	if err := c.recorder.Record(rec); err != nil {
		c.logger.Warn().Err(err).Msg("failed to write capture record")
	}
}

// remember runs a history write on the background pool when one is set.
// History is best effort: failures are only logged.
func (c *Console) remember(store *history.Store, write func(*history.Store) error) {
	if store == nil {
		return
	}
	job := func(context.Context) error {
		if err := write(store); err != nil {
			return fmt.Errorf("history %s: %w", store.Path(), err)
		}
		return nil
	}
	if c.background == nil {
		if err := job(context.Background()); err != nil {
			c.logger.Warn().Err(err).Msg("failed to update history")
		}
		return
	}
	if err := c.background.TrySubmit(job); err != nil {
		c.logger.Warn().Err(err).Msg("history update dropped")
	}
}
