// Package taskmgr owns the goroutine pools shared by the network services:
// an elastic pool for per-connection readers, a bounded pool for short
// background jobs and a single periodic scheduler.
//
// A Manager is constructed once by the process entry point, handed to the
// services that need it and shut down exactly once at exit:
//
//	mgr := taskmgr.New(taskmgr.WithLogger(logger))
//	defer mgr.Shutdown(context.Background())
//	srv := tcp.NewServer(mgr.Elastic())
package taskmgr

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrShutdown is returned when work is submitted after Shutdown.
	ErrShutdown = errors.New("task manager is shut down")
	// ErrForced reports that a pool had to be cancelled after its grace period.
	ErrForced = errors.New("forced termination after grace period")
)

const (
	// DefaultGracePeriod bounds how long Shutdown waits for in-flight work per pool.
	DefaultGracePeriod = 5 * time.Second
	// DefaultIdleTimeout is how long an elastic worker waits for new work before exiting.
	DefaultIdleTimeout = 60 * time.Second
	// DefaultQueueSize is the bounded pool's pending job capacity.
	DefaultQueueSize = 256
)

// Task is a unit of work. ctx is cancelled when the owning pool is forced down.
type Task func(ctx context.Context)

type settings struct {
	logger      zerolog.Logger
	grace       time.Duration
	idleTimeout time.Duration
	workers     int
	queueSize   int
}

// Option configures a Manager.
type Option func(*settings)

// WithLogger provides a custom logger instance.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

// WithGracePeriod overrides DefaultGracePeriod.
func WithGracePeriod(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.grace = d
		}
	}
}

// WithIdleTimeout overrides DefaultIdleTimeout for elastic workers.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.idleTimeout = d
		}
	}
}

// WithBackgroundWorkers sets the bounded pool size.
func WithBackgroundWorkers(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithQueueSize sets the bounded pool's pending job capacity.
func WithQueueSize(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// Manager owns the shared pools.
type Manager struct {
	cfg settings

	elastic   *ElasticPool
	bounded   *BoundedPool
	scheduler *Scheduler

	mu      sync.Mutex
	started bool
	stopped bool
}

// New creates a Manager. Pools start lazily on first use or on Start.
func New(opts ...Option) *Manager {
	cfg := settings{
		logger:      zerolog.Nop(),
		grace:       DefaultGracePeriod,
		idleTimeout: DefaultIdleTimeout,
		workers:     2 * runtime.GOMAXPROCS(0),
		queueSize:   DefaultQueueSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Manager{
		cfg:       cfg,
		elastic:   newElasticPool(cfg.idleTimeout, cfg.logger.With().Str("pool", "elastic").Logger()),
		bounded:   newBoundedPool(cfg.workers, cfg.queueSize, cfg.logger.With().Str("pool", "background").Logger()),
		scheduler: newScheduler(cfg.logger.With().Str("pool", "scheduler").Logger()),
	}
}

// Start launches the pools. Calling it again is a no-op.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrShutdown
	}
	if m.started {
		return nil
	}
	m.bounded.start()
	m.scheduler.start()
	m.started = true
	m.cfg.logger.Debug().Int("background_workers", m.cfg.workers).Msg("task manager started")
	return nil
}

// Elastic returns the grow-on-demand pool used for connection readers.
func (m *Manager) Elastic() *ElasticPool {
	_ = m.Start()
	return m.elastic
}

// Background returns the bounded pool for short jobs.
func (m *Manager) Background() *BoundedPool {
	_ = m.Start()
	return m.bounded
}

// Scheduler returns the periodic scheduler.
func (m *Manager) Scheduler() *Scheduler {
	_ = m.Start()
	return m.scheduler
}

// Shutdown stops every pool. Each pool stops accepting work, gets the grace
// period to finish, and is then forced. Cancelling ctx forces immediately.
// Only the first call does anything.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.mu.Unlock()

	var errs []error
	if err := m.bounded.shutdown(ctx, m.cfg.grace); err != nil {
		errs = append(errs, fmt.Errorf("background pool: %w", err))
	}
	if err := m.elastic.shutdown(ctx, m.cfg.grace); err != nil {
		errs = append(errs, fmt.Errorf("elastic pool: %w", err))
	}
	if err := m.scheduler.shutdown(ctx, m.cfg.grace); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}
	m.cfg.logger.Debug().Msg("task manager stopped")
	return errors.Join(errs...)
}

// awaitGrace waits for done. When the grace period elapses or ctx is
// cancelled first, force is called and ErrForced returned.
func awaitGrace(ctx context.Context, grace time.Duration, done <-chan struct{}, force func()) error {
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	force()
	return ErrForced
}

func runSafely(ctx context.Context, logger zerolog.Logger, task Task) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("task panicked")
		}
	}()
	task(ctx)
}
