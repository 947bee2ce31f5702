package taskmgr

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrQueueFull is returned by TrySubmit when no queue slot is free.
var ErrQueueFull = errors.New("background queue is full")

// Job is a short background task. A returned error is logged.
type Job func(ctx context.Context) error

// BoundedPool runs jobs on a fixed number of workers fed by a queue.
type BoundedPool struct {
	ctx    context.Context
	cancel context.CancelFunc

	size     int
	queue    chan Job
	stopping chan struct{}
	group    errgroup.Group
	logger   zerolog.Logger

	mu       sync.RWMutex
	closed   bool
	started  bool
	stopOnce sync.Once
}

func newBoundedPool(size, queueSize int, logger zerolog.Logger) *BoundedPool {
	ctx, cancel := context.WithCancel(context.Background())
	return &BoundedPool{
		ctx:      ctx,
		cancel:   cancel,
		size:     size,
		queue:    make(chan Job, queueSize),
		stopping: make(chan struct{}),
		logger:   logger,
	}
}

// Size returns the number of workers.
func (p *BoundedPool) Size() int {
	return p.size
}

func (p *BoundedPool) start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	for i := 0; i < p.size; i++ {
		p.group.Go(p.worker)
	}
}

func (p *BoundedPool) worker() error {
	for job := range p.queue {
		if p.ctx.Err() != nil {
			continue
		}
		runSafely(p.ctx, p.logger, func(ctx context.Context) {
			if err := job(ctx); err != nil {
				p.logger.Warn().Err(err).Msg("background job failed")
			}
		})
	}
	return nil
}

// Submit queues job, waiting for a free slot until ctx is done.
func (p *BoundedPool) Submit(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrShutdown
	}

	select {
	case p.queue <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopping:
		return ErrShutdown
	}
}

// TrySubmit queues job without waiting.
func (p *BoundedPool) TrySubmit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrShutdown
	}

	select {
	case p.queue <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *BoundedPool) shutdown(ctx context.Context, grace time.Duration) error {
	p.stopOnce.Do(func() { close(p.stopping) })

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = p.group.Wait()
		close(done)
	}()

	err := awaitGrace(ctx, grace, done, func() {
		p.logger.Warn().Int("pending", len(p.queue)).Msg("forcing background pool down")
		p.cancel()
	})
	if err == nil {
		p.cancel()
	}
	return err
}
