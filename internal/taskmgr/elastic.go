package taskmgr

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ElasticPool runs each task on an idle worker when one is waiting and on a
// new worker otherwise, so the number of concurrent tasks is unbounded.
// Workers idle for longer than the idle timeout exit.
type ElasticPool struct {
	ctx    context.Context
	cancel context.CancelFunc

	idleTimeout time.Duration
	handoff     chan Task
	quit        chan struct{}
	logger      zerolog.Logger

	mu      sync.Mutex
	closed  bool
	wg      sync.WaitGroup
	workers atomic.Int32
	busy    atomic.Int32
}

func newElasticPool(idleTimeout time.Duration, logger zerolog.Logger) *ElasticPool {
	ctx, cancel := context.WithCancel(context.Background())
	return &ElasticPool{
		ctx:         ctx,
		cancel:      cancel,
		idleTimeout: idleTimeout,
		handoff:     make(chan Task),
		quit:        make(chan struct{}),
		logger:      logger,
	}
}

// Go runs task on a pooled goroutine.
func (p *ElasticPool) Go(task Task) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrShutdown
	}

	select {
	case p.handoff <- task:
		p.mu.Unlock()
		return nil
	default:
	}

	p.wg.Add(1)
	p.workers.Add(1)
	p.mu.Unlock()

	go p.worker(task)
	return nil
}

// Workers returns the number of live worker goroutines.
func (p *ElasticPool) Workers() int {
	return int(p.workers.Load())
}

// Busy returns the number of tasks currently running.
func (p *ElasticPool) Busy() int {
	return int(p.busy.Load())
}

func (p *ElasticPool) worker(task Task) {
	defer p.wg.Done()
	defer p.workers.Add(-1)

	idle := time.NewTimer(p.idleTimeout)
	defer idle.Stop()

	for {
		p.busy.Add(1)
		runSafely(p.ctx, p.logger, task)
		p.busy.Add(-1)

		idle.Reset(p.idleTimeout)
		select {
		case task = <-p.handoff:
		case <-idle.C:
			return
		case <-p.quit:
			return
		}
	}
}

func (p *ElasticPool) shutdown(ctx context.Context, grace time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.quit)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	err := awaitGrace(ctx, grace, done, func() {
		p.logger.Warn().Int("busy", p.Busy()).Msg("forcing elastic pool down")
		p.cancel()
	})
	if err == nil {
		p.cancel()
	}
	return err
}
