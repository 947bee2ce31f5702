package taskmgr

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ErrInvalidInterval is returned for non-positive scheduling intervals.
var ErrInvalidInterval = errors.New("interval must be positive")

// Scheduler runs periodic jobs one at a time on a single goroutine.
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	mu      sync.Mutex
	jobs    jobHeap
	closed  bool
	started bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

// PeriodicJob is a handle to a scheduled repeating task.
type PeriodicJob struct {
	interval time.Duration
	next     time.Time
	task     Task
	index    int
	runs     atomic.Int64
	canceled atomic.Bool
	s        *Scheduler
}

// Cancel stops future runs. A run already in progress completes.
func (j *PeriodicJob) Cancel() {
	if j.canceled.CompareAndSwap(false, true) {
		j.s.notify()
	}
}

// Cancelled reports whether Cancel was called.
func (j *PeriodicJob) Cancelled() bool {
	return j.canceled.Load()
}

// Runs returns how many times the job has run.
func (j *PeriodicJob) Runs() int64 {
	return j.runs.Load()
}

func newScheduler(logger zerolog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (s *Scheduler) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true
	go s.loop()
}

// Every runs task immediately and then at a fixed rate of interval.
// Runs that fall behind are skipped rather than queued.
func (s *Scheduler) Every(interval time.Duration, task Task) (*PeriodicJob, error) {
	if interval <= 0 {
		return nil, ErrInvalidInterval
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrShutdown
	}
	job := &PeriodicJob{
		interval: interval,
		next:     time.Now(),
		task:     task,
		s:        s,
	}
	heap.Push(&s.jobs, job)
	s.mu.Unlock()

	s.notify()
	return job, nil
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop() {
	defer close(s.done)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		due, wait := s.nextDue(time.Now())
		if due != nil {
			runSafely(s.ctx, s.logger, due.task)
			due.runs.Add(1)
			s.reschedule(due)
			continue
		}

		timer.Reset(wait)
		select {
		case <-timer.C:
		case <-s.wake:
		case <-s.quit:
			return
		}
	}
}

// nextDue pops cancelled jobs and returns the earliest job due at now, or
// the wait until the next one.
func (s *Scheduler) nextDue(now time.Time) (*PeriodicJob, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.jobs.Len() > 0 {
		job := s.jobs[0]
		if job.canceled.Load() {
			heap.Pop(&s.jobs)
			continue
		}
		if !job.next.After(now) {
			return job, 0
		}
		return nil, job.next.Sub(now)
	}
	return nil, time.Hour
}

func (s *Scheduler) reschedule(job *PeriodicJob) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	job.next = job.next.Add(job.interval)
	for !job.next.After(now) {
		job.next = job.next.Add(job.interval)
	}
	heap.Fix(&s.jobs, job.index)
}

func (s *Scheduler) shutdown(ctx context.Context, grace time.Duration) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	close(s.quit)
	s.mu.Unlock()

	if !started {
		close(s.done)
		s.cancel()
		return nil
	}

	err := awaitGrace(ctx, grace, s.done, func() {
		s.logger.Warn().Msg("forcing scheduler down")
		s.cancel()
	})
	if err == nil {
		s.cancel()
	}
	return err
}

type jobHeap []*PeriodicJob

func (h jobHeap) Len() int           { return len(h) }
func (h jobHeap) Less(i, j int) bool { return h[i].next.Before(h[j].next) }
func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	job := x.(*PeriodicJob)
	job.index = len(*h)
	*h = append(*h, job)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	job.index = -1
	*h = old[:n-1]
	return job
}
