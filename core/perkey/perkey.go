// Package perkey provides a scheduler that serializes work per key
// while allowing work for different keys to execute concurrently.
//
// The backplane uses it for channel delivery: messages published to the
// same logical channel are handed to subscribers in publish order, while
// different channels proceed in parallel.
package perkey

import (
	"context"
	"sync"
)

// Option configures a Scheduler.
type Option func(*config)

type config struct {
	bufferSize int
}

// WithBufferSize sets the task buffer size per worker (default: 64).
func WithBufferSize(size int) Option {
	return func(c *config) {
		if size > 0 {
			c.bufferSize = size
		}
	}
}

// Scheduler runs tasks such that for any given key K, tasks execute
// sequentially in submission order. Tasks for different keys run in parallel.
type Scheduler[K comparable] struct {
	mu         sync.Mutex
	workers    map[K]*worker
	closed     bool
	wg         sync.WaitGroup // tracks in-flight submissions
	bufferSize int
}

type worker struct {
	tasks chan *task
}

type task struct {
	fn   func() error
	done chan error // nil for fire-and-forget
}

// New creates a new Scheduler.
func New[K comparable](opts ...Option) *Scheduler[K] {
	cfg := &config{bufferSize: 64}
	for _, opt := range opts {
		opt(cfg)
	}
	return &Scheduler[K]{
		workers:    make(map[K]*worker),
		bufferSize: cfg.bufferSize,
	}
}

// Do schedules fn to run for the given key and blocks until fn finishes,
// returning its error. All calls for the same key execute sequentially.
func (s *Scheduler[K]) Do(key K, fn func() error) error {
	return s.DoContext(context.Background(), key, fn)
}

// DoContext is like Do but respects context cancellation. If the context is
// cancelled while waiting to enqueue or for completion, the context error is
// returned. A task that was already enqueued still executes.
func (s *Scheduler[K]) DoContext(ctx context.Context, key K, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	w, err := s.enqueue(key)
	if err != nil {
		return err
	}

	t := &task{fn: fn, done: make(chan error, 1)}

	select {
	case w.tasks <- t:
	case <-ctx.Done():
		s.wg.Done()
		return ctx.Err()
	}

	select {
	case err := <-t.done:
		s.wg.Done()
		return err
	case <-ctx.Done():
		s.wg.Done()
		return ctx.Err()
	}
}

// Submit enqueues fn for the given key without waiting for completion.
// Submission order is preserved per key. The task's error is discarded.
func (s *Scheduler[K]) Submit(key K, fn func() error) error {
	w, err := s.enqueue(key)
	if err != nil {
		return err
	}
	w.tasks <- &task{fn: fn}
	s.wg.Done()
	return nil
}

func (s *Scheduler[K]) enqueue(key K) (*worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSchedulerClosed
	}
	s.wg.Add(1)
	return s.getOrCreateWorkerLocked(key), nil
}

// Close stops accepting new tasks and shuts down all workers. Tasks already
// queued are still processed.
func (s *Scheduler[K]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	// Wait for in-flight submissions to finish enqueueing so we never
	// send on a closed channel.
	s.wg.Wait()

	s.mu.Lock()
	for _, w := range s.workers {
		close(w.tasks)
	}
	s.workers = nil
	s.mu.Unlock()
}

func (s *Scheduler[K]) getOrCreateWorkerLocked(key K) *worker {
	w, ok := s.workers[key]
	if ok {
		return w
	}

	w = &worker{tasks: make(chan *task, s.bufferSize)}
	s.workers[key] = w
	go runWorker(w)

	return w
}

func runWorker(w *worker) {
	for t := range w.tasks {
		err := t.fn()
		if t.done != nil {
			t.done <- err
		}
	}
}

// ErrSchedulerClosed is returned when work is submitted to a closed scheduler.
var ErrSchedulerClosed = &SchedulerError{"scheduler is closed"}

// SchedulerError is a simple error implementation.
type SchedulerError struct {
	msg string
}

func (e *SchedulerError) Error() string { return e.msg }
