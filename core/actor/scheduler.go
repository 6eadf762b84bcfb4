package actor

import (
	"context"
	"log/slog"
	"sync"
)

type scheduleFunc func()

type Scheduler interface {
	Schedule(f scheduleFunc)
	// Wait blocks until all in-flight tasks complete.
	Wait()
}

type scheduler struct {
	ctx context.Context
	log *slog.Logger
	sem chan struct{}
	max int

	wg sync.WaitGroup
}

func (s *scheduler) Schedule(f scheduleFunc) {
	select {
	case <-s.ctx.Done():
		return
	default:
	}

	s.wg.Add(1)

	if s.max <= 0 {
		go func() {
			defer s.wg.Done()
			s.runTask(f)
		}()
		return
	}

	go func() {
		defer s.wg.Done()

		select {
		case <-s.ctx.Done():
			return
		case s.sem <- struct{}{}:
		}
		defer func() { <-s.sem }()

		s.runTask(f)
	}()
}

func (s *scheduler) runTask(f scheduleFunc) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduled task panicked", slog.Any("recovered", r))
		}
	}()
	f()
}

// Wait blocks until all in-flight tasks complete.
func (s *scheduler) Wait() {
	s.wg.Wait()
}

// NewScheduler creates a scheduler that limits the number of concurrently
// running tasks to max. If max <= 0, concurrency is unlimited. The scheduler
// respects context cancellation for graceful shutdown.
func NewScheduler(max int, ctx context.Context) Scheduler {
	var sem chan struct{}
	if max > 0 {
		sem = make(chan struct{}, max)
	}
	return &scheduler{
		ctx: ctx,
		sem: sem,
		max: max,
		log: slog.Default(),
	}
}
