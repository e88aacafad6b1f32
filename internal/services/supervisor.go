package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Supervisor runs detached tasks, logs their failures and lets shutdown wait
// for them. Limited tasks share a weighted semaphore.
type Supervisor struct {
	ctx context.Context
	mu  sync.Mutex // orders Add against Wait once ctx is done
	wg  sync.WaitGroup
	sem *semaphore.Weighted
	log *slog.Logger
}

func NewSupervisor(ctx context.Context, limit int64) *Supervisor {
	if limit <= 0 {
		limit = 1
	}
	return &Supervisor{
		ctx: ctx,
		sem: semaphore.NewWeighted(limit),
		log: slog.With("component", "Supervisor"),
	}
}

// Go runs fn in its own goroutine with the supervisor context. It reports
// false, without running fn, once the supervisor context is done.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) bool {
	if !s.add(name) {
		return false
	}
	go func() {
		defer s.wg.Done()
		s.run(name, fn)
	}()
	return true
}

// GoLimited is Go bounded by the semaphore. Tasks still waiting for a
// permit when the supervisor context ends are skipped.
func (s *Supervisor) GoLimited(name string, fn func(ctx context.Context) error) bool {
	if !s.add(name) {
		return false
	}
	go func() {
		defer s.wg.Done()
		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			s.log.Warn("Task skipped", "task", name, "error", err)
			return
		}
		defer s.sem.Release(1)
		s.run(name, fn)
	}()
	return true
}

func (s *Supervisor) add(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		s.log.Warn("Task rejected; shutting down", "task", name)
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Supervisor) run(name string, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Task panicked", "task", name, "panic", fmt.Sprint(r))
		}
	}()
	if err := fn(s.ctx); err != nil {
		s.log.Error("Task failed", "task", name, "error", err)
	}
}

// Wait blocks until every task has returned or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	// Any add that has not taken the lock yet sees the cancelled context.
	s.mu.Lock()
	draining := s.ctx.Err() != nil
	s.mu.Unlock()
	if draining {
		s.log.Info("Draining background tasks")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
