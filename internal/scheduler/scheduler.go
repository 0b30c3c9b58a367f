// Package scheduler admits queued downloads in submission order while keeping at
// most a fixed number of them running.
package scheduler

import (
	"context"
	"errors"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned when submitting to a closed scheduler.
var ErrClosed = errors.New("scheduler is closed")

// RunFunc runs the admitted id. The slot is released when it returns.
type RunFunc func(ctx context.Context, id string)

// Scheduler is a FIFO admission queue with a parallelism cap.
type Scheduler struct {
	mu      sync.Mutex
	queue   []string
	running map[string]struct{}
	max     int
	run     RunFunc
	closed  bool

	ctx   context.Context
	group *errgroup.Group
}

// New creates a scheduler that runs at most maxParallel ids at once. Values below 1
// are treated as 1. ctx is passed to every RunFunc.
func New(ctx context.Context, maxParallel int, run RunFunc) *Scheduler {
	return &Scheduler{
		running: make(map[string]struct{}),
		max:     max(maxParallel, 1),
		run:     run,
		ctx:     ctx,
		group:   &errgroup.Group{},
	}
}

// Submit appends id to the tail of the queue. Submitting an id that is already
// queued keeps its position. An id that is currently running is queued behind
// itself and admitted once the running instance returns.
func (s *Scheduler) Submit(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if !slices.Contains(s.queue, id) {
		s.queue = append(s.queue, id)
	}

	s.dispatchLocked()

	return nil
}

// Remove drops id from the queue if it has not been admitted yet.
func (s *Scheduler) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := slices.Index(s.queue, id)
	if i < 0 {
		return false
	}

	s.queue = slices.Delete(s.queue, i, i+1)

	return true
}

// isRunning reports whether id holds a slot.
func (s *Scheduler) isRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.running[id]

	return ok
}

// Stats returns the number of waiting and running ids.
func (s *Scheduler) Stats() (queued, running int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.queue), len(s.running)
}

// Close stops admitting new work, drops everything still waiting and blocks
// until every running id has returned.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()

	return s.group.Wait()
}

func (s *Scheduler) dispatchLocked() {
	if s.closed {
		return
	}

	for i := 0; i < len(s.queue) && len(s.running) < s.max; {
		id := s.queue[i]
		if _, busy := s.running[id]; busy {
			i++

			continue
		}

		s.queue = slices.Delete(s.queue, i, i+1)
		s.running[id] = struct{}{}

		s.group.Go(func() error {
			defer s.release(id)

			s.run(s.ctx, id)

			return nil
		})
	}
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.running, id)
	s.dispatchLocked()
}
