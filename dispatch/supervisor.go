package dispatch

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Supervisor ties background tasks to the lifetime of their calls. It tracks
// every live streaming call so the transport can cancel one by ID, and joins
// all tasks on shutdown.
type Supervisor struct {
	group  errgroup.Group
	mu     sync.Mutex
	calls  map[string]*Call
	closed bool
}

// NewSupervisor returns a supervisor admitting at most maxStreams concurrent
// tasks; maxStreams <= 0 means no limit.
func NewSupervisor(maxStreams int) *Supervisor {
	s := &Supervisor{calls: make(map[string]*Call)}
	if maxStreams > 0 {
		s.group.SetLimit(maxStreams)
	}
	return s
}

// spawn starts task for call right away or fails; it never queues.
func (s *Supervisor) spawn(call *Call, task func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrShuttingDown
	}
	// TryGo runs under mu so that no task is added once Shutdown started waiting.
	started := s.group.TryGo(func() error {
		defer s.forget(call.ID)
		task()
		return nil
	})
	if !started {
		return ErrResourceExhausted
	}
	s.calls[call.ID] = call
	return nil
}

func (s *Supervisor) forget(id string) {
	s.mu.Lock()
	delete(s.calls, id)
	s.mu.Unlock()
}

// Cancel delivers the disconnection signal to a live call.
func (s *Supervisor) Cancel(id string) bool {
	s.mu.Lock()
	call, ok := s.calls[id]
	s.mu.Unlock()
	if ok {
		call.Cancel()
	}
	return ok
}

// Active reports the number of running tasks.
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// Shutdown rejects new tasks, cancels every live call and waits for all tasks
// to return or ctx to end.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	calls := make([]*Call, 0, len(s.calls))
	for _, call := range s.calls {
		calls = append(calls, call)
	}
	s.mu.Unlock()

	for _, call := range calls {
		call.Cancel()
	}

	done := make(chan struct{})
	go func() {
		_ = s.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
