// Package flow provides the credit window that carries backpressure across the
// wire. A stream sender spends one credit per item; the receiving peer returns
// credits with WindowUpdate frames as its application consumes items. A window
// starts empty, so nothing is sent until the peer grants its buffer capacity.
package flow

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// MaxWindow is the largest number of credits a window can hold.
const MaxWindow = 1 << 16

// Window counts the credits granted by the peer and not yet spent.
type Window struct {
	sem *semaphore.Weighted
	mu  sync.Mutex
	// spent counts credits held back from the semaphore; a grant can never
	// return more than this, so a misbehaving peer cannot over-release.
	spent int64
}

// NewWindow returns a window with zero available credits.
func NewWindow() *Window {
	sem := semaphore.NewWeighted(MaxWindow)
	sem.TryAcquire(MaxWindow)
	return &Window{sem: sem, spent: MaxWindow}
}

// Acquire spends one credit, blocking until the peer grants one or ctx ends.
func (w *Window) Acquire(ctx context.Context) error {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	w.mu.Lock()
	w.spent++
	w.mu.Unlock()
	return nil
}

// Grant makes n more credits available and returns how many were accepted.
func (w *Window) Grant(n uint32) uint32 {
	w.mu.Lock()
	accepted := int64(n)
	if accepted > w.spent {
		accepted = w.spent
	}
	w.spent -= accepted
	w.mu.Unlock()

	if accepted > 0 {
		w.sem.Release(accepted)
	}
	return uint32(accepted)
}
