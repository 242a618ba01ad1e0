// Package channel implements the bounded single-producer/single-consumer
// conduit that connects a call's background task to the goroutine draining
// its outbound stream.
//
//	producer task ──Send──► [ item | item | ... cap ] ──Recv──► stream drainer
//	      ▲                                                    │
//	      └──────── ErrClosed once Receiver.Close is called ◄──┘
//
// Each half is owned by exactly one goroutine. Closing is one-way: the sender
// closes to signal end-of-stream, the receiver closes to signal it will not
// read any more. Items still buffered when the receiver closes are dropped.
package channel

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Send once the receiving half has been closed, and
// by Recv after the receiver closed its own half.
var ErrClosed = errors.New("channel: closed")

type state[T any] struct {
	items      chan T
	done       chan struct{} // closed when the receiving half is dropped
	sendClosed atomic.Bool
	closeSend  sync.Once
	closeRecv  sync.Once
}

// Sender is the producing half of a bounded channel.
type Sender[T any] struct {
	s *state[T]
}

// Receiver is the consuming half of a bounded channel.
type Receiver[T any] struct {
	s *state[T]
}

// New creates a channel holding at most capacity items. It panics if capacity
// is less than one.
func New[T any](capacity int) (*Sender[T], *Receiver[T]) {
	if capacity < 1 {
		panic(`channel: capacity must be positive`)
	}
	s := &state[T]{
		items: make(chan T, capacity),
		done:  make(chan struct{}),
	}
	return &Sender[T]{s: s}, &Receiver[T]{s: s}
}

// Send enqueues v, blocking while the channel is full. It returns ErrClosed
// without enqueueing when the receiver is gone, and ctx.Err() if ctx ends
// first. A nil return means v will be delivered unless the receiver closes
// before reading it.
func (tx *Sender[T]) Send(ctx context.Context, v T) error {
	if err := tx.precheck(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case tx.s.items <- v:
		return nil
	case <-tx.s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend enqueues v only if there is room, reporting whether it did.
func (tx *Sender[T]) TrySend(v T) (bool, error) {
	if err := tx.precheck(); err != nil {
		return false, err
	}
	select {
	case tx.s.items <- v:
		return true, nil
	default:
		return false, nil
	}
}

func (tx *Sender[T]) precheck() error {
	if tx.s.sendClosed.Load() {
		return ErrClosed
	}
	select {
	case <-tx.s.done:
		return ErrClosed
	default:
		return nil
	}
}

// Close marks the end of the stream. Buffered items remain readable.
// Close is idempotent and must not race with Send.
func (tx *Sender[T]) Close() {
	tx.s.closeSend.Do(func() {
		tx.s.sendClosed.Store(true)
		close(tx.s.items)
	})
}

// Done is closed once the receiving half has been closed.
func (tx *Sender[T]) Done() <-chan struct{} {
	return tx.s.done
}

// Recv returns the next item, blocking while the channel is empty. It returns
// io.EOF after the sender closed and every buffered item was read.
func (rx *Receiver[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-rx.s.done:
		return zero, ErrClosed
	default:
	}
	select {
	case v, ok := <-rx.s.items:
		if !ok {
			return zero, io.EOF
		}
		return v, nil
	case <-rx.s.done:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Close drops the receiving half: pending and future Sends fail with ErrClosed.
// Close is idempotent.
func (rx *Receiver[T]) Close() {
	rx.s.closeRecv.Do(func() {
		close(rx.s.done)
	})
}

// Len reports the number of buffered items.
func (rx *Receiver[T]) Len() int { return len(rx.s.items) }

// Cap reports the capacity fixed at creation.
func (rx *Receiver[T]) Cap() int { return cap(rx.s.items) }
