package dispatch

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"stream-rpc/channel"
)

// Invocation is one inbound call as seen by the Dispatcher.
type Invocation struct {
	Method  MethodID
	Kind    Kind
	Payload []byte  // request payload; optional for bidirectional calls
	Inbound Inbound // required for bidirectional calls
}

// Call is one logical invocation. For streaming kinds the Call owns the
// receiving half of the outbound channel; the background task owns the
// sending half.
type Call struct {
	ID     string
	Method MethodID
	Kind   Kind

	ctx    context.Context
	cancel context.CancelFunc

	tx *channel.Sender[[]byte]
	rx *channel.Receiver[[]byte]

	reply   []byte
	started time.Time
	done    chan struct{}
	err     error

	itemsIn  atomic.Int64
	itemsOut atomic.Int64
}

func newCall(parent context.Context, method MethodID, kind Kind) *Call {
	ctx, cancel := context.WithCancel(parent)
	return &Call{
		ID:      shortuuid.New(),
		Method:  method,
		Kind:    kind,
		ctx:     ctx,
		cancel:  cancel,
		started: time.Now(),
		done:    make(chan struct{}),
	}
}

// adopt runs the call under ctx, usually a hook's context carrying a span.
// Cancel and the end of the call still cancel it, whatever ctx derives from.
func (c *Call) adopt(ctx context.Context) {
	hctx, hcancel := context.WithCancel(ctx)
	context.AfterFunc(c.ctx, hcancel)
	parent := c.cancel
	c.ctx = hctx
	c.cancel = func() {
		hcancel()
		parent()
	}
}

func (c *Call) openChannel(capacity int) {
	c.tx, c.rx = channel.New[[]byte](capacity)
}

// finish records the terminal error. It runs exactly once per call, before
// the outbound channel is closed.
func (c *Call) finish(err error) {
	c.err = err
	close(c.done)
}

// Context is cancelled when the call is cancelled or has finished.
func (c *Call) Context() context.Context {
	return c.ctx
}

// Reply returns the unary reply payload.
func (c *Call) Reply() []byte {
	return c.reply
}

// Recv returns the next outbound item of a streaming call, io.EOF at the end
// of the stream, or channel.ErrClosed after Cancel.
func (c *Call) Recv(ctx context.Context) ([]byte, error) {
	if c.rx == nil {
		return nil, ErrInvalidInteractionKind
	}
	return c.rx.Recv(ctx)
}

// Cancel is the disconnection signal: it drops the receiving half, so a
// blocked or future Send in the task fails, and cancels the call context.
// Work between sends is not interrupted.
func (c *Call) Cancel() {
	if c.rx != nil {
		c.rx.Close()
	}
	c.cancel()
}

// Done is closed when the handler or task has returned.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the call finished and returns its terminal error, nil for
// a normal close.
func (c *Call) Wait() error {
	<-c.done
	return c.err
}

// Stats reports item counters and elapsed time.
func (c *Call) Stats() Stats {
	return Stats{
		ItemsIn:  c.itemsIn.Load(),
		ItemsOut: c.itemsOut.Load(),
		Duration: time.Since(c.started),
	}
}
