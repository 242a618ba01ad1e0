package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"stream-rpc/channel"
	"stream-rpc/flow"
	"stream-rpc/message"
	"stream-rpc/protocol"
)

// ErrSendClosed is returned by Send after CloseSend.
var ErrSendClosed = errors.New("send on closed stream")

// ClientStream is the client half of a streaming call.
//
// Recv and Send may run in different goroutines, but each of them must be
// called from one goroutine at a time.
type ClientStream struct {
	t      *ClientTransport
	seq    uint32
	method string
	kind   message.Kind

	// tx is owned by recvLoop; rx by the goroutine calling Recv.
	tx *channel.Sender[[]byte]
	rx *channel.Receiver[[]byte]

	sendWindow *flow.Window // credits granted by the server

	ctx    context.Context // cancelled once the stream is over
	cancel context.CancelFunc
	ended  atomic.Bool
	err    error // terminal error, written before tx is closed

	consumed  int // items read since the last grant
	threshold int

	sendClosed atomic.Bool
	closeOnce  sync.Once

	// watchMu guards the AfterFunc that closes the stream with its caller's ctx.
	watchMu   sync.Mutex
	stopWatch func() bool
	unwatched bool
}

func newClientStream(t *ClientTransport, seq uint32, method string, kind message.Kind, window int) *ClientStream {
	tx, rx := channel.New[[]byte](window)
	ctx, cancel := context.WithCancel(context.Background())
	return &ClientStream{
		t:          t,
		seq:        seq,
		method:     method,
		kind:       kind,
		tx:         tx,
		rx:         rx,
		sendWindow: flow.NewWindow(),
		ctx:        ctx,
		cancel:     cancel,
		threshold:  (window + 1) / 2,
	}
}

// deliver buffers one item from the server. It reports false when the server
// sent more than it was granted.
func (s *ClientStream) deliver(payload []byte) bool {
	ok, err := s.tx.TrySend(payload)
	if err != nil {
		return true // Close was called; the item is dropped
	}
	return ok
}

// end marks the stream finished. Buffered items stay readable.
func (s *ClientStream) end(err error) {
	s.err = err
	s.ended.Store(true)
	s.tx.Close()
	s.cancel()
	s.unwatch()
}

// watch closes the stream, telling the server to stop, once ctx is done.
func (s *ClientStream) watch(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	s.watchMu.Lock()
	s.stopWatch = stop
	unwatched := s.unwatched
	s.watchMu.Unlock()
	if unwatched {
		stop()
	}
}

func (s *ClientStream) unwatch() {
	s.watchMu.Lock()
	s.unwatched = true
	stop := s.stopWatch
	s.watchMu.Unlock()
	if stop != nil {
		stop()
	}
}

// abort gives up on a stream from the reading side.
func (s *ClientStream) abort(err error) {
	s.t.forget(s.seq)
	_ = s.t.writeFrame(protocol.MsgTypeCancel, s.seq, nil)
	s.end(err)
}

// Recv returns the next item. At the end of the stream it returns io.EOF, or
// the server's failure as *RemoteError.
func (s *ClientStream) Recv(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	item, err := s.rx.Recv(ctx)
	if err == nil {
		s.consumed++
		if s.consumed >= s.threshold {
			n := s.consumed
			s.consumed = 0
			if !s.ended.Load() {
				_ = s.t.writeWindowUpdate(s.seq, uint32(n))
			}
		}
		return item, nil
	}
	if errors.Is(err, io.EOF) && s.err != nil {
		return nil, s.err
	}
	return nil, err
}

// Send sends one item of a bidirectional call, waiting for a credit from the
// server. Once the server has ended the stream it returns io.EOF; the reason
// is reported by Recv.
func (s *ClientStream) Send(ctx context.Context, payload []byte) error {
	if s.kind != message.KindBiStream {
		return fmt.Errorf("send on %s stream %s", s.kind, s.method)
	}
	if s.sendClosed.Load() {
		return ErrSendClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()
	if err := s.sendWindow.Acquire(actx); err != nil {
		if s.ctx.Err() != nil {
			return io.EOF
		}
		return err
	}
	return s.t.writeMessage(protocol.MsgTypeStreamItem, s.seq, &message.RPCMessage{Payload: payload})
}

// CloseSend tells the server no more items will be sent.
func (s *ClientStream) CloseSend() error {
	if s.sendClosed.Swap(true) {
		return nil
	}
	if s.ended.Load() {
		return nil
	}
	return s.t.writeMessage(protocol.MsgTypeStreamEnd, s.seq, &message.RPCMessage{})
}

// Close abandons the stream: the server is told to stop producing and
// buffered items are dropped. It is safe to call after the stream ended.
// Cancelling the context the stream was opened with has the same effect.
func (s *ClientStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.unwatch()
		if !s.ended.Load() {
			err = s.t.writeFrame(protocol.MsgTypeCancel, s.seq, nil)
		}
		s.t.forget(s.seq)
		s.rx.Close()
	})
	return err
}

// Method returns the "Service.Method" of the call.
func (s *ClientStream) Method() string {
	return s.method
}
