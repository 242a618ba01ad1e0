// Package transport implements the client side of a multiplexed connection.
//
// Many calls share one TCP connection. Each call gets a sequence number, and a
// background goroutine (recvLoop) reads every frame and routes it by seq:
//
//	goroutine-1 ──Invoke(seq=1)──────┐
//	goroutine-2 ──OpenStream(seq=2)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Invoke(seq=3)──────┘
//
//	recvLoop:  ←── Response(seq=1)   → pending[1]  → goroutine-1 wakes up
//	           ←── StreamItem(seq=2) → streams[2]  → buffered until Stream.Recv
//	           ←── WindowUpdate(2)   → streams[2]  → Stream.Send may proceed
//
// Stream items are buffered in a bounded channel sized to the receive window.
// The server may only send as many items as the client granted, so recvLoop
// never blocks on a slow consumer and other calls on the connection keep
// flowing.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"stream-rpc/codec"
	"stream-rpc/message"
	"stream-rpc/protocol"
)

const (
	DefaultHeartbeat    = 30 * time.Second
	DefaultStreamWindow = 16
)

// ErrTransportClosed is returned for calls on a transport whose connection is
// gone. Its text marks the failure as retryable for the client middleware.
var ErrTransportClosed = errors.New("transport closed")

var errWindowExceeded = errors.New("peer exceeded stream window")

// RemoteError is a failure reported by the server for one call.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("server error: %s: %s", e.Method, e.Message)
}

type Option func(*ClientTransport)

// WithHeartbeat sets the heartbeat interval; 0 disables heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(t *ClientTransport) { t.heartbeat = d }
}

// WithStreamWindow sets how many unread items a stream may buffer. It is also
// the initial credit granted to the server for each stream.
func WithStreamWindow(n int) Option {
	return func(t *ClientTransport) {
		if n > 0 {
			t.window = n
		}
	}
}

// ClientTransport manages a single multiplexed connection.
type ClientTransport struct {
	conn      net.Conn
	codec     codec.CodecType
	heartbeat time.Duration
	window    int

	seq     atomic.Uint32
	sending sync.Mutex // serializes frame writes

	mu       sync.Mutex
	pending  map[uint32]chan *message.RPCMessage
	streams  map[uint32]*ClientStream
	closeErr error // set once the connection failed

	done chan struct{}
}

// NewClientTransport wraps conn and starts recvLoop and, unless disabled,
// heartbeatLoop.
func NewClientTransport(conn net.Conn, codecType codec.CodecType, opts ...Option) *ClientTransport {
	t := &ClientTransport{
		conn:      conn,
		codec:     codecType,
		heartbeat: DefaultHeartbeat,
		window:    DefaultStreamWindow,
		pending:   make(map[uint32]chan *message.RPCMessage),
		streams:   make(map[uint32]*ClientStream),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	go t.recvLoop()
	if t.heartbeat > 0 {
		go t.heartbeatLoop(t.heartbeat)
	}
	return t
}

// Invoke performs one unary round trip. Failures, local or remote, are
// reported in the reply's Error field so the call fits the middleware chain.
func (t *ClientTransport) Invoke(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	seq := t.seq.Add(1)
	respChan := make(chan *message.RPCMessage, 1) // recvLoop never blocks on it

	// Register before sending to avoid racing recvLoop.
	t.mu.Lock()
	if t.closeErr != nil {
		t.mu.Unlock()
		return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: t.closeErr.Error()}
	}
	t.pending[seq] = respChan
	t.mu.Unlock()

	req.Kind = message.KindUnary
	if err := t.writeMessage(protocol.MsgTypeRequest, seq, req); err != nil {
		t.dropPending(seq)
		return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: err.Error()}
	}

	select {
	case resp := <-respChan:
		return resp
	case <-ctx.Done():
		t.dropPending(seq)
		return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: ctx.Err().Error()}
	}
}

func (t *ClientTransport) dropPending(seq uint32) {
	t.mu.Lock()
	delete(t.pending, seq)
	t.mu.Unlock()
}

// OpenStream starts a server-streaming or bidirectional call. payload is the
// request of a server-streaming call and is ignored for bidi calls. ctx bounds
// the whole stream: once it is done the stream is closed as by Close.
func (t *ClientTransport) OpenStream(ctx context.Context, serviceMethod string, kind message.Kind, payload []byte) (*ClientStream, error) {
	if kind != message.KindServerStream && kind != message.KindBiStream {
		return nil, fmt.Errorf("open stream %s: not a streaming kind: %s", serviceMethod, kind)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seq := t.seq.Add(1)
	s := newClientStream(t, seq, serviceMethod, kind, t.window)

	t.mu.Lock()
	if t.closeErr != nil {
		t.mu.Unlock()
		return nil, t.closeErr
	}
	t.streams[seq] = s
	t.mu.Unlock()

	req := &message.RPCMessage{ServiceMethod: serviceMethod, Kind: kind, Payload: payload}
	if err := t.writeMessage(protocol.MsgTypeRequest, seq, req); err != nil {
		t.forget(seq)
		return nil, err
	}
	// The server may send nothing until it holds credits.
	if err := t.writeWindowUpdate(seq, uint32(t.window)); err != nil {
		t.forget(seq)
		return nil, err
	}
	// Registered after the Request is on the wire so a Cancel never precedes it.
	s.watch(ctx)
	return s, nil
}

func (t *ClientTransport) forget(seq uint32) {
	t.mu.Lock()
	s, ok := t.streams[seq]
	delete(t.streams, seq)
	t.mu.Unlock()
	if ok {
		s.cancel()
	}
}

func (t *ClientTransport) stream(seq uint32) *ClientStream {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streams[seq]
}

// recvLoop is the only reader of the connection. Reads must be sequential to
// keep frame boundaries.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.closeAll(err)
			return
		}

		if header.MsgType == protocol.MsgTypeWindowUpdate {
			credits, err := protocol.DecodeWindowUpdate(body)
			if err != nil {
				t.closeAll(err)
				return
			}
			if s := t.stream(header.Seq); s != nil {
				s.sendWindow.Grant(credits)
			}
			continue
		}

		msg := message.RPCMessage{}
		cdc := codec.GetCodec(codec.CodecType(header.CodecType))
		if err := cdc.Decode(body, &msg); err != nil {
			t.closeAll(fmt.Errorf("decode %s frame: %w", header.MsgType, err))
			return
		}

		switch header.MsgType {
		case protocol.MsgTypeResponse:
			t.mu.Lock()
			ch, ok := t.pending[header.Seq]
			delete(t.pending, header.Seq)
			t.mu.Unlock()
			if ok {
				ch <- &msg
			}
		case protocol.MsgTypeStreamItem:
			s := t.stream(header.Seq)
			if s == nil {
				continue // stream was closed locally; late items are dropped
			}
			if !s.deliver(msg.Payload) {
				logrus.WithFields(logrus.Fields{"seq": header.Seq, "method": s.method}).
					Warn("Server exceeded stream window, cancelling stream")
				s.abort(errWindowExceeded)
			}
		case protocol.MsgTypeStreamEnd:
			t.mu.Lock()
			s, ok := t.streams[header.Seq]
			delete(t.streams, header.Seq)
			t.mu.Unlock()
			if ok {
				var err error
				if msg.Error != "" {
					err = &RemoteError{Method: s.method, Message: msg.Error}
				}
				s.end(err)
			}
		default:
			logrus.WithField("type", header.MsgType.String()).Debug("Ignoring unexpected frame")
		}
	}
}

// closeAll fails every pending call and stream once the connection is gone.
func (t *ClientTransport) closeAll(cause error) {
	err := fmt.Errorf("%w: %v", ErrTransportClosed, cause)

	t.mu.Lock()
	if t.closeErr != nil {
		t.mu.Unlock()
		return
	}
	t.closeErr = err
	pending := t.pending
	streams := t.streams
	t.pending = make(map[uint32]chan *message.RPCMessage)
	t.streams = make(map[uint32]*ClientStream)
	t.mu.Unlock()
	close(t.done)

	for _, ch := range pending {
		ch <- &message.RPCMessage{Error: err.Error()}
	}
	for _, s := range streams {
		s.end(err)
	}
	logrus.WithError(cause).WithField("remote", t.conn.RemoteAddr().String()).Debug("Transport closed")
}

func (t *ClientTransport) writeMessage(msgType protocol.MsgType, seq uint32, msg *message.RPCMessage) error {
	body, err := codec.GetCodec(t.codec).Encode(msg)
	if err != nil {
		return err
	}
	return t.writeFrame(msgType, seq, body)
}

func (t *ClientTransport) writeWindowUpdate(seq, credits uint32) error {
	return t.writeFrame(protocol.MsgTypeWindowUpdate, seq, protocol.EncodeWindowUpdate(credits))
}

func (t *ClientTransport) writeFrame(msgType protocol.MsgType, seq uint32, body []byte) error {
	header := protocol.Header{CodecType: byte(t.codec), MsgType: msgType, Seq: seq}
	t.sending.Lock()
	defer t.sending.Unlock()
	return protocol.Encode(t.conn, &header, body)
}

// heartbeatLoop keeps an idle connection from being reaped by the server.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := t.writeFrame(protocol.MsgTypeHeartbeat, 0, nil); err != nil {
				return
			}
		case <-t.done:
			return
		}
	}
}

// Done is closed once the connection has failed or was closed.
func (t *ClientTransport) Done() <-chan struct{} {
	return t.done
}

// Err returns why the transport closed, or nil while it is usable.
func (t *ClientTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeErr
}

// Close closes the connection; outstanding calls fail with ErrTransportClosed.
func (t *ClientTransport) Close() error {
	return t.conn.Close()
}

// Conn returns the underlying connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}
