package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"stream-rpc/channel"
	"stream-rpc/codec"
	"stream-rpc/dispatch"
	"stream-rpc/flow"
	"stream-rpc/message"
	"stream-rpc/protocol"
)

// conn is one client connection. A single goroutine reads frames; unary
// requests and stream pumps write concurrently under writeMu, which keeps
// frames from interleaving.
type conn struct {
	srv     *Server
	nc      net.Conn
	log     *logrus.Entry
	writeMu sync.Mutex

	ctx    context.Context // cancelled when the connection is gone
	cancel context.CancelFunc

	mu      sync.Mutex
	streams map[uint32]*serverStream
}

// serverStream is the connection-side state of one streaming call.
type serverStream struct {
	seq    uint32
	codec  byte
	call   *dispatch.Call
	window *flow.Window // credits granted by the client

	// inTx feeds a bidi call's inbound stream; only the read loop touches it.
	inTx    *channel.Sender[[]byte]
	aborted atomic.Bool // inbound cut off by the transport

	// reason records why the stream was stopped early; the first one wins.
	reason atomic.Pointer[error]

	ctx    context.Context // stops the pump
	cancel context.CancelFunc
}

// Reasons that need no StreamEnd: the client already knows.
var (
	errCancelledByClient = errors.New("stream cancelled by client")
	errConnLost          = errors.New("connection lost")
)

func (st *serverStream) stop(reason error) {
	st.reason.CompareAndSwap(nil, &reason)
	if st.call != nil {
		st.call.Cancel()
	}
	st.cancel()
}

func (st *serverStream) stopReason() error {
	if r := st.reason.Load(); r != nil {
		return *r
	}
	return nil
}

func newConn(srv *Server, nc net.Conn) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		srv:     srv,
		nc:      nc,
		log:     logrus.WithField("remote", nc.RemoteAddr().String()),
		ctx:     ctx,
		cancel:  cancel,
		streams: make(map[uint32]*serverStream),
	}
}

func (c *conn) serve() {
	defer c.close()
	for {
		if c.srv.idleTimeout > 0 {
			c.nc.SetReadDeadline(time.Now().Add(c.srv.idleTimeout))
		}
		header, body, err := protocol.Decode(c.nc)
		if err != nil {
			if !errors.Is(err, io.EOF) && !c.srv.shutdown.Load() {
				c.log.WithError(err).Debug("Connection read failed")
			}
			return
		}

		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
			continue
		case protocol.MsgTypeWindowUpdate:
			credits, err := protocol.DecodeWindowUpdate(body)
			if err != nil {
				c.log.WithError(err).Warn("Bad window update, closing connection")
				return
			}
			if st := c.stream(header.Seq); st != nil {
				st.window.Grant(credits)
			}
			continue
		case protocol.MsgTypeCancel:
			c.cancelStream(header.Seq)
			continue
		}

		msg := message.RPCMessage{}
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, &msg); err != nil {
			c.log.WithError(err).Warn("Undecodable frame, closing connection")
			return
		}
		switch header.MsgType {
		case protocol.MsgTypeRequest:
			c.handleRequest(header, &msg)
		case protocol.MsgTypeStreamItem:
			c.feed(header.Seq, msg.Payload)
		case protocol.MsgTypeStreamEnd:
			if st := c.stream(header.Seq); st != nil && st.inTx != nil {
				st.inTx.Close()
			}
		default:
			c.log.WithField("type", header.MsgType.String()).Debug("Ignoring unexpected frame")
		}
	}
}

// close is the disconnection signal for every call on the connection.
func (c *conn) close() {
	c.mu.Lock()
	streams := c.streams
	c.streams = make(map[uint32]*serverStream)
	c.mu.Unlock()

	for _, st := range streams {
		st.aborted.Store(true)
		st.stop(errConnLost)
	}
	c.cancel()
	c.nc.Close()
	c.srv.removeConn(c)
}

func (c *conn) stream(seq uint32) *serverStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[seq]
}

func (c *conn) forget(seq uint32) {
	c.mu.Lock()
	st, ok := c.streams[seq]
	delete(c.streams, seq)
	c.mu.Unlock()
	if ok {
		st.cancel()
	}
}

func (c *conn) handleRequest(header *protocol.Header, msg *message.RPCMessage) {
	if msg.Kind == message.KindUnary {
		if c.srv.shutdown.Load() {
			c.writeMessage(protocol.MsgTypeResponse, header.CodecType, header.Seq,
				&message.RPCMessage{ServiceMethod: msg.ServiceMethod, Error: ErrServerClosed.Error()})
			return
		}
		c.srv.wg.Add(1)
		go c.handleUnary(header, msg)
		return
	}
	// Streams are opened inline so the stream exists before the client's
	// next frame for it is read.
	c.openStream(header, msg)
}

func (c *conn) handleUnary(header *protocol.Header, msg *message.RPCMessage) {
	defer c.srv.wg.Done()
	reply := c.srv.handler(c.ctx, msg)
	if err := c.writeMessage(protocol.MsgTypeResponse, header.CodecType, header.Seq, reply); err != nil {
		c.log.WithError(err).WithField("method", msg.ServiceMethod).Warn("Failed to write response")
	}
}

func (c *conn) openStream(header *protocol.Header, msg *message.RPCMessage) {
	fail := func(err error) {
		c.writeMessage(protocol.MsgTypeStreamEnd, header.CodecType, header.Seq,
			&message.RPCMessage{ServiceMethod: msg.ServiceMethod, Error: err.Error()})
	}
	if c.srv.shutdown.Load() {
		fail(ErrServerClosed)
		return
	}
	id, err := dispatch.ParseMethodID(msg.ServiceMethod)
	if err != nil {
		fail(err)
		return
	}

	if c.stream(header.Seq) != nil {
		c.log.WithField("seq", header.Seq).Warn("Request reuses a live stream sequence")
		fail(ErrDuplicateStream)
		return
	}

	st := &serverStream{seq: header.Seq, codec: header.CodecType, window: flow.NewWindow()}
	st.ctx, st.cancel = context.WithCancel(c.ctx)
	inv := dispatch.Invocation{Method: id, Kind: dispatch.Kind(msg.Kind), Payload: msg.Payload}
	if inv.Kind == dispatch.KindBiStream {
		tx, rx := channel.New[[]byte](c.srv.window)
		st.inTx = tx
		inv.Inbound = &inbound{c: c, st: st, rx: rx, threshold: (c.srv.window + 1) / 2}
	}

	call, err := c.srv.dispatcher.Dispatch(st.ctx, inv)
	if err != nil {
		st.cancel()
		fail(err)
		return
	}
	st.call = call

	c.mu.Lock()
	c.streams[st.seq] = st
	c.mu.Unlock()

	if st.inTx != nil {
		c.writeWindowUpdate(st, uint32(c.srv.window))
	}
	c.srv.wg.Add(1)
	go c.pump(st)
}

// pump forwards a call's outbound items, one client credit per item, and
// ends the stream with the call's terminal status.
func (c *conn) pump(st *serverStream) {
	defer c.srv.wg.Done()
	defer c.forget(st.seq)
	log := c.log.WithFields(logrus.Fields{"call": st.call.ID, "method": st.call.Method.String()})

	for {
		item, err := st.call.Recv(context.Background())
		if errors.Is(err, io.EOF) {
			end := &message.RPCMessage{}
			err := st.call.Wait()
			if err == nil {
				err = st.stopReason()
			}
			if errors.Is(err, errCancelledByClient) || errors.Is(err, errConnLost) {
				return
			}
			if err != nil {
				end.Error = err.Error()
			}
			if err := c.writeMessage(protocol.MsgTypeStreamEnd, st.codec, st.seq, end); err != nil {
				log.WithError(err).Warn("Failed to write stream end")
			}
			return
		}
		if err != nil {
			c.endCancelled(st, log)
			return
		}

		if err := st.window.Acquire(st.ctx); err != nil {
			st.call.Cancel()
			c.endCancelled(st, log)
			return
		}
		if err := c.writeMessage(protocol.MsgTypeStreamItem, st.codec, st.seq, &message.RPCMessage{Payload: item}); err != nil {
			log.WithError(err).Warn("Failed to write stream item, cancelling call")
			st.stop(err)
			c.endCancelled(st, log)
			return
		}
	}
}

// endCancelled tells the client why a stream stopped early when the client
// did not ask for it. The write is best effort.
func (c *conn) endCancelled(st *serverStream, log *logrus.Entry) {
	reason := st.stopReason()
	switch {
	case errors.Is(reason, errCancelledByClient), errors.Is(reason, errConnLost):
		log.Debug("Stream cancelled")
		return
	case reason == nil && c.srv.shutdown.Load():
		reason = dispatch.ErrShuttingDown
	case reason == nil:
		reason = ErrStreamAborted
	}
	log.WithError(reason).Debug("Stream stopped by server")
	if err := c.writeMessage(protocol.MsgTypeStreamEnd, st.codec, st.seq,
		&message.RPCMessage{Error: reason.Error()}); err != nil {
		log.WithError(err).Debug("Failed to write stream end")
	}
}

func (c *conn) feed(seq uint32, payload []byte) {
	st := c.stream(seq)
	if st == nil || st.inTx == nil {
		return // cancelled or finished; late items are dropped
	}
	ok, err := st.inTx.TrySend(payload)
	if err != nil {
		return // the relay stopped reading
	}
	if !ok {
		c.log.WithField("call", st.call.ID).Warn("Client exceeded stream window, cancelling call")
		st.aborted.Store(true)
		st.stop(ErrStreamWindowExceeded)
	}
}

func (c *conn) cancelStream(seq uint32) {
	st := c.stream(seq)
	if st == nil {
		return
	}
	st.stop(errCancelledByClient)
}

// stopStreams unblocks pumps waiting for client credits.
func (c *conn) stopStreams() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, st := range c.streams {
		st.cancel()
	}
}

func (c *conn) writeMessage(msgType protocol.MsgType, codecType byte, seq uint32, msg *message.RPCMessage) error {
	body, err := codec.GetCodec(codec.CodecType(codecType)).Encode(msg)
	if err != nil {
		return err
	}
	return c.writeFrame(&protocol.Header{CodecType: codecType, MsgType: msgType, Seq: seq}, body)
}

func (c *conn) writeWindowUpdate(st *serverStream, credits uint32) error {
	return c.writeFrame(&protocol.Header{CodecType: st.codec, MsgType: protocol.MsgTypeWindowUpdate, Seq: st.seq},
		protocol.EncodeWindowUpdate(credits))
}

func (c *conn) writeFrame(header *protocol.Header, body []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.Encode(c.nc, header, body)
}

// inbound is the bidi call's view of the client's items. It returns credits
// to the client as the relay consumes items.
type inbound struct {
	c  *conn
	st *serverStream
	rx *channel.Receiver[[]byte]

	consumed  int
	threshold int
}

func (in *inbound) Recv(ctx context.Context) ([]byte, error) {
	item, err := in.rx.Recv(ctx)
	if err != nil {
		if !errors.Is(err, io.EOF) && in.st.aborted.Load() {
			return nil, dispatch.ErrStreamEndedEarly
		}
		return nil, err
	}
	in.consumed++
	if in.consumed >= in.threshold {
		n := in.consumed
		in.consumed = 0
		in.c.writeWindowUpdate(in.st, uint32(n))
	}
	return item, nil
}
