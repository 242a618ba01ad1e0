package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"stream-rpc/channel"
)

// UnaryFunc turns one request payload into one reply payload.
type UnaryFunc func(ctx context.Context, req []byte) ([]byte, error)

// ProducerFunc emits an ordered, finite sequence of items for one request.
// It must return as soon as out.Send fails.
type ProducerFunc func(ctx context.Context, req []byte, out *Emitter) error

// TransformFunc maps one inbound item to zero or more outbound items.
type TransformFunc func(ctx context.Context, in []byte) ([][]byte, error)

// Handler is a method implementation tagged with its interaction kind. Only
// the function matching Kind is used.
type Handler struct {
	Kind      Kind
	Unary     UnaryFunc
	Produce   ProducerFunc
	Transform TransformFunc
}

func (h Handler) validate() error {
	var ok bool
	switch h.Kind {
	case KindUnary:
		ok = h.Unary != nil
	case KindServerStream:
		ok = h.Produce != nil
	case KindBiStream:
		ok = h.Transform != nil
	}
	if !ok {
		return fmt.Errorf("%w: no function for kind %s", ErrInvalidHandler, h.Kind)
	}
	return nil
}

// Inbound is the caller's stream of items for a bidirectional call. Recv
// returns io.EOF once the caller half-closed. A stream is consumed once.
type Inbound interface {
	Recv(ctx context.Context) ([]byte, error)
}

// Emitter is the producer's view of a call's outbound channel.
type Emitter struct {
	tx   *channel.Sender[[]byte]
	call *Call
}

// Send enqueues one item, blocking while the outbound channel is full. It
// fails with channel.ErrClosed once the caller stopped receiving.
func (e *Emitter) Send(ctx context.Context, item []byte) error {
	if err := e.tx.Send(ctx, item); err != nil {
		return err
	}
	e.call.itemsOut.Add(1)
	return nil
}

// Done is closed when the caller stopped receiving.
func (e *Emitter) Done() <-chan struct{} {
	return e.tx.Done()
}

// TypedEmitter JSON-encodes items before handing them to an Emitter.
type TypedEmitter[T any] struct {
	*Emitter
}

// Send encodes item and enqueues it like Emitter.Send.
func (e *TypedEmitter[T]) Send(ctx context.Context, item T) error {
	b, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode %T: %w", item, err)
	}
	return e.Emitter.Send(ctx, b)
}

func decode[T any](payload []byte) (T, error) {
	var v T
	if len(payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("decode %T: %w", v, err)
	}
	return v, nil
}

// UnaryHandler adapts a typed function with JSON payloads.
func UnaryHandler[Req, Resp any](fn func(ctx context.Context, req Req) (Resp, error)) Handler {
	return Handler{
		Kind: KindUnary,
		Unary: func(ctx context.Context, payload []byte) ([]byte, error) {
			req, err := decode[Req](payload)
			if err != nil {
				return nil, err
			}
			resp, err := fn(ctx, req)
			if err != nil {
				return nil, err
			}
			return json.Marshal(resp)
		},
	}
}

// StreamHandler adapts a typed server-streaming producer.
func StreamHandler[Req, Item any](fn func(ctx context.Context, req Req, out *TypedEmitter[Item]) error) Handler {
	return Handler{
		Kind: KindServerStream,
		Produce: func(ctx context.Context, payload []byte, out *Emitter) error {
			req, err := decode[Req](payload)
			if err != nil {
				return err
			}
			return fn(ctx, req, &TypedEmitter[Item]{Emitter: out})
		},
	}
}

// RelayHandler adapts a typed one-to-one transform for bidirectional calls.
func RelayHandler[In, Out any](fn func(ctx context.Context, in In) (Out, error)) Handler {
	return FanOutHandler(func(ctx context.Context, in In) ([]Out, error) {
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		return []Out{out}, nil
	})
}

// FanOutHandler adapts a typed transform producing zero or more outputs per
// inbound item. Outputs of one input are sent in order before the next input
// is read.
func FanOutHandler[In, Out any](fn func(ctx context.Context, in In) ([]Out, error)) Handler {
	return Handler{
		Kind: KindBiStream,
		Transform: func(ctx context.Context, payload []byte) ([][]byte, error) {
			in, err := decode[In](payload)
			if err != nil {
				return nil, err
			}
			outs, err := fn(ctx, in)
			if err != nil {
				return nil, err
			}
			encoded := make([][]byte, 0, len(outs))
			for _, o := range outs {
				b, err := json.Marshal(o)
				if err != nil {
					return nil, fmt.Errorf("encode %T: %w", o, err)
				}
				encoded = append(encoded, b)
			}
			return encoded, nil
		},
	}
}
