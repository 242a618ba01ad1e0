// Package middleware wraps unary calls in an onion of cross-cutting concerns.
//
//	Chain(A, B, C)(h) → A(B(C(h)))
//	A.before → B.before → C.before → h → C.after → B.after → A.after
//
// The server wraps its unary dispatch path; the client wraps its transport
// round trip. Streaming calls bypass the chain: their backpressure and
// cancellation are owned by the dispatch package.
package middleware

import (
	"context"

	"stream-rpc/message"
)

// HandlerFunc handles one unary request envelope. Failures travel in the
// reply's Error field, the same way they travel on the wire.
type HandlerFunc func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares; the first one is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

func errorReply(req *message.RPCMessage, text string) *message.RPCMessage {
	return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Kind: req.Kind, Error: text}
}
