package middleware

import (
	"context"
	"time"

	"stream-rpc/message"
)

// ErrTimeoutText is the reply error of a request cut off by TimeoutMiddleware.
const ErrTimeoutText = "request timed out"

// TimeoutMiddleware bounds a request. The handler sees the deadline through
// ctx; if it ignores it, its late reply is dropped.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.RPCMessage, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case reply := <-done:
				return reply
			case <-ctx.Done():
				return errorReply(req, ErrTimeoutText)
			}
		}
	}
}
