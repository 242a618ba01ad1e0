package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"stream-rpc/message"
)

// ErrRateLimitedText is the reply error of a request rejected by the limiter.
const ErrRateLimitedText = "rate limit exceeded"

// RateLimitMiddleware admits requests through a token bucket of r tokens per
// second and the given burst. Excess requests are rejected, not queued.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			if !limiter.Allow() {
				return errorReply(req, ErrRateLimitedText)
			}
			return next(ctx, req)
		}
	}
}
