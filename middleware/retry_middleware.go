package middleware

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"stream-rpc/message"
)

// retryable lists transport-level failures. Handler errors are never retried:
// the call already ran.
var retryable = []string{
	ErrTimeoutText,
	"connection refused",
	"connection reset",
	"broken pipe",
	"transport closed",
}

// Retryable reports whether a reply error is a transport-level failure.
func Retryable(text string) bool {
	for _, s := range retryable {
		if strings.Contains(text, s) {
			return true
		}
	}
	return false
}

// RetryMiddleware retries transport-level failures up to maxRetries times with
// exponential backoff starting at baseDelay. It belongs on the client chain.
func RetryMiddleware(maxRetries int, baseDelay time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			reply := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if reply.Error == "" || !Retryable(reply.Error) {
					return reply
				}
				logrus.WithFields(logrus.Fields{
					"method":  req.ServiceMethod,
					"attempt": i + 1,
				}).Infof("Retrying after: %s", reply.Error)

				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-ctx.Done():
					return reply
				}
				reply = next(ctx, req)
			}
			return reply
		}
	}
}
