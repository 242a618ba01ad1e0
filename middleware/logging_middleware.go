package middleware

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"stream-rpc/message"
)

// LoggingMiddleware logs method, duration and failure of every request.
func LoggingMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			start := time.Now()
			reply := next(ctx, req)
			entry := logrus.WithFields(logrus.Fields{
				"method":   req.ServiceMethod,
				"duration": time.Since(start),
			})
			if reply.Error != "" {
				entry.WithField("error", reply.Error).Warn("Request failed")
			} else {
				entry.Debug("Request served")
			}
			return reply
		}
	}
}
