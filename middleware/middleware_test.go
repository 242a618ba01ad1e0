package middleware

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stream-rpc/message"
)

func echoHandler(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Payload: []byte("ok")}
}

func slowHandler(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	time.Sleep(200 * time.Millisecond)
	return echoHandler(ctx, req)
}

func failing(errText string, calls *atomic.Int64) HandlerFunc {
	return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
		calls.Add(1)
		return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: errText}
	}
}

var req = &message.RPCMessage{ServiceMethod: "PaymentService.ProcessPayment"}

func TestLogging(t *testing.T) {
	resp := LoggingMiddleware()(echoHandler)(context.Background(), req)
	require.NotNil(t, resp)
	assert.Equal(t, "ok", string(resp.Payload))
}

func TestTimeoutPass(t *testing.T) {
	resp := TimeoutMiddleware(500*time.Millisecond)(echoHandler)(context.Background(), req)
	assert.Empty(t, resp.Error)
}

func TestTimeoutExceeded(t *testing.T) {
	resp := TimeoutMiddleware(50*time.Millisecond)(slowHandler)(context.Background(), req)
	assert.Equal(t, ErrTimeoutText, resp.Error)
	assert.Equal(t, req.ServiceMethod, resp.ServiceMethod)
}

func TestRateLimit(t *testing.T) {
	// rate 1/s, burst 2: two pass, the third is rejected
	handler := RateLimitMiddleware(1, 2)(echoHandler)
	for i := 0; i < 2; i++ {
		resp := handler(context.Background(), req)
		require.Empty(t, resp.Error, "request %d", i)
	}
	assert.Equal(t, ErrRateLimitedText, handler(context.Background(), req).Error)
}

func TestRetryTransportFailure(t *testing.T) {
	var calls atomic.Int64
	handler := RetryMiddleware(3, time.Millisecond)(failing("dial tcp 127.0.0.1:1: connect: connection refused", &calls))

	resp := handler(context.Background(), req)
	assert.Contains(t, resp.Error, "connection refused")
	assert.Equal(t, int64(4), calls.Load())
}

func TestRetrySkipsHandlerErrors(t *testing.T) {
	var calls atomic.Int64
	handler := RetryMiddleware(3, time.Millisecond)(failing("insufficient funds", &calls))

	resp := handler(context.Background(), req)
	assert.Equal(t, "insufficient funds", resp.Error)
	assert.Equal(t, int64(1), calls.Load())
}

func TestRetryRecovers(t *testing.T) {
	var calls atomic.Int64
	handler := RetryMiddleware(3, time.Millisecond)(func(ctx context.Context, r *message.RPCMessage) *message.RPCMessage {
		if calls.Add(1) < 3 {
			return &message.RPCMessage{Error: ErrTimeoutText}
		}
		return echoHandler(ctx, r)
	})

	resp := handler(context.Background(), req)
	assert.Empty(t, resp.Error)
	assert.Equal(t, int64(3), calls.Load())
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, r *message.RPCMessage) *message.RPCMessage {
				order = append(order, name+".before")
				resp := next(ctx, r)
				order = append(order, name+".after")
				return resp
			}
		}
	}

	handler := Chain(mark("A"), LoggingMiddleware(), mark("B"), TimeoutMiddleware(500*time.Millisecond))(echoHandler)
	resp := handler(context.Background(), req)
	require.NotNil(t, resp)
	assert.Empty(t, resp.Error)
	assert.Equal(t, []string{"A.before", "B.before", "B.after", "A.after"}, order)
}
