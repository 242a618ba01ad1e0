package telemetry

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"stream-rpc/dispatch"
)

type harness struct {
	spans  *tracetest.SpanRecorder
	reader *sdkmetric.ManualReader
	d      *dispatch.Dispatcher
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	spans := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()
	cfg.TracerProvider = sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	cfg.MeterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	d := dispatch.NewDispatcher(dispatch.Config{Hook: NewHook(cfg)})
	require.NoError(t, d.Register("Payments", "Process", dispatch.UnaryHandler(
		func(ctx context.Context, amount float64) (string, error) {
			if !trace.SpanFromContext(ctx).SpanContext().IsValid() {
				return "", errors.New("no span in handler context")
			}
			if amount <= 0 {
				return "", errors.New("invalid amount")
			}
			return "ok", nil
		})))
	require.NoError(t, d.Register("Payments", "History", dispatch.StreamHandler(
		func(ctx context.Context, n int, out *dispatch.TypedEmitter[int]) error {
			for i := 0; i < n; i++ {
				if err := out.Send(ctx, i); err != nil {
					return err
				}
			}
			return nil
		})))
	return &harness{spans: spans, reader: reader, d: d}
}

func (h *harness) requests(t *testing.T) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, h.reader.Collect(context.Background(), &rm))

	counts := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "rpc.server.requests" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				method, _ := dp.Attributes.Value("rpc.method")
				status, _ := dp.Attributes.Value("status")
				counts[method.AsString()+"/"+status.AsString()] += dp.Value
			}
		}
	}
	return counts
}

func TestHookUnary(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	call, err := h.d.Dispatch(context.Background(), dispatch.Invocation{
		Method: dispatch.MethodID{Service: "Payments", Method: "Process"}, Payload: []byte("12.5")})
	require.NoError(t, err)
	assert.Equal(t, `"ok"`, string(call.Reply()))

	_, err = h.d.Dispatch(context.Background(), dispatch.Invocation{
		Method: dispatch.MethodID{Service: "Payments", Method: "Process"}, Payload: []byte("-1")})
	require.Error(t, err)

	ended := h.spans.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "stream_rpc/Payments.Process", ended[0].Name())
	assert.Equal(t, trace.SpanKindServer, ended[0].SpanKind())
	assert.Equal(t, codes.Ok, ended[0].Status().Code)
	assert.Equal(t, codes.Error, ended[1].Status().Code)
	assert.Equal(t, "invalid amount", ended[1].Status().Description)
	assert.Contains(t, ended[1].Attributes(), attribute.String("rpc.stream_rpc.error_type", "handler_failure"))

	assert.Equal(t, map[string]int64{"Process/ok": 1, "Process/error": 1}, h.requests(t))
}

func TestHookStream(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	call, err := h.d.Dispatch(context.Background(), dispatch.Invocation{
		Method: dispatch.MethodID{Service: "Payments", Method: "History"},
		Kind:   dispatch.KindServerStream, Payload: []byte("5")})
	require.NoError(t, err)
	for {
		if _, err := call.Recv(context.Background()); err != nil {
			require.ErrorIs(t, err, io.EOF)
			break
		}
	}

	ended := h.spans.Ended()
	require.Len(t, ended, 1)
	assert.Contains(t, ended[0].Attributes(), attribute.String("rpc.stream_rpc.kind", "server-stream"))
	assert.Contains(t, ended[0].Attributes(), attribute.Int64("rpc.stream_rpc.items_out", 5))
	assert.Equal(t, map[string]int64{"History/ok": 1}, h.requests(t))
}

func TestHookTracingDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableTracing = false
	h := newHarness(t, cfg)
	// The handler requires a span, so the call fails but is still counted.
	_, err := h.d.Dispatch(context.Background(), dispatch.Invocation{
		Method: dispatch.MethodID{Service: "Payments", Method: "Process"}, Payload: []byte("1")})
	assert.ErrorContains(t, err, "no span in handler context")

	assert.Empty(t, h.spans.Ended())
	assert.Equal(t, map[string]int64{"Process/error": 1}, h.requests(t))
}

func TestErrorType(t *testing.T) {
	assert.Equal(t, "resource_exhausted", errorType(dispatch.ErrResourceExhausted))
	assert.Equal(t, "shutting_down", errorType(dispatch.ErrShuttingDown))
	assert.Equal(t, "*errors.errorString", errorType(errors.New("x")))
}

func TestLogExporters(t *testing.T) {
	logger := logrus.New()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.SetLevel(logrus.DebugLevel)

	spans := &LogSpanExporter{Logger: logger}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(spans))
	metrics := &LogMetricExporter{Logger: logger}
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	cfg := DefaultConfig()
	cfg.TracerProvider = tp
	cfg.MeterProvider = mp
	d := dispatch.NewDispatcher(dispatch.Config{Hook: NewHook(cfg)})
	require.NoError(t, d.Register("Echo", "Say", dispatch.UnaryHandler(
		func(ctx context.Context, s string) (string, error) { return s, nil })))
	_, err := d.Dispatch(context.Background(), dispatch.Invocation{
		Method: dispatch.MethodID{Service: "Echo", Method: "Say"}, Payload: []byte(`"x"`)})
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.NoError(t, metrics.Export(context.Background(), &rm))

	out := buf.String()
	assert.Contains(t, out, "stream_rpc/Echo.Say")
	assert.Contains(t, out, "metric=rpc.server.requests")
	assert.Contains(t, out, "metric=rpc.server.duration")
	require.NoError(t, tp.Shutdown(context.Background()))
}

func TestSetup(t *testing.T) {
	for _, exporter := range []string{"log", "stdout"} {
		shutdown, err := Setup("payments", exporter, time.Hour)
		require.NoError(t, err, exporter)
		require.NoError(t, shutdown(context.Background()))
	}
	_, err := Setup("payments", "zipkin", time.Hour)
	assert.ErrorContains(t, err, "unknown telemetry exporter")
}
