// Package telemetry instruments the dispatcher with OpenTelemetry: one
// server span per call plus request count and duration metrics.
//
// Usage:
//
//	svr := server.NewServer(server.WithHook(telemetry.NewHook(telemetry.DefaultConfig())))
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"stream-rpc/dispatch"
)

const instrumentationName = "stream-rpc"

// Config configures the hook. Nil providers resolve to the global ones.
type Config struct {
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	EnableTracing  bool
	EnableMetrics  bool
	// ServiceName is the rpc.server.name attribute. Defaults to "stream-rpc".
	ServiceName      string
	CustomAttributes []attribute.KeyValue
}

// DefaultConfig enables tracing and metrics on the global providers.
func DefaultConfig() Config {
	return Config{
		EnableTracing: true,
		EnableMetrics: true,
	}
}

// Hook implements dispatch.Hook.
type Hook struct {
	cfg      Config
	tracer   trace.Tracer
	requests metric.Int64Counter
	duration metric.Float64Histogram
	items    metric.Int64Counter
}

var _ dispatch.Hook = (*Hook)(nil)

// NewHook builds the hook's tracer and instruments. Nil providers fall back
// to the otel globals.
func NewHook(cfg Config) *Hook {
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = instrumentationName
	}

	h := &Hook{
		cfg:    cfg,
		tracer: cfg.TracerProvider.Tracer(instrumentationName),
	}
	if cfg.EnableMetrics {
		meter := cfg.MeterProvider.Meter(instrumentationName)
		h.requests, _ = meter.Int64Counter("rpc.server.requests",
			metric.WithUnit("{request}"),
			metric.WithDescription("Number of RPC calls"),
		)
		h.duration, _ = meter.Float64Histogram("rpc.server.duration",
			metric.WithUnit("s"),
			metric.WithDescription("Duration of RPC calls"),
		)
		h.items, _ = meter.Int64Counter("rpc.server.stream_items",
			metric.WithUnit("{item}"),
			metric.WithDescription("Stream items received and sent"),
		)
	}
	return h
}

type spanToken struct {
	span  trace.Span
	start time.Time
}

// OnDispatchStart opens the call's server span.
func (h *Hook) OnDispatchStart(ctx context.Context, info dispatch.CallInfo) (context.Context, dispatch.HookToken) {
	if !h.cfg.EnableTracing {
		return ctx, &spanToken{start: time.Now()}
	}

	attrs := []attribute.KeyValue{
		attribute.String("rpc.system", "stream_rpc"),
		attribute.String("rpc.server.name", h.cfg.ServiceName),
		attribute.String("rpc.service", info.Method.Service),
		attribute.String("rpc.method", info.Method.Method),
		attribute.String("rpc.stream_rpc.kind", info.Kind.String()),
		attribute.String("rpc.stream_rpc.call_id", info.ID),
	}
	attrs = append(attrs, h.cfg.CustomAttributes...)

	ctx, span := h.tracer.Start(ctx, "stream_rpc/"+info.Method.String(),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
	return ctx, &spanToken{span: span, start: time.Now()}
}

// OnDispatchEnd ends the span and records the call's metrics.
func (h *Hook) OnDispatchEnd(ctx context.Context, token dispatch.HookToken, info dispatch.CallInfo, stats dispatch.Stats, err error) {
	st, ok := token.(*spanToken)
	if !ok {
		return
	}
	// Metrics are recorded after the call context was cancelled.
	ctx = context.WithoutCancel(ctx)

	status := "ok"
	if err != nil {
		status = "error"
	}

	if h.cfg.EnableMetrics {
		attrs := metric.WithAttributes(
			attribute.String("rpc.service", info.Method.Service),
			attribute.String("rpc.method", info.Method.Method),
			attribute.String("rpc.stream_rpc.kind", info.Kind.String()),
			attribute.String("status", status),
		)
		if h.requests != nil {
			h.requests.Add(ctx, 1, attrs)
		}
		if h.duration != nil {
			h.duration.Record(ctx, time.Since(st.start).Seconds(), attrs)
		}
		if h.items != nil && info.Kind != dispatch.KindUnary {
			h.items.Add(ctx, stats.ItemsIn, metric.WithAttributes(
				attribute.String("rpc.method", info.Method.String()),
				attribute.String("direction", "in")))
			h.items.Add(ctx, stats.ItemsOut, metric.WithAttributes(
				attribute.String("rpc.method", info.Method.String()),
				attribute.String("direction", "out")))
		}
	}

	if st.span == nil || !st.span.IsRecording() {
		return
	}
	st.span.SetAttributes(
		attribute.Int64("rpc.stream_rpc.items_in", stats.ItemsIn),
		attribute.Int64("rpc.stream_rpc.items_out", stats.ItemsOut),
	)
	if err != nil {
		st.span.SetStatus(codes.Error, err.Error())
		st.span.RecordError(err)
		st.span.SetAttributes(attribute.String("rpc.stream_rpc.error_type", errorType(err)))
	} else {
		st.span.SetStatus(codes.Ok, "")
	}
	st.span.End()
}

func errorType(err error) string {
	var hf *dispatch.HandlerFailure
	switch {
	case errors.As(err, &hf):
		return "handler_failure"
	case errors.Is(err, dispatch.ErrResourceExhausted):
		return "resource_exhausted"
	case errors.Is(err, dispatch.ErrShuttingDown):
		return "shutting_down"
	default:
		return fmt.Sprintf("%T", err)
	}
}
