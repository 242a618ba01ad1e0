package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Setup installs global tracer and meter providers and returns a function
// flushing and stopping them. exporter is "log" (logrus, debug level) or
// "stdout" (OpenTelemetry JSON on stdout).
func Setup(serviceName, exporter string, metricInterval time.Duration) (func(context.Context) error, error) {
	var (
		spanExporter   sdktrace.SpanExporter
		metricExporter sdkmetric.Exporter
	)
	switch exporter {
	case "", "log":
		spanExporter = &LogSpanExporter{Logger: logrus.StandardLogger()}
		metricExporter = &LogMetricExporter{Logger: logrus.StandardLogger()}
	case "stdout":
		var err error
		if spanExporter, err = stdouttrace.New(); err != nil {
			return nil, fmt.Errorf("stdout trace exporter: %w", err)
		}
		if metricExporter, err = stdoutmetric.New(); err != nil {
			return nil, fmt.Errorf("stdout metric exporter: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown telemetry exporter %q", exporter)
	}

	res := resource.NewSchemaless(attribute.String("service.name", serviceName))
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(spanExporter),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(metricInterval))),
	)
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

// LogSpanExporter writes finished spans as log entries.
type LogSpanExporter struct {
	Logger *logrus.Logger
}

var _ sdktrace.SpanExporter = (*LogSpanExporter)(nil)

func (e *LogSpanExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		fields := logrus.Fields{
			"trace_id": s.SpanContext().TraceID().String(),
			"span_id":  s.SpanContext().SpanID().String(),
			"duration": s.EndTime().Sub(s.StartTime()),
			"status":   s.Status().Code.String(),
		}
		for _, kv := range s.Attributes() {
			fields[string(kv.Key)] = kv.Value.Emit()
		}
		e.Logger.WithFields(fields).Debug(s.Name())
	}
	return nil
}

func (e *LogSpanExporter) Shutdown(ctx context.Context) error { return nil }

// LogMetricExporter writes one log entry per data point of counters and
// histograms.
type LogMetricExporter struct {
	Logger *logrus.Logger
}

var _ sdkmetric.Exporter = (*LogMetricExporter)(nil)

func (e *LogMetricExporter) Temporality(k sdkmetric.InstrumentKind) metricdata.Temporality {
	return sdkmetric.DefaultTemporalitySelector(k)
}

func (e *LogMetricExporter) Aggregation(k sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(k)
}

func (e *LogMetricExporter) Export(ctx context.Context, rm *metricdata.ResourceMetrics) error {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					e.entry(m.Name, dp.Attributes).WithField("value", dp.Value).Debug("Metric")
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					e.entry(m.Name, dp.Attributes).WithFields(logrus.Fields{
						"count": dp.Count,
						"sum":   dp.Sum,
					}).Debug("Metric")
				}
			}
		}
	}
	return nil
}

func (e *LogMetricExporter) entry(name string, attrs attribute.Set) *logrus.Entry {
	fields := logrus.Fields{"metric": name}
	for iter := attrs.Iter(); iter.Next(); {
		kv := iter.Attribute()
		fields[string(kv.Key)] = kv.Value.Emit()
	}
	return e.Logger.WithFields(fields)
}

func (e *LogMetricExporter) ForceFlush(ctx context.Context) error { return nil }

func (e *LogMetricExporter) Shutdown(ctx context.Context) error { return nil }
