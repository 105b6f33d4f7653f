// Package clue implements the runtime telemetry interfaces on top of
// goa.design/clue/log and OpenTelemetry. Services configure the clue log
// context and the global OTEL providers in main; runtime packages stay
// provider-agnostic behind the telemetry interfaces.
package clue

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"

	"goa.design/montage/runtime/telemetry"
)

type (
	// Logger delegates to goa.design/clue/log. Formatting and debug settings
	// are read from the context (set via log.Context, log.WithFormat and
	// log.WithDebug).
	Logger struct{}

	// Metrics records counters and timers through the global OTEL
	// MeterProvider. Configure the provider before invoking runtime methods
	// (typically via clue.ConfigureOpenTelemetry).
	Metrics struct {
		meter metric.Meter
	}

	// Tracer creates spans through the global OTEL TracerProvider.
	Tracer struct {
		tracer trace.Tracer
	}

	span struct {
		span trace.Span
	}
)

const instrumentationName = "goa.design/montage/runtime"

// NewLogger constructs a telemetry.Logger backed by clue/log.
func NewLogger() telemetry.Logger {
	return Logger{}
}

// NewMetrics constructs a telemetry.Metrics backed by OTEL metrics.
func NewMetrics() telemetry.Metrics {
	return &Metrics{meter: otel.Meter(instrumentationName)}
}

// NewTracer constructs a telemetry.Tracer backed by OTEL tracing.
func NewTracer() telemetry.Tracer {
	return &Tracer{tracer: otel.Tracer(instrumentationName)}
}

// Debug emits a debug-level log message with structured key-value pairs.
func (Logger) Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, fielders(msg, keyvals)...)
}

// Info emits an info-level log message with structured key-value pairs.
func (Logger) Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, fielders(msg, keyvals)...)
}

// Warn emits a warning-level log message with structured key-value pairs.
func (Logger) Warn(ctx context.Context, msg string, keyvals ...any) {
	log.Warn(ctx, fielders(msg, keyvals)...)
}

// Error emits an error-level log message with structured key-value pairs.
func (Logger) Error(ctx context.Context, msg string, keyvals ...any) {
	log.Error(ctx, nil, fielders(msg, keyvals)...)
}

// IncCounter increments a counter metric by the given value.
func (m *Metrics) IncCounter(name string, value float64, tags ...string) {
	counter, err := m.meter.Float64Counter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

// RecordTimer records a duration histogram metric in seconds.
func (m *Metrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	histogram, err := m.meter.Float64Histogram(name)
	if err != nil {
		return
	}
	histogram.Record(context.Background(), duration.Seconds(), metric.WithAttributes(tagsToAttrs(tags)...))
}

// Start creates a new span with the given name, returning the derived context
// and the span handle.
func (t *Tracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, telemetry.Span) {
	newCtx, s := t.tracer.Start(ctx, name, opts...)
	return newCtx, &span{span: s}
}

// End finalizes the span.
func (s *span) End(opts ...trace.SpanEndOption) {
	s.span.End(opts...)
}

// SetStatus sets the span status code and description.
func (s *span) SetStatus(code codes.Code, description string) {
	s.span.SetStatus(code, description)
}

// RecordError records an error on the span.
func (s *span) RecordError(err error, opts ...trace.EventOption) {
	s.span.RecordError(err, opts...)
}

// fielders converts the message and variadic key-value pairs into clue's
// log.Fielder slice. Non-string keys are skipped; a trailing key without a
// value is paired with nil.
func fielders(msg string, keyvals []any) []log.Fielder {
	out := []log.Fielder{log.KV{K: "msg", V: msg}}
	for i := 0; i < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		var v any
		if i+1 < len(keyvals) {
			v = keyvals[i+1]
		}
		out = append(out, log.KV{K: k, V: v})
	}
	return out
}

// tagsToAttrs converts tag pairs (k1, v1, k2, v2, ...) into OTEL attributes.
// A trailing key without a value is paired with the empty string.
func tagsToAttrs(tags []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(tags)/2)
	for i := 0; i < len(tags); i += 2 {
		v := ""
		if i+1 < len(tags) {
			v = tags[i+1]
		}
		attrs = append(attrs, attribute.String(tags[i], v))
	}
	return attrs
}
