package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"goa.design/clue/log"
)

type (
	// ClueLogger wraps goa.design/clue/log for dispatcher logging. The context
	// it logs against is bound at construction time (typically the process's
	// background context carrying the clue log configuration) rather than
	// threaded through every call, since most dispatcher log sites are not
	// already holding a request-scoped context (e.g. the janitor's sweep loop).
	ClueLogger struct {
		ctx context.Context
	}

	// ClueMetrics wraps OTEL metrics for dispatcher instrumentation.
	ClueMetrics struct {
		meter metric.Meter
	}
)

// NewClueLogger constructs a Logger that delegates to goa.design/clue/log.
// ctx should carry the clue log configuration set up via log.Context and
// log.WithFormat/log.WithDebug during process startup.
func NewClueLogger(ctx context.Context) Logger {
	return ClueLogger{ctx: ctx}
}

// NewClueMetrics constructs a Metrics recorder that delegates to OTEL metrics.
// Uses the global MeterProvider; configure it via otel.SetMeterProvider before
// constructing the dispatcher (typically via clue.ConfigureOpenTelemetry).
func NewClueMetrics() Metrics {
	return &ClueMetrics{meter: otel.Meter("github.com/vramdispatch/dispatcher")}
}

// Debug emits a debug-level log message with structured key-value pairs.
func (l ClueLogger) Debug(msg string, keyvals ...any) {
	log.Debug(l.ctx, fielders(msg, keyvals)...)
}

// Info emits an info-level log message with structured key-value pairs.
func (l ClueLogger) Info(msg string, keyvals ...any) {
	log.Info(l.ctx, fielders(msg, keyvals)...)
}

// Warn emits a warning-level log message with structured key-value pairs.
func (l ClueLogger) Warn(msg string, keyvals ...any) {
	fs := append([]log.Fielder{log.KV{K: "severity", V: "warning"}}, fielders(msg, keyvals)...)
	log.Warn(l.ctx, fs...)
}

// Error emits an error-level log message with structured key-value pairs.
func (l ClueLogger) Error(msg string, keyvals ...any) {
	log.Error(l.ctx, nil, fielders(msg, keyvals)...)
}

// IncCounter increments a counter metric by the given value.
func (m *ClueMetrics) IncCounter(name string, value float64, tags ...string) {
	counter, err := m.meter.Float64Counter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

// RecordTimer records a duration histogram metric.
func (m *ClueMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	histogram, err := m.meter.Float64Histogram(name)
	if err != nil {
		return
	}
	histogram.Record(context.Background(), duration.Seconds(), metric.WithAttributes(tagsToAttrs(tags)...))
}

// RecordGauge records a gauge metric value. OTEL has no synchronous gauge
// instrument, so this uses a histogram as a stand-in, matching the teacher's
// approach.
func (m *ClueMetrics) RecordGauge(name string, value float64, tags ...string) {
	histogram, err := m.meter.Float64Histogram(name + "_gauge")
	if err != nil {
		return
	}
	histogram.Record(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

// fielders converts a message plus variadic key-value pairs (k1, v1, k2, v2, ...)
// into Clue's log.Fielder slice. Non-string keys are skipped.
func fielders(msg string, keyvals []any) []log.Fielder {
	fs := []log.Fielder{log.KV{K: "msg", V: msg}}
	for i := 0; i < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		var v any
		if i+1 < len(keyvals) {
			v = keyvals[i+1]
		}
		fs = append(fs, log.KV{K: k, V: v})
	}
	return fs
}

// tagsToAttrs converts tag strings (k1, v1, k2, v2, ...) into OTEL attributes.
func tagsToAttrs(tags []string) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for i := 0; i < len(tags); i += 2 {
		v := ""
		if i+1 < len(tags) {
			v = tags[i+1]
		}
		attrs = append(attrs, attribute.String(tags[i], v))
	}
	return attrs
}
