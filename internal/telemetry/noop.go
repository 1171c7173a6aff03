package telemetry

import "time"

type (
	// NoopLogger discards all log messages. Used by tests.
	NoopLogger struct{}

	// NoopMetrics discards all metrics. Used by tests.
	NoopMetrics struct{}
)

// NewNoopLogger constructs a Logger that discards all log messages.
func NewNoopLogger() Logger { return NoopLogger{} }

// NewNoopMetrics constructs a Metrics recorder that discards all metrics.
func NewNoopMetrics() Metrics { return NoopMetrics{} }

// Debug discards the log message.
func (NoopLogger) Debug(string, ...any) {}

// Info discards the log message.
func (NoopLogger) Info(string, ...any) {}

// Warn discards the log message.
func (NoopLogger) Warn(string, ...any) {}

// Error discards the log message.
func (NoopLogger) Error(string, ...any) {}

// IncCounter discards the counter metric.
func (NoopMetrics) IncCounter(string, float64, ...string) {}

// RecordTimer discards the timer metric.
func (NoopMetrics) RecordTimer(string, time.Duration, ...string) {}

// RecordGauge discards the gauge metric.
func (NoopMetrics) RecordGauge(string, float64, ...string) {}
