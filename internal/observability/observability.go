// Package observability carries the metrics and tracing hooks used around
// session operations, plus expvar, JSON line and Prometheus exporters.
package observability

import (
	"context"
	"time"
)

// MetricsRecorder receives one observation per completed operation.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// Tracer starts a span per operation.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan is ended exactly once with the operation's error.
type TraceSpan interface {
	End(err error)
}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

// NopMetrics discards observations.
func NopMetrics() MetricsRecorder { return noopMetrics{} }

// NopTracer returns spans that do nothing.
func NopTracer() Tracer { return noopTracer{} }
