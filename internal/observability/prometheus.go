package observability

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// PrometheusMetricsRecorder counts operations and their latency on its own
// registry so several recorders can coexist in one process.
type PrometheusMetricsRecorder struct {
	registry   *prometheus.Registry
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewPrometheusMetricsRecorder registers signalpoint_session_* collectors on
// a fresh registry.
func NewPrometheusMetricsRecorder() *PrometheusMetricsRecorder {
	r := &PrometheusMetricsRecorder{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "signalpoint",
				Subsystem: "session",
				Name:      "operations_total",
				Help:      "Session operations by outcome.",
			},
			[]string{"operation", "success"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "signalpoint",
				Subsystem: "session",
				Name:      "operation_duration_seconds",
				Help:      "Session operation duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation", "success"},
		),
	}
	r.registry.MustRegister(r.operations, r.duration)
	return r
}

// Registry exposes the underlying registry for an HTTP handler or tests.
func (r *PrometheusMetricsRecorder) Registry() *prometheus.Registry { return r.registry }

func (r *PrometheusMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	label := strconv.FormatBool(success)
	r.operations.WithLabelValues(operation, label).Inc()
	r.duration.WithLabelValues(operation, label).Observe(duration.Seconds())
}

// CounterSample is one operations_total series.
type CounterSample struct {
	Operation string  `json:"operation"`
	Success   bool    `json:"success"`
	Count     float64 `json:"count"`
}

// Counters gathers the operations_total series sorted by operation.
func (r *PrometheusMetricsRecorder) Counters() ([]CounterSample, error) {
	families, err := r.registry.Gather()
	if err != nil {
		return nil, err
	}
	var out []CounterSample
	for _, fam := range families {
		if fam.GetName() != "signalpoint_session_operations_total" {
			continue
		}
		for _, m := range fam.GetMetric() {
			out = append(out, counterSample(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Operation != out[j].Operation {
			return out[i].Operation < out[j].Operation
		}
		return !out[i].Success && out[j].Success
	})
	return out, nil
}

func counterSample(m *dto.Metric) CounterSample {
	var s CounterSample
	for _, lp := range m.GetLabel() {
		switch lp.GetName() {
		case "operation":
			s.Operation = lp.GetValue()
		case "success":
			s.Success = lp.GetValue() == "true"
		}
	}
	s.Count = m.GetCounter().GetValue()
	return s
}
