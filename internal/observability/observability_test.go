package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestExpvarMetricsRecorderAggregates(t *testing.T) {
	rec := NewExpvarMetricsRecorder("")
	rec.Observe(context.Background(), "save", true, 10*time.Millisecond)
	rec.Observe(context.Background(), "save", false, 5*time.Millisecond)
	rec.Observe(context.Background(), "", true, time.Second)

	snap := rec.Snapshot()
	if snap.DurationsMS["save"] != 15 {
		t.Fatalf("expected 15ms total, got %v", snap.DurationsMS["save"])
	}
	if snap.Results["save"]["success"] != 1 || snap.Results["save"]["error"] != 1 {
		t.Fatalf("unexpected results %v", snap.Results)
	}
	if len(snap.Results) != 1 {
		t.Fatalf("empty operation names should be ignored")
	}
	if v := expvar.Get(rec.Name()); v == nil || !strings.Contains(v.String(), "save") {
		t.Fatalf("recorder should be published under %s", rec.Name())
	}
	snap.Results["save"]["success"] = 99
	if rec.Snapshot().Results["save"]["success"] != 1 {
		t.Fatalf("snapshot must be a copy")
	}
}

func TestJSONTracerWritesLines(t *testing.T) {
	var buf bytes.Buffer
	tracer := NewJSONTracer(&buf)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	calls := 0
	tracer.now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * time.Millisecond)
	}
	_, span := tracer.Start(context.Background(), "place")
	span.End(nil)
	_, span = tracer.Start(context.Background(), "save")
	span.End(errors.New("disk full"))

	entries := tracer.Entries()
	if len(entries) != 2 || entries[0].Status != "success" || entries[1].Error != "disk full" {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if entries[0].DurationMS != 1 {
		t.Fatalf("expected 1ms span, got %v", entries[0].DurationMS)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two json lines, got %q", buf.String())
	}
	var decoded JSONTraceEntry
	if err := json.Unmarshal([]byte(lines[1]), &decoded); err != nil || decoded.Operation != "save" {
		t.Fatalf("decode line: %+v %v", decoded, err)
	}
}

func TestPrometheusMetricsRecorderCounts(t *testing.T) {
	rec := NewPrometheusMetricsRecorder()
	ctx := context.Background()
	rec.Observe(ctx, "load", true, time.Millisecond)
	rec.Observe(ctx, "load", true, time.Millisecond)
	rec.Observe(ctx, "clear", false, time.Millisecond)
	rec.Observe(ctx, "", true, time.Millisecond)

	if got := testutil.ToFloat64(rec.operations.WithLabelValues("load", "true")); got != 2 {
		t.Fatalf("expected 2 loads, got %v", got)
	}
	counters, err := rec.Counters()
	if err != nil {
		t.Fatalf("counters: %v", err)
	}
	if len(counters) != 2 || counters[0].Operation != "clear" || counters[0].Success || counters[1].Count != 2 {
		t.Fatalf("unexpected counters %+v", counters)
	}
	if n := testutil.CollectAndCount(rec.duration); n != 2 {
		t.Fatalf("expected two histogram series, got %d", n)
	}
}

func TestNoopsAreSafe(t *testing.T) {
	NopMetrics().Observe(context.Background(), "noop", true, 0)
	ctx, span := NopTracer().Start(context.Background(), "noop")
	if ctx == nil {
		t.Fatalf("context should pass through")
	}
	span.End(nil)
}
