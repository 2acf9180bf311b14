package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNopLoggerDoesNotPanic(_ *testing.T) {
	logger := Nop()
	logger.Debug("debug", "k", "v")
	logger.Info("info", "k", "v")
	logger.Warn("warn", "k", "v")
	logger.Error("error", "k", "v")
	OrNop(nil).Info("still fine")
}

func TestNewWritesStructuredFields(t *testing.T) {
	t.Setenv(EnvLogLevel, "")
	var buf bytes.Buffer
	logger := New(&buf, Config{App: "signalpoint", Level: "debug"})
	logger.Debug("marker placed", "id", 3, "label", "#3", "err", errors.New("boom"), "elapsed", 2*time.Millisecond, "dangling")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if entry["message"] != "marker placed" || entry["level"] != "debug" {
		t.Fatalf("unexpected entry %v", entry)
	}
	if entry["app"] != "signalpoint" || entry["label"] != "#3" || entry["err"] != "boom" {
		t.Fatalf("missing fields in %v", entry)
	}
	if id, ok := entry["id"].(float64); !ok || id != 3 {
		t.Fatalf("expected numeric id, got %v", entry["id"])
	}
	if entry["!BADKEY"] != "dangling" {
		t.Fatalf("expected dangling key to be reported, got %v", entry)
	}
}

func TestLevelFiltersAndEnvOverride(t *testing.T) {
	var buf bytes.Buffer
	t.Setenv(EnvLogLevel, "")
	New(&buf, Config{Level: "warn"}).Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level: %q", buf.String())
	}
	t.Setenv(EnvLogLevel, "debug")
	New(&buf, Config{Level: "warn"}).Debug("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("env override should lower the level, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		"DEBUG":   zerolog.DebugLevel,
		"warning": zerolog.WarnLevel,
		"off":     zerolog.Disabled,
	}
	for in, want := range cases {
		got, ok := ParseLevel(in)
		if !ok || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v", in, got, ok)
		}
	}
	if _, ok := ParseLevel(""); ok {
		t.Fatalf("empty level should not be applied")
	}
	if _, ok := ParseLevel("loud"); ok {
		t.Fatalf("unknown level should not be applied")
	}
}
