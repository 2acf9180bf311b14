package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"signalpoint/internal/anchor"
	"signalpoint/internal/blob"
	"signalpoint/internal/persistence/core"
	"signalpoint/internal/spatial"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "signalpoint.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Mode() != spatial.ModeFull || cfg.Preference() != anchor.PreferAuto {
		t.Fatalf("unexpected defaults %+v", cfg.Anchor)
	}
	if cfg.Placement.FloorOffset != 1.6 || cfg.Image.WidthMeters != 0.3 {
		t.Fatalf("unexpected placement defaults %+v", cfg)
	}
	if st := cfg.Session(); st.Preference != anchor.PreferAuto || st.LabelPrefix != "#" || !st.TrustOrientation || st.ImageWidthMeters != 0.3 {
		t.Fatalf("unexpected session settings %+v", st)
	}
}

func TestLoadOverlaysFileKeys(t *testing.T) {
	path := writeConfig(t, `
[anchor]
strategy = "platform_anchor"
transform_mode = "translation_only"

[storage]
driver = "memory"

[image]
jpeg_quality = 70
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Preference() != anchor.PreferPlatformAnchor || cfg.Mode() != spatial.ModeTranslationOnly {
		t.Fatalf("anchor section not applied: %+v", cfg.Anchor)
	}
	if cfg.Image.JPEGQuality != 70 || cfg.Image.MaxDimension != Default().Image.MaxDimension {
		t.Fatalf("only defined keys should change: %+v", cfg.Image)
	}
	if cfg.Blob.Driver != string(blob.DriverMemory) {
		t.Fatalf("memory storage should default to memory blobs, got %q", cfg.Blob.Driver)
	}
	opts := cfg.PersistenceOptions()
	if opts.Driver != core.DriverMemory || opts.Blob.Driver != blob.DriverMemory {
		t.Fatalf("unexpected persistence options %+v", opts)
	}
}

func TestLoadRejectsUnknownKeysAndBadValues(t *testing.T) {
	if _, err := Load(writeConfig(t, "[anchor]\nstrategyy = \"auto\"\n")); err == nil || !strings.Contains(err.Error(), "unknown keys") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
	_, err := Load(writeConfig(t, "[storage]\ndriver = \"mongo\"\n[image]\njpeg_quality = 400\n"))
	if err == nil || !strings.Contains(err.Error(), "mongo") || !strings.Contains(err.Error(), "jpeg_quality") {
		t.Fatalf("expected joined validation errors, got %v", err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected missing file error")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	env := map[string]string{
		"SIGNALPOINT_STORAGE_DRIVER":     "flatfile",
		"SIGNALPOINT_FLAT_PATH":          "/tmp/sp.json",
		"SIGNALPOINT_BLOB_S3_PATH_STYLE": "true",
		"SIGNALPOINT_FLOOR_OFFSET_M":     "1.2",
		"SIGNALPOINT_ANCHOR_STRATEGY":    " image ",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	cfg := Default()
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.Storage.Driver != "flatfile" || cfg.Storage.FlatPath != "/tmp/sp.json" || !cfg.Blob.S3.PathStyle || cfg.Placement.FloorOffset != 1.2 {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if cfg.Preference() != anchor.PreferComputedOffset {
		t.Fatalf("expected image alias to select computed offset")
	}
	env["SIGNALPOINT_FLOOR_OFFSET_M"] = "tall"
	if err := cfg.ApplyEnv(lookup); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLoadUsesProcessEnvironment(t *testing.T) {
	t.Setenv("SIGNALPOINT_METRICS_EXPORTER", "prometheus")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Metrics.Exporter != ExporterPrometheus {
		t.Fatalf("expected prometheus exporter, got %q", cfg.Metrics.Exporter)
	}
	t.Setenv("SIGNALPOINT_METRICS_EXPORTER", "statsd")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected invalid exporter")
	}
}
