// Package config loads engine settings: defaults, then an optional TOML file,
// then SIGNALPOINT_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"signalpoint/internal/anchor"
	"signalpoint/internal/blob"
	"signalpoint/internal/logging"
	"signalpoint/internal/persistence"
	"signalpoint/internal/persistence/core"
	"signalpoint/internal/session"
	"signalpoint/internal/spatial"
)

// Config is the full engine configuration.
type Config struct {
	Anchor    Anchor    `toml:"anchor"`
	Placement Placement `toml:"placement"`
	Storage   Storage   `toml:"storage"`
	Blob      Blob      `toml:"blob"`
	Image     Image     `toml:"image"`
	Log       Log       `toml:"log"`
	Metrics   Metrics   `toml:"metrics"`
}

// Anchor selects the anchor strategy.
type Anchor struct {
	// Strategy is auto, computed_offset or platform_anchor.
	Strategy string `toml:"strategy"`
	// TransformMode is full or translation_only.
	TransformMode string `toml:"transform_mode"`
	// TrustOrientation records fiducial orientation as known.
	TrustOrientation bool `toml:"trust_orientation"`
	// BatchLimit bounds concurrent anchor operations; 0 is unbounded.
	BatchLimit int `toml:"batch_limit"`
}

type Placement struct {
	// FloorOffset is subtracted from the viewer height when placing.
	FloorOffset float64 `toml:"floor_offset_m"`
	LabelPrefix string  `toml:"label_prefix"`
}

type Storage struct {
	Driver      string `toml:"driver"`
	SQLitePath  string `toml:"sqlite_path"`
	PostgresDSN string `toml:"postgres_dsn"`
	FlatPath    string `toml:"flat_path"`
}

type Blob struct {
	Driver string        `toml:"driver"`
	FSRoot string        `toml:"fs_root"`
	S3     blob.S3Config `toml:"s3"`
}

// Image controls how the reference image is stored.
type Image struct {
	MaxDimension int     `toml:"max_dimension"`
	JPEGQuality  int     `toml:"jpeg_quality"`
	WidthMeters  float64 `toml:"width_m"`
}

type Log struct {
	Level   string `toml:"level"`
	Console bool   `toml:"console"`
}

type Metrics struct {
	// Exporter is none, expvar or prometheus.
	Exporter string `toml:"exporter"`
}

const (
	ExporterNone       = "none"
	ExporterExpvar     = "expvar"
	ExporterPrometheus = "prometheus"
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Anchor:    Anchor{Strategy: string(anchor.PreferAuto), TransformMode: string(spatial.ModeFull), TrustOrientation: true},
		Placement: Placement{FloorOffset: 1.6, LabelPrefix: "#"},
		Storage:   Storage{Driver: string(core.DriverSQLite), SQLitePath: "signalpoint.db", FlatPath: "signalpoint.json"},
		Blob:      Blob{Driver: string(blob.DriverFilesystem), FSRoot: "blobdata"},
		Image:     Image{MaxDimension: persistence.DefaultMaxDimension, JPEGQuality: persistence.DefaultJPEGQuality, WidthMeters: 0.3},
		Log:       Log{Level: "info", Console: true},
		Metrics:   Metrics{Exporter: ExporterExpvar},
	}
}

// Load builds a Config from path (skipped when empty) and the process
// environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.decodeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decodeFile overlays the keys present in the file. Unknown keys are errors.
func (c *Config) decodeFile(path string) error {
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("load config: unknown keys %s", strings.Join(keys, ", "))
	}
	if meta.IsDefined("storage", "driver") && !meta.IsDefined("blob", "driver") && c.Storage.Driver == string(core.DriverMemory) {
		c.Blob.Driver = string(blob.DriverMemory)
	}
	return nil
}

// ApplyEnv applies SIGNALPOINT_* overrides found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("SIGNALPOINT_ANCHOR_STRATEGY", &c.Anchor.Strategy)
	str("SIGNALPOINT_TRANSFORM_MODE", &c.Anchor.TransformMode)
	str("SIGNALPOINT_STORAGE_DRIVER", &c.Storage.Driver)
	str("SIGNALPOINT_SQLITE_PATH", &c.Storage.SQLitePath)
	str("SIGNALPOINT_POSTGRES_DSN", &c.Storage.PostgresDSN)
	str("SIGNALPOINT_FLAT_PATH", &c.Storage.FlatPath)
	str("SIGNALPOINT_BLOB_DRIVER", &c.Blob.Driver)
	str("SIGNALPOINT_BLOB_FS_ROOT", &c.Blob.FSRoot)
	str("SIGNALPOINT_BLOB_S3_BUCKET", &c.Blob.S3.Bucket)
	str("SIGNALPOINT_BLOB_S3_REGION", &c.Blob.S3.Region)
	str("SIGNALPOINT_BLOB_S3_ENDPOINT", &c.Blob.S3.Endpoint)
	str("SIGNALPOINT_METRICS_EXPORTER", &c.Metrics.Exporter)
	if v, ok := lookup("SIGNALPOINT_BLOB_S3_PATH_STYLE"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SIGNALPOINT_BLOB_S3_PATH_STYLE: %w", err)
		}
		c.Blob.S3.PathStyle = b
	}
	if v, ok := lookup("SIGNALPOINT_FLOOR_OFFSET_M"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("SIGNALPOINT_FLOOR_OFFSET_M: %w", err)
		}
		c.Placement.FloorOffset = f
	}
	return nil
}

// Validate checks enumerations and ranges.
func (c Config) Validate() error {
	var errs []error
	if _, err := anchor.ParsePreference(c.Anchor.Strategy); err != nil {
		errs = append(errs, err)
	}
	if _, err := spatial.ParseTransformMode(c.Anchor.TransformMode); err != nil {
		errs = append(errs, err)
	}
	if c.Anchor.BatchLimit < 0 {
		errs = append(errs, fmt.Errorf("anchor.batch_limit must not be negative"))
	}
	switch core.Driver(c.Storage.Driver) {
	case core.DriverMemory, core.DriverSQLite, core.DriverPostgres, core.DriverFlatFile:
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	switch blob.Driver(c.Blob.Driver) {
	case blob.DriverFilesystem, blob.DriverMemory:
	case blob.DriverS3:
		if c.Blob.S3.Bucket == "" && c.Storage.Driver != string(core.DriverFlatFile) {
			errs = append(errs, fmt.Errorf("blob.s3.bucket required for s3 driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown blob driver %q", c.Blob.Driver))
	}
	if c.Image.MaxDimension <= 0 {
		errs = append(errs, fmt.Errorf("image.max_dimension must be positive"))
	}
	if c.Image.JPEGQuality < 1 || c.Image.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("image.jpeg_quality must be within 1..100"))
	}
	if _, ok := logging.ParseLevel(c.Log.Level); !ok && c.Log.Level != "" {
		errs = append(errs, fmt.Errorf("unknown log level %q", c.Log.Level))
	}
	switch c.Metrics.Exporter {
	case "", ExporterNone, ExporterExpvar, ExporterPrometheus:
	default:
		errs = append(errs, fmt.Errorf("unknown metrics exporter %q", c.Metrics.Exporter))
	}
	return errors.Join(errs...)
}

// Preference returns the parsed strategy preference.
func (c Config) Preference() anchor.Preference {
	p, _ := anchor.ParsePreference(c.Anchor.Strategy)
	return p
}

// Mode returns the parsed transform mode.
func (c Config) Mode() spatial.TransformMode {
	m, _ := spatial.ParseTransformMode(c.Anchor.TransformMode)
	return m
}

// PersistenceOptions maps the storage and blob sections.
func (c Config) PersistenceOptions() persistence.Options {
	return persistence.Options{
		Driver:      core.Driver(c.Storage.Driver),
		SQLitePath:  c.Storage.SQLitePath,
		PostgresDSN: c.Storage.PostgresDSN,
		FlatPath:    c.Storage.FlatPath,
		Blob: blob.Options{
			Driver: blob.Driver(c.Blob.Driver),
			FSRoot: c.Blob.FSRoot,
			S3:     c.Blob.S3,
		},
	}
}

// ImageEncoder returns the reference image encoder for the image section.
func (c Config) ImageEncoder() persistence.ImageEncoder {
	return persistence.JPEGEncoder(c.Image.MaxDimension, c.Image.JPEGQuality)
}

// Logging maps the log section.
func (c Config) Logging(app string) logging.Config {
	return logging.Config{App: app, Level: c.Log.Level, Console: c.Log.Console, Timestamp: true}
}

// Session maps the anchor, placement and image sections onto controller
// settings.
func (c Config) Session() session.Settings {
	return session.Settings{
		Preference:       c.Preference(),
		TransformMode:    c.Mode(),
		TrustOrientation: c.Anchor.TrustOrientation,
		FloorOffset:      c.Placement.FloorOffset,
		LabelPrefix:      c.Placement.LabelPrefix,
		BatchLimit:       c.Anchor.BatchLimit,
		ImageWidthMeters: c.Image.WidthMeters,
	}
}
