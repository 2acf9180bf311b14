// Command signalpointctl drives the marker engine against the simulated
// tracking platform and inspects or clears the saved record.
//
// Usage:
//
//	signalpointctl [-config file] simulate [-markers n] [-yaw deg] [-image file]
//	signalpointctl [-config file] inspect
//	signalpointctl [-config file] clear
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"signalpoint/internal/anchor"
	"signalpoint/internal/config"
	"signalpoint/internal/logging"
	"signalpoint/internal/marker"
	"signalpoint/internal/observability"
	"signalpoint/internal/persistence"
	"signalpoint/internal/platform"
	"signalpoint/internal/platform/simulated"
	"signalpoint/internal/session"
	"signalpoint/internal/spatial"
)

var exitFunc = os.Exit

// main runs the command-line interface and exits with the status code
// returned by cli.
func main() {
	code := cli(os.Args[1:], os.Stdout, os.Stderr)
	exitFunc(code)
}

func cli(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("signalpointctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		configPath string
		trace      bool
	)
	fs.StringVar(&configPath, "config", "", "path to a TOML config file")
	fs.BoolVar(&trace, "trace", false, "write operation spans as JSON lines to stderr")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		_, _ = fmt.Fprintln(stderr, "usage: signalpointctl [-config file] simulate|inspect|clear")
		return 2
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	env := newEnv(cfg, stderr, trace)

	ctx := context.Background()
	gw, err := persistence.Open(ctx, cfg.PersistenceOptions(),
		persistence.WithLogger(env.logger),
		persistence.WithImageEncoder(cfg.ImageEncoder()),
	)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "storage: %v\n", err)
		return 1
	}
	defer func() { _ = gw.Close() }()

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "simulate":
		return runSimulate(ctx, env, gw, rest, stdout, stderr)
	case "inspect":
		return runInspect(ctx, env, gw, stdout, stderr)
	case "clear":
		return runClear(ctx, env, gw, stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		return 2
	}
}

// env carries the ambient collaborators shared by every command.
type env struct {
	cfg      config.Config
	logger   logging.Logger
	metrics  observability.MetricsRecorder
	tracer   observability.Tracer
	snapshot func() any
}

func newEnv(cfg config.Config, stderr io.Writer, trace bool) env {
	e := env{
		cfg:      cfg,
		logger:   logging.New(stderr, cfg.Logging("signalpointctl")),
		metrics:  observability.NopMetrics(),
		tracer:   observability.NopTracer(),
		snapshot: func() any { return nil },
	}
	switch cfg.Metrics.Exporter {
	case config.ExporterExpvar:
		rec := observability.NewExpvarMetricsRecorder("")
		e.metrics = rec
		e.snapshot = func() any { return rec.Snapshot() }
	case config.ExporterPrometheus:
		rec := observability.NewPrometheusMetricsRecorder()
		e.metrics = rec
		e.snapshot = func() any {
			counters, err := rec.Counters()
			if err != nil {
				return map[string]string{"error": err.Error()}
			}
			return counters
		}
	}
	if trace {
		e.tracer = observability.NewJSONTracer(stderr)
	}
	return e
}

func (e env) controller(gw *persistence.Gateway, scene marker.Renderer) *session.Controller {
	return session.New(gw,
		session.WithLogger(e.logger),
		session.WithMetrics(e.metrics),
		session.WithTracer(e.tracer),
		session.WithSettings(e.cfg.Session()),
		session.WithRenderer(scene),
	)
}

type point struct {
	ID       int        `json:"id"`
	Label    string     `json:"label"`
	Position [3]float64 `json:"position"`
	Resolved bool       `json:"resolved"`
}

type simulateReport struct {
	Strategy   anchor.Kind                `json:"strategy"`
	Backend    string                     `json:"backend"`
	SaveID     string                     `json:"save_id"`
	Saved      int                        `json:"saved"`
	Failures   []anchor.BatchFailure      `json:"failures,omitempty"`
	Attachment persistence.AttachmentKind `json:"attachment"`
	Recorded   []point                    `json:"recorded"`
	Restored   []point                    `json:"restored"`
	Integrity  persistence.Integrity      `json:"integrity"`
	MaxDriftM  float64                    `json:"max_drift_m"`
	Metrics    any                        `json:"metrics,omitempty"`
}

func runSimulate(ctx context.Context, e env, gw *persistence.Gateway, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("simulate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		count     int
		yaw       float64
		imagePath string
	)
	fs.IntVar(&count, "markers", 3, "number of markers to place")
	fs.Float64Var(&yaw, "yaw", 90, "yaw in degrees of the replay session origin")
	fs.StringVar(&imagePath, "image", "", "reference image file (a generated PNG when empty)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if count <= 0 {
		_, _ = fmt.Fprintln(stderr, "simulate: -markers must be positive")
		return 2
	}
	ref, err := referenceImage(imagePath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "simulate: %v\n", err)
		return 1
	}
	report, err := simulate(ctx, e, gw, ref, count, yaw)
	if err != nil && !errors.Is(err, anchor.ErrPartialBatch) {
		_, _ = fmt.Fprintf(stderr, "simulate: %v\n", err)
		return 1
	}
	report.Backend = gw.Describe()
	report.Metrics = e.snapshot()
	return writeJSON(stdout, stderr, report)
}

func simulate(ctx context.Context, e env, gw *persistence.Gateway, ref persistence.ReferenceImage, count int, yaw float64) (simulateReport, error) {
	fiducial := spatial.NewPose(mgl64.Vec3{0, 0, -2}, mgl64.QuatRotate(mgl64.DegToRad(15), mgl64.Vec3{0, 1, 0}))
	device := simulated.NewDevice(simulated.WithFiducial(fiducial, "reference"))
	var report simulateReport

	rec := e.controller(gw, marker.NewScene())
	rec.SetReferenceImage(ref)
	s1 := device.StartSession(spatial.Identity())
	defer s1.End()
	defer rec.End()
	neg, err := rec.Start(ctx, s1)
	if err != nil {
		return report, err
	}
	report.Strategy = neg.Kind
	physical := make(map[int]mgl64.Vec3, count)
	for i := 0; i < count; i++ {
		viewer := spatial.At(float64(i), 1.6, 0)
		m, err := placeOne(ctx, rec, s1, viewer)
		if err != nil {
			return report, err
		}
		physical[m.ID] = m.World.Position
		report.Recorded = append(report.Recorded, toPoint(m))
	}
	sum, saveErr := rec.Save(ctx)
	if saveErr != nil && !errors.Is(saveErr, anchor.ErrPartialBatch) {
		return report, saveErr
	}
	report.SaveID, report.Saved = sum.Report.SaveID, sum.SavedCount
	report.Failures, report.Attachment = sum.Failures, sum.Report.Attachment
	rec.End()
	s1.End()

	play := e.controller(gw, marker.NewScene())
	if err := play.SetMode(session.ModePlay); err != nil {
		return report, err
	}
	loaded, err := play.Load(ctx)
	if err != nil {
		return report, err
	}
	report.Integrity = loaded.Integrity
	origin := spatial.NewPose(mgl64.Vec3{2, 0, 1}, mgl64.QuatRotate(mgl64.DegToRad(yaw), mgl64.Vec3{0, 1, 0}))
	s2 := device.StartSession(origin)
	if _, err := play.Start(ctx, s2); err != nil {
		return report, err
	}
	defer func() {
		play.End()
		s2.End()
		_ = play.WaitCleanup(ctx)
	}()
	deadline := time.Now().Add(5 * time.Second)
	for {
		step(play, s2, spatial.At(0, 1.6, 0))
		if !play.Status().Restoring {
			break
		}
		if time.Now().After(deadline) {
			return report, fmt.Errorf("restore did not finish")
		}
		time.Sleep(time.Millisecond)
	}
	step(play, s2, spatial.At(0, 1.6, 0))

	toPhysical := spatial.FromPose(origin)
	for _, m := range play.Markers() {
		report.Restored = append(report.Restored, toPoint(m))
		if want, ok := physical[m.ID]; ok && m.Resolved {
			drift := toPhysical.Apply(m.World.Position).Sub(want).Len()
			report.MaxDriftM = max(report.MaxDriftM, drift)
		}
	}
	return report, saveErr
}

// placeOne walks the viewer to viewer and places a marker there, running
// frames until a deferred placement is adopted.
func placeOne(ctx context.Context, c *session.Controller, s *simulated.Session, viewer spatial.Pose) (marker.Marker, error) {
	step(c, s, viewer)
	before := len(c.Markers())
	p, err := c.Place(ctx, "")
	if err != nil {
		return marker.Marker{}, err
	}
	if !p.Deferred {
		return p.Marker, nil
	}
	for i := 0; i < 4; i++ {
		step(c, s, viewer)
		if ms := c.Markers(); len(ms) > before {
			return ms[len(ms)-1], nil
		}
		if st := c.Status(); st.LastPlaceError != nil && !st.PendingPlacement {
			return marker.Marker{}, st.LastPlaceError
		}
	}
	return marker.Marker{}, fmt.Errorf("placement was not adopted")
}

func step(c *session.Controller, s *simulated.Session, viewer spatial.Pose) {
	f := s.NextFrame(simulated.FrameInput{Viewer: viewer, Fiducial: platform.TrackingTracked})
	defer f.Close()
	c.OnFrame(f)
}

func toPoint(m marker.Marker) point {
	p := m.World.Position
	return point{ID: m.ID, Label: m.Label, Position: [3]float64{p[0], p[1], p[2]}, Resolved: m.Resolved}
}

type inspectReport struct {
	Found       bool                  `json:"found"`
	Backend     string                `json:"backend"`
	SaveID      string                `json:"save_id,omitempty"`
	Version     int                   `json:"version,omitempty"`
	Strategy    anchor.Kind           `json:"strategy,omitempty"`
	Integrity   persistence.Integrity `json:"integrity,omitempty"`
	SavedAt     *time.Time            `json:"saved_at,omitempty"`
	Markers     []inspectMarker       `json:"markers,omitempty"`
	ImageBytes  int                   `json:"image_bytes,omitempty"`
	ImageWidth  int                   `json:"image_width,omitempty"`
	ImageHeight int                   `json:"image_height,omitempty"`
}

type inspectMarker struct {
	ID       int                   `json:"id"`
	Label    string                `json:"label"`
	Position [3]float64            `json:"position"`
	Mode     spatial.TransformMode `json:"mode,omitempty"`
	Handle   string                `json:"anchor_handle,omitempty"`
}

func runInspect(ctx context.Context, e env, gw *persistence.Gateway, stdout, stderr io.Writer) int {
	report := inspectReport{Backend: gw.Describe()}
	loaded, err := gw.Load(ctx)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		return writeJSON(stdout, stderr, report)
	case err != nil:
		e.logger.Error("inspect failed", "error", err)
		_, _ = fmt.Fprintf(stderr, "inspect: %v\n", err)
		return 1
	}
	rec := loaded.Record
	report.Found = true
	report.SaveID, report.Version = loaded.SaveID, loaded.Version
	report.Strategy, report.Integrity = rec.Strategy, loaded.Integrity
	if !rec.SavedAt.IsZero() {
		saved := rec.SavedAt
		report.SavedAt = &saved
	}
	for _, m := range rec.Markers {
		p := m.Pose.Position
		report.Markers = append(report.Markers, inspectMarker{
			ID: m.ID, Label: m.Label, Position: [3]float64{p[0], p[1], p[2]}, Mode: m.Mode, Handle: m.AnchorHandle,
		})
	}
	if img := rec.ReferenceImage; img != nil {
		report.ImageBytes, report.ImageWidth, report.ImageHeight = len(img.Data), img.Width, img.Height
	}
	return writeJSON(stdout, stderr, report)
}

func runClear(ctx context.Context, e env, gw *persistence.Gateway, stdout, stderr io.Writer) int {
	existed, err := gw.Clear(ctx)
	if err != nil {
		e.logger.Error("clear failed", "error", err)
		_, _ = fmt.Fprintf(stderr, "clear: %v\n", err)
		return 1
	}
	return writeJSON(stdout, stderr, map[string]any{"cleared": existed, "backend": gw.Describe()})
}

func writeJSON(stdout, stderr io.Writer, v any) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_, _ = fmt.Fprintf(stderr, "write output: %v\n", err)
		return 1
	}
	return 0
}

// referenceImage reads path, or renders a small checkerboard PNG when path
// is empty.
func referenceImage(path string) (persistence.ReferenceImage, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return persistence.ReferenceImage{}, fmt.Errorf("read reference image: %w", err)
		}
		return persistence.ReferenceImage{Data: data, ContentType: http.DetectContentType(data)}, nil
	}
	img := image.NewGray(image.Rect(0, 0, 256, 256))
	for y := 0; y < 256; y++ {
		for x := 0; x < 256; x++ {
			if (x/32+y/32)%2 == 0 {
				img.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return persistence.ReferenceImage{}, err
	}
	return persistence.ReferenceImage{Data: buf.Bytes(), ContentType: "image/png"}, nil
}
