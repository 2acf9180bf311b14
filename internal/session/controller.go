// Package session drives one world-tracking session at a time: it negotiates
// the anchor strategy, feeds every frame through the reference frame
// resolver and marker registry, and exposes the user operations (place,
// save, load, clear) on top of the persistence gateway.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"signalpoint/internal/anchor"
	"signalpoint/internal/async"
	"signalpoint/internal/frame"
	"signalpoint/internal/logging"
	"signalpoint/internal/marker"
	"signalpoint/internal/observability"
	"signalpoint/internal/persistence"
	"signalpoint/internal/platform"
	"signalpoint/internal/spatial"
)

var (
	// ErrNotStarted is returned by operations that need an active session.
	ErrNotStarted = errors.New("session: not started")
	// ErrActive is returned when starting or switching mode during a session.
	ErrActive = errors.New("session: already active")
	// ErrNothingToSave is returned by Save when no markers exist.
	ErrNothingToSave = errors.New("session: no markers to save")
	// ErrNoRecord is returned by Start in play mode before a record was loaded.
	ErrNoRecord = errors.New("session: play mode requires a loaded record")
)

// Mode selects between placing new markers and replaying a saved record.
type Mode string

const (
	ModeRecord Mode = "record"
	ModePlay   Mode = "play"
)

// Settings are the per-controller tuning knobs.
type Settings struct {
	Preference       anchor.Preference
	TransformMode    spatial.TransformMode
	TrustOrientation bool
	// FloorOffset is subtracted from the viewer height when placing.
	FloorOffset float64
	LabelPrefix string
	BatchLimit  int
	// ImageWidthMeters is the printed reference image width handed to the
	// tracker when the image does not carry one.
	ImageWidthMeters float64
}

// DefaultSettings matches the default configuration.
func DefaultSettings() Settings {
	return Settings{
		Preference:       anchor.PreferAuto,
		TransformMode:    spatial.ModeFull,
		TrustOrientation: true,
		FloorOffset:      1.6,
		LabelPrefix:      marker.DefaultLabelPrefix,
		ImageWidthMeters: 0.3,
	}
}

// Controller owns the active session context. All methods are safe for
// concurrent use; OnFrame never waits on storage or anchor batches.
type Controller struct {
	mu       sync.Mutex
	gateway  *persistence.Gateway
	renderer marker.Renderer
	settings Settings
	logger   logging.Logger
	metrics  observability.MetricsRecorder
	tracer   observability.Tracer
	clock    func() time.Time

	mode       Mode
	image      *persistence.ReferenceImage
	loaded     *persistence.Loaded
	generation uint64
	sc         *sessionContext
	cleanup    sync.WaitGroup
}

// sessionContext is everything that lives exactly as long as one platform
// session.
type sessionContext struct {
	generation uint64
	ctx        context.Context
	cancel     context.CancelFunc
	platform   platform.Session
	negotiated anchor.Negotiated
	resolver   *frame.Resolver
	registry   *marker.Registry
	queue      *anchor.PlacementQueue
	image      *persistence.ReferenceImage
	state      frame.State

	restorePending bool
	restore        *async.Future[restoreResult]
	restoreStarted time.Time
	lastRestore    *RestoreReport
	lastPlaceErr   error
}

// RestoreReport is the outcome of restoring a loaded record. Failures lists
// the persistent handles that could not be restored; their markers are
// missing from the session.
type RestoreReport struct {
	Attempted int
	Restored  int
	Failures  []anchor.BatchFailure
	Err       error
}

type restoreResult struct {
	markers   []persistence.MarkerRecord
	attempted int
	restored  []anchor.Restored
	err       error
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Controller) { c.logger = logging.OrNop(l) }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(c *Controller) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t observability.Tracer) Option {
	return func(c *Controller) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithClock overrides timestamps.
func WithClock(clock func() time.Time) Option {
	return func(c *Controller) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithRenderer sets the renderer markers are drawn with.
func WithRenderer(r marker.Renderer) Option {
	return func(c *Controller) { c.renderer = r }
}

// WithSettings replaces the default settings.
func WithSettings(s Settings) Option {
	return func(c *Controller) { c.settings = s }
}

// New returns a controller in record mode.
func New(gateway *persistence.Gateway, opts ...Option) *Controller {
	c := &Controller{
		gateway:  gateway,
		settings: DefaultSettings(),
		logger:   logging.Nop(),
		metrics:  observability.NopMetrics(),
		tracer:   observability.NopTracer(),
		clock:    func() time.Time { return time.Now().UTC() },
		mode:     ModeRecord,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetMode switches between record and play. It is rejected while a session
// is active.
func (c *Controller) SetMode(m Mode) error {
	if m != ModeRecord && m != ModePlay {
		return fmt.Errorf("session: unknown mode %q", m)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sc != nil {
		return ErrActive
	}
	c.mode = m
	return nil
}

// SetReferenceImage sets the fiducial image used by record-mode sessions.
func (c *Controller) SetReferenceImage(img persistence.ReferenceImage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if img.WidthMeters == 0 {
		img.WidthMeters = c.settings.ImageWidthMeters
	}
	c.image = &img
}

// Start begins a session on ps. Capability negotiation happens once, here.
// When no strategy is supported the session still starts, reports
// frame.StatusUnsupported, and the negotiation error is returned.
func (c *Controller) Start(ctx context.Context, ps platform.Session) (anchor.Negotiated, error) {
	var negotiated anchor.Negotiated
	err := c.observe(ctx, "start", func(ctx context.Context) error {
		var err error
		negotiated, err = c.start(ctx, ps)
		return err
	})
	return negotiated, err
}

func (c *Controller) start(ctx context.Context, ps platform.Session) (anchor.Negotiated, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sc != nil {
		return anchor.Negotiated{}, ErrActive
	}
	if c.mode == ModePlay && c.loaded == nil {
		return anchor.Negotiated{}, ErrNoRecord
	}

	image := c.image
	pref := c.settings.Preference
	if c.mode == ModePlay {
		image = c.loaded.Record.ReferenceImage
		if pref == anchor.PreferAuto && c.loaded.Record.Strategy != "" {
			pref = anchor.Preference(c.loaded.Record.Strategy)
		}
	}
	mode := c.settings.TransformMode
	negotiated, negErr := anchor.Negotiate(ps.Capabilities(), ps.Anchors(), anchor.Requirements{
		Preference:        pref,
		Mode:              mode,
		HasReferenceImage: image != nil,
		BatchLimit:        c.settings.BatchLimit,
		Logger:            c.logger,
	})

	c.generation++
	sctx, cancel := context.WithCancel(context.Background())
	sc := &sessionContext{
		generation: c.generation,
		ctx:        sctx,
		cancel:     cancel,
		platform:   ps,
		negotiated: negotiated,
		resolver: frame.NewResolver(
			frame.WithOrientationTrust(c.settings.TrustOrientation && mode != spatial.ModeTranslationOnly),
			frame.WithClock(c.clock),
			frame.WithLogger(c.logger),
		),
		queue: &anchor.PlacementQueue{},
		image: image,
	}
	sc.registry = marker.NewRegistry(negotiated.Strategy(), c.renderer,
		marker.WithLogger(c.logger),
		marker.WithClock(c.clock),
		marker.WithLabelPrefix(c.settings.LabelPrefix),
		marker.WithReleaseLimit(c.settings.BatchLimit),
	)
	if negErr != nil {
		sc.state = sc.resolver.MarkUnsupported(negotiated.Reason)
	} else {
		sc.state = sc.resolver.State()
	}

	if negErr == nil && negotiated.Kind == anchor.KindComputedOffset && image != nil {
		if tracker, ok := ps.(platform.ImageTracker); ok {
			if err := tracker.TrackImage(ctx, image.Data, image.WidthMeters); err != nil {
				c.logger.Error("reference image rejected by platform", "error", err)
				sc.state = sc.resolver.MarkUnsupported("reference image rejected: " + err.Error())
			}
		}
	}
	if c.mode == ModePlay && negErr == nil {
		c.scheduleRestore(sc)
	}

	c.sc = sc
	gen := sc.generation
	go func() {
		select {
		case <-ps.Done():
			c.endGeneration(gen, "platform session ended")
		case <-sctx.Done():
		}
	}()
	c.logger.Info("session started", "generation", gen, "mode", string(c.mode), "strategy", string(negotiated.Kind))
	return negotiated, negErr
}

// scheduleRestore arms restoration of the loaded record for sc. Computed
// offsets restore on the next tracked frame; platform anchors are restored
// in the background and adopted by a later frame.
func (c *Controller) scheduleRestore(sc *sessionContext) {
	if c.loaded == nil || len(c.loaded.Record.Markers) == 0 || sc.registry.Count() > 0 {
		return
	}
	sc.restoreStarted = time.Now()
	switch sc.negotiated.Kind {
	case anchor.KindComputedOffset:
		sc.restorePending = true
	case anchor.KindPlatformAnchor:
		if sc.restore != nil {
			return
		}
		var (
			markers []persistence.MarkerRecord
			handles []string
		)
		for _, m := range c.loaded.Record.Markers {
			if m.AnchorHandle == "" {
				continue
			}
			markers = append(markers, m)
			handles = append(handles, m.AnchorHandle)
		}
		if len(handles) == 0 {
			c.logger.Warn("record has no anchor handles to restore", "integrity", string(c.loaded.Integrity))
			return
		}
		strategy := sc.negotiated.Platform
		sc.restore = async.Go(sc.ctx, func(ctx context.Context) (restoreResult, error) {
			restored, err := strategy.RestoreAll(ctx, handles)
			return restoreResult{markers: markers, attempted: len(handles), restored: restored, err: err}, nil
		})
	}
}

// End discards the session synchronously. Placements and restores still in
// flight are released in the background when they complete.
func (c *Controller) End() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endLocked("ended by caller")
}

func (c *Controller) endGeneration(gen uint64, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sc == nil || c.sc.generation != gen {
		return
	}
	c.endLocked(reason)
}

func (c *Controller) endLocked(reason string) {
	sc := c.sc
	if sc == nil {
		return
	}
	c.sc = nil
	sc.cancel()
	discarded := sc.registry.Discard()
	c.dropPendingLocked(sc)
	c.logger.Info("session ended", "generation", sc.generation, "reason", reason, "discarded", discarded)
}

func (c *Controller) releaseLatePlacement(p *anchor.Platform, fut *async.Future[anchor.Local]) {
	c.cleanup.Add(1)
	go func() {
		defer c.cleanup.Done()
		local, err := fut.Wait(context.Background())
		if err != nil || !local.IsAnchor() {
			return
		}
		if err := p.Release(context.Background(), local); err != nil {
			c.logger.Warn("release late anchor failed", "anchor", local.Anchor.ID(), "error", err)
			return
		}
		c.logger.Debug("late anchor released", "anchor", local.Anchor.ID())
	}()
}

func (c *Controller) releaseLateRestore(p *anchor.Platform, fut *async.Future[restoreResult]) {
	c.cleanup.Add(1)
	go func() {
		defer c.cleanup.Done()
		res, err := fut.Wait(context.Background())
		if err != nil || len(res.restored) == 0 {
			return
		}
		locals := make([]anchor.Local, 0, len(res.restored))
		for _, r := range res.restored {
			locals = append(locals, r.Local)
		}
		n, err := p.DeleteAll(context.Background(), locals)
		if err != nil {
			c.logger.Warn("release late restores failed", "error", err)
		}
		c.logger.Debug("late restores released", "count", n)
	}()
}

// WaitCleanup blocks until background releases started by End finish.
func (c *Controller) WaitCleanup(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.cleanup.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnFrame processes one platform frame: resolve the reference, start a
// queued placement, adopt finished placements and restores, then refresh
// marker positions. It returns the resolver state for the frame.
func (c *Controller) OnFrame(f platform.Frame) frame.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	sc := c.sc
	if sc == nil {
		return frame.State{Status: frame.StatusNone}
	}
	viewer, tracked := f.ViewerPose()
	var state frame.State
	switch sc.negotiated.Kind {
	case anchor.KindComputedOffset:
		obs, err := f.FiducialObservations()
		switch {
		case errors.Is(err, platform.ErrUnsupported):
			state = sc.resolver.MarkUnsupported("image tracking unavailable")
		case err != nil:
			c.logger.Warn("fiducial observations failed", "error", err)
			state = sc.resolver.Update(viewer, tracked, nil)
		default:
			state = sc.resolver.Update(viewer, tracked, obs)
		}
	case anchor.KindPlatformAnchor:
		state = sc.resolver.UpdateAnchorSpace(viewer, tracked, f)
		if state.Status == frame.StatusTracked {
			ref := state.Reference
			sc.queue.Drain(func(req anchor.Request) *async.Future[anchor.Local] {
				return sc.negotiated.Platform.PlaceToLocal(req.World, ref)
			})
		}
	default:
		state = sc.resolver.State()
	}
	sc.state = state

	if done, ok := sc.queue.Poll(); ok {
		if done.Err != nil {
			sc.lastPlaceErr = done.Err
			c.logger.Warn("deferred placement failed", "label", done.Request.Label, "error", done.Err)
		} else {
			sc.lastPlaceErr = nil
			sc.registry.Adopt(done.Request.Label, done.Local, done.Request.World)
		}
	}
	c.adoptRestores(sc, state)
	sc.registry.RefreshPositions(state.Reference)
	return state
}

func (c *Controller) adoptRestores(sc *sessionContext, state frame.State) {
	if sc.restorePending && state.Status == frame.StatusTracked && sc.registry.Count() == 0 && c.loaded != nil {
		snaps := make([]marker.Snapshot, 0, len(c.loaded.Record.Markers))
		for _, m := range c.loaded.Record.Markers {
			snaps = append(snaps, marker.Snapshot{
				ID:       m.ID,
				Label:    m.Label,
				Local:    anchor.Local{Mode: m.Mode, Pose: m.Pose},
				PlacedAt: m.PlacedAt,
			})
		}
		sc.registry.Restore(snaps)
		sc.restorePending = false
		sc.lastRestore = &RestoreReport{Attempted: len(snaps), Restored: len(snaps)}
		c.metrics.Observe(sc.ctx, "restore", true, time.Since(sc.restoreStarted))
		c.logger.Info("markers restored from record", "count", len(snaps), "first_acquisition", state.FirstAcquisition)
	}
	if sc.restore == nil || !sc.restore.Ready() {
		return
	}
	res, _ := sc.restore.Result()
	sc.restore = nil
	c.metrics.Observe(sc.ctx, "restore", res.err == nil, time.Since(sc.restoreStarted))
	snaps := make([]marker.Snapshot, 0, len(res.restored))
	for _, r := range res.restored {
		m := res.markers[r.Index]
		snaps = append(snaps, marker.Snapshot{ID: m.ID, Label: m.Label, Local: r.Local, PlacedAt: m.PlacedAt})
	}
	sc.registry.Restore(snaps)
	sc.lastRestore = &RestoreReport{
		Attempted: res.attempted,
		Restored:  len(snaps),
		Failures:  failuresOf(res.err),
		Err:       res.err,
	}
	if res.err != nil {
		c.logger.Warn("some anchors failed to restore", "attempted", res.attempted, "restored", len(snaps), "error", res.err)
		return
	}
	c.logger.Info("anchors restored from record", "count", len(snaps))
}
