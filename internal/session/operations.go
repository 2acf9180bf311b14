package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-gl/mathgl/mgl64"

	"signalpoint/internal/anchor"
	"signalpoint/internal/frame"
	"signalpoint/internal/marker"
	"signalpoint/internal/persistence"
	"signalpoint/internal/spatial"
)

// Placement is the result of Place. Deferred placements become markers on a
// later frame.
type Placement struct {
	Marker   marker.Marker
	Deferred bool
	World    spatial.Pose
}

// Place drops a marker at the viewer's feet. Computed offsets are placed
// immediately; platform anchors are queued for the next frame.
func (c *Controller) Place(ctx context.Context, label string) (Placement, error) {
	var out Placement
	err := c.observe(ctx, "place", func(ctx context.Context) error {
		var err error
		out, err = c.place(ctx, label)
		return err
	})
	return out, err
}

func (c *Controller) place(ctx context.Context, label string) (Placement, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sc := c.sc
	if sc == nil {
		return Placement{}, ErrNotStarted
	}
	if sc.negotiated.Kind == anchor.KindUnsupported {
		return Placement{}, fmt.Errorf("%w: %s", anchor.ErrUnsupportedCapability, sc.negotiated.Reason)
	}
	if !sc.state.Reference.Resolvable() || !sc.state.ViewerTracked {
		return Placement{}, anchor.ErrNoReferenceFrame
	}
	world := c.footPose(sc.state.Viewer)

	if sc.negotiated.Kind == anchor.KindPlatformAnchor {
		err := sc.queue.Offer(anchor.Request{Label: label, World: world, RequestedAt: c.clock()})
		if err != nil {
			return Placement{}, err
		}
		return Placement{Deferred: true, World: world}, nil
	}
	m, err := sc.registry.Place(ctx, label, world, sc.state.Reference)
	if err != nil {
		return Placement{}, err
	}
	return Placement{Marker: m, World: world}, nil
}

// footPose drops the viewer position by the floor offset and keeps the
// marker upright.
func (c *Controller) footPose(viewer spatial.Pose) spatial.Pose {
	p := viewer.Position
	return spatial.NewPose(mgl64.Vec3{p[0], p[1] - c.settings.FloorOffset, p[2]}, mgl64.QuatIdent())
}

// SaveSummary reports a save. SavedCount counts markers in the stored
// record; Failures lists anchors whose handle request failed and were left
// out.
type SaveSummary struct {
	SavedCount int
	Failures   []anchor.BatchFailure
	Report     persistence.SaveReport
}

// Save persists the current markers. With platform anchors, handles are
// requested concurrently; markers whose request failed are excluded and the
// returned error is a *anchor.BatchError next to a valid summary.
func (c *Controller) Save(ctx context.Context) (SaveSummary, error) {
	var out SaveSummary
	err := c.observe(ctx, "save", func(ctx context.Context) error {
		var err error
		out, err = c.save(ctx)
		return err
	})
	return out, err
}

func (c *Controller) save(ctx context.Context) (SaveSummary, error) {
	c.mu.Lock()
	sc := c.sc
	c.mu.Unlock()
	if sc == nil {
		return SaveSummary{}, ErrNotStarted
	}
	markers := sc.registry.Markers()
	if len(markers) == 0 {
		return SaveSummary{}, ErrNothingToSave
	}

	rec := persistence.Record{Strategy: sc.negotiated.Kind, SavedAt: c.clock()}
	var (
		batchErr error
		handles  []string
	)
	switch sc.negotiated.Kind {
	case anchor.KindComputedOffset:
		rec.TransformMode = sc.negotiated.Offset.Mode()
		rec.ReferenceImage = sc.image
		for _, m := range markers {
			rec.Markers = append(rec.Markers, persistence.MarkerRecord{
				ID: m.ID, Label: m.Label, Pose: m.Local.Pose, Mode: m.Local.Mode, PlacedAt: m.PlacedAt,
			})
		}
	case anchor.KindPlatformAnchor:
		locals := make([]anchor.Local, len(markers))
		for i, m := range markers {
			locals[i] = m.Local
		}
		persisted, err := sc.negotiated.Platform.PersistAll(ctx, locals)
		batchErr = err
		for _, p := range persisted {
			m := markers[p.Index]
			handles = append(handles, p.Handle)
			rec.Markers = append(rec.Markers, persistence.MarkerRecord{
				ID: m.ID, Label: m.Label, Pose: m.World, AnchorHandle: p.Handle, PlacedAt: m.PlacedAt,
			})
		}
		if len(persisted) == 0 {
			return SaveSummary{Failures: failuresOf(batchErr)}, batchErr
		}
	default:
		return SaveSummary{}, anchor.ErrUnsupportedCapability
	}

	report, err := c.gateway.Save(ctx, rec)
	summary := SaveSummary{SavedCount: len(rec.Markers), Failures: failuresOf(batchErr), Report: report}
	if err != nil {
		summary.SavedCount = 0
		var se *persistence.StorageError
		if len(handles) > 0 && (!errors.As(err, &se) || !se.Partial) {
			c.forgetUnsaved(ctx, sc.negotiated.Platform, handles)
		}
		return summary, errors.Join(err, batchErr)
	}
	return summary, batchErr
}

// forgetUnsaved removes persistent handles that no stored record references.
// Handles are kept when the stored record cannot be read.
func (c *Controller) forgetUnsaved(ctx context.Context, p *anchor.Platform, handles []string) {
	ctx = context.WithoutCancel(ctx)
	keep := make(map[string]bool)
	stored, err := c.gateway.Load(ctx)
	switch {
	case err == nil:
		for _, h := range stored.Record.AnchorHandles() {
			keep[h] = true
		}
	case !errors.Is(err, persistence.ErrNotFound):
		c.logger.Warn("unsaved handles kept, stored record unreadable", "count", len(handles), "error", err)
		return
	}
	var orphans []string
	for _, h := range handles {
		if !keep[h] {
			orphans = append(orphans, h)
		}
	}
	if len(orphans) == 0 {
		return
	}
	n, err := p.ForgetAll(ctx, orphans)
	if err != nil {
		c.logger.Warn("forget unsaved handles failed", "forgotten", n, "requested", len(orphans), "error", err)
		return
	}
	c.logger.Info("unsaved handles forgotten", "count", n)
}

func failuresOf(err error) []anchor.BatchFailure {
	var be *anchor.BatchError
	if errors.As(err, &be) {
		return be.Failures
	}
	return nil
}

// LoadSummary describes the loaded record.
type LoadSummary struct {
	SaveID    string
	Strategy  anchor.Kind
	Markers   int
	Handles   int
	HasImage  bool
	Integrity persistence.Integrity
}

// Load reads the saved record and keeps it for play mode. It returns
// persistence.ErrNotFound when nothing was saved; a record with zero markers
// is not an error. In play mode with an active session, restoration is
// armed right away.
func (c *Controller) Load(ctx context.Context) (LoadSummary, error) {
	var out LoadSummary
	err := c.observe(ctx, "load", func(ctx context.Context) error {
		loaded, err := c.gateway.Load(ctx)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.loaded = &loaded
		if c.sc != nil && c.mode == ModePlay {
			c.scheduleRestore(c.sc)
		}
		c.mu.Unlock()
		out = LoadSummary{
			SaveID:    loaded.SaveID,
			Strategy:  loaded.Record.Strategy,
			Markers:   len(loaded.Record.Markers),
			Handles:   len(loaded.Record.AnchorHandles()),
			HasImage:  loaded.Record.ReferenceImage != nil,
			Integrity: loaded.Integrity,
		}
		return nil
	})
	return out, err
}

// Clear removes the live markers and releases their anchors. A queued or
// in-flight placement and a pending restore are dropped too, so no marker
// appears on a later frame. Removal always happens; release failures come
// back as a *anchor.BatchError. Clearing an empty session returns zero.
func (c *Controller) Clear(ctx context.Context) (int, error) {
	var n int
	err := c.observe(ctx, "clear", func(ctx context.Context) error {
		c.mu.Lock()
		sc := c.sc
		if sc == nil {
			c.mu.Unlock()
			return ErrNotStarted
		}
		c.dropPendingLocked(sc)
		c.mu.Unlock()
		var err error
		n, err = sc.registry.Clear(ctx)
		return err
	})
	return n, err
}

// dropPendingLocked cancels work that would add markers to sc later.
func (c *Controller) dropPendingLocked(sc *sessionContext) {
	if late := sc.queue.Reset(); late != nil && sc.negotiated.Platform != nil {
		c.releaseLatePlacement(sc.negotiated.Platform, late)
		c.logger.Debug("pending placement dropped by clear")
	}
	if sc.restore != nil && sc.negotiated.Platform != nil {
		c.releaseLateRestore(sc.negotiated.Platform, sc.restore)
	}
	sc.restore = nil
	sc.restorePending = false
	sc.lastPlaceErr = nil
}

// ClearSavedSummary reports ClearSaved.
type ClearSavedSummary struct {
	Existed          bool
	ForgottenHandles int
}

// ClearSaved deletes the stored record. Persistent handles of the loaded
// record are forgotten first when an anchor service is available.
func (c *Controller) ClearSaved(ctx context.Context) (ClearSavedSummary, error) {
	var out ClearSavedSummary
	err := c.observe(ctx, "clear_saved", func(ctx context.Context) error {
		c.mu.Lock()
		sc, loaded := c.sc, c.loaded
		c.mu.Unlock()

		var forgetErr error
		if loaded != nil && sc != nil && sc.negotiated.Platform != nil {
			if handles := loaded.Record.AnchorHandles(); len(handles) > 0 {
				out.ForgottenHandles, forgetErr = sc.negotiated.Platform.ForgetAll(ctx, handles)
			}
		}
		existed, err := c.gateway.Clear(ctx)
		if err != nil {
			return errors.Join(err, forgetErr)
		}
		out.Existed = existed
		c.mu.Lock()
		c.loaded = nil
		c.mu.Unlock()
		return forgetErr
	})
	return out, err
}

// Status is a point-in-time view of the controller.
type Status struct {
	Active           bool
	Mode             Mode
	Strategy         anchor.Kind
	Frame            frame.Status
	Reason           string
	Markers          int
	PendingPlacement bool
	Restoring        bool
	// LastRestore is nil until a restore of the loaded record has finished
	// in this session.
	LastRestore    *RestoreReport
	LastPlaceError error
	Loaded         bool
	Integrity      persistence.Integrity
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{Mode: c.mode, Frame: frame.StatusNone}
	if c.loaded != nil {
		st.Loaded = true
		st.Integrity = c.loaded.Integrity
	}
	if sc := c.sc; sc != nil {
		st.Active = true
		st.Strategy = sc.negotiated.Kind
		st.Frame = sc.state.Status
		st.Reason = sc.state.Reason
		st.Markers = sc.registry.Count()
		st.PendingPlacement = sc.queue.Pending()
		st.Restoring = sc.restore != nil || sc.restorePending
		st.LastPlaceError = sc.lastPlaceErr
		if r := sc.lastRestore; r != nil {
			cp := *r
			st.LastRestore = &cp
		}
	}
	return st
}

// Markers returns the live markers.
func (c *Controller) Markers() []marker.Marker {
	c.mu.Lock()
	sc := c.sc
	c.mu.Unlock()
	if sc == nil {
		return nil
	}
	return sc.registry.Markers()
}
