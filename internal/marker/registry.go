// Package marker owns the authoritative set of placed markers. Each marker
// keeps an immutable local coordinate; its visual world position is
// recomputed every frame from that coordinate and the current reference.
package marker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"signalpoint/internal/anchor"
	"signalpoint/internal/async"
	"signalpoint/internal/frame"
	"signalpoint/internal/logging"
	"signalpoint/internal/spatial"
)

// DefaultLabelPrefix is prepended to the id when a marker is placed without
// a label.
const DefaultLabelPrefix = "#"

// Marker is a read-only snapshot of one placed marker.
type Marker struct {
	ID       int
	Label    string
	Local    anchor.Local
	World    spatial.Pose
	Resolved bool
	PlacedAt time.Time
	Visual   VisualHandle
}

// Snapshot is a marker being restored from storage.
type Snapshot struct {
	ID       int
	Label    string
	Local    anchor.Local
	PlacedAt time.Time
}

// RefreshReport summarizes one RefreshPositions pass.
type RefreshReport struct {
	Resolved   int
	Unresolved int
}

type entry struct {
	Marker
	hasWorld bool
}

// Registry holds the markers of one session. It is safe for concurrent use.
type Registry struct {
	mu          sync.Mutex
	strategy    anchor.Strategy
	renderer    Renderer
	logger      logging.Logger
	clock       func() time.Time
	labelPrefix string
	limit       int

	markers []*entry
	nextID  int
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(r *Registry) { r.logger = logging.OrNop(l) }
}

// WithClock overrides the placement timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithLabelPrefix changes the prefix used for generated labels.
func WithLabelPrefix(prefix string) Option {
	return func(r *Registry) { r.labelPrefix = prefix }
}

// WithReleaseLimit bounds concurrent anchor releases during Clear.
func WithReleaseLimit(n int) Option {
	return func(r *Registry) { r.limit = n }
}

// NewRegistry returns an empty registry. A nil renderer discards visuals.
func NewRegistry(strategy anchor.Strategy, renderer Renderer, opts ...Option) *Registry {
	if renderer == nil {
		renderer = NopRenderer{}
	}
	r := &Registry{
		strategy:    strategy,
		renderer:    renderer,
		logger:      logging.Nop(),
		clock:       func() time.Time { return time.Now().UTC() },
		labelPrefix: DefaultLabelPrefix,
		nextID:      1,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Strategy returns the strategy coordinates are computed with.
func (r *Registry) Strategy() anchor.Strategy { return r.strategy }

// Place converts world into a local coordinate and adds the marker. It waits
// on the strategy result, so frame callers must only use it with strategies
// that resolve immediately; deferred placements go through Adopt.
func (r *Registry) Place(ctx context.Context, label string, world spatial.Pose, ref frame.Reference) (Marker, error) {
	if !ref.Resolvable() {
		return Marker{}, anchor.ErrNoReferenceFrame
	}
	local, err := r.strategy.PlaceToLocal(world, ref).Wait(ctx)
	if err != nil {
		return Marker{}, fmt.Errorf("place marker: %w", err)
	}
	return r.Adopt(label, local, world), nil
}

// Adopt appends a marker whose local coordinate is already known.
func (r *Registry) Adopt(label string, local anchor.Local, world spatial.Pose) Marker {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	if label == "" {
		label = fmt.Sprintf("%s%d", r.labelPrefix, id)
	}
	world = world.Normalized()
	e := &entry{
		Marker: Marker{
			ID:       id,
			Label:    label,
			Local:    local,
			World:    world,
			Resolved: true,
			PlacedAt: r.clock(),
		},
		hasWorld: true,
	}
	e.Visual = r.renderer.Add(label, world)
	r.markers = append(r.markers, e)
	r.logger.Debug("marker placed", "id", id, "label", label, "pose", world.String())
	return e.Marker
}

// Restore adds persisted markers, keeping their ids. Visuals appear on the
// first refresh that resolves them. The next generated id follows the
// highest restored one.
func (r *Registry) Restore(items []Snapshot) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	sorted := append([]Snapshot(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for _, it := range sorted {
		id := it.ID
		if id <= 0 || r.has(id) {
			id = r.nextID
		}
		if id >= r.nextID {
			r.nextID = id + 1
		}
		label := it.Label
		if label == "" {
			label = fmt.Sprintf("%s%d", r.labelPrefix, id)
		}
		placed := it.PlacedAt
		if placed.IsZero() {
			placed = r.clock()
		}
		r.markers = append(r.markers, &entry{Marker: Marker{ID: id, Label: label, Local: it.Local, PlacedAt: placed}})
	}
	r.logger.Info("markers restored", "count", len(sorted))
	return len(sorted)
}

func (r *Registry) has(id int) bool {
	for _, e := range r.markers {
		if e.ID == id {
			return true
		}
	}
	return false
}

// RefreshPositions resolves every marker against ref. A marker that does not
// resolve keeps its last visual position.
func (r *Registry) RefreshPositions(ref frame.Reference) RefreshReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	var report RefreshReport
	for _, e := range r.markers {
		if !ref.Resolvable() {
			e.Resolved = false
			report.Unresolved++
			continue
		}
		world, err := r.strategy.LocalToWorld(e.Local, ref)
		if err != nil {
			e.Resolved = false
			report.Unresolved++
			continue
		}
		e.Resolved = true
		e.World = world
		switch {
		case !e.hasWorld:
			e.Visual = r.renderer.Add(e.Label, world)
			e.hasWorld = true
		default:
			r.renderer.Move(e.Visual, world)
		}
		report.Resolved++
	}
	return report
}

// Count returns the number of markers.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.markers)
}

// Markers returns a snapshot ordered by placement.
func (r *Registry) Markers() []Marker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Marker, 0, len(r.markers))
	for _, e := range r.markers {
		out = append(out, e.Marker)
	}
	return out
}

// Clear removes every marker and releases their platform resources
// concurrently. Local removal always completes; release failures are logged
// and returned as a *anchor.BatchError next to the number removed. Clearing an
// empty registry returns zero.
func (r *Registry) Clear(ctx context.Context) (int, error) {
	taken := r.take()
	if len(taken) == 0 {
		return 0, nil
	}
	outcomes := async.Settle(ctx, taken, r.limit, func(ctx context.Context, e *entry) (struct{}, error) {
		return struct{}{}, r.strategy.Release(ctx, e.Local)
	})
	var failures []anchor.BatchFailure
	for _, o := range outcomes {
		if o.Err == nil {
			continue
		}
		e := taken[o.Index]
		f := anchor.BatchFailure{Index: o.Index, Err: o.Err}
		if e.Local.IsAnchor() {
			f.AnchorID = e.Local.Anchor.ID()
		}
		r.logger.Warn("marker release failed", "id", e.ID, "error", o.Err)
		failures = append(failures, f)
	}
	r.logger.Info("markers cleared", "count", len(taken), "release_failures", len(failures))
	if len(failures) > 0 {
		return len(taken), &anchor.BatchError{Op: "release markers", Attempted: len(taken), Succeeded: len(taken) - len(failures), Failures: failures}
	}
	return len(taken), nil
}

// Discard drops every marker without touching platform anchors. Used when the
// session ends and the anchors go away with it.
func (r *Registry) Discard() int {
	taken := r.take()
	return len(taken)
}

func (r *Registry) take() []*entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	taken := r.markers
	r.markers = nil
	r.nextID = 1
	for _, e := range taken {
		if e.hasWorld {
			r.renderer.Remove(e.Visual)
		}
	}
	return taken
}
