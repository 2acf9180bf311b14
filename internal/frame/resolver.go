// Package frame turns raw per-frame tracking signals into a stable,
// re-discoverable reference frame. The Resolver keeps the last trusted pose
// across tracking loss so that markers never jump when the fiducial briefly
// leaves the view.
package frame

import (
	"time"

	"signalpoint/internal/async"
	"signalpoint/internal/logging"
	"signalpoint/internal/platform"
	"signalpoint/internal/spatial"
)

// Status is the resolver's confidence in the current reference frame.
type Status string

const (
	// StatusNone means no frame has been observed yet in this session.
	StatusNone Status = "none"
	// StatusSearching means the frame was lost; the last known pose is kept.
	StatusSearching Status = "searching"
	// StatusTracked means the frame is observed this frame.
	StatusTracked Status = "tracked"
	// StatusEmulated means the platform is estimating; the pose is not updated.
	StatusEmulated Status = "emulated"
	// StatusUnsupported is terminal for the session.
	StatusUnsupported Status = "unsupported"
)

// Kind tags the variant held by a Reference.
type Kind string

const (
	KindNone           Kind = "none"
	KindFiducial       Kind = "fiducial"
	KindPlatformAnchor Kind = "platform_anchor"
)

// AnchorSpace is the per-frame view of platform anchors. platform.Frame
// satisfies it.
type AnchorSpace interface {
	PoseOf(a platform.Anchor) (spatial.Pose, bool)
	CreateAnchor(pose spatial.Pose) *async.Future[platform.Anchor]
}

// Reference identifies the coordinate space markers are expressed in.
type Reference struct {
	Kind Kind
	// Pose and OrientationKnown are set for KindFiducial.
	Pose             spatial.Pose
	OrientationKnown bool
	Target           string
	// Space is set for KindPlatformAnchor and is only valid during the frame
	// that produced it.
	Space     AnchorSpace
	UpdatedAt time.Time
}

// Resolvable reports whether markers can be placed against this reference.
func (r Reference) Resolvable() bool {
	return r.Kind == KindFiducial || r.Kind == KindPlatformAnchor
}

// Transform returns the fiducial frame as a local→world transform. When the
// orientation is not trusted only the translation is used.
func (r Reference) Transform() spatial.Transform {
	if !r.OrientationKnown {
		return spatial.TranslationOf(r.Pose)
	}
	return spatial.FromPose(r.Pose)
}

// State is the resolver output for one frame.
type State struct {
	Status    Status
	Reference Reference
	// Viewer is the last known viewer pose; ViewerTracked reports whether it
	// was observed this frame.
	Viewer        spatial.Pose
	ViewerTracked bool
	// Acquired fires on every transition into StatusTracked.
	Acquired bool
	// FirstAcquisition fires once per session, on the first tracked frame.
	FirstAcquisition bool
	// Reason explains StatusUnsupported.
	Reason string
}

// Resolver implements the none/searching/tracked/emulated/unsupported state
// machine. It is driven from the frame loop and is not safe for concurrent
// use on its own.
type Resolver struct {
	trustOrientation bool
	target           string
	clock            func() time.Time
	logger           logging.Logger

	status      Status
	ref         Reference
	viewer      spatial.Pose
	viewerSeen  bool
	everTracked bool
	reason      string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithOrientationTrust controls whether fiducial orientation is used. The
// legacy translation-only variant disables it.
func WithOrientationTrust(trust bool) Option {
	return func(r *Resolver) { r.trustOrientation = trust }
}

// WithTarget restricts fiducial observations to one target name.
func WithTarget(target string) Option {
	return func(r *Resolver) { r.target = target }
}

// WithClock overrides the time source used for Reference.UpdatedAt.
func WithClock(clock func() time.Time) Option {
	return func(r *Resolver) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(r *Resolver) { r.logger = logging.OrNop(l) }
}

// NewResolver returns a resolver in StatusNone.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		trustOrientation: true,
		clock:            func() time.Time { return time.Now().UTC() },
		logger:           logging.Nop(),
		status:           StatusNone,
		ref:              Reference{Kind: KindNone, Pose: spatial.Identity()},
		viewer:           spatial.Identity(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State returns the current state without edge signals.
func (r *Resolver) State() State {
	return State{
		Status:        r.status,
		Reference:     r.ref,
		Viewer:        r.viewer,
		ViewerTracked: r.viewerSeen,
		Reason:        r.reason,
	}
}

// Update ingests the viewer pose and fiducial observations for one frame.
func (r *Resolver) Update(viewer spatial.Pose, viewerTracked bool, observations []platform.FiducialObservation) State {
	if r.status == StatusUnsupported {
		return r.State()
	}
	r.observeViewer(viewer, viewerTracked)

	tracked, emulated := r.pick(observations)
	prev := r.status
	switch {
	case tracked != nil:
		r.ref = Reference{
			Kind:             KindFiducial,
			Pose:             tracked.Pose.Normalized(),
			OrientationKnown: r.trustOrientation,
			Target:           tracked.Target,
			UpdatedAt:        r.clock(),
		}
		r.status = StatusTracked
	case emulated:
		r.status = StatusEmulated
	default:
		if r.ref.Kind != KindNone || prev != StatusNone {
			r.status = StatusSearching
		}
	}
	return r.edges(prev)
}

// UpdateAnchorSpace drives the resolver in platform-anchor mode. Each marker
// resolves through space independently; there is no shared frame pose.
func (r *Resolver) UpdateAnchorSpace(viewer spatial.Pose, viewerTracked bool, space AnchorSpace) State {
	if r.status == StatusUnsupported {
		return r.State()
	}
	r.observeViewer(viewer, viewerTracked)
	prev := r.status
	if viewerTracked && space != nil {
		r.ref = Reference{Kind: KindPlatformAnchor, Pose: spatial.Identity(), OrientationKnown: true, Space: space, UpdatedAt: r.clock()}
		r.status = StatusTracked
	} else if r.ref.Kind != KindNone {
		// keep the last reference kind but drop the stale per-frame space
		r.ref.Space = nil
		r.status = StatusSearching
	}
	return r.edges(prev)
}

// MarkUnsupported moves the resolver to StatusUnsupported for the rest of
// the session. Later calls keep the first reason.
func (r *Resolver) MarkUnsupported(reason string) State {
	if r.status != StatusUnsupported {
		r.logger.Warn("reference frame unsupported", "reason", reason)
		r.status = StatusUnsupported
		r.reason = reason
	}
	return r.State()
}

func (r *Resolver) observeViewer(viewer spatial.Pose, tracked bool) {
	r.viewerSeen = tracked
	if tracked {
		r.viewer = viewer.Normalized()
	}
}

// pick returns the first tracked observation (restricted to the configured
// target) and whether any was emulated.
func (r *Resolver) pick(observations []platform.FiducialObservation) (*platform.FiducialObservation, bool) {
	emulated := false
	for i := range observations {
		obs := &observations[i]
		if r.target != "" && obs.Target != r.target {
			continue
		}
		switch obs.State {
		case platform.TrackingTracked:
			return obs, emulated
		case platform.TrackingEmulated:
			emulated = true
		}
	}
	return nil, emulated
}

func (r *Resolver) edges(prev Status) State {
	st := r.State()
	if r.status == StatusTracked && prev != StatusTracked {
		st.Acquired = true
		if !r.everTracked {
			st.FirstAcquisition = true
			r.everTracked = true
			r.logger.Info("reference frame acquired", "kind", string(r.ref.Kind), "pose", r.ref.Pose.String())
		} else {
			r.logger.Debug("reference frame reacquired", "kind", string(r.ref.Kind))
		}
	}
	if prev == StatusTracked && r.status == StatusSearching {
		r.logger.Debug("reference frame lost, keeping last known pose")
	}
	return st
}
