// Package platform declares the contracts this engine consumes from the
// world-tracking stack: per-frame viewer and fiducial poses, the platform
// anchor service and session lifecycle. Implementations live outside the core
// (see platform/simulated for the in-process one).
package platform

import (
	"context"
	"errors"

	"signalpoint/internal/async"
	"signalpoint/internal/spatial"
)

// ErrUnsupported is returned when the platform lacks a requested capability.
var ErrUnsupported = errors.New("platform: capability not supported")

// ErrOutsideFrame is returned when a frame-scoped call is made after its frame
// callback has returned.
var ErrOutsideFrame = errors.New("platform: frame no longer active")

// TrackingState is the per-target confidence reported by the fiducial tracker.
type TrackingState string

const (
	// TrackingTracked means the target is currently observed.
	TrackingTracked TrackingState = "tracked"
	// TrackingEmulated means the platform is estimating the pose.
	TrackingEmulated TrackingState = "emulated"
	// TrackingNone means the target is not visible.
	TrackingNone TrackingState = "none"
)

// FiducialObservation is one tracked-image result for a frame.
type FiducialObservation struct {
	Target string
	State  TrackingState
	Pose   spatial.Pose
}

// Capabilities is the feature set negotiated when a session starts.
type Capabilities struct {
	ImageTracking     bool
	Anchors           bool
	PersistentAnchors bool
}

// Anchor is a platform-managed spatial reference point.
type Anchor interface {
	// ID is stable for the lifetime of the anchor within one session.
	ID() string
	// RequestPersistentHandle returns an identifier that restores the anchor
	// in a later session.
	RequestPersistentHandle(ctx context.Context) (string, error)
	// Delete removes the anchor from the session.
	Delete(ctx context.Context) error
}

// AnchorService restores and forgets persistent anchors.
type AnchorService interface {
	Restore(ctx context.Context, handle string) (Anchor, error)
	DeletePersistentHandle(ctx context.Context, handle string) error
}

// Frame is the tracking snapshot handed to the per-frame callback. It is only
// valid until the callback returns.
type Frame interface {
	// ViewerPose returns the viewer pose in session space, false while the
	// viewer is not tracked.
	ViewerPose() (spatial.Pose, bool)
	// FiducialObservations returns ErrUnsupported when image tracking is not
	// available on this device.
	FiducialObservations() ([]FiducialObservation, error)
	// PoseOf resolves an anchor in the current session space.
	PoseOf(a Anchor) (spatial.Pose, bool)
	// CreateAnchor starts anchor creation. Only legal while the frame is
	// active; the result arrives on a later frame.
	CreateAnchor(pose spatial.Pose) *async.Future[Anchor]
}

// Session is one world-tracking session.
type Session interface {
	Capabilities() Capabilities
	// Anchors returns nil when the platform has no anchor service.
	Anchors() AnchorService
	// Done is closed when the session ends.
	Done() <-chan struct{}
}

// ImageTracker is implemented by sessions that accept a reference image to
// look for. WidthMeters is the printed width of the image.
type ImageTracker interface {
	TrackImage(ctx context.Context, data []byte, widthMeters float64) error
}
