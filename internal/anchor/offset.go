package anchor

import (
	"context"
	"fmt"

	"signalpoint/internal/async"
	"signalpoint/internal/frame"
	"signalpoint/internal/spatial"
)

// ComputedOffset derives local coordinates from the fiducial pose. Local
// coordinates are plain data and survive any number of sessions as long as
// the same fiducial is re-detected.
type ComputedOffset struct {
	mode spatial.TransformMode
}

// NewComputedOffset returns the strategy for mode. An empty mode means
// spatial.ModeFull.
func NewComputedOffset(mode spatial.TransformMode) *ComputedOffset {
	if mode == "" {
		mode = spatial.ModeFull
	}
	return &ComputedOffset{mode: mode}
}

func (s *ComputedOffset) Kind() Kind { return KindComputedOffset }

// Mode returns the transform mode new coordinates are computed with.
func (s *ComputedOffset) Mode() spatial.TransformMode { return s.mode }

// ToLocal converts synchronously. Full mode applies the inverse frame
// transform; translation-only subtracts the frame origin and passes the world
// orientation through.
func (s *ComputedOffset) ToLocal(world spatial.Pose, ref frame.Reference) (Local, error) {
	if ref.Kind != frame.KindFiducial {
		return Local{}, ErrNoReferenceFrame
	}
	world = world.Normalized()
	switch s.mode {
	case spatial.ModeTranslationOnly:
		return Local{
			Mode: s.mode,
			Pose: spatial.Pose{Position: world.Position.Sub(ref.Pose.Position), Orientation: world.Orientation},
		}, nil
	default:
		return Local{Mode: spatial.ModeFull, Pose: ref.Transform().Inverse().ApplyPose(world)}, nil
	}
}

// PlaceToLocal wraps ToLocal; the future is always already complete.
func (s *ComputedOffset) PlaceToLocal(world spatial.Pose, ref frame.Reference) *async.Future[Local] {
	local, err := s.ToLocal(world, ref)
	if err != nil {
		return async.Failed[Local](err)
	}
	return async.Resolved(local)
}

// LocalToWorld applies the current frame. The coordinate's own mode wins so
// that records saved under another mode still resolve the way they were
// computed.
func (s *ComputedOffset) LocalToWorld(local Local, ref frame.Reference) (spatial.Pose, error) {
	if ref.Kind != frame.KindFiducial {
		return spatial.Pose{}, ErrUnresolvable
	}
	if local.IsAnchor() {
		return spatial.Pose{}, fmt.Errorf("%w: anchor-backed coordinate under computed offset", ErrUnresolvable)
	}
	mode := local.Mode
	if mode == "" {
		mode = s.mode
	}
	switch mode {
	case spatial.ModeTranslationOnly:
		return spatial.Pose{Position: local.Pose.Position.Add(ref.Pose.Position), Orientation: local.Pose.Orientation}.Normalized(), nil
	default:
		return ref.Transform().ApplyPose(local.Pose), nil
	}
}

// Release is a no-op; computed coordinates hold no platform resources.
func (s *ComputedOffset) Release(context.Context, Local) error { return nil }
