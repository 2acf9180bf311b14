package anchor

import (
	"context"
	"fmt"

	"signalpoint/internal/async"
	"signalpoint/internal/frame"
	"signalpoint/internal/logging"
	"signalpoint/internal/platform"
	"signalpoint/internal/spatial"
)

// Platform delegates placement to platform anchors. The anchor itself is the
// local coordinate; its pose is looked up again on every frame.
type Platform struct {
	svc    platform.AnchorService
	limit  int
	logger logging.Logger
}

// NewPlatform returns the platform-anchor strategy. limit bounds concurrent
// handle requests in batch operations; <= 0 is unbounded.
func NewPlatform(svc platform.AnchorService, limit int, logger logging.Logger) *Platform {
	return &Platform{svc: svc, limit: limit, logger: logging.OrNop(logger)}
}

func (s *Platform) Kind() Kind { return KindPlatformAnchor }

// PlaceToLocal requests an anchor at world. It must be called while the frame
// that produced ref is active; the future usually completes on a later frame.
func (s *Platform) PlaceToLocal(world spatial.Pose, ref frame.Reference) *async.Future[Local] {
	if ref.Kind != frame.KindPlatformAnchor || ref.Space == nil {
		return async.Failed[Local](ErrNoReferenceFrame)
	}
	world = world.Normalized()
	return async.Then(ref.Space.CreateAnchor(world), func(a platform.Anchor) (Local, error) {
		if a == nil {
			return Local{}, fmt.Errorf("%w: platform returned no anchor", ErrUnresolvable)
		}
		return Local{Anchor: a, Pose: world}, nil
	})
}

// LocalToWorld looks the anchor up in the current frame.
func (s *Platform) LocalToWorld(local Local, ref frame.Reference) (spatial.Pose, error) {
	if ref.Space == nil || !local.IsAnchor() {
		return spatial.Pose{}, ErrUnresolvable
	}
	pose, ok := ref.Space.PoseOf(local.Anchor)
	if !ok {
		return spatial.Pose{}, ErrUnresolvable
	}
	return pose.Normalized(), nil
}

// Release deletes the anchor from the session. The persistent handle, if
// any, is left alone; see ForgetAll.
func (s *Platform) Release(ctx context.Context, local Local) error {
	if !local.IsAnchor() {
		return nil
	}
	return local.Anchor.Delete(ctx)
}

// Persisted is one successful handle request.
type Persisted struct {
	Index    int
	AnchorID string
	Handle   string
}

// PersistAll requests persistent handles for every anchor-backed coordinate
// concurrently. Each request is independent: the successes are always
// returned, and a *BatchError describes the rest.
func (s *Platform) PersistAll(ctx context.Context, locals []Local) ([]Persisted, error) {
	outcomes := async.Settle(ctx, locals, s.limit, func(ctx context.Context, l Local) (string, error) {
		if !l.IsAnchor() {
			return "", ErrUnresolvable
		}
		handle, err := l.Anchor.RequestPersistentHandle(ctx)
		if err != nil {
			return "", err
		}
		if handle == "" {
			return "", fmt.Errorf("empty persistent handle for anchor %s", l.Anchor.ID())
		}
		return handle, nil
	})

	done := make([]Persisted, 0, len(outcomes))
	var failures []BatchFailure
	for _, o := range outcomes {
		id := ""
		if locals[o.Index].IsAnchor() {
			id = locals[o.Index].Anchor.ID()
		}
		if o.Err != nil {
			s.logger.Warn("persistent handle request failed", "index", o.Index, "anchor", id, "error", o.Err)
			failures = append(failures, BatchFailure{Index: o.Index, AnchorID: id, Err: o.Err})
			continue
		}
		done = append(done, Persisted{Index: o.Index, AnchorID: id, Handle: o.Value})
	}
	return done, batchError("persist anchors", len(locals), failures)
}

// Restored is one anchor recovered from a persistent handle.
type Restored struct {
	Index  int
	Handle string
	Local  Local
}

// RestoreAll restores every handle concurrently. Handles that fail to
// restore are reported through a *BatchError; the rest are returned.
func (s *Platform) RestoreAll(ctx context.Context, handles []string) ([]Restored, error) {
	if s.svc == nil {
		return nil, fmt.Errorf("%w: no anchor service", ErrUnsupportedCapability)
	}
	outcomes := async.Settle(ctx, handles, s.limit, func(ctx context.Context, h string) (platform.Anchor, error) {
		return s.svc.Restore(ctx, h)
	})

	done := make([]Restored, 0, len(outcomes))
	var failures []BatchFailure
	for _, o := range outcomes {
		h := handles[o.Index]
		if o.Err == nil && o.Value == nil {
			o.Err = ErrUnresolvable
		}
		if o.Err != nil {
			s.logger.Warn("anchor restore failed", "index", o.Index, "handle", h, "error", o.Err)
			failures = append(failures, BatchFailure{Index: o.Index, Handle: h, Err: o.Err})
			continue
		}
		done = append(done, Restored{Index: o.Index, Handle: h, Local: Local{Anchor: o.Value, Handle: h}})
	}
	return done, batchError("restore anchors", len(handles), failures)
}

// ForgetAll deletes persistent handles so they can no longer be restored.
// It returns the number of handles removed.
func (s *Platform) ForgetAll(ctx context.Context, handles []string) (int, error) {
	if s.svc == nil {
		return 0, fmt.Errorf("%w: no anchor service", ErrUnsupportedCapability)
	}
	outcomes := async.Settle(ctx, handles, s.limit, func(ctx context.Context, h string) (struct{}, error) {
		return struct{}{}, s.svc.DeletePersistentHandle(ctx, h)
	})
	var failures []BatchFailure
	for _, o := range outcomes {
		if o.Err != nil {
			failures = append(failures, BatchFailure{Index: o.Index, Handle: handles[o.Index], Err: o.Err})
		}
	}
	return len(handles) - len(failures), batchError("forget anchors", len(handles), failures)
}

// DeleteAll deletes every anchor-backed coordinate concurrently. It returns
// the number of anchors deleted.
func (s *Platform) DeleteAll(ctx context.Context, locals []Local) (int, error) {
	outcomes := async.Settle(ctx, locals, s.limit, func(ctx context.Context, l Local) (struct{}, error) {
		return struct{}{}, s.Release(ctx, l)
	})
	var failures []BatchFailure
	for _, o := range outcomes {
		if o.Err != nil {
			id := ""
			if locals[o.Index].IsAnchor() {
				id = locals[o.Index].Anchor.ID()
			}
			failures = append(failures, BatchFailure{Index: o.Index, AnchorID: id, Err: o.Err})
		}
	}
	return len(locals) - len(failures), batchError("delete anchors", len(locals), failures)
}
