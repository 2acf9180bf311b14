package anchor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/go-gl/mathgl/mgl64"

	"signalpoint/internal/async"
	"signalpoint/internal/frame"
	"signalpoint/internal/platform"
	"signalpoint/internal/spatial"
)

func yaw(deg float64) mgl64.Quat {
	return mgl64.QuatRotate(mgl64.DegToRad(deg), mgl64.Vec3{0, 1, 0})
}

func fiducial(pose spatial.Pose) frame.Reference {
	return frame.Reference{Kind: frame.KindFiducial, Pose: pose, OrientationKnown: true}
}

func TestComputedOffsetRoundTrip(t *testing.T) {
	s := NewComputedOffset(spatial.ModeFull)
	ref := fiducial(spatial.NewPose(mgl64.Vec3{2, 0.5, -3}, yaw(37)))
	world := spatial.NewPose(mgl64.Vec3{-1, 1.2, 4}, yaw(-80))

	local, err := s.PlaceToLocal(world, ref).Result()
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if local.Mode != spatial.ModeFull {
		t.Fatalf("expected full mode on local, got %q", local.Mode)
	}
	got, err := s.LocalToWorld(local, ref)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !got.ApproxEqual(world, 1e-9) {
		t.Fatalf("round trip mismatch: %s vs %s", got, world)
	}
}

func TestComputedOffsetFollowsRotatedFiducial(t *testing.T) {
	full := NewComputedOffset(spatial.ModeFull)
	legacy := NewComputedOffset(spatial.ModeTranslationOnly)
	placedRef := fiducial(spatial.Identity())
	world := spatial.At(1, 0, 0)

	fullLocal, _ := full.ToLocal(world, placedRef)
	legacyLocal, _ := legacy.ToLocal(world, placedRef)

	// The fiducial is re-detected rotated 90° in place; the marker is
	// physically attached to it and must follow.
	rotated := fiducial(spatial.NewPose(mgl64.Vec3{}, yaw(90)))
	want := rotated.Transform().Apply(mgl64.Vec3{1, 0, 0})

	got, err := full.LocalToWorld(fullLocal, rotated)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !got.Position.ApproxEqualThreshold(want, 1e-9) {
		t.Fatalf("full transform should follow rotation: got %v want %v", got.Position, want)
	}

	legacyGot, err := legacy.LocalToWorld(legacyLocal, rotated)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// The unit offset stays at (1,0,0) while the true point swings to
	// (0,0,-1): the error is the chord of a 90° turn, sqrt(2), not the
	// offset length of 1.
	drift := legacyGot.Position.Sub(want).Len()
	if math.Abs(drift-math.Sqrt2) > 1e-9 {
		t.Fatalf("translation-only drift should be sqrt(2), got %v", drift)
	}
}

func TestComputedOffsetRequiresFiducial(t *testing.T) {
	s := NewComputedOffset("")
	if s.Mode() != spatial.ModeFull {
		t.Fatalf("empty mode should default to full")
	}
	_, err := s.PlaceToLocal(spatial.Identity(), frame.Reference{Kind: frame.KindNone}).Result()
	if !errors.Is(err, ErrNoReferenceFrame) {
		t.Fatalf("expected ErrNoReferenceFrame, got %v", err)
	}
	if _, err := s.LocalToWorld(Local{}, frame.Reference{Kind: frame.KindNone}); !errors.Is(err, ErrUnresolvable) {
		t.Fatalf("expected ErrUnresolvable, got %v", err)
	}
}

func TestLocalModeWinsOverStrategyMode(t *testing.T) {
	legacy := NewComputedOffset(spatial.ModeTranslationOnly)
	ref := fiducial(spatial.NewPose(mgl64.Vec3{0, 0, 0}, yaw(90)))
	local := Local{Mode: spatial.ModeFull, Pose: spatial.At(1, 0, 0)}
	got, err := legacy.LocalToWorld(local, ref)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !got.Position.ApproxEqualThreshold(mgl64.Vec3{0, 0, -1}, 1e-9) {
		t.Fatalf("expected full-mode resolution, got %v", got.Position)
	}
}

type fakeAnchor struct {
	id      string
	handle  string
	failErr error
	mu      sync.Mutex
	deleted bool
}

func (a *fakeAnchor) ID() string { return a.id }

func (a *fakeAnchor) RequestPersistentHandle(context.Context) (string, error) {
	if a.failErr != nil {
		return "", a.failErr
	}
	return a.handle, nil
}

func (a *fakeAnchor) Delete(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deleted = true
	return nil
}

type fakeService struct {
	anchors   map[string]*fakeAnchor
	forgotten []string
	mu        sync.Mutex
}

func (s *fakeService) Restore(_ context.Context, handle string) (platform.Anchor, error) {
	a, ok := s.anchors[handle]
	if !ok {
		return nil, fmt.Errorf("unknown handle %s", handle)
	}
	return a, nil
}

func (s *fakeService) DeletePersistentHandle(_ context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forgotten = append(s.forgotten, handle)
	return nil
}

type fakeSpace struct {
	poses map[string]spatial.Pose
	next  *fakeAnchor
}

func (s fakeSpace) PoseOf(a platform.Anchor) (spatial.Pose, bool) {
	p, ok := s.poses[a.ID()]
	return p, ok
}

func (s fakeSpace) CreateAnchor(spatial.Pose) *async.Future[platform.Anchor] {
	if s.next == nil {
		return async.Failed[platform.Anchor](platform.ErrUnsupported)
	}
	return async.Resolved[platform.Anchor](s.next)
}

func TestPlatformPlaceAndResolve(t *testing.T) {
	a := &fakeAnchor{id: "a1"}
	space := fakeSpace{poses: map[string]spatial.Pose{"a1": spatial.At(3, 0, 1)}, next: a}
	ref := frame.Reference{Kind: frame.KindPlatformAnchor, Space: space}
	s := NewPlatform(&fakeService{}, 0, nil)

	local, err := s.PlaceToLocal(spatial.At(3, 0, 1), ref).Wait(context.Background())
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if local.Anchor != a {
		t.Fatalf("expected created anchor as coordinate")
	}
	got, err := s.LocalToWorld(local, ref)
	if err != nil || !got.ApproxEqual(spatial.At(3, 0, 1), 1e-12) {
		t.Fatalf("resolve: %v %s", err, got)
	}
	if _, err := s.LocalToWorld(local, frame.Reference{Kind: frame.KindPlatformAnchor}); !errors.Is(err, ErrUnresolvable) {
		t.Fatalf("stale space must be unresolvable, got %v", err)
	}
	if err := s.Release(context.Background(), local); err != nil || !a.deleted {
		t.Fatalf("release should delete anchor: %v", err)
	}
}

func TestPlatformPlaceWithoutSpace(t *testing.T) {
	s := NewPlatform(&fakeService{}, 0, nil)
	_, err := s.PlaceToLocal(spatial.Identity(), frame.Reference{Kind: frame.KindNone}).Result()
	if !errors.Is(err, ErrNoReferenceFrame) {
		t.Fatalf("expected ErrNoReferenceFrame, got %v", err)
	}
}

func TestPersistAllReportsPartialFailure(t *testing.T) {
	s := NewPlatform(&fakeService{}, 2, nil)
	boom := errors.New("quota exceeded")
	locals := []Local{
		{Anchor: &fakeAnchor{id: "a", handle: "h-a"}},
		{Anchor: &fakeAnchor{id: "b", failErr: boom}},
		{Anchor: &fakeAnchor{id: "c", handle: "h-c"}},
	}
	done, err := s.PersistAll(context.Background(), locals)
	if len(done) != 2 || done[0].Handle != "h-a" || done[1].Handle != "h-c" {
		t.Fatalf("expected two successes in order, got %+v", done)
	}
	if !errors.Is(err, ErrPartialBatch) || !errors.Is(err, boom) {
		t.Fatalf("expected partial batch wrapping cause, got %v", err)
	}
	var be *BatchError
	if !errors.As(err, &be) || be.Succeeded != 2 || be.Attempted != 3 || be.Failures[0].AnchorID != "b" {
		t.Fatalf("unexpected batch error %+v", be)
	}
}

func TestPersistAllEmptyAndRestore(t *testing.T) {
	svc := &fakeService{anchors: map[string]*fakeAnchor{"h1": {id: "r1"}}}
	s := NewPlatform(svc, 0, nil)
	if done, err := s.PersistAll(context.Background(), nil); err != nil || len(done) != 0 {
		t.Fatalf("empty batch should succeed: %v", err)
	}
	restored, err := s.RestoreAll(context.Background(), []string{"h1", "missing"})
	if len(restored) != 1 || restored[0].Local.Handle != "h1" || restored[0].Local.Anchor.ID() != "r1" {
		t.Fatalf("unexpected restored set %+v", restored)
	}
	if !errors.Is(err, ErrPartialBatch) {
		t.Fatalf("expected partial batch, got %v", err)
	}
	n, err := s.ForgetAll(context.Background(), []string{"h1", "h2"})
	if err != nil || n != 2 || len(svc.forgotten) != 2 {
		t.Fatalf("forget: %d %v %v", n, err, svc.forgotten)
	}
}

func TestNegotiate(t *testing.T) {
	svc := &fakeService{}
	full := platform.Capabilities{ImageTracking: true, Anchors: true, PersistentAnchors: true}

	n, err := Negotiate(full, svc, Requirements{HasReferenceImage: true})
	if err != nil || n.Kind != KindComputedOffset || n.Strategy() == nil {
		t.Fatalf("auto with image should pick computed offset: %+v %v", n, err)
	}
	n, err = Negotiate(full, svc, Requirements{})
	if err != nil || n.Kind != KindPlatformAnchor {
		t.Fatalf("auto without image should fall back to anchors: %+v %v", n, err)
	}
	n, err = Negotiate(platform.Capabilities{Anchors: true}, svc, Requirements{Preference: PreferPlatformAnchor})
	if !errors.Is(err, ErrUnsupportedCapability) || n.Kind != KindUnsupported || n.Strategy() != nil {
		t.Fatalf("non-persistent anchors must be unsupported: %+v %v", n, err)
	}
	_, err = Negotiate(platform.Capabilities{}, nil, Requirements{Preference: PreferComputedOffset, HasReferenceImage: true})
	if !errors.Is(err, ErrUnsupportedCapability) {
		t.Fatalf("missing image tracking must be unsupported, got %v", err)
	}
}

func TestParsePreference(t *testing.T) {
	for in, want := range map[string]Preference{"": PreferAuto, "Image": PreferComputedOffset, "anchors": PreferPlatformAnchor} {
		got, err := ParsePreference(in)
		if err != nil || got != want {
			t.Fatalf("ParsePreference(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParsePreference("magic"); err == nil {
		t.Fatalf("expected error for unknown strategy")
	}
}

func TestPlacementQueueSingleSlot(t *testing.T) {
	var q PlacementQueue
	if err := q.Offer(Request{Label: "#1"}); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if err := q.Offer(Request{Label: "#2"}); !errors.Is(err, ErrPlacementPending) {
		t.Fatalf("second offer should be rejected, got %v", err)
	}
	fut, complete := async.NewPromise[Local]()
	if !q.Drain(func(Request) *async.Future[Local] { return fut }) {
		t.Fatalf("expected drain to start request")
	}
	if q.Drain(func(Request) *async.Future[Local] { t.Fatalf("nothing queued"); return nil }) {
		t.Fatalf("drain should be empty")
	}
	if _, ok := q.Poll(); ok {
		t.Fatalf("poll should wait for completion")
	}
	if err := q.Offer(Request{Label: "#3"}); !errors.Is(err, ErrPlacementPending) {
		t.Fatalf("in-flight placement should block offers, got %v", err)
	}
	complete(Local{Handle: "x"}, nil)
	done, ok := q.Poll()
	if !ok || done.Request.Label != "#1" || done.Local.Handle != "x" {
		t.Fatalf("unexpected completion %+v %v", done, ok)
	}
	if q.Pending() {
		t.Fatalf("queue should be empty after poll")
	}
}
