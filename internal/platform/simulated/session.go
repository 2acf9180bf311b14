package simulated

import (
	"context"
	"fmt"
	"sync"

	"signalpoint/internal/async"
	"signalpoint/internal/platform"
	"signalpoint/internal/spatial"
)

// Session implements platform.Session and platform.ImageTracker.
type Session struct {
	device     *Device
	toPhysical spatial.Transform
	toSession  spatial.Transform

	mu      sync.Mutex
	anchors map[string]*Anchor
	pending []pendingAnchor
	image   []byte
	imageW  float64
	ended   bool
	done    chan struct{}
	frames  int
}

type pendingAnchor struct {
	physical spatial.Pose
	resolve  func(platform.Anchor, error)
}

var (
	_ platform.Session      = (*Session)(nil)
	_ platform.ImageTracker = (*Session)(nil)
)

func (s *Session) Capabilities() platform.Capabilities { return s.device.caps }

// Anchors returns nil without anchor support.
func (s *Session) Anchors() platform.AnchorService {
	if !s.device.caps.Anchors {
		return nil
	}
	return anchorService{s: s}
}

func (s *Session) Done() <-chan struct{} { return s.done }

// TrackImage registers the reference image. Fiducial observations are only
// produced once an image is registered.
func (s *Session) TrackImage(_ context.Context, data []byte, widthMeters float64) error {
	if !s.device.caps.ImageTracking {
		return platform.ErrUnsupported
	}
	if len(data) == 0 {
		return fmt.Errorf("simulated: empty reference image")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.image = append([]byte(nil), data...)
	s.imageW = widthMeters
	return nil
}

// TrackedImage reports the registered image size and printed width.
func (s *Session) TrackedImage() (int, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.image), s.imageW
}

// End closes Done. Anchor creations still pending complete now, as late
// results.
func (s *Session) End() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	s.settle(pending)
	close(s.done)
}

// LiveAnchors returns the number of anchors not yet deleted.
func (s *Session) LiveAnchors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.anchors)
}

// FrameInput describes one frame. Viewer is a physical pose.
type FrameInput struct {
	Viewer     spatial.Pose
	ViewerLost bool
	Fiducial   platform.TrackingState
}

// NextFrame completes anchor creations requested on earlier frames and
// returns the new frame. Close it once the callback returns.
func (s *Session) NextFrame(in FrameInput) *Frame {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.frames++
	s.mu.Unlock()
	s.settle(pending)
	return &Frame{
		session: s,
		viewer:  s.toSession.ApplyPose(in.Viewer.Normalized()),
		tracked: !in.ViewerLost,
		state:   in.Fiducial,
		active:  true,
	}
}

func (s *Session) settle(pending []pendingAnchor) {
	for _, p := range pending {
		if err := s.device.fault(func(f Faults) error { return f.Create }); err != nil {
			p.resolve(nil, err)
			continue
		}
		p.resolve(s.newAnchor(p.physical, ""), nil)
	}
}

func (s *Session) newAnchor(physical spatial.Pose, handle string) *Anchor {
	seq := s.device.nextSeq()
	a := &Anchor{id: fmt.Sprintf("anchor-%d", seq), seq: seq, session: s, physical: physical, handle: handle}
	s.mu.Lock()
	s.anchors[a.id] = a
	s.mu.Unlock()
	return a
}

func (s *Session) owns(a *Anchor) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.anchors[a.id] == a
}

// Frame implements platform.Frame.
type Frame struct {
	session *Session
	viewer  spatial.Pose
	tracked bool
	state   platform.TrackingState

	mu     sync.Mutex
	active bool
}

var _ platform.Frame = (*Frame)(nil)

func (f *Frame) ViewerPose() (spatial.Pose, bool) { return f.viewer, f.tracked }

func (f *Frame) FiducialObservations() ([]platform.FiducialObservation, error) {
	d := f.session.device
	if !d.caps.ImageTracking {
		return nil, platform.ErrUnsupported
	}
	size, _ := f.session.TrackedImage()
	d.mu.Lock()
	fiducial, target := d.fiducial, d.target
	d.mu.Unlock()
	if size == 0 || fiducial == nil || f.state == "" || f.state == platform.TrackingNone {
		return nil, nil
	}
	return []platform.FiducialObservation{{
		Target: target,
		State:  f.state,
		Pose:   f.session.toSession.ApplyPose(*fiducial),
	}}, nil
}

func (f *Frame) PoseOf(a platform.Anchor) (spatial.Pose, bool) {
	sa, ok := a.(*Anchor)
	if !ok || !f.session.owns(sa) {
		return spatial.Pose{}, false
	}
	return f.session.toSession.ApplyPose(sa.physical), true
}

// CreateAnchor queues creation; the future completes on the next frame.
func (f *Frame) CreateAnchor(pose spatial.Pose) *async.Future[platform.Anchor] {
	f.mu.Lock()
	active := f.active
	f.mu.Unlock()
	if !active {
		return async.Failed[platform.Anchor](platform.ErrOutsideFrame)
	}
	if !f.session.device.caps.Anchors {
		return async.Failed[platform.Anchor](platform.ErrUnsupported)
	}
	fut, resolve := async.NewPromise[platform.Anchor]()
	s := f.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return async.Failed[platform.Anchor](ErrSessionEnded)
	}
	s.pending = append(s.pending, pendingAnchor{physical: s.toPhysical.ApplyPose(pose.Normalized()), resolve: resolve})
	return fut
}

// Close ends the frame callback window.
func (f *Frame) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = false
}
