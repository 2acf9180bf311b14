package marker

import (
	"sort"
	"sync"

	"signalpoint/internal/spatial"
)

// VisualHandle identifies a visual owned by a Renderer.
type VisualHandle uint64

// Renderer displays markers. The renderer owns its visuals; the registry
// only keeps handles and gives them back on clear.
type Renderer interface {
	Add(label string, pose spatial.Pose) VisualHandle
	Move(h VisualHandle, pose spatial.Pose)
	Remove(h VisualHandle)
}

// NopRenderer discards everything.
type NopRenderer struct{}

func (NopRenderer) Add(string, spatial.Pose) VisualHandle { return 0 }
func (NopRenderer) Move(VisualHandle, spatial.Pose)       {}
func (NopRenderer) Remove(VisualHandle)                   {}

// Visual is one entry of a Scene.
type Visual struct {
	Handle VisualHandle
	Label  string
	Pose   spatial.Pose
	Moves  int
}

// Scene is an in-memory Renderer that records what would be on screen.
type Scene struct {
	mu      sync.Mutex
	next    VisualHandle
	visuals map[VisualHandle]*Visual
}

// NewScene returns an empty scene.
func NewScene() *Scene {
	return &Scene{visuals: make(map[VisualHandle]*Visual)}
}

func (s *Scene) Add(label string, pose spatial.Pose) VisualHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.visuals[s.next] = &Visual{Handle: s.next, Label: label, Pose: pose}
	return s.next
}

func (s *Scene) Move(h VisualHandle, pose spatial.Pose) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.visuals[h]; ok {
		v.Pose = pose
		v.Moves++
	}
}

func (s *Scene) Remove(h VisualHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.visuals, h)
}

// Visuals returns the current visuals ordered by handle.
func (s *Scene) Visuals() []Visual {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Visual, 0, len(s.visuals))
	for _, v := range s.visuals {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

// Lookup returns the visual for h.
func (s *Scene) Lookup(h VisualHandle) (Visual, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.visuals[h]
	if !ok {
		return Visual{}, false
	}
	return *v, true
}
