// Package simulated is an in-process world-tracking platform. A Device keeps
// a physical fiducial and the persistent anchor store across sessions; each
// Session sees the physical world through its own origin, the way a real
// tracking stack re-origins on restart.
package simulated

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"signalpoint/internal/platform"
	"signalpoint/internal/spatial"
)

var (
	// ErrUnknownHandle is returned for handles the device never issued or
	// already forgot.
	ErrUnknownHandle = errors.New("simulated: unknown persistent handle")
	// ErrUnknownAnchor is returned when deleting an anchor twice.
	ErrUnknownAnchor = errors.New("simulated: unknown anchor")
	// ErrSessionEnded is returned by anchor calls after End.
	ErrSessionEnded = errors.New("simulated: session ended")
)

// Faults injects failures. Anchor faults are keyed by creation sequence
// number (1-based, per device); handle faults by handle.
type Faults struct {
	Create  error
	Persist map[int]error
	Delete  map[int]error
	Restore map[string]error
	Forget  map[string]error
}

// Device is the hardware plus its durable anchor storage.
type Device struct {
	mu       sync.Mutex
	caps     platform.Capabilities
	fiducial *spatial.Pose
	target   string
	handles  map[string]spatial.Pose
	faults   Faults
	newID    func() string
	seq      int
	gate     chan struct{}
}

// Option configures a Device.
type Option func(*Device)

// WithCapabilities overrides the default full capability set.
func WithCapabilities(caps platform.Capabilities) Option {
	return func(d *Device) { d.caps = caps }
}

// WithFiducial places the reference image at a physical pose.
func WithFiducial(pose spatial.Pose, target string) Option {
	return func(d *Device) {
		p := pose.Normalized()
		d.fiducial = &p
		d.target = target
	}
}

// WithIDGenerator overrides persistent handle generation.
func WithIDGenerator(fn func() string) Option {
	return func(d *Device) {
		if fn != nil {
			d.newID = fn
		}
	}
}

// NewDevice returns a device with image tracking and persistent anchors.
func NewDevice(opts ...Option) *Device {
	d := &Device{
		caps:    platform.Capabilities{ImageTracking: true, Anchors: true, PersistentAnchors: true},
		handles: make(map[string]spatial.Pose),
		newID:   uuid.NewString,
		target:  "reference",
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetFaults replaces the injected failures.
func (d *Device) SetFaults(f Faults) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults = f
}

// HoldRestores makes Restore block until the returned release func runs.
func (d *Device) HoldRestores() (release func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	gate := make(chan struct{})
	d.gate = gate
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			if d.gate == gate {
				d.gate = nil
			}
			d.mu.Unlock()
			close(gate)
		})
	}
}

// Handles returns the persistent handles currently stored, sorted.
func (d *Device) Handles() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.handles))
	for h := range d.handles {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// MoveFiducial relocates the physical reference image.
func (d *Device) MoveFiducial(pose spatial.Pose) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := pose.Normalized()
	d.fiducial = &p
}

// StartSession begins a session whose space is placed at origin in physical
// space.
func (d *Device) StartSession(origin spatial.Pose) *Session {
	toPhysical := spatial.FromPose(origin.Normalized())
	return &Session{
		device:     d,
		toPhysical: toPhysical,
		toSession:  toPhysical.Inverse(),
		anchors:    make(map[string]*Anchor),
		done:       make(chan struct{}),
	}
}

func (d *Device) nextSeq() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	return d.seq
}

func (d *Device) fault(pick func(Faults) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return pick(d.faults)
}
