package simulated

import (
	"context"
	"fmt"

	"signalpoint/internal/platform"
	"signalpoint/internal/spatial"
)

// Anchor is a simulated platform anchor fixed in physical space.
type Anchor struct {
	id       string
	seq      int
	session  *Session
	physical spatial.Pose
	handle   string
}

var _ platform.Anchor = (*Anchor)(nil)

func (a *Anchor) ID() string { return a.id }

// Seq is the device-wide creation order, used to key Faults.
func (a *Anchor) Seq() int { return a.seq }

// RequestPersistentHandle stores the physical pose under a new handle. A
// restored anchor returns the handle it came from.
func (a *Anchor) RequestPersistentHandle(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	d := a.session.device
	if !d.caps.PersistentAnchors {
		return "", platform.ErrUnsupported
	}
	if err := d.fault(func(f Faults) error { return f.Persist[a.seq] }); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if a.handle != "" {
		if _, ok := d.handles[a.handle]; ok {
			return a.handle, nil
		}
	}
	a.handle = d.newID()
	d.handles[a.handle] = a.physical
	return a.handle, nil
}

func (a *Anchor) Delete(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.session.device.fault(func(f Faults) error { return f.Delete[a.seq] }); err != nil {
		return err
	}
	s := a.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.anchors[a.id] != a {
		return fmt.Errorf("%w: %s", ErrUnknownAnchor, a.id)
	}
	delete(s.anchors, a.id)
	return nil
}

type anchorService struct {
	s *Session
}

func (svc anchorService) Restore(ctx context.Context, handle string) (platform.Anchor, error) {
	d := svc.s.device
	d.mu.Lock()
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := d.fault(func(f Faults) error { return f.Restore[handle] }); err != nil {
		return nil, err
	}
	d.mu.Lock()
	physical, ok := d.handles[handle]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}
	return svc.s.newAnchor(physical, handle), nil
}

func (svc anchorService) DeletePersistentHandle(ctx context.Context, handle string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d := svc.s.device
	if err := d.fault(func(f Faults) error { return f.Forget[handle] }); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handles[handle]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}
	delete(d.handles, handle)
	return nil
}
