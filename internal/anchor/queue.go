package anchor

import (
	"sync"
	"time"

	"signalpoint/internal/async"
	"signalpoint/internal/spatial"
)

// Request is a deferred placement.
type Request struct {
	Label       string
	World       spatial.Pose
	RequestedAt time.Time
}

// Completed is a placement whose local coordinate has been resolved.
type Completed struct {
	Request Request
	Local   Local
	Err     error
}

// PlacementQueue holds at most one placement. Platform anchors can only be
// created inside a frame callback, so a request is queued by the user action,
// started by Drain on the next frame and collected by Poll once the platform
// answers. A second request while one is queued or in flight is rejected.
type PlacementQueue struct {
	mu       sync.Mutex
	queued   *Request
	inflight *Request
	future   *async.Future[Local]
}

// Offer queues req or returns ErrPlacementPending.
func (q *PlacementQueue) Offer(req Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.queued != nil || q.inflight != nil {
		return ErrPlacementPending
	}
	q.queued = &req
	return nil
}

// Pending reports whether a placement is queued or in flight.
func (q *PlacementQueue) Pending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queued != nil || q.inflight != nil
}

// Drain starts the queued request, if any, through start. It reports whether
// a request was started.
func (q *PlacementQueue) Drain(start func(Request) *async.Future[Local]) bool {
	q.mu.Lock()
	req := q.queued
	q.queued = nil
	q.mu.Unlock()
	if req == nil {
		return false
	}
	fut := start(*req)
	q.mu.Lock()
	q.inflight = req
	q.future = fut
	q.mu.Unlock()
	return true
}

// Poll returns the in-flight placement once it completes. It never blocks.
func (q *PlacementQueue) Poll() (Completed, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inflight == nil || q.future == nil || !q.future.Ready() {
		return Completed{}, false
	}
	local, err := q.future.Result()
	done := Completed{Request: *q.inflight, Local: local, Err: err}
	q.inflight = nil
	q.future = nil
	return done, true
}

// Reset drops queued and in-flight requests. An in-flight anchor that still
// completes is returned so the caller can release it.
func (q *PlacementQueue) Reset() *async.Future[Local] {
	q.mu.Lock()
	defer q.mu.Unlock()
	fut := q.future
	q.queued = nil
	q.inflight = nil
	q.future = nil
	return fut
}
