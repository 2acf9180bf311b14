package anchor

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoReferenceFrame is returned when a placement is attempted before any
	// fiducial or anchor space was acquired. The user must wait or re-aim.
	ErrNoReferenceFrame = errors.New("anchor: no reference frame available")
	// ErrUnresolvable is returned when a local coordinate's backing frame or
	// anchor no longer resolves. Callers keep the last known position.
	ErrUnresolvable = errors.New("anchor: coordinate does not resolve")
	// ErrUnsupportedCapability means the platform lacks a required tracking or
	// anchor feature. It is fatal for the session and never retried.
	ErrUnsupportedCapability = errors.New("anchor: unsupported capability")
	// ErrPartialBatch marks a batch where some anchors failed.
	ErrPartialBatch = errors.New("anchor: partial batch failure")
	// ErrPlacementPending rejects a placement while another one is queued or
	// in flight.
	ErrPlacementPending = errors.New("anchor: placement already pending")
)

// BatchFailure is one failed item of a batch operation.
type BatchFailure struct {
	Index    int    `json:"index"`
	AnchorID string `json:"anchor_id,omitempty"`
	Handle   string `json:"handle,omitempty"`
	Err      error  `json:"-"`
}

func (f BatchFailure) Error() string {
	who := f.AnchorID
	if who == "" {
		who = f.Handle
	}
	return fmt.Sprintf("#%d %s: %v", f.Index, who, f.Err)
}

// BatchError reports a multi-anchor operation where a subset failed. The
// succeeded items were still applied.
type BatchError struct {
	Op        string
	Attempted int
	Succeeded int
	Failures  []BatchFailure
}

func (e *BatchError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Error())
	}
	return fmt.Sprintf("%s: %d of %d succeeded (%s)", e.Op, e.Succeeded, e.Attempted, strings.Join(parts, "; "))
}

// Unwrap exposes ErrPartialBatch plus every underlying failure.
func (e *BatchError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures)+1)
	errs = append(errs, ErrPartialBatch)
	for _, f := range e.Failures {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}
	return errs
}

func batchError(op string, attempted int, failures []BatchFailure) error {
	if len(failures) == 0 {
		return nil
	}
	return &BatchError{Op: op, Attempted: attempted, Succeeded: attempted - len(failures), Failures: failures}
}
