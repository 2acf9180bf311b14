package persistence

import (
	"errors"
	"fmt"

	"signalpoint/internal/persistence/core"
)

var (
	// ErrStorage marks every StorageError.
	ErrStorage = errors.New("persistence: storage failure")
	// ErrNotFound is returned by Load when no record exists.
	ErrNotFound = core.ErrNotFound
)

// StorageError reports a failed save, load or clear. Partial is set when the
// markers document was written but its attachment was not.
type StorageError struct {
	Op      string
	Stage   string
	Partial bool
	Err     error
}

func (e *StorageError) Error() string {
	msg := fmt.Sprintf("persistence: %s %s", e.Op, e.Stage)
	if e.Partial {
		msg += " (partial write)"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StorageError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrStorage}
	}
	return []error{ErrStorage, e.Err}
}

func storageErr(op, stage string, partial bool, err error) error {
	return &StorageError{Op: op, Stage: stage, Partial: partial, Err: err}
}
