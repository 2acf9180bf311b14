// Package core defines the durable storage contracts behind the persistence
// gateway: a structured bucket store for documents and a flat synchronous
// string store.
package core

import (
	"context"
	"errors"
)

// Driver identifies a storage backend.
type Driver string

const (
	DriverMemory   Driver = "memory"
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
	DriverFlatFile Driver = "flatfile"
)

// ErrNotFound is returned when a bucket or item does not exist.
var ErrNotFound = errors.New("persistence: not found")

// RecordStore keeps one JSON payload per bucket. Put replaces the payload.
type RecordStore interface {
	Put(ctx context.Context, bucket string, payload []byte) error
	// Get returns ErrNotFound for a missing bucket.
	Get(ctx context.Context, bucket string) ([]byte, error)
	// Delete returns false if the bucket did not exist.
	Delete(ctx context.Context, bucket string) (bool, error)
	Close() error
	Driver() Driver
}

// StringStore is a synchronous string key/value store in the style of a
// browser's local storage.
type StringStore interface {
	SetItem(key, value string) error
	// GetItem reports false when the key is absent.
	GetItem(key string) (string, bool, error)
	RemoveItem(key string) error
}
