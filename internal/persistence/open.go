package persistence

import (
	"context"
	"fmt"

	"signalpoint/internal/blob"
	"signalpoint/internal/infra/persistence/flatfile"
	"signalpoint/internal/infra/persistence/memory"
	"signalpoint/internal/infra/persistence/postgres"
	"signalpoint/internal/infra/persistence/sqlite"
	"signalpoint/internal/persistence/core"
)

// Options selects the storage backend.
type Options struct {
	Driver      core.Driver
	SQLitePath  string
	PostgresDSN string
	FlatPath    string
	// Blob configures image storage for structured drivers. The memory
	// driver defaults to an in-memory blob store.
	Blob blob.Options
}

// Open builds a gateway for the configured driver. An empty driver means
// sqlite.
func Open(ctx context.Context, opts Options, gopts ...Option) (*Gateway, error) {
	var records core.RecordStore
	switch opts.Driver {
	case core.DriverFlatFile:
		items, err := flatfile.NewStore(opts.FlatPath)
		if err != nil {
			return nil, fmt.Errorf("open flat store: %w", err)
		}
		return NewGateway(NewFlatBackend(items), gopts...), nil
	case core.DriverMemory:
		records = memory.NewStore()
		if opts.Blob.Driver == "" {
			opts.Blob.Driver = blob.DriverMemory
		}
	case "", core.DriverSQLite:
		s, err := sqlite.NewStore(ctx, opts.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		records = s
	case core.DriverPostgres:
		s, err := postgres.NewStore(ctx, opts.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		records = s
	default:
		return nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
	}
	blobs, err := blob.Open(ctx, opts.Blob)
	if err != nil {
		_ = records.Close()
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	return NewGateway(NewStructuredBackend(records, blobs), gopts...), nil
}

// NewMemoryGateway returns a gateway over in-memory stores, for tests and
// simulations.
func NewMemoryGateway(opts ...Option) *Gateway {
	return NewGateway(NewMemoryBackend(), opts...)
}

// NewMemoryBackend returns a structured backend over in-memory stores.
func NewMemoryBackend() *StructuredBackend {
	return NewStructuredBackend(memory.NewStore(), blob.NewMemory())
}

// NewFlatMemoryGateway returns a flat gateway over an in-memory string store.
func NewFlatMemoryGateway(opts ...Option) *Gateway {
	return NewGateway(NewFlatBackend(memory.NewStore()), opts...)
}
