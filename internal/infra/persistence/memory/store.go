// Package memory implements the persistence contracts in process memory.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"signalpoint/internal/persistence/core"
)

// Store is both a core.RecordStore and a core.StringStore. Payloads are
// copied in and out so callers never share backing arrays.
type Store struct {
	mu      sync.RWMutex
	buckets map[string][]byte
	items   map[string]string
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{buckets: make(map[string][]byte), items: make(map[string]string)}
}

func (s *Store) Driver() core.Driver { return core.DriverMemory }

func (s *Store) Put(_ context.Context, bucket string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets[bucket] = append([]byte(nil), payload...)
	return nil
}

func (s *Store) Get(_ context.Context, bucket string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buckets[bucket]
	if !ok {
		return nil, fmt.Errorf("bucket %s: %w", bucket, core.ErrNotFound)
	}
	return append([]byte(nil), b...), nil
}

func (s *Store) Delete(_ context.Context, bucket string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[bucket]
	delete(s.buckets, bucket)
	return ok, nil
}

func (s *Store) Close() error { return nil }

func (s *Store) SetItem(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = value
	return nil
}

func (s *Store) GetItem(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok, nil
}

func (s *Store) RemoveItem(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

// Keys returns the stored item keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.items))
	for k := range s.items {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Buckets returns the stored bucket names.
func (s *Store) Buckets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.buckets))
	for k := range s.buckets {
		out = append(out, k)
	}
	return out
}
