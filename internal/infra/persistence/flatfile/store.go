// Package flatfile implements core.StringStore as a single JSON object file.
// Every mutation rewrites the file before returning.
package flatfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"signalpoint/internal/persistence/core"
)

const defaultPath = "signalpoint.json"

var jsonMarshal = json.MarshalIndent

// Store keeps string items in memory and mirrors them to path.
type Store struct {
	mu    sync.RWMutex
	path  string
	items map[string]string
}

// NewStore opens path, loading any existing items. A missing file is an
// empty store; the file is created on the first write.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = defaultPath
	}
	s := &Store{path: path, items: make(map[string]string)}
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s.items); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if s.items == nil {
		s.items = make(map[string]string)
	}
	return s, nil
}

func (s *Store) Driver() core.Driver { return core.DriverFlatFile }

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

func (s *Store) SetItem(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := maps.Clone(s.items)
	next[key] = value
	if err := s.flush(next); err != nil {
		return err
	}
	s.items = next
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
	if _, ok := s.items[key]; !ok {
		return nil
	}
	next := maps.Clone(s.items)
	delete(next, key)
	if err := s.flush(next); err != nil {
		return err
	}
	s.items = next
	return nil
}

// Keys returns the stored keys in sorted order.
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

// flush writes items to a temp file and renames it over the target.
func (s *Store) flush(items map[string]string) error {
	data, err := jsonMarshal(items, "", "  ")
	if err != nil {
		return fmt.Errorf("encode items: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", s.path, err)
	}
	return nil
}
