package fs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"signalpoint/internal/blob/core"
)

func newTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store
}

func TestStore_PutGetListDelete(t *testing.T) { //nolint:cyclop
	ctx := context.Background()
	store := newTempStore(t)
	info, err := store.Put(ctx, "reference-images/a.jpg", bytes.NewReader([]byte("hello")), core.PutOptions{ContentType: "image/jpeg", Metadata: map[string]string{"width": "4"}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Key != "reference-images/a.jpg" || info.Size != 5 || info.ETag == "" {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := store.Put(ctx, "reference-images/a.jpg", bytes.NewReader([]byte("x")), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	listed, err := store.List(ctx, "reference-images/")
	if err != nil || len(listed) != 1 {
		t.Fatalf("list: %+v %v", listed, err)
	}
	h := listed[0]
	g, rc, err := store.Get(ctx, "reference-images/a.jpg")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, _ := io.ReadAll(rc)
	if err := rc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if string(b) != "hello" || g.ETag != h.ETag || g.Metadata["width"] != "4" {
		t.Fatalf("unexpected get artifacts %+v", g)
	}
	list, err := store.List(ctx, "reference-images/")
	if err != nil || len(list) != 1 || list[0].Key != "reference-images/a.jpg" {
		t.Fatalf("unexpected list %+v %v", list, err)
	}
	if ok, err := store.Delete(ctx, "reference-images/a.jpg"); err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if ok, err := store.Delete(ctx, "reference-images/a.jpg"); err != nil || ok {
		t.Fatalf("second delete should be false")
	}
	if _, _, err := store.Get(ctx, "reference-images/a.jpg"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSanitizeKeyErrors(t *testing.T) {
	for _, c := range []string{"", "../escape", "/abs", "a/../b", "x.meta"} {
		if _, err := sanitizeKey(c); err == nil {
			t.Fatalf("expected error for key %q", c)
		}
	}
}

type errorReader struct{}

func (errorReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestStore_FailedPutLeavesNothing(t *testing.T) {
	store := newTempStore(t)
	if _, err := store.Put(context.Background(), "bad.bin", errorReader{}, core.PutOptions{}); err == nil {
		t.Fatalf("expected copy error")
	}
	old := jsonMarshal
	jsonMarshal = func(any) ([]byte, error) { return nil, errors.New("marshal") }
	defer func() { jsonMarshal = old }()
	if _, err := store.Put(context.Background(), "meta-fail.bin", bytes.NewReader([]byte("x")), core.PutOptions{}); err == nil {
		t.Fatalf("expected marshal error")
	}
	entries, _ := os.ReadDir(store.root)
	if len(entries) != 0 {
		t.Fatalf("failed puts must not leave files: %v", entries)
	}
}

func TestListMetaCorrupt(t *testing.T) {
	store := newTempStore(t)
	data := filepath.Join(store.root, "bad.txt")
	if err := os.WriteFile(data, []byte("data"), 0o644); err != nil {
		t.Fatalf("write data: %v", err)
	}
	if err := os.WriteFile(data+metaSuffix, []byte("{"), 0o644); err != nil {
		t.Fatalf("write meta: %v", err)
	}
	if _, err := store.List(context.Background(), ""); err == nil {
		t.Fatalf("expected list error on corrupt meta")
	}
	if _, _, err := store.Get(context.Background(), "bad.txt"); err == nil || errors.Is(err, core.ErrNotFound) {
		t.Fatalf("corrupt sidecar is not a missing blob: %v", err)
	}
}

func TestNewRejectsFileRoot(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "afile")
	if err := os.WriteFile(filePath, []byte("x"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := New(filePath); err == nil {
		t.Fatalf("expected error when root is file")
	}
}
