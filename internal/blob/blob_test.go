package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
)

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		opts Options
		want Driver
	}{
		{Options{}, DriverFilesystem},
		{Options{Driver: DriverFilesystem}, DriverFilesystem},
		{Options{Driver: DriverMemory}, DriverMemory},
	}
	for _, tc := range cases {
		if tc.want == DriverFilesystem {
			tc.opts.FSRoot = t.TempDir()
		}
		store, err := Open(ctx, tc.opts)
		if err != nil {
			t.Fatalf("open %+v: %v", tc.opts, err)
		}
		if store.Driver() != tc.want {
			t.Fatalf("expected %s, got %s", tc.want, store.Driver())
		}
	}
	if _, err := Open(ctx, Options{Driver: "tape"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
	if _, err := Open(ctx, Options{Driver: DriverS3}); err == nil {
		t.Fatalf("expected missing bucket error")
	}
}

// Every backend must agree on write-once keys and not-found normalization.
func TestBackendsShareContract(t *testing.T) {
	ctx := context.Background()
	fsStore, err := Open(ctx, Options{Driver: DriverFilesystem, FSRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("fs: %v", err)
	}
	for _, store := range []Store{NewMemory(), fsStore, NewMockS3ForTests()} {
		t.Run(string(store.Driver()), func(t *testing.T) {
			key := "reference-images/a.jpg"
			if _, _, err := store.Get(ctx, key); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			if _, err := store.Put(ctx, key, bytes.NewReader([]byte("jpeg")), PutOptions{ContentType: "image/jpeg"}); err != nil {
				t.Fatalf("put: %v", err)
			}
			if _, err := store.Put(ctx, key, bytes.NewReader([]byte("again")), PutOptions{}); !errors.Is(err, ErrExists) {
				t.Fatalf("expected ErrExists, got %v", err)
			}
			info, rc, err := store.Get(ctx, key)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			data, _ := io.ReadAll(rc)
			_ = rc.Close()
			if string(data) != "jpeg" || info.ContentType != "image/jpeg" {
				t.Fatalf("unexpected blob %q %+v", data, info)
			}
			list, err := store.List(ctx, "reference-images/")
			if err != nil || len(list) != 1 || list[0].Key != key {
				t.Fatalf("list: %v %+v", err, list)
			}
			if ok, err := store.Delete(ctx, key); err != nil || !ok {
				t.Fatalf("delete: %v %v", ok, err)
			}
			if _, _, err := store.Get(ctx, key); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound after delete, got %v", err)
			}
		})
	}
}
