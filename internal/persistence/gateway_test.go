package persistence

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"signalpoint/internal/anchor"
	"signalpoint/internal/blob"
	"signalpoint/internal/infra/persistence/memory"
	"signalpoint/internal/persistence/core"
	"signalpoint/internal/spatial"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, x%h, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("save-%d", n)
	}
}

func offsetRecord(t *testing.T) Record {
	t.Helper()
	rot := mgl64.QuatRotate(mgl64.DegToRad(90), mgl64.Vec3{0, 1, 0})
	return Record{
		Strategy:      anchor.KindComputedOffset,
		TransformMode: spatial.ModeFull,
		Markers: []MarkerRecord{
			{ID: 1, Label: "#1", Pose: spatial.NewPose(mgl64.Vec3{1, 0, 2}, rot), Mode: spatial.ModeFull},
			{ID: 2, Label: "door", Pose: spatial.At(-1, 0, 0), Mode: spatial.ModeTranslationOnly},
		},
		ReferenceImage: &ReferenceImage{Data: pngBytes(t, 2048, 1024), ContentType: "image/png", WidthMeters: 0.3},
		SavedAt:        time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

// flakyBackend fails selected writes.
type flakyBackend struct {
	Backend
	failImage   bool
	failHandles bool
}

func (b *flakyBackend) PutImage(ctx context.Context, key string, img ReferenceImage) error {
	if b.failImage {
		return errors.New("image store unavailable")
	}
	return b.Backend.PutImage(ctx, key, img)
}

func (b *flakyBackend) PutDocument(ctx context.Context, key string, payload []byte) error {
	if b.failHandles && key == handlesKey {
		return errors.New("handles store unavailable")
	}
	return b.Backend.PutDocument(ctx, key, payload)
}

func TestLoadDistinguishesNotFoundFromEmpty(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGateway()
	if _, err := g.Load(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := g.Save(ctx, Record{Strategy: anchor.KindComputedOffset}); err != nil {
		t.Fatalf("save empty: %v", err)
	}
	loaded, err := g.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Record.Markers == nil || len(loaded.Record.Markers) != 0 || !loaded.Complete() {
		t.Fatalf("expected an empty complete record, got %+v", loaded)
	}
}

func TestSaveLoadComputedOffsetWithImage(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGateway(WithIDGenerator(sequentialIDs()))
	rec := offsetRecord(t)
	report, err := g.Save(ctx, rec)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if report.Attachment != AttachmentImage || report.ImageKey != "reference-images/save-1.jpg" || report.Markers != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	loaded, err := g.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !loaded.Complete() || loaded.SaveID != "save-1" || loaded.Version != 1 {
		t.Fatalf("unexpected load %+v", loaded)
	}
	got := loaded.Record
	if len(got.Markers) != 2 || got.Markers[1].Label != "door" || got.Markers[1].Mode != spatial.ModeTranslationOnly {
		t.Fatalf("unexpected markers %+v", got.Markers)
	}
	if !got.Markers[0].Pose.ApproxEqual(rec.Markers[0].Pose, 1e-9) {
		t.Fatalf("pose changed: %v vs %v", got.Markers[0].Pose, rec.Markers[0].Pose)
	}
	img := got.ReferenceImage
	if img == nil || img.Width != 1024 || img.Height != 512 || img.ContentType != "image/jpeg" || img.WidthMeters != 0.3 {
		t.Fatalf("unexpected image %+v", img)
	}
	if _, _, err := image.Decode(bytes.NewReader(img.Data)); err != nil {
		t.Fatalf("stored image should decode: %v", err)
	}
	if !got.SavedAt.Equal(rec.SavedAt) || got.Strategy != anchor.KindComputedOffset {
		t.Fatalf("unexpected header %+v", got)
	}
}

func TestPartialImageSaveIsDetectedAndKeepsPreviousImage(t *testing.T) {
	ctx := context.Background()
	blobs := blob.NewMemory()
	backend := &flakyBackend{Backend: NewStructuredBackend(memory.NewStore(), blobs)}
	g := NewGateway(backend, WithIDGenerator(sequentialIDs()))

	if _, err := g.Save(ctx, offsetRecord(t)); err != nil {
		t.Fatalf("first save: %v", err)
	}
	backend.failImage = true
	_, err := g.Save(ctx, offsetRecord(t))
	var se *StorageError
	if !errors.As(err, &se) || !se.Partial || !errors.Is(err, ErrStorage) {
		t.Fatalf("expected partial storage error, got %v", err)
	}
	loaded, err := g.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Integrity != IntegrityMissingImage || loaded.Record.ReferenceImage != nil {
		t.Fatalf("expected missing image, got %+v", loaded.Integrity)
	}
	if len(loaded.Record.Markers) != 2 {
		t.Fatalf("markers should still load")
	}
	_, rc, err := blobs.Get(ctx, "reference-images/save-1.jpg")
	if err != nil {
		t.Fatalf("previous image must survive a failed save: %v", err)
	}
	_ = rc.Close()
}

func TestSavePrunesPreviousImage(t *testing.T) {
	ctx := context.Background()
	blobs := blob.NewMemory()
	g := NewGateway(NewStructuredBackend(memory.NewStore(), blobs), WithIDGenerator(sequentialIDs()))
	if _, err := g.Save(ctx, offsetRecord(t)); err != nil {
		t.Fatalf("save: %v", err)
	}
	report, err := g.Save(ctx, offsetRecord(t))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if report.PrunedImage != "reference-images/save-1.jpg" {
		t.Fatalf("expected first image pruned, got %+v", report)
	}
	infos, err := blobs.List(ctx, "reference-images/")
	if err != nil || len(infos) != 1 || infos[0].Key != "reference-images/save-2.jpg" {
		t.Fatalf("expected only the current image, got %v %v", infos, err)
	}
}

func platformRecord(handles ...string) Record {
	rec := Record{Strategy: anchor.KindPlatformAnchor}
	for i, h := range handles {
		rec.Markers = append(rec.Markers, MarkerRecord{ID: i + 1, Label: fmt.Sprintf("#%d", i+1), AnchorHandle: h})
	}
	return rec
}

func TestSaveLoadPlatformHandles(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGateway()
	rec := platformRecord("h-1", "h-2")
	rec.ReferenceImage = &ReferenceImage{Data: []byte("ignored")}
	report, err := g.Save(ctx, rec)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if report.Attachment != AttachmentHandles || report.Handles != 2 || report.ImageKey != "" {
		t.Fatalf("platform saves never store an image: %+v", report)
	}
	loaded, err := g.Load(ctx)
	if err != nil || !loaded.Complete() {
		t.Fatalf("load: %+v %v", loaded, err)
	}
	if got := loaded.Record.AnchorHandles(); len(got) != 2 || got[0] != "h-1" || got[1] != "h-2" {
		t.Fatalf("unexpected handles %v", got)
	}
	if loaded.Record.ReferenceImage != nil {
		t.Fatalf("unexpected image")
	}
}

func TestPartialHandleSaveDetectsStaleHandles(t *testing.T) {
	ctx := context.Background()
	backend := &flakyBackend{Backend: NewStructuredBackend(memory.NewStore(), blob.NewMemory())}
	g := NewGateway(backend, WithIDGenerator(sequentialIDs()))
	if _, err := g.Save(ctx, platformRecord("old")); err != nil {
		t.Fatalf("save: %v", err)
	}
	backend.failHandles = true
	if _, err := g.Save(ctx, platformRecord("new-1", "new-2")); !errors.Is(err, ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
	loaded, err := g.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Integrity != IntegrityMissingHandles || len(loaded.Record.AnchorHandles()) != 0 {
		t.Fatalf("stale handles must not be joined: %+v", loaded)
	}
}

func TestClearIsIdempotent(t *testing.T) {
	ctx := context.Background()
	blobs := blob.NewMemory()
	g := NewGateway(NewStructuredBackend(memory.NewStore(), blobs))
	if _, err := g.Save(ctx, offsetRecord(t)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if existed, err := g.Clear(ctx); err != nil || !existed {
		t.Fatalf("first clear: %v %v", existed, err)
	}
	if existed, err := g.Clear(ctx); err != nil || existed {
		t.Fatalf("second clear: %v %v", existed, err)
	}
	if _, err := g.Load(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after clear, got %v", err)
	}
	if infos, _ := blobs.List(ctx, ""); len(infos) != 0 {
		t.Fatalf("clear should remove the image, found %v", infos)
	}
}

func TestClearSweepsImagesOrphanedByPartialSave(t *testing.T) {
	ctx := context.Background()
	blobs := blob.NewMemory()
	backend := &flakyBackend{Backend: NewStructuredBackend(memory.NewStore(), blobs)}
	g := NewGateway(backend, WithIDGenerator(sequentialIDs()))
	if _, err := g.Save(ctx, offsetRecord(t)); err != nil {
		t.Fatalf("first save: %v", err)
	}
	backend.failImage = true
	if _, err := g.Save(ctx, offsetRecord(t)); err == nil {
		t.Fatalf("expected partial save")
	}
	// The record now points at save-2, which was never written; save-1 is
	// referenced by nothing.
	if infos, _ := blobs.List(ctx, imagePrefix); len(infos) != 1 || infos[0].Key != "reference-images/save-1.jpg" {
		t.Fatalf("unexpected images before clear %+v", infos)
	}
	if existed, err := g.Clear(ctx); err != nil || !existed {
		t.Fatalf("clear: %v %v", existed, err)
	}
	if infos, _ := blobs.List(ctx, ""); len(infos) != 0 {
		t.Fatalf("orphaned image should be swept, found %+v", infos)
	}
}

func TestFlatClearSweepsOrphanedImages(t *testing.T) {
	ctx := context.Background()
	items := memory.NewStore()
	backend := NewFlatBackend(items)
	if err := backend.PutImage(ctx, imagePrefix+"stale.jpg", ReferenceImage{Data: []byte("x"), ContentType: "image/jpeg"}); err != nil {
		t.Fatalf("put image: %v", err)
	}
	g := NewGateway(backend)
	if existed, err := g.Clear(ctx); err != nil || existed {
		t.Fatalf("clear without record: %v %v", existed, err)
	}
	if keys := items.Keys(); len(keys) != 0 {
		t.Fatalf("stale image should be removed, found %v", keys)
	}
}

func TestFlatBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	items := memory.NewStore()
	g := NewGateway(NewFlatBackend(items))
	if _, err := g.Save(ctx, offsetRecord(t)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if v, ok, _ := items.GetItem(FlatKeyPrefix + markersKey); !ok || v == "" {
		t.Fatalf("markers should be stored as a string item")
	}
	loaded, err := g.Load(ctx)
	if err != nil || !loaded.Complete() {
		t.Fatalf("load: %+v %v", loaded, err)
	}
	if img := loaded.Record.ReferenceImage; img == nil || img.Width != 1024 {
		t.Fatalf("unexpected image %+v", img)
	}
	if existed, err := g.Clear(ctx); err != nil || !existed {
		t.Fatalf("clear: %v %v", existed, err)
	}
	if _, err := g.Load(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestOpenDrivers(t *testing.T) {
	ctx := context.Background()
	mem, err := Open(ctx, Options{Driver: core.DriverMemory})
	if err != nil || mem.Describe() != "memory+memory" {
		t.Fatalf("memory open: %v", err)
	}
	flat, err := Open(ctx, Options{Driver: core.DriverFlatFile, FlatPath: filepath.Join(t.TempDir(), "flat.json")})
	if err != nil || flat.Describe() != "flat" {
		t.Fatalf("flat open: %v", err)
	}
	dir := t.TempDir()
	sq, err := Open(ctx, Options{
		Driver:     core.DriverSQLite,
		SQLitePath: filepath.Join(dir, "signalpoint.db"),
		Blob:       blob.Options{Driver: blob.DriverFilesystem, FSRoot: filepath.Join(dir, "blobs")},
	})
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	defer func() { _ = sq.Close() }()
	if _, err := sq.Save(ctx, offsetRecord(t)); err != nil {
		t.Fatalf("sqlite save: %v", err)
	}
	if loaded, err := sq.Load(ctx); err != nil || !loaded.Complete() {
		t.Fatalf("sqlite load: %+v %v", loaded, err)
	}
	if _, err := Open(ctx, Options{Driver: "bogus"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}

func TestJPEGEncoderRejectsGarbage(t *testing.T) {
	if _, err := JPEGEncoder(0, 0)(ReferenceImage{Data: []byte("not an image")}); err == nil {
		t.Fatalf("expected decode error")
	}
	out, err := JPEGEncoder(64, 50)(ReferenceImage{Data: pngBytes(t, 32, 48)})
	if err != nil || out.Width != 32 || out.Height != 48 {
		t.Fatalf("small images keep their size: %+v %v", out, err)
	}
}
