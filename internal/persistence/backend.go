package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"signalpoint/internal/blob"
	"signalpoint/internal/persistence/core"
)

// Backend is the durable storage behind a Gateway. Get methods return
// ErrNotFound for missing keys; Delete methods report whether the key existed.
type Backend interface {
	PutDocument(ctx context.Context, key string, payload []byte) error
	GetDocument(ctx context.Context, key string) ([]byte, error)
	DeleteDocument(ctx context.Context, key string) (bool, error)
	PutImage(ctx context.Context, key string, img ReferenceImage) error
	GetImage(ctx context.Context, key string) (ReferenceImage, error)
	DeleteImage(ctx context.Context, key string) (bool, error)
	// ListImages returns the keys of every stored reference image.
	ListImages(ctx context.Context) ([]string, error)
	Describe() string
	Close() error
}

// StructuredBackend keeps documents in a RecordStore and images in a blob
// store.
type StructuredBackend struct {
	records core.RecordStore
	blobs   blob.Store
}

// NewStructuredBackend pairs a record store with a blob store.
func NewStructuredBackend(records core.RecordStore, blobs blob.Store) *StructuredBackend {
	return &StructuredBackend{records: records, blobs: blobs}
}

func (b *StructuredBackend) PutDocument(ctx context.Context, key string, payload []byte) error {
	return b.records.Put(ctx, key, payload)
}

func (b *StructuredBackend) GetDocument(ctx context.Context, key string) ([]byte, error) {
	return b.records.Get(ctx, key)
}

func (b *StructuredBackend) DeleteDocument(ctx context.Context, key string) (bool, error) {
	return b.records.Delete(ctx, key)
}

func (b *StructuredBackend) PutImage(ctx context.Context, key string, img ReferenceImage) error {
	md := map[string]string{
		"width":  strconv.Itoa(img.Width),
		"height": strconv.Itoa(img.Height),
	}
	if img.WidthMeters > 0 {
		md["width-m"] = strconv.FormatFloat(img.WidthMeters, 'f', -1, 64)
	}
	_, err := b.blobs.Put(ctx, key, bytes.NewReader(img.Data), blob.PutOptions{ContentType: img.ContentType, Metadata: md})
	return err
}

func (b *StructuredBackend) GetImage(ctx context.Context, key string) (ReferenceImage, error) {
	info, rc, err := b.blobs.Get(ctx, key)
	if errors.Is(err, blob.ErrNotFound) {
		return ReferenceImage{}, fmt.Errorf("image %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return ReferenceImage{}, err
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return ReferenceImage{}, fmt.Errorf("read image %s: %w", key, err)
	}
	img := ReferenceImage{Data: data, ContentType: info.ContentType}
	img.Width, _ = strconv.Atoi(info.Metadata["width"])
	img.Height, _ = strconv.Atoi(info.Metadata["height"])
	img.WidthMeters, _ = strconv.ParseFloat(info.Metadata["width-m"], 64)
	return img, nil
}

func (b *StructuredBackend) DeleteImage(ctx context.Context, key string) (bool, error) {
	return b.blobs.Delete(ctx, key)
}

func (b *StructuredBackend) ListImages(ctx context.Context) ([]string, error) {
	infos, err := b.blobs.List(ctx, imagePrefix)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(infos))
	for _, info := range infos {
		keys = append(keys, info.Key)
	}
	return keys, nil
}

func (b *StructuredBackend) Describe() string {
	return fmt.Sprintf("%s+%s", b.records.Driver(), b.blobs.Driver())
}

func (b *StructuredBackend) Close() error { return b.records.Close() }

// FlatBackend keeps everything in a synchronous string store. Images are
// stored as JSON with base64 data.
type FlatBackend struct {
	items  core.StringStore
	prefix string
}

// FlatKeyPrefix namespaces every key written by a FlatBackend.
const FlatKeyPrefix = "signalpoint."

// NewFlatBackend wraps a string store.
func NewFlatBackend(items core.StringStore) *FlatBackend {
	return &FlatBackend{items: items, prefix: FlatKeyPrefix}
}

type flatImage struct {
	ContentType string  `json:"content_type"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	WidthMeters float64 `json:"width_m,omitempty"`
	Data        []byte  `json:"data"`
}

func (b *FlatBackend) PutDocument(_ context.Context, key string, payload []byte) error {
	return b.items.SetItem(b.prefix+key, string(payload))
}

func (b *FlatBackend) GetDocument(_ context.Context, key string) ([]byte, error) {
	v, ok, err := b.items.GetItem(b.prefix + key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("item %s: %w", key, ErrNotFound)
	}
	return []byte(v), nil
}

func (b *FlatBackend) DeleteDocument(_ context.Context, key string) (bool, error) {
	return b.remove(key)
}

func (b *FlatBackend) PutImage(_ context.Context, key string, img ReferenceImage) error {
	raw, err := json.Marshal(flatImage{ContentType: img.ContentType, Width: img.Width, Height: img.Height, WidthMeters: img.WidthMeters, Data: img.Data})
	if err != nil {
		return err
	}
	return b.items.SetItem(b.prefix+key, string(raw))
}

func (b *FlatBackend) GetImage(ctx context.Context, key string) (ReferenceImage, error) {
	raw, err := b.GetDocument(ctx, key)
	if err != nil {
		return ReferenceImage{}, err
	}
	var fi flatImage
	if err := json.Unmarshal(raw, &fi); err != nil {
		return ReferenceImage{}, fmt.Errorf("decode image %s: %w", key, err)
	}
	return ReferenceImage{Data: fi.Data, ContentType: fi.ContentType, Width: fi.Width, Height: fi.Height, WidthMeters: fi.WidthMeters}, nil
}

func (b *FlatBackend) DeleteImage(_ context.Context, key string) (bool, error) {
	return b.remove(key)
}

// ListImages needs a store that can enumerate its keys; other stores report
// no images.
func (b *FlatBackend) ListImages(context.Context) ([]string, error) {
	lister, ok := b.items.(interface{ Keys() []string })
	if !ok {
		return nil, nil
	}
	var keys []string
	for _, k := range lister.Keys() {
		if strings.HasPrefix(k, b.prefix+imagePrefix) {
			keys = append(keys, strings.TrimPrefix(k, b.prefix))
		}
	}
	return keys, nil
}

func (b *FlatBackend) remove(key string) (bool, error) {
	_, ok, err := b.items.GetItem(b.prefix + key)
	if err != nil || !ok {
		return false, err
	}
	return true, b.items.RemoveItem(b.prefix + key)
}

func (b *FlatBackend) Describe() string { return "flat" }

func (b *FlatBackend) Close() error { return nil }
