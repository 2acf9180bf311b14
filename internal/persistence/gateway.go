package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"signalpoint/internal/anchor"
	"signalpoint/internal/logging"
)

// Gateway reads and writes the single current record of a backend.
type Gateway struct {
	backend Backend
	encode  ImageEncoder
	logger  logging.Logger
	clock   func() time.Time
	newID   func() string
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(g *Gateway) { g.logger = logging.OrNop(l) }
}

// WithClock overrides the timestamp used when a record has none.
func WithClock(clock func() time.Time) Option {
	return func(g *Gateway) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// WithImageEncoder replaces the default JPEG re-encoding step.
func WithImageEncoder(enc ImageEncoder) Option {
	return func(g *Gateway) {
		if enc != nil {
			g.encode = enc
		}
	}
}

// WithIDGenerator overrides save id generation.
func WithIDGenerator(fn func() string) Option {
	return func(g *Gateway) {
		if fn != nil {
			g.newID = fn
		}
	}
}

// NewGateway returns a gateway over backend.
func NewGateway(backend Backend, opts ...Option) *Gateway {
	g := &Gateway{
		backend: backend,
		encode:  JPEGEncoder(DefaultMaxDimension, DefaultJPEGQuality),
		logger:  logging.Nop(),
		clock:   func() time.Time { return time.Now().UTC() },
		newID:   func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Describe names the backend.
func (g *Gateway) Describe() string { return g.backend.Describe() }

// Close releases the backend.
func (g *Gateway) Close() error { return g.backend.Close() }

// Save overwrites the current record. The markers document is written
// first, then its attachment. If the attachment write fails the returned
// StorageError is Partial and the next Load reports the missing part. The
// attachment of the previous record is removed only after both writes
// succeeded.
func (g *Gateway) Save(ctx context.Context, rec Record) (SaveReport, error) {
	prev, err := g.readDocument(ctx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		g.logger.Warn("read previous record failed", "error", err)
	}

	saveID := g.newID()
	savedAt := rec.SavedAt
	if savedAt.IsZero() {
		savedAt = g.clock()
	}
	doc := markersDocument{
		Version:       documentVersion,
		SaveID:        saveID,
		SavedAt:       savedAt,
		Strategy:      string(rec.Strategy),
		TransformMode: string(rec.TransformMode),
		Markers:       make([]markerWire, 0, len(rec.Markers)),
		Attachment:    attachment{Kind: AttachmentNone},
	}
	for _, m := range rec.Markers {
		doc.Markers = append(doc.Markers, toWire(m))
	}
	report := SaveReport{SaveID: saveID, Markers: len(rec.Markers), Attachment: AttachmentNone}

	var (
		image   ReferenceImage
		handles handlesDocument
	)
	switch {
	case rec.Strategy == anchor.KindPlatformAnchor:
		handles = handlesDocument{Version: documentVersion, SaveID: saveID, Handles: []handleEntry{}}
		for _, m := range rec.Markers {
			if m.AnchorHandle != "" {
				handles.Handles = append(handles.Handles, handleEntry{MarkerID: m.ID, Handle: m.AnchorHandle})
			}
		}
		doc.Attachment = attachment{Kind: AttachmentHandles, Count: len(handles.Handles)}
		report.Attachment, report.Handles = AttachmentHandles, len(handles.Handles)
	case rec.ReferenceImage != nil:
		image, err = g.encode(*rec.ReferenceImage)
		if err != nil {
			return SaveReport{}, storageErr("save", "encode image", false, err)
		}
		key := imagePrefix + saveID + ".jpg"
		doc.Attachment = attachment{
			Kind:        AttachmentImage,
			Key:         key,
			ContentType: image.ContentType,
			Width:       image.Width,
			Height:      image.Height,
			WidthMeters: image.WidthMeters,
		}
		report.Attachment, report.ImageKey, report.ImageBytes = AttachmentImage, key, len(image.Data)
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return SaveReport{}, storageErr("save", "encode markers", false, err)
	}
	if err := g.backend.PutDocument(ctx, markersKey, payload); err != nil {
		return SaveReport{}, storageErr("save", "markers", false, err)
	}

	switch doc.Attachment.Kind {
	case AttachmentImage:
		if err := g.backend.PutImage(ctx, doc.Attachment.Key, image); err != nil {
			return report, storageErr("save", "image", true, err)
		}
	case AttachmentHandles:
		raw, err := json.Marshal(handles)
		if err != nil {
			return report, storageErr("save", "handles", true, err)
		}
		if err := g.backend.PutDocument(ctx, handlesKey, raw); err != nil {
			return report, storageErr("save", "handles", true, err)
		}
	}

	if prev != nil {
		report.PrunedImage = g.prune(ctx, *prev, doc.Attachment)
	}
	g.logger.Info("record saved", "save_id", saveID, "markers", report.Markers, "attachment", string(report.Attachment), "backend", g.Describe())
	return report, nil
}

// prune removes what the previous record owned and the new one does not.
func (g *Gateway) prune(ctx context.Context, prev markersDocument, next attachment) string {
	var pruned string
	if prev.Attachment.Kind == AttachmentImage && prev.Attachment.Key != next.Key {
		if _, err := g.backend.DeleteImage(ctx, prev.Attachment.Key); err != nil {
			g.logger.Warn("delete previous image failed", "key", prev.Attachment.Key, "error", err)
		} else {
			pruned = prev.Attachment.Key
		}
	}
	if prev.Attachment.Kind == AttachmentHandles && next.Kind != AttachmentHandles {
		if _, err := g.backend.DeleteDocument(ctx, handlesKey); err != nil {
			g.logger.Warn("delete previous handles failed", "error", err)
		}
	}
	return pruned
}

func (g *Gateway) readDocument(ctx context.Context) (*markersDocument, error) {
	raw, err := g.backend.GetDocument(ctx, markersKey)
	if err != nil {
		return nil, err
	}
	var doc markersDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode markers document: %w", err)
	}
	return &doc, nil
}

// Load returns the current record. ErrNotFound means nothing was ever saved
// (or it was cleared); an empty Markers slice means a record with no markers.
func (g *Gateway) Load(ctx context.Context) (Loaded, error) {
	doc, err := g.readDocument(ctx)
	if errors.Is(err, ErrNotFound) {
		return Loaded{}, ErrNotFound
	}
	if err != nil {
		return Loaded{}, storageErr("load", "markers", false, err)
	}
	if doc.Version > documentVersion {
		g.logger.Warn("record written by a newer version", "version", doc.Version)
	}
	out := Loaded{
		Record: Record{
			Strategy:      anchor.Kind(doc.Strategy),
			TransformMode: spatialMode(doc.TransformMode),
			Markers:       make([]MarkerRecord, 0, len(doc.Markers)),
			SavedAt:       doc.SavedAt,
		},
		Integrity: IntegrityComplete,
		SaveID:    doc.SaveID,
		Version:   doc.Version,
	}
	for _, w := range doc.Markers {
		out.Record.Markers = append(out.Record.Markers, fromWire(w))
	}

	switch doc.Attachment.Kind {
	case AttachmentImage:
		img, err := g.backend.GetImage(ctx, doc.Attachment.Key)
		switch {
		case errors.Is(err, ErrNotFound):
			out.Integrity = IntegrityMissingImage
		case err != nil:
			return Loaded{}, storageErr("load", "image", false, err)
		default:
			if img.Width == 0 {
				img.Width, img.Height = doc.Attachment.Width, doc.Attachment.Height
			}
			if img.WidthMeters == 0 {
				img.WidthMeters = doc.Attachment.WidthMeters
			}
			if img.ContentType == "" {
				img.ContentType = doc.Attachment.ContentType
			}
			out.Record.ReferenceImage = &img
		}
	case AttachmentHandles:
		handles, err := g.readHandles(ctx)
		switch {
		case errors.Is(err, ErrNotFound) || (err == nil && handles.SaveID != doc.SaveID):
			out.Integrity = IntegrityMissingHandles
		case err != nil:
			return Loaded{}, storageErr("load", "handles", false, err)
		default:
			byID := make(map[int]string, len(handles.Handles))
			for _, h := range handles.Handles {
				byID[h.MarkerID] = h.Handle
			}
			for i := range out.Record.Markers {
				out.Record.Markers[i].AnchorHandle = byID[out.Record.Markers[i].ID]
			}
		}
	}
	if !out.Complete() {
		g.logger.Warn("record incomplete", "save_id", doc.SaveID, "integrity", string(out.Integrity))
	}
	return out, nil
}

func (g *Gateway) readHandles(ctx context.Context) (handlesDocument, error) {
	raw, err := g.backend.GetDocument(ctx, handlesKey)
	if err != nil {
		return handlesDocument{}, err
	}
	var doc handlesDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return handlesDocument{}, fmt.Errorf("decode handles document: %w", err)
	}
	return doc, nil
}

// Clear removes the current record and its attachment. It reports whether a
// record existed.
func (g *Gateway) Clear(ctx context.Context) (bool, error) {
	doc, err := g.readDocument(ctx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		g.logger.Warn("read record before clear failed", "error", err)
	}
	if doc != nil && doc.Attachment.Kind == AttachmentImage {
		if _, err := g.backend.DeleteImage(ctx, doc.Attachment.Key); err != nil {
			return false, storageErr("clear", "image", false, err)
		}
	}
	if _, err := g.backend.DeleteDocument(ctx, handlesKey); err != nil {
		return false, storageErr("clear", "handles", false, err)
	}
	existed, err := g.backend.DeleteDocument(ctx, markersKey)
	if err != nil {
		return false, storageErr("clear", "markers", false, err)
	}
	swept := g.sweepImages(ctx)
	g.logger.Info("record cleared", "existed", existed, "orphaned_images", swept)
	return existed, nil
}

// sweepImages deletes reference images no record points at any more, such
// as the previous image left behind by a partial save. Failures are logged.
func (g *Gateway) sweepImages(ctx context.Context) int {
	keys, err := g.backend.ListImages(ctx)
	if err != nil {
		g.logger.Warn("list reference images failed", "error", err)
		return 0
	}
	swept := 0
	for _, key := range keys {
		ok, err := g.backend.DeleteImage(ctx, key)
		if err != nil {
			g.logger.Warn("delete orphaned image failed", "key", key, "error", err)
			continue
		}
		if ok {
			swept++
		}
	}
	return swept
}
