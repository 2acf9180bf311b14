// Package persistence saves and loads the current marker record. A record is
// written as a markers document plus one attachment: the re-encoded reference
// image for computed-offset sessions, or the anchor handle list for platform
// anchor sessions. Load reports when the attachment is missing.
package persistence

import (
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"signalpoint/internal/anchor"
	"signalpoint/internal/spatial"
)

// Record is the unit of persistence. Save overwrites the previous record.
type Record struct {
	Strategy       anchor.Kind
	TransformMode  spatial.TransformMode
	Markers        []MarkerRecord
	ReferenceImage *ReferenceImage
	SavedAt        time.Time
}

// MarkerRecord is one persisted marker. Pose and Mode hold a computed
// offset; AnchorHandle holds a platform persistent handle.
type MarkerRecord struct {
	ID           int
	Label        string
	Pose         spatial.Pose
	Mode         spatial.TransformMode
	AnchorHandle string
	PlacedAt     time.Time
}

// ReferenceImage is the fiducial image used to re-find the reference frame.
// Width and Height are pixel dimensions; WidthMeters is the printed width
// handed to the platform tracker.
type ReferenceImage struct {
	Data        []byte
	ContentType string
	Width       int
	Height      int
	WidthMeters float64
}

// AnchorHandles returns the non-empty marker handles in marker order.
func (r Record) AnchorHandles() []string {
	var out []string
	for _, m := range r.Markers {
		if m.AnchorHandle != "" {
			out = append(out, m.AnchorHandle)
		}
	}
	return out
}

// Integrity describes how much of a record was found on load.
type Integrity string

const (
	IntegrityComplete       Integrity = "complete"
	IntegrityMissingImage   Integrity = "missing_image"
	IntegrityMissingHandles Integrity = "missing_handles"
)

// Loaded is the result of Load.
type Loaded struct {
	Record    Record
	Integrity Integrity
	SaveID    string
	Version   int
}

// Complete reports whether every part of the record was found.
func (l Loaded) Complete() bool { return l.Integrity == IntegrityComplete }

// SaveReport summarizes a successful Save.
type SaveReport struct {
	SaveID      string
	Markers     int
	Attachment  AttachmentKind
	ImageKey    string
	ImageBytes  int
	Handles     int
	PrunedImage string
}

// AttachmentKind names the second write of a save.
type AttachmentKind string

const (
	AttachmentNone    AttachmentKind = "none"
	AttachmentImage   AttachmentKind = "image"
	AttachmentHandles AttachmentKind = "handles"
)

const (
	documentVersion = 1
	markersKey      = "markers"
	handlesKey      = "anchor-handles"
	imagePrefix     = "reference-images/"
)

// markersDocument is the stored form of a record. Unknown fields written by
// newer versions are ignored on decode.
type markersDocument struct {
	Version       int          `json:"version"`
	SaveID        string       `json:"save_id"`
	SavedAt       time.Time    `json:"saved_at"`
	Strategy      string       `json:"strategy"`
	TransformMode string       `json:"transform_mode,omitempty"`
	Markers       []markerWire `json:"markers"`
	Attachment    attachment   `json:"attachment"`
}

type markerWire struct {
	ID          int        `json:"id"`
	Label       string     `json:"label"`
	Position    [3]float64 `json:"position"`
	Orientation [4]float64 `json:"orientation"` // x, y, z, w
	Mode        string     `json:"mode,omitempty"`
	PlacedAt    time.Time  `json:"placed_at"`
}

type attachment struct {
	Kind        AttachmentKind `json:"kind"`
	Key         string         `json:"key,omitempty"`
	ContentType string         `json:"content_type,omitempty"`
	Width       int            `json:"width,omitempty"`
	Height      int            `json:"height,omitempty"`
	WidthMeters float64        `json:"width_m,omitempty"`
	Count       int            `json:"count,omitempty"`
}

type handlesDocument struct {
	Version int           `json:"version"`
	SaveID  string        `json:"save_id"`
	Handles []handleEntry `json:"handles"`
}

type handleEntry struct {
	MarkerID int    `json:"marker_id"`
	Handle   string `json:"handle"`
}

func toWire(m MarkerRecord) markerWire {
	p := m.Pose.Normalized()
	q := p.Orientation
	return markerWire{
		ID:          m.ID,
		Label:       m.Label,
		Position:    [3]float64{p.Position[0], p.Position[1], p.Position[2]},
		Orientation: [4]float64{q.V[0], q.V[1], q.V[2], q.W},
		Mode:        string(m.Mode),
		PlacedAt:    m.PlacedAt,
	}
}

func fromWire(w markerWire) MarkerRecord {
	o := w.Orientation
	return MarkerRecord{
		ID:    w.ID,
		Label: w.Label,
		Pose: spatial.NewPose(
			mgl64.Vec3{w.Position[0], w.Position[1], w.Position[2]},
			mgl64.Quat{W: o[3], V: mgl64.Vec3{o[0], o[1], o[2]}},
		),
		Mode:     spatialMode(w.Mode),
		PlacedAt: w.PlacedAt,
	}
}

// spatialMode reads a stored mode. Records written before modes were stored
// carry none and are full transforms.
func spatialMode(raw string) spatial.TransformMode {
	m, err := spatial.ParseTransformMode(raw)
	if err != nil {
		return spatial.TransformMode(raw)
	}
	return m
}
