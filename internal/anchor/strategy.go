// Package anchor converts marker placements between session world space and
// a durable local representation. Two strategies exist: ComputedOffset
// derives coordinates from a recognized fiducial pose, Platform hands the
// pose to a platform anchor and keeps the anchor itself as the coordinate.
package anchor

import (
	"context"
	"fmt"
	"strings"

	"signalpoint/internal/async"
	"signalpoint/internal/frame"
	"signalpoint/internal/logging"
	"signalpoint/internal/platform"
	"signalpoint/internal/spatial"
)

// Kind tags the negotiated strategy.
type Kind string

const (
	KindComputedOffset Kind = "computed_offset"
	KindPlatformAnchor Kind = "platform_anchor"
	KindUnsupported    Kind = "unsupported"
)

// Local is a marker position independent of any one session's world space.
type Local struct {
	// Mode and Pose are set by ComputedOffset.
	Mode spatial.TransformMode
	Pose spatial.Pose
	// Anchor is set by Platform. Handle holds the persistent handle once one
	// was requested or the anchor was restored from it.
	Anchor platform.Anchor
	Handle string
}

// IsAnchor reports whether the coordinate is backed by a platform anchor.
func (l Local) IsAnchor() bool { return l.Anchor != nil }

// Strategy converts between world poses and local coordinates.
type Strategy interface {
	Kind() Kind
	// PlaceToLocal computes the local coordinate for a world pose. The result
	// may complete on a later frame.
	PlaceToLocal(world spatial.Pose, ref frame.Reference) *async.Future[Local]
	// LocalToWorld resolves a local coordinate against the current reference,
	// returning ErrUnresolvable when it cannot.
	LocalToWorld(local Local, ref frame.Reference) (spatial.Pose, error)
	// Release frees platform resources behind a coordinate.
	Release(ctx context.Context, local Local) error
}

// Preference selects which strategy negotiation should aim for.
type Preference string

const (
	PreferAuto           Preference = "auto"
	PreferComputedOffset Preference = Preference(KindComputedOffset)
	PreferPlatformAnchor Preference = Preference(KindPlatformAnchor)
)

// ParsePreference accepts the config spelling of a Preference.
func ParsePreference(raw string) (Preference, error) {
	switch Preference(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PreferAuto:
		return PreferAuto, nil
	case PreferComputedOffset, "fiducial", "image":
		return PreferComputedOffset, nil
	case PreferPlatformAnchor, "anchor", "anchors":
		return PreferPlatformAnchor, nil
	default:
		return "", fmt.Errorf("unknown anchor strategy %q", raw)
	}
}

// Requirements are the inputs to Negotiate besides platform capabilities.
type Requirements struct {
	Preference        Preference
	Mode              spatial.TransformMode
	HasReferenceImage bool
	// BatchLimit bounds concurrent anchor requests; <= 0 is unbounded.
	BatchLimit int
	Logger     logging.Logger
}

// Negotiated is the tagged result of capability negotiation. Exactly one of
// Offset and Platform is set unless Kind is KindUnsupported.
type Negotiated struct {
	Kind     Kind
	Reason   string
	Offset   *ComputedOffset
	Platform *Platform
}

// Strategy returns the selected strategy, nil when unsupported.
func (n Negotiated) Strategy() Strategy {
	switch n.Kind {
	case KindComputedOffset:
		return n.Offset
	case KindPlatformAnchor:
		return n.Platform
	default:
		return nil
	}
}

// Negotiate picks a strategy once, at session start. The choice is never
// re-checked per call.
func Negotiate(caps platform.Capabilities, anchors platform.AnchorService, req Requirements) (Negotiated, error) {
	offsetOK, offsetWhy := offsetSupported(caps, req)
	platformOK, platformWhy := platformSupported(caps, anchors)

	pick := func(kind Kind) Negotiated {
		if kind == KindComputedOffset {
			return Negotiated{Kind: kind, Offset: NewComputedOffset(req.Mode)}
		}
		return Negotiated{Kind: kind, Platform: NewPlatform(anchors, req.BatchLimit, req.Logger)}
	}
	unsupported := func(reason string) (Negotiated, error) {
		return Negotiated{Kind: KindUnsupported, Reason: reason}, fmt.Errorf("%w: %s", ErrUnsupportedCapability, reason)
	}

	switch req.Preference {
	case PreferComputedOffset:
		if offsetOK {
			return pick(KindComputedOffset), nil
		}
		return unsupported(offsetWhy)
	case PreferPlatformAnchor:
		if platformOK {
			return pick(KindPlatformAnchor), nil
		}
		return unsupported(platformWhy)
	default:
		if offsetOK {
			return pick(KindComputedOffset), nil
		}
		if platformOK {
			return pick(KindPlatformAnchor), nil
		}
		return unsupported(offsetWhy + "; " + platformWhy)
	}
}

func offsetSupported(caps platform.Capabilities, req Requirements) (bool, string) {
	if !caps.ImageTracking {
		return false, "image tracking not supported"
	}
	if !req.HasReferenceImage {
		return false, "no reference image"
	}
	return true, ""
}

func platformSupported(caps platform.Capabilities, anchors platform.AnchorService) (bool, string) {
	if !caps.Anchors || anchors == nil {
		return false, "anchors not supported"
	}
	if !caps.PersistentAnchors {
		return false, "persistent anchors not supported"
	}
	return true, ""
}
