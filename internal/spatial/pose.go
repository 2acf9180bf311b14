// Package spatial provides the rigid-body math used to move marker positions
// between session world space and a re-discoverable reference frame.
package spatial

import (
	"fmt"
	"math"
	"strings"

	"github.com/go-gl/mathgl/mgl64"
)

// Epsilon is the default tolerance for pose comparisons.
const Epsilon = 1e-9

// Pose is a position plus a unit orientation.
type Pose struct {
	Position    mgl64.Vec3
	Orientation mgl64.Quat
}

// Identity returns the pose at the origin with no rotation.
func Identity() Pose {
	return Pose{Orientation: mgl64.QuatIdent()}
}

// At returns an upright pose at the given position.
func At(x, y, z float64) Pose {
	return Pose{Position: mgl64.Vec3{x, y, z}, Orientation: mgl64.QuatIdent()}
}

// NewPose builds a pose, normalizing the orientation.
func NewPose(position mgl64.Vec3, orientation mgl64.Quat) Pose {
	return Pose{Position: position, Orientation: orientation}.Normalized()
}

// Normalized returns a copy with a unit orientation. Tracking providers are
// trusted to send unit quaternions, but drift and serialization round-off are
// common enough that every consumer normalizes first. A zero quaternion
// becomes identity.
func (p Pose) Normalized() Pose {
	p.Orientation = normalizeQuat(p.Orientation)
	return p
}

// ApproxEqual reports whether both poses match within eps. q and -q describe
// the same rotation and compare equal.
func (p Pose) ApproxEqual(other Pose, eps float64) bool {
	if !p.Position.ApproxEqualThreshold(other.Position, eps) {
		return false
	}
	a := normalizeQuat(p.Orientation)
	b := normalizeQuat(other.Orientation)
	return math.Abs(math.Abs(a.Dot(b))-1) <= eps
}

func (p Pose) String() string {
	q := p.Orientation
	return fmt.Sprintf("pos=(%.3f, %.3f, %.3f) rot=(%.3f, %.3f, %.3f, %.3f)",
		p.Position[0], p.Position[1], p.Position[2], q.V[0], q.V[1], q.V[2], q.W)
}

func normalizeQuat(q mgl64.Quat) mgl64.Quat {
	if q.W == 0 && q.V == (mgl64.Vec3{}) {
		return mgl64.QuatIdent()
	}
	return q.Normalize()
}

// TransformMode selects how local coordinates relate to the reference frame.
type TransformMode string

const (
	// ModeFull applies the frame's rotation and translation (rigid transform).
	ModeFull TransformMode = "full"
	// ModeTranslationOnly ignores the frame's rotation. Local coordinates are
	// plain world-minus-origin offsets and come back wrong whenever the
	// fiducial is re-detected at a different rotation. Opt-in only.
	ModeTranslationOnly TransformMode = "translation_only"
)

// ParseTransformMode accepts the config spelling of a TransformMode. Empty
// input yields ModeFull.
func ParseTransformMode(raw string) (TransformMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(ModeFull), "rigid":
		return ModeFull, nil
	case string(ModeTranslationOnly), "translation", "offset":
		return ModeTranslationOnly, nil
	default:
		return "", fmt.Errorf("unknown transform mode %q", raw)
	}
}
