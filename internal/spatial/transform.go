package spatial

import "github.com/go-gl/mathgl/mgl64"

// Transform maps coordinates expressed in a child frame into its parent frame:
// rotate first, then translate.
type Transform struct {
	Rotation    mgl64.Quat
	Translation mgl64.Vec3
}

// IdentityTransform leaves every point unchanged.
func IdentityTransform() Transform {
	return Transform{Rotation: mgl64.QuatIdent()}
}

// FromPose interprets pose as the placement of a child frame inside its parent.
func FromPose(p Pose) Transform {
	p = p.Normalized()
	return Transform{Rotation: p.Orientation, Translation: p.Position}
}

// TranslationOf builds a transform that ignores the pose orientation.
func TranslationOf(p Pose) Transform {
	return Transform{Rotation: mgl64.QuatIdent(), Translation: p.Position}
}

// Pose returns the transform as a pose of the child frame in the parent.
func (t Transform) Pose() Pose {
	return Pose{Position: t.Translation, Orientation: normalizeQuat(t.Rotation)}
}

// Compose returns the transform that applies b first and then a.
func Compose(a, b Transform) Transform {
	ra := normalizeQuat(a.Rotation)
	rb := normalizeQuat(b.Rotation)
	return Transform{
		Rotation:    normalizeQuat(ra.Mul(rb)),
		Translation: ra.Rotate(b.Translation).Add(a.Translation),
	}
}

// Invert returns the inverse mapping (R⁻¹, -R⁻¹·t).
func Invert(t Transform) Transform {
	inv := normalizeQuat(t.Rotation).Conjugate()
	return Transform{
		Rotation:    inv,
		Translation: inv.Rotate(t.Translation).Mul(-1),
	}
}

// Apply maps a point from the child frame into the parent frame.
func Apply(t Transform, p mgl64.Vec3) mgl64.Vec3 {
	return normalizeQuat(t.Rotation).Rotate(p).Add(t.Translation)
}

// ApplyPose maps a whole pose from the child frame into the parent frame.
func ApplyPose(t Transform, p Pose) Pose {
	r := normalizeQuat(t.Rotation)
	return Pose{
		Position:    r.Rotate(p.Position).Add(t.Translation),
		Orientation: normalizeQuat(r.Mul(normalizeQuat(p.Orientation))),
	}
}

// Inverse is the method form of Invert.
func (t Transform) Inverse() Transform { return Invert(t) }

// Apply is the method form of Apply.
func (t Transform) Apply(p mgl64.Vec3) mgl64.Vec3 { return Apply(t, p) }

// ApplyPose is the method form of ApplyPose.
func (t Transform) ApplyPose(p Pose) Pose { return ApplyPose(t, p) }
