package geometry

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"kneenav/internal/models"
)

// gimbalEpsilon is the threshold on sqrt(R00^2 + R10^2) below which the
// Euler decomposition takes the gimbal-lock branch.
const gimbalEpsilon = 1e-6

// AxisAngle returns the rotation of deg degrees about axis (Rodrigues).
func AxisAngle(axis mgl64.Vec3, deg float64) (mgl64.Mat3, error) {
	if axis.Len() < Epsilon {
		return mgl64.Mat3{}, fmt.Errorf("rotation axis has zero length: %w", models.ErrDegenerate)
	}
	return mgl64.HomogRotate3D(mgl64.DegToRad(deg), axis.Normalize()).Mat3(), nil
}

// RotationX returns a homogeneous rotation of deg degrees about X.
func RotationX(deg float64) mgl64.Mat4 { return mgl64.HomogRotate3DX(mgl64.DegToRad(deg)) }

// RotationY returns a homogeneous rotation of deg degrees about Y.
func RotationY(deg float64) mgl64.Mat4 { return mgl64.HomogRotate3DY(mgl64.DegToRad(deg)) }

// RotationZ returns a homogeneous rotation of deg degrees about Z.
func RotationZ(deg float64) mgl64.Mat4 { return mgl64.HomogRotate3DZ(mgl64.DegToRad(deg)) }

// EulerFromRotation decomposes the rotation block of m into X, Y, Z angles
// in degrees such that R = Rz * Ry * Rx.
func EulerFromRotation(m mgl64.Mat4) mgl64.Vec3 {
	sy := math.Hypot(m.At(0, 0), m.At(1, 0))

	var x, y, z float64
	if sy >= gimbalEpsilon {
		x = math.Atan2(m.At(2, 1), m.At(2, 2))
		y = math.Atan2(-m.At(2, 0), sy)
		z = math.Atan2(m.At(1, 0), m.At(0, 0))
	} else {
		x = math.Atan2(-m.At(1, 2), m.At(1, 1))
		y = math.Atan2(-m.At(2, 0), sy)
		z = 0
	}
	return mgl64.Vec3{mgl64.RadToDeg(x), mgl64.RadToDeg(y), mgl64.RadToDeg(z)}
}

// RotationFromEuler composes Rz * Ry * Rx from angles in degrees.
func RotationFromEuler(e mgl64.Vec3) mgl64.Mat3 {
	rx := mgl64.Rotate3DX(mgl64.DegToRad(e[0]))
	ry := mgl64.Rotate3DY(mgl64.DegToRad(e[1]))
	rz := mgl64.Rotate3DZ(mgl64.DegToRad(e[2]))
	return rz.Mul3(ry).Mul3(rx)
}

// TransformFromEuler builds a rigid transform from Euler angles in degrees
// and a translation.
func TransformFromEuler(e, pos mgl64.Vec3) mgl64.Mat4 {
	m := RotationFromEuler(e).Mat4()
	m.SetCol(3, pos.Vec4(1))
	return m
}

// AdjustTransform nudges a rigid transform: the Euler angle deltas are added
// to its current angles and dPos to its translation.
func AdjustTransform(m mgl64.Mat4, dEuler, dPos mgl64.Vec3) mgl64.Mat4 {
	e := EulerFromRotation(m).Add(dEuler)
	return TransformFromEuler(e, Translation(m).Add(dPos))
}

// Translation returns the translation column of m.
func Translation(m mgl64.Mat4) mgl64.Vec3 {
	return m.Col(3).Vec3()
}

// TransformPoint applies m to a point.
func TransformPoint(m mgl64.Mat4, p mgl64.Vec3) mgl64.Vec3 {
	return m.Mul4x1(p.Vec4(1)).Vec3()
}

// TransformDirection applies the linear part of m to a direction.
func TransformDirection(m mgl64.Mat4, v mgl64.Vec3) mgl64.Vec3 {
	return m.Mul4x1(v.Vec4(0)).Vec3()
}

// TransformPoints applies m to every point and returns a new slice.
func TransformPoints(m mgl64.Mat4, pts []mgl64.Vec3) []mgl64.Vec3 {
	out := make([]mgl64.Vec3, len(pts))
	for i, p := range pts {
		out[i] = TransformPoint(m, p)
	}
	return out
}

// RigidInverse inverts a rotation+translation transform without a general
// matrix inverse.
func RigidInverse(m mgl64.Mat4) mgl64.Mat4 {
	rt := m.Mat3().Transpose()
	t := rt.Mul3x1(Translation(m)).Mul(-1)
	inv := rt.Mat4()
	inv.SetCol(3, t.Vec4(1))
	return inv
}

// MirrorX is the reflection x -> -x.
func MirrorX() mgl64.Mat4 {
	return mgl64.Scale3D(-1, 1, 1)
}
