// Package geometry holds the point, plane and rotation primitives used by
// every planning and navigation stage. Points and transforms are mgl64
// values; transforms are 4x4 homogeneous matrices acting on column vectors.
package geometry

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"kneenav/internal/models"
)

// Epsilon is the length below which a vector is treated as zero.
const Epsilon = 1e-9

// Plane is an oriented plane given by a point on it and a unit normal.
type Plane struct {
	Origin mgl64.Vec3
	Normal mgl64.Vec3
}

// NewPlane normalizes the normal and returns the plane. A zero normal is
// reported as ErrDegenerate.
func NewPlane(origin, normal mgl64.Vec3) (Plane, error) {
	l := normal.Len()
	if l < Epsilon {
		return Plane{}, fmt.Errorf("plane normal has zero length: %w", models.ErrDegenerate)
	}
	return Plane{Origin: origin, Normal: normal.Mul(1 / l)}, nil
}

// PlaneFromPoints builds the plane through three points. The normal follows
// the right-hand rule (p2-p1) x (p3-p1) and the origin is p1.
func PlaneFromPoints(p1, p2, p3 mgl64.Vec3) (Plane, error) {
	n := p2.Sub(p1).Cross(p3.Sub(p1))
	if n.Len() < Epsilon {
		return Plane{}, fmt.Errorf("collinear plane points %v %v %v: %w", p1, p2, p3, models.ErrDegenerate)
	}
	return Plane{Origin: p1, Normal: n.Normalize()}, nil
}

// SignedDistance returns the distance from the plane to p, positive on the
// side the normal points to.
func (pl Plane) SignedDistance(p mgl64.Vec3) float64 {
	return pl.Normal.Dot(p.Sub(pl.Origin))
}

// Project returns the orthogonal projection of p onto the plane.
func (pl Plane) Project(p mgl64.Vec3) mgl64.Vec3 {
	return p.Sub(pl.Normal.Mul(pl.SignedDistance(p)))
}

// Flip returns the same plane with the normal reversed.
func (pl Plane) Flip() Plane {
	return Plane{Origin: pl.Origin, Normal: pl.Normal.Mul(-1)}
}

// Transform maps the plane through a rigid transform.
func (pl Plane) Transform(m mgl64.Mat4) Plane {
	return Plane{
		Origin: TransformPoint(m, pl.Origin),
		Normal: TransformDirection(m, pl.Normal).Normalize(),
	}
}

// AngleBetween returns the angle between two vectors in degrees. The cosine
// is clamped to [-1, 1] before acos.
func AngleBetween(v1, v2 mgl64.Vec3) (float64, error) {
	l1, l2 := v1.Len(), v2.Len()
	if l1 < Epsilon || l2 < Epsilon {
		return 0, fmt.Errorf("angle with zero-length vector: %w", models.ErrDegenerate)
	}
	c := mgl64.Clamp(v1.Dot(v2)/(l1*l2), -1, 1)
	return mgl64.RadToDeg(math.Acos(c)), nil
}

// Centroid returns the mean of the points. It returns the zero vector for an
// empty slice.
func Centroid(pts []mgl64.Vec3) mgl64.Vec3 {
	var c mgl64.Vec3
	if len(pts) == 0 {
		return c
	}
	for _, p := range pts {
		c = c.Add(p)
	}
	return c.Mul(1 / float64(len(pts)))
}

// Midpoint returns the point halfway between a and b.
func Midpoint(a, b mgl64.Vec3) mgl64.Vec3 {
	return a.Add(b).Mul(0.5)
}
