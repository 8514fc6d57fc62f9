// Package navigation turns live tool poses into resection gaps and joint
// angles: cut-plane metrics, display smoothing, hold-steady detection and
// the tracker that serializes pose updates.
package navigation

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"kneenav/internal/models"
	"kneenav/pkg/geometry"
	"kneenav/pkg/scene"
)

// CutPlane is a named resection plane in the frame of the node it is
// attached to.
type CutPlane struct {
	Name  string
	Plane geometry.Plane
}

// TrackedPoint is a named landmark in the frame of the node it is attached
// to.
type TrackedPoint struct {
	Name  string
	Point mgl64.Vec3
}

// Transforms are the world matrices one metrics evaluation needs.
type Transforms struct {
	// Bone and Implant give the implant-vs-bone orientation.
	Bone    mgl64.Mat4
	Implant mgl64.Mat4

	// Femur and Tibia give the joint transform.
	Femur mgl64.Mat4
	Tibia mgl64.Mat4

	// Planes and Points are the frames the cut planes and the tracked
	// points are attached to.
	Planes mgl64.Mat4
	Points mgl64.Mat4
}

// RigTransforms reads the world matrices of a navigated knee: the femoral
// implant against the femur, cut planes on the tibial implant and tracked
// points on the femoral implant.
func RigTransforms(r *scene.Rig) Transforms {
	femur := r.Femur.World()
	femurImplant := r.FemurImplant.World()
	return Transforms{
		Bone:    femur,
		Implant: femurImplant,
		Femur:   femur,
		Tibia:   r.Tibia.World(),
		Planes:  r.TibiaImplant.World(),
		Points:  femurImplant,
	}
}

// Gap is the resection gap of one tracked point against one cut plane.
type Gap struct {
	Plane    string
	Point    string
	Distance float64
}

// Metrics is the result of one evaluation.
type Metrics struct {
	// Gaps holds one entry per plane and point, planes outermost, in input
	// order.
	Gaps []Gap

	// ImplantEuler is the X, Y, Z rotation of the bone expressed in the
	// implant frame, in degrees. It does not depend on the bone pose.
	ImplantEuler mgl64.Vec3

	// Relative is the femur expressed in the tibia frame and RelativeEuler
	// its rotation in degrees.
	Relative      mgl64.Mat4
	RelativeEuler mgl64.Vec3
}

// Gap returns the distance of a named plane and point pair.
func (m Metrics) Gap(plane, point string) (float64, bool) {
	for _, g := range m.Gaps {
		if g.Plane == plane && g.Point == point {
			return g.Distance, true
		}
	}
	return 0, false
}

// ComputeMetrics evaluates gaps and orientations for one set of poses. A
// point on the side the plane normal points to has not been resected yet and
// reports a negative gap; a point beyond the plane reports a positive one.
func ComputeMetrics(tr Transforms, planes []CutPlane, points []TrackedPoint) (Metrics, error) {
	world := make([]mgl64.Vec3, len(points))
	for i, p := range points {
		world[i] = geometry.TransformPoint(tr.Points, p.Point)
	}

	m := Metrics{Gaps: make([]Gap, 0, len(planes)*len(points))}
	for _, cp := range planes {
		if cp.Plane.Normal.Len() < geometry.Epsilon {
			return Metrics{}, fmt.Errorf("cut plane %q has no normal: %w", cp.Name, models.ErrDegenerate)
		}
		pl := cp.Plane.Transform(tr.Planes)
		for i, p := range points {
			d := pl.SignedDistance(world[i])
			gap := math.Abs(d)
			if d > 0 {
				gap = -gap
			}
			m.Gaps = append(m.Gaps, Gap{Plane: cp.Name, Point: p.Name, Distance: gap})
		}
	}

	// Both world matrices carry the tracked bone pose; it cancels in the
	// implant frame.
	m.ImplantEuler = geometry.EulerFromRotation(geometry.RigidInverse(tr.Implant).Mul4(tr.Bone))
	m.Relative = geometry.RigidInverse(tr.Tibia).Mul4(tr.Femur)
	m.RelativeEuler = geometry.EulerFromRotation(m.Relative)
	return m, nil
}
