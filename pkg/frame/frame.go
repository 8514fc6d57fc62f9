// Package frame builds the bone-fixed anatomical coordinate frames of the
// femur and tibia from picked landmarks.
//
// Both bones use the same axis order. Z runs along the mechanical axis
// towards the hip. The medial and lateral reference points are projected
// onto the plane through the origin normal to Z and X runs from the lateral
// projection to the medial one. Y = Z x X, and X is re-derived as Y x Z so
// the basis is orthonormal to machine precision.
//
// The lateral to medial X direction does not depend on the side, so left and
// right bones come out as mirror images of each other. MirrorLeft undoes
// that for left bones.
package frame

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl64"

	"kneenav/internal/models"
	"kneenav/pkg/geometry"
	"kneenav/pkg/mesh"
)

// Frame is a bone coordinate frame. ToWorld has the X, Y, Z axes and the
// origin as its columns; ToLocal is its inverse.
type Frame struct {
	ToWorld mgl64.Mat4
	ToLocal mgl64.Mat4
}

// Origin returns the frame origin in world coordinates.
func (f Frame) Origin() mgl64.Vec3 { return geometry.Translation(f.ToWorld) }

// Axes returns the unit X, Y and Z axes in world coordinates.
func (f Frame) Axes() (x, y, z mgl64.Vec3) {
	return f.ToWorld.Col(0).Vec3(), f.ToWorld.Col(1).Vec3(), f.ToWorld.Col(2).Vec3()
}

// Femur builds the femoral frame: origin at the entry point, Z towards the
// head center, X from the lateral towards the medial epicondyle.
func Femur(headCenter, entry, lateral, medial mgl64.Vec3) (Frame, error) {
	return build(entry, headCenter.Sub(entry), lateral, medial)
}

// Tibia builds the tibial frame: origin at the proximal landmark, Z from the
// ankle center towards it, X from the lateral towards the medial edge.
func Tibia(proximal, ankleCenter, medialEdge, lateralEdge mgl64.Vec3) (Frame, error) {
	return build(proximal, proximal.Sub(ankleCenter), lateralEdge, medialEdge)
}

// AnkleCenter is the midpoint of the malleoli.
func AnkleCenter(medialMalleolus, lateralMalleolus mgl64.Vec3) mgl64.Vec3 {
	return geometry.Midpoint(medialMalleolus, lateralMalleolus)
}

func build(origin, axis, lateral, medial mgl64.Vec3) (Frame, error) {
	zPlane, err := geometry.NewPlane(origin, axis)
	if err != nil {
		return Frame{}, fmt.Errorf("mechanical axis: %w", err)
	}
	z := zPlane.Normal

	ml := zPlane.Project(medial).Sub(zPlane.Project(lateral))
	if ml.Len() < geometry.Epsilon {
		return Frame{}, fmt.Errorf("medial and lateral points coincide along the mechanical axis: %w", models.ErrDegenerate)
	}
	x := ml.Normalize()
	y := z.Cross(x).Normalize()
	x = y.Cross(z)

	toWorld := mgl64.Mat4FromCols(x.Vec4(0), y.Vec4(0), z.Vec4(0), origin.Vec4(1))
	return Frame{ToWorld: toWorld, ToLocal: geometry.RigidInverse(toWorld)}, nil
}

// ForLandmarks builds the frame of the bone the landmark set belongs to.
// For the femur, a missing head center is fitted from the head pivot region
// when one was recorded.
func ForLandmarks(set *models.LandmarkSet) (Frame, error) {
	if set.Bone == models.Tibia {
		pts, err := set.GetAll([]string{models.Eminence, models.MedialMalleolus, models.LateralMalleolus, models.MedialEdge, models.LateralEdge})
		if err != nil {
			return Frame{}, err
		}
		return Tibia(pts[0], AnkleCenter(pts[1], pts[2]), pts[3], pts[4])
	}

	head, err := HeadCenter(set)
	if err != nil {
		return Frame{}, err
	}
	pts, err := set.GetAll([]string{models.Entry, models.LateralEpicondyle, models.MedialEpicondyle})
	if err != nil {
		return Frame{}, err
	}
	return Femur(head, pts[0], pts[1], pts[2])
}

// HeadCenter returns the femoral head center landmark, or the center of the
// sphere fitted to the head pivot region if the landmark is absent.
func HeadCenter(set *models.LandmarkSet) (mgl64.Vec3, error) {
	if set.Has(models.HeadCenter) {
		return set.Get(models.HeadCenter)
	}
	pivot, err := set.Region(models.HeadPivotRegion)
	if err != nil {
		return mgl64.Vec3{}, fmt.Errorf("no head center and no pivot samples: %w", err)
	}
	c, _, err := geometry.FitSphere(pivot)
	if err != nil {
		return mgl64.Vec3{}, fmt.Errorf("head center from pivot samples: %w", err)
	}
	return c, nil
}

// MirrorLeft flips the x axis of a bone-local mesh and landmark set when the
// side is left; the mesh winding is reversed so normals keep pointing out of
// the bone. Right-side inputs are returned unchanged.
func MirrorLeft(side models.Side, m *mesh.Mesh, set *models.LandmarkSet) (*mesh.Mesh, *models.LandmarkSet) {
	if side != models.Left {
		return m, set
	}
	if m != nil {
		m = m.MirrorX()
	}
	if set != nil {
		set = set.Transform(geometry.MirrorX())
	}
	return m, set
}

// LowestPoints returns the extreme point of a region along one axis: the
// smallest coordinate, or the largest when descending is set.
func LowestPoints(region []mgl64.Vec3, axis int, descending bool) (mgl64.Vec3, error) {
	if len(region) == 0 {
		return mgl64.Vec3{}, fmt.Errorf("empty region: %w", models.ErrInput)
	}
	if axis < 0 || axis > 2 {
		return mgl64.Vec3{}, fmt.Errorf("axis %d out of range: %w", axis, models.ErrInput)
	}
	best := region[0]
	for _, p := range region[1:] {
		if (descending && p[axis] > best[axis]) || (!descending && p[axis] < best[axis]) {
			best = p
		}
	}
	return best, nil
}

// AnteriorSign returns +1 when the anterior direction of a bone-local
// landmark set is +Y and -1 when it is -Y. The femur compares the anterior
// cortex with the posterior condyles, the tibia the tuberosity with the
// eminence.
func AnteriorSign(local *models.LandmarkSet) (float64, error) {
	var d float64
	if local.Bone == models.Tibia {
		pts, err := local.GetAll([]string{models.Tuberosity, models.Eminence})
		if err != nil {
			return 0, err
		}
		d = pts[0].Y() - pts[1].Y()
	} else {
		pts, err := local.GetAll([]string{models.AnteriorCortex, models.MedialPosterior, models.LateralPosterior})
		if err != nil {
			return 0, err
		}
		d = pts[0].Y() - (pts[1].Y()+pts[2].Y())/2
	}
	if d == 0 {
		return 0, fmt.Errorf("anterior reference level with the posterior one: %w", models.ErrDegenerate)
	}
	if d < 0 {
		return -1, nil
	}
	return 1, nil
}

// RefineCondyles replaces the distal and posterior condyle landmarks of a
// bone-local femur set with the extreme points of the recorded condyle
// regions: distal is the lowest point along Z, posterior the furthest point
// away from the anterior cortex along Y. Condyles without a region keep
// their picked landmarks. The input set is not modified.
func RefineCondyles(local *models.LandmarkSet) (*models.LandmarkSet, error) {
	out := local.Transform(mgl64.Ident4())
	if !local.Has(models.AnteriorCortex) {
		return out, nil
	}
	cortex, _ := local.Get(models.AnteriorCortex)

	for _, c := range []struct{ region, distal, posterior string }{
		{models.MedialCondyleRegion, models.MedialDistal, models.MedialPosterior},
		{models.LateralCondyleRegion, models.LateralDistal, models.LateralPosterior},
	} {
		region, err := local.Region(c.region)
		if err != nil {
			continue
		}
		distal, err := LowestPoints(region, 2, false)
		if err != nil {
			return nil, err
		}
		// posterior lies on the far side of the region from the cortex
		descending := geometry.Centroid(region).Y() > cortex.Y()
		posterior, err := LowestPoints(region, 1, descending)
		if err != nil {
			return nil, err
		}
		out.Set(c.distal, distal)
		out.Set(c.posterior, posterior)
	}
	return out, nil
}
