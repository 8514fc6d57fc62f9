package implant

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"kneenav/internal/models"
	"kneenav/pkg/geometry"
)

// TibiaParams holds the tibial placement constants.
type TibiaParams struct {
	// CutReference are three points of the tibial cut in the implant frame.
	CutReference [3]mgl64.Vec3

	// Resection is how far the cut sits below the medial plateau high point.
	Resection float64

	// APOffset shifts the implant posteriorly from the matched anterior edge.
	APOffset float64

	// Vertices index the fitted tibia mesh: anterior, lateral edge, medial
	// edge, posterior medial, posterior lateral.
	Vertices [5]int
}

// DefaultTibiaParams returns the constants of the shipped catalog and the
// template tibia mesh.
func DefaultTibiaParams() TibiaParams {
	return TibiaParams{
		CutReference: [3]mgl64.Vec3{{30, 0, 0}, {0, 30, 0}, {0, 0, 0}},
		Resection:    6,
		APOffset:     3,
		Vertices:     [5]int{6990, 6847, 5784, 6672, 9178},
	}
}

// CutPlane returns the tibial cut in the implant frame, normal proximal.
func (p TibiaParams) CutPlane() (geometry.Plane, error) {
	ref, err := geometry.PlaneFromPoints(p.CutReference[0], p.CutReference[1], p.CutReference[2])
	if err != nil {
		return geometry.Plane{}, err
	}
	if ref.Normal.Z() < 0 {
		ref = ref.Flip()
	}
	return ref, nil
}

// tibiaInput is the tibia in selection space: +Y anterior, +Z proximal.
type tibiaInput struct {
	medialHigh  mgl64.Vec3
	lateralHigh mgl64.Vec3
	// anterior, lateral edge, medial edge, posterior medial, posterior lateral
	outline [5]mgl64.Vec3
}

func newTibiaInput(medialHigh, lateralHigh mgl64.Vec3, vertices []mgl64.Vec3, p TibiaParams) (tibiaInput, error) {
	in := tibiaInput{medialHigh: medialHigh, lateralHigh: lateralHigh}
	for i, vi := range p.Vertices {
		if vi < 0 || vi >= len(vertices) {
			return tibiaInput{}, fmt.Errorf("tibia outline vertex %d outside a %d vertex mesh: %w", vi, len(vertices), models.ErrInput)
		}
		in.outline[i] = vertices[vi]
	}
	return in, nil
}

// plateauAngle is the rotation about Z, in degrees within [-90, 90], that
// lines the medial to lateral high point direction up with the X axis.
func plateauAngle(medialHigh, lateralHigh mgl64.Vec3) (float64, error) {
	v := medialHigh.Sub(lateralHigh)
	v[2] = 0
	a, err := geometry.AngleBetween(v, mgl64.Vec3{1, 0, 0})
	if err != nil {
		return 0, fmt.Errorf("plateau high points: %w", err)
	}
	if a > 90 {
		a = 180 - a
	}
	if v.Y() < 0 {
		a = -a
	}
	return a, nil
}

// placeTibia positions a tibial candidate and scores it by the mismatch of
// its anteroposterior depth and mediolateral width with the plateau
// outline. The placement maps the implant frame into selection space.
func placeTibia(c Candidate, in tibiaInput, p TibiaParams) (mgl64.Mat4, float64, error) {
	ref, err := p.CutPlane()
	if err != nil {
		return mgl64.Mat4{}, 0, err
	}
	dz := (ref.SignedDistance(in.medialHigh) - p.Resection) / ref.Normal.Z()

	angle, err := plateauAngle(in.medialHigh, in.lateralHigh)
	if err != nil {
		return mgl64.Mat4{}, 0, err
	}
	// outline in the plateau-aligned frame
	align := geometry.RotationZ(angle)
	var o [5]mgl64.Vec3
	for i, v := range in.outline {
		o[i] = geometry.TransformPoint(align, v)
	}
	pt := c.Points

	ap := (pt[1].Y() - o[0].Y()) - ((pt[5].Y()+pt[6].Y())/2 - (o[3].Y()+o[4].Y())/2)
	ml := (pt[3].X() - o[2].X()) - (pt[4].X() - o[1].X())
	score := math.Abs(ap) + math.Abs(ml)

	dx := ((pt[3].X() - o[2].X()) + (pt[4].X() - o[1].X())) / 2
	dy := pt[1].Y() - o[0].Y() - p.APOffset

	// bone into implant frame, then inverted
	bone := mgl64.Translate3D(dx, dy, -dz).Mul4(align)
	return geometry.RigidInverse(bone), score, nil
}
