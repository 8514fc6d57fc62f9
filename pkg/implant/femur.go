package implant

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"kneenav/pkg/geometry"
	"kneenav/pkg/mesh"
)

// FemurWeights weighs the terms of the femoral score.
type FemurWeights struct {
	// DistalOvershoot and DistalUndershoot weigh the height error of the
	// posterior cut's upper edge against the posterior upper landmarks.
	DistalOvershoot  float64
	DistalUndershoot float64

	// Posterior weighs |posterior condyle to posterior cut - target|, per
	// condyle.
	Posterior float64

	// PosteriorCorner and AnteriorCorner weigh the surface clearance of the
	// upper corners of the posterior and anterior cuts.
	PosteriorCorner float64
	AnteriorCorner  float64

	// Centering weighs the medial-lateral offset of the anterior flange from
	// the epicondylar midpoint.
	Centering float64
}

// FemurParams holds the femoral placement constants, in mm and degrees.
type FemurParams struct {
	// DistalReference are three points of the distal cut in the implant
	// frame.
	DistalReference [3]mgl64.Vec3

	// DistalResection is how far the distal cut sits above the distal
	// condyles.
	DistalResection float64

	// FlangeAngle is the inclination of the anterior cut to the bone axis.
	FlangeAngle float64

	// RotationProbe is the medial offset from the lateral anterior cortex
	// point of the surface point that sets the rotation about Z; RotationBias is added
	// to the magnitude of that rotation.
	RotationProbe float64
	RotationBias  float64

	// FlexionProbe is the proximal offset from the anterior cortex of the
	// surface point that sets the flexion about X.
	FlexionProbe float64

	PosteriorTarget float64

	// UpperMargin lowers the posterior upper landmark height the posterior
	// cut is compared with.
	UpperMargin float64

	Weights FemurWeights
}

// DefaultFemurParams returns the constants of the shipped catalog.
func DefaultFemurParams() FemurParams {
	return FemurParams{
		DistalReference: [3]mgl64.Vec3{
			{30.951, -14.145, 17.976},
			{-31.236, -1.339, 17.976},
			{-31.485, -15.010, 17.976},
		},
		DistalResection: 8,
		FlangeAngle:     6,
		RotationProbe:   16,
		RotationBias:    1,
		FlexionProbe:    35,
		PosteriorTarget: 7,
		UpperMargin:     4,
		Weights: FemurWeights{
			DistalOvershoot:  3,
			DistalUndershoot: 1,
			Posterior:        1,
			PosteriorCorner:  1,
			Centering:        0,
			AnteriorCorner:   2,
		},
	}
}

// femurInput is the femur in selection space: +Y anterior, +Z proximal.
type femurInput struct {
	distalMid      mgl64.Vec3
	cortex         mgl64.Vec3
	medialPost     mgl64.Vec3
	lateralPost    mgl64.Vec3
	upperHeight    float64
	epicondylarMid mgl64.Vec3
	surface        *mesh.Locator
}

// DistalPlane returns the distal cut in the implant frame, normal proximal.
func (p FemurParams) DistalPlane() (geometry.Plane, error) {
	ref, err := geometry.PlaneFromPoints(p.DistalReference[0], p.DistalReference[1], p.DistalReference[2])
	if err != nil {
		return geometry.Plane{}, err
	}
	if ref.Normal.Z() < 0 {
		ref = ref.Flip()
	}
	return ref, nil
}

// cutPlanes returns the anterior and posterior cut planes of the placed
// candidate, both with normals pointing anteriorly.
func cutPlanes(points []mgl64.Vec3) (anterior, posterior geometry.Plane, err error) {
	anterior, err = geometry.PlaneFromPoints(points[0], points[1], points[2])
	if err != nil {
		return
	}
	posterior, err = geometry.PlaneFromPoints(points[3], points[4], points[5])
	if err != nil {
		return
	}
	if anterior.Normal.Y() < 0 {
		anterior = anterior.Flip()
	}
	if posterior.Normal.Y() < 0 {
		posterior = posterior.Flip()
	}
	return
}

// placeFemur positions a femoral candidate on the bone. The constraints are
// applied in order: distal depth, anterior translation, rotation about Z and
// flexion about X. The result maps the implant frame into selection space.
func placeFemur(c Candidate, in femurInput, p FemurParams) (mgl64.Mat4, error) {
	ref, err := p.DistalPlane()
	if err != nil {
		return mgl64.Mat4{}, err
	}

	// distal cut DistalResection above the distal condyles
	dz := (ref.SignedDistance(in.distalMid) + p.DistalResection) / ref.Normal.Z()
	place := mgl64.Translate3D(0, 0, dz)

	// anterior cut through the cortex, averaged with the corner clearance
	pts := geometry.TransformPoints(place, c.Points)
	anterior, _, err := cutPlanes(pts)
	if err != nil {
		return mgl64.Mat4{}, err
	}
	cos := math.Cos(mgl64.DegToRad(p.FlangeAngle))
	dy1 := anterior.SignedDistance(in.cortex) / cos
	dy2 := -in.surface.SignedDistance(geometry.Midpoint(pts[0], pts[1])) / cos
	place = mgl64.Translate3D(0, (dy1+dy2)/2, dz)

	// flange edge parallel to the anterior surface line
	if theta, ok := flangeRotation(in.surface, in.cortex, p); ok {
		place = geometry.RotationZ(theta).Mul4(place)
	}

	// flex the flange onto the surface above the cortex
	pts = geometry.TransformPoints(place, c.Points)
	anterior, _, err = cutPlanes(pts)
	if err != nil {
		return mgl64.Mat4{}, err
	}
	q, _, _ := in.surface.ClosestPoint(in.cortex.Add(mgl64.Vec3{0, 0, p.FlexionProbe}))
	if anterior.SignedDistance(q) > 0 {
		pivot := anterior.Project(in.cortex)
		a := anterior.Project(q).Sub(pivot)
		b := q.Sub(pivot)
		a[0], b[0] = 0, 0
		phi := mgl64.RadToDeg(math.Atan2(a.Cross(b).X(), a.Dot(b)))
		about := mgl64.Translate3D(pivot[0], pivot[1], pivot[2]).
			Mul4(geometry.RotationX(phi)).
			Mul4(mgl64.Translate3D(-pivot[0], -pivot[1], -pivot[2]))
		place = about.Mul4(place)
	}
	return place, nil
}

// flangeRotation returns the rotation about Z, in degrees, that lines the
// flange edge up with the anterior surface between the lateral cortex point
// and the surface point RotationProbe medial of it. Medial is -X in
// selection space.
func flangeRotation(surface *mesh.Locator, cortex mgl64.Vec3, p FemurParams) (float64, bool) {
	q, _, _ := surface.ClosestPoint(cortex.Sub(mgl64.Vec3{p.RotationProbe, 0, 0}))
	line := cortex.Sub(q)
	if line.X() < 0 {
		line = line.Mul(-1)
	}
	if math.Abs(line.X()) <= geometry.Epsilon {
		return 0, false
	}
	theta := mgl64.RadToDeg(math.Atan2(line.Y(), line.X()))
	if theta < 0 {
		theta -= p.RotationBias
	} else {
		theta += p.RotationBias
	}
	return theta, true
}

// scoreFemur evaluates a placed femoral candidate. Lower is better.
func scoreFemur(c Candidate, place mgl64.Mat4, in femurInput, p FemurParams) (float64, error) {
	pts := geometry.TransformPoints(place, c.Points)
	_, posterior, err := cutPlanes(pts)
	if err != nil {
		return 0, err
	}
	w := p.Weights

	var distal float64
	dd := (pts[3].Z()+pts[4].Z())/2 - (in.upperHeight - p.UpperMargin)
	if dd > 0 {
		distal = w.DistalOvershoot * dd
	} else {
		distal = -w.DistalUndershoot * dd
	}

	post := math.Abs(math.Abs(posterior.SignedDistance(in.medialPost))-p.PosteriorTarget) +
		math.Abs(math.Abs(posterior.SignedDistance(in.lateralPost))-p.PosteriorTarget)

	clearance := func(a, b mgl64.Vec3) float64 {
		return math.Abs(in.surface.SignedDistance(a)) + math.Abs(in.surface.SignedDistance(b))
	}
	postCorner := clearance(pts[3], pts[4])
	antCorner := clearance(pts[0], pts[1])
	centering := math.Abs(geometry.Midpoint(pts[0], pts[1]).X() - in.epicondylarMid.X())

	return distal +
		w.Posterior*post +
		w.PosteriorCorner*postCorner +
		w.Centering*centering +
		w.AnteriorCorner*antCorner, nil
}
