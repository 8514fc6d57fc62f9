// Package registration computes least-squares rigid alignments between
// corresponding point sets.
package registration

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"gonum.org/v1/gonum/mat"

	"kneenav/internal/models"
	"kneenav/pkg/geometry"
)

// collinearTolerance is the minimum distance, relative to the spread of the
// point set, that one point must keep from the line through two others.
const collinearTolerance = 1e-9

// Align returns the rotation+translation T minimizing sum |T*source[i] - target[i]|^2.
// Scale is fixed at 1 and reflections are excluded (det R = +1).
//
// At least three non-collinear correspondences are required.
func Align(source, target []mgl64.Vec3) (mgl64.Mat4, error) {
	if len(source) != len(target) {
		return mgl64.Mat4{}, fmt.Errorf("correspondence count mismatch: %d source vs %d target: %w",
			len(source), len(target), models.ErrInput)
	}
	if len(source) < 3 {
		return mgl64.Mat4{}, fmt.Errorf("rigid alignment needs 3 correspondences, got %d: %w",
			len(source), models.ErrInput)
	}
	if collinear(source) || collinear(target) {
		return mgl64.Mat4{}, fmt.Errorf("rigid alignment points are collinear: %w", models.ErrDegenerate)
	}

	cs := geometry.Centroid(source)
	ct := geometry.Centroid(target)

	// Cross-covariance H = sum (s - cs)(t - ct)^T.
	h := mat.NewDense(3, 3, nil)
	for i := range source {
		s := source[i].Sub(cs)
		t := target[i].Sub(ct)
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+s[r]*t[c])
			}
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(h, mat.SVDFull); !ok {
		return mgl64.Mat4{}, fmt.Errorf("SVD of cross-covariance failed: %w", models.ErrDegenerate)
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// R = V * diag(1, 1, d) * U^T with d correcting a reflection.
	var vut mat.Dense
	vut.Mul(&v, u.T())
	d := 1.0
	if mat.Det(&vut) < 0 {
		d = -1
	}
	diag := mat.NewDiagDense(3, []float64{1, 1, d})
	var vd, rot mat.Dense
	vd.Mul(&v, diag)
	rot.Mul(&vd, u.T())

	var r mgl64.Mat3
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			r.Set(row, col, rot.At(row, col))
		}
	}
	t := ct.Sub(r.Mul3x1(cs))

	m := r.Mat4()
	m.SetCol(3, t.Vec4(1))
	return m, nil
}

// RMS returns the root mean square distance between T*source and target.
func RMS(source, target []mgl64.Vec3, m mgl64.Mat4) float64 {
	if len(source) == 0 || len(source) != len(target) {
		return math.NaN()
	}
	var sum float64
	for i := range source {
		d := geometry.TransformPoint(m, source[i]).Sub(target[i])
		sum += d.Dot(d)
	}
	return math.Sqrt(sum / float64(len(source)))
}

func collinear(pts []mgl64.Vec3) bool {
	a := pts[0]
	far, farDist := -1, 0.0
	for i, p := range pts {
		if d := p.Sub(a).Len(); d > farDist {
			far, farDist = i, d
		}
	}
	if farDist < geometry.Epsilon {
		return true
	}
	dir := pts[far].Sub(a).Mul(1 / farDist)
	for _, p := range pts {
		if p.Sub(a).Cross(dir).Len() > collinearTolerance*math.Max(1, farDist) {
			return false
		}
	}
	return true
}
