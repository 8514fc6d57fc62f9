package geometry

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"gonum.org/v1/gonum/mat"

	"kneenav/internal/models"
)

// FitSphere returns the least-squares sphere through the points. It is used
// to locate the femoral head center from samples collected while pivoting the
// leg about the hip.
//
// The fit is algebraic: x*A + y*B + z*C + D = -(x^2+y^2+z^2) is solved with a
// QR factorization and the center is (-A/2, -B/2, -C/2).
func FitSphere(pts []mgl64.Vec3) (mgl64.Vec3, float64, error) {
	n := len(pts)
	if n < 4 {
		return mgl64.Vec3{}, 0, fmt.Errorf("sphere fit needs at least 4 points, got %d: %w", n, models.ErrInput)
	}

	a := mat.NewDense(n, 4, nil)
	b := mat.NewVecDense(n, nil)
	for i, p := range pts {
		a.Set(i, 0, p[0])
		a.Set(i, 1, p[1])
		a.Set(i, 2, p[2])
		a.Set(i, 3, 1)
		b.SetVec(i, -p.Dot(p))
	}

	var qr mat.QR
	qr.Factorize(a)
	var x mat.VecDense
	if err := qr.SolveVecTo(&x, false, b); err != nil {
		return mgl64.Vec3{}, 0, fmt.Errorf("sphere fit: %v: %w", err, models.ErrDegenerate)
	}

	center := mgl64.Vec3{-x.AtVec(0) / 2, -x.AtVec(1) / 2, -x.AtVec(2) / 2}
	r2 := center.Dot(center) - x.AtVec(3)
	if r2 <= 0 {
		return mgl64.Vec3{}, 0, fmt.Errorf("sphere fit produced non-positive radius: %w", models.ErrDegenerate)
	}
	return center, math.Sqrt(r2), nil
}
