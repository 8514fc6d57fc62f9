package mesh

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// Box returns the closed axis-aligned box [lo, hi] as 12 outward-facing
// triangles.
func Box(lo, hi mgl64.Vec3) *Mesh {
	vs := make([]mgl64.Vec3, 8)
	for i := range vs {
		for k := 0; k < 3; k++ {
			if i>>k&1 == 1 {
				vs[i][k] = hi[k]
			} else {
				vs[i][k] = lo[k]
			}
		}
	}
	return &Mesh{
		Vertices: vs,
		Faces: [][3]int{
			{0, 2, 1}, {1, 2, 3}, // -z
			{4, 5, 6}, {5, 7, 6}, // +z
			{0, 1, 4}, {1, 5, 4}, // -y
			{2, 6, 3}, {3, 6, 7}, // +y
			{0, 4, 2}, {2, 4, 6}, // -x
			{1, 3, 5}, {3, 7, 5}, // +x
		},
	}
}

// Sphere returns a closed UV sphere with outward-facing triangles. rings is
// the number of latitude bands and segments the number of longitude steps.
func Sphere(center mgl64.Vec3, radius float64, rings, segments int) *Mesh {
	rings = max(rings, 2)
	segments = max(segments, 3)

	m := &Mesh{}
	m.Vertices = append(m.Vertices, center.Add(mgl64.Vec3{0, 0, radius}))
	for i := 1; i < rings; i++ {
		theta := math.Pi * float64(i) / float64(rings)
		z, rho := radius*math.Cos(theta), radius*math.Sin(theta)
		for j := 0; j < segments; j++ {
			phi := 2 * math.Pi * float64(j) / float64(segments)
			m.Vertices = append(m.Vertices, center.Add(mgl64.Vec3{rho * math.Cos(phi), rho * math.Sin(phi), z}))
		}
	}
	bottom := len(m.Vertices)
	m.Vertices = append(m.Vertices, center.Add(mgl64.Vec3{0, 0, -radius}))

	idx := func(ring, seg int) int { return 1 + (ring-1)*segments + seg%segments }
	for j := 0; j < segments; j++ {
		m.Faces = append(m.Faces, [3]int{0, idx(1, j), idx(1, j+1)})
	}
	for i := 1; i < rings-1; i++ {
		for j := 0; j < segments; j++ {
			a, b := idx(i, j), idx(i, j+1)
			c, d := idx(i+1, j), idx(i+1, j+1)
			m.Faces = append(m.Faces, [3]int{a, c, d}, [3]int{a, d, b})
		}
	}
	for j := 0; j < segments; j++ {
		m.Faces = append(m.Faces, [3]int{bottom, idx(rings-1, j+1), idx(rings-1, j)})
	}
	return m
}
