// Package mesh provides the indexed triangle surface shared by the shape
// model, the implant selector and the navigation metrics, together with
// nearest-point queries against it.
package mesh

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl64"

	"kneenav/internal/models"
	"kneenav/pkg/geometry"
)

// Mesh is an indexed triangle surface. Faces reference Vertices by index and
// wind counter-clockwise when seen from outside the bone.
type Mesh struct {
	Vertices []mgl64.Vec3
	Faces    [][3]int
}

// New validates and returns a mesh over the given slices. The slices are not
// copied.
func New(vertices []mgl64.Vec3, faces [][3]int) (*Mesh, error) {
	m := &Mesh{Vertices: vertices, Faces: faces}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks that every face references existing, distinct vertices.
func (m *Mesh) Validate() error {
	n := len(m.Vertices)
	for i, f := range m.Faces {
		for _, v := range f {
			if v < 0 || v >= n {
				return fmt.Errorf("face %d references vertex %d of %d: %w", i, v, n, models.ErrInput)
			}
		}
		if f[0] == f[1] || f[1] == f[2] || f[0] == f[2] {
			return fmt.Errorf("face %d repeats a vertex: %w", i, models.ErrInput)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (m *Mesh) Clone() *Mesh {
	return &Mesh{
		Vertices: append([]mgl64.Vec3(nil), m.Vertices...),
		Faces:    append([][3]int(nil), m.Faces...),
	}
}

// Transform returns a new mesh with every vertex mapped by t. Faces are
// shared with the receiver since connectivity never changes.
func (m *Mesh) Transform(t mgl64.Mat4) *Mesh {
	return &Mesh{
		Vertices: geometry.TransformPoints(t, m.Vertices),
		Faces:    m.Faces,
	}
}

// MirrorX negates the x coordinate of every vertex and reverses the winding
// of every face so that normals keep pointing out of the surface.
func (m *Mesh) MirrorX() *Mesh {
	out := &Mesh{
		Vertices: make([]mgl64.Vec3, len(m.Vertices)),
		Faces:    make([][3]int, len(m.Faces)),
	}
	for i, v := range m.Vertices {
		out.Vertices[i] = mgl64.Vec3{-v[0], v[1], v[2]}
	}
	for i, f := range m.Faces {
		out.Faces[i] = [3]int{f[0], f[2], f[1]}
	}
	return out
}

// FaceNormal returns the unit normal of face i, or the zero vector for a
// degenerate triangle.
func (m *Mesh) FaceNormal(i int) mgl64.Vec3 {
	f := m.Faces[i]
	a, b, c := m.Vertices[f[0]], m.Vertices[f[1]], m.Vertices[f[2]]
	n := b.Sub(a).Cross(c.Sub(a))
	if l := n.Len(); l > geometry.Epsilon {
		return n.Mul(1 / l)
	}
	return mgl64.Vec3{}
}

// Bounds returns the axis-aligned bounding box of the vertices.
func (m *Mesh) Bounds() (lo, hi mgl64.Vec3) {
	if len(m.Vertices) == 0 {
		return lo, hi
	}
	lo, hi = m.Vertices[0], m.Vertices[0]
	for _, v := range m.Vertices[1:] {
		for k := 0; k < 3; k++ {
			lo[k] = min(lo[k], v[k])
			hi[k] = max(hi[k], v[k])
		}
	}
	return lo, hi
}

// Crop keeps the faces with at least one vertex on the positive side of the
// plane and drops vertices no longer referenced. It is used to trim the
// reconstructed shaft to the region around the joint.
func (m *Mesh) Crop(pl geometry.Plane) *Mesh {
	remap := make([]int, len(m.Vertices))
	for i := range remap {
		remap[i] = -1
	}
	out := &Mesh{}
	for _, f := range m.Faces {
		keep := false
		for _, v := range f {
			if pl.SignedDistance(m.Vertices[v]) >= 0 {
				keep = true
				break
			}
		}
		if !keep {
			continue
		}
		var nf [3]int
		for k, v := range f {
			if remap[v] < 0 {
				remap[v] = len(out.Vertices)
				out.Vertices = append(out.Vertices, m.Vertices[v])
			}
			nf[k] = remap[v]
		}
		out.Faces = append(out.Faces, nf)
	}
	return out
}
