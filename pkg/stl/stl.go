// Package stl reads and writes triangle meshes in STL format. STL stores
// every triangle with its own copy of each corner, so loading welds
// identical corners back into shared vertices.
package stl

import (
	"bytes"
	"fmt"
	"io"

	"github.com/go-gl/mathgl/mgl64"
	hstl "github.com/hschendel/stl"

	"kneenav/internal/models"
	"kneenav/pkg/mesh"
)

// Store loads and saves meshes on the local file system.
type Store struct{}

// LoadMesh reads an STL file.
func (Store) LoadMesh(path string) (*mesh.Mesh, error) {
	return Load(path)
}

// SaveMesh writes an STL file.
func (Store) SaveMesh(path string, m *mesh.Mesh) error {
	return Save(path, m)
}

// Load reads an ASCII or binary STL file into an indexed mesh.
func Load(path string) (*mesh.Mesh, error) {
	solid, err := hstl.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading mesh %s: %v: %w", path, err, models.ErrIO)
	}
	return fromSolid(solid), nil
}

// Decode reads an STL stream into an indexed mesh.
func Decode(r io.Reader) (*mesh.Mesh, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("error decoding mesh: %v: %w", err, models.ErrIO)
	}
	solid, err := hstl.ReadAll(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("error decoding mesh: %v: %w", err, models.ErrIO)
	}
	return fromSolid(solid), nil
}

// Save writes the mesh as a binary STL file with recomputed face normals.
func Save(path string, m *mesh.Mesh) error {
	if err := toSolid(m).WriteFile(path); err != nil {
		return fmt.Errorf("error writing mesh %s: %v: %w", path, err, models.ErrIO)
	}
	return nil
}

// Encode writes the mesh as binary STL.
func Encode(w io.Writer, m *mesh.Mesh) error {
	if err := toSolid(m).WriteAll(w); err != nil {
		return fmt.Errorf("error encoding mesh: %v: %w", err, models.ErrIO)
	}
	return nil
}

func fromSolid(s *hstl.Solid) *mesh.Mesh {
	index := make(map[hstl.Vec3]int, len(s.Triangles)/2)
	m := &mesh.Mesh{Faces: make([][3]int, 0, len(s.Triangles))}
	for _, t := range s.Triangles {
		var f [3]int
		for k, v := range t.Vertices {
			i, ok := index[v]
			if !ok {
				i = len(m.Vertices)
				index[v] = i
				m.Vertices = append(m.Vertices, mgl64.Vec3{float64(v[0]), float64(v[1]), float64(v[2])})
			}
			f[k] = i
		}
		// corners welded together collapse the triangle
		if f[0] == f[1] || f[1] == f[2] || f[0] == f[2] {
			continue
		}
		m.Faces = append(m.Faces, f)
	}
	return m
}

// binaryHeader must not start with "solid" or readers mistake the file for
// ASCII STL.
var binaryHeader = func() []byte {
	h := make([]byte, 80)
	copy(h, "kneenav binary mesh")
	return h
}()

func toSolid(m *mesh.Mesh) *hstl.Solid {
	s := &hstl.Solid{
		Name:         "kneenav",
		BinaryHeader: binaryHeader,
		Triangles:    make([]hstl.Triangle, len(m.Faces)),
	}
	for i, f := range m.Faces {
		n := m.FaceNormal(i)
		s.Triangles[i].Normal = hstl.Vec3{float32(n[0]), float32(n[1]), float32(n[2])}
		for k, vi := range f {
			v := m.Vertices[vi]
			s.Triangles[i].Vertices[k] = hstl.Vec3{float32(v[0]), float32(v[1]), float32(v[2])}
		}
	}
	return s
}
