// Package ssm implements the statistical shape models of the femur and tibia
// and the landmark driven fit that personalizes them to a patient.
//
// A model is a mean shape of V vertices, a K x 3V basis of principal shape
// modes and a fixed triangle list. A coefficient vector alpha of length K
// produces the surface mean + basis^T * alpha reshaped to V x 3.
package ssm

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-gl/mathgl/mgl64"
	"gonum.org/v1/gonum/mat"

	"kneenav/internal/models"
	"kneenav/pkg/mesh"
)

// TemplateVertices is the vertex count of the femur and tibia templates.
const TemplateVertices = 10000

// Template vertex indices matched, in order, to models.FemurKeypoints and
// models.TibiaKeypoints.
var (
	FemurCorrespondence = []int{7841, 6968, 3089, 8589, 2161, 7462, 2410, 7457, 7692}
	TibiaCorrespondence = []int{6304, 178, 4235, 1883, 7370, 6161, 4677, 6264, 1927}
)

// DefaultCorrespondence returns the template correspondence for a bone.
func DefaultCorrespondence(b models.Bone) []int {
	if b == models.Tibia {
		return append([]int(nil), TibiaCorrespondence...)
	}
	return append([]int(nil), FemurCorrespondence...)
}

// Model is a loaded statistical shape model.
type Model struct {
	Bone           models.Bone
	Mean           *mat.Dense // V x 3
	Basis          *mat.Dense // K x 3V
	Faces          [][3]int
	Correspondence []int
}

// NewModel checks the dimensions of the parts and assembles a model.
func NewModel(bone models.Bone, mean, basis *mat.Dense, faces [][3]int, correspondence []int) (*Model, error) {
	v, c := mean.Dims()
	if c != 3 {
		return nil, fmt.Errorf("mean shape has %d columns, want 3: %w", c, models.ErrInput)
	}
	if _, bc := basis.Dims(); bc != 3*v {
		return nil, fmt.Errorf("basis has %d columns for %d vertices: %w", bc, v, models.ErrInput)
	}
	if len(correspondence) < 3 {
		return nil, fmt.Errorf("need at least 3 correspondence vertices, got %d: %w", len(correspondence), models.ErrInput)
	}
	for _, i := range correspondence {
		if i < 0 || i >= v {
			return nil, fmt.Errorf("correspondence vertex %d out of range [0,%d): %w", i, v, models.ErrInput)
		}
	}
	m := &Model{Bone: bone, Mean: mean, Basis: basis, Faces: faces, Correspondence: correspondence}
	if err := (&mesh.Mesh{Vertices: make([]mgl64.Vec3, v), Faces: faces}).Validate(); err != nil {
		return nil, fmt.Errorf("template faces: %w", err)
	}
	return m, nil
}

// Modes returns K, the number of shape modes.
func (m *Model) Modes() int {
	k, _ := m.Basis.Dims()
	return k
}

// VertexCount returns V.
func (m *Model) VertexCount() int {
	v, _ := m.Mean.Dims()
	return v
}

// Reconstruct returns the vertices of mean + basis^T * alpha.
func (m *Model) Reconstruct(alpha []float64) ([]mgl64.Vec3, error) {
	k := m.Modes()
	if len(alpha) != k {
		return nil, fmt.Errorf("coefficient vector has length %d, model has %d modes: %w", len(alpha), k, models.ErrInput)
	}
	var offset mat.VecDense
	offset.MulVec(m.Basis.T(), mat.NewVecDense(k, alpha))

	v := m.VertexCount()
	out := make([]mgl64.Vec3, v)
	for i := 0; i < v; i++ {
		for c := 0; c < 3; c++ {
			out[i][c] = m.Mean.At(i, c) + offset.AtVec(3*i+c)
		}
	}
	return out, nil
}

// Mesh returns the reconstructed surface for alpha.
func (m *Model) Mesh(alpha []float64) (*mesh.Mesh, error) {
	vs, err := m.Reconstruct(alpha)
	if err != nil {
		return nil, err
	}
	return &mesh.Mesh{Vertices: vs, Faces: m.Faces}, nil
}

// Paths locates the files of a model on disk.
type Paths struct {
	Mean  string // gonum binary matrix, V x 3
	Basis string // gonum binary matrix, K x 3V
	Faces string // text triangle list
}

// LoadModel reads a model and checks it has TemplateVertices vertices.
func LoadModel(bone models.Bone, p Paths) (*Model, error) {
	mean, err := ReadMatrix(p.Mean)
	if err != nil {
		return nil, fmt.Errorf("mean shape: %w", err)
	}
	if v, _ := mean.Dims(); v != TemplateVertices {
		return nil, fmt.Errorf("mean shape has %d vertices, want %d: %w", v, TemplateVertices, models.ErrInput)
	}
	basis, err := ReadMatrix(p.Basis)
	if err != nil {
		return nil, fmt.Errorf("shape basis: %w", err)
	}
	faces, err := ReadFaces(p.Faces)
	if err != nil {
		return nil, err
	}
	return NewModel(bone, mean, basis, faces, DefaultCorrespondence(bone))
}

// ReadMatrix reads a matrix stored in gonum's binary format.
func ReadMatrix(path string) (*mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening %s: %v: %w", path, err, models.ErrIO)
	}
	defer f.Close()

	var d mat.Dense
	if _, err := d.UnmarshalBinaryFrom(bufio.NewReader(f)); err != nil {
		return nil, fmt.Errorf("error decoding %s: %v: %w", path, err, models.ErrIO)
	}
	return &d, nil
}

// WriteMatrix stores a matrix in gonum's binary format.
func WriteMatrix(path string, d *mat.Dense) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating %s: %v: %w", path, err, models.ErrIO)
	}
	w := bufio.NewWriter(f)
	if _, err := d.MarshalBinaryTo(w); err != nil {
		f.Close()
		return fmt.Errorf("error encoding %s: %v: %w", path, err, models.ErrIO)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("error writing %s: %v: %w", path, err, models.ErrIO)
	}
	return f.Close()
}

// ReadFaces reads a triangle list, one face per line. Lines may carry a
// leading vertex count ("3 a b c") as in VTK polygon dumps. Blank lines and
// lines starting with '#' are skipped.
func ReadFaces(path string) ([][3]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening faces %s: %v: %w", path, err, models.ErrIO)
	}
	defer f.Close()

	var faces [][3]int
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		if len(fields) == 4 && fields[0] == "3" {
			fields = fields[1:]
		}
		if len(fields) != 3 {
			return nil, fmt.Errorf("%s:%d: want 3 indices, got %d: %w", path, line, len(fields), models.ErrInput)
		}
		var face [3]int
		for k, s := range fields {
			v, err := strconv.Atoi(s)
			if err != nil {
				return nil, fmt.Errorf("%s:%d: %v: %w", path, line, err, models.ErrInput)
			}
			face[k] = v
		}
		faces = append(faces, face)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("error reading faces %s: %v: %w", path, err, models.ErrIO)
	}
	return faces, nil
}
