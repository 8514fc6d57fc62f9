package stl

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-gl/mathgl/mgl64"

	"kneenav/internal/models"
	"kneenav/pkg/mesh"
)

// TestEncodeDecodeWeldsVertices verifies that shared corners are merged back
// into indexed vertices when a mesh is read back.
func TestEncodeDecodeWeldsVertices(t *testing.T) {
	box := mesh.Box(mgl64.Vec3{-1, -2, -3}, mgl64.Vec3{1, 2, 3})

	var buf bytes.Buffer
	if err := Encode(&buf, box); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if len(got.Vertices) != 8 {
		t.Errorf("Expected 8 welded vertices, got %d", len(got.Vertices))
	}
	if len(got.Faces) != 12 {
		t.Errorf("Expected 12 faces, got %d", len(got.Faces))
	}

	lo, hi := got.Bounds()
	if lo != (mgl64.Vec3{-1, -2, -3}) || hi != (mgl64.Vec3{1, 2, 3}) {
		t.Errorf("Unexpected bounds %v %v", lo, hi)
	}

	// winding must survive the round trip
	for i, f := range got.Faces {
		c := got.Vertices[f[0]].Add(got.Vertices[f[1]]).Add(got.Vertices[f[2]])
		if got.FaceNormal(i).Dot(c) <= 0 {
			t.Errorf("Face %d points inward after round trip", i)
		}
	}
}

// TestSaveLoadFile exercises the file based Store.
func TestSaveLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sphere.stl")
	sphere := mesh.Sphere(mgl64.Vec3{0, 0, 40}, 25, 6, 10)

	var store Store
	if err := store.SaveMesh(path, sphere); err != nil {
		t.Fatalf("SaveMesh failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("STL file not written: %v", err)
	}

	got, err := store.LoadMesh(path)
	if err != nil {
		t.Fatalf("LoadMesh failed: %v", err)
	}
	if len(got.Vertices) != len(sphere.Vertices) {
		t.Errorf("Expected %d vertices, got %d", len(sphere.Vertices), len(got.Vertices))
	}
	if len(got.Faces) != len(sphere.Faces) {
		t.Errorf("Expected %d faces, got %d", len(sphere.Faces), len(got.Faces))
	}
}

// TestLoadMissingFile checks the error classification.
func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.stl"))
	if !errors.Is(err, models.ErrIO) {
		t.Errorf("Expected ErrIO, got %v", err)
	}
}
