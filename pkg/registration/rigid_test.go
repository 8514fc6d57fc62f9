package registration

import (
	"math/rand"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kneenav/internal/models"
	"kneenav/pkg/geometry"
)

func randomPoints(rng *rand.Rand, n int) []mgl64.Vec3 {
	pts := make([]mgl64.Vec3, n)
	for i := range pts {
		pts[i] = mgl64.Vec3{rng.Float64()*200 - 100, rng.Float64()*200 - 100, rng.Float64()*200 - 100}
	}
	return pts
}

func TestAlignRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	tests := []struct {
		name  string
		euler mgl64.Vec3
		pos   mgl64.Vec3
		n     int
	}{
		{"identity", mgl64.Vec3{}, mgl64.Vec3{}, 3},
		{"translation", mgl64.Vec3{}, mgl64.Vec3{10, -20, 300}, 5},
		{"rotation", mgl64.Vec3{30, -60, 120}, mgl64.Vec3{}, 9},
		{"general", mgl64.Vec3{-170, 45, 12}, mgl64.Vec3{-1.5, 88, 4}, 40},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want := geometry.TransformFromEuler(tt.euler, tt.pos)
			src := randomPoints(rng, tt.n)
			dst := geometry.TransformPoints(want, src)

			got, err := Align(src, dst)
			require.NoError(t, err)
			for i := 0; i < 16; i++ {
				assert.InDelta(t, want[i], got[i], 1e-6, "entry %d", i)
			}
			assert.InDelta(t, 0, RMS(src, dst, got), 1e-6)
			assert.InDelta(t, 1, got.Mat3().Det(), 1e-9)
		})
	}
}

func TestAlignRejectsReflection(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	src := randomPoints(rng, 12)
	dst := geometry.TransformPoints(geometry.MirrorX(), src)

	got, err := Align(src, dst)
	require.NoError(t, err)
	assert.InDelta(t, 1, got.Mat3().Det(), 1e-9)
	assert.Greater(t, RMS(src, dst, got), 1.0)
}

func TestAlignErrors(t *testing.T) {
	a := []mgl64.Vec3{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}}

	_, err := Align(a, a[:2])
	assert.ErrorIs(t, err, models.ErrInput)

	_, err = Align(a[:2], a[:2])
	assert.ErrorIs(t, err, models.ErrInput)

	line := []mgl64.Vec3{{0, 0, 0}, {1, 1, 1}, {2, 2, 2}, {5, 5, 5}}
	_, err = Align(line, line)
	assert.ErrorIs(t, err, models.ErrDegenerate)
}
