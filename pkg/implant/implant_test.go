package implant

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kneenav/internal/models"
	"kneenav/pkg/geometry"
	"kneenav/pkg/mesh"
)

func TestReadPoints(t *testing.T) {
	pts, err := ReadPoints(strings.NewReader("# size 2\n1 2 3\n\n4.5 -6 7e1\n8,9,10\n"))
	require.NoError(t, err)
	want := []mgl64.Vec3{{1, 2, 3}, {4.5, -6, 70}, {8, 9, 10}}
	if diff := cmp.Diff(want, pts); diff != "" {
		t.Errorf("ReadPoints mismatch (-want +got):\n%s", diff)
	}

	_, err = ReadPoints(strings.NewReader("1 2\n"))
	assert.ErrorIs(t, err, models.ErrInput)
	_, err = ReadPoints(strings.NewReader("1 2 x\n"))
	assert.ErrorIs(t, err, models.ErrInput)
}

func TestLoadCatalogKeepsLabelOrder(t *testing.T) {
	dir := t.TempDir()
	labels := []string{"3", "1-5", "2"}
	for i, l := range labels {
		pts := make([]mgl64.Vec3, TibiaReferencePoints)
		for j := range pts {
			pts[j] = mgl64.Vec3{float64(i), float64(j), 0}
		}
		f, err := os.Create(filepath.Join(dir, FileName(models.Tibia, l)))
		require.NoError(t, err)
		require.NoError(t, WritePoints(f, pts))
		require.NoError(t, f.Close())
	}

	c, err := LoadCatalog(dir, models.Tibia, labels)
	require.NoError(t, err)
	var got []string
	for _, cand := range c.Candidates {
		got = append(got, cand.Label)
	}
	if diff := cmp.Diff(labels, got); diff != "" {
		t.Errorf("catalog order mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, mgl64.Vec3{2, 6, 0}, c.Candidates[2].Points[6])

	_, err = LoadCatalog(dir, models.Tibia, []string{"3", "9"})
	assert.ErrorIs(t, err, models.ErrIO)

	// tibia files are too short for a femur catalog
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName(models.Femur, "3")), []byte("1 2 3\n"), 0644))
	_, err = LoadCatalog(dir, models.Femur, []string{"3"})
	assert.ErrorIs(t, err, models.ErrInput)
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "femur-2-5.txt", FileName(models.Femur, "2-5"))
	assert.Equal(t, "tibia-1-5.txt", FileName(models.Tibia, "1-5"))
}

// tibiaCase is a plateau in selection space (+Y anterior, medial at -X)
// whose outline vertices are 0..4 of the surface.
func tibiaCase(side models.Side) (*models.LandmarkSet, *mesh.Mesh) {
	set := models.NewLandmarkSet(models.Tibia, side)
	set.Set(models.MedialHigh, mgl64.Vec3{-20, 0, 10})
	set.Set(models.LateralHigh, mgl64.Vec3{20, 0, 9})
	set.Set(models.Eminence, mgl64.Vec3{0, 0, 12})
	set.Set(models.Tuberosity, mgl64.Vec3{0, 40, -30})
	surface := &mesh.Mesh{Vertices: []mgl64.Vec3{
		{0, 30, 0},    // anterior
		{35, 0, 0},    // lateral edge
		{-35, 0, 0},   // medial edge
		{-20, -20, 0}, // posterior medial
		{20, -20, 0},  // posterior lateral
	}}
	return set, surface
}

func tibiaCandidate(label string, s float64) Candidate {
	return Candidate{Label: label, Points: []mgl64.Vec3{
		{0, 0, 0},
		{0, 30 * s, 0},
		{0, 0, 0},
		{-35 * s, 0, 0},
		{35 * s, 0, 0},
		{-20 * s, -20 * s, 0},
		{20 * s, -20 * s, 0},
	}}
}

func tibiaParams() Params {
	p := DefaultParams()
	p.Tibia.Vertices = [5]int{0, 1, 2, 3, 4}
	return p
}

func TestSelectTibia(t *testing.T) {
	cat, err := NewCatalog(models.Tibia, []Candidate{
		tibiaCandidate("2", 0.8),
		tibiaCandidate("3", 1),
		tibiaCandidate("3-dup", 1),
		tibiaCandidate("4", 1.2),
	})
	require.NoError(t, err)
	set, surface := tibiaCase(models.Right)

	res, err := NewSelector(cat, tibiaParams()).Select(set, surface)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Index, "exact size wins, its duplicate loses the tie")
	assert.Equal(t, "3", res.Label)
	assert.InDelta(t, 0, res.Score, 1e-9)
	require.Len(t, res.Scores, 4)
	assert.InDelta(t, 0, res.Scores[2], 1e-9)
	assert.Greater(t, res.Scores[0], 0.0)
	assert.Greater(t, res.Scores[3], 0.0)

	// cut 6 below the medial high point, 3 posterior of the anterior edge
	pos := geometry.Translation(res.Placement)
	assert.True(t, pos.ApproxEqualThreshold(mgl64.Vec3{0, 3, 4}, 1e-9), "got %v", pos)
	assert.False(t, res.Mirrored)

	require.Len(t, res.Placements, 4)
	assert.Equal(t, res.Placement, res.Placements[1])
	assert.Equal(t, []string{"2", "3", "3-dup", "4"}, res.Labels)

	bigger, err := res.Choose(3)
	require.NoError(t, err)
	assert.Equal(t, "4", bigger.Label)
	assert.Equal(t, res.Scores[3], bigger.Score)
	assert.Equal(t, res.Placements[3], bigger.Placement)
	assert.Equal(t, 1, res.Index, "Choose leaves the receiver unchanged")

	_, err = res.Choose(4)
	assert.ErrorIs(t, err, models.ErrInput)
}

func TestSelectTibiaPosteriorFacingFrame(t *testing.T) {
	cat, err := NewCatalog(models.Tibia, []Candidate{tibiaCandidate("2", 0.8), tibiaCandidate("3", 1)})
	require.NoError(t, err)
	set, surface := tibiaCase(models.Right)

	// same bone with anterior towards -Y
	flip := geometry.RotationZ(180)
	res, err := NewSelector(cat, tibiaParams()).Select(set.Transform(flip), surface.Transform(flip))
	require.NoError(t, err)
	assert.Equal(t, "3", res.Label)
	pos := geometry.Translation(res.Placement)
	assert.True(t, pos.ApproxEqualThreshold(mgl64.Vec3{0, -3, 4}, 1e-9), "got %v", pos)
}

func TestSelectLeftIsMirrored(t *testing.T) {
	cat, err := NewCatalog(models.Tibia, []Candidate{tibiaCandidate("3", 1)})
	require.NoError(t, err)
	set, surface := tibiaCase(models.Left)

	res, err := NewSelector(cat, tibiaParams()).Select(set, surface)
	require.NoError(t, err)
	assert.True(t, res.Mirrored)
	assert.InDelta(t, -1, res.Transform().Mat3().Det(), 1e-9)

	implant := mesh.Box(mgl64.Vec3{1, 0, 0}, mgl64.Vec3{2, 1, 1})
	placed := res.PlaceMesh(implant)
	lo, hi := placed.Bounds()
	assert.InDelta(t, -2, lo.X(), 1e-9)
	assert.InDelta(t, -1, hi.X(), 1e-9)
	assert.Equal(t, [3]int{implant.Faces[0][0], implant.Faces[0][2], implant.Faces[0][1]}, placed.Faces[0])
}

func TestSelectTibiaErrors(t *testing.T) {
	cat, err := NewCatalog(models.Tibia, []Candidate{tibiaCandidate("3", 1)})
	require.NoError(t, err)
	set, surface := tibiaCase(models.Right)

	// default outline indices need the full template mesh
	_, err = NewSelector(cat, DefaultParams()).Select(set, surface)
	assert.ErrorIs(t, err, models.ErrInput)

	femurSet := models.NewLandmarkSet(models.Femur, models.Right)
	_, err = NewSelector(cat, tibiaParams()).Select(femurSet, surface)
	assert.ErrorIs(t, err, models.ErrInput)

	_, err = NewSelector(cat, tibiaParams()).Select(set, &mesh.Mesh{})
	assert.ErrorIs(t, err, models.ErrInput)

	_, err = NewCatalog(models.Tibia, nil)
	assert.ErrorIs(t, err, models.ErrInput)
}

func TestPlateauAngle(t *testing.T) {
	tests := []struct {
		name   string
		medial mgl64.Vec3
		want   float64
	}{
		{"level", mgl64.Vec3{-20, 0, 0}, 0},
		{"medial anterior", mgl64.Vec3{-20, 40, 0}, 45},
		{"medial posterior", mgl64.Vec3{-20, -40, 0}, -45},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := plateauAngle(tt.medial, mgl64.Vec3{20, 0, 0})
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
	_, err := plateauAngle(mgl64.Vec3{0, 0, 5}, mgl64.Vec3{0, 0, 1})
	assert.ErrorIs(t, err, models.ErrDegenerate)
}

// femurCase is a box-shaped distal femur in bone-local space with +Y
// anterior.
func femurCase(side models.Side) (*models.LandmarkSet, *mesh.Mesh) {
	set := models.NewLandmarkSet(models.Femur, side)
	set.Set(models.MedialDistal, mgl64.Vec3{-20, 0, 0})
	set.Set(models.LateralDistal, mgl64.Vec3{20, 0, 0})
	set.Set(models.AnteriorCortex, mgl64.Vec3{0, 30, 40})
	set.Set(models.MedialPosterior, mgl64.Vec3{-20, -30, 10})
	set.Set(models.LateralPosterior, mgl64.Vec3{20, -30, 10})
	set.Set(models.PosteriorUpperMedial, mgl64.Vec3{-20, -30, 30})
	set.Set(models.PosteriorUpperLateral, mgl64.Vec3{20, -30, 30})
	set.Set(models.MedialEpicondyle, mgl64.Vec3{-40, 0, 20})
	set.Set(models.LateralEpicondyle, mgl64.Vec3{40, 0, 20})
	return set, mesh.Box(mgl64.Vec3{-40, -30, 0}, mgl64.Vec3{40, 30, 60})
}

func femurCandidate(label string, s float64) Candidate {
	return Candidate{Label: label, Points: []mgl64.Vec3{
		{-20, 25 * s, 40}, {20, 25 * s, 40}, {0, 25 * s, 20},
		{-20, -25 * s, 40}, {20, -25 * s, 40}, {0, -25 * s, 20},
	}}
}

func TestSelectFemurIsDeterministic(t *testing.T) {
	cat, err := NewCatalog(models.Femur, []Candidate{
		femurCandidate("2", 0.9),
		femurCandidate("3", 1),
		femurCandidate("4", 1.1),
		femurCandidate("4-dup", 1.1),
	})
	require.NoError(t, err)
	set, surface := femurCase(models.Right)
	sel := NewSelector(cat, DefaultParams())

	first, err := sel.Select(set, surface)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := sel.Select(set, surface)
		require.NoError(t, err)
		assert.Equal(t, first.Index, again.Index)
		assert.Equal(t, first.Placement, again.Placement)
		assert.Equal(t, first.Scores, again.Scores)
	}

	// argmin with the first of equal scores
	want := 0
	for i, s := range first.Scores {
		if s < first.Scores[want] {
			want = i
		}
	}
	assert.Equal(t, want, first.Index)
	assert.Equal(t, first.Scores[2], first.Scores[3])
	assert.NotEqual(t, 3, first.Index)
	assert.NotEqual(t, first.Scores[0], first.Scores[1])

	// distal cut 8 above the distal condyles
	assert.InDelta(t, 0-17.976+8, geometry.Translation(first.Placement).Z(), 1e-9)
}

func TestSelectFemurMissingLandmark(t *testing.T) {
	cat, err := NewCatalog(models.Femur, []Candidate{femurCandidate("3", 1)})
	require.NoError(t, err)
	_, surface := femurCase(models.Right)

	set := models.NewLandmarkSet(models.Femur, models.Right)
	set.Set(models.AnteriorCortex, mgl64.Vec3{0, 30, 40})
	set.Set(models.MedialPosterior, mgl64.Vec3{-20, -30, 10})
	set.Set(models.LateralPosterior, mgl64.Vec3{20, -30, 10})
	_, err = NewSelector(cat, DefaultParams()).Select(set, surface)
	assert.ErrorIs(t, err, models.ErrInput)
	assert.Contains(t, err.Error(), models.MedialDistal)
}

func TestScoreFemurWeights(t *testing.T) {
	set, surface := femurCase(models.Right)
	c := femurCandidate("3", 1)
	pts, err := set.GetAll([]string{models.MedialPosterior, models.LateralPosterior})
	require.NoError(t, err)
	in := femurInput{
		medialPost:  pts[0],
		lateralPost: pts[1],
		upperHeight: 30,
		surface:     mesh.NewLocator(surface),
	}
	p := DefaultFemurParams()
	p.Weights = FemurWeights{DistalOvershoot: 3, DistalUndershoot: 1}

	// posterior cut upper edge at z=40 is 14 above 30-4: overshoot
	score, err := scoreFemur(c, mgl64.Ident4(), in, p)
	require.NoError(t, err)
	assert.InDelta(t, 42, score, 1e-9)

	// and 16 below after moving down 30: undershoot
	score, err = scoreFemur(c, mgl64.Translate3D(0, 0, -30), in, p)
	require.NoError(t, err)
	assert.InDelta(t, 16, score, 1e-9)

	p.Weights = FemurWeights{Posterior: 1}
	score, err = scoreFemur(c, mgl64.Ident4(), in, p)
	require.NoError(t, err)
	// condyles 5 behind the posterior cut, target 7, both sides
	assert.InDelta(t, 4, score, 1e-9)
}

// anteriorStep is an anterior femoral surface in selection space that is
// flat laterally (+X) and rises anteriorly toward medial (-X).
func anteriorStep() *mesh.Locator {
	return mesh.NewLocator(&mesh.Mesh{
		Vertices: []mgl64.Vec3{
			{0, 30, 0}, {40, 30, 0}, {40, 30, 80}, {0, 30, 80},
			{-40, 40, 80}, {-40, 40, 0},
		},
		Faces: [][3]int{
			{0, 1, 2}, {0, 2, 3},
			{0, 3, 4}, {0, 4, 5},
		},
	})
}

func TestFlangeRotationSamplesMedialSide(t *testing.T) {
	p := DefaultFemurParams()
	cortex := mgl64.Vec3{10, 30, 40}

	theta, ok := flangeRotation(anteriorStep(), cortex, p)
	require.True(t, ok)

	// the rotation sample at x=-6 lands on the medial slope 0.25x + y = 30
	n := mgl64.Vec3{0.25, 1, 0}
	q := mgl64.Vec3{-6, 30, 40}.Add(n.Mul(1.5 / n.Dot(n)))
	line := cortex.Sub(q)
	want := mgl64.RadToDeg(math.Atan2(line.Y(), line.X())) - p.RotationBias
	assert.InDelta(t, want, theta, 1e-9)
	assert.Less(t, theta, -p.RotationBias)

	// a flat surface only gets the bias
	p.RotationProbe = 5
	theta, ok = flangeRotation(anteriorStep(), cortex, p)
	require.True(t, ok)
	assert.InDelta(t, p.RotationBias, theta, 1e-9)
}
