// Package visualization renders planning results for the report directory:
// orthographic depth projections of the bone and placed implant, and charts
// of implant scores and clearance curves.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"github.com/go-gl/mathgl/mgl64"

	"kneenav/internal/models"
	"kneenav/pkg/mesh"
)

// Viewer renders meshes into square depth images.
type Viewer struct {
	// outputDir is where Save* writes images
	outputDir string

	// size is the image edge length in pixels
	size int
}

// NewViewer creates a viewer writing size x size images into outputDir.
func NewViewer(outputDir string, size int) *Viewer {
	if size < 2 {
		size = 2
	}
	return &Viewer{outputDir: outputDir, size: size}
}

// axes returns the horizontal, vertical and depth components for a view
// along axis.
func axes(axis string) (u, v, d int, err error) {
	switch axis {
	case "x", "X":
		return 1, 2, 0, nil
	case "y", "Y":
		return 0, 2, 1, nil
	case "z", "Z":
		return 0, 1, 2, nil
	}
	return 0, 0, 0, fmt.Errorf("invalid axis: %s (must be x, y, or z): %w", axis, models.ErrInput)
}

// Projection renders the meshes looking down the negative axis direction.
// Surfaces nearer the +axis side are brighter and the background is black.
func (v *Viewer) Projection(axis string, meshes ...*mesh.Mesh) (image.Image, error) {
	ui, vi, di, err := axes(axis)
	if err != nil {
		return nil, err
	}

	lo := mgl64.Vec3{math.Inf(1), math.Inf(1), math.Inf(1)}
	hi := lo.Mul(-1)
	for _, m := range meshes {
		if m == nil || len(m.Faces) == 0 {
			continue
		}
		mlo, mhi := m.Bounds()
		for k := 0; k < 3; k++ {
			lo[k] = math.Min(lo[k], mlo[k])
			hi[k] = math.Max(hi[k], mhi[k])
		}
	}
	if math.IsInf(lo[0], 1) {
		return nil, fmt.Errorf("nothing to project: %w", models.ErrInput)
	}

	n := v.size
	extent := math.Max(hi[ui]-lo[ui], hi[vi]-lo[vi])
	scale := 1.0
	if extent > 0 {
		scale = float64(n-1) / extent
	}
	depth := make([]float64, n*n)
	for i := range depth {
		depth[i] = math.Inf(-1)
	}

	for _, m := range meshes {
		if m == nil {
			continue
		}
		for _, f := range m.Faces {
			var tri [3]mgl64.Vec3
			for k, idx := range f {
				p := m.Vertices[idx]
				tri[k] = mgl64.Vec3{
					(p[ui] - lo[ui]) * scale,
					float64(n-1) - (p[vi]-lo[vi])*scale,
					p[di],
				}
			}
			rasterize(tri, n, depth)
		}
	}

	img := image.NewGray16(image.Rect(0, 0, n, n))
	span := hi[di] - lo[di]
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			d := depth[y*n+x]
			if math.IsInf(d, -1) {
				continue
			}
			t := 1.0
			if span > 0 {
				t = (d - lo[di]) / span
			}
			value := uint16(math.Max(0, math.Min(65535, (0.25+0.75*t)*65535)))
			img.SetGray16(x, y, color.Gray16{Y: value})
		}
	}
	return img, nil
}

// rasterize writes the nearest depth of a screen-space triangle into the
// depth buffer, sampling at integer pixel positions.
func rasterize(t [3]mgl64.Vec3, n int, depth []float64) {
	minX := max(0, int(math.Ceil(math.Min(t[0][0], math.Min(t[1][0], t[2][0])))))
	maxX := min(n-1, int(math.Floor(math.Max(t[0][0], math.Max(t[1][0], t[2][0])))))
	minY := max(0, int(math.Ceil(math.Min(t[0][1], math.Min(t[1][1], t[2][1])))))
	maxY := min(n-1, int(math.Floor(math.Max(t[0][1], math.Max(t[1][1], t[2][1])))))

	area := edge(t[0], t[1], t[2][0], t[2][1])
	if math.Abs(area) < 1e-12 {
		return
	}
	const tol = -1e-9
	for y := minY; y <= maxY; y++ {
		for x := minX; x <= maxX; x++ {
			px, py := float64(x), float64(y)
			w0 := edge(t[1], t[2], px, py) / area
			w1 := edge(t[2], t[0], px, py) / area
			w2 := 1 - w0 - w1
			if w0 < tol || w1 < tol || w2 < tol {
				continue
			}
			d := w0*t[0][2] + w1*t[1][2] + w2*t[2][2]
			if d > depth[y*n+x] {
				depth[y*n+x] = d
			}
		}
	}
}

func edge(a, b mgl64.Vec3, x, y float64) float64 {
	return (b[0]-a[0])*(y-a[1]) - (b[1]-a[1])*(x-a[0])
}

// SaveImage writes img into the output directory as a JPEG and returns its
// path.
func (v *Viewer) SaveImage(img image.Image, name string) (string, error) {
	if err := os.MkdirAll(v.outputDir, 0755); err != nil {
		return "", fmt.Errorf("create %s: %v: %w", v.outputDir, err, models.ErrIO)
	}
	path := filepath.Join(v.outputDir, name)
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %v: %w", path, err, models.ErrIO)
	}
	defer file.Close()

	if err := jpeg.Encode(file, img, &jpeg.Options{Quality: 90}); err != nil {
		return "", err
	}
	return path, nil
}

// SaveProjections renders and saves the three axis views as
// <prefix>_x.jpg, <prefix>_y.jpg and <prefix>_z.jpg.
func (v *Viewer) SaveProjections(prefix string, meshes ...*mesh.Mesh) ([]string, error) {
	var paths []string
	for _, axis := range []string{"x", "y", "z"} {
		img, err := v.Projection(axis, meshes...)
		if err != nil {
			return nil, err
		}
		path, err := v.SaveImage(img, fmt.Sprintf("%s_%s.jpg", prefix, axis))
		if err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}
