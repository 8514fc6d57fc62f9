package visualization

import (
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"kneenav/internal/models"
	"kneenav/pkg/navigation"
)

var (
	scoreColor    = color.RGBA{R: 90, G: 120, B: 200, A: 255}
	selectedColor = color.RGBA{R: 220, G: 90, B: 60, A: 255}
	medialColor   = color.RGBA{R: 40, G: 150, B: 80, A: 255}
	lateralColor  = color.RGBA{R: 160, G: 60, B: 170, A: 255}
)

// PlotScores saves a bar chart of candidate scores to path, with the
// selected candidate highlighted. Unscored (NaN) candidates are drawn empty.
func PlotScores(labels []string, scores []float64, selected int, title, path string) error {
	if len(labels) != len(scores) || len(scores) == 0 {
		return fmt.Errorf("%d labels for %d scores: %w", len(labels), len(scores), models.ErrInput)
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Size"
	p.Y.Label.Text = "Score (mm)"

	// the selected bar is drawn as its own series on top of the others
	rest := make(plotter.Values, len(scores))
	best := make(plotter.Values, len(scores))
	for i, s := range scores {
		if math.IsNaN(s) || math.IsInf(s, 0) {
			continue
		}
		if i == selected {
			best[i] = s
		} else {
			rest[i] = s
		}
	}

	w := vg.Points(20)
	bars, err := plotter.NewBarChart(rest, w)
	if err != nil {
		return err
	}
	bars.Color = scoreColor
	bars.LineStyle.Width = vg.Length(0)
	p.Add(bars)

	chosen, err := plotter.NewBarChart(best, w)
	if err != nil {
		return err
	}
	chosen.Color = selectedColor
	chosen.LineStyle.Width = vg.Length(0)
	p.Add(chosen)
	if selected >= 0 && selected < len(labels) {
		p.Legend.Add("selected "+labels[selected], chosen)
	}
	p.Legend.Top = true

	p.NominalX(labels...)
	return save(p, 6*vg.Inch, 4*vg.Inch, path)
}

// PlotClearance saves the medial and lateral clearance curves against
// flexion angle to path.
func PlotClearance(medial, lateral *navigation.ClearanceCurve, title, path string) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Flexion (deg)"
	p.Y.Label.Text = "Gap (mm)"

	var drawn int
	for _, c := range []struct {
		name  string
		curve *navigation.ClearanceCurve
		color color.Color
	}{
		{"medial", medial, medialColor},
		{"lateral", lateral, lateralColor},
	} {
		if c.curve == nil || c.curve.Populated() == 0 {
			continue
		}
		angles, values := c.curve.Points()
		pts := make(plotter.XYs, len(angles))
		for i := range angles {
			pts[i] = plotter.XY{X: angles[i], Y: values[i]}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		line.Color = c.color
		line.Width = vg.Points(1)
		p.Add(line)

		sum := c.curve.Summary()
		p.Legend.Add(fmt.Sprintf("%s (mean %.1f, min %.1f)", c.name, sum.Mean, sum.Min), line)
		drawn++
	}
	if drawn == 0 {
		return fmt.Errorf("no clearance samples recorded: %w", models.ErrInput)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	p.Add(plotter.NewGrid())
	return save(p, 8*vg.Inch, 5*vg.Inch, path)
}

func save(p *plot.Plot, w, h vg.Length, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create %s: %v: %w", filepath.Dir(path), err, models.ErrIO)
	}
	if err := p.Save(w, h, path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}
