// Package implant selects the implant size for a bone from a discrete
// catalog and computes where the chosen implant sits on the bone.
package implant

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-gl/mathgl/mgl64"

	"kneenav/internal/models"
)

// DefaultLabels is the catalog order of the implant sizes. Ties in the
// selection go to the earlier size.
var DefaultLabels = []string{"1-5", "2", "2-5", "3", "4", "5"}

// Minimum reference point counts per bone. A femoral entry holds the
// anterior cut plane triple followed by the posterior one. A tibial entry
// holds the anterior point at row 1, the medial and lateral edges at rows 3
// and 4 and the posterior points at rows 5 and 6.
const (
	FemurReferencePoints = 6
	TibiaReferencePoints = 7
)

// Candidate is one implant size: its label and reference points in the
// implant's canonical frame (+Z proximal, +Y anterior, medial towards -X).
type Candidate struct {
	Label  string
	Points []mgl64.Vec3
}

// Catalog is the ordered, read-only list of sizes for one bone.
type Catalog struct {
	Bone       models.Bone
	Candidates []Candidate
}

// NewCatalog validates point counts and keeps the candidate order.
func NewCatalog(bone models.Bone, candidates []Candidate) (*Catalog, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("empty %s catalog: %w", bone, models.ErrInput)
	}
	need := FemurReferencePoints
	if bone == models.Tibia {
		need = TibiaReferencePoints
	}
	for _, c := range candidates {
		if len(c.Points) < need {
			return nil, fmt.Errorf("%s size %s has %d reference points, need %d: %w",
				bone, c.Label, len(c.Points), need, models.ErrInput)
		}
	}
	return &Catalog{Bone: bone, Candidates: candidates}, nil
}

// FileName returns the reference point file name of a size.
func FileName(bone models.Bone, label string) string {
	return fmt.Sprintf("%s-%s.txt", bone, label)
}

// LoadCatalog reads one reference point file per label from dir, in label
// order.
func LoadCatalog(dir string, bone models.Bone, labels []string) (*Catalog, error) {
	if len(labels) == 0 {
		labels = DefaultLabels
	}
	candidates := make([]Candidate, 0, len(labels))
	for _, label := range labels {
		path := filepath.Join(dir, FileName(bone, label))
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open %s catalog entry: %v: %w", bone, err, models.ErrIO)
		}
		pts, err := ReadPoints(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		candidates = append(candidates, Candidate{Label: label, Points: pts})
	}
	return NewCatalog(bone, candidates)
}

// ReadPoints parses whitespace separated rows of three floats. Blank lines
// and lines starting with # are skipped.
func ReadPoints(r io.Reader) ([]mgl64.Vec3, error) {
	var pts []mgl64.Vec3
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(strings.ReplaceAll(text, ",", " "))
		if len(fields) != 3 {
			return nil, fmt.Errorf("line %d: want 3 values, got %d: %w", line, len(fields), models.ErrInput)
		}
		var p mgl64.Vec3
		for i, s := range fields {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: %v: %w", line, err, models.ErrInput)
			}
			p[i] = v
		}
		pts = append(pts, p)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read reference points: %v: %w", err, models.ErrIO)
	}
	return pts, nil
}

// WritePoints writes points in the format ReadPoints accepts.
func WritePoints(w io.Writer, pts []mgl64.Vec3) error {
	bw := bufio.NewWriter(w)
	for _, p := range pts {
		if _, err := fmt.Fprintf(bw, "%g %g %g\n", p[0], p[1], p[2]); err != nil {
			return err
		}
	}
	return bw.Flush()
}
