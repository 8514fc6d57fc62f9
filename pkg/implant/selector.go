package implant

import (
	"fmt"
	"math"
	"runtime"
	"sync"

	"github.com/go-gl/mathgl/mgl64"

	"kneenav/internal/models"
	"kneenav/pkg/frame"
	"kneenav/pkg/geometry"
	"kneenav/pkg/mesh"
)

// Params groups the placement constants of both bones.
type Params struct {
	Femur FemurParams
	Tibia TibiaParams
}

// DefaultParams returns DefaultFemurParams and DefaultTibiaParams.
func DefaultParams() Params {
	return Params{Femur: DefaultFemurParams(), Tibia: DefaultTibiaParams()}
}

// Result is the outcome of a selection.
type Result struct {
	Bone  models.Bone
	Index int
	Label string
	Score float64

	// Scores holds every candidate's score in catalog order.
	Scores []float64

	// Placements holds every candidate's placement in catalog order, so a
	// different size can be chosen without rerunning the selection.
	Placements []mgl64.Mat4
	Labels     []string

	// Placement maps the implant frame into the bone-local frame the
	// selection ran in (mirrored for left bones).
	Placement mgl64.Mat4

	// Mirrored is set for left bones; the implant is mirrored back across
	// X to land on the unmirrored bone.
	Mirrored bool
}

// Transform maps the implant frame onto the unmirrored bone-local frame. For
// left bones it contains a reflection; use PlaceMesh for meshes.
func (r *Result) Transform() mgl64.Mat4 {
	if r.Mirrored {
		return geometry.MirrorX().Mul4(r.Placement)
	}
	return r.Placement
}

// PlaceMesh moves an implant mesh given in the implant frame onto the bone.
// Mirrored placements also reverse the winding so normals stay outward.
func (r *Result) PlaceMesh(m *mesh.Mesh) *mesh.Mesh {
	out := m.Transform(r.Placement)
	if r.Mirrored {
		out = out.MirrorX()
	}
	return out
}

// Choose returns a copy of the result switched to the candidate at index,
// for a surgeon overriding the automatic size.
func (r *Result) Choose(index int) (*Result, error) {
	if index < 0 || index >= len(r.Placements) {
		return nil, fmt.Errorf("size index %d outside %d candidates: %w", index, len(r.Placements), models.ErrInput)
	}
	out := *r
	out.Index = index
	out.Score = r.Scores[index]
	out.Placement = r.Placements[index]
	if index < len(r.Labels) {
		out.Label = r.Labels[index]
	}
	return &out, nil
}

// Selector scores every size of a catalog against one bone.
type Selector struct {
	catalog *Catalog
	params  Params
}

// NewSelector creates a selector over a read-only catalog.
func NewSelector(catalog *Catalog, params Params) *Selector {
	return &Selector{catalog: catalog, params: params}
}

// Catalog returns the selector's catalog.
func (s *Selector) Catalog() *Catalog { return s.catalog }

// Select places and scores every candidate and returns the lowest score; on
// ties the earlier candidate in catalog order wins.
//
// local holds the landmarks and bone the fitted surface, both in the
// bone-local frame and already mirrored for left bones. The anterior
// direction is read from the landmarks, so right and mirrored left bones are
// both handled.
func (s *Selector) Select(local *models.LandmarkSet, bone *mesh.Mesh) (*Result, error) {
	if local.Bone != s.catalog.Bone {
		return nil, fmt.Errorf("%s landmarks for a %s catalog: %w", local.Bone, s.catalog.Bone, models.ErrInput)
	}
	if bone == nil || len(bone.Vertices) == 0 {
		return nil, fmt.Errorf("no %s surface: %w", local.Bone, models.ErrInput)
	}

	sign, err := frame.AnteriorSign(local)
	if err != nil {
		return nil, err
	}
	// selection space has +Y anterior
	toSel := mgl64.Ident4()
	if sign < 0 {
		toSel = geometry.RotationZ(180)
	}
	sel := local.Transform(toSel)
	surface := bone.Transform(toSel)

	var evaluate func(Candidate) (mgl64.Mat4, float64, error)
	switch s.catalog.Bone {
	case models.Femur:
		in, err := s.femurInput(sel, surface)
		if err != nil {
			return nil, err
		}
		p := s.params.Femur
		evaluate = func(c Candidate) (mgl64.Mat4, float64, error) {
			place, err := placeFemur(c, in, p)
			if err != nil {
				return mgl64.Mat4{}, 0, err
			}
			score, err := scoreFemur(c, place, in, p)
			return place, score, err
		}
	default:
		pts, err := sel.GetAll([]string{models.MedialHigh, models.LateralHigh})
		if err != nil {
			return nil, err
		}
		in, err := newTibiaInput(pts[0], pts[1], surface.Vertices, s.params.Tibia)
		if err != nil {
			return nil, err
		}
		p := s.params.Tibia
		evaluate = func(c Candidate) (mgl64.Mat4, float64, error) {
			return placeTibia(c, in, p)
		}
	}

	n := len(s.catalog.Candidates)
	places := make([]mgl64.Mat4, n)
	scores := make([]float64, n)
	errs := make([]error, n)

	// Candidates are independent; each writes only its own slot.
	var wg sync.WaitGroup
	sem := make(chan struct{}, runtime.NumCPU())
	for i, c := range s.catalog.Candidates {
		sem <- struct{}{}
		wg.Add(1)
		go func(i int, c Candidate) {
			defer wg.Done()
			defer func() { <-sem }()
			places[i], scores[i], errs[i] = evaluate(c)
		}(i, c)
	}
	wg.Wait()

	best := -1
	for i := range scores {
		if errs[i] != nil {
			return nil, fmt.Errorf("%s size %s: %w", s.catalog.Bone, s.catalog.Candidates[i].Label, errs[i])
		}
		if math.IsNaN(scores[i]) {
			continue
		}
		if best < 0 || scores[i] < scores[best] {
			best = i
		}
	}
	if best < 0 {
		return nil, fmt.Errorf("no %s size could be scored: %w", s.catalog.Bone, models.ErrDegenerate)
	}

	fromSel := geometry.RigidInverse(toSel)
	labels := make([]string, n)
	for i := range places {
		places[i] = fromSel.Mul4(places[i])
		labels[i] = s.catalog.Candidates[i].Label
	}
	return &Result{
		Bone:       s.catalog.Bone,
		Index:      best,
		Label:      labels[best],
		Score:      scores[best],
		Scores:     scores,
		Placement:  places[best],
		Placements: places,
		Mirrored:   local.Side == models.Left,
		Labels:     labels,
	}, nil
}

func (s *Selector) femurInput(sel *models.LandmarkSet, surface *mesh.Mesh) (femurInput, error) {
	pts, err := sel.GetAll([]string{
		models.MedialDistal, models.LateralDistal, models.AnteriorCortex,
		models.MedialPosterior, models.LateralPosterior,
		models.PosteriorUpperMedial, models.PosteriorUpperLateral,
		models.MedialEpicondyle, models.LateralEpicondyle,
	})
	if err != nil {
		return femurInput{}, err
	}
	return femurInput{
		distalMid:      geometry.Midpoint(pts[0], pts[1]),
		cortex:         pts[2],
		medialPost:     pts[3],
		lateralPost:    pts[4],
		upperHeight:    (pts[5].Z() + pts[6].Z()) / 2,
		epicondylarMid: geometry.Midpoint(pts[7], pts[8]),
		surface:        mesh.NewLocator(surface),
	}, nil
}
