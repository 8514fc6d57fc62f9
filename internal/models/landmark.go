package models

import (
	"fmt"
	"os"
	"sort"

	"github.com/go-gl/mathgl/mgl64"
	"gopkg.in/yaml.v3"
)

// Femur landmark names.
const (
	HeadCenter            = "head_center"
	Entry                 = "entry"
	MedialEpicondyle      = "medial_epicondyle"
	LateralEpicondyle     = "lateral_epicondyle"
	MedialDistal          = "medial_distal"
	LateralDistal         = "lateral_distal"
	MedialPosterior       = "medial_posterior_condyle"
	LateralPosterior      = "lateral_posterior_condyle"
	AnteriorCortex        = "anterior_cortex"
	APoint                = "a_point"
	HPoint                = "h_point"
	PosteriorUpperMedial  = "posterior_upper_medial"
	PosteriorUpperLateral = "posterior_upper_lateral"
)

// Tibia landmark names.
const (
	Eminence         = "eminence"
	MedialHigh       = "medial_high"
	LateralHigh      = "lateral_high"
	MedialEdge       = "medial_edge"
	LateralEdge      = "lateral_edge"
	Tuberosity       = "tuberosity"
	TubercleUpper    = "tubercle_upper"
	TubercleMedial   = "tubercle_medial"
	TubercleLateral  = "tubercle_lateral"
	MedialMalleolus  = "medial_malleolus"
	LateralMalleolus = "lateral_malleolus"
)

// Region names. Regions hold many samples picked over one anatomical area.
const (
	MedialCondyleRegion  = "medial_condyle_region"
	LateralCondyleRegion = "lateral_condyle_region"
	HeadPivotRegion      = "head_pivot_region"
)

// FemurKeypoints lists, in shape model correspondence order, the femur
// landmarks used to register a patient to the template.
var FemurKeypoints = []string{
	Entry,
	LateralPosterior,
	MedialPosterior,
	LateralDistal,
	MedialDistal,
	LateralEpicondyle,
	MedialEpicondyle,
	AnteriorCortex,
	APoint,
}

// TibiaKeypoints lists the tibia landmarks in correspondence order.
var TibiaKeypoints = []string{
	Eminence,
	MedialHigh,
	LateralHigh,
	MedialEdge,
	LateralEdge,
	Tuberosity,
	TubercleUpper,
	TubercleMedial,
	TubercleLateral,
}

// Keypoints returns the correspondence landmark names for a bone.
func Keypoints(b Bone) []string {
	if b == Tibia {
		return TibiaKeypoints
	}
	return FemurKeypoints
}

// LandmarkSet is the collection of named points picked on one bone.
// Single landmarks and regions live in separate namespaces.
type LandmarkSet struct {
	Bone    Bone
	Side    Side
	points  map[string]mgl64.Vec3
	regions map[string][]mgl64.Vec3
}

// NewLandmarkSet creates an empty set for a bone and side.
func NewLandmarkSet(bone Bone, side Side) *LandmarkSet {
	return &LandmarkSet{
		Bone:    bone,
		Side:    side,
		points:  make(map[string]mgl64.Vec3),
		regions: make(map[string][]mgl64.Vec3),
	}
}

// Set stores or replaces a single landmark.
func (s *LandmarkSet) Set(name string, p mgl64.Vec3) {
	s.points[name] = p
}

// SetRegion stores a copy of the region samples.
func (s *LandmarkSet) SetRegion(name string, pts []mgl64.Vec3) {
	s.regions[name] = append([]mgl64.Vec3(nil), pts...)
}

// Get returns a landmark or an ErrInput naming the missing landmark.
func (s *LandmarkSet) Get(name string) (mgl64.Vec3, error) {
	p, ok := s.points[name]
	if !ok {
		return mgl64.Vec3{}, fmt.Errorf("missing %s landmark %q: %w", s.Bone, name, ErrInput)
	}
	return p, nil
}

// Has reports whether a single landmark is present.
func (s *LandmarkSet) Has(name string) bool {
	_, ok := s.points[name]
	return ok
}

// Region returns the samples of a region. An empty or absent region is an
// ErrInput.
func (s *LandmarkSet) Region(name string) ([]mgl64.Vec3, error) {
	pts, ok := s.regions[name]
	if !ok || len(pts) == 0 {
		return nil, fmt.Errorf("missing %s region %q: %w", s.Bone, name, ErrInput)
	}
	return append([]mgl64.Vec3(nil), pts...), nil
}

// GetAll resolves names in order, failing on the first missing one.
func (s *LandmarkSet) GetAll(names []string) ([]mgl64.Vec3, error) {
	out := make([]mgl64.Vec3, len(names))
	for i, n := range names {
		p, err := s.Get(n)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}

// Names returns the sorted names of the single landmarks.
func (s *LandmarkSet) Names() []string {
	names := make([]string, 0, len(s.points))
	for n := range s.points {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// RegionNames returns the sorted names of the regions.
func (s *LandmarkSet) RegionNames() []string {
	names := make([]string, 0, len(s.regions))
	for n := range s.regions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Transform returns a new set with every point and region sample mapped by m.
func (s *LandmarkSet) Transform(m mgl64.Mat4) *LandmarkSet {
	out := NewLandmarkSet(s.Bone, s.Side)
	for n, p := range s.points {
		out.points[n] = m.Mul4x1(p.Vec4(1)).Vec3()
	}
	for n, pts := range s.regions {
		moved := make([]mgl64.Vec3, len(pts))
		for i, p := range pts {
			moved[i] = m.Mul4x1(p.Vec4(1)).Vec3()
		}
		out.regions[n] = moved
	}
	return out
}

// landmarkFile is the on-disk YAML layout of a landmark set.
type landmarkFile struct {
	Bone      string                  `yaml:"bone"`
	Side      string                  `yaml:"side"`
	Landmarks map[string][3]float64   `yaml:"landmarks"`
	Regions   map[string][][3]float64 `yaml:"regions"`
}

// LoadLandmarks reads a landmark set exported by the picking front end.
func LoadLandmarks(path string) (*LandmarkSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading landmark file: %v: %w", err, ErrIO)
	}
	return ParseLandmarks(data)
}

// ParseLandmarks decodes the YAML landmark layout.
func ParseLandmarks(data []byte) (*LandmarkSet, error) {
	var f landmarkFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("error parsing landmark file: %v: %w", err, ErrInput)
	}
	bone, err := ParseBone(f.Bone)
	if err != nil {
		return nil, err
	}
	side, err := ParseSide(f.Side)
	if err != nil {
		return nil, err
	}
	s := NewLandmarkSet(bone, side)
	for n, p := range f.Landmarks {
		s.Set(n, mgl64.Vec3(p))
	}
	for n, pts := range f.Regions {
		vs := make([]mgl64.Vec3, len(pts))
		for i, p := range pts {
			vs[i] = mgl64.Vec3(p)
		}
		s.SetRegion(n, vs)
	}
	return s, nil
}
