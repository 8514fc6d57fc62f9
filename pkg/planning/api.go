// Package planning runs the preoperative pipeline of one bone: shape model
// fit, coordinate frame, implant size selection, and the outputs a
// navigation session needs. It also exposes the individual stages to a host
// application.
package planning

import (
	"context"
	"fmt"

	"github.com/go-gl/mathgl/mgl64"

	"kneenav/internal/models"
	"kneenav/pkg/frame"
	"kneenav/pkg/implant"
	"kneenav/pkg/mesh"
	"kneenav/pkg/navigation"
	"kneenav/pkg/scene"
	"kneenav/pkg/ssm"
)

// LandmarkSource supplies picked landmarks, for example from a picking UI.
type LandmarkSource interface {
	Landmark(name string) (mgl64.Vec3, error)
	Region(name string) ([]mgl64.Vec3, error)
}

// MeshStore loads and saves surfaces. stl.Store is the file system
// implementation.
type MeshStore interface {
	LoadMesh(path string) (*mesh.Mesh, error)
	SaveMesh(path string, m *mesh.Mesh) error
}

// setSource serves a LandmarkSet as a LandmarkSource.
type setSource struct{ set *models.LandmarkSet }

func (s setSource) Landmark(name string) (mgl64.Vec3, error) { return s.set.Get(name) }
func (s setSource) Region(name string) ([]mgl64.Vec3, error) { return s.set.Region(name) }

// SourceOf adapts a landmark set to LandmarkSource.
func SourceOf(set *models.LandmarkSet) LandmarkSource { return setSource{set} }

// RequiredLandmarks lists the single landmarks the pipeline needs for a bone:
// the shape model keypoints followed by the frame and selection landmarks.
func RequiredLandmarks(b models.Bone) []string {
	names := append([]string(nil), models.Keypoints(b)...)
	if b == models.Tibia {
		return append(names, models.MedialMalleolus, models.LateralMalleolus)
	}
	return append(names, models.PosteriorUpperMedial, models.PosteriorUpperLateral)
}

var (
	optionalLandmarks = []string{models.HeadCenter, models.HPoint}
	optionalRegions   = []string{models.MedialCondyleRegion, models.LateralCondyleRegion, models.HeadPivotRegion}
)

// CollectLandmarks reads every landmark the pipeline uses from src. Required
// landmarks must be present; optional ones and regions are copied when
// available.
func CollectLandmarks(src LandmarkSource, b models.Bone, side models.Side) (*models.LandmarkSet, error) {
	set := models.NewLandmarkSet(b, side)
	for _, name := range RequiredLandmarks(b) {
		p, err := src.Landmark(name)
		if err != nil {
			return nil, fmt.Errorf("%s landmark %s: %w", b, name, err)
		}
		set.Set(name, p)
	}
	if b == models.Femur {
		for _, name := range optionalLandmarks {
			if p, err := src.Landmark(name); err == nil {
				set.Set(name, p)
			}
		}
		for _, name := range optionalRegions {
			if pts, err := src.Region(name); err == nil {
				set.SetRegion(name, pts)
			}
		}
	}
	return set, nil
}

// SurfaceCloud gathers every landmark and region sample of a set as the
// point cloud a shape fit is driven by.
func SurfaceCloud(set *models.LandmarkSet) []mgl64.Vec3 {
	var cloud []mgl64.Vec3
	for _, name := range set.Names() {
		p, _ := set.Get(name)
		cloud = append(cloud, p)
	}
	for _, name := range set.RegionNames() {
		pts, _ := set.Region(name)
		cloud = append(cloud, pts...)
	}
	return cloud
}

// FitShapeModel personalizes model to the landmarks of a bone. The keypoints
// are taken from set in correspondence order; an empty cloud defaults to
// SurfaceCloud(set).
func FitShapeModel(ctx context.Context, model *ssm.Model, set *models.LandmarkSet, cloud []mgl64.Vec3, opts ssm.Options) (*ssm.Result, error) {
	if model.Bone != set.Bone {
		return nil, fmt.Errorf("%s model for %s landmarks: %w", model.Bone, set.Bone, models.ErrInput)
	}
	keypoints, err := set.GetAll(models.Keypoints(set.Bone))
	if err != nil {
		return nil, err
	}
	if len(cloud) == 0 {
		cloud = SurfaceCloud(set)
	}
	return ssm.NewFitter(model, opts).Fit(ctx, keypoints, cloud)
}

// BuildCoordinateFrame builds the anatomical frame of the bone of set.
func BuildCoordinateFrame(set *models.LandmarkSet) (frame.Frame, error) {
	return frame.ForLandmarks(set)
}

// SelectImplant runs the size selection on a bone-local landmark set and
// surface, both mirrored for left bones.
func SelectImplant(sel *implant.Selector, local *models.LandmarkSet, surface *mesh.Mesh) (*implant.Result, error) {
	return sel.Select(local, surface)
}

// ComputeCutPlaneMetrics evaluates plan against the current poses of the
// rig. The rig must already carry the plan's calibrations and placements,
// see navigation.Plan.Apply.
func ComputeCutPlaneMetrics(rig *scene.Rig, plan navigation.Plan) (navigation.Metrics, error) {
	return navigation.ComputeMetrics(navigation.RigTransforms(rig), plan.CutPlanes, plan.Condyles)
}
