package planning

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-gl/mathgl/mgl64"

	"kneenav/internal/models"
	"kneenav/internal/monitoring"
	"kneenav/pkg/frame"
	"kneenav/pkg/geometry"
	"kneenav/pkg/implant"
	"kneenav/pkg/mesh"
	"kneenav/pkg/navigation"
	"kneenav/pkg/planstore"
	"kneenav/pkg/ssm"
	"kneenav/pkg/visualization"
)

// Params holds the inputs of one planning run.
type Params struct {
	// Landmarks are the picked landmarks of the bone in patient space. Their
	// Bone and Side drive the run.
	Landmarks *models.LandmarkSet

	// Cloud is the dense surface sample the fit is driven by. Empty means
	// SurfaceCloud(Landmarks).
	Cloud []mgl64.Vec3

	FitOptions ssm.Options

	// MirrorLeft mirrors left bones before selection. When unset the
	// landmarks are treated as a right knee.
	MirrorLeft bool

	// RefineCondyles re-extracts femoral condyle points from their regions.
	RefineCondyles bool

	// CropLength trims the saved surface to this distance from the knee
	// along the bone axis. Zero keeps the whole surface.
	CropLength float64

	// ImplantMeshDir holds <bone>-<label>.stl implant surfaces in the
	// implant frame. Empty skips the implant mesh.
	ImplantMeshDir string

	// OutputDir receives meshes, charts and projections.
	OutputDir string

	// SaveOutputs enables writing to OutputDir.
	SaveOutputs bool

	// ImageSize is the edge length of projection images.
	ImageSize int
}

// Plan is the outcome of planning one bone.
type Plan struct {
	// ID is the plan store id, empty when no store is attached.
	ID string

	Bone models.Bone
	Side models.Side

	Fit   *ssm.Result
	Frame frame.Frame

	// Local holds the landmarks in the bone-local frame, mirrored for left
	// bones.
	Local *models.LandmarkSet

	// Surface is the fitted bone surface in patient space.
	Surface *mesh.Mesh

	Selection *implant.Result

	// Implant is the placed implant surface in patient space, nil without
	// an implant mesh.
	Implant *mesh.Mesh

	// Outputs lists the files written by the run.
	Outputs []string
}

// ImplantTransform maps the frame the implant is navigated in onto patient
// space. It is rigid: for left bones the implant frame is the mirrored
// catalog frame, see CatalogToImplant.
func (p *Plan) ImplantTransform() mgl64.Mat4 {
	place := p.Selection.Placement
	if p.Selection.Mirrored {
		place = geometry.MirrorX().Mul4(place).Mul4(geometry.MirrorX())
	}
	return p.Frame.ToWorld.Mul4(place)
}

// CatalogToImplant maps catalog coordinates into the frame of
// ImplantTransform: a mirror across X for left bones, identity otherwise.
func (p *Plan) CatalogToImplant() mgl64.Mat4 {
	if p.Selection.Mirrored {
		return geometry.MirrorX()
	}
	return mgl64.Ident4()
}

// Planner runs the planning pipeline of one bone.
type Planner struct {
	params   *Params
	model    *ssm.Model
	selector *implant.Selector
	meshes   MeshStore
	store    *planstore.Store
	plan     *Plan
}

// NewPlanner creates a planner. meshes and store may be nil, which skips
// mesh input/output and persistence.
func NewPlanner(params *Params, model *ssm.Model, selector *implant.Selector, meshes MeshStore, store *planstore.Store) *Planner {
	return &Planner{
		params:   params,
		model:    model,
		selector: selector,
		meshes:   meshes,
		store:    store,
	}
}

// Plan returns the result of the last successful Process, or nil.
func (p *Planner) Plan() *Plan { return p.plan }

// Process runs the planning pipeline.
func (p *Planner) Process(ctx context.Context) (*Plan, error) {
	set := p.params.Landmarks
	if set == nil {
		return nil, fmt.Errorf("no landmarks: %w", models.ErrInput)
	}
	plan := &Plan{Bone: set.Bone, Side: set.Side}

	// Step 1: Fit the shape model
	fmt.Printf("Step 1: Fitting %s shape model...\n", set.Bone)
	fit, err := FitShapeModel(ctx, p.model, set, p.params.Cloud, p.params.FitOptions)
	if err != nil {
		return nil, fmt.Errorf("shape fit: %w", err)
	}
	if fit.Warning != nil {
		monitoring.Logf("Warning: %s shape fit: %v", set.Bone, fit.Warning)
	}
	plan.Fit = fit
	plan.Surface = fit.Mesh.Transform(fit.ToPatient)
	fmt.Printf("Mean surface distance: %.3f mm after %d evaluations\n", fit.MeanDistance, fit.Evaluations)

	// Step 2: Build the anatomical frame
	fmt.Println("Step 2: Building coordinate frame...")
	plan.Frame, err = BuildCoordinateFrame(set)
	if err != nil {
		return nil, fmt.Errorf("coordinate frame: %w", err)
	}
	local := set.Transform(plan.Frame.ToLocal)
	localSurface := plan.Surface.Transform(plan.Frame.ToLocal)

	// Step 3: Bring the bone into right knee convention
	fmt.Println("Step 3: Preparing bone-local landmarks...")
	if p.params.MirrorLeft {
		localSurface, local = frame.MirrorLeft(set.Side, localSurface, local)
	} else if local.Side == models.Left {
		local.Side = models.Right
	}
	if set.Bone == models.Femur && p.params.RefineCondyles {
		local, err = frame.RefineCondyles(local)
		if err != nil {
			return nil, fmt.Errorf("refine condyles: %w", err)
		}
	}
	plan.Local = local

	// Step 4: Select the implant size
	fmt.Println("Step 4: Selecting implant size...")
	plan.Selection, err = SelectImplant(p.selector, local, localSurface)
	if err != nil {
		return nil, fmt.Errorf("implant selection: %w", err)
	}
	fmt.Printf("Selected %s size %s (score %.3f)\n", set.Bone, plan.Selection.Label, plan.Selection.Score)

	// Step 5: Crop the surface and place the implant mesh
	fmt.Println("Step 5: Preparing meshes...")
	if err := p.prepareMeshes(plan); err != nil {
		return nil, err
	}

	// Step 6: Store the plan
	if p.store != nil {
		fmt.Println("Step 6: Storing plan...")
		if err := p.storePlan(ctx, plan); err != nil {
			return nil, err
		}
	}

	// Step 7: Write the report
	if p.params.SaveOutputs {
		fmt.Println("Step 7: Writing report...")
		if err := p.writeReport(plan); err != nil {
			return nil, err
		}
	}

	p.plan = plan
	return plan, nil
}

// Reselect switches the last plan to another catalog size, for a surgeon
// overriding the automatic choice. The override is recorded in the store.
func (p *Planner) Reselect(ctx context.Context, index int) (*Plan, error) {
	if p.plan == nil {
		return nil, fmt.Errorf("reselect before planning: %w", models.ErrInput)
	}
	sel, err := p.plan.Selection.Choose(index)
	if err != nil {
		return nil, err
	}
	plan := *p.plan
	plan.Selection = sel
	plan.Implant = nil
	plan.Outputs = nil
	if err := p.placeImplant(&plan); err != nil {
		return nil, err
	}
	if p.store != nil && plan.ID != "" {
		detail := fmt.Sprintf("%s -> %s", p.plan.Selection.Label, sel.Label)
		if _, err := p.store.RecordEvent(ctx, plan.ID, planstore.EventReselected, detail); err != nil {
			return nil, err
		}
	}
	p.plan = &plan
	return &plan, nil
}

// cropPlane bounds the kept part of a bone-local surface: the femur is cut
// CropLength above the knee, the tibia CropLength below.
func cropPlane(b models.Bone, length float64) (geometry.Plane, error) {
	if b == models.Tibia {
		return geometry.NewPlane(mgl64.Vec3{0, 0, -length}, mgl64.Vec3{0, 0, 1})
	}
	return geometry.NewPlane(mgl64.Vec3{0, 0, length}, mgl64.Vec3{0, 0, -1})
}

func (p *Planner) prepareMeshes(plan *Plan) error {
	if p.params.CropLength > 0 {
		pl, err := cropPlane(plan.Bone, p.params.CropLength)
		if err != nil {
			return err
		}
		cropped := plan.Surface.Transform(plan.Frame.ToLocal).Crop(pl)
		plan.Surface = cropped.Transform(plan.Frame.ToWorld)
	}
	return p.placeImplant(plan)
}

// placeImplant loads the catalog surface of the selected size and moves it
// onto the patient. A missing directory or store skips the mesh.
func (p *Planner) placeImplant(plan *Plan) error {
	if p.meshes == nil || p.params.ImplantMeshDir == "" {
		return nil
	}
	name := fmt.Sprintf("%s-%s.stl", plan.Bone, plan.Selection.Label)
	m, err := p.meshes.LoadMesh(filepath.Join(p.params.ImplantMeshDir, name))
	if err != nil {
		return fmt.Errorf("implant mesh: %w", err)
	}
	plan.Implant = plan.Selection.PlaceMesh(m).Transform(plan.Frame.ToWorld)
	return nil
}

func (p *Planner) storePlan(ctx context.Context, plan *Plan) error {
	sel := plan.Selection
	rec := &planstore.Plan{
		Bone:      plan.Bone,
		Side:      plan.Side,
		Label:     sel.Label,
		Index:     sel.Index,
		Score:     sel.Score,
		Scores:    sel.Scores,
		Placement: sel.Placement,
		Mirrored:  sel.Mirrored,
	}
	if err := p.store.SavePlan(ctx, rec); err != nil {
		return err
	}
	plan.ID = rec.ID
	fit := &planstore.Fit{
		PlanID:       rec.ID,
		MeanDistance: plan.Fit.MeanDistance,
		Coefficients: len(plan.Fit.Coefficients),
		Converged:    plan.Fit.Warning == nil,
	}
	if err := p.store.RecordFit(ctx, fit); err != nil {
		return err
	}
	_, err := p.store.RecordEvent(ctx, rec.ID, planstore.EventSelected, sel.Label)
	return err
}

func (p *Planner) writeReport(plan *Plan) error {
	dir := p.params.OutputDir
	bone := plan.Bone.String()

	if p.meshes != nil {
		path := filepath.Join(dir, bone+"_surface.stl")
		if err := p.meshes.SaveMesh(path, plan.Surface); err != nil {
			return fmt.Errorf("save surface: %w", err)
		}
		plan.Outputs = append(plan.Outputs, path)
		if plan.Implant != nil {
			path := filepath.Join(dir, bone+"_implant.stl")
			if err := p.meshes.SaveMesh(path, plan.Implant); err != nil {
				return fmt.Errorf("save implant: %w", err)
			}
			plan.Outputs = append(plan.Outputs, path)
		}
	}

	sel := plan.Selection
	chart := filepath.Join(dir, bone+"_sizes.png")
	title := fmt.Sprintf("%s%s sizes", strings.ToUpper(bone[:1]), bone[1:])
	if err := visualization.PlotScores(sel.Labels, sel.Scores, sel.Index, title, chart); err != nil {
		fmt.Printf("Warning: Failed to plot size scores: %v\n", err)
	} else {
		plan.Outputs = append(plan.Outputs, chart)
	}

	size := p.params.ImageSize
	if size <= 0 {
		size = 256
	}
	meshes := []*mesh.Mesh{plan.Surface}
	if plan.Implant != nil {
		meshes = append(meshes, plan.Implant)
	}
	paths, err := visualization.NewViewer(dir, size).SaveProjections(bone, meshes...)
	if err != nil {
		fmt.Printf("Warning: Failed to save projections: %v\n", err)
	}
	plan.Outputs = append(plan.Outputs, paths...)
	return nil
}

// NavigationPlan assembles what the tracker navigates against from the
// femur and tibia plans and the tool calibrations. The tibial cut plane is
// attached to the tibial implant; the distal condyle landmarks are carried
// into the femoral implant frame.
func NavigationPlan(femur, tibia *Plan, params implant.Params, femurCal, tibiaCal mgl64.Mat4) (navigation.Plan, error) {
	if femur == nil || tibia == nil || femur.Bone != models.Femur || tibia.Bone != models.Tibia {
		return navigation.Plan{}, fmt.Errorf("need a femur and a tibia plan: %w", models.ErrInput)
	}
	cut, err := params.Tibia.CutPlane()
	if err != nil {
		return navigation.Plan{}, err
	}
	cut = cut.Transform(tibia.CatalogToImplant())

	femurImplant := femur.ImplantTransform()
	toImplant := geometry.RigidInverse(femurImplant)
	var condyles []navigation.TrackedPoint
	for _, name := range []string{models.MedialDistal, models.LateralDistal} {
		world, err := femur.Local.Get(name)
		if err != nil {
			return navigation.Plan{}, err
		}
		// back through the mirror and into patient space
		if femur.Selection.Mirrored {
			world = geometry.TransformPoint(geometry.MirrorX(), world)
		}
		world = geometry.TransformPoint(femur.Frame.ToWorld, world)
		condyles = append(condyles, navigation.TrackedPoint{
			Name:  name,
			Point: geometry.TransformPoint(toImplant, world),
		})
	}

	return navigation.Plan{
		FemurCalibration: femurCal,
		TibiaCalibration: tibiaCal,
		FemurImplant:     femurImplant,
		TibiaImplant:     tibia.ImplantTransform(),
		CutPlanes:        []navigation.CutPlane{{Name: "tibial_cut", Plane: cut}},
		Condyles:         condyles,
	}, nil
}
