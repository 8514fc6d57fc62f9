package ssm

import (
	"context"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"gonum.org/v1/gonum/optimize"

	"kneenav/internal/models"
	"kneenav/internal/monitoring"
	"kneenav/pkg/geometry"
	"kneenav/pkg/mesh"
	"kneenav/pkg/registration"
)

// Options tunes a shape fit.
type Options struct {
	// Relax enables the final pass that pulls the template surface onto the
	// input cloud.
	Relax bool

	// RelaxRadius is the falloff radius of the relaxation displacement.
	RelaxRadius float64

	// SimplexSize is the initial Nelder-Mead simplex edge in coefficient
	// units.
	SimplexSize float64

	// MaxEvaluations caps cost function evaluations. Zero means no cap.
	MaxEvaluations int
}

// DefaultOptions returns the options used for the femur.
func DefaultOptions() Options {
	return Options{
		Relax:       true,
		RelaxRadius: 30,
		SimplexSize: 1,
	}
}

// Result is the outcome of a fit.
type Result struct {
	// Mesh is the deformed and relaxed template, in template space.
	Mesh *mesh.Mesh

	// ToPatient maps template space back to the patient space of the input.
	ToPatient mgl64.Mat4

	Coefficients []float64

	// MeanDistance is the mean distance of the registered cloud to Mesh.
	MeanDistance float64

	Evaluations int

	// Warning is set when the optimizer stopped before converging.
	Warning *models.ConvergenceWarning
}

// Fitter personalizes a shape model from landmarks and a dense point cloud.
type Fitter struct {
	model *Model
	opts  Options
}

// NewFitter creates a fitter over a model.
func NewFitter(model *Model, opts Options) *Fitter {
	if opts.RelaxRadius <= 0 {
		opts.RelaxRadius = 30
	}
	if opts.SimplexSize <= 0 {
		opts.SimplexSize = 1
	}
	return &Fitter{model: model, opts: opts}
}

// flipXY converts between the patient and template conventions, which differ
// by the sign of x and y.
var flipXY = mgl64.Scale3D(-1, -1, 1)

// Fit runs the shape fit:
//
//  1. flip the sign of x and y of keypoints and cloud
//  2. for a candidate alpha, rigidly align the keypoints onto the template's
//     correspondence vertices
//  3. minimize, over alpha, the mean distance of the aligned cloud to the
//     deformed template (Nelder-Mead from alpha = 0)
//  4. optionally relax the surface onto the cloud
//
// keypoints must match the model correspondence list in order and length.
// Optimizer non-convergence is not an error; the best coefficients are kept
// and Result.Warning is set.
func (f *Fitter) Fit(ctx context.Context, keypoints, cloud []mgl64.Vec3) (*Result, error) {
	corr := f.model.Correspondence
	if len(keypoints) != len(corr) {
		return nil, fmt.Errorf("got %d keypoints for %d correspondence vertices: %w", len(keypoints), len(corr), models.ErrInput)
	}
	if len(cloud) == 0 {
		return nil, fmt.Errorf("empty input point cloud: %w", models.ErrInput)
	}

	kp := geometry.TransformPoints(flipXY, keypoints)
	pc := geometry.TransformPoints(flipXY, cloud)

	// fail fast on landmarks that cannot define a registration
	if _, err := f.align(kp, make([]float64, f.model.Modes())); err != nil {
		return nil, err
	}

	cost := func(alpha []float64) float64 {
		verts, err := f.model.Reconstruct(alpha)
		if err != nil {
			return math.Inf(1)
		}
		t, err := registration.Align(kp, pick(verts, corr))
		if err != nil {
			return math.Inf(1)
		}
		loc := mesh.NewLocator(&mesh.Mesh{Vertices: verts, Faces: f.model.Faces})
		return loc.MeanDistance(geometry.TransformPoints(t, pc))
	}

	k := f.model.Modes()
	settings := &optimize.Settings{
		FuncEvaluations: f.opts.MaxEvaluations,
		Converger: &contextConverger{
			ctx:   ctx,
			inner: &optimize.FunctionConverge{Absolute: 1e-10, Iterations: 100},
		},
	}
	method := &optimize.NelderMead{SimplexSize: f.opts.SimplexSize}
	res, err := optimize.Minimize(optimize.Problem{Func: cost}, make([]float64, k), settings, method)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("shape fit cancelled: %w", ctxErr)
	}

	alpha := make([]float64, k)
	var warning *models.ConvergenceWarning
	evals := 0
	if res != nil {
		copy(alpha, res.X)
		evals = res.Stats.FuncEvaluations
		if err != nil || !converged(res.Status) {
			warning = &models.ConvergenceWarning{Status: res.Status.String(), Evaluations: evals, Residual: res.F}
		}
	} else {
		warning = &models.ConvergenceWarning{Status: fmt.Sprint(err), Residual: math.NaN()}
	}
	if warning != nil {
		monitoring.Logf("%s shape fit: %v", f.model.Bone, warning)
	}

	t, err := f.align(kp, alpha)
	if err != nil {
		return nil, err
	}
	verts, err := f.model.Reconstruct(alpha)
	if err != nil {
		return nil, err
	}
	registered := geometry.TransformPoints(t, pc)
	if f.opts.Relax {
		RelaxSurface(verts, registered, f.opts.RelaxRadius)
	}

	out := &mesh.Mesh{Vertices: verts, Faces: f.model.Faces}
	return &Result{
		Mesh:         out,
		ToPatient:    flipXY.Mul4(geometry.RigidInverse(t)),
		Coefficients: alpha,
		MeanDistance: mesh.NewLocator(out).MeanDistance(registered),
		Evaluations:  evals,
		Warning:      warning,
	}, nil
}

// align registers the (already flipped) keypoints onto the correspondence
// vertices of the surface for alpha.
func (f *Fitter) align(kp []mgl64.Vec3, alpha []float64) (mgl64.Mat4, error) {
	verts, err := f.model.Reconstruct(alpha)
	if err != nil {
		return mgl64.Mat4{}, err
	}
	t, err := registration.Align(kp, pick(verts, f.model.Correspondence))
	if err != nil {
		return mgl64.Mat4{}, fmt.Errorf("keypoint registration: %w", err)
	}
	return t, nil
}

func pick(verts []mgl64.Vec3, idx []int) []mgl64.Vec3 {
	out := make([]mgl64.Vec3, len(idx))
	for i, j := range idx {
		out[i] = verts[j]
	}
	return out
}

func converged(s optimize.Status) bool {
	switch s {
	case optimize.Success, optimize.MethodConverge, optimize.FunctionConvergence,
		optimize.FunctionThreshold, optimize.StepConvergence:
		return true
	}
	return false
}

// contextConverger stops the optimizer once ctx is done.
type contextConverger struct {
	ctx   context.Context
	inner optimize.Converger
}

func (c *contextConverger) Init(dim int) { c.inner.Init(dim) }

func (c *contextConverger) Converged(loc *optimize.Location) optimize.Status {
	if c.ctx.Err() != nil {
		return optimize.RuntimeLimit
	}
	return c.inner.Converged(loc)
}

// RelaxSurface pulls the surface onto the targets, one target at a time in
// order. For each target the nearest vertex i is found and every vertex j
// within radius of vertex i moves by (1 - d_ij/radius) times the offset from
// vertex i to the target. Later targets can partly undo earlier ones.
// vertices is modified in place.
func RelaxSurface(vertices, targets []mgl64.Vec3, radius float64) {
	if len(vertices) == 0 || radius <= 0 {
		return
	}
	var (
		near  []int
		falls []float64
	)
	for _, target := range targets {
		i := nearestIndex(vertices, target)
		n := target.Sub(vertices[i])

		near, falls = near[:0], falls[:0]
		for j, v := range vertices {
			if d := v.Sub(vertices[i]).Len(); d < radius {
				near = append(near, j)
				falls = append(falls, 1-d/radius)
			}
		}
		for k, j := range near {
			vertices[j] = vertices[j].Add(n.Mul(falls[k]))
		}
	}
}

// nearestIndex is a linear scan; vertices move during relaxation so a
// spatial index would go stale after every target. Ties keep the lowest
// index.
func nearestIndex(vertices []mgl64.Vec3, p mgl64.Vec3) int {
	best, bestD := 0, math.Inf(1)
	for i, v := range vertices {
		d := v.Sub(p)
		if d2 := d.Dot(d); d2 < bestD {
			best, bestD = i, d2
		}
	}
	return best
}
