package navigation

import (
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"kneenav/internal/monitoring"
	"kneenav/internal/timeutil"
	"kneenav/pkg/scene"
)

// PoseSource delivers tool poses from the tracking hardware. Callbacks may
// arrive on any goroutine at any rate.
type PoseSource interface {
	OnPoseUpdate(func(toolID string, pose mgl64.Mat4))
}

// Sink receives the tracker output. Publish is called from whichever
// goroutine is draining the tracker, one update at a time.
type Sink interface {
	Publish(Update)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Update)

// Publish calls f.
func (f SinkFunc) Publish(u Update) { f(u) }

// Update is the tracker output for one processed pose set.
type Update struct {
	Time    time.Time
	Metrics Metrics

	// Samples are the smoothed display samples, ending with the current one.
	Samples []Sample

	// Complete is set when the hold-steady condition was met.
	Complete bool
}

// Plan is what the tracker navigates against. Calibrations map tool to bone,
// implant placements map bone to implant.
type Plan struct {
	FemurCalibration mgl64.Mat4
	TibiaCalibration mgl64.Mat4
	FemurImplant     mgl64.Mat4
	TibiaImplant     mgl64.Mat4

	// CutPlanes are attached to the tibial implant.
	CutPlanes []CutPlane

	// Condyles are attached to the femoral implant; the first is medial and
	// the second lateral.
	Condyles []TrackedPoint
}

// Apply writes the calibrations and implant placements into the rig.
func (p *Plan) Apply(r *scene.Rig) {
	r.Femur.SetLocal(p.FemurCalibration)
	r.Tibia.SetLocal(p.TibiaCalibration)
	r.FemurImplant.SetLocal(p.FemurImplant)
	r.TibiaImplant.SetLocal(p.TibiaImplant)
}

// TrackerConfig tunes smoothing and hold detection.
type TrackerConfig struct {
	InterpolationThreshold float64
	HoldAngle              float64
	HoldDuration           time.Duration
	MinSamples             int
	CurveBins              int
}

// DefaultTrackerConfig returns a 1 degree interpolation threshold and a 5
// second hold below 5 degrees with 90 samples per curve over 180 bins.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		InterpolationThreshold: 1,
		HoldAngle:              5,
		HoldDuration:           5 * time.Second,
		MinSamples:             90,
		CurveBins:              180,
	}
}

// Stats counts tracker activity.
type Stats struct {
	Processed int
	Coalesced int
}

// Tracker serializes pose updates onto the scene rig. HandlePose may be
// called concurrently: the first caller becomes the single writer and drains
// pending work, later callers only store their pose. Only the newest pose
// per tool is kept, so updates arriving faster than processing are
// coalesced.
type Tracker struct {
	mu       sync.Mutex
	busy     bool
	pending  map[string]mgl64.Mat4
	nextPlan *Plan
	stats    Stats

	// owned by the draining goroutine
	rig      *scene.Rig
	plan     *Plan
	seen     map[string]bool
	smoother *Smoother
	hold     *HoldDetector
	medial   *ClearanceCurve
	lateral  *ClearanceCurve
	sink     Sink
	clock    timeutil.Clock
}

// NewTracker creates a tracker writing to rig and publishing to sink.
func NewTracker(rig *scene.Rig, sink Sink, cfg TrackerConfig, clock timeutil.Clock) *Tracker {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Tracker{
		pending:  make(map[string]mgl64.Mat4),
		rig:      rig,
		seen:     make(map[string]bool),
		smoother: NewSmoother(cfg.InterpolationThreshold),
		hold:     NewHoldDetector(cfg.HoldAngle, cfg.HoldDuration, cfg.MinSamples, clock),
		medial:   NewClearanceCurve(cfg.CurveBins),
		lateral:  NewClearanceCurve(cfg.CurveBins),
		sink:     sink,
		clock:    clock,
	}
}

// Attach registers the tracker with a pose source.
func (t *Tracker) Attach(src PoseSource) {
	src.OnPoseUpdate(func(toolID string, pose mgl64.Mat4) {
		if err := t.HandlePose(toolID, pose); err != nil {
			monitoring.Logf("tracker: %v", err)
		}
	})
}

// HandlePose records the newest pose of a tool and processes it unless
// another goroutine is already processing, in which case that goroutine
// picks it up.
func (t *Tracker) HandlePose(toolID string, pose mgl64.Mat4) error {
	if _, err := t.rig.Tool(toolID); err != nil {
		return err
	}
	t.mu.Lock()
	if _, ok := t.pending[toolID]; ok {
		t.stats.Coalesced++
	}
	t.pending[toolID] = pose
	if t.busy {
		t.mu.Unlock()
		return nil
	}
	t.busy = true
	t.mu.Unlock()

	t.drain()
	return nil
}

// SetPlan replaces the navigated plan, for example after a size re-selection.
// It takes effect before the next pose set is processed.
func (t *Tracker) SetPlan(p Plan) {
	t.mu.Lock()
	t.nextPlan = &p
	if t.busy {
		t.mu.Unlock()
		return
	}
	t.busy = true
	t.mu.Unlock()

	t.drain()
}

// Stats returns the activity counters.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Curves returns the medial and lateral clearance curves. Only read them
// while no poses are arriving.
func (t *Tracker) Curves() (medial, lateral *ClearanceCurve) {
	return t.medial, t.lateral
}

func (t *Tracker) drain() {
	for {
		t.mu.Lock()
		if len(t.pending) == 0 && t.nextPlan == nil {
			t.busy = false
			t.mu.Unlock()
			return
		}
		poses := t.pending
		t.pending = make(map[string]mgl64.Mat4)
		plan := t.nextPlan
		t.nextPlan = nil
		t.mu.Unlock()

		if plan != nil {
			t.applyPlan(plan)
		}
		for id, pose := range poses {
			tool, _ := t.rig.Tool(id)
			tool.SetLocal(pose)
			t.seen[id] = true
		}
		if u, ok := t.evaluate(); ok {
			t.mu.Lock()
			t.stats.Processed++
			t.mu.Unlock()
			if t.sink != nil {
				t.sink.Publish(u)
			}
		}
	}
}

func (t *Tracker) applyPlan(p *Plan) {
	t.plan = p
	p.Apply(t.rig)
	t.smoother.Reset()
	t.hold.Reset()
}

// evaluate computes one update once a plan is set and both tools have
// reported.
func (t *Tracker) evaluate() (Update, bool) {
	if t.plan == nil || !t.seen[scene.FemurToolID] || !t.seen[scene.TibiaToolID] {
		return Update{}, false
	}
	m, err := ComputeMetrics(RigTransforms(t.rig), t.plan.CutPlanes, t.plan.Condyles)
	if err != nil {
		monitoring.Logf("tracker: %v", err)
		return Update{}, false
	}

	cur := Sample{Angle: m.RelativeEuler.X()}
	if len(t.plan.CutPlanes) > 0 && len(t.plan.Condyles) >= 2 {
		cur.Medial = m.Gaps[0].Distance
		cur.Lateral = m.Gaps[1].Distance
	}
	samples := t.smoother.Next(cur)
	for _, s := range samples {
		t.medial.Record(s.Angle, s.Medial)
		t.lateral.Record(s.Angle, s.Lateral)
	}
	complete := t.hold.Update(cur.Angle, t.medial.Populated(), t.lateral.Populated())

	return Update{
		Time:     t.clock.Now(),
		Metrics:  m,
		Samples:  samples,
		Complete: complete,
	}, true
}
