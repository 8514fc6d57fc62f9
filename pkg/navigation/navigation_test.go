package navigation

import (
	"sync"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kneenav/internal/models"
	"kneenav/internal/timeutil"
	"kneenav/pkg/geometry"
	"kneenav/pkg/scene"
)

var tibialCut = CutPlane{Name: "tibial", Plane: geometry.Plane{Normal: mgl64.Vec3{0, 0, 1}}}

func TestComputeMetricsGapSign(t *testing.T) {
	points := []TrackedPoint{
		{Name: "above", Point: mgl64.Vec3{0, 0, 4}},
		{Name: "below", Point: mgl64.Vec3{0, 0, -3}},
	}
	tr := Transforms{
		Bone: mgl64.Ident4(), Implant: mgl64.Ident4(),
		Femur: mgl64.Ident4(), Tibia: mgl64.Ident4(),
		Planes: mgl64.Ident4(), Points: mgl64.Ident4(),
	}
	m, err := ComputeMetrics(tr, []CutPlane{tibialCut}, points)
	require.NoError(t, err)
	require.Len(t, m.Gaps, 2)

	above, ok := m.Gap("tibial", "above")
	require.True(t, ok)
	assert.InDelta(t, -4, above, 1e-12)
	below, _ := m.Gap("tibial", "below")
	assert.InDelta(t, 3, below, 1e-12)
	_, ok = m.Gap("tibial", "missing")
	assert.False(t, ok)

	// moving the plane frame up by 10 puts both points below it
	tr.Planes = mgl64.Translate3D(0, 0, 10)
	m, err = ComputeMetrics(tr, []CutPlane{tibialCut}, points)
	require.NoError(t, err)
	assert.InDelta(t, 6, m.Gaps[0].Distance, 1e-12)
	assert.InDelta(t, 13, m.Gaps[1].Distance, 1e-12)

	_, err = ComputeMetrics(tr, []CutPlane{{Name: "broken"}}, points)
	assert.ErrorIs(t, err, models.ErrDegenerate)
}

func TestComputeMetricsOrientation(t *testing.T) {
	tr := Transforms{
		Bone:    geometry.RotationX(12),
		Implant: geometry.RotationX(2),
		Femur:   geometry.TransformFromEuler(mgl64.Vec3{40, 0, 3}, mgl64.Vec3{0, 0, 400}),
		Tibia:   mgl64.Translate3D(0, 0, 10),
		Planes:  mgl64.Ident4(),
		Points:  mgl64.Ident4(),
	}
	m, err := ComputeMetrics(tr, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, m.Gaps)
	assert.InDelta(t, 10, m.ImplantEuler.X(), 1e-9)
	assert.InDelta(t, 40, m.RelativeEuler.X(), 1e-9)
	assert.InDelta(t, 3, m.RelativeEuler.Z(), 1e-9)
	assert.True(t, geometry.Translation(m.Relative).ApproxEqualThreshold(mgl64.Vec3{0, 0, 390}, 1e-9))
}

func TestComputeMetricsOrientationIgnoresBonePose(t *testing.T) {
	placement := geometry.RotationX(5)
	poses := []mgl64.Mat4{
		mgl64.Ident4(),
		geometry.TransformFromEuler(mgl64.Vec3{0, 0, 90}, mgl64.Vec3{10, -20, 300}),
		geometry.TransformFromEuler(mgl64.Vec3{0, 90, 0}, mgl64.Vec3{0, 0, 0}),
		geometry.TransformFromEuler(mgl64.Vec3{30, -20, 45}, mgl64.Vec3{5, 5, 5}),
	}
	for i, bone := range poses {
		tr := Transforms{
			Bone:    bone,
			Implant: bone.Mul4(placement),
			Femur:   bone,
			Tibia:   mgl64.Ident4(),
			Planes:  mgl64.Ident4(),
			Points:  mgl64.Ident4(),
		}
		m, err := ComputeMetrics(tr, nil, nil)
		require.NoError(t, err)
		assert.InDeltaf(t, -5, m.ImplantEuler.X(), 1e-9, "pose %d", i)
		assert.InDeltaf(t, 0, m.ImplantEuler.Y(), 1e-9, "pose %d", i)
		assert.InDeltaf(t, 0, m.ImplantEuler.Z(), 1e-9, "pose %d", i)
	}
}

func TestSmoother(t *testing.T) {
	s := NewSmoother(1)
	assert.Equal(t, []Sample{{Angle: 10}}, s.Next(Sample{Angle: 10}))
	assert.Equal(t, []Sample{{Angle: 10.5, Medial: 1}}, s.Next(Sample{Angle: 10.5, Medial: 1}))

	out := s.Next(Sample{Angle: 13, Medial: 6, Lateral: 5})
	require.Len(t, out, 3) // ceil(2.5)
	assert.InDelta(t, 10.5+2.5/3, out[0].Angle, 1e-12)
	assert.InDelta(t, 1+5.0/3, out[0].Medial, 1e-12)
	assert.InDelta(t, 5.0/3, out[0].Lateral, 1e-12)
	assert.Equal(t, Sample{Angle: 13, Medial: 6, Lateral: 5}, out[2])

	out = s.Next(Sample{Angle: 9})
	assert.Len(t, out, 4)
	assert.Equal(t, 9.0, out[3].Angle)

	s.Reset()
	assert.Len(t, s.Next(Sample{Angle: 90}), 1)
}

func TestClearanceCurve(t *testing.T) {
	c := NewClearanceCurve(10)
	c.Record(0.4, 1)
	c.Record(-0.2, 2) // same bin, last wins
	c.Record(3.6, 3)
	c.Record(55, 4) // clamped to the last bin
	assert.Equal(t, 3, c.Populated())

	angles, values := c.Points()
	assert.Equal(t, []float64{0, 4, 9}, angles)
	assert.Equal(t, []float64{2, 3, 4}, values)

	sum := c.Summary()
	assert.Equal(t, 3, sum.Count)
	assert.InDelta(t, 3, sum.Mean, 1e-12)
	assert.InDelta(t, 1, sum.Std, 1e-12) // sample std of 2, 3, 4
	assert.Equal(t, 2.0, sum.Min)
	assert.Equal(t, 4.0, sum.Max)

	c.Fill(10, 0)
	assert.Equal(t, 10, c.Populated())
	c.Reset()
	assert.Equal(t, 0, c.Populated())
	assert.Equal(t, CurveSummary{}, c.Summary())
}

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

// runHold feeds one angle per second and returns the seconds at which the
// detector completed.
func runHold(h *HoldDetector, clock *timeutil.MockClock, angles []float64, samples int) []int {
	var done []int
	for i, a := range angles {
		clock.Set(t0.Add(time.Duration(i) * time.Second))
		if h.Update(a, samples, samples) {
			done = append(done, i)
		}
	}
	return done
}

func TestHoldDetectorDebounce(t *testing.T) {
	tests := []struct {
		name    string
		angles  []float64
		samples int
		want    []int
	}{
		{
			// The scenario is usually quoted as completing at t=6, about 5s
			// after the angle drops. The timer starts at the first in-limit
			// sample, t=2 (angle 4), so the 5s hold completes at t=7.
			name:    "steady",
			angles:  []float64{10, 8, 4, 3, 2, 1, 0, 0, 0, 0, 0},
			samples: 90,
			want:    []int{7},
		},
		{
			name:    "excursion resets the timer",
			angles:  []float64{10, 8, 4, 3, 2, 7, 0, 0, 0, 0, 0, 0, 0},
			samples: 90,
			want:    []int{11},
		},
		{
			name:    "curves not populated",
			angles:  []float64{0, 0, 0, 0, 0, 0, 0, 0},
			samples: 89,
			want:    nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := timeutil.NewMockClock(t0)
			h := NewHoldDetector(5, 5*time.Second, 90, clock)
			assert.Equal(t, tt.want, runHold(h, clock, tt.angles, tt.samples))
		})
	}
}

func TestHoldDetectorStates(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	h := NewHoldDetector(5, 5*time.Second, 90, clock)
	assert.Equal(t, Armed, h.State())
	h.Update(1, 90, 90)
	assert.Equal(t, Waiting, h.State())
	assert.Equal(t, "waiting", h.State().String())
	h.Update(-6, 90, 90)
	assert.Equal(t, Armed, h.State())

	// completion re-arms
	h.Update(0, 90, 90)
	clock.Advance(5 * time.Second)
	assert.True(t, h.Update(0, 90, 90))
	assert.Equal(t, Armed, h.State())
}

type recorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recorder) Publish(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) all() []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Update(nil), r.updates...)
}

func testPlan() Plan {
	return Plan{
		FemurCalibration: mgl64.Ident4(),
		TibiaCalibration: mgl64.Ident4(),
		FemurImplant:     mgl64.Ident4(),
		TibiaImplant:     mgl64.Ident4(),
		CutPlanes:        []CutPlane{tibialCut},
		Condyles: []TrackedPoint{
			{Name: "medial", Point: mgl64.Vec3{-20, 0, -8}},
			{Name: "lateral", Point: mgl64.Vec3{20, 0, -7}},
		},
	}
}

func TestTrackerSequential(t *testing.T) {
	rec := &recorder{}
	clock := timeutil.NewMockClock(t0)
	tr := NewTracker(scene.NewRig(), rec, DefaultTrackerConfig(), clock)

	tr.SetPlan(testPlan())
	require.NoError(t, tr.HandlePose(scene.FemurToolID, mgl64.Translate3D(0, 0, 10)))
	assert.Empty(t, rec.all(), "no update before both tools reported")

	require.NoError(t, tr.HandlePose(scene.TibiaToolID, mgl64.Ident4()))
	ups := rec.all()
	require.Len(t, ups, 1)
	medial, _ := ups[0].Metrics.Gap("tibial", "medial")
	lateral, _ := ups[0].Metrics.Gap("tibial", "lateral")
	assert.InDelta(t, -2, medial, 1e-12)
	assert.InDelta(t, -3, lateral, 1e-12)
	assert.Equal(t, t0, ups[0].Time)

	// flex to 30 degrees: 30 interpolated samples
	pose := mgl64.Translate3D(0, 0, 10).Mul4(geometry.RotationX(30))
	require.NoError(t, tr.HandlePose(scene.FemurToolID, pose))
	ups = rec.all()
	require.Len(t, ups, 2)
	require.Len(t, ups[1].Samples, 30)
	assert.InDelta(t, 30, ups[1].Samples[29].Angle, 1e-9)
	medialCurve, lateralCurve := tr.Curves()
	assert.Equal(t, 31, medialCurve.Populated())
	assert.Equal(t, 31, lateralCurve.Populated())

	assert.ErrorIs(t, tr.HandlePose("probe", mgl64.Ident4()), models.ErrInput)
	assert.Equal(t, 2, tr.Stats().Processed)
}

func TestTrackerCoalescesWhileBusy(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	rec := &recorder{}
	var once sync.Once
	sink := SinkFunc(func(u Update) {
		rec.Publish(u)
		once.Do(func() {
			close(entered)
			<-release
		})
	})
	tr := NewTracker(scene.NewRig(), sink, DefaultTrackerConfig(), timeutil.NewMockClock(t0))
	tr.SetPlan(testPlan())
	require.NoError(t, tr.HandlePose(scene.TibiaToolID, mgl64.Ident4()))

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, tr.HandlePose(scene.FemurToolID, mgl64.Translate3D(0, 0, 10)))
	}()
	<-entered

	// the draining goroutine is stuck in the sink; these only queue
	require.NoError(t, tr.HandlePose(scene.FemurToolID, mgl64.Translate3D(0, 0, 11)))
	require.NoError(t, tr.HandlePose(scene.FemurToolID, mgl64.Translate3D(0, 0, 12)))
	assert.Len(t, rec.all(), 1)

	close(release)
	<-done

	ups := rec.all()
	require.Len(t, ups, 2, "stale pose dropped, newest processed")
	medial, _ := ups[1].Metrics.Gap("tibial", "medial")
	assert.InDelta(t, -4, medial, 1e-12)
	assert.Equal(t, Stats{Processed: 2, Coalesced: 1}, tr.Stats())
}

func TestTrackerConcurrentPoses(t *testing.T) {
	rec := &recorder{}
	tr := NewTracker(scene.NewRig(), rec, DefaultTrackerConfig(), nil)
	tr.SetPlan(testPlan())

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id := scene.FemurToolID
				if (g+i)%2 == 0 {
					id = scene.TibiaToolID
				}
				_ = tr.HandlePose(id, mgl64.Translate3D(0, 0, float64(i)))
				if i == 50 {
					tr.SetPlan(testPlan())
				}
			}
		}(g)
	}
	wg.Wait()

	st := tr.Stats()
	assert.Greater(t, st.Processed, 0)
	assert.Equal(t, st.Processed, len(rec.all()))
	assert.LessOrEqual(t, st.Processed, 800+16)
}

type fakeSource struct {
	cb func(string, mgl64.Mat4)
}

func (f *fakeSource) OnPoseUpdate(cb func(string, mgl64.Mat4)) { f.cb = cb }

func TestTrackerAttach(t *testing.T) {
	rec := &recorder{}
	tr := NewTracker(scene.NewRig(), rec, DefaultTrackerConfig(), timeutil.NewMockClock(t0))
	tr.SetPlan(testPlan())
	src := &fakeSource{}
	tr.Attach(src)
	require.NotNil(t, src.cb)

	src.cb(scene.TibiaToolID, mgl64.Ident4())
	src.cb(scene.FemurToolID, mgl64.Translate3D(0, 0, 10))
	src.cb("unknown", mgl64.Ident4())
	assert.Len(t, rec.all(), 1)
}
