package planning

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/go-gl/mathgl/mgl64"

	"kneenav/internal/monitoring"
	"kneenav/internal/timeutil"
	"kneenav/pkg/implant"
	"kneenav/pkg/navigation"
	"kneenav/pkg/planstore"
	"kneenav/pkg/scene"
	"kneenav/pkg/visualization"
)

// SessionParams configures the navigation of a planned knee.
type SessionParams struct {
	Femur *Plan
	Tibia *Plan

	Implant          implant.Params
	FemurCalibration mgl64.Mat4
	TibiaCalibration mgl64.Mat4

	Tracker navigation.TrackerConfig
	Clock   timeutil.Clock

	// OutputDir receives the clearance chart on completion; empty skips it.
	OutputDir string
}

// Session navigates a planned knee. It owns the rig and the tracker and,
// once the hold-steady condition is met, records the completion against
// both plans and charts the clearance curves.
type Session struct {
	Rig     *scene.Rig
	Tracker *navigation.Tracker

	params SessionParams
	store  *planstore.Store
	sink   navigation.Sink

	mu        sync.Mutex
	completed int
}

// NewSession builds the navigation plan from the two bone plans and starts
// a tracker on a fresh rig. Updates are forwarded to sink when it is not
// nil; store may be nil.
func NewSession(params SessionParams, store *planstore.Store, sink navigation.Sink) (*Session, error) {
	np, err := NavigationPlan(params.Femur, params.Tibia, params.Implant, params.FemurCalibration, params.TibiaCalibration)
	if err != nil {
		return nil, err
	}
	s := &Session{Rig: scene.NewRig(), params: params, store: store, sink: sink}
	s.Tracker = navigation.NewTracker(s.Rig, s, params.Tracker, params.Clock)
	s.Tracker.SetPlan(np)
	return s, nil
}

// UpdatePlan swaps in re-planned bones, for example after a size override.
func (s *Session) UpdatePlan(femur, tibia *Plan) error {
	np, err := NavigationPlan(femur, tibia, s.params.Implant, s.params.FemurCalibration, s.params.TibiaCalibration)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.params.Femur, s.params.Tibia = femur, tibia
	s.mu.Unlock()
	s.Tracker.SetPlan(np)
	return nil
}

// Completed returns how many times the hold-steady condition was met.
func (s *Session) Completed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

// Publish implements navigation.Sink. It runs on the tracker's draining
// goroutine.
func (s *Session) Publish(u navigation.Update) {
	if s.sink != nil {
		s.sink.Publish(u)
	}
	if !u.Complete {
		return
	}
	s.mu.Lock()
	s.completed++
	femur, tibia := s.params.Femur, s.params.Tibia
	s.mu.Unlock()

	medial, lateral := s.Tracker.Curves()
	m, l := medial.Summary(), lateral.Summary()
	detail := fmt.Sprintf("medial %.2f mm, lateral %.2f mm over %d/%d samples", m.Mean, l.Mean, m.Count, l.Count)

	if s.store != nil {
		for _, p := range []*Plan{femur, tibia} {
			if p.ID == "" {
				continue
			}
			if _, err := s.store.RecordEvent(context.Background(), p.ID, planstore.EventComplete, detail); err != nil {
				monitoring.Logf("Warning: record completion of plan %s: %v", p.ID, err)
			}
		}
	}
	if s.params.OutputDir != "" {
		path := filepath.Join(s.params.OutputDir, "clearance.png")
		if err := visualization.PlotClearance(medial, lateral, "Flexion gaps", path); err != nil {
			monitoring.Logf("Warning: plot clearance: %v", err)
		}
	}
}
