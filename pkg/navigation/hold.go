package navigation

import (
	"math"
	"time"

	"kneenav/internal/timeutil"
)

// HoldState is the state of a HoldDetector.
type HoldState int

const (
	// Armed waits for the angle to settle.
	Armed HoldState = iota
	// Waiting times a continuous hold.
	Waiting
)

func (s HoldState) String() string {
	if s == Waiting {
		return "waiting"
	}
	return "armed"
}

// HoldDetector signals completion once the joint angle has stayed below
// AngleLimit for Duration while both clearance curves hold at least
// MinSamples values. Any sample outside the limit re-arms it.
type HoldDetector struct {
	AngleLimit float64
	Duration   time.Duration
	MinSamples int

	clock timeutil.Clock
	state HoldState
	start time.Time
}

// NewHoldDetector creates an armed detector.
func NewHoldDetector(angleLimit float64, duration time.Duration, minSamples int, clock timeutil.Clock) *HoldDetector {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &HoldDetector{AngleLimit: angleLimit, Duration: duration, MinSamples: minSamples, clock: clock}
}

// State returns the current state.
func (h *HoldDetector) State() HoldState { return h.state }

// Update feeds one angle and the populated counts of the two curves and
// reports whether the hold just completed. Completion re-arms the detector.
func (h *HoldDetector) Update(angle float64, medialSamples, lateralSamples int) bool {
	steady := math.Abs(angle) < h.AngleLimit &&
		medialSamples >= h.MinSamples && lateralSamples >= h.MinSamples
	if !steady {
		h.state = Armed
		return false
	}
	now := h.clock.Now()
	if h.state == Armed {
		h.state, h.start = Waiting, now
		return false
	}
	if now.Sub(h.start) >= h.Duration {
		h.state = Armed
		return true
	}
	return false
}

// Reset re-arms the detector.
func (h *HoldDetector) Reset() { h.state = Armed }
