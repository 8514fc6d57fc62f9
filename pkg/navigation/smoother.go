package navigation

import "math"

// Sample is one display value: the joint angle and the medial and lateral
// gaps.
type Sample struct {
	Angle   float64
	Medial  float64
	Lateral float64
}

// Smoother fills angle jumps with interpolated samples so the display does
// not skip. It only affects what is shown, never the underlying geometry.
type Smoother struct {
	// Threshold is the angle step in degrees above which samples are
	// interpolated.
	Threshold float64

	last *Sample
}

// NewSmoother creates a smoother with the given interpolation threshold.
func NewSmoother(threshold float64) *Smoother {
	return &Smoother{Threshold: threshold}
}

// Next returns the samples to emit for s. When the angle moved by more than
// Threshold since the previous sample, ceil(|delta|) samples are returned,
// linearly interpolated and ending with s; otherwise just s.
func (sm *Smoother) Next(s Sample) []Sample {
	prev := sm.last
	sm.last = &s
	if prev == nil {
		return []Sample{s}
	}
	delta := s.Angle - prev.Angle
	if math.Abs(delta) <= sm.Threshold {
		return []Sample{s}
	}
	n := int(math.Ceil(math.Abs(delta)))
	out := make([]Sample, n)
	for k := 1; k <= n; k++ {
		f := float64(k) / float64(n)
		out[k-1] = Sample{
			Angle:   prev.Angle + f*delta,
			Medial:  prev.Medial + f*(s.Medial-prev.Medial),
			Lateral: prev.Lateral + f*(s.Lateral-prev.Lateral),
		}
	}
	out[n-1] = s
	return out
}

// Reset forgets the previous sample.
func (sm *Smoother) Reset() { sm.last = nil }
