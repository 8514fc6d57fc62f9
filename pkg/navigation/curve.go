package navigation

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ClearanceCurve records a gap per whole degree of joint angle, the last
// value recorded for a bin wins.
type ClearanceCurve struct {
	values []float64
	filled []bool
	count  int
}

// NewClearanceCurve creates a curve over angles [0, bins).
func NewClearanceCurve(bins int) *ClearanceCurve {
	if bins < 1 {
		bins = 1
	}
	return &ClearanceCurve{values: make([]float64, bins), filled: make([]bool, bins)}
}

// Record stores value at the bin of the rounded absolute angle, clamped to
// the curve range.
func (c *ClearanceCurve) Record(angle, value float64) {
	bin := int(math.Round(math.Abs(angle)))
	if bin >= len(c.values) {
		bin = len(c.values) - 1
	}
	if !c.filled[bin] {
		c.filled[bin] = true
		c.count++
	}
	c.values[bin] = value
}

// Populated returns the number of bins holding a value.
func (c *ClearanceCurve) Populated() int { return c.count }

// Bins returns the number of bins.
func (c *ClearanceCurve) Bins() int { return len(c.values) }

// Points returns the populated (angle, value) pairs in angle order.
func (c *ClearanceCurve) Points() (angles, values []float64) {
	for i, ok := range c.filled {
		if ok {
			angles = append(angles, float64(i))
			values = append(values, c.values[i])
		}
	}
	return angles, values
}

// Fill marks the first n bins with value. Used to seed a curve from a
// previous session.
func (c *ClearanceCurve) Fill(n int, value float64) {
	for i := 0; i < n && i < len(c.values); i++ {
		c.Record(float64(i), value)
	}
}

// Reset clears every bin.
func (c *ClearanceCurve) Reset() {
	for i := range c.values {
		c.values[i], c.filled[i] = 0, false
	}
	c.count = 0
}

// CurveSummary describes the populated values of a curve.
type CurveSummary struct {
	Count int
	Mean  float64
	Std   float64
	Min   float64
	Max   float64
}

// Summary returns statistics over the populated bins. It is zero for an
// empty curve.
func (c *ClearanceCurve) Summary() CurveSummary {
	_, values := c.Points()
	if len(values) == 0 {
		return CurveSummary{}
	}
	s := CurveSummary{Count: len(values), Min: floats.Min(values), Max: floats.Max(values)}
	if len(values) == 1 {
		s.Mean = values[0]
		return s
	}
	s.Mean, s.Std = stat.MeanStdDev(values, nil)
	return s
}
