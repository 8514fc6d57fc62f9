package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMockClock(t *testing.T) {
	start := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	c := NewMockClock(start)

	assert.Equal(t, start, c.Now())

	c.Advance(1500 * time.Millisecond)
	assert.Equal(t, 1500*time.Millisecond, c.Since(start))

	later := start.Add(time.Hour)
	c.Set(later)
	assert.Equal(t, later, c.Now())
	assert.Equal(t, time.Hour, c.Since(start))
}

func TestRealClockSince(t *testing.T) {
	var c Clock = RealClock{}
	before := c.Now()
	assert.GreaterOrEqual(t, c.Since(before), time.Duration(0))
}
