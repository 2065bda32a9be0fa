package crypto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualClock(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewManualClock(start)
	assert.Equal(t, start, c.Now())

	c.Advance(5 * time.Second)
	assert.Equal(t, start.Add(5*time.Second), c.Now())

	c.Set(start.Add(-time.Hour))
	assert.Equal(t, start.Add(-time.Hour), c.Now())
}

func TestClockOrSystem(t *testing.T) {
	assert.IsType(t, SystemClock{}, ClockOrSystem(nil))

	manual := NewManualClock(time.Unix(0, 0))
	assert.Same(t, manual, ClockOrSystem(manual))
}
