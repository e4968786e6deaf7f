package store

import (
	"testing"
	"time"
)

func TestClockIsStrictlyIncreasing(t *testing.T) {
	fixed := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewClock(func() time.Time { return fixed })

	prev := c.Now()
	for i := 0; i < 100; i++ {
		next := c.Now()
		if !next.After(prev) {
			t.Fatalf("iteration %d: %v is not after %v", i, next, prev)
		}
		prev = next
	}
}

func TestClockSurvivesBackwardsStep(t *testing.T) {
	times := []time.Time{
		time.Date(2025, 1, 1, 12, 0, 1, 0, time.UTC),
		time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	i := 0
	c := NewClock(func() time.Time {
		tm := times[i]
		i++
		return tm
	})

	first := c.Now()
	second := c.Now()
	if !second.After(first) {
		t.Fatalf("expected %v after %v", second, first)
	}
}
