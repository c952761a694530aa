package fake

import (
	"testing"
	"time"
)

func TestClock_Now(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewClock(start)

	if got := c.Now(); !got.Equal(start) {
		t.Errorf("expected %v, got %v", start, got)
	}
}

func TestClock_AdvanceFiresInOrder(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewClock(start)

	var fired []string
	c.AfterFunc(200*time.Millisecond, func() { fired = append(fired, "late") })
	c.AfterFunc(100*time.Millisecond, func() { fired = append(fired, "early") })
	c.AfterFunc(time.Second, func() { fired = append(fired, "never") })

	c.Advance(500 * time.Millisecond)
	if len(fired) != 2 || fired[0] != "early" || fired[1] != "late" {
		t.Fatalf("fired = %v, want [early late]", fired)
	}
	if got, want := c.Now(), start.Add(500*time.Millisecond); !got.Equal(want) {
		t.Errorf("Now() = %v, want %v", got, want)
	}
	if c.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", c.Pending())
	}
}

func TestClock_TimerRearmedDuringAdvance(t *testing.T) {
	c := NewClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	count := 0
	var tick func()
	tick = func() {
		count++
		c.AfterFunc(100*time.Millisecond, tick)
	}
	c.AfterFunc(100*time.Millisecond, tick)

	c.Advance(350 * time.Millisecond)
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
}

func TestClock_Stop(t *testing.T) {
	c := NewClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	fired := false
	tm := c.AfterFunc(time.Second, func() { fired = true })
	if !tm.Stop() {
		t.Fatal("Stop() = false on armed timer")
	}
	if tm.Stop() {
		t.Error("second Stop() = true")
	}
	c.Advance(2 * time.Second)
	if fired {
		t.Error("stopped timer fired")
	}
}

func TestClock_Set(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewClock(start)

	target := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	c.Set(target)
	if got := c.Now(); !got.Equal(target) {
		t.Errorf("expected %v, got %v", target, got)
	}
}
