package clock

import (
	"math"
	"testing"
	"time"
)

// testClock returns a clock with a manually advanced time source.
func testClock() (*Clock, *time.Time) {
	now := time.Unix(1000, 0)
	c := NewFunc(func() time.Time { return now })
	return c, &now
}

func TestClientTimeStartsAtZero(t *testing.T) {
	c, now := testClock()
	if got := c.ClientTime(); got != 0 {
		t.Fatalf("expected client time 0 at construction, got %v", got)
	}
	*now = now.Add(1500 * time.Millisecond)
	if got := c.ClientTime(); got != 1.5 {
		t.Fatalf("expected client time 1.5, got %v", got)
	}
}

func TestServerTimeZeroBeforeFirstUpdate(t *testing.T) {
	c, _ := testClock()
	if got := c.ServerTime(); got != 0 {
		t.Fatalf("expected server time 0 before sync, got %v", got)
	}
}

func TestServerTimeSnapsOnFirstUpdate(t *testing.T) {
	c, _ := testClock()
	c.UpdateServerTime(100, 0.05)
	if got := c.ServerTime(); got != 100.05 {
		t.Fatalf("expected server time 100.05 after first sync, got %v", got)
	}
}

func TestServerTimeDriftsByOneMillisecond(t *testing.T) {
	c, _ := testClock()
	c.UpdateServerTime(100, 0)
	// 10 ms ahead: below the snap threshold, so the delta moves by 1 ms.
	c.UpdateServerTime(100.010, 0)
	if got := c.ServerTime(); math.Abs(got-100.001) > 1e-9 {
		t.Fatalf("expected server time to drift to 100.001, got %v", got)
	}
	// 10 ms behind drifts back down.
	c.UpdateServerTime(99.991, 0)
	if got := c.ServerTime(); math.Abs(got-100.0) > 1e-9 {
		t.Fatalf("expected server time to drift back to 100, got %v", got)
	}
}

func TestServerTimeSnapsPastThreshold(t *testing.T) {
	c, _ := testClock()
	c.UpdateServerTime(100, 0)
	c.UpdateServerTime(101, 0)
	if got := c.ServerTime(); got != 101 {
		t.Fatalf("expected server time to snap to 101, got %v", got)
	}
}

func TestGameTimeNeverRewinds(t *testing.T) {
	c, _ := testClock()
	c.StepGameTime(5)
	if got := c.GameTime(); got != 5 {
		t.Fatalf("expected game time 5, got %v", got)
	}
	// A server reading in the past must not lower game time.
	c.UpdateServerTime(1, 0)
	if got := c.GameTime(); got != 5 {
		t.Fatalf("expected game time to stay at 5, got %v", got)
	}
	// A server reading ahead raises it.
	c.UpdateServerTime(10, 0.5)
	if got := c.GameTime(); got != 10.5 {
		t.Fatalf("expected game time to advance to 10.5, got %v", got)
	}
	c.StepGameTime(-1)
	if got := c.GameTime(); got != 10.5 {
		t.Fatalf("expected negative step to be ignored, got %v", got)
	}
}
