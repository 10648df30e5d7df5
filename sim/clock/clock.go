// Package clock tracks the three time domains of a replicated simulation:
// local wall-clock time, an estimate of the remote server's time and the
// fixed-step game time advanced by the simulator.
package clock

import (
	"sync"
	"time"
)

// driftStep is the maximum correction applied to the estimated server clock
// delta per update. Larger differences than snapThreshold bypass drifting and
// snap immediately.
const (
	driftStep     = 0.001
	snapThreshold = 0.3
)

// Clock provides monotonic client time, an estimated server time and the
// simulation's game time. Game time never decreases.
type Clock struct {
	mu sync.Mutex

	start time.Time
	now   func() time.Time

	clockDelta float64
	synced     bool

	gameTime float64
}

// New creates a Clock whose client time starts counting from zero at the time
// of the call.
func New() *Clock {
	return NewFunc(time.Now)
}

// NewFunc creates a Clock using the time source passed. It is used by tests
// that need a deterministic clock.
func NewFunc(now func() time.Time) *Clock {
	return &Clock{start: now(), now: now}
}

// ClientTime returns the number of seconds passed since the Clock was created.
// The reading is monotonic.
func (c *Clock) ClientTime() float64 {
	return c.now().Sub(c.start).Seconds()
}

// ServerTime returns the current estimate of the server's time. Before the
// first UpdateServerTime call, ServerTime returns 0.
func (c *Clock) ServerTime() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.synced {
		return 0
	}
	return c.now().Sub(c.start).Seconds() + c.clockDelta
}

// GameTime returns the simulation's game time in seconds.
func (c *Clock) GameTime() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gameTime
}

// StepGameTime advances game time by the fixed step passed. Negative steps are
// ignored so that game time remains monotonic.
func (c *Clock) StepGameTime(delta float64) {
	if delta <= 0 {
		return
	}
	c.mu.Lock()
	c.gameTime += delta
	c.mu.Unlock()
}

// UpdateServerTime feeds a server time reading and the one-way latency of the
// packet that carried it into the clock. The server clock delta drifts towards
// the reading by at most driftStep per call unless the difference exceeds
// snapThreshold, in which case it snaps. Game time is raised to the estimated
// server time if it is behind, so that it never rewinds.
func (c *Clock) UpdateServerTime(serverTime, latency float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	estimated := serverTime + latency
	target := estimated - c.now().Sub(c.start).Seconds()
	if !c.synced {
		c.clockDelta = target
		c.synced = true
	} else if diff := target - c.clockDelta; diff > snapThreshold || diff < -snapThreshold {
		c.clockDelta = target
	} else if diff > driftStep {
		c.clockDelta += driftStep
	} else if diff < -driftStep {
		c.clockDelta -= driftStep
	} else {
		c.clockDelta = target
	}

	if estimated > c.gameTime {
		c.gameTime = estimated
	}
}
