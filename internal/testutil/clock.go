package testutil

import (
	"sync"
	"time"
)

// Epoch is the time every DeterministicClock starts at.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// DeterministicClock is a manually advanced wall clock for tests.
//
// Time only moves when Advance is called, so deadlines and branch timeouts
// fire exactly when a test says so and traces are byte-identical between
// runs.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type DeterministicClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewDeterministicClock creates a clock reading Epoch.
func NewDeterministicClock() *DeterministicClock {
	return &DeterministicClock{now: Epoch}
}

// Now returns the current time. It has the signature of time.Now so it can
// be passed wherever a clock function is accepted.
func (c *DeterministicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new time.
// Negative durations are ignored: the clock never goes backwards.
func (c *DeterministicClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.now = c.now.Add(d)
	}
	return c.now
}

// Reset returns the clock to Epoch.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = Epoch
}
