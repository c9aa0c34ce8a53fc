package testutil

import (
	"sync"
	"time"
)

// ManualClock provides a thread-safe wall clock for tests that only moves
// when told to. Pass its Now method wherever a component takes a
// func() time.Time clock source.
//
// The same scenario advanced by the same deltas produces byte-identical
// timestamps, which is what the golden-trace harness relies on.
//
// Thread-safety: all methods are safe for concurrent use via internal mutex.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// Epoch is the default start instant for manual clocks. An arbitrary
// fixed point well in the past, so traces never depend on the test run's
// wall time.
var Epoch = time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)

// NewManualClock creates a clock starting at Epoch.
func NewManualClock() *ManualClock {
	return &ManualClock{now: Epoch}
}

// NewManualClockAt creates a clock starting at the given instant.
func NewManualClockAt(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current instant without advancing.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new instant.
// Negative d panics: the clock is monotonic.
func (c *ManualClock) Advance(d time.Duration) time.Time {
	if d < 0 {
		panic("testutil: clock moved backwards")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Set jumps the clock to t. Panics if t is before the current instant.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.Before(c.now) {
		panic("testutil: clock moved backwards")
	}
	c.now = t
}
