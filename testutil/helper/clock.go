package helper

import (
	"sync"
	"time"
)

// FakeClock is a manually advanced clock. Its Now method satisfies lending.Clock.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

// AdvanceDays moves the clock forward by n days.
func (c *FakeClock) AdvanceDays(n int) {
	c.Advance(time.Duration(n) * 24 * time.Hour)
}
