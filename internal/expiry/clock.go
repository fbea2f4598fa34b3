// Package expiry provides the clock and expiration arithmetic used by the work list.
//
// Timestamps are whole seconds on a monotonic clock whose epoch resets on every
// process start. Anything persisted across restarts must be rebased onto the
// new epoch with Rebase.
package expiry

import (
	"sync"
	"time"
)

// Clock is a source of monotonic seconds.
type Clock interface {
	Now() int64
}

// Monotonic counts seconds since it was created.
type Monotonic struct {
	start time.Time
}

// NewMonotonic creates a clock whose epoch is the current instant.
func NewMonotonic() *Monotonic {
	return &Monotonic{start: time.Now()}
}

// Now returns whole seconds elapsed since the clock was created.
func (c *Monotonic) Now() int64 {
	// time.Since uses the monotonic reading, wall clock jumps do not leak in
	return int64(time.Since(c.start) / time.Second)
}

// Manual is a clock that only moves when told to.
type Manual struct {
	mu  sync.Mutex
	now int64
}

// NewManual creates a manual clock set to now.
func NewManual(now int64) *Manual {
	return &Manual{now: now}
}

// Now returns the current reading.
func (c *Manual) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to now.
func (c *Manual) Set(now int64) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Advance moves the clock forward by d, rounded down to whole seconds.
func (c *Manual) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += int64(d / time.Second)
	c.mu.Unlock()
}
