// Package testutil holds deterministic time and id sources for tests.
package testutil

import (
	"fmt"
	"sync"
	"time"
)

// Clock returns strictly increasing times from a fixed UTC start. It is safe
// for concurrent use.
type Clock struct {
	mu      sync.Mutex
	current time.Time
	step    time.Duration
}

// NewClock returns a clock starting at 2024-01-01 UTC that advances one
// second per call.
func NewClock() *Clock {
	return &Clock{
		current: time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
		step:    time.Second,
	}
}

// Now advances the clock and returns the new time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = c.current.Add(c.step)

	return c.current
}

// Peek returns the last time handed out without advancing.
func (c *Clock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.current
}

// IDs hands out "p01", "p02", ... in call order. It is safe for concurrent
// use.
type IDs struct {
	mu  sync.Mutex
	seq int
}

// Next returns the next id.
func (g *IDs) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.seq++

	return fmt.Sprintf("p%02d", g.seq)
}
