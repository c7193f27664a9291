package core

import (
	"sync"
	"time"
)

// Clock hands out message timestamps. Each call returns a time strictly later
// than the previous one, even when the wall clock stalls or steps back.
type Clock struct {
	mu   sync.Mutex
	last time.Time
	Now  func() time.Time
}

func (c *Clock) Next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now
	if c.Now != nil {
		now = c.Now
	}

	t := now().UTC().Truncate(time.Microsecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}

// Observe moves the clock past t, so timestamps already persisted by an
// earlier process stay older than new ones.
func (c *Clock) Observe(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.last) {
		c.last = t.UTC()
	}
}
