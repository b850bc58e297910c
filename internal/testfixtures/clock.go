package testfixtures

import (
	"sort"
	"sync"
	"time"

	"github.com/Vasu1712/meetsync/internal/clock"
)

// ReferenceTime is the default starting instant for test clocks.
func ReferenceTime() time.Time {
	return time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
}

// Clock provides a controllable time source for tests. Timers registered
// with AfterFunc fire synchronously, in due order, from Advance.
type Clock struct {
	mu      sync.Mutex
	current time.Time
	seq     int
	timers  []*fakeTimer
}

var _ clock.Clock = (*Clock)(nil)

type fakeTimer struct {
	c    *Clock
	id   int
	due  time.Time
	fn   func()
	done bool
}

// NewClock returns a clock initialised to the supplied time. When start is the
// zero value, ReferenceTime is used.
func NewClock(start time.Time) *Clock {
	if start.IsZero() {
		start = ReferenceTime()
	}
	return &Clock{current: start}
}

// Now returns the current instant tracked by the clock.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// AfterFunc registers fn to run once the clock has advanced by d.
func (c *Clock) AfterFunc(d time.Duration, fn func()) clock.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{c: c, id: c.seq, due: c.current.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	t.c.removeLocked(t)
	return true
}

func (c *Clock) removeLocked(t *fakeTimer) {
	for i, other := range c.timers {
		if other == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			return
		}
	}
}

// Advance moves the clock forward by d, firing every timer that falls due
// on the way, and returns the updated time.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	target := c.current.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.due.After(target) {
				continue
			}
			if next == nil || t.due.Before(next.due) || (t.due.Equal(next.due) && t.id < next.id) {
				next = t
			}
		}
		if next == nil {
			c.current = target
			c.mu.Unlock()
			return target
		}
		next.done = true
		c.removeLocked(next)
		if next.due.After(c.current) {
			c.current = next.due
		}
		c.mu.Unlock()
		next.fn()
	}
}

// Pending returns the number of armed timers.
func (c *Clock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// PendingDelays returns the remaining delay of each armed timer, shortest
// first.
func (c *Clock) PendingDelays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, 0, len(c.timers))
	for _, t := range c.timers {
		out = append(out, t.due.Sub(c.current))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
