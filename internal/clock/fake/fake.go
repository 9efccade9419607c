// Package fake provides a controllable clock for tests.
package fake

import (
	"sort"
	"sync"
	"time"
)

type waiter struct {
	at time.Time
	ch chan time.Time
}

// Clock is a manually advanced clock. In auto mode every After call moves
// virtual time forward by its duration after a short real delay, so code
// that sleeps on the clock runs without real waiting.
type Clock struct {
	mu      sync.Mutex
	now     time.Time
	step    time.Duration
	waiters []waiter
}

// New returns a manual clock starting at start.
func New(start time.Time) *Clock {
	return &Clock{now: start}
}

// NewAuto returns a clock that advances itself whenever something waits on it.
func NewAuto(start time.Time) *Clock {
	return &Clock{now: start, step: time.Millisecond}
}

// Now returns the current virtual time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that fires once virtual time reaches now+d.
func (c *Clock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	at := c.now.Add(d)
	if d <= 0 {
		now := c.now
		c.mu.Unlock()
		ch <- now
		return ch
	}
	if c.step > 0 {
		c.mu.Unlock()
		go func() {
			time.Sleep(c.step)
			ch <- c.advanceTo(at)
		}()
		return ch
	}
	c.waiters = append(c.waiters, waiter{at: at, ch: ch})
	c.mu.Unlock()
	return ch
}

// Advance moves virtual time forward and fires every waiter that is due.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	c.advanceTo(target)
}

// Waiters reports how many After channels are still pending.
func (c *Clock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func (c *Clock) advanceTo(target time.Time) time.Time {
	c.mu.Lock()
	if target.After(c.now) {
		c.now = target
	}
	now := c.now
	var due []waiter
	pending := c.waiters[:0]
	for _, w := range c.waiters {
		if w.at.After(now) {
			pending = append(pending, w)
			continue
		}
		due = append(due, w)
	}
	c.waiters = pending
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, w := range due {
		w.ch <- now
	}
	return now
}
