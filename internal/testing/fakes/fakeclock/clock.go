// Package fakeclock provides a controllable Clock implementation for testing.
package fakeclock

import (
	"sync"
	"time"

	"github.com/acolita/micro-repl/internal/ports"
)

// Clock is a fake clock that can be controlled in tests.
type Clock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*waiter
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
	stopped  bool
}

// New creates a new fake clock initialized to the given time.
func New(initial time.Time) *Clock {
	return &Clock{current: initial}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Sleep returns immediately. Use Advance to simulate time passing.
func (c *Clock) Sleep(time.Duration) {}

// After returns a channel that fires when Advance moves past d.
func (c *Clock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addLocked(d, make(chan time.Time, 1)).ch
}

// NewTimer returns a timer driven by Advance.
func (c *Clock) NewTimer(d time.Duration) ports.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &fakeTimer{clock: c, w: c.addLocked(d, make(chan time.Time, 1))}
}

func (c *Clock) addLocked(d time.Duration, ch chan time.Time) *waiter {
	w := &waiter{deadline: c.current.Add(d), ch: ch}
	if !c.current.Before(w.deadline) {
		w.ch <- c.current
		return w
	}
	c.waiters = append(c.waiters, w)
	return w
}

// Advance moves the clock forward by d, firing any expired waiters.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = c.current.Add(d)
	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		switch {
		case w.stopped:
		case !c.current.Before(w.deadline):
			select {
			case w.ch <- c.current:
			default:
			}
		default:
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
}

// Waiters reports how many timers are still pending.
func (c *Clock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.waiters {
		if !w.stopped {
			n++
		}
	}
	return n
}

type fakeTimer struct {
	clock *Clock
	w     *waiter
}

func (t *fakeTimer) C() <-chan time.Time { return t.w.ch }

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.w.stopped && t.clock.current.Before(t.w.deadline)
	t.w.stopped = true
	return active
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	active := t.Stop()
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	// the channel stays the same for callers holding C()
	t.w = t.clock.addLocked(d, t.w.ch)
	return active
}

var _ ports.Clock = (*Clock)(nil)
