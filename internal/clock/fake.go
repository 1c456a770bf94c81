package clock

import (
	"slices"
	"sync"
	"time"
)

// FakeClock only moves when Advance is called. AfterFunc callbacks run
// synchronously inside Advance, in deadline order, so a test observes their
// effects as soon as Advance returns.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
}

type waiter struct {
	deadline time.Time
	fn       func()
	ch       chan time.Time
	stopped  bool
	fired    bool
}

// Fake returns a FakeClock set to start.
func Fake(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	w := &waiter{deadline: c.now.Add(d), fn: f}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	return &Timer{stop: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if w.stopped || w.fired {
			return false
		}
		w.stopped = true
		return true
	}}
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	c.waiters = append(c.waiters, &waiter{deadline: c.now.Add(d), ch: ch})
	return ch
}

// Advance moves the clock forward by d and fires everything that became due.
// Waiters fire one at a time, earliest first, with Now set to their deadline,
// so a timer scheduled from a callback fires too if it lands inside the
// window.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		w := c.next(target)
		if w == nil {
			break
		}
		if w.fn != nil {
			w.fn()
			continue
		}
		select {
		case w.ch <- w.deadline:
		default:
		}
	}

	c.mu.Lock()
	c.now = target
	c.mu.Unlock()
}

// next removes the earliest waiter due by target and moves the clock to its
// deadline. Ties keep scheduling order.
func (c *FakeClock) next(target time.Time) *waiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := -1
	live := c.waiters[:0]
	for _, w := range c.waiters {
		if w.stopped {
			continue
		}
		live = append(live, w)
		if w.deadline.After(target) {
			continue
		}
		if idx < 0 || w.deadline.Before(live[idx].deadline) {
			idx = len(live) - 1
		}
	}
	c.waiters = live
	if idx < 0 {
		return nil
	}

	w := c.waiters[idx]
	c.waiters = slices.Delete(c.waiters, idx, idx+1)
	w.fired = true
	if w.deadline.After(c.now) {
		c.now = w.deadline
	}
	return w
}

// Pending returns the number of timers that have neither fired nor been
// stopped.
func (c *FakeClock) Pending() int {
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
