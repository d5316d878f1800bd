package state

import (
	"container/heap"
	"time"
)

// Clock is the time source and timer service used by the routing core.
// Callbacks scheduled on a Clock never run concurrently with each other.
type Clock interface {
	Now() time.Time
	Schedule(delay time.Duration, fn func()) *Timer
}

// Timer is an opaque handle to a scheduled callback. Cancelling a timer that
// already fired, or firing one that was cancelled, is a no-op.
type Timer struct {
	when      time.Time
	fn        func()
	stop      func() bool
	cancelled bool
	fired     bool

	seq   uint64
	index int
}

func newTimer(when time.Time, fn func()) *Timer {
	return &Timer{when: when, fn: fn, index: -1}
}

// claim marks the timer as fired, returning false if it was cancelled or already ran
func (t *Timer) claim() bool {
	if t.cancelled || t.fired {
		return false
	}
	t.fired = true
	return true
}

func (t *Timer) Cancel() {
	if t == nil {
		return
	}
	t.cancelled = true
	if t.stop != nil {
		t.stop()
	}
}

// Active reports whether the timer is still waiting to fire
func (t *Timer) Active() bool {
	return t != nil && !t.cancelled && !t.fired
}

func (t *Timer) When() time.Time {
	return t.when
}

// VirtualClock is a discrete-event clock. Time only moves when the owner
// steps it, which makes multi-node runs reproducible.
type VirtualClock struct {
	now   time.Time
	seq   uint64
	queue timerHeap
}

func NewVirtualClock(start time.Time) *VirtualClock {
	return &VirtualClock{now: start}
}

func (c *VirtualClock) Now() time.Time {
	return c.now
}

func (c *VirtualClock) Schedule(delay time.Duration, fn func()) *Timer {
	t := newTimer(c.now.Add(max(delay, 0)), fn)
	c.seq++
	t.seq = c.seq
	heap.Push(&c.queue, t)
	return t
}

// Pending returns the number of timers that have not fired or been cancelled
func (c *VirtualClock) Pending() int {
	n := 0
	for _, t := range c.queue {
		if t.Active() {
			n++
		}
	}
	return n
}

// Step runs the next pending timer, advancing the clock to its deadline.
// It returns false when no timers are left.
func (c *VirtualClock) Step() bool {
	for c.queue.Len() > 0 {
		t := heap.Pop(&c.queue).(*Timer)
		if !t.Active() {
			continue
		}
		c.now = t.when
		t.fired = true
		t.fn()
		return true
	}
	return false
}

// RunUntil runs every timer due at or before deadline and leaves the clock at deadline
func (c *VirtualClock) RunUntil(deadline time.Time) {
	for c.queue.Len() > 0 {
		next := c.queue[0]
		if !next.Active() {
			heap.Pop(&c.queue)
			continue
		}
		if next.when.After(deadline) {
			break
		}
		c.Step()
	}
	if deadline.After(c.now) {
		c.now = deadline
	}
}

func (c *VirtualClock) Advance(d time.Duration) {
	c.RunUntil(c.now.Add(d))
}

type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
