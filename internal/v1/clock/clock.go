// Package clock provides the per-room logical clock behind after
// timers and scheduled action batches. Pending work sits in a priority
// queue ordered by fire-at instant with insertion order breaking ties,
// and a single dispatcher runs callbacks one at a time, which is what
// keeps scheduled work inside the room's serialized execution stream.
package clock

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
)

// Timer is a handle to one scheduled callback.
type Timer interface {
	// Cancel prevents the callback from firing and reports whether it
	// had still been pending.
	Cancel() bool
}

// Clock schedules callbacks on a room's logical time.
type Clock interface {
	Now() time.Time
	Schedule(delay time.Duration, fn func()) Timer
	// Stop cancels all pending work and releases the dispatcher.
	Stop()
}

type entry struct {
	at        time.Time
	seq       uint64
	fn        func()
	cancelled atomic.Bool
}

func (e *entry) Cancel() bool {
	return e.cancelled.CompareAndSwap(false, true)
}

type pendingHeap []*entry

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h pendingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *pendingHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// WallClock runs callbacks against real time from a dedicated
// dispatch goroutine.
type WallClock struct {
	mu      sync.Mutex
	pending pendingHeap
	seq     uint64
	stopped bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewWallClock starts the dispatcher.
func NewWallClock() *WallClock {
	c := &WallClock{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	c.wg.Add(1)
	go c.dispatch()
	return c
}

func (c *WallClock) Now() time.Time {
	return time.Now()
}

func (c *WallClock) Schedule(delay time.Duration, fn func()) Timer {
	if delay < 0 {
		delay = 0
	}
	e := &entry{at: time.Now().Add(delay), fn: fn}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		e.cancelled.Store(true)
		return e
	}
	e.seq = c.seq
	c.seq++
	heap.Push(&c.pending, e)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return e
}

// Stop cancels all pending callbacks and waits for the dispatcher to
// exit. A callback already mid-run finishes naturally.
func (c *WallClock) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	for _, e := range c.pending {
		e.cancelled.Store(true)
	}
	c.pending = nil
	c.mu.Unlock()

	close(c.done)
	c.wg.Wait()
}

func (c *WallClock) dispatch() {
	defer c.wg.Done()

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			return
		}
		var waitCh <-chan time.Time
		if len(c.pending) > 0 {
			d := time.Until(c.pending[0].at)
			if d <= 0 {
				e := heap.Pop(&c.pending).(*entry)
				c.mu.Unlock()
				if e.cancelled.CompareAndSwap(false, true) {
					e.fn()
				}
				continue
			}
			timer.Reset(d)
			waitCh = timer.C
		}
		c.mu.Unlock()

		select {
		case <-waitCh:
		case <-c.wake:
			drainTimer(timer, waitCh)
		case <-c.done:
			drainTimer(timer, waitCh)
			return
		}
	}
}

func drainTimer(timer *time.Timer, armed <-chan time.Time) {
	if armed == nil {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}

// ManualClock only moves when Advance is called, which is how the
// scenario suites make 3000 ms pass deterministically. Callbacks run
// inline on the advancing goroutine in fire-at order.
type ManualClock struct {
	mu      sync.Mutex
	now     time.Time
	pending pendingHeap
	seq     uint64
	stopped bool
}

// NewManualClock starts at the zero instant.
func NewManualClock() *ManualClock {
	return &ManualClock{now: time.Unix(0, 0)}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Schedule(delay time.Duration, fn func()) Timer {
	if delay < 0 {
		delay = 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e := &entry{at: c.now.Add(delay), fn: fn}
	if c.stopped {
		e.cancelled.Store(true)
		return e
	}
	e.seq = c.seq
	c.seq++
	heap.Push(&c.pending, e)
	return e
}

// Advance moves logical time forward by d, running every callback due
// on the way, including callbacks scheduled by callbacks when their
// fire-at lands inside the window.
func (c *ManualClock) Advance(d time.Duration) {
	if d < 0 {
		return
	}

	c.mu.Lock()
	target := c.now.Add(d)
	for {
		if c.stopped || len(c.pending) == 0 || c.pending[0].at.After(target) {
			break
		}
		e := heap.Pop(&c.pending).(*entry)
		if e.at.After(c.now) {
			c.now = e.at
		}
		c.mu.Unlock()
		if e.cancelled.CompareAndSwap(false, true) {
			e.fn()
		}
		c.mu.Lock()
	}
	if target.After(c.now) {
		c.now = target
	}
	c.mu.Unlock()
}

func (c *ManualClock) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	for _, e := range c.pending {
		e.cancelled.Store(true)
	}
	c.pending = nil
}
