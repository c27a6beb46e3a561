// Package statuschecker implements the status-ordering checker (spec §3,
// §4.4): it orders incoming statuses by monotonic message counter,
// releasing them to the caller only in strictly increasing order, and
// tracks skipped counters with per-gap timers until the gap closes or
// times out.
//
// Grounded on the original's external_server/checkers/status_checker.py
// StatusChecker: Python's PriorityQueue-of-(counter, status) is
// reimplemented with container/heap for the same ascending-order
// semantics, and threading.Timer per skipped counter becomes a
// pkg/timer.Timer per skipped counter.
package statuschecker

import (
	"container/heap"
	"sync"
	"time"

	"github.com/wheelos/fleet-bridge/internal/metrics"
	"github.com/wheelos/fleet-bridge/pkg/eventqueue"
	"github.com/wheelos/fleet-bridge/pkg/protocol"
	"github.com/wheelos/fleet-bridge/pkg/timer"
)

// DefaultInitCounter is the counter value a fresh checker expects first,
// absent any call to SetCounter or the allow-reset pathway.
const DefaultInitCounter uint32 = 1

type statusItem struct {
	counter uint32
	status  protocol.Status
}

// statusHeap is a min-heap of statusItem ordered by counter.
type statusHeap []statusItem

func (h statusHeap) Len() int            { return len(h) }
func (h statusHeap) Less(i, j int) bool  { return h[i].counter < h[j].counter }
func (h statusHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *statusHeap) Push(x any)         { *h = append(*h, x.(statusItem)) }
func (h *statusHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type skippedItem struct {
	counter uint32
	timer   *timer.Timer
}

type skippedHeap []skippedItem

func (h skippedHeap) Len() int           { return len(h) }
func (h skippedHeap) Less(i, j int) bool { return h[i].counter < h[j].counter }
func (h skippedHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *skippedHeap) Push(x any)        { *h = append(*h, x.(skippedItem)) }
func (h *skippedHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Checker orders statuses by counter and tracks skipped counters (spec
// §3 "StatusChecker state", §4.4).
type Checker struct {
	mu sync.Mutex

	timeout    time.Duration
	events     *eventqueue.Queue
	expected   uint32
	received   statusHeap
	skipped    skippedHeap
	checked    []protocol.Status
	allowReset bool
	car        string
}

// SetCar attaches the car name used to label the status-timeout counter;
// the checker's ordering logic is unaffected either way.
func (c *Checker) SetCar(car string) {
	c.mu.Lock()
	c.car = car
	c.mu.Unlock()
}

// New creates a Checker with the default expected counter (1) and
// allow-reset enabled for the very first status, per spec §4.9 step 5
// ("allow_counter_reset is enabled for the first status so the server
// adopts the client's initial counter").
func New(timeout time.Duration, events *eventqueue.Queue) *Checker {
	return &Checker{
		timeout:    timeout,
		events:     events,
		expected:   DefaultInitCounter,
		allowReset: true,
	}
}

// SetCounter initializes the expected counter if no status has yet been
// observed (received and checked both empty); otherwise it is a no-op.
func (c *Checker) SetCounter(n uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.received) == 0 && len(c.checked) == 0 {
		c.expected = n
		c.allowReset = false
	}
}

// AllowCounterReset permits a single one-time adoption of the next
// received status's counter as the expected counter.
func (c *Checker) AllowCounterReset() {
	c.mu.Lock()
	c.allowReset = true
	c.mu.Unlock()
}

// Check implements the ordering algorithm of spec §4.4:
//  1. status.counter < expected: drop (the checker has no logger, so
//     nothing is logged).
//  2. if allow_reset: adopt status.counter as expected, consume the flag.
//  3. push into received; if status.counter == expected, drain the
//     contiguous prefix into checked, cancelling matching skipped timers.
//  4. else arm timers for every not-yet-skipped counter in
//     [expected, status.counter).
func (c *Checker) Check(status protocol.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if status.MessageCounter < c.expected {
		return
	}

	if c.allowReset {
		c.expected = status.MessageCounter
		c.allowReset = false
	}

	heap.Push(&c.received, statusItem{counter: status.MessageCounter, status: status})

	if status.MessageCounter == c.expected {
		c.drainContiguousLocked()
	} else {
		c.storeSkippedLocked(status.MessageCounter)
	}
}

func (c *Checker) drainContiguousLocked() {
	for len(c.received) > 0 && c.received[0].counter == c.expected {
		c.cancelSkippedUpToLocked(c.expected)
		item := heap.Pop(&c.received).(statusItem)
		c.checked = append(c.checked, item.status)
		c.expected++
	}
}

func (c *Checker) cancelSkippedUpToLocked(counter uint32) {
	if len(c.skipped) > 0 && c.skipped[0].counter <= counter {
		item := heap.Pop(&c.skipped).(skippedItem)
		item.timer.Cancel()
	}
}

func (c *Checker) storeSkippedLocked(statusCounter uint32) {
	highestSkipped := uint32(0)
	haveSkipped := len(c.skipped) > 0
	if haveSkipped {
		for _, s := range c.skipped {
			if s.counter > highestSkipped {
				highestSkipped = s.counter
			}
		}
	}
	if haveSkipped && statusCounter <= highestSkipped {
		return
	}
	for counter := c.expected; counter < statusCounter; counter++ {
		if !c.isSkippedLocked(counter) {
			c.armSkippedLocked(counter)
		}
	}
}

func (c *Checker) isSkippedLocked(counter uint32) bool {
	for _, s := range c.skipped {
		if s.counter == counter {
			return true
		}
	}
	return false
}

func (c *Checker) armSkippedLocked(counter uint32) {
	car := c.car
	tm := timer.Start(c.timeout, func() {
		c.events.Add(eventqueue.TimeoutOccurred, eventqueue.TimeoutStatus)
		if car != "" {
			metrics.StatusTimeoutsTotal.WithLabelValues(car).Inc()
		}
	})
	heap.Push(&c.skipped, skippedItem{counter: counter, timer: tm})
}

// Get returns the next checked status in order, or (zero, false) if none
// is available yet.
func (c *Checker) Get() (protocol.Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.checked) == 0 {
		return protocol.Status{}, false
	}
	s := c.checked[0]
	c.checked = c.checked[1:]
	return s, true
}

// SkippedCounters returns a sorted snapshot of counters currently awaiting
// arrival.
func (c *Checker) SkippedCounters() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint32, len(c.skipped))
	cp := append(skippedHeap{}, c.skipped...)
	for i := range out {
		item := heap.Pop(&cp).(skippedItem)
		out[i] = item.counter
	}
	return out
}

// Reset clears all three collections, cancels every skipped timer, and
// restores the expected counter to DefaultInitCounter.
func (c *Checker) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.skipped {
		s.timer.Cancel()
	}
	c.skipped = nil
	c.received = nil
	c.checked = nil
	c.expected = DefaultInitCounter
}
