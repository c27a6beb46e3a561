// Package commandtracker implements the command-acknowledgement tracker
// (spec §3, §4.5): it remembers commands published to the module gateway
// until their CommandResponse arrives, enforcing a per-command timeout and
// tolerating out-of-order acknowledgement (the list of early acks is not
// bounded).
//
// Grounded on the original's external_server/checkers/command_checker.py
// CommandChecker/CommandQueue: the FIFO queue of threading.Timer-backed
// QueuedCommand entries becomes a Go slice FIFO of pkg/timer.Timer-backed
// HandledCommand entries, and the "missed counter values" drain-on-head-ack
// loop is carried over unchanged in spirit.
package commandtracker

import (
	"sync"
	"time"

	"github.com/wheelos/fleet-bridge/internal/metrics"
	"github.com/wheelos/fleet-bridge/pkg/eventqueue"
	"github.com/wheelos/fleet-bridge/pkg/protocol"
	"github.com/wheelos/fleet-bridge/pkg/timer"
)

// HandledCommand is a command that has been published to the module gateway
// and is awaiting a CommandResponse. Counter is assigned exactly once, at
// the moment the command is added to the tracker.
type HandledCommand struct {
	Device  protocol.Device
	Data    []byte
	Counter uint32
	FromAPI bool

	timer *timer.Timer
}

// Tracker is the external server's memory of outstanding commands: a FIFO
// queue of HandledCommand entries, each with its own acknowledgement timer.
type Tracker struct {
	mu sync.Mutex

	timeout time.Duration
	events  *eventqueue.Queue

	queue   []HandledCommand
	missed  []uint32
	counter uint32
	car     string
}

// New creates an empty Tracker using the given per-command acknowledgement
// timeout.
func New(timeout time.Duration, events *eventqueue.Queue) *Tracker {
	return &Tracker{timeout: timeout, events: events}
}

// SetCar attaches the car name used to label the command-response-timeout
// counter; the tracker's ack bookkeeping is unaffected either way.
func (t *Tracker) SetCar(car string) {
	t.mu.Lock()
	t.car = car
	t.mu.Unlock()
}

// Add enqueues a command, arms its acknowledgement timer, and assigns it the
// next counter value. Should be called exactly once, at publish time.
func (t *Tracker) Add(device protocol.Device, data []byte, fromAPI bool) HandledCommand {
	t.mu.Lock()
	defer t.mu.Unlock()

	hc := HandledCommand{Device: device, Data: data, Counter: t.counter, FromAPI: fromAPI}
	car := t.car
	hc.timer = timer.Start(t.timeout, func() {
		t.events.Add(eventqueue.TimeoutOccurred, eventqueue.TimeoutCommandResponse)
		if car != "" {
			metrics.CommandResponseTimeoutsTotal.WithLabelValues(car).Inc()
		}
	})
	t.queue = append(t.queue, hc)
	t.counter++
	return hc
}

// CommandDevice returns the device a given outstanding command counter was
// addressed to, if that counter is still queued.
func (t *Tracker) CommandDevice(counter uint32) (protocol.Device, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, hc := range t.queue {
		if hc.Counter == counter {
			return hc.Device, true
		}
	}
	return protocol.Device{}, false
}

// Pop acknowledges the command response with the given counter (spec §4.5):
//
//  1. If counter is not the oldest outstanding command's counter, it is
//     recorded as missed and no command is released.
//  2. Otherwise the head command is released, its timer cancelled, and the
//     tracker then drains any subsequent head commands whose counters are
//     already in the missed set, releasing those too, in order.
func (t *Tracker) Pop(counter uint32) []HandledCommand {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.queue) == 0 || t.queue[0].Counter != counter {
		t.missed = append(t.missed, counter)
		return nil
	}

	var popped []HandledCommand
	popped = append(popped, t.popHeadLocked())

	for len(t.missed) > 0 && len(t.queue) > 0 {
		head := t.queue[0].Counter
		idx := indexOf(t.missed, head)
		if idx < 0 {
			break
		}
		popped = append(popped, t.popHeadLocked())
		t.missed = append(t.missed[:idx], t.missed[idx+1:]...)
	}
	return popped
}

func (t *Tracker) popHeadLocked() HandledCommand {
	hc := t.queue[0]
	t.queue = t.queue[1:]
	hc.timer.Cancel()
	return hc
}

func indexOf(s []uint32, v uint32) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}

// Empty reports whether no commands are outstanding.
func (t *Tracker) Empty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue) == 0
}

// Reset cancels every outstanding command's timer and clears all tracker
// state, including the missed-counter list and the counter sequence.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, hc := range t.queue {
		hc.timer.Cancel()
	}
	t.queue = nil
	t.missed = nil
	t.counter = 0
}
