// Package timer implements the one-shot timeout timer used throughout the
// core (spec §4.2): it posts a TimeoutOccurred event of a labelled kind
// when it fires, and supports synchronous cancel-with-join semantics so a
// cancelling caller is guaranteed the callback will not fire afterward.
//
// Grounded on the original's per-counter threading.Timer usage
// (checkers/status_checker.py, checkers/command_checker.py): each Timer
// here owns exactly one underlying time.Timer and a done channel the
// callback closes after running, mirroring Timer.join() in the source.
package timer

import (
	"sync"
	"time"
)

// Timer is a one-shot, cancellable timer. The zero value is not usable;
// use Start.
type Timer struct {
	mu      sync.Mutex
	t       *time.Timer
	done    chan struct{}
	fired   bool
	stopped bool
}

// Start creates and arms a Timer that invokes callback after duration
// elapses, unless cancelled first. callback must be short: per spec §4.2
// it is expected only to post an event and set an observed flag.
func Start(d time.Duration, callback func()) *Timer {
	tm := &Timer{done: make(chan struct{})}
	tm.t = time.AfterFunc(d, func() {
		callback()
		tm.mu.Lock()
		tm.fired = true
		tm.mu.Unlock()
		close(tm.done)
	})
	return tm
}

// Cancel stops the timer and blocks until any in-flight callback
// invocation has completed, guaranteeing the callback will not fire after
// Cancel returns (spec §4.2: "cancel must synchronously guarantee the
// callback will not fire afterward"). The system tolerates a timer whose
// callback already fired before Cancel runs: that is treated as a no-op,
// and whatever event the callback posted remains in the queue for
// dispatch to handle.
func (tm *Timer) Cancel() {
	tm.mu.Lock()
	if tm.stopped {
		tm.mu.Unlock()
		return
	}
	tm.stopped = true
	stopped := tm.t.Stop()
	tm.mu.Unlock()

	if stopped {
		// The callback never ran and never will: release the done
		// channel so a concurrent Joined() call does not block forever.
		close(tm.done)
		return
	}
	// The callback is either running or has already finished; wait for it.
	<-tm.done
}

// Joined blocks until the timer has either been cancelled or its callback
// has finished running.
func (tm *Timer) Joined() {
	<-tm.done
}

// Fired reports whether the callback ran to completion (as opposed to
// having been cancelled before it could start).
func (tm *Timer) Fired() bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.fired
}
