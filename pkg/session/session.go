// Package session implements the per-car MQTT session tracker (spec §3,
// §4.3): holds the session id negotiated during the connect handshake and
// a restartable inactivity timer. Grounded on the original's
// external_server/checkers/mqtt_session.py MQTTSession class.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/wheelos/fleet-bridge/pkg/eventqueue"
	"github.com/wheelos/fleet-bridge/pkg/timer"
)

// ErrEmptyID is returned by SetID when called with an empty session id.
var ErrEmptyID = errors.New("session: id must not be empty")

// Tracker owns the session id and inactivity timer for one car.
type Tracker struct {
	mu      sync.Mutex
	id      string
	timeout time.Duration
	events  *eventqueue.Queue
	timer   *timer.Timer
	running bool
}

// New creates a Tracker with an empty id that uses the given inactivity
// timeout and posts TimeoutOccurred(Session) events to events.
func New(timeout time.Duration, events *eventqueue.Queue) *Tracker {
	return &Tracker{timeout: timeout, events: events}
}

// ID returns the current session id ("" if none has been set yet).
func (t *Tracker) ID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

// SetID installs id as the session id. It fails if id is empty (spec
// §4.3). It does not itself arm the timer -- call Start for that.
func (t *Tracker) SetID(id string) error {
	if id == "" {
		return ErrEmptyID
	}
	t.mu.Lock()
	t.id = id
	t.mu.Unlock()
	return nil
}

// IsValid reports whether id matches the tracker's current session id.
// Callers should discard messages whose declared session id fails this
// check (spec §4.3).
func (t *Tracker) IsValid(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return id == t.id
}

// Start arms the inactivity timer if it is not already running.
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	t.armLocked()
	t.running = true
}

// Stop cancels the inactivity timer and marks the tracker as not running,
// so a later Start arms a fresh timer.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

// Reset is equivalent to Stop followed by Start: the next inactivity
// timeout is measured relative to this call (spec §4.3).
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
	t.armLocked()
	t.running = true
}

func (t *Tracker) armLocked() {
	t.timer = timer.Start(t.timeout, func() {
		t.events.Add(eventqueue.TimeoutOccurred, eventqueue.TimeoutSession)
	})
}

func (t *Tracker) stopLocked() {
	if t.timer != nil {
		t.timer.Cancel()
		t.timer = nil
	}
	t.running = false
}
