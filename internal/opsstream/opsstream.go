// Package opsstream streams a read-only feed of car lifecycle/event
// summaries (state transitions, timeouts, device connect/disconnect) to
// connected operator consoles over WebSocket. This is an additive
// observability surface: it never drives routing or timeout decisions, it
// only mirrors them outward, and a crashed or slow consumer never blocks
// the car server that feeds it.
//
// Grounded on nugget-thane-ai-agent's internal/homeassistant/websocket.go
// (the pack's one gorilla/websocket user): that file's connMu-guarded
// *websocket.Conn plus WriteJSON/ReadJSON calls and logger-on-error style
// are reused here for the server side of the same library, generalized
// from "one client connection to Home Assistant" to "N operator console
// connections fed from one broadcast Hub".
package opsstream

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Event is one lifecycle/event summary mirrored to operator consoles.
type Event struct {
	Car  string    `json:"car"`
	Kind string    `json:"kind"` // "state_transition" | "timeout" | "device_connected" | "device_disconnected"
	Detail string  `json:"detail"`
	Time time.Time `json:"time"`
}

// clientQueueDepth bounds how many pending events a slow console can fall
// behind by; further events for that console are dropped (the console
// itself stays connected), so one stalled websocket write never backs up
// the whole Hub.
const clientQueueDepth = 64

// Hub fans Event values out to every currently-connected operator console.
type Hub struct {
	logger *zap.Logger

	mu      sync.Mutex
	clients map[*client]struct{}

	upgrader websocket.Upgrader
}

type client struct {
	conn      *websocket.Conn
	queue     chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// NewHub creates an empty Hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:  logger,
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Broadcast mirrors ev to every connected console. Consoles whose queue is
// full have ev dropped rather than blocking the caller -- this is invoked
// from the car server's own goroutine and must never stall on a slow
// reader.
func (h *Hub) Broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.queue <- ev:
		default:
			h.logger.Warn("operator console queue full, dropping event", zap.String("car", ev.Car))
		}
	}
}

// ServeHTTP upgrades the request to a WebSocket and streams Events to it
// until the connection closes. Consoles are write-only consumers: any data
// they send is read and discarded (only to service control frames/pings).
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("operator console upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, queue: make(chan Event, clientQueueDepth), done: make(chan struct{})}
	h.addClient(c)
	defer h.removeClient(c)

	go h.discardReads(c)
	h.writeLoop(c)
}

func (h *Hub) addClient(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

// removeClient evicts c from the Hub and unblocks its writeLoop. It is safe
// to call more than once for the same client: discardReads calls it as soon
// as it observes a client-initiated close, and ServeHTTP's deferred call
// after writeLoop returns is then a no-op.
func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
	c.conn.Close()
}

// discardReads drains and discards inbound frames so control frames are
// processed and a client-initiated close is noticed promptly; no read
// deadline is set, and operator consoles have nothing meaningful to send. On read
// error it removes the client itself so writeLoop (blocked in ServeHTTP's
// goroutine) unblocks via the done channel instead of waiting for a write
// that will never come.
func (h *Hub) discardReads(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.removeClient(c)
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	for {
		select {
		case ev := <-c.queue:
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
