package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mikeyg42/replaycap/internal/recorder/recorderlog"
)

const (
	eventBacklog   = 16
	writeWait      = 5 * time.Second
	defaultPushGap = time.Second
)

// Event is one message on the /api/events stream.
type Event struct {
	Type   string          `json:"type"` // "status" or "error"
	Time   time.Time       `json:"time"`
	Status *StatusResponse `json:"status,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// EventHub fans recorder events out to websocket clients.
type EventHub struct {
	ctrl     Controller
	interval time.Duration
	logger   recorderlog.Logger
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[chan Event]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// NewEventHub creates a hub that pushes a status snapshot every interval.
// origins is the same allow list the CORS middleware uses.
func NewEventHub(ctrl Controller, interval time.Duration, origins []string, logger recorderlog.Logger) *EventHub {
	if interval <= 0 {
		interval = defaultPushGap
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return &EventHub{
		ctrl:     ctrl,
		interval: interval,
		logger:   recorderlog.OrNop(logger),
		subs:     make(map[chan Event]struct{}),
		done:     make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowed[origin]
			},
		},
	}
}

// Notify sends err to every connected client. Slow clients miss events.
func (h *EventHub) Notify(err error) {
	if err == nil {
		return
	}
	ev := Event{Type: "error", Time: time.Now(), Error: err.Error()}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close ends every open stream. Hijacked connections are not closed by
// http.Server.Shutdown.
func (h *EventHub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Clients returns the number of connected clients.
func (h *EventHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *EventHub) subscribe() chan Event {
	ch := make(chan Event, eventBacklog)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *EventHub) unsubscribe(ch chan Event) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

func (h *EventHub) status() Event {
	return Event{
		Type: "status",
		Time: time.Now(),
		Status: &StatusResponse{
			State:   h.ctrl.State().String(),
			Mode:    string(h.ctrl.Mode()),
			Metrics: h.ctrl.GetMetrics(),
		},
	}
}

// ServeHTTP handles GET /api/events
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	events := h.subscribe()
	defer h.unsubscribe(events)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the response.
		h.logger.Warn("Event stream upgrade failed", recorderlog.Error(err))
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	go h.readLoop(conn, done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	ev := h.status()
	for {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(ev); err != nil {
			h.logger.Debug("Event stream write failed", recorderlog.Error(err))
			return
		}
		select {
		case <-done:
			return
		case <-h.done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		case <-r.Context().Done():
			return
		case ev = <-events:
		case <-ticker.C:
			ev = h.status()
		}
	}
}

// readLoop discards client messages and closes done when the peer goes away.
func (h *EventHub) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("Event stream closed", recorderlog.Error(err))
			}
			return
		}
	}
}
