package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mtzanidakis/synedrio/internal/natsbus"
)

const wsWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// watcher is one websocket client. A non-empty run limits it to the events
// of that deliberation; health events always go through.
type watcher struct {
	run string
}

func (w watcher) wants(ev natsbus.Event) bool {
	return w.run == "" || ev.RunID == "" || ev.RunID == w.run
}

// Hub relays deliberation and health events from the bus to browsers
// following a query live. Slow or gone clients are dropped on the first
// failed write.
type Hub struct {
	mu       sync.Mutex
	watchers map[*websocket.Conn]watcher
	events   chan natsbus.Event
}

func NewHub() *Hub {
	return &Hub{
		watchers: make(map[*websocket.Conn]watcher),
		events:   make(chan natsbus.Event, 256),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.watchers {
				conn.Close()
				delete(h.watchers, conn)
			}
			h.mu.Unlock()
			return
		case ev := <-h.events:
			h.relay(ev)
		}
	}
}

func (h *Hub) relay(ev natsbus.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("marshal websocket event failed", "type", ev.Type, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, w := range h.watchers {
		if !w.wants(ev) {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			slog.Debug("dropping websocket client", "run", w.run, "error", err)
			conn.Close()
			delete(h.watchers, conn)
		}
	}
}

// Broadcast queues ev without blocking the bus subscription.
func (h *Hub) Broadcast(ev natsbus.Event) {
	select {
	case h.events <- ev:
	default:
		slog.Warn("websocket event queue full, dropping event", "type", ev.Type, "run", ev.RunID)
	}
}

func (h *Hub) Register(conn *websocket.Conn, run string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.watchers[conn] = watcher{run: run}
}

func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.watchers, conn)
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers)
}

// handleWebSocket streams events; ?run=<id> follows a single deliberation.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	run := r.URL.Query().Get("run")
	s.hub.Register(conn, run)
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	// Clients never send anything; a read error means they left.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
