package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kodewave/goatsync/internal/realtime"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsHub fans out realtime.Event broadcasts to connected admin/dashboard
// WebSocket clients.
type wsHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan realtime.Event
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	logger     *slog.Logger
}

func newWSHub(logger *slog.Logger) *wsHub {
	return &wsHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan realtime.Event, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		logger:     logger.With("component", "ws_hub"),
	}
}

func (h *wsHub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.Close()
			}
			h.mu.Unlock()
		case event := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				go h.send(c, event)
			}
			h.mu.RUnlock()
		}
	}
}

func (h *wsHub) send(c *websocket.Conn, event realtime.Event) {
	c.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.WriteJSON(event); err != nil {
		h.logger.Debug("ws write failed, dropping client", "error", err)
		h.unregister <- c
	}
}

func (h *wsHub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "error", err)
		return
	}
	h.register <- conn
	go h.readPump(conn)
}

func (h *wsHub) readPump(conn *websocket.Conn) {
	defer func() { h.unregister <- conn }()
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *wsHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
}

// hubWatcher adapts wsHub to realtime.Watcher so every event published
// by the Facade's realtime.EventPublisher reaches connected dashboards.
type hubWatcher struct {
	hub *wsHub
	ctx context.Context
}

func (w *hubWatcher) ID() string { return "ws-hub" }

func (w *hubWatcher) Deliver(event realtime.Event) error {
	select {
	case w.hub.broadcast <- event:
	default:
		w.hub.logger.Warn("ws broadcast channel full, dropping event", "type", event.Type)
	}
	return nil
}

func (w *hubWatcher) Close() error { return nil }

func (w *hubWatcher) Context() context.Context { return w.ctx }
