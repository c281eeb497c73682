// Package websocket pushes session change events to UI clients.
//
// Clients open a WebSocket connection to:
//
//	GET /ws/sessions/{id}
//
// and join that session's room. Every session_update or message_update event
// the events queue delivers for the session is written to each client in the
// room. The connection is receive-only; client frames are read and dropped.
//
// Server → client frame:
//
//	{"type":"event","event":"message_update","session_id":"...","payload":{...}}
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

var upgrader = gorillaws.Upgrader{
	// Same-origin browsers and clients without an Origin header (curl,
	// native apps) are allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host, err := parseHost(origin)
		if err != nil {
			return false
		}
		return host == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// parseHost returns the host:port (or just host) portion of a URL string.
func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// frame is the JSON structure the server sends to the client.
type frame struct {
	Type      string          `json:"type"`
	Event     string          `json:"event"`
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type client struct {
	id      string
	session string
	send    chan []byte
}

// Hub tracks the connected clients per session room. It implements
// notify.Broadcaster.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*client]struct{}
	log   *slog.Logger
}

// NewHub returns an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{rooms: make(map[string]map[*client]struct{}), log: logger.With("component", "ws_hub")}
}

func (h *Hub) join(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[c.session]
	if !ok {
		room = make(map[*client]struct{})
		h.rooms[c.session] = room
	}
	room[c] = struct{}{}
}

func (h *Hub) leave(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[c.session]
	if !ok {
		return
	}
	if _, ok := room[c]; !ok {
		return
	}
	delete(room, c)
	close(c.send)
	if len(room) == 0 {
		delete(h.rooms, c.session)
	}
}

// Clients returns how many clients watch sessionID.
func (h *Hub) Clients(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[sessionID])
}

// Broadcast writes event to every client of the session room and returns
// how many accepted it. A client whose buffer is full is disconnected.
func (h *Hub) Broadcast(sessionID, event string, payload json.RawMessage) int {
	data, err := json.Marshal(frame{Type: "event", Event: event, SessionID: sessionID, Payload: payload})
	if err != nil {
		h.log.Error("encode frame failed", "session_id", sessionID, "event", event, "error", err)
		return 0
	}

	h.mu.RLock()
	var delivered int
	var slow []*client
	for c := range h.rooms[sessionID] {
		select {
		case c.send <- data:
			delivered++
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn("dropping slow client", "session_id", sessionID, "client_id", c.id)
		h.leave(c)
	}
	return delivered
}

// Handler serves the WebSocket endpoint. It is mounted by the HTTP server
// and reads the session id from r.PathValue("id").
type Handler struct {
	Hub *Hub

	// Lookup rejects the upgrade when it returns an error, for example when
	// the session is outside the runtime scope.
	Lookup func(ctx context.Context, sessionID string) error
}

// ServeHTTP upgrades the connection and joins the session room.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if h.Lookup != nil {
		if err := h.Lookup(r.Context(), sessionID); err != nil {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Hub.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{id: uuid.NewString(), session: sessionID, send: make(chan []byte, sendBuffer)}
	h.Hub.join(c)
	log := h.Hub.log.With("session_id", sessionID, "client_id", c.id)
	log.Debug("client joined")

	go h.writeLoop(conn, c)
	h.readLoop(conn, c)
	log.Debug("client left")
}

// readLoop drains client frames until the connection fails.
func (h *Handler) readLoop(conn *gorillaws.Conn, c *client) {
	defer func() {
		h.Hub.leave(c)
		conn.Close()
	}()
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Handler) writeLoop(conn *gorillaws.Conn, c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(gorillaws.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(gorillaws.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(gorillaws.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
