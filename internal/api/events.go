package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/adlytic/assistant/internal/chat"
	"github.com/adlytic/assistant/internal/identity"
	"github.com/coder/websocket"
)

// Hub manages active event WebSocket connections per user and fans
// orchestrator events out to them. It implements chat.Broadcaster and
// daterange.Notifier.
type Hub struct {
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger

	mu     sync.RWMutex
	active map[string]map[*websocket.Conn]struct{}
}

// NewHub creates a new event hub.
func NewHub(allowedOrigin string, isDev bool, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		logger:        logger,
		active:        make(map[string]map[*websocket.Conn]struct{}),
	}
}

// Register adds a connection for a user.
func (h *Hub) Register(userID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.active[userID]; !exists {
		h.active[userID] = make(map[*websocket.Conn]struct{})
	}
	h.active[userID][conn] = struct{}{}
	h.logger.Info("event stream registered", "user_id", userID)
}

// Unregister removes a connection for a user.
func (h *Hub) Unregister(userID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.active[userID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.active, userID)
		}
		h.logger.Info("event stream unregistered", "user_id", userID)
	}
}

// CloseUser forcefully closes all of a user's connections (logout).
func (h *Hub) CloseUser(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.active[userID] {
		_ = conn.Close(websocket.StatusNormalClosure, "logged out")
	}
	delete(h.active, userID)
}

// broadcastWriteTimeout bounds each fan-out write so a stalled client
// cannot block the caller.
const broadcastWriteTimeout = 5 * time.Second

// Broadcast sends an event to every connection of a user. Best effort: a
// failed or stalled write drops that connection.
func (h *Hub) Broadcast(userID string, ev chat.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("failed to marshal event", "error", err)
		return
	}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.active[userID]))
	for conn := range h.active[userID] {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), broadcastWriteTimeout)
		err := conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			h.logger.Debug("dropping event stream after failed write", "user_id", userID, "error", err)
			_ = conn.Close(websocket.StatusPolicyViolation, "event write failed")
			h.Unregister(userID, conn)
		}
	}
}

// Notify surfaces a plain notification to the user's UI.
func (h *Hub) Notify(userID, message string) {
	h.Broadcast(userID, chat.Event{Type: chat.EventNotification, Text: message})
}

// ServeHTTP upgrades the request to a WebSocket and streams events until the
// client disconnects. Reads are drained for control frames only.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cred := identity.FromContext(r.Context())
	if cred.UserID == "" {
		http.Error(w, "credentials required", http.StatusUnauthorized)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("failed to accept websocket", "error", err, "user_id", cred.UserID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			h.logger.Debug("failed to close websocket", "error", closeErr, "user_id", cred.UserID)
		}
	}()

	h.Register(cred.UserID, ws)
	defer h.Unregister(cred.UserID, ws)

	ctx := r.Context()
	for {
		_, msg, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("websocket closed by client", "user_id", cred.UserID)
			}
			return
		}
		// The stream is server-to-client; the only client frame we answer
		// is a ping.
		var frame struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(msg, &frame); err == nil && frame.Type == "ping" {
			if err := ws.Write(ctx, websocket.MessageText, []byte(`{"type":"pong"}`)); err != nil {
				h.logger.Debug("failed to send pong", "error", err)
				return
			}
		}
	}
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("websocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
