// Package api provides the HTTP surface of the assistant gateway.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/adlytic/assistant/internal/backend"
	"github.com/adlytic/assistant/internal/chat"
	"github.com/adlytic/assistant/internal/daterange"
	"github.com/adlytic/assistant/internal/identity"
	"github.com/adlytic/assistant/internal/store"
)

// maxRequestBody caps request payloads.
const maxRequestBody = 1 << 20

// Handler provides common handler utilities and shared dependencies. The hub
// is optional; without one, event pushes are skipped.
type Handler struct {
	registry *chat.Registry
	ranges   *daterange.Store
	cache    store.Cache
	hub      *Hub
	logger   *slog.Logger
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(registry *chat.Registry, ranges *daterange.Store, cache store.Cache, hub *Hub, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		registry: registry,
		ranges:   ranges,
		cache:    cache,
		hub:      hub,
		logger:   logger,
	}
}

// broadcast pushes an event when a hub is attached.
func (h *Handler) broadcast(userID string, ev chat.Event) {
	if h.hub != nil {
		h.hub.Broadcast(userID, ev)
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// credential extracts the bound credential from the request context. Writes
// 401 and returns false when the request carries none.
func (h *Handler) credential(w http.ResponseWriter, r *http.Request) (identity.Credential, bool) {
	cred := identity.FromContext(r.Context())
	if !cred.Bound() {
		Error(w, http.StatusUnauthorized, "credentials required")
		return identity.Credential{}, false
	}
	return cred, true
}

// decodeJSON reads the request body into dst. Writes 400 and returns false on
// malformed input.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// writeChatError maps orchestrator and platform errors onto HTTP statuses.
func writeChatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		Error(w, http.StatusBadRequest, "message content required")
	case errors.Is(err, chat.ErrSetupRequired):
		Error(w, http.StatusUnauthorized, "credentials required")
	case errors.Is(err, chat.ErrBusy):
		Error(w, http.StatusConflict, "another message is in flight")
	case errors.Is(err, chat.ErrAgentFailed):
		Error(w, http.StatusBadGateway, "agent request failed")
	default:
		switch backend.Categorize(err) {
		case backend.CategoryValidation:
			Error(w, http.StatusBadRequest, err.Error())
		case backend.CategoryNotFound:
			Error(w, http.StatusNotFound, "not found")
		case backend.CategoryNetwork:
			Error(w, http.StatusBadGateway, "platform unreachable")
		default:
			Error(w, http.StatusInternalServerError, "internal error")
		}
	}
}
