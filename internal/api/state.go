package api

import (
	"net/http"

	"github.com/adlytic/assistant/internal/chat"
	"github.com/go-chi/chi/v5"
)

// StateHandler serves the full UI state snapshot and logout.
type StateHandler struct {
	*Handler
}

// NewStateHandler creates a new state handler.
func NewStateHandler(base *Handler) *StateHandler {
	return &StateHandler{Handler: base}
}

// RegisterRoutes registers state routes.
func (h *StateHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/state", h.Get)
	r.Post("/api/logout", h.Logout)
}

type stateResponse struct {
	chat.State
	DateRange dateRangeResponse `json:"date_range"`
}

// Get returns everything the UI needs to hydrate after a reload: the session
// collection, active pointer, sending flag, error set, pending edit and the
// analysis date range.
func (h *StateHandler) Get(w http.ResponseWriter, r *http.Request) {
	cred, ok := h.credential(w, r)
	if !ok {
		return
	}
	o := h.registry.ForUser(r.Context(), cred)
	JSON(w, http.StatusOK, stateResponse{
		State:     o.Snapshot(),
		DateRange: rangeResponse(h.ranges.Get(cred.UserID)),
	})
}

// Logout discards the user's in-memory state and the cached date range.
// Only the remote store keeps its records; the next request bootstraps fresh.
func (h *StateHandler) Logout(w http.ResponseWriter, r *http.Request) {
	cred, ok := h.credential(w, r)
	if !ok {
		return
	}
	h.registry.Remove(r.Context(), cred.UserID)
	if h.hub != nil {
		h.hub.CloseUser(cred.UserID)
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
