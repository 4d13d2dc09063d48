package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// SessionHandler handles whole-session endpoints.
type SessionHandler struct {
	*Handler
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(base *Handler) *SessionHandler {
	return &SessionHandler{Handler: base}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Create)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Post("/select", h.Select)
			r.Patch("/", h.Rename)
			r.Delete("/", h.Delete)
		})
	})
}

// List returns the user's sessions, most recently updated first.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	cred, ok := h.credential(w, r)
	if !ok {
		return
	}
	o := h.registry.ForUser(r.Context(), cred)
	st := o.Snapshot()
	JSON(w, http.StatusOK, map[string]interface{}{
		"sessions":          st.Sessions,
		"active_session_id": st.ActiveSessionID,
	})
}

type createSessionRequest struct {
	Title string `json:"title"`
}

// Create creates a session remotely and selects it.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	cred, ok := h.credential(w, r)
	if !ok {
		return
	}
	var req createSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	o := h.registry.ForUser(r.Context(), cred)
	sess, err := o.CreateSession(r.Context(), cred, req.Title)
	if err != nil {
		writeChatError(w, err)
		return
	}
	JSON(w, http.StatusCreated, sess)
}

// Select moves the active session pointer.
func (h *SessionHandler) Select(w http.ResponseWriter, r *http.Request) {
	cred, ok := h.credential(w, r)
	if !ok {
		return
	}
	o := h.registry.ForUser(r.Context(), cred)
	o.SelectSession(chi.URLParam(r, "sessionID"))
	JSON(w, http.StatusOK, map[string]string{
		"active_session_id": o.Snapshot().ActiveSessionID,
	})
}

type renameSessionRequest struct {
	Title string `json:"title"`
}

// Rename retitles a session.
func (h *SessionHandler) Rename(w http.ResponseWriter, r *http.Request) {
	cred, ok := h.credential(w, r)
	if !ok {
		return
	}
	var req renameSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	o := h.registry.ForUser(r.Context(), cred)
	if err := o.RenameSession(r.Context(), cred, chi.URLParam(r, "sessionID"), req.Title); err != nil {
		writeChatError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Delete removes a whole session.
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	cred, ok := h.credential(w, r)
	if !ok {
		return
	}
	o := h.registry.ForUser(r.Context(), cred)
	if err := o.DeleteSession(r.Context(), cred, chi.URLParam(r, "sessionID")); err != nil {
		writeChatError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{
		"active_session_id": o.Snapshot().ActiveSessionID,
	})
}
