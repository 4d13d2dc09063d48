package api

import (
	"net/http"

	"github.com/adlytic/assistant/internal/domain"
	"github.com/go-chi/chi/v5"
)

// ChatHandler handles message-level chat endpoints.
type ChatHandler struct {
	*Handler
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(base *Handler) *ChatHandler {
	return &ChatHandler{Handler: base}
}

// RegisterRoutes registers chat routes.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/chat", func(r chi.Router) {
		r.Post("/send", h.Send)
		r.Post("/edit/cancel", h.CancelEdit)
		r.Route("/messages/{messageID}", func(r chi.Router) {
			r.Post("/edit", h.EditAndResend)
			r.Post("/edit/begin", h.BeginEdit)
			r.Post("/resend", h.Resend)
			r.Post("/dismiss", h.Dismiss)
			r.Delete("/", h.DeleteMessage)
		})
	})
}

type sendRequest struct {
	Content string `json:"content"`
}

type sendResponse struct {
	UserMessage  domain.Message  `json:"user_message"`
	AgentMessage *domain.Message `json:"agent_message,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// Send appends the user's message and returns the agent's reply. A failed
// agent call still returns the appended user message: the UI keeps it and
// shows the error state.
func (h *ChatHandler) Send(w http.ResponseWriter, r *http.Request) {
	cred, ok := h.credential(w, r)
	if !ok {
		return
	}
	var req sendRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	o := h.registry.ForUser(r.Context(), cred)
	userMsg, agentMsg, err := o.Send(r.Context(), cred, req.Content)
	if err != nil {
		if userMsg.ID == "" {
			writeChatError(w, err)
			return
		}
		JSON(w, http.StatusBadGateway, sendResponse{UserMessage: userMsg, Error: "agent request failed"})
		return
	}
	JSON(w, http.StatusOK, sendResponse{UserMessage: userMsg, AgentMessage: agentMsg})
}

type editRequest struct {
	Content string `json:"content"`
}

// EditAndResend rewrites a message and re-runs the exchange.
func (h *ChatHandler) EditAndResend(w http.ResponseWriter, r *http.Request) {
	cred, ok := h.credential(w, r)
	if !ok {
		return
	}
	var req editRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	messageID := chi.URLParam(r, "messageID")

	o := h.registry.ForUser(r.Context(), cred)
	agentMsg, err := o.EditAndResend(r.Context(), cred, messageID, req.Content)
	if err != nil {
		writeChatError(w, err)
		return
	}
	JSON(w, http.StatusOK, sendResponse{AgentMessage: agentMsg})
}

// Resend retries a message with its current content.
func (h *ChatHandler) Resend(w http.ResponseWriter, r *http.Request) {
	cred, ok := h.credential(w, r)
	if !ok {
		return
	}
	messageID := chi.URLParam(r, "messageID")

	o := h.registry.ForUser(r.Context(), cred)
	agentMsg, err := o.Resend(r.Context(), cred, messageID)
	if err != nil {
		writeChatError(w, err)
		return
	}
	JSON(w, http.StatusOK, sendResponse{AgentMessage: agentMsg})
}

// BeginEdit marks a message as the pending edit.
func (h *ChatHandler) BeginEdit(w http.ResponseWriter, r *http.Request) {
	cred, ok := h.credential(w, r)
	if !ok {
		return
	}
	o := h.registry.ForUser(r.Context(), cred)
	o.BeginEdit(chi.URLParam(r, "messageID"))
	JSON(w, http.StatusOK, o.Snapshot())
}

// CancelEdit leaves edit mode.
func (h *ChatHandler) CancelEdit(w http.ResponseWriter, r *http.Request) {
	cred, ok := h.credential(w, r)
	if !ok {
		return
	}
	o := h.registry.ForUser(r.Context(), cred)
	o.CancelEdit()
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Dismiss drops a message from the error set without retrying.
func (h *ChatHandler) Dismiss(w http.ResponseWriter, r *http.Request) {
	cred, ok := h.credential(w, r)
	if !ok {
		return
	}
	o := h.registry.ForUser(r.Context(), cred)
	o.DismissError(chi.URLParam(r, "messageID"))
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// DeleteMessage removes a message and everything after it.
func (h *ChatHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	cred, ok := h.credential(w, r)
	if !ok {
		return
	}
	o := h.registry.ForUser(r.Context(), cred)
	o.DeleteMessage(r.Context(), cred, chi.URLParam(r, "messageID"))
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
