package api

import (
	"net/http"

	"github.com/adlytic/assistant/internal/chat"
	"github.com/adlytic/assistant/internal/domain"
	"github.com/go-chi/chi/v5"
)

// SettingsHandler handles user settings endpoints.
type SettingsHandler struct {
	*Handler
}

// NewSettingsHandler creates a new settings handler.
func NewSettingsHandler(base *Handler) *SettingsHandler {
	return &SettingsHandler{Handler: base}
}

// RegisterRoutes registers settings routes.
func (h *SettingsHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/settings", func(r chi.Router) {
		r.Get("/date-range", h.GetDateRange)
		r.Put("/date-range", h.PutDateRange)
	})
}

type dateRangeResponse struct {
	StartDate     string `json:"start_date,omitempty"`
	EndDate       string `json:"end_date,omitempty"`
	DaysToAnalyze *int   `json:"days_to_analyze,omitempty"`
}

func rangeResponse(r domain.DateRange) dateRangeResponse {
	return dateRangeResponse{
		StartDate:     r.StartDate,
		EndDate:       r.EndDate,
		DaysToAnalyze: domain.DaysBetween(r),
	}
}

// GetDateRange returns the current analysis date range and its inclusive day
// count. Memory is authoritative once populated; only a first read for the
// user goes through reconciliation.
func (h *SettingsHandler) GetDateRange(w http.ResponseWriter, r *http.Request) {
	cred, ok := h.credential(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, rangeResponse(h.ranges.Ensure(r.Context(), cred)))
}

type dateRangeRequest struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

// PutDateRange stores a new range. The write is optimistic: local state
// updates immediately and the remote settings record follows in the
// background.
func (h *SettingsHandler) PutDateRange(w http.ResponseWriter, r *http.Request) {
	cred, ok := h.credential(w, r)
	if !ok {
		return
	}
	var req dateRangeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	value := domain.DateRange{StartDate: req.StartDate, EndDate: req.EndDate}
	if !value.Valid() {
		Error(w, http.StatusBadRequest, "start date must be a valid date not after end date")
		return
	}

	h.ranges.Set(r.Context(), cred, value)
	h.broadcast(cred.UserID, chat.Event{Type: chat.EventDateRangeChanged})
	JSON(w, http.StatusOK, rangeResponse(value))
}
