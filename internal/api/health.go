package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// HealthHandler reports gateway liveness and cache reachability.
type HealthHandler struct {
	*Handler
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(base *Handler) *HealthHandler {
	return &HealthHandler{Handler: base}
}

// RegisterRoutes registers health routes.
func (h *HealthHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/health", h.Detail)
}

// Detail returns component-level health. The cache is best-effort, so a
// failed ping degrades the report without failing the request.
func (h *HealthHandler) Detail(w http.ResponseWriter, r *http.Request) {
	cacheStatus := "ok"

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.cache.Ping(ctx); err != nil {
		h.logger.Warn("cache health check failed", "error", err)
		cacheStatus = "unreachable"
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"cache":  cacheStatus,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
