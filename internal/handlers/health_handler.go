package handlers

import (
	"net/http"

	"github.com/ternarybob/toolbox/internal/common"
)

// HealthHandler answers the unauthenticated liveness probe.
type HealthHandler struct {
	config *common.Config
}

func NewHealthHandler(config *common.Config) *HealthHandler {
	return &HealthHandler{config: config}
}

// HealthCheckHandler handles GET /health.
func (h *HealthHandler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"env":    h.config.Environment,
	})
}
