package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/toolbox/internal/models"
	"github.com/ternarybob/toolbox/internal/services/auth"
	"github.com/ternarybob/toolbox/internal/services/settings"
)

// AdminSettingsHandler serves the toolbox-wide settings under
// /admin/settings, currently the community catalog URL override.
type AdminSettingsHandler struct {
	settings *settings.Service
	audit    *auth.Audit
	logger   arbor.ILogger
}

func NewAdminSettingsHandler(settingsService *settings.Service, audit *auth.Audit, logger arbor.ILogger) *AdminSettingsHandler {
	if logger == nil {
		logger = arbor.NewLogger()
	}
	return &AdminSettingsHandler{
		settings: settingsService,
		audit:    audit,
		logger:   logger.WithPrefix("admin-settings"),
	}
}

// GetCatalogSettingsHandler handles GET /admin/settings/catalog.
func (h *AdminSettingsHandler) GetCatalogSettingsHandler(w http.ResponseWriter, r *http.Request) {
	current, err := h.settings.CatalogSettings(r.Context())
	if err != nil {
		RespondError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, current)
}

// UpdateCatalogSettingsHandler handles PUT /admin/settings/catalog. An
// empty catalog_url clears the override and the configured default applies.
func (h *AdminSettingsHandler) UpdateCatalogSettingsHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CatalogSettings
	if err := DecodeJSON(r, &req); err != nil {
		RespondError(w, err)
		return
	}

	updated, err := h.settings.UpdateCatalogSettings(r.Context(), req)
	if err != nil {
		RespondError(w, err)
		return
	}

	if h.audit != nil {
		meta := RequestMeta(r)
		h.audit.Record(r.Context(), &auth.AuditEntry{
			Event:      auth.EventSettingsUpdate,
			UserID:     actorID(r),
			Payload:    map[string]interface{}{"catalog_url": updated.CatalogURL},
			SourceIP:   meta.SourceIP,
			UserAgent:  meta.UserAgent,
			TargetType: "settings",
			TargetID:   "catalog",
		})
	}
	WriteJSON(w, http.StatusOK, updated)
}
