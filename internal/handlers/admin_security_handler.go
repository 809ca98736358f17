package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/toolbox/internal/models"
	"github.com/ternarybob/toolbox/internal/services/auth"
	"github.com/ternarybob/toolbox/internal/services/settings"
)

// AdminSecurityHandler serves the /admin/security surface: provider
// definitions, audit retention settings, and the audit log views.
type AdminSecurityHandler struct {
	providers *auth.ProviderStore
	registry  *auth.Registry
	settings  *settings.Service
	audit     *auth.Audit
	logger    arbor.ILogger
}

func NewAdminSecurityHandler(
	providers *auth.ProviderStore,
	registry *auth.Registry,
	settingsService *settings.Service,
	audit *auth.Audit,
	logger arbor.ILogger,
) *AdminSecurityHandler {
	if logger == nil {
		logger = arbor.NewLogger()
	}
	return &AdminSecurityHandler{
		providers: providers,
		registry:  registry,
		settings:  settingsService,
		audit:     audit,
		logger:    logger.WithPrefix("admin-security"),
	}
}

// ListProviderConfigsHandler handles GET /admin/security/providers.
func (h *AdminSecurityHandler) ListProviderConfigsHandler(w http.ResponseWriter, r *http.Request) {
	records, err := h.providers.List(r.Context())
	if err != nil {
		RespondError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"providers": records})
}

// CreateProviderConfigHandler handles POST /admin/security/providers. The
// registry reloads so the definition takes effect immediately.
func (h *AdminSecurityHandler) CreateProviderConfigHandler(w http.ResponseWriter, r *http.Request) {
	var req models.ProviderCreateRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondError(w, err)
		return
	}

	record, err := h.providers.Create(r.Context(), &req)
	if err != nil {
		RespondError(w, err)
		return
	}
	if err := h.registry.Reload(r.Context()); err != nil {
		RespondError(w, err)
		return
	}

	h.recordAudit(r, auth.EventProviderCreate, "auth_provider", record.Name, map[string]interface{}{
		"name": record.Name,
		"type": record.Type,
	})
	WriteJSON(w, http.StatusCreated, record)
}

// UpdateProviderConfigHandler handles PUT /admin/security/providers/{name}.
func (h *AdminSecurityHandler) UpdateProviderConfigHandler(w http.ResponseWriter, r *http.Request) {
	name := PathParam(r.URL.Path, "/admin/security/providers/")

	var req models.ProviderUpdateRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondError(w, err)
		return
	}

	record, err := h.providers.Update(r.Context(), name, &req)
	if err != nil {
		RespondError(w, err)
		return
	}
	if err := h.registry.Reload(r.Context()); err != nil {
		RespondError(w, err)
		return
	}

	h.recordAudit(r, auth.EventProviderUpdate, "auth_provider", record.Name, map[string]interface{}{
		"name":    record.Name,
		"type":    record.Type,
		"enabled": record.Enabled,
	})
	WriteJSON(w, http.StatusOK, record)
}

// DeleteProviderConfigHandler handles DELETE /admin/security/providers/{name}.
func (h *AdminSecurityHandler) DeleteProviderConfigHandler(w http.ResponseWriter, r *http.Request) {
	name := PathParam(r.URL.Path, "/admin/security/providers/")

	record, err := h.providers.Delete(r.Context(), name)
	if err != nil {
		RespondError(w, err)
		return
	}
	if err := h.registry.Reload(r.Context()); err != nil {
		RespondError(w, err)
		return
	}

	h.recordAudit(r, auth.EventProviderDelete, "auth_provider", record.Name, map[string]interface{}{
		"name": record.Name,
		"type": record.Type,
	})
	w.WriteHeader(http.StatusNoContent)
}

// GetSecuritySettingsHandler handles GET /admin/security/settings.
func (h *AdminSecurityHandler) GetSecuritySettingsHandler(w http.ResponseWriter, r *http.Request) {
	current, err := h.settings.SecuritySettings(r.Context())
	if err != nil {
		RespondError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, current)
}

// UpdateSecuritySettingsHandler handles PUT /admin/security/settings.
// Tightening retention purges immediately so the change is observable.
func (h *AdminSecurityHandler) UpdateSecuritySettingsHandler(w http.ResponseWriter, r *http.Request) {
	var req models.SecuritySettings
	if err := DecodeJSON(r, &req); err != nil {
		RespondError(w, err)
		return
	}

	updated, err := h.settings.UpdateSecuritySettings(r.Context(), req)
	if err != nil {
		RespondError(w, err)
		return
	}
	if _, err := h.audit.PurgeExpired(r.Context()); err != nil {
		h.logger.Warn().Err(err).Msg("Audit purge after retention change failed")
	}

	h.recordAudit(r, auth.EventSettingsUpdate, "settings", "security", map[string]interface{}{
		"audit_log_retention_days": updated.AuditLogRetentionDays,
	})
	WriteJSON(w, http.StatusOK, updated)
}

// ListAuditLogsHandler handles GET /admin/security/audit-logs with event,
// severity, user_id, from, to, and q filters. The static event catalog and
// current retention ride along so the UI can build its filter controls.
func (h *AdminSecurityHandler) ListAuditLogsHandler(w http.ResponseWriter, r *http.Request) {
	page, pageSize := pageParams(r, 50, 200)
	filter := &models.AuditFilter{
		Events:     queryValues(r, "event"),
		Severities: queryValues(r, "severity"),
		UserIDs:    queryValues(r, "user_id"),
		TargetType: r.URL.Query().Get("target_type"),
		TargetID:   r.URL.Query().Get("target_id"),
		Query:      r.URL.Query().Get("q"),
		Page:       page,
		PageSize:   pageSize,
	}
	if from, ok := parseTimeParam(r, "from"); ok {
		filter.From = &from
	}
	if to, ok := parseTimeParam(r, "to"); ok {
		filter.To = &to
	}

	listed, err := h.audit.List(r.Context(), filter)
	if err != nil {
		RespondError(w, err)
		return
	}

	pages := 0
	if listed.PageSize > 0 {
		pages = int((listed.Total + int64(listed.PageSize) - 1) / int64(listed.PageSize))
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"items":          listed.Items,
		"total":          listed.Total,
		"page":           listed.Page,
		"page_size":      listed.PageSize,
		"pages":          pages,
		"events":         auth.AuditCatalog(),
		"retention_days": h.settings.AuditRetentionDays(r.Context()),
	})
}

func (h *AdminSecurityHandler) recordAudit(r *http.Request, event, targetType, targetID string, payload map[string]interface{}) {
	if h.audit == nil {
		return
	}
	meta := RequestMeta(r)
	h.audit.Record(r.Context(), &auth.AuditEntry{
		Event:      event,
		UserID:     actorID(r),
		Payload:    payload,
		SourceIP:   meta.SourceIP,
		UserAgent:  meta.UserAgent,
		TargetType: targetType,
		TargetID:   targetID,
	})
}

// parseTimeParam reads an RFC 3339 timestamp query value, tolerating a
// bare date.
func parseTimeParam(r *http.Request, name string) (time.Time, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return time.Time{}, false
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts, true
	}
	if ts, err := time.Parse("2006-01-02", raw); err == nil {
		return ts, true
	}
	return time.Time{}, false
}
