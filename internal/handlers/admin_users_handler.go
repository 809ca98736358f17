package handlers

import (
	"net/http"
	"strconv"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/toolbox/internal/models"
	"github.com/ternarybob/toolbox/internal/services/auth"
)

// AdminUsersHandler serves the /admin/users account management surface.
type AdminUsersHandler struct {
	users  *auth.Users
	audit  *auth.Audit
	logger arbor.ILogger
}

func NewAdminUsersHandler(users *auth.Users, audit *auth.Audit, logger arbor.ILogger) *AdminUsersHandler {
	if logger == nil {
		logger = arbor.NewLogger()
	}
	return &AdminUsersHandler{
		users:  users,
		audit:  audit,
		logger: logger.WithPrefix("admin-users"),
	}
}

// ListUsersHandler handles GET /admin/users with q, role, active, page,
// and page_size filters.
func (h *AdminUsersHandler) ListUsersHandler(w http.ResponseWriter, r *http.Request) {
	page, pageSize := pageParams(r, 10, 100)
	filter := &models.UserFilter{
		Query:    r.URL.Query().Get("q"),
		Role:     r.URL.Query().Get("role"),
		Page:     page,
		PageSize: pageSize,
	}
	if raw := r.URL.Query().Get("active"); raw != "" {
		if active, err := strconv.ParseBool(raw); err == nil {
			filter.Active = &active
		}
	}

	listed, err := h.users.List(r.Context(), filter)
	if err != nil {
		RespondError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, listed)
}

// CreateUserHandler handles POST /admin/users.
func (h *AdminUsersHandler) CreateUserHandler(w http.ResponseWriter, r *http.Request) {
	var req models.UserCreateRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondError(w, err)
		return
	}

	user, err := h.users.Create(r.Context(), &req)
	if err != nil {
		RespondError(w, err)
		return
	}

	h.recordAudit(r, auth.EventUserCreate, user.ID, map[string]interface{}{
		"created_user_id": user.ID,
		"username":        user.Username,
		"roles":           req.Roles,
		"is_superuser":    user.IsSuperuser,
	})
	WriteJSON(w, http.StatusCreated, models.NewUserProfile(user))
}

// PatchUserHandler handles PATCH /admin/users/{id}.
func (h *AdminUsersHandler) PatchUserHandler(w http.ResponseWriter, r *http.Request) {
	userID := PathParam(r.URL.Path, "/admin/users/")

	var req models.UserPatchRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondError(w, err)
		return
	}

	user, err := h.users.Patch(r.Context(), userID, &req)
	if err != nil {
		RespondError(w, err)
		return
	}

	h.recordAudit(r, auth.EventUserUpdate, user.ID, map[string]interface{}{
		"user_id":  user.ID,
		"username": user.Username,
	})
	WriteJSON(w, http.StatusOK, models.NewUserProfile(user))
}

// DeleteUserHandler handles DELETE /admin/users/{id}. The service refuses
// to remove the last superuser.
func (h *AdminUsersHandler) DeleteUserHandler(w http.ResponseWriter, r *http.Request) {
	userID := PathParam(r.URL.Path, "/admin/users/")

	user, err := h.users.Delete(r.Context(), userID)
	if err != nil {
		RespondError(w, err)
		return
	}

	h.recordAudit(r, auth.EventUserDelete, user.ID, map[string]interface{}{
		"deleted_user_id": user.ID,
		"username":        user.Username,
	})
	w.WriteHeader(http.StatusNoContent)
}

// ImportUsersHandler handles POST /admin/users/import, a JSON array of
// accounts upserted by username.
func (h *AdminUsersHandler) ImportUsersHandler(w http.ResponseWriter, r *http.Request) {
	var entries []models.UserImportEntry
	if err := DecodeJSON(r, &entries); err != nil {
		RespondError(w, err)
		return
	}

	report, err := h.users.Import(r.Context(), entries)
	if err != nil {
		RespondError(w, err)
		return
	}

	h.logger.Info().
		Int("created", report.Created).
		Int("updated", report.Updated).
		Int("errors", len(report.Errors)).
		Msg("User import finished")
	h.recordAudit(r, auth.EventUserImport, "", map[string]interface{}{
		"created": report.Created,
		"updated": report.Updated,
		"errors":  len(report.Errors),
	})
	WriteJSON(w, http.StatusOK, report)
}

func (h *AdminUsersHandler) recordAudit(r *http.Request, event, targetID string, payload map[string]interface{}) {
	if h.audit == nil {
		return
	}
	meta := RequestMeta(r)
	entry := &auth.AuditEntry{
		Event:     event,
		UserID:    actorID(r),
		Payload:   payload,
		SourceIP:  meta.SourceIP,
		UserAgent: meta.UserAgent,
	}
	if targetID != "" {
		entry.TargetType = "user"
		entry.TargetID = targetID
	}
	h.audit.Record(r.Context(), entry)
}
