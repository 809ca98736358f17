// -----------------------------------------------------------------------
// Audit - append-only security event log with catalog-driven severities
// -----------------------------------------------------------------------

package auth

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"
	"gorm.io/gorm"

	"github.com/ternarybob/toolbox/internal/apperrors"
	"github.com/ternarybob/toolbox/internal/models"
	"github.com/ternarybob/toolbox/internal/services/settings"
)

// Audit event names. Every write must use one of these; unknown events are
// still recorded but default to info severity.
const (
	EventLoginSuccess   = "auth.login.success"
	EventLoginFailure   = "auth.login.failure"
	EventLoginLockout   = "auth.login.lockout"
	EventLogout         = "auth.logout"
	EventTokenRefresh   = "auth.token.refresh"
	EventTokenRevoke    = "auth.token.revoke"
	EventProviderCreate = "auth.provider.create"
	EventProviderUpdate = "auth.provider.update"
	EventProviderDelete = "auth.provider.delete"
	EventUserCreate     = "user.create"
	EventUserUpdate     = "user.update"
	EventUserDelete     = "user.delete"
	EventUserImport     = "user.import"
	EventUserBootstrap  = "user.bootstrap"
	EventUserProvision  = "user.provision"
	EventSettingsUpdate = "security.settings.update"
	EventToolkitInstall = "toolkit.install"
	EventToolkitRemove  = "toolkit.uninstall"
	EventToolkitEnable  = "toolkit.enable"
	EventToolkitDisable = "toolkit.disable"
	EventToolkitUpdate  = "toolkit.update"
)

var auditCatalog = []models.AuditEventDef{
	{Event: EventLoginSuccess, Severity: models.SeverityInfo, Description: "User authenticated successfully."},
	{Event: EventLoginFailure, Severity: models.SeverityWarning, Description: "Failed authentication attempt was rejected."},
	{Event: EventLoginLockout, Severity: models.SeverityWarning, Description: "Account locked after repeated failed logins."},
	{Event: EventLogout, Severity: models.SeverityInfo, Description: "User explicitly signed out of the system."},
	{Event: EventTokenRefresh, Severity: models.SeverityInfo, Description: "Access token refreshed for an active session."},
	{Event: EventTokenRevoke, Severity: models.SeverityInfo, Description: "Refresh token lineage was revoked."},
	{Event: EventProviderCreate, Severity: models.SeverityInfo, Description: "Authentication provider configuration was added."},
	{Event: EventProviderUpdate, Severity: models.SeverityInfo, Description: "Authentication provider configuration was updated."},
	{Event: EventProviderDelete, Severity: models.SeverityWarning, Description: "Authentication provider configuration was removed."},
	{Event: EventUserCreate, Severity: models.SeverityInfo, Description: "Administrator created a local user account."},
	{Event: EventUserUpdate, Severity: models.SeverityInfo, Description: "User profile data was updated."},
	{Event: EventUserDelete, Severity: models.SeverityWarning, Description: "User account was deleted."},
	{Event: EventUserImport, Severity: models.SeverityInfo, Description: "Users imported in bulk by an administrator."},
	{Event: EventUserBootstrap, Severity: models.SeverityWarning, Description: "System bootstrap created the first privileged administrator."},
	{Event: EventUserProvision, Severity: models.SeverityInfo, Description: "User account provisioned automatically from an identity provider."},
	{Event: EventSettingsUpdate, Severity: models.SeverityInfo, Description: "Security or toolbox settings were changed."},
	{Event: EventToolkitInstall, Severity: models.SeverityInfo, Description: "Toolkit bundle was installed."},
	{Event: EventToolkitRemove, Severity: models.SeverityWarning, Description: "Toolkit was uninstalled."},
	{Event: EventToolkitEnable, Severity: models.SeverityInfo, Description: "Toolkit was enabled."},
	{Event: EventToolkitDisable, Severity: models.SeverityInfo, Description: "Toolkit was disabled."},
	{Event: EventToolkitUpdate, Severity: models.SeverityInfo, Description: "Toolkit was updated to a new bundle version."},
}

var auditSeverities = func() map[string]string {
	severities := make(map[string]string, len(auditCatalog))
	for _, def := range auditCatalog {
		severities[def.Event] = def.Severity
	}
	return severities
}()

// AuditCatalog returns the static event definitions, in declaration order.
func AuditCatalog() []models.AuditEventDef {
	out := make([]models.AuditEventDef, len(auditCatalog))
	copy(out, auditCatalog)
	return out
}

// AuditEntry is one event to record. Severity may be left empty to take the
// catalog default.
type AuditEntry struct {
	Event      string
	Severity   string
	UserID     *string
	Payload    map[string]interface{}
	SourceIP   string
	UserAgent  string
	TargetType string
	TargetID   string
}

// purgeEvery amortizes retention cleanup over writes.
const purgeEvery = 32

// Audit appends security events and serves the admin log views. Writes are
// best-effort: a failed insert is logged, never surfaced to the caller, so
// an audit outage cannot block logins.
type Audit struct {
	db       *gorm.DB
	settings *settings.Service
	logger   arbor.ILogger
	writes   atomic.Uint64
}

func NewAudit(db *gorm.DB, settingsService *settings.Service, logger arbor.ILogger) *Audit {
	if logger == nil {
		logger = arbor.NewLogger()
	}
	return &Audit{
		db:       db,
		settings: settingsService,
		logger:   logger.WithPrefix("audit"),
	}
}

// Record appends one event. Every purgeEvery-th write also sweeps rows past
// the retention window.
func (a *Audit) Record(ctx context.Context, entry *AuditEntry) {
	severity := entry.Severity
	if severity == "" {
		severity = auditSeverities[entry.Event]
	}
	if severity == "" {
		severity = models.SeverityInfo
	}

	row := models.AuditLog{
		UserID:   entry.UserID,
		Event:    entry.Event,
		Severity: severity,
	}
	if len(entry.Payload) > 0 {
		if encoded, err := json.Marshal(entry.Payload); err == nil {
			payload := string(encoded)
			row.Payload = &payload
		}
	}
	if entry.SourceIP != "" {
		sourceIP := entry.SourceIP
		row.SourceIP = &sourceIP
	}
	if entry.UserAgent != "" {
		userAgent := entry.UserAgent
		row.UserAgent = &userAgent
	}
	if entry.TargetType != "" {
		targetType := entry.TargetType
		row.TargetType = &targetType
	}
	if entry.TargetID != "" {
		targetID := entry.TargetID
		row.TargetID = &targetID
	}

	if err := a.db.WithContext(ctx).Create(&row).Error; err != nil {
		a.logger.Warn().Err(err).Str("event", entry.Event).Msg("Failed to record audit event")
		return
	}

	if a.writes.Add(1)%purgeEvery == 0 {
		if _, err := a.PurgeExpired(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("Audit retention sweep failed")
		}
	}
}

// List returns one page of events matching the filter, newest first.
func (a *Audit) List(ctx context.Context, filter *models.AuditFilter) (*models.AuditPage, error) {
	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	if pageSize > 200 {
		pageSize = 200
	}

	query := a.db.WithContext(ctx).Model(&models.AuditLog{})
	if len(filter.Events) > 0 {
		query = query.Where("event IN ?", filter.Events)
	}
	if len(filter.Severities) > 0 {
		query = query.Where("severity IN ?", filter.Severities)
	}
	if len(filter.UserIDs) > 0 {
		query = query.Where("user_id IN ?", filter.UserIDs)
	}
	if filter.TargetType != "" {
		query = query.Where("target_type = ?", filter.TargetType)
	}
	if filter.TargetID != "" {
		query = query.Where("target_id = ?", filter.TargetID)
	}
	if filter.From != nil {
		query = query.Where("created_at >= ?", *filter.From)
	}
	if filter.To != nil {
		query = query.Where("created_at <= ?", *filter.To)
	}
	if filter.Query != "" {
		like := "%" + strings.ToLower(filter.Query) + "%"
		query = query.Where(
			"LOWER(event) LIKE ? OR LOWER(COALESCE(payload, '')) LIKE ?",
			like, like,
		)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "failed to count audit logs")
	}

	var rows []models.AuditLog
	err := query.Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&rows).Error
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "failed to list audit logs")
	}

	items := make([]*models.AuditLog, 0, len(rows))
	for i := range rows {
		items = append(items, &rows[i])
	}
	return &models.AuditPage{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}

// PurgeExpired deletes events older than the retention window. The window
// comes from system settings with the configured default as fallback.
func (a *Audit) PurgeExpired(ctx context.Context) (int64, error) {
	days := a.settings.AuditRetentionDays(ctx)
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	result := a.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&models.AuditLog{})
	if result.Error != nil {
		return 0, apperrors.Wrap(apperrors.KindInternal, result.Error, "failed to purge audit logs")
	}
	if result.RowsAffected > 0 {
		a.logger.Info().
			Int64("deleted", result.RowsAffected).
			Int("retention_days", days).
			Msg("Purged expired audit logs")
	}
	return result.RowsAffected, nil
}
