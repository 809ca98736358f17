package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const TableNameAuditLogs = "audit_logs"

// Audit severities.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// AuditLog is one immutable security event. Payload holds event-specific
// detail as a JSON string so the schema never churns with new event types.
type AuditLog struct {
	ID         string    `gorm:"column:id;primaryKey;size:36" json:"id"`
	UserID     *string   `gorm:"column:user_id;size:36;index" json:"user_id"`
	Event      string    `gorm:"column:event;size:128;index;not null" json:"event"`
	Severity   string    `gorm:"column:severity;size:32;not null;default:info" json:"severity"`
	Payload    *string   `gorm:"column:payload;type:text" json:"payload"`
	SourceIP   *string   `gorm:"column:source_ip;size:64" json:"source_ip"`
	UserAgent  *string   `gorm:"column:user_agent;size:255" json:"user_agent"`
	TargetType *string   `gorm:"column:target_type;size:128" json:"target_type"`
	TargetID   *string   `gorm:"column:target_id;size:128" json:"target_id"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime;index" json:"created_at"`
}

func (*AuditLog) TableName() string {
	return TableNameAuditLogs
}

func (a *AuditLog) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	return nil
}

// AuditEventDef describes a known audit event and its default severity,
// surfaced through the audit catalog endpoint so UIs can build filters.
type AuditEventDef struct {
	Event       string `json:"event"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// AuditFilter narrows an audit log listing. Zero values match everything.
type AuditFilter struct {
	Events     []string
	Severities []string
	UserIDs    []string
	TargetType string
	TargetID   string
	From       *time.Time
	To         *time.Time
	Query      string
	Page       int
	PageSize   int
}

// AuditPage is one page of audit records plus the total matching count.
type AuditPage struct {
	Items    []*AuditLog `json:"items"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
}
