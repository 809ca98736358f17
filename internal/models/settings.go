package models

import (
	"time"
)

const TableNameSystemSettings = "system_settings"

// SystemSetting is a key/value row for runtime-tunable configuration. Value
// is JSON so settings can be structured without schema changes.
type SystemSetting struct {
	Key       string    `gorm:"column:key;primaryKey;size:255" json:"key"`
	Value     string    `gorm:"column:value;type:text;not null" json:"value"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (*SystemSetting) TableName() string {
	return TableNameSystemSettings
}

// Setting keys used by the admin surfaces.
const (
	SettingCatalogURL          = "toolkit.catalog.url"
	SettingAuditRetentionDays  = "security.audit_log_retention_days"
	SettingBundledToolkitsSeed = "toolkits.bundled.seeded"
)

// SecuritySettings is the admin-tunable security configuration.
type SecuritySettings struct {
	AuditLogRetentionDays int `json:"audit_log_retention_days" validate:"required,gte=1,lte=3650"`
}

// DefaultSecuritySettings returns the security defaults applied before any
// admin write.
func DefaultSecuritySettings() SecuritySettings {
	return SecuritySettings{AuditLogRetentionDays: 365}
}

// CatalogSettings is the admin-tunable community catalog configuration.
type CatalogSettings struct {
	CatalogURL string `json:"catalog_url" validate:"omitempty,url"`
}
