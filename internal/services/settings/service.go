// -----------------------------------------------------------------------
// System Settings - Runtime-tunable keys stored as JSON in SQL
// -----------------------------------------------------------------------

package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"gorm.io/gorm"

	"github.com/ternarybob/toolbox/internal/apperrors"
	"github.com/ternarybob/toolbox/internal/models"
)

// Service reads and writes the system_settings table. Values are stored as
// JSON so structured settings never need schema changes; readers tolerate
// both bare scalars and small objects written by older builds.
type Service struct {
	db                   *gorm.DB
	validate             *validator.Validate
	defaultRetentionDays int
	defaultCatalogURL    string
	logger               arbor.ILogger
}

// NewService creates the settings service. The retention and catalog
// defaults come from the immutable config and apply whenever no admin
// override row exists.
func NewService(db *gorm.DB, defaultRetentionDays int, defaultCatalogURL string, logger arbor.ILogger) *Service {
	if defaultRetentionDays <= 0 {
		defaultRetentionDays = models.DefaultSecuritySettings().AuditLogRetentionDays
	}
	return &Service{
		db:                   db,
		validate:             validator.New(),
		defaultRetentionDays: defaultRetentionDays,
		defaultCatalogURL:    defaultCatalogURL,
		logger:               logger,
	}
}

// Get returns the raw JSON value for a key. The second return reports
// whether a row exists.
func (s *Service) Get(ctx context.Context, key string) (string, bool, error) {
	var row models.SystemSetting
	err := s.db.WithContext(ctx).First(&row, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return row.Value, true, nil
}

// Set marshals the value to JSON and upserts the row.
func (s *Service) Set(ctx context.Context, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode setting %s: %w", key, err)
	}
	row := models.SystemSetting{Key: key, Value: string(raw)}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	return nil
}

// Delete removes the row for a key. Missing rows are not an error.
func (s *Service) Delete(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Delete(&models.SystemSetting{}, "key = ?", key).Error; err != nil {
		return fmt.Errorf("failed to delete setting %s: %w", key, err)
	}
	return nil
}

// GetString decodes a string value. Bare (non-JSON) legacy values are
// returned as-is; {"url": "..."} objects yield their url field.
func (s *Service) GetString(ctx context.Context, key string) (string, bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return "", ok, err
	}

	var decoded interface{}
	if jsonErr := json.Unmarshal([]byte(raw), &decoded); jsonErr != nil {
		return strings.TrimSpace(raw), true, nil
	}
	switch v := decoded.(type) {
	case string:
		return v, true, nil
	case map[string]interface{}:
		if u, isString := v["url"].(string); isString {
			return u, true, nil
		}
	}
	return "", true, nil
}

// GetInt decodes an integer value. JSON numbers and quoted digits both work.
func (s *Service) GetInt(ctx context.Context, key string) (int, bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return 0, ok, err
	}

	var number float64
	if jsonErr := json.Unmarshal([]byte(raw), &number); jsonErr == nil {
		return int(number), true, nil
	}
	var quoted string
	if jsonErr := json.Unmarshal([]byte(raw), &quoted); jsonErr == nil {
		var parsed int
		if _, scanErr := fmt.Sscanf(strings.TrimSpace(quoted), "%d", &parsed); scanErr == nil {
			return parsed, true, nil
		}
	}
	return 0, true, fmt.Errorf("setting %s is not numeric", key)
}

// AuditRetentionDays returns the effective audit log retention, preferring
// the admin-stored value over the configured default. Unreadable or
// out-of-range rows fall back to the default rather than failing reads.
func (s *Service) AuditRetentionDays(ctx context.Context) int {
	days, ok, err := s.GetInt(ctx, models.SettingAuditRetentionDays)
	if err != nil || !ok || days < 1 || days > 3650 {
		return s.defaultRetentionDays
	}
	return days
}

// SecuritySettings returns the admin-visible security configuration.
func (s *Service) SecuritySettings(ctx context.Context) (models.SecuritySettings, error) {
	return models.SecuritySettings{AuditLogRetentionDays: s.AuditRetentionDays(ctx)}, nil
}

// UpdateSecuritySettings validates and stores the security configuration.
func (s *Service) UpdateSecuritySettings(ctx context.Context, in models.SecuritySettings) (models.SecuritySettings, error) {
	if err := s.validate.Struct(in); err != nil {
		return models.SecuritySettings{}, apperrors.New(apperrors.KindInvalid, "audit_log_retention_days must be between 1 and 3650")
	}
	if err := s.Set(ctx, models.SettingAuditRetentionDays, in.AuditLogRetentionDays); err != nil {
		return models.SecuritySettings{}, err
	}

	s.logger.Info().
		Int("retention_days", in.AuditLogRetentionDays).
		Msg("Audit log retention updated")

	return in, nil
}

// CatalogSettings returns the stored community catalog override, or the
// compile-time default when no override exists.
func (s *Service) CatalogSettings(ctx context.Context) (models.CatalogSettings, error) {
	url, ok, err := s.GetString(ctx, models.SettingCatalogURL)
	if err != nil {
		return models.CatalogSettings{}, err
	}
	if !ok || url == "" {
		return models.CatalogSettings{CatalogURL: s.defaultCatalogURL}, nil
	}
	return models.CatalogSettings{CatalogURL: url}, nil
}

// UpdateCatalogSettings validates and stores the catalog URL override. An
// empty URL clears the override so the configured default applies again.
func (s *Service) UpdateCatalogSettings(ctx context.Context, in models.CatalogSettings) (models.CatalogSettings, error) {
	in.CatalogURL = strings.TrimSpace(in.CatalogURL)
	if in.CatalogURL == "" {
		if err := s.Delete(ctx, models.SettingCatalogURL); err != nil {
			return models.CatalogSettings{}, err
		}
		return models.CatalogSettings{CatalogURL: s.defaultCatalogURL}, nil
	}

	if !strings.HasPrefix(in.CatalogURL, "http://") && !strings.HasPrefix(in.CatalogURL, "https://") {
		return models.CatalogSettings{}, apperrors.New(apperrors.KindInvalid, "catalog_url must be an http(s) URL")
	}
	if err := s.validate.Struct(in); err != nil {
		return models.CatalogSettings{}, apperrors.New(apperrors.KindInvalid, "catalog_url must be a valid URL")
	}

	if err := s.Set(ctx, models.SettingCatalogURL, in.CatalogURL); err != nil {
		return models.CatalogSettings{}, err
	}

	s.logger.Info().Str("catalog_url", in.CatalogURL).Msg("Toolkit catalog URL updated")

	return in, nil
}
