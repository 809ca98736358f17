package settings

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/toolbox/internal/apperrors"
	"github.com/ternarybob/toolbox/internal/common"
	"github.com/ternarybob/toolbox/internal/models"
	"github.com/ternarybob/toolbox/internal/storage"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := storage.OpenDatabase(arbor.NewLogger(), &common.DatabaseConfig{
		URL: filepath.Join(t.TempDir(), "toolbox.db"),
	})
	require.NoError(t, err)

	return NewService(db, 90, "https://catalog.example.com/index.json", arbor.NewLogger())
}

func TestSetAndGetRoundTrip(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "demo.key", "hello"))

	raw, ok, err := s.Get(ctx, "demo.key")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `"hello"`, raw)

	value, ok, err := s.GetString(ctx, "demo.key")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", value)
}

func TestGetMissingKey(t *testing.T) {
	s := newTestService(t)

	_, ok, err := s.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetOverwritesExisting(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "demo.key", 1))
	require.NoError(t, s.Set(ctx, "demo.key", 2))

	value, ok, err := s.GetInt(ctx, "demo.key")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, value)
}

func TestGetStringToleratesLegacyShapes(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	// Object form written by older builds.
	require.NoError(t, s.Set(ctx, models.SettingCatalogURL, map[string]string{"url": "https://example.com/catalog.json"}))
	value, ok, err := s.GetString(ctx, models.SettingCatalogURL)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "https://example.com/catalog.json", value)
}

func TestAuditRetentionDefaultsAndOverride(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	assert.Equal(t, 90, s.AuditRetentionDays(ctx))

	updated, err := s.UpdateSecuritySettings(ctx, models.SecuritySettings{AuditLogRetentionDays: 30})
	require.NoError(t, err)
	assert.Equal(t, 30, updated.AuditLogRetentionDays)
	assert.Equal(t, 30, s.AuditRetentionDays(ctx))

	settings, err := s.SecuritySettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 30, settings.AuditLogRetentionDays)
}

func TestUpdateSecuritySettingsRejectsOutOfRange(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.UpdateSecuritySettings(ctx, models.SecuritySettings{AuditLogRetentionDays: 0})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindInvalid, apperrors.KindOf(err))

	_, err = s.UpdateSecuritySettings(ctx, models.SecuritySettings{AuditLogRetentionDays: 4000})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindInvalid, apperrors.KindOf(err))
}

func TestCatalogSettingsDefaultOverrideAndClear(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	settings, err := s.CatalogSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://catalog.example.com/index.json", settings.CatalogURL)

	updated, err := s.UpdateCatalogSettings(ctx, models.CatalogSettings{CatalogURL: "https://other.example.com/toolkits.json"})
	require.NoError(t, err)
	assert.Equal(t, "https://other.example.com/toolkits.json", updated.CatalogURL)

	settings, err = s.CatalogSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://other.example.com/toolkits.json", settings.CatalogURL)

	cleared, err := s.UpdateCatalogSettings(ctx, models.CatalogSettings{CatalogURL: ""})
	require.NoError(t, err)
	assert.Equal(t, "https://catalog.example.com/index.json", cleared.CatalogURL)
}

func TestUpdateCatalogSettingsRejectsNonHTTP(t *testing.T) {
	s := newTestService(t)

	_, err := s.UpdateCatalogSettings(context.Background(), models.CatalogSettings{CatalogURL: "ftp://example.com/catalog.json"})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindInvalid, apperrors.KindOf(err))
}
