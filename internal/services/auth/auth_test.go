package auth

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"gorm.io/gorm"

	"github.com/ternarybob/toolbox/internal/common"
	"github.com/ternarybob/toolbox/internal/models"
	"github.com/ternarybob/toolbox/internal/services/settings"
	"github.com/ternarybob/toolbox/internal/storage"
)

func testAuthConfig() *common.AuthConfig {
	return &common.AuthConfig{
		Issuer:                 "sre-toolbox",
		JWTSecret:              "test-secret-for-unit-tests",
		JWTAlgorithm:           "HS256",
		AccessTokenTTLSeconds:  900,
		RefreshTokenTTLSeconds: 14 * 24 * 60 * 60,
		CookieSameSite:         "lax",
		SSOStateTTLSeconds:     600,
	}
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := storage.OpenDatabase(arbor.NewLogger(), &common.DatabaseConfig{
		URL: filepath.Join(t.TempDir(), "toolbox.db"),
	})
	require.NoError(t, err)
	return db
}

func newTestKV(t *testing.T) (*storage.KV, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return storage.NewKVWithClient(client, "sretoolbox"), mr
}

// testStack wires the full auth service against sqlite + miniredis.
type testStack struct {
	db       *gorm.DB
	kv       *storage.KV
	redis    *miniredis.Miniredis
	users    *Users
	audit    *Audit
	sessions *SessionStore
	tokens   *TokenService
	codec    *StateCodec
	registry *Registry
	service  *Service
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	db := newTestDB(t)
	kv, mr := newTestKV(t)
	logger := arbor.NewLogger()
	config := testAuthConfig()

	settingsService := settings.NewService(db, 90, "", logger)
	users := NewUsers(db, logger)
	audit := NewAudit(db, settingsService, logger)
	sessions := NewSessionStore(db)
	tokens, err := NewTokenService(config)
	require.NoError(t, err)
	codec := NewStateCodec(config.JWTSecret, 0)

	registry := NewRegistry(config, db, kv, users, audit, codec, nil, logger)
	require.NoError(t, registry.Reload(context.Background()))

	service := NewService(config, registry, tokens, sessions, users, audit, codec, logger)
	return &testStack{
		db:       db,
		kv:       kv,
		redis:    mr,
		users:    users,
		audit:    audit,
		sessions: sessions,
		tokens:   tokens,
		codec:    codec,
		registry: registry,
		service:  service,
	}
}

// createUser inserts a local account with the given password and roles.
func (ts *testStack) createUser(t *testing.T, username, password string, roles []string, superuser bool) *models.User {
	t.Helper()
	user, err := ts.users.Create(context.Background(), &models.UserCreateRequest{
		Username:    username,
		Password:    password,
		Roles:       roles,
		IsSuperuser: superuser,
	})
	require.NoError(t, err)
	return user
}
