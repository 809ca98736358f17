// -----------------------------------------------------------------------
// SQL Store - GORM connection and schema migration
// -----------------------------------------------------------------------

package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ternarybob/toolbox/internal/common"
	"github.com/ternarybob/toolbox/internal/models"
)

// OpenDatabase opens the relational store named by the configured URL.
// postgres:// URLs use the Postgres driver; sqlite:// URLs (or bare paths)
// open an embedded SQLite file, creating its directory when needed.
func OpenDatabase(logger arbor.ILogger, config *common.DatabaseConfig) (*gorm.DB, error) {
	url := strings.TrimSpace(config.URL)
	if url == "" {
		return nil, fmt.Errorf("database url is required")
	}

	gormConfig := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	}

	var (
		db  *gorm.DB
		err error
	)

	switch {
	case strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://"):
		logger.Debug().Msg("Opening Postgres database connection")
		db, err = gorm.Open(postgres.Open(url), gormConfig)
	default:
		path := strings.TrimPrefix(url, "sqlite://")
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if mkErr := os.MkdirAll(dir, 0755); mkErr != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", mkErr)
			}
		}
		logger.Debug().Str("path", path).Msg("Opening SQLite database connection")
		db, err = gorm.Open(sqlite.Open(path), gormConfig)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	logger.Debug().Msg("Database schema migrated")

	return db, nil
}

// Migrate creates or updates the toolbox schema.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.User{},
		&models.Role{},
		&models.UserRole{},
		&models.SsoIdentity{},
		&models.AuthSession{},
		&models.AuditLog{},
		&models.AuthProviderRecord{},
		&models.Toolkit{},
		&models.ToolkitRemoval{},
		&models.SystemSetting{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate database schema: %w", err)
	}
	return nil
}
