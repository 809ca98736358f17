// -----------------------------------------------------------------------
// Provider Store - database CRUD for admin-managed provider definitions
// -----------------------------------------------------------------------

package auth

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

// ProviderStore manages the auth_provider_configs rows the admin API edits.
// The registry reads the same table on Reload, so every write here must be
// followed by a registry reload to take effect.
type ProviderStore struct {
	db       *gorm.DB
	validate *validator.Validate
	logger   arbor.ILogger
}

func NewProviderStore(db *gorm.DB, logger arbor.ILogger) *ProviderStore {
	if logger == nil {
		logger = arbor.NewLogger()
	}
	return &ProviderStore{
		db:       db,
		validate: validator.New(),
		logger:   logger.WithPrefix("providers"),
	}
}

// List returns every provider definition ordered by name.
func (s *ProviderStore) List(ctx context.Context) ([]*models.AuthProviderRecord, error) {
	var records []*models.AuthProviderRecord
	err := s.db.WithContext(ctx).Order("name ASC").Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list provider configs: %w", err)
	}
	return records, nil
}

// Get returns the named definition or nil when no row exists.
func (s *ProviderStore) Get(ctx context.Context, name string) (*models.AuthProviderRecord, error) {
	var record models.AuthProviderRecord
	err := s.db.WithContext(ctx).First(&record, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read provider config %s: %w", name, err)
	}
	return &record, nil
}

// Create inserts a new provider definition. Names are unique; the config
// blob must be a JSON object.
func (s *ProviderStore) Create(ctx context.Context, req *models.ProviderCreateRequest) (*models.AuthProviderRecord, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInvalid, err, "invalid provider definition")
	}
	if err := validateConfigJSON(req.Config); err != nil {
		return nil, err
	}

	existing, err := s.Get(ctx, req.Name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, apperrors.New(apperrors.KindConflict, "Provider already exists")
	}

	record := &models.AuthProviderRecord{
		Name:    strings.TrimSpace(req.Name),
		Type:    req.Type,
		Config:  req.Config,
		Enabled: true,
	}
	if req.Enabled != nil {
		record.Enabled = *req.Enabled
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, fmt.Errorf("failed to create provider config %s: %w", req.Name, err)
	}

	s.logger.Info().Str("provider", record.Name).Str("type", record.Type).Msg("Provider definition created")
	return record, nil
}

// Update applies partial changes to a definition. Nil fields are left
// untouched.
func (s *ProviderStore) Update(ctx context.Context, name string, req *models.ProviderUpdateRequest) (*models.AuthProviderRecord, error) {
	record, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, apperrors.New(apperrors.KindNotFound, "Provider not found")
	}

	if req.Config != nil {
		if err := validateConfigJSON(*req.Config); err != nil {
			return nil, err
		}
		record.Config = *req.Config
	}
	if req.Enabled != nil {
		record.Enabled = *req.Enabled
	}

	if err := s.db.WithContext(ctx).Save(record).Error; err != nil {
		return nil, fmt.Errorf("failed to update provider config %s: %w", name, err)
	}
	return record, nil
}

// Delete removes a definition. Missing names are a NotFound error so the
// admin UI can distinguish stale state.
func (s *ProviderStore) Delete(ctx context.Context, name string) (*models.AuthProviderRecord, error) {
	record, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, apperrors.New(apperrors.KindNotFound, "Provider not found")
	}

	if err := s.db.WithContext(ctx).Delete(record).Error; err != nil {
		return nil, fmt.Errorf("failed to delete provider config %s: %w", name, err)
	}
	s.logger.Info().Str("provider", name).Msg("Provider definition deleted")
	return record, nil
}

func validateConfigJSON(raw string) error {
	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return apperrors.New(apperrors.KindInvalid, "Provider config must be a JSON object")
	}
	return nil
}
