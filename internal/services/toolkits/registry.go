// -----------------------------------------------------------------------
// Toolkit Registry - SQL-authoritative records with a Redis hash mirror
// -----------------------------------------------------------------------

package toolkits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"
	"gorm.io/gorm"

	"github.com/ternarybob/toolbox/internal/apperrors"
	"github.com/ternarybob/toolbox/internal/models"
	"github.com/ternarybob/toolbox/internal/storage"
)

// Registry owns the installed-toolkit records. SQL is the source of truth;
// every write is mirrored into a Redis hash (slug -> JSON) so other
// processes can read the registry without a database handle. Mirror
// failures are logged and never fail the write.
type Registry struct {
	db     *gorm.DB
	kv     *storage.KV
	logger arbor.ILogger
}

// NewRegistry creates a toolkit registry over the shared database and
// Redis connections.
func NewRegistry(db *gorm.DB, kv *storage.KV, logger arbor.ILogger) *Registry {
	return &Registry{db: db, kv: kv, logger: logger}
}

func (r *Registry) registryKey() string {
	return r.kv.Key("toolkits", "registry")
}

func (r *Registry) cacheToolkit(ctx context.Context, toolkit *models.Toolkit) {
	raw, err := json.Marshal(toolkit)
	if err != nil {
		r.logger.Warn().Err(err).Str("slug", toolkit.Slug).Msg("Failed to encode toolkit for mirror")
		return
	}
	if err := r.kv.Client().HSet(ctx, r.registryKey(), toolkit.Slug, raw).Err(); err != nil {
		r.logger.Warn().Err(err).Str("slug", toolkit.Slug).Msg("Failed to mirror toolkit record")
	}
}

func (r *Registry) evictToolkit(ctx context.Context, slug string) {
	if err := r.kv.Client().HDel(ctx, r.registryKey(), slug).Err(); err != nil {
		r.logger.Warn().Err(err).Str("slug", slug).Msg("Failed to evict toolkit from mirror")
	}
}

// refreshMirror replaces the whole hash so records deleted out-of-band do
// not linger in the cache.
func (r *Registry) refreshMirror(ctx context.Context, toolkits []*models.Toolkit) {
	mapping := make(map[string]interface{}, len(toolkits))
	for _, toolkit := range toolkits {
		raw, err := json.Marshal(toolkit)
		if err != nil {
			r.logger.Warn().Err(err).Str("slug", toolkit.Slug).Msg("Failed to encode toolkit for mirror")
			continue
		}
		mapping[toolkit.Slug] = raw
	}

	_, err := r.kv.Client().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.registryKey())
		if len(mapping) > 0 {
			pipe.HSet(ctx, r.registryKey(), mapping)
		}
		return nil
	})
	if err != nil {
		r.logger.Warn().Err(err).Msg("Failed to refresh toolkit mirror")
	}
}

// List returns every registered toolkit sorted by category then
// case-insensitive name, refreshing the Redis mirror as a side effect.
func (r *Registry) List(ctx context.Context) ([]*models.Toolkit, error) {
	var toolkits []*models.Toolkit
	if err := r.db.WithContext(ctx).Find(&toolkits).Error; err != nil {
		return nil, fmt.Errorf("failed to list toolkits: %w", err)
	}

	sort.SliceStable(toolkits, func(i, j int) bool {
		if toolkits[i].Category != toolkits[j].Category {
			return toolkits[i].Category < toolkits[j].Category
		}
		return strings.ToLower(toolkits[i].Name) < strings.ToLower(toolkits[j].Name)
	})

	r.refreshMirror(ctx, toolkits)
	return toolkits, nil
}

// Get returns the toolkit or nil when no record exists.
func (r *Registry) Get(ctx context.Context, slug string) (*models.Toolkit, error) {
	var toolkit models.Toolkit
	err := r.db.WithContext(ctx).First(&toolkit, "slug = ?", slug).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read toolkit %s: %w", slug, err)
	}

	r.cacheToolkit(ctx, &toolkit)
	return &toolkit, nil
}

// Create registers a new toolkit. Duplicate slugs conflict. Creating a
// slug clears any removal tombstone left by an earlier uninstall.
func (r *Registry) Create(ctx context.Context, create models.ToolkitCreate, origin string) (*models.Toolkit, error) {
	slug, err := NormalizeSlug(create.Slug)
	if err != nil {
		return nil, err
	}
	create.Slug = slug
	if strings.TrimSpace(create.Name) == "" {
		return nil, apperrors.New(apperrors.KindInvalid, "Toolkit name must not be empty")
	}

	category := create.Category
	if category == "" {
		category = "toolkit"
	}

	now := time.Now().UTC()
	toolkit := &models.Toolkit{
		Slug:           create.Slug,
		Name:           create.Name,
		Description:    create.Description,
		Version:        create.Version,
		Origin:         origin,
		Enabled:        create.Enabled,
		BasePath:       create.BasePath,
		Category:       category,
		Tags:           create.Tags,
		Backend:        create.Backend,
		BackendRouter:  create.BackendRouter,
		Worker:         create.Worker,
		WorkerRegister: create.WorkerRegister,
		DashboardCards: create.DashboardCards,
		DashboardMod:   create.DashboardMod,
		DashboardAttr:  create.DashboardAttr,
		Frontend:       create.Frontend,
		SourceEntry:    create.SourceEntry,
		Maintainer:     create.Maintainer,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Toolkit
		err := tx.First(&existing, "slug = ?", create.Slug).Error
		if err == nil {
			return apperrors.Newf(apperrors.KindConflict, "Toolkit '%s' already exists", create.Slug)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to check toolkit %s: %w", create.Slug, err)
		}

		if err := tx.Create(toolkit).Error; err != nil {
			return fmt.Errorf("failed to create toolkit %s: %w", create.Slug, err)
		}
		if err := tx.Where("slug = ?", create.Slug).Delete(&models.ToolkitRemoval{}).Error; err != nil {
			return fmt.Errorf("failed to clear removal for %s: %w", create.Slug, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info().
		Str("slug", toolkit.Slug).
		Str("origin", toolkit.Origin).
		Msg("Toolkit registered")

	r.cacheToolkit(ctx, toolkit)
	return toolkit, nil
}

// Upsert returns the existing record unchanged or creates a new one with
// the given origin.
func (r *Registry) Upsert(ctx context.Context, create models.ToolkitCreate, origin string) (*models.Toolkit, error) {
	existing, err := r.Get(ctx, create.Slug)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	return r.Create(ctx, create, origin)
}

// Update applies the non-nil fields and stamps updated_at. Returns nil when
// no record exists.
func (r *Registry) Update(ctx context.Context, slug string, update models.ToolkitUpdate) (*models.Toolkit, error) {
	var toolkit models.Toolkit
	err := r.db.WithContext(ctx).First(&toolkit, "slug = ?", slug).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read toolkit %s: %w", slug, err)
	}

	applyToolkitUpdate(&toolkit, update)
	toolkit.UpdatedAt = time.Now().UTC()

	if err := r.db.WithContext(ctx).Save(&toolkit).Error; err != nil {
		return nil, fmt.Errorf("failed to update toolkit %s: %w", slug, err)
	}

	r.cacheToolkit(ctx, &toolkit)
	return &toolkit, nil
}

func applyToolkitUpdate(toolkit *models.Toolkit, update models.ToolkitUpdate) {
	if update.Name != nil {
		toolkit.Name = *update.Name
	}
	if update.Description != nil {
		toolkit.Description = *update.Description
	}
	if update.Version != nil {
		toolkit.Version = *update.Version
	}
	if update.Enabled != nil {
		toolkit.Enabled = *update.Enabled
	}
	if update.BasePath != nil {
		toolkit.BasePath = *update.BasePath
	}
	if update.Category != nil {
		toolkit.Category = *update.Category
	}
	if update.Tags != nil {
		toolkit.Tags = *update.Tags
	}
	if update.Backend != nil {
		toolkit.Backend = *update.Backend
	}
	if update.BackendRouter != nil {
		toolkit.BackendRouter = *update.BackendRouter
	}
	if update.Worker != nil {
		toolkit.Worker = *update.Worker
	}
	if update.WorkerRegister != nil {
		toolkit.WorkerRegister = *update.WorkerRegister
	}
	if update.DashboardCards != nil {
		toolkit.DashboardCards = *update.DashboardCards
	}
	if update.DashboardMod != nil {
		toolkit.DashboardMod = *update.DashboardMod
	}
	if update.DashboardAttr != nil {
		toolkit.DashboardAttr = *update.DashboardAttr
	}
	if update.Frontend != nil {
		toolkit.Frontend = *update.Frontend
	}
	if update.SourceEntry != nil {
		toolkit.SourceEntry = *update.SourceEntry
	}
	if update.Maintainer != nil {
		toolkit.Maintainer = *update.Maintainer
	}
}

// SetOrigin rewrites the origin of an existing record. Returns nil when no
// record exists.
func (r *Registry) SetOrigin(ctx context.Context, slug, origin string) (*models.Toolkit, error) {
	var toolkit models.Toolkit
	err := r.db.WithContext(ctx).First(&toolkit, "slug = ?", slug).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read toolkit %s: %w", slug, err)
	}

	toolkit.Origin = origin
	toolkit.UpdatedAt = time.Now().UTC()
	if err := r.db.WithContext(ctx).Save(&toolkit).Error; err != nil {
		return nil, fmt.Errorf("failed to set origin for %s: %w", slug, err)
	}

	r.cacheToolkit(ctx, &toolkit)
	return &toolkit, nil
}

// Delete removes the record. Builtin toolkits cannot be deleted. Deleting
// a bundled toolkit writes a removal tombstone so the seeder does not
// reinstall it on the next boot; any other origin clears a stale tombstone.
// Returns false when no record existed.
func (r *Registry) Delete(ctx context.Context, slug string) (bool, error) {
	found := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var toolkit models.Toolkit
		err := tx.First(&toolkit, "slug = ?", slug).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read toolkit %s: %w", slug, err)
		}
		if toolkit.IsBuiltin() {
			return apperrors.New(apperrors.KindInvalid, "Cannot delete builtin toolkit")
		}

		if err := tx.Delete(&toolkit).Error; err != nil {
			return fmt.Errorf("failed to delete toolkit %s: %w", slug, err)
		}

		if toolkit.Origin == models.ToolkitOriginBundled {
			removal := models.ToolkitRemoval{Slug: slug, RemovedAt: time.Now().UTC()}
			if err := tx.Save(&removal).Error; err != nil {
				return fmt.Errorf("failed to record removal for %s: %w", slug, err)
			}
		} else {
			if err := tx.Where("slug = ?", slug).Delete(&models.ToolkitRemoval{}).Error; err != nil {
				return fmt.Errorf("failed to clear removal for %s: %w", slug, err)
			}
		}

		found = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	r.logger.Info().Str("slug", slug).Msg("Toolkit deleted")
	r.evictToolkit(ctx, slug)
	return true, nil
}

// IsRemoved reports whether a removal tombstone exists for the slug.
func (r *Registry) IsRemoved(ctx context.Context, slug string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.ToolkitRemoval{}).Where("slug = ?", slug).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check removal for %s: %w", slug, err)
	}
	return count > 0, nil
}

// ClearRemoval deletes the removal tombstone for the slug, if any.
func (r *Registry) ClearRemoval(ctx context.Context, slug string) error {
	if err := r.db.WithContext(ctx).Where("slug = ?", slug).Delete(&models.ToolkitRemoval{}).Error; err != nil {
		return fmt.Errorf("failed to clear removal for %s: %w", slug, err)
	}
	return nil
}
