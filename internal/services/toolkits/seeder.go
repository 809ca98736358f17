// -----------------------------------------------------------------------
// Toolkit Seeder - Registers compiled-in bundled toolkits at startup
// -----------------------------------------------------------------------

package toolkits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ternarybob/arbor"
	"gorm.io/gorm"

	"github.com/ternarybob/toolbox/internal/interfaces"
	"github.com/ternarybob/toolbox/internal/models"
)

// Seeder reconciles the compiled-in bundled toolkits with the registry at
// startup. A version sentinel in system_settings skips the work when the
// running build already seeded; removal tombstones suppress re-seeding of
// toolkits an operator deleted.
type Seeder struct {
	db        *gorm.DB
	registry  *Registry
	activator interfaces.ToolkitActivator
	version   string
	logger    arbor.ILogger
}

// NewSeeder creates a bundled-toolkit seeder for the given build version.
func NewSeeder(db *gorm.DB, registry *Registry, activator interfaces.ToolkitActivator, version string, logger arbor.ILogger) *Seeder {
	return &Seeder{
		db:        db,
		registry:  registry,
		activator: activator,
		version:   version,
		logger:    logger,
	}
}

// Seed registers or refreshes a registry record for each bundled manifest.
// Existing records keep their enabled flag and are forced back to the
// bundled origin; tombstoned slugs are skipped. Runs once per build
// version.
func (s *Seeder) Seed(ctx context.Context, manifests []models.ToolkitManifest) error {
	seeded, err := s.sentinelVersion(ctx)
	if err != nil {
		return err
	}
	if seeded == s.version {
		s.logger.Debug().Str("version", s.version).Msg("Bundled toolkits already seeded")
		return nil
	}

	for _, manifest := range manifests {
		if err := s.seedOne(ctx, manifest); err != nil {
			return err
		}
	}

	if err := s.stampSentinel(ctx); err != nil {
		return err
	}

	s.logger.Info().
		Int("count", len(manifests)).
		Str("version", s.version).
		Msg("Bundled toolkits seeded")
	return nil
}

func (s *Seeder) seedOne(ctx context.Context, manifest models.ToolkitManifest) error {
	slug, err := NormalizeSlug(manifest.Slug)
	if err != nil {
		return fmt.Errorf("invalid bundled toolkit slug %q: %w", manifest.Slug, err)
	}

	removed, err := s.registry.IsRemoved(ctx, slug)
	if err != nil {
		return err
	}
	if removed {
		s.logger.Debug().Str("slug", slug).Msg("Skipping removed bundled toolkit")
		return nil
	}

	existing, err := s.registry.Get(ctx, slug)
	if err != nil {
		return err
	}

	create := manifestToolkitCreate(slug, manifest)

	enabled := true
	if existing != nil {
		enabled = existing.Enabled
		if existing.Origin != models.ToolkitOriginBundled {
			if _, err := s.registry.SetOrigin(ctx, slug, models.ToolkitOriginBundled); err != nil {
				return err
			}
		}

		update := models.ToolkitUpdate{
			Name:           &create.Name,
			Description:    &create.Description,
			Version:        &create.Version,
			BasePath:       &create.BasePath,
			Tags:           &create.Tags,
			Backend:        &create.Backend,
			BackendRouter:  &create.BackendRouter,
			Worker:         &create.Worker,
			WorkerRegister: &create.WorkerRegister,
			DashboardCards: &create.DashboardCards,
			DashboardMod:   &create.DashboardMod,
			DashboardAttr:  &create.DashboardAttr,
			Frontend:       &create.Frontend,
			SourceEntry:    &create.SourceEntry,
			Maintainer:     &create.Maintainer,
		}
		if manifest.Category != "" {
			update.Category = &manifest.Category
		}
		if _, err := s.registry.Update(ctx, slug, update); err != nil {
			return err
		}
	} else {
		create.Enabled = true
		if _, err := s.registry.Create(ctx, create, models.ToolkitOriginBundled); err != nil {
			return err
		}
	}

	if enabled {
		s.activator.MarkRemoved(slug)
		if err := s.activator.Activate(slug); err != nil {
			s.logger.Error().Err(err).Str("slug", slug).Msg("Bundled toolkit activation failed")
		}
	}
	return nil
}

// ActivateEnabled binds every enabled toolkit into the running process.
// Called once at startup after seeding; a broken bundle is logged without
// keeping the rest from loading.
func (s *Seeder) ActivateEnabled(ctx context.Context) error {
	toolkits, err := s.registry.List(ctx)
	if err != nil {
		return err
	}
	for _, toolkit := range toolkits {
		if !toolkit.Enabled {
			continue
		}
		if err := s.activator.Activate(toolkit.Slug); err != nil {
			s.logger.Error().Err(err).Str("slug", toolkit.Slug).Msg("Toolkit activation failed")
		}
	}
	return nil
}

// manifestToolkitCreate builds a registry create from a manifest, applying
// the same name and base path defaults as the bundle installer.
func manifestToolkitCreate(slug string, manifest models.ToolkitManifest) models.ToolkitCreate {
	name := manifest.Name
	if name == "" {
		name = defaultDisplayName(slug)
	}

	basePath := manifest.BasePath
	if basePath == "" {
		basePath = "/toolkits/" + slug
	}
	basePath = normalizeBasePath(basePath)

	return models.ToolkitCreate{
		Slug:           slug,
		Name:           name,
		Description:    manifest.Description,
		Version:        manifest.Version,
		BasePath:       basePath,
		Category:       manifest.Category,
		Tags:           manifest.Tags,
		Backend:        manifest.Backend.Module,
		BackendRouter:  manifest.Backend.RouterAttr,
		Worker:         manifest.Worker.Module,
		WorkerRegister: manifest.Worker.RegisterAttr,
		DashboardCards: manifest.DashboardCards,
		DashboardMod:   manifest.Dashboard.Module,
		DashboardAttr:  manifest.Dashboard.ContextAttr(),
		Frontend:       manifest.Frontend.Entry,
		SourceEntry:    manifest.Frontend.SourceEntry,
		Maintainer:     manifest.Maintainer,
	}
}

func (s *Seeder) sentinelVersion(ctx context.Context) (string, error) {
	var row models.SystemSetting
	err := s.db.WithContext(ctx).First(&row, "key = ?", models.SettingBundledToolkitsSeed).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read seed sentinel: %w", err)
	}

	var version string
	if err := json.Unmarshal([]byte(row.Value), &version); err != nil {
		// Unreadable sentinel means reseed.
		return "", nil
	}
	return strings.TrimSpace(version), nil
}

func (s *Seeder) stampSentinel(ctx context.Context) error {
	raw, err := json.Marshal(s.version)
	if err != nil {
		return fmt.Errorf("failed to encode seed sentinel: %w", err)
	}

	row := models.SystemSetting{Key: models.SettingBundledToolkitsSeed, Value: string(raw)}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("failed to stamp seed sentinel: %w", err)
	}
	return nil
}
