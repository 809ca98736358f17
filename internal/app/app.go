// -----------------------------------------------------------------------
// Application Wiring - storage, services, bundles, and HTTP handlers
// -----------------------------------------------------------------------

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"gorm.io/gorm"

	"github.com/ternarybob/toolbox/internal/common"
	"github.com/ternarybob/toolbox/internal/handlers"
	"github.com/ternarybob/toolbox/internal/queue"
	"github.com/ternarybob/toolbox/internal/services/auth"
	"github.com/ternarybob/toolbox/internal/services/health"
	jobsvc "github.com/ternarybob/toolbox/internal/services/jobs"
	"github.com/ternarybob/toolbox/internal/services/scheduler"
	"github.com/ternarybob/toolbox/internal/services/settings"
	toolkitsvc "github.com/ternarybob/toolbox/internal/services/toolkits"
	"github.com/ternarybob/toolbox/internal/storage"
	"github.com/ternarybob/toolbox/internal/toolkits"
	"github.com/ternarybob/toolbox/internal/toolkits/latencysleuth"
	"github.com/ternarybob/toolbox/internal/toolkits/toolboxhealth"
	"github.com/ternarybob/toolbox/internal/toolkits/zabbix"
)

// startupTimeout bounds the blocking startup work (provider reload,
// bootstrap admin, toolkit seeding) so a dead dependency fails fast
// instead of hanging the process.
const startupTimeout = 30 * time.Second

// App holds all application components and dependencies. One App can run
// the HTTP API, the task workers, or both, depending on Config.Mode.
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	// Storage
	DB *gorm.DB
	KV *storage.KV

	// Job execution
	JobStore   *jobsvc.Store
	Broker     *queue.Broker
	Dispatcher *jobsvc.Dispatcher
	Workers    *queue.HandlerRegistry
	Runner     *queue.Runner
	WorkerPool *queue.WorkerPool

	// Toolkit lifecycle
	ToolkitRegistry *toolkitsvc.Registry
	Installer       *toolkitsvc.Installer
	Catalog         *toolkitsvc.Catalog
	Seeder          *toolkitsvc.Seeder
	BundleRegistry  *toolkits.Registry

	// Probe scheduling
	TemplateStore *scheduler.TemplateStore
	Scheduler     *scheduler.Scheduler

	// Cross-cutting services
	SettingsService *settings.Service
	AuthService     *auth.Service
	ProviderStore   *auth.ProviderStore
	HealthService   *health.Service

	// HTTP handlers
	HealthHandler        *handlers.HealthHandler
	DashboardHandler     *handlers.DashboardHandler
	JobsHandler          *handlers.JobsHandler
	JobEventsHandler     *handlers.JobEventsHandler
	ToolkitsHandler      *handlers.ToolkitsHandler
	AuthHandler          *handlers.AuthHandler
	AdminUsersHandler    *handlers.AdminUsersHandler
	AdminSecurityHandler *handlers.AdminSecurityHandler
	AdminSettingsHandler *handlers.AdminSettingsHandler

	workerStarted bool
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initStorage(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := app.initServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.initHandlers()

	if err := app.start(); err != nil {
		return nil, err
	}

	logger.Info().
		Str("mode", cfg.Mode).
		Bool("server", cfg.RunsServer()).
		Bool("worker", cfg.RunsWorker()).
		Msg("Application initialization complete")

	return app, nil
}

// initStorage opens Redis and the relational database. Database open also
// runs schema migrations, so everything downstream can assume the tables
// exist.
func (a *App) initStorage() error {
	kv, err := storage.NewKV(a.Logger, &a.Config.Redis)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.KV = kv

	db, err := storage.OpenDatabase(a.Logger, &a.Config.Database)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	a.DB = db

	return nil
}

// initServices initializes all business services in dependency order.
//
// JOB EXECUTION ARCHITECTURE:
// 1. Store (Redis-backed)  - shared job records for API, scheduler, workers
// 2. Broker                - Celery-format task transport over Redis lists
// 3. Dispatcher            - persists a job, then publishes its task
// 4. Runner + WorkerPool   - consume tasks and drive handlers to completion
//
// TOOLKIT ARCHITECTURE:
// 1. BundleRegistry - compiled-in bundles (routes, handlers, manifests)
// 2. Registry       - installed toolkit records in SQL with a Redis mirror
// 3. Installer      - zip bundle validation, staging, and tombstones
// 4. Catalog        - remote catalog sync and update checks
// 5. Seeder         - reconciles compiled bundles into the SQL registry
func (a *App) initServices() error {
	a.SettingsService = settings.NewService(a.DB, a.Config.Audit.RetentionDays, a.Config.Toolkits.CatalogURL, a.Logger)

	a.JobStore = jobsvc.NewStore(a.KV, a.Logger)
	a.Broker = queue.NewBroker(a.KV, a.Logger)
	a.Dispatcher = jobsvc.NewDispatcher(a.JobStore, a.Broker, a.Logger)

	a.Workers = queue.NewHandlerRegistry(a.Logger)
	a.BundleRegistry = toolkits.NewRegistry(a.Workers, a.Logger)

	a.ToolkitRegistry = toolkitsvc.NewRegistry(a.DB, a.KV, a.Logger)
	a.Installer = toolkitsvc.NewInstaller(a.ToolkitRegistry, a.BundleRegistry, &a.Config.Toolkits, a.Logger)
	a.Catalog = toolkitsvc.NewCatalog(a.DB, a.ToolkitRegistry, a.Installer, &a.Config.Toolkits, a.Logger)
	a.Seeder = toolkitsvc.NewSeeder(a.DB, a.ToolkitRegistry, a.BundleRegistry, common.GetVersion(), a.Logger)

	a.TemplateStore = scheduler.NewTemplateStore(a.KV, a.Logger)
	a.Scheduler = scheduler.NewScheduler(
		a.TemplateStore,
		a.JobStore,
		a.Broker,
		a.Logger,
		a.Config.Scheduler.TickSeconds,
		a.Config.Scheduler.StaleJobGraceSeconds,
	)

	a.HealthService = health.NewService(a.DB, a.Broker, a.KV, a.Config.Frontend.BaseURL, a.Logger)

	// Authentication stack: audit and users sit underneath the provider
	// registry, which sits underneath the session-owning service.
	audit := auth.NewAudit(a.DB, a.SettingsService, a.Logger)
	users := auth.NewUsers(a.DB, a.Logger)
	sessions := auth.NewSessionStore(a.DB)
	secrets := auth.NewSecretStore(&a.Config.Vault, a.Logger)

	tokens, err := auth.NewTokenService(&a.Config.Auth)
	if err != nil {
		return fmt.Errorf("token service: %w", err)
	}

	codec := auth.NewStateCodec(a.Config.StateSigningSecret(), time.Duration(a.Config.Auth.SSOStateTTLSeconds)*time.Second)

	registry := auth.NewRegistry(&a.Config.Auth, a.DB, a.KV, users, audit, codec, secrets, a.Logger)
	a.AuthService = auth.NewService(&a.Config.Auth, registry, tokens, sessions, users, audit, codec, a.Logger)
	a.ProviderStore = auth.NewProviderStore(a.DB, a.Logger)

	// Compiled-in bundles. Zip-installed toolkits without compiled code
	// stay manifest-only and answer 404 until a build ships their bundle.
	a.BundleRegistry.Register(zabbix.New(zabbix.NewInstanceStore(a.KV, a.Logger), a.Dispatcher, a.JobStore, a.Logger))
	a.BundleRegistry.Register(latencysleuth.New(a.TemplateStore, a.Dispatcher, a.JobStore, a.Logger))
	a.BundleRegistry.Register(toolboxhealth.New(a.HealthService, a.Logger))

	a.Runner = queue.NewRunner(a.JobStore, a.Workers, a.BundleRegistry, a.Broker, a.Logger)
	a.WorkerPool = queue.NewWorkerPool(a.Broker, a.Runner, a.Logger, a.Config.Workers.Queue, a.Config.Workers.Concurrency)

	return nil
}

// initHandlers initializes all HTTP handlers
func (a *App) initHandlers() {
	a.HealthHandler = handlers.NewHealthHandler(a.Config)

	// The events hub is wired into the job store unconditionally: in
	// worker-only mode it simply has no subscribers.
	a.JobEventsHandler = handlers.NewJobEventsHandler(a.Logger)
	a.JobStore.SetEvents(a.JobEventsHandler)

	a.JobsHandler = handlers.NewJobsHandler(a.JobStore, a.Dispatcher, a.Logger)
	a.DashboardHandler = handlers.NewDashboardHandler(a.ToolkitRegistry, a.BundleRegistry, a.JobStore, a.Logger)
	a.ToolkitsHandler = handlers.NewToolkitsHandler(
		a.ToolkitRegistry,
		a.Installer,
		a.Catalog,
		a.BundleRegistry,
		a.BundleRegistry,
		a.Dispatcher,
		a.AuthService.Audit(),
		a.Logger,
	)
	a.AuthHandler = handlers.NewAuthHandler(a.AuthService, a.Config, a.Logger)
	a.AdminUsersHandler = handlers.NewAdminUsersHandler(a.AuthService.Users(), a.AuthService.Audit(), a.Logger)
	a.AdminSecurityHandler = handlers.NewAdminSecurityHandler(
		a.ProviderStore,
		a.AuthService.Registry(),
		a.SettingsService,
		a.AuthService.Audit(),
		a.Logger,
	)
	a.AdminSettingsHandler = handlers.NewAdminSettingsHandler(a.SettingsService, a.AuthService.Audit(), a.Logger)
}

// start performs the blocking startup work, then launches the background
// loops that belong to this process mode.
func (a *App) start() error {
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	if err := a.AuthService.Registry().Reload(ctx); err != nil {
		return fmt.Errorf("failed to load auth providers: %w", err)
	}

	if _, err := a.AuthService.Users().BootstrapAdmin(ctx, &a.Config.Bootstrap, a.AuthService.Audit()); err != nil {
		return fmt.Errorf("bootstrap admin failed: %w", err)
	}

	if err := a.Seeder.Seed(ctx, a.BundleRegistry.Manifests()); err != nil {
		return fmt.Errorf("bundled toolkit seeding failed: %w", err)
	}
	if err := a.Seeder.ActivateEnabled(ctx); err != nil {
		return fmt.Errorf("toolkit activation failed: %w", err)
	}

	if a.Config.RunsWorker() {
		if err := a.WorkerPool.Start(); err != nil {
			return fmt.Errorf("worker pool failed to start: %w", err)
		}
		if err := a.Scheduler.Start(); err != nil {
			return fmt.Errorf("probe scheduler failed to start: %w", err)
		}
		if err := a.HealthService.Start(); err != nil {
			return fmt.Errorf("health refresh failed to start: %w", err)
		}
		a.workerStarted = true
		a.Logger.Debug().
			Str("queue", a.Config.Workers.Queue).
			Int("concurrency", a.Config.Workers.Concurrency).
			Msg("Worker pool, probe scheduler, and health refresh started")
	}

	return nil
}

// Close stops background loops and closes storage connections in reverse
// dependency order.
func (a *App) Close() error {
	if a.workerStarted {
		if err := a.WorkerPool.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop worker pool")
		}
		if err := a.Scheduler.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop probe scheduler")
		}
		if err := a.HealthService.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop health refresh")
		}
	}

	if a.KV != nil {
		if err := a.KV.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close Redis connection")
		}
	}

	if a.DB != nil {
		sqlDB, err := a.DB.DB()
		if err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to resolve database handle")
		} else if err := sqlDB.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close database")
		}
	}

	a.Logger.Info().Msg("Application closed")
	return nil
}
