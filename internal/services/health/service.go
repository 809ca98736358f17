// -----------------------------------------------------------------------
// Health Service - Component checks with a Redis-cached rollup summary
// -----------------------------------------------------------------------

package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"gorm.io/gorm"

	"github.com/ternarybob/toolbox/internal/interfaces"
	"github.com/ternarybob/toolbox/internal/models"
	"github.com/ternarybob/toolbox/internal/storage"
)

const (
	workerPingTimeout = 2 * time.Second
	frontendTimeout   = 2500 * time.Millisecond
	refreshInterval   = 60 * time.Second

	// maxErrorLength keeps driver errors from bloating the snapshot.
	maxErrorLength = 160
)

// Service runs the component health checks and keeps the latest rollup in
// Redis so the API can answer without re-probing. The worker process
// refreshes the snapshot on a fixed interval; readers take the cache
// unless they force a refresh.
type Service struct {
	db       *gorm.DB
	bus      interfaces.TaskBus
	kv       *storage.KV
	frontend string
	client   *http.Client
	logger   arbor.ILogger
	cron     *cron.Cron

	mu      sync.Mutex
	running bool
}

// NewService wires the health checks. frontendURL may be empty when the UI
// is co-hosted; db or bus may be nil on processes without them, which
// reports those components as unknown.
func NewService(db *gorm.DB, bus interfaces.TaskBus, kv *storage.KV, frontendURL string, logger arbor.ILogger) *Service {
	return &Service{
		db:       db,
		bus:      bus,
		kv:       kv,
		frontend: strings.TrimSpace(frontendURL),
		client:   &http.Client{Timeout: frontendTimeout},
		logger:   logger,
		cron:     cron.New(),
	}
}

func (s *Service) snapshotKey() string {
	return s.kv.Key("toolbox_health", "last_snapshot")
}

func (s *Service) componentsKey() string {
	return s.kv.Key("toolbox_health", "components")
}

// Summary returns the cached snapshot, running the checks when the cache
// is empty or force is set.
func (s *Service) Summary(ctx context.Context, force bool) (*models.HealthSummary, error) {
	if !force {
		if cached := s.loadSnapshot(ctx); cached != nil {
			return cached, nil
		}
	}
	return s.Refresh(ctx)
}

// Components returns the per-component results of the last refresh, empty
// when no refresh ever ran.
func (s *Service) Components(ctx context.Context) ([]models.ComponentHealth, error) {
	raw, err := s.kv.Client().Get(ctx, s.componentsKey()).Result()
	if errors.Is(err, redis.Nil) {
		return []models.ComponentHealth{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load health components: %w", err)
	}

	var components []models.ComponentHealth
	if err := json.Unmarshal([]byte(raw), &components); err != nil {
		s.logger.Warn().Err(err).Msg("Discarding undecodable health components")
		return []models.ComponentHealth{}, nil
	}
	return components, nil
}

// Refresh runs every component check, stores the snapshot, and returns it.
// A cache write failure degrades to an uncached summary rather than an
// error.
func (s *Service) Refresh(ctx context.Context) (*models.HealthSummary, error) {
	components := s.runChecks(ctx)
	summary := &models.HealthSummary{
		Status:     models.WorstStatus(components),
		Components: components,
		CheckedAt:  time.Now().UTC(),
	}
	summary.Notes = notesFor(summary.Status)

	if err := s.saveSnapshot(ctx, summary); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to cache health snapshot")
	}

	s.logger.Debug().
		Str("status", string(summary.Status)).
		Int("components", len(components)).
		Msg("Health snapshot refreshed")
	return summary, nil
}

// runChecks probes every component concurrently; the slowest check bounds
// the refresh, not their sum.
func (s *Service) runChecks(ctx context.Context) []models.ComponentHealth {
	results := make([]models.ComponentHealth, 3)
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); results[0] = s.checkFrontend(ctx) }()
	go func() { defer wg.Done(); results[1] = s.checkDatabase(ctx) }()
	go func() { defer wg.Done(); results[2] = s.checkWorkers(ctx) }()
	wg.Wait()
	return results
}

func (s *Service) checkDatabase(ctx context.Context) models.ComponentHealth {
	if s.db == nil {
		return models.ComponentHealth{
			Component: "backend",
			Status:    models.HealthUnknown,
			Message:   "Database handle not configured",
		}
	}

	started := time.Now()
	var one int
	if err := s.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error; err != nil {
		return models.ComponentHealth{
			Component: "backend",
			Status:    models.HealthDown,
			Message:   "Database check failed: " + shortError(err),
		}
	}

	return models.ComponentHealth{
		Component: "backend",
		Status:    models.HealthHealthy,
		Message:   "Database connectivity verified",
		LatencyMs: latencySince(started),
	}
}

func (s *Service) checkWorkers(ctx context.Context) models.ComponentHealth {
	if s.bus == nil {
		return models.ComponentHealth{
			Component: "worker",
			Status:    models.HealthUnknown,
			Message:   "Task bus not configured",
		}
	}

	started := time.Now()
	workers, err := s.bus.Ping(ctx, workerPingTimeout)
	if err != nil {
		return models.ComponentHealth{
			Component: "worker",
			Status:    models.HealthDown,
			Message:   "Celery ping failed: " + shortError(err),
		}
	}
	if len(workers) == 0 {
		return models.ComponentHealth{
			Component: "worker",
			Status:    models.HealthDown,
			Message:   "No Celery workers responded to ping",
			LatencyMs: latencySince(started),
		}
	}

	names := append([]string(nil), workers...)
	sort.Strings(names)
	label := "workers"
	if len(names) == 1 {
		label = "worker"
	}

	return models.ComponentHealth{
		Component: "worker",
		Status:    models.HealthHealthy,
		Message:   fmt.Sprintf("%d %s responding: %s", len(names), label, strings.Join(names, ", ")),
		LatencyMs: latencySince(started),
		Details:   map[string]interface{}{"workers": names},
	}
}

func (s *Service) checkFrontend(ctx context.Context) models.ComponentHealth {
	if s.frontend == "" {
		return models.ComponentHealth{
			Component: "frontend",
			Status:    models.HealthHealthy,
			Message:   "No external frontend URL configured; assuming co-hosted UI",
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.frontend, nil)
	if err != nil {
		return models.ComponentHealth{
			Component: "frontend",
			Status:    models.HealthDown,
			Message:   "Frontend is unreachable",
			Details:   map[string]interface{}{"frontend_base_url": s.frontend, "error": shortError(err)},
		}
	}
	req.Header.Set("Accept", "text/html")

	started := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return models.ComponentHealth{
			Component: "frontend",
			Status:    models.HealthDown,
			Message:   "Frontend is unreachable",
			Details:   map[string]interface{}{"frontend_base_url": s.frontend, "error": shortError(err)},
		}
	}
	defer resp.Body.Close()

	status := models.HealthHealthy
	if resp.StatusCode >= 400 {
		status = models.HealthDegraded
	}

	return models.ComponentHealth{
		Component: "frontend",
		Status:    status,
		Message:   fmt.Sprintf("Frontend responded with HTTP %d", resp.StatusCode),
		LatencyMs: latencySince(started),
		Details:   map[string]interface{}{"frontend_base_url": s.frontend, "status_code": resp.StatusCode},
	}
}

// Start registers the periodic refresh on the worker process and primes
// the cache in the background when it is empty.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	spec := fmt.Sprintf("@every %ds", int(refreshInterval.Seconds()))
	if _, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), refreshInterval)
		defer cancel()
		if _, err := s.Refresh(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Periodic health refresh failed")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule health refresh: %w", err)
	}

	s.cron.Start()
	s.running = true

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), refreshInterval)
		defer cancel()
		if s.loadSnapshot(ctx) == nil {
			if _, err := s.Refresh(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("Initial health snapshot failed")
			}
		}
	}()

	s.logger.Info().Str("interval", refreshInterval.String()).Msg("Health refresh started")
	return nil
}

// Stop halts the periodic refresh.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.cron.Stop()
	s.running = false

	s.logger.Info().Msg("Health refresh stopped")
	return nil
}

// loadSnapshot returns the cached summary or nil. Undecodable snapshots
// count as a miss so one bad write cannot wedge the endpoint.
func (s *Service) loadSnapshot(ctx context.Context) *models.HealthSummary {
	raw, err := s.kv.Client().Get(ctx, s.snapshotKey()).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to load health snapshot")
		return nil
	}

	var summary models.HealthSummary
	if err := json.Unmarshal([]byte(raw), &summary); err != nil {
		s.logger.Warn().Err(err).Msg("Discarding undecodable health snapshot")
		return nil
	}
	return &summary
}

func (s *Service) saveSnapshot(ctx context.Context, summary *models.HealthSummary) error {
	rawSummary, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to encode health snapshot: %w", err)
	}
	rawComponents, err := json.Marshal(summary.Components)
	if err != nil {
		return fmt.Errorf("failed to encode health components: %w", err)
	}

	pipe := s.kv.Client().TxPipeline()
	pipe.Set(ctx, s.snapshotKey(), rawSummary, 0)
	pipe.Set(ctx, s.componentsKey(), rawComponents, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store health snapshot: %w", err)
	}
	return nil
}

func notesFor(status models.HealthStatus) string {
	switch status {
	case models.HealthHealthy:
		return "All core services responded within acceptable thresholds"
	case models.HealthDegraded:
		return "At least one component responded slowly or returned a warning state"
	case models.HealthDown:
		return "Immediate attention required: one or more services failed health checks"
	default:
		return "Component health is inconclusive; verify configuration manually"
	}
}

func latencySince(started time.Time) float64 {
	return math.Round(float64(time.Since(started).Microseconds())/10) / 100
}

func shortError(err error) string {
	message := strings.TrimSpace(err.Error())
	if message == "" {
		message = "unknown error"
	}
	if len(message) > maxErrorLength {
		message = message[:maxErrorLength-1] + "…"
	}
	return message
}
