package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"gorm.io/gorm"

	"github.com/ternarybob/toolbox/internal/common"
	"github.com/ternarybob/toolbox/internal/models"
	"github.com/ternarybob/toolbox/internal/storage"
)

// pingBus stubs the task bus with scripted ping replies.
type pingBus struct {
	mu      sync.Mutex
	workers []string
	pingErr error
	pings   int
}

func (b *pingBus) Send(ctx context.Context, task string, args []interface{}, queue string) (string, error) {
	return "task-1", nil
}

func (b *pingBus) Revoke(ctx context.Context, taskID string, terminate bool) error { return nil }

func (b *pingBus) Ping(ctx context.Context, timeout time.Duration) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pings++
	if b.pingErr != nil {
		return nil, b.pingErr
	}
	return append([]string(nil), b.workers...), nil
}

func (b *pingBus) pingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pings
}

type healthStack struct {
	mr  *miniredis.Miniredis
	db  *gorm.DB
	bus *pingBus
}

func newHealthStack(t *testing.T) (*healthStack, *storage.KV) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	db, err := storage.OpenDatabase(arbor.NewLogger(), &common.DatabaseConfig{
		URL: filepath.Join(t.TempDir(), "toolbox.db"),
	})
	require.NoError(t, err)

	return &healthStack{
		mr:  mr,
		db:  db,
		bus: &pingBus{workers: []string{"celery@host-b", "celery@host-a"}},
	}, storage.NewKVWithClient(client, "sretoolbox")
}

func componentByName(t *testing.T, summary *models.HealthSummary, name string) models.ComponentHealth {
	t.Helper()
	for _, component := range summary.Components {
		if component.Component == name {
			return component
		}
	}
	t.Fatalf("component %s not found", name)
	return models.ComponentHealth{}
}

func TestRefreshAllHealthy(t *testing.T) {
	stack, kv := newHealthStack(t)
	frontend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(frontend.Close)

	svc := NewService(stack.db, stack.bus, kv, frontend.URL, arbor.NewLogger())
	summary, err := svc.Refresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.HealthHealthy, summary.Status)
	assert.Equal(t, "All core services responded within acceptable thresholds", summary.Notes)
	require.Len(t, summary.Components, 3)
	assert.Equal(t, "frontend", summary.Components[0].Component)
	assert.Equal(t, "backend", summary.Components[1].Component)
	assert.Equal(t, "worker", summary.Components[2].Component)

	backend := componentByName(t, summary, "backend")
	assert.Equal(t, models.HealthHealthy, backend.Status)
	assert.Equal(t, "Database connectivity verified", backend.Message)

	worker := componentByName(t, summary, "worker")
	assert.Equal(t, models.HealthHealthy, worker.Status)
	assert.Equal(t, "2 workers responding: celery@host-a, celery@host-b", worker.Message)

	front := componentByName(t, summary, "frontend")
	assert.Equal(t, models.HealthHealthy, front.Status)
	assert.Equal(t, "Frontend responded with HTTP 200", front.Message)

	assert.True(t, stack.mr.Exists("sretoolbox:toolbox_health:last_snapshot"))
	assert.True(t, stack.mr.Exists("sretoolbox:toolbox_health:components"))
}

func TestRefreshNoWorkersIsDown(t *testing.T) {
	stack, kv := newHealthStack(t)
	stack.bus.workers = nil

	svc := NewService(stack.db, stack.bus, kv, "", arbor.NewLogger())
	summary, err := svc.Refresh(context.Background())
	require.NoError(t, err)

	worker := componentByName(t, summary, "worker")
	assert.Equal(t, models.HealthDown, worker.Status)
	assert.Equal(t, "No Celery workers responded to ping", worker.Message)
	assert.Equal(t, models.HealthDown, summary.Status)
	assert.Equal(t, "Immediate attention required: one or more services failed health checks", summary.Notes)
}

func TestRefreshPingFailureIsDown(t *testing.T) {
	stack, kv := newHealthStack(t)
	stack.bus.pingErr = errors.New("broker timeout")

	svc := NewService(stack.db, stack.bus, kv, "", arbor.NewLogger())
	summary, err := svc.Refresh(context.Background())
	require.NoError(t, err)

	worker := componentByName(t, summary, "worker")
	assert.Equal(t, models.HealthDown, worker.Status)
	assert.Equal(t, "Celery ping failed: broker timeout", worker.Message)
}

func TestRefreshFrontendDegraded(t *testing.T) {
	stack, kv := newHealthStack(t)
	frontend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(frontend.Close)

	svc := NewService(stack.db, stack.bus, kv, frontend.URL, arbor.NewLogger())
	summary, err := svc.Refresh(context.Background())
	require.NoError(t, err)

	front := componentByName(t, summary, "frontend")
	assert.Equal(t, models.HealthDegraded, front.Status)
	assert.Equal(t, "Frontend responded with HTTP 503", front.Message)
	assert.EqualValues(t, http.StatusServiceUnavailable, front.Details["status_code"])

	// Everything else is fine, so the rollup is only degraded.
	assert.Equal(t, models.HealthDegraded, summary.Status)
	assert.Equal(t, "At least one component responded slowly or returned a warning state", summary.Notes)
}

func TestRefreshFrontendUnreachable(t *testing.T) {
	stack, kv := newHealthStack(t)
	frontend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := frontend.URL
	frontend.Close()

	svc := NewService(stack.db, stack.bus, kv, url, arbor.NewLogger())
	summary, err := svc.Refresh(context.Background())
	require.NoError(t, err)

	front := componentByName(t, summary, "frontend")
	assert.Equal(t, models.HealthDown, front.Status)
	assert.Equal(t, "Frontend is unreachable", front.Message)
	assert.Equal(t, url, front.Details["frontend_base_url"])
	assert.NotEmpty(t, front.Details["error"])
}

func TestRefreshFrontendNotConfigured(t *testing.T) {
	stack, kv := newHealthStack(t)

	svc := NewService(stack.db, stack.bus, kv, "  ", arbor.NewLogger())
	summary, err := svc.Refresh(context.Background())
	require.NoError(t, err)

	front := componentByName(t, summary, "frontend")
	assert.Equal(t, models.HealthHealthy, front.Status)
	assert.Equal(t, "No external frontend URL configured; assuming co-hosted UI", front.Message)
}

func TestRefreshDatabaseDown(t *testing.T) {
	stack, kv := newHealthStack(t)
	sqlDB, err := stack.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	svc := NewService(stack.db, stack.bus, kv, "", arbor.NewLogger())
	summary, err := svc.Refresh(context.Background())
	require.NoError(t, err)

	backend := componentByName(t, summary, "backend")
	assert.Equal(t, models.HealthDown, backend.Status)
	assert.Contains(t, backend.Message, "Database check failed:")
	assert.Equal(t, models.HealthDown, summary.Status)
}

func TestMissingHandlesReportUnknown(t *testing.T) {
	_, kv := newHealthStack(t)

	svc := NewService(nil, nil, kv, "", arbor.NewLogger())
	summary, err := svc.Refresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.HealthUnknown, componentByName(t, summary, "backend").Status)
	assert.Equal(t, "Database handle not configured", componentByName(t, summary, "backend").Message)
	assert.Equal(t, models.HealthUnknown, componentByName(t, summary, "worker").Status)
	assert.Equal(t, models.HealthUnknown, summary.Status)
	assert.Equal(t, "Component health is inconclusive; verify configuration manually", summary.Notes)
}

func TestSummaryUsesCacheUntilForced(t *testing.T) {
	stack, kv := newHealthStack(t)

	svc := NewService(stack.db, stack.bus, kv, "", arbor.NewLogger())
	ctx := context.Background()

	first, err := svc.Summary(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, models.HealthHealthy, first.Status)
	assert.Equal(t, 1, stack.bus.pingCount())

	// The bus now fails, but the cached snapshot still answers.
	stack.bus.pingErr = errors.New("broker down")
	cached, err := svc.Summary(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, models.HealthHealthy, cached.Status)
	assert.True(t, cached.CheckedAt.Equal(first.CheckedAt))
	assert.Equal(t, 1, stack.bus.pingCount())

	forced, err := svc.Summary(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, models.HealthDown, forced.Status)
	assert.Equal(t, 2, stack.bus.pingCount())
	assert.Equal(t, "Celery ping failed: broker down", componentByName(t, forced, "worker").Message)

	// The forced refresh replaced the cache.
	after, err := svc.Summary(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, models.HealthDown, after.Status)
	assert.Equal(t, 2, stack.bus.pingCount())
}

func TestComponentsEmptyBeforeFirstRefresh(t *testing.T) {
	stack, kv := newHealthStack(t)

	svc := NewService(stack.db, stack.bus, kv, "", arbor.NewLogger())
	ctx := context.Background()

	components, err := svc.Components(ctx)
	require.NoError(t, err)
	assert.Empty(t, components)

	_, err = svc.Refresh(ctx)
	require.NoError(t, err)

	components, err = svc.Components(ctx)
	require.NoError(t, err)
	assert.Len(t, components, 3)
}
