package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/toolbox/internal/models"
	"github.com/ternarybob/toolbox/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	kv := storage.NewKVWithClient(client, "sretoolbox")
	return NewStore(kv, arbor.NewLogger())
}

// recordingEvents captures published job events for assertions.
type recordingEvents struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingEvents) Publish(event string, job *models.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingEvents) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestStoreCreate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job, err := store.Create(ctx, "zabbix", "bulk_add_hosts", map[string]interface{}{"rows": []interface{}{}})
	require.NoError(t, err)
	require.NotNil(t, job)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, "zabbix", job.Toolkit)
	assert.Equal(t, "zabbix", job.Module)
	assert.Equal(t, "bulk_add_hosts", job.Operation)
	assert.Equal(t, "zabbix.bulk_add_hosts", job.Type)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.Equal(t, 0, job.Progress)
	assert.Empty(t, job.Logs)
	assert.Equal(t, job.CreatedAt, job.UpdatedAt)

	loaded, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, job.ID, loaded.ID)
	assert.Equal(t, job.Type, loaded.Type)
}

func TestStoreGetMissing(t *testing.T) {
	store := newTestStore(t)

	job, err := store.Get(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestStoreSaveStampsUpdatedAt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job, err := store.Create(ctx, "zabbix", "bulk_add_hosts", nil)
	require.NoError(t, err)

	created := job.UpdatedAt
	time.Sleep(2 * time.Millisecond)

	job.Progress = 50
	require.NoError(t, store.Save(ctx, job))
	assert.NotEqual(t, created, job.UpdatedAt)

	stamped := job.UpdatedAt
	job.Progress = 75
	require.NoError(t, store.SaveKeepTimestamp(ctx, job))
	assert.Equal(t, stamped, job.UpdatedAt)
}

func TestStoreAppendLogAndAttachTask(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job, err := store.Create(ctx, "zabbix", "bulk_add_hosts", nil)
	require.NoError(t, err)

	require.NoError(t, store.AppendLog(ctx, job, "Job execution started"))
	require.NoError(t, store.AttachTask(ctx, job, "task-123"))

	loaded, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Logs, 1)
	assert.Equal(t, "Job execution started", loaded.Logs[0].Message)
	assert.NotEmpty(t, loaded.Logs[0].Timestamp)
	require.NotNil(t, loaded.TaskID)
	assert.Equal(t, "task-123", *loaded.TaskID)
}

func TestStoreCancelTransitions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job, err := store.Create(ctx, "zabbix", "bulk_add_hosts", nil)
	require.NoError(t, err)

	require.NoError(t, store.MarkCancelling(ctx, job, "Cancellation requested"))
	assert.Equal(t, models.JobStatusCancelling, job.Status)

	require.NoError(t, store.MarkCancelled(ctx, job, "Job cancelled before execution"))
	assert.Equal(t, models.JobStatusCancelled, job.Status)

	loaded, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Logs, 2)
	assert.Equal(t, "Cancellation requested", loaded.Logs[0].Message)
	assert.Equal(t, "Job cancelled before execution", loaded.Logs[1].Message)
	assert.True(t, loaded.IsTerminal())
}

func TestStoreListFiltersAndPagination(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seed := []struct {
		toolkit   string
		operation string
		status    string
	}{
		{"zabbix", "bulk_add_hosts", models.JobStatusSucceeded},
		{"zabbix", "bulk_add_hosts", models.JobStatusFailed},
		{"latency-sleuth", "run_probe", models.JobStatusQueued},
		{"latency-sleuth", "run_probe", models.JobStatusSucceeded},
		{"toolbox-health", "refresh_health", models.JobStatusRunning},
	}
	for _, s := range seed {
		job, err := store.Create(ctx, s.toolkit, s.operation, nil)
		require.NoError(t, err)
		if s.status != models.JobStatusQueued {
			job.Status = s.status
			require.NoError(t, store.Save(ctx, job))
		}
		// Distinct created_at values keep the sort order assertable.
		time.Sleep(2 * time.Millisecond)
	}

	tests := []struct {
		name      string
		filter    models.JobFilter
		wantTotal int
		wantLen   int
	}{
		{
			name:      "no filters",
			filter:    models.JobFilter{},
			wantTotal: 5,
			wantLen:   5,
		},
		{
			name:      "toolkit filter is case-insensitive",
			filter:    models.JobFilter{Toolkits: []string{"ZABBIX"}},
			wantTotal: 2,
			wantLen:   2,
		},
		{
			name:      "module filter matches default module",
			filter:    models.JobFilter{Modules: []string{"latency-sleuth"}},
			wantTotal: 2,
			wantLen:   2,
		},
		{
			name:      "status filter",
			filter:    models.JobFilter{Statuses: []string{"succeeded"}},
			wantTotal: 2,
			wantLen:   2,
		},
		{
			name:      "filters combine with AND",
			filter:    models.JobFilter{Toolkits: []string{"latency-sleuth"}, Statuses: []string{"succeeded"}},
			wantTotal: 1,
			wantLen:   1,
		},
		{
			name:      "limit pages results but not total",
			filter:    models.JobFilter{Limit: 2},
			wantTotal: 5,
			wantLen:   2,
		},
		{
			name:      "offset skips newest",
			filter:    models.JobFilter{Offset: 4},
			wantTotal: 5,
			wantLen:   1,
		},
		{
			name:      "offset past end",
			filter:    models.JobFilter{Offset: 10},
			wantTotal: 5,
			wantLen:   0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := store.List(ctx, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.wantTotal, page.Total)
			assert.Len(t, page.Jobs, tt.wantLen)
		})
	}
}

func TestStoreListSortsNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.Create(ctx, "zabbix", "bulk_add_hosts", nil)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := store.Create(ctx, "zabbix", "bulk_add_hosts", nil)
	require.NoError(t, err)

	page, err := store.List(ctx, models.JobFilter{})
	require.NoError(t, err)
	require.Len(t, page.Jobs, 2)
	assert.Equal(t, second.ID, page.Jobs[0].ID)
	assert.Equal(t, first.ID, page.Jobs[1].ID)
}

func TestStoreDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job, err := store.Create(ctx, "zabbix", "bulk_add_hosts", nil)
	require.NoError(t, err)

	removed, err := store.Delete(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = store.Delete(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, removed)

	loaded, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestStorePublishesEvents(t *testing.T) {
	store := newTestStore(t)
	events := &recordingEvents{}
	store.SetEvents(events)
	ctx := context.Background()

	job, err := store.Create(ctx, "zabbix", "bulk_add_hosts", nil)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, job))
	require.NoError(t, store.MarkCancelled(ctx, job, "Job cancelled before execution"))
	_, err = store.Delete(ctx, job.ID)
	require.NoError(t, err)

	assert.Equal(t, []string{
		models.JobEventCreated,
		models.JobEventUpdated,
		models.JobEventCancelled,
		models.JobEventDeleted,
	}, events.all())
}

func TestStoreNormalizesLegacyRecords(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Simulate a partial record written by an older build.
	raw := `{"id":"legacy-1","toolkit":"zabbix","operation":"bulk_add_hosts","created_at":"2024-01-01T00:00:00Z"}`
	require.NoError(t, store.kv.Client().HSet(ctx, store.jobsKey(), "legacy-1", raw).Err())

	job, err := store.Get(ctx, "legacy-1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.Equal(t, "zabbix", job.Module)
	assert.Equal(t, "zabbix.bulk_add_hosts", job.Type)
	assert.NotNil(t, job.Payload)
	assert.NotNil(t, job.Logs)
	assert.Equal(t, "2024-01-01T00:00:00Z", job.UpdatedAt)
}
