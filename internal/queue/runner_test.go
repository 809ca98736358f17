package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/toolbox/internal/models"
)

// memoryJobStore is an in-memory JobStore for worker tests. Records are
// stored serialized so every Get returns an independent copy, the same
// way the Redis-backed store behaves.
type memoryJobStore struct {
	mu      sync.Mutex
	records map[string][]byte
}

func newMemoryJobStore() *memoryJobStore {
	return &memoryJobStore{records: map[string][]byte{}}
}

func (m *memoryJobStore) put(job *models.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.records[job.ID] = raw
	m.mu.Unlock()
	return nil
}

func (m *memoryJobStore) Create(ctx context.Context, toolkit, operation string, payload map[string]interface{}) (*models.Job, error) {
	job := models.NewJob(toolkit, operation, payload)
	if err := m.put(job); err != nil {
		return nil, err
	}
	return job, nil
}

func (m *memoryJobStore) Save(ctx context.Context, job *models.Job) error {
	job.UpdatedAt = models.NowTimestamp()
	return m.put(job)
}

func (m *memoryJobStore) SaveKeepTimestamp(ctx context.Context, job *models.Job) error {
	return m.put(job)
}

func (m *memoryJobStore) Get(ctx context.Context, jobID string) (*models.Job, error) {
	m.mu.Lock()
	raw, ok := m.records[jobID]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	var job models.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, err
	}
	return job.Normalize(), nil
}

func (m *memoryJobStore) List(ctx context.Context, filter models.JobFilter) (*models.JobPage, error) {
	m.mu.Lock()
	jobs := make([]*models.Job, 0, len(m.records))
	for _, raw := range m.records {
		var job models.Job
		if err := json.Unmarshal(raw, &job); err != nil {
			continue
		}
		jobs = append(jobs, job.Normalize())
	}
	m.mu.Unlock()
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt > jobs[j].CreatedAt })
	return &models.JobPage{Jobs: jobs, Total: len(jobs)}, nil
}

func (m *memoryJobStore) Delete(ctx context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[jobID]; !ok {
		return false, nil
	}
	delete(m.records, jobID)
	return true, nil
}

func (m *memoryJobStore) AppendLog(ctx context.Context, job *models.Job, message string) error {
	job.AppendLog(message)
	return m.Save(ctx, job)
}

func (m *memoryJobStore) AttachTask(ctx context.Context, job *models.Job, taskID string) error {
	job.TaskID = &taskID
	return m.Save(ctx, job)
}

func (m *memoryJobStore) MarkCancelling(ctx context.Context, job *models.Job, message string) error {
	job.Status = models.JobStatusCancelling
	if message != "" {
		return m.AppendLog(ctx, job, message)
	}
	return m.Save(ctx, job)
}

func (m *memoryJobStore) MarkCancelled(ctx context.Context, job *models.Job, message string) error {
	job.Status = models.JobStatusCancelled
	if message != "" {
		return m.AppendLog(ctx, job, message)
	}
	return m.Save(ctx, job)
}

// recordingActivator captures lazy activation calls and can register
// handlers when activated, standing in for the toolkit loader.
type recordingActivator struct {
	mu         sync.Mutex
	removed    []string
	activated  []string
	onActivate func(slug string) error
}

func (a *recordingActivator) Activate(slug string) error {
	a.mu.Lock()
	a.activated = append(a.activated, slug)
	onActivate := a.onActivate
	a.mu.Unlock()
	if onActivate != nil {
		return onActivate(slug)
	}
	return nil
}

func (a *recordingActivator) MarkRemoved(slug string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.removed = append(a.removed, slug)
}

func newTestRunner(t *testing.T) (*Runner, *memoryJobStore, *HandlerRegistry, *recordingActivator, *Broker) {
	t.Helper()
	logger := arbor.NewLogger()
	store := newMemoryJobStore()
	registry := NewHandlerRegistry(logger)
	activator := &recordingActivator{}
	broker, _ := newTestBroker(t)
	runner := NewRunner(store, registry, activator, broker, logger)
	return runner, store, registry, activator, broker
}

func jobLogMessages(job *models.Job) []string {
	messages := make([]string, 0, len(job.Logs))
	for _, entry := range job.Logs {
		messages = append(messages, entry.Message)
	}
	return messages
}

func TestRunJobMissingRecord(t *testing.T) {
	runner, _, _, activator, _ := newTestRunner(t)

	err := runner.RunJob(context.Background(), "", "missing")
	require.NoError(t, err)
	assert.Empty(t, activator.activated)
}

func TestRunJobDefaultsToSucceeded(t *testing.T) {
	runner, store, registry, _, _ := newTestRunner(t)
	ctx := context.Background()

	registry.Register("zabbix.bulk_add_hosts", func(ctx context.Context, job *models.Job) error {
		job.Progress = 40
		return nil
	})

	job, err := store.Create(ctx, "zabbix", "bulk_add_hosts", nil)
	require.NoError(t, err)

	require.NoError(t, runner.RunJob(ctx, "", job.ID))

	final, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSucceeded, final.Status)
	assert.Equal(t, 100, final.Progress)
	assert.Equal(t, []string{"Job execution started", "Job completed"}, jobLogMessages(final))
}

func TestRunJobKeepsHandlerTerminalStatus(t *testing.T) {
	runner, store, registry, _, _ := newTestRunner(t)
	ctx := context.Background()

	registry.Register("zabbix.bulk_add_hosts", func(ctx context.Context, job *models.Job) error {
		job.Status = models.JobStatusFailed
		message := "validation failed"
		job.Error = &message
		return nil
	})

	job, err := store.Create(ctx, "zabbix", "bulk_add_hosts", nil)
	require.NoError(t, err)

	require.NoError(t, runner.RunJob(ctx, "", job.ID))

	final, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, final.Status)
	assert.NotContains(t, jobLogMessages(final), "Job completed")
}

func TestRunJobHandlerError(t *testing.T) {
	runner, store, registry, _, _ := newTestRunner(t)
	ctx := context.Background()

	registry.Register("zabbix.bulk_add_hosts", func(ctx context.Context, job *models.Job) error {
		return errors.New("boom")
	})

	job, err := store.Create(ctx, "zabbix", "bulk_add_hosts", nil)
	require.NoError(t, err)

	require.NoError(t, runner.RunJob(ctx, "", job.ID))

	final, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Equal(t, "boom", *final.Error)
	assert.Contains(t, jobLogMessages(final), "Error: boom")
}

func TestRunJobHandlerPanic(t *testing.T) {
	runner, store, registry, _, _ := newTestRunner(t)
	ctx := context.Background()

	registry.Register("zabbix.bulk_add_hosts", func(ctx context.Context, job *models.Job) error {
		panic("exploded")
	})

	job, err := store.Create(ctx, "zabbix", "bulk_add_hosts", nil)
	require.NoError(t, err)

	require.NoError(t, runner.RunJob(ctx, "", job.ID))

	final, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Contains(t, *final.Error, "exploded")
}

func TestRunJobNoHandler(t *testing.T) {
	runner, store, _, activator, _ := newTestRunner(t)
	ctx := context.Background()

	job, err := store.Create(ctx, "zabbix", "bulk_add_hosts", nil)
	require.NoError(t, err)

	require.NoError(t, runner.RunJob(ctx, "", job.ID))

	final, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Equal(t, "No handler registered for job type zabbix.bulk_add_hosts", *final.Error)

	// The runner gave the toolkit one reactivation chance first.
	assert.Equal(t, []string{"zabbix"}, activator.removed)
	assert.Equal(t, []string{"zabbix"}, activator.activated)
}

func TestRunJobLazyActivation(t *testing.T) {
	runner, store, registry, activator, _ := newTestRunner(t)
	ctx := context.Background()

	activator.onActivate = func(slug string) error {
		registry.Register(slug+".bulk_add_hosts", func(ctx context.Context, job *models.Job) error {
			return nil
		})
		return nil
	}

	job, err := store.Create(ctx, "zabbix", "bulk_add_hosts", nil)
	require.NoError(t, err)

	require.NoError(t, runner.RunJob(ctx, "", job.ID))

	final, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSucceeded, final.Status)
	assert.Equal(t, []string{"zabbix"}, activator.activated)
}

func TestRunJobCancellingBeforeExecution(t *testing.T) {
	runner, store, registry, _, _ := newTestRunner(t)
	ctx := context.Background()

	invoked := false
	registry.Register("zabbix.bulk_add_hosts", func(ctx context.Context, job *models.Job) error {
		invoked = true
		return nil
	})

	job, err := store.Create(ctx, "zabbix", "bulk_add_hosts", nil)
	require.NoError(t, err)
	require.NoError(t, store.MarkCancelling(ctx, job, "Cancellation requested"))

	require.NoError(t, runner.RunJob(ctx, "", job.ID))

	final, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, invoked)
	assert.Equal(t, models.JobStatusCancelled, final.Status)
	assert.Contains(t, jobLogMessages(final), "Cancellation acknowledged before execution")
}

func TestRunJobCancelledBeforeExecution(t *testing.T) {
	runner, store, registry, _, _ := newTestRunner(t)
	ctx := context.Background()

	invoked := false
	registry.Register("zabbix.bulk_add_hosts", func(ctx context.Context, job *models.Job) error {
		invoked = true
		return nil
	})

	job, err := store.Create(ctx, "zabbix", "bulk_add_hosts", nil)
	require.NoError(t, err)
	require.NoError(t, store.MarkCancelled(ctx, job, ""))

	require.NoError(t, runner.RunJob(ctx, "", job.ID))

	final, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, invoked)
	assert.Equal(t, models.JobStatusCancelled, final.Status)
}

func TestRunJobCancellationDuringExecution(t *testing.T) {
	runner, store, registry, _, _ := newTestRunner(t)
	ctx := context.Background()

	registry.Register("zabbix.bulk_add_hosts", func(ctx context.Context, job *models.Job) error {
		// Simulate a cancel arriving mid-flight, then honor it the way a
		// cooperative handler does.
		if err := store.MarkCancelling(ctx, job, "Cancellation requested"); err != nil {
			return err
		}
		return context.Canceled
	})

	job, err := store.Create(ctx, "zabbix", "bulk_add_hosts", nil)
	require.NoError(t, err)

	require.NoError(t, runner.RunJob(ctx, "", job.ID))

	final, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, final.Status)
	assert.Contains(t, jobLogMessages(final), "Cancellation acknowledged during execution")
}

func TestRunJobRevocationCancelsHandlerContext(t *testing.T) {
	runner, store, registry, _, broker := newTestRunner(t)
	ctx := context.Background()

	handlerStarted := make(chan struct{})
	registry.Register("zabbix.bulk_add_hosts", func(ctx context.Context, job *models.Job) error {
		close(handlerStarted)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return errors.New("handler was never cancelled")
		}
	})

	job, err := store.Create(ctx, "zabbix", "bulk_add_hosts", nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- runner.RunJob(ctx, "task-1", job.ID) }()

	select {
	case <-handlerStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}

	// Cancel arrives mid-flight: flag the record, then revoke the task.
	running, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, store.MarkCancelling(ctx, running, "Cancellation requested"))
	require.NoError(t, broker.Revoke(ctx, "task-1", true))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(4 * time.Second):
		t.Fatal("RunJob did not return after revocation")
	}

	final, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, final.Status)
	assert.Contains(t, jobLogMessages(final), "Cancellation acknowledged during execution")

	revoked, err := broker.IsRevoked(ctx, "task-1")
	require.NoError(t, err)
	assert.False(t, revoked, "revocation bookkeeping should be cleared")
}

func TestResolveHandlerStopsAtBlankSlug(t *testing.T) {
	runner, _, _, activator, _ := newTestRunner(t)

	_, ok := runner.resolveHandler(".orphaned")
	assert.False(t, ok)

	_, ok = runner.resolveHandler("")
	assert.False(t, ok)

	assert.Empty(t, activator.activated)
	assert.Empty(t, activator.removed)
}
