package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/toolbox/internal/apperrors"
	"github.com/ternarybob/toolbox/internal/models"
	"github.com/ternarybob/toolbox/internal/queue"
)

type sentTask struct {
	Task  string
	Args  []interface{}
	Queue string
}

type revokedTask struct {
	TaskID    string
	Terminate bool
}

// stubBus records broker traffic without a real Redis connection.
type stubBus struct {
	mu      sync.Mutex
	sends   []sentTask
	revokes []revokedTask
	sendErr error
	taskID  string
}

func (s *stubBus) Send(ctx context.Context, task string, args []interface{}, queueName string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return "", s.sendErr
	}
	s.sends = append(s.sends, sentTask{Task: task, Args: args, Queue: queueName})
	if s.taskID != "" {
		return s.taskID, nil
	}
	return "task-1", nil
}

func (s *stubBus) Revoke(ctx context.Context, taskID string, terminate bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revokes = append(s.revokes, revokedTask{TaskID: taskID, Terminate: terminate})
	return nil
}

func (s *stubBus) Ping(ctx context.Context, timeout time.Duration) ([]string, error) {
	return nil, nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *Store, *stubBus) {
	t.Helper()
	store := newTestStore(t)
	bus := &stubBus{}
	return NewDispatcher(store, bus, arbor.NewLogger()), store, bus
}

func logMessages(job *models.Job) []string {
	messages := make([]string, 0, len(job.Logs))
	for _, entry := range job.Logs {
		messages = append(messages, entry.Message)
	}
	return messages
}

func TestDispatcherEnqueue(t *testing.T) {
	dispatcher, store, bus := newTestDispatcher(t)
	ctx := context.Background()

	job, err := dispatcher.Enqueue(ctx, "zabbix", "bulk_add_hosts", map[string]interface{}{"rows": []interface{}{}})
	require.NoError(t, err)
	require.NotNil(t, job)

	require.Len(t, bus.sends, 1)
	assert.Equal(t, queue.TaskRunJob, bus.sends[0].Task)
	assert.Equal(t, []interface{}{job.ID}, bus.sends[0].Args)
	assert.Equal(t, queue.DefaultQueue, bus.sends[0].Queue)

	loaded, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, loaded.Status)
	require.NotNil(t, loaded.TaskID)
	assert.Equal(t, "task-1", *loaded.TaskID)
}

func TestDispatcherEnqueueBrokerFailure(t *testing.T) {
	dispatcher, store, bus := newTestDispatcher(t)
	bus.sendErr = errors.New("connection refused")
	ctx := context.Background()

	job, err := dispatcher.Enqueue(ctx, "zabbix", "bulk_add_hosts", nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindUnavailable, apperrors.KindOf(err))
	require.NotNil(t, job)

	// The record must never sit queued with no task coming for it.
	loaded, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, loaded.Status)
	require.NotNil(t, loaded.Error)
	assert.Contains(t, *loaded.Error, "connection refused")
	assert.Nil(t, loaded.TaskID)
}

func TestDispatcherGetStatus(t *testing.T) {
	dispatcher, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	job, err := dispatcher.Enqueue(ctx, "zabbix", "bulk_add_hosts", nil)
	require.NoError(t, err)

	loaded, err := dispatcher.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, loaded.ID)

	_, err = dispatcher.GetStatus(ctx, "missing")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestDispatcherCancelMissing(t *testing.T) {
	dispatcher, _, _ := newTestDispatcher(t)

	job, err := dispatcher.Cancel(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestDispatcherCancelTerminal(t *testing.T) {
	dispatcher, store, bus := newTestDispatcher(t)
	ctx := context.Background()

	job, err := dispatcher.Enqueue(ctx, "zabbix", "bulk_add_hosts", nil)
	require.NoError(t, err)
	job.Status = models.JobStatusSucceeded
	require.NoError(t, store.Save(ctx, job))

	cancelled, err := dispatcher.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSucceeded, cancelled.Status)
	assert.Empty(t, bus.revokes)
}

func TestDispatcherCancelQueued(t *testing.T) {
	dispatcher, store, bus := newTestDispatcher(t)
	ctx := context.Background()

	job, err := dispatcher.Enqueue(ctx, "zabbix", "bulk_add_hosts", nil)
	require.NoError(t, err)

	cancelled, err := dispatcher.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, cancelled.Status)

	require.Len(t, bus.revokes, 1)
	assert.Equal(t, "task-1", bus.revokes[0].TaskID)
	assert.True(t, bus.revokes[0].Terminate)

	loaded, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"Cancellation requested",
		"Job cancelled before execution",
	}, logMessages(loaded))
}

func TestDispatcherCancelRunning(t *testing.T) {
	dispatcher, store, bus := newTestDispatcher(t)
	ctx := context.Background()

	job, err := dispatcher.Enqueue(ctx, "zabbix", "bulk_add_hosts", nil)
	require.NoError(t, err)
	job.Status = models.JobStatusRunning
	require.NoError(t, store.Save(ctx, job))

	cancelled, err := dispatcher.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelling, cancelled.Status)

	require.Len(t, bus.revokes, 1)
	assert.True(t, bus.revokes[0].Terminate)

	loaded, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelling, loaded.Status)
	assert.Equal(t, []string{
		"Cancellation requested",
		"Cancellation signal sent to worker",
	}, logMessages(loaded))
}
