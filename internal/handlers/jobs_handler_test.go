package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/toolbox/internal/apperrors"
	"github.com/ternarybob/toolbox/internal/models"
)

// stubJobStore satisfies interfaces.JobStore; the handler only calls List.
type stubJobStore struct {
	lastFilter models.JobFilter
	page       *models.JobPage
	err        error
}

func (s *stubJobStore) Create(ctx context.Context, toolkit, operation string, payload map[string]interface{}) (*models.Job, error) {
	return models.NewJob(toolkit, operation, payload), nil
}
func (s *stubJobStore) Save(ctx context.Context, job *models.Job) error              { return nil }
func (s *stubJobStore) SaveKeepTimestamp(ctx context.Context, job *models.Job) error { return nil }
func (s *stubJobStore) Get(ctx context.Context, jobID string) (*models.Job, error)   { return nil, nil }
func (s *stubJobStore) List(ctx context.Context, filter models.JobFilter) (*models.JobPage, error) {
	s.lastFilter = filter
	if s.err != nil {
		return nil, s.err
	}
	if s.page != nil {
		return s.page, nil
	}
	return &models.JobPage{Jobs: []*models.Job{}, Total: 0}, nil
}
func (s *stubJobStore) Delete(ctx context.Context, jobID string) (bool, error) { return false, nil }
func (s *stubJobStore) AppendLog(ctx context.Context, job *models.Job, message string) error {
	return nil
}
func (s *stubJobStore) AttachTask(ctx context.Context, job *models.Job, taskID string) error {
	return nil
}
func (s *stubJobStore) MarkCancelling(ctx context.Context, job *models.Job, message string) error {
	return nil
}
func (s *stubJobStore) MarkCancelled(ctx context.Context, job *models.Job, message string) error {
	return nil
}

type stubDispatcher struct {
	enqueued  *models.Job
	statusJob *models.Job
	cancelJob *models.Job
	err       error

	lastToolkit   string
	lastOperation string
	lastPayload   map[string]interface{}
	lastJobID     string
}

func (d *stubDispatcher) Enqueue(ctx context.Context, toolkit, operation string, payload map[string]interface{}) (*models.Job, error) {
	d.lastToolkit = toolkit
	d.lastOperation = operation
	d.lastPayload = payload
	if d.err != nil {
		return nil, d.err
	}
	if d.enqueued != nil {
		return d.enqueued, nil
	}
	return models.NewJob(toolkit, operation, payload), nil
}

func (d *stubDispatcher) GetStatus(ctx context.Context, jobID string) (*models.Job, error) {
	d.lastJobID = jobID
	if d.err != nil {
		return nil, d.err
	}
	return d.statusJob, nil
}

func (d *stubDispatcher) Cancel(ctx context.Context, jobID string) (*models.Job, error) {
	d.lastJobID = jobID
	if d.err != nil {
		return nil, d.err
	}
	return d.cancelJob, nil
}

func newJobsHandler(t *testing.T) (*JobsHandler, *stubJobStore, *stubDispatcher) {
	t.Helper()
	store := &stubJobStore{}
	dispatcher := &stubDispatcher{}
	return NewJobsHandler(store, dispatcher, testLogger()), store, dispatcher
}

func TestEnqueueJobHandler(t *testing.T) {
	handler, _, dispatcher := newJobsHandler(t)

	body := `{"toolkit":"zabbix","operation":"sync_hosts","payload":{"instance":"prod"}}`
	req := httptest.NewRequest(http.MethodPost, "/jobs/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.EnqueueJobHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "zabbix", dispatcher.lastToolkit)
	assert.Equal(t, "sync_hosts", dispatcher.lastOperation)
	assert.Equal(t, map[string]interface{}{"instance": "prod"}, dispatcher.lastPayload)

	payload := decodeBody(t, rec)
	job, ok := payload["job"].(map[string]interface{})
	require.True(t, ok, "response must wrap the job")
	assert.Equal(t, "zabbix", job["toolkit"])
	assert.Equal(t, models.JobStatusQueued, job["status"])
	assert.NotEmpty(t, job["id"])
}

func TestEnqueueJobHandlerRejectsBlankFields(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing toolkit", `{"operation":"sync_hosts"}`},
		{"missing operation", `{"toolkit":"zabbix"}`},
		{"whitespace only", `{"toolkit":"  ","operation":"  "}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, _, _ := newJobsHandler(t)
			req := httptest.NewRequest(http.MethodPost, "/jobs/", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			handler.EnqueueJobHandler(rec, req)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			code, message := errorEnvelope(t, rec)
			assert.Equal(t, "invalid", code)
			assert.Equal(t, "toolkit and operation are required", message)
		})
	}
}

func TestEnqueueJobHandlerRejectsMalformedJSON(t *testing.T) {
	handler, _, _ := newJobsHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/jobs/", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	handler.EnqueueJobHandler(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	_, message := errorEnvelope(t, rec)
	assert.Equal(t, "Request body is not valid JSON", message)
}

func TestListJobsHandlerFilters(t *testing.T) {
	handler, store, _ := newJobsHandler(t)
	store.page = &models.JobPage{
		Jobs:  []*models.Job{models.NewJob("zabbix", "sync_hosts", nil)},
		Total: 41,
	}

	req := httptest.NewRequest(http.MethodGet, "/jobs/?toolkit=zabbix&status=queued,running&module=zabbix&page=3&page_size=15", nil)
	rec := httptest.NewRecorder()
	handler.ListJobsHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"zabbix"}, store.lastFilter.Toolkits)
	assert.Equal(t, []string{"queued", "running"}, store.lastFilter.Statuses)
	assert.Equal(t, []string{"zabbix"}, store.lastFilter.Modules)
	assert.Equal(t, 15, store.lastFilter.Limit)
	assert.Equal(t, 30, store.lastFilter.Offset)

	payload := decodeBody(t, rec)
	assert.Equal(t, float64(41), payload["total"])
	assert.Equal(t, float64(3), payload["page"])
	assert.Equal(t, float64(15), payload["page_size"])
	jobs, ok := payload["jobs"].([]interface{})
	require.True(t, ok)
	assert.Len(t, jobs, 1)
}

func TestListJobsHandlerDefaults(t *testing.T) {
	handler, store, _ := newJobsHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/jobs/", nil)
	rec := httptest.NewRecorder()
	handler.ListJobsHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, store.lastFilter.Toolkits)
	assert.Equal(t, 20, store.lastFilter.Limit)
	assert.Equal(t, 0, store.lastFilter.Offset)
}

func TestGetJobHandler(t *testing.T) {
	handler, _, dispatcher := newJobsHandler(t)
	job := models.NewJob("latency-sleuth", "probe", nil)
	job.Status = models.JobStatusRunning
	dispatcher.statusJob = job

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID, nil)
	rec := httptest.NewRecorder()
	handler.GetJobHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, job.ID, dispatcher.lastJobID)

	payload := decodeBody(t, rec)
	assert.Equal(t, job.ID, payload["id"])
	assert.Equal(t, models.JobStatusRunning, payload["status"])
}

func TestGetJobHandlerNotFound(t *testing.T) {
	handler, _, dispatcher := newJobsHandler(t)
	dispatcher.err = apperrors.New(apperrors.KindNotFound, "Job not found")

	req := httptest.NewRequest(http.MethodGet, "/jobs/missing", nil)
	rec := httptest.NewRecorder()
	handler.GetJobHandler(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	code, message := errorEnvelope(t, rec)
	assert.Equal(t, "not_found", code)
	assert.Equal(t, "Job not found", message)
}

func TestCancelJobHandler(t *testing.T) {
	handler, _, dispatcher := newJobsHandler(t)
	job := models.NewJob("zabbix", "sync_hosts", nil)
	job.Status = models.JobStatusCancelling
	dispatcher.cancelJob = job

	req := httptest.NewRequest(http.MethodPost, "/jobs/"+job.ID+"/cancel", nil)
	rec := httptest.NewRecorder()
	handler.CancelJobHandler(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, job.ID, dispatcher.lastJobID)

	payload := decodeBody(t, rec)
	wrapped, ok := payload["job"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, models.JobStatusCancelling, wrapped["status"])
}

func TestCancelJobHandlerUnknownJob(t *testing.T) {
	handler, _, _ := newJobsHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/jobs/missing/cancel", nil)
	rec := httptest.NewRecorder()
	handler.CancelJobHandler(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	_, message := errorEnvelope(t, rec)
	assert.Equal(t, "Job not found", message)
}
