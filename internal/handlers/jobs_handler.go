package handlers

import (
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/toolbox/internal/apperrors"
	"github.com/ternarybob/toolbox/internal/interfaces"
	"github.com/ternarybob/toolbox/internal/models"
)

// JobsHandler serves the shared job API: enqueue, list, fetch, and cancel.
type JobsHandler struct {
	store      interfaces.JobStore
	dispatcher interfaces.JobDispatcher
	logger     arbor.ILogger
}

func NewJobsHandler(store interfaces.JobStore, dispatcher interfaces.JobDispatcher, logger arbor.ILogger) *JobsHandler {
	if logger == nil {
		logger = arbor.NewLogger()
	}
	return &JobsHandler{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger.WithPrefix("jobs-api"),
	}
}

type enqueueJobRequest struct {
	Toolkit   string                 `json:"toolkit"`
	Operation string                 `json:"operation"`
	Payload   map[string]interface{} `json:"payload"`
}

// EnqueueJobHandler handles POST /jobs/.
func (h *JobsHandler) EnqueueJobHandler(w http.ResponseWriter, r *http.Request) {
	var req enqueueJobRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondError(w, err)
		return
	}
	if strings.TrimSpace(req.Toolkit) == "" || strings.TrimSpace(req.Operation) == "" {
		RespondError(w, apperrors.New(apperrors.KindInvalid, "toolkit and operation are required"))
		return
	}

	job, err := h.dispatcher.Enqueue(r.Context(), req.Toolkit, req.Operation, req.Payload)
	if err != nil {
		RespondError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"job": job})
}

// ListJobsHandler handles GET /jobs/ with toolkit, module, and status
// filters plus page/page_size pagination.
func (h *JobsHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	page, pageSize := pageParams(r, 20, 100)
	filter := models.JobFilter{
		Toolkits: queryValues(r, "toolkit"),
		Modules:  queryValues(r, "module"),
		Statuses: queryValues(r, "status"),
		Limit:    pageSize,
		Offset:   (page - 1) * pageSize,
	}

	listed, err := h.store.List(r.Context(), filter)
	if err != nil {
		RespondError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":      listed.Jobs,
		"total":     listed.Total,
		"page":      page,
		"page_size": pageSize,
	})
}

// GetJobHandler handles GET /jobs/{id}.
func (h *JobsHandler) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := PathParam(r.URL.Path, "/jobs/")
	job, err := h.dispatcher.GetStatus(r.Context(), jobID)
	if err != nil {
		RespondError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// CancelJobHandler handles POST /jobs/{id}/cancel. Queued jobs finalize
// immediately; running jobs are asked to stop, hence 202.
func (h *JobsHandler) CancelJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSuffix(PathParam(r.URL.Path, "/jobs/"), "/cancel")
	job, err := h.dispatcher.Cancel(r.Context(), jobID)
	if err != nil {
		RespondError(w, err)
		return
	}
	if job == nil {
		RespondError(w, apperrors.New(apperrors.KindNotFound, "Job not found"))
		return
	}

	h.logger.Info().
		Str("job_id", job.ID).
		Str("status", job.Status).
		Msg("Job cancellation requested")
	WriteJSON(w, http.StatusAccepted, map[string]interface{}{"job": job})
}
