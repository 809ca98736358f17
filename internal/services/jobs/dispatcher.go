// -----------------------------------------------------------------------
// Job Dispatcher - Creates job records and hands them to the task broker
// -----------------------------------------------------------------------

package jobs

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/toolbox/internal/apperrors"
	"github.com/ternarybob/toolbox/internal/interfaces"
	"github.com/ternarybob/toolbox/internal/models"
	"github.com/ternarybob/toolbox/internal/queue"
)

// Dispatcher owns the enqueue and cancel lifecycle in front of the broker.
// Every toolkit operation funnels through Enqueue so job records never
// exist without a broker task, and cancellation bookkeeping stays in one
// place.
type Dispatcher struct {
	store  interfaces.JobStore
	bus    interfaces.TaskBus
	queue  string
	logger arbor.ILogger
}

// NewDispatcher creates a dispatcher publishing onto the default queue.
func NewDispatcher(store interfaces.JobStore, bus interfaces.TaskBus, logger arbor.ILogger) *Dispatcher {
	return &Dispatcher{
		store:  store,
		bus:    bus,
		queue:  queue.DefaultQueue,
		logger: logger,
	}
}

// Enqueue creates a queued job record, submits a run_job task for it, and
// attaches the broker task id. A broker-send failure marks the record
// failed immediately so no job sits queued with nothing coming for it.
func (d *Dispatcher) Enqueue(ctx context.Context, toolkit, operation string, payload map[string]interface{}) (*models.Job, error) {
	job, err := d.store.Create(ctx, toolkit, operation, payload)
	if err != nil {
		return nil, err
	}

	taskID, err := d.bus.Send(ctx, queue.TaskRunJob, []interface{}{job.ID}, d.queue)
	if err != nil {
		d.logger.Error().Err(err).
			Str("job_id", job.ID).
			Str("job_type", job.Type).
			Msg("Broker send failed, failing job")

		job.SetError(fmt.Sprintf("Failed to submit job to worker: %v", err))
		job.AppendLog("Failed to submit job to worker")
		if saveErr := d.store.Save(ctx, job); saveErr != nil {
			d.logger.Error().Err(saveErr).Str("job_id", job.ID).Msg("Failed to persist broker failure")
		}
		return job, apperrors.Wrap(apperrors.KindUnavailable, err, "Failed to submit job to worker")
	}

	if err := d.store.AttachTask(ctx, job, taskID); err != nil {
		return nil, err
	}

	d.logger.Info().
		Str("job_id", job.ID).
		Str("job_type", job.Type).
		Str("task_id", taskID).
		Msg("Job enqueued")

	return job, nil
}

// GetStatus returns the job or a not-found error.
func (d *Dispatcher) GetStatus(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := d.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, apperrors.New(apperrors.KindNotFound, "Job not found")
	}
	return job, nil
}

// Cancel requests cancellation of a job. Absent jobs return nil, terminal
// jobs return unchanged. Queued jobs cancel immediately; running jobs get
// a revocation signal plus a cancelling status for the handler to observe.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := d.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}
	if job.IsTerminal() {
		return job, nil
	}

	previousStatus := job.Status
	if err := d.store.MarkCancelling(ctx, job, "Cancellation requested"); err != nil {
		return nil, err
	}

	if job.TaskID != nil && *job.TaskID != "" {
		if err := d.bus.Revoke(ctx, *job.TaskID, true); err != nil {
			// The cancelling status still reaches the handler through its
			// own record polls, so a failed revoke is not fatal.
			d.logger.Warn().Err(err).
				Str("job_id", job.ID).
				Str("task_id", *job.TaskID).
				Msg("Failed to revoke broker task")
		}
	}

	if previousStatus == models.JobStatusQueued {
		if err := d.store.MarkCancelled(ctx, job, "Job cancelled before execution"); err != nil {
			return nil, err
		}
	} else {
		if err := d.store.AppendLog(ctx, job, "Cancellation signal sent to worker"); err != nil {
			return nil, err
		}
	}

	d.logger.Info().
		Str("job_id", job.ID).
		Str("previous_status", previousStatus).
		Msg("Job cancellation requested")

	return job, nil
}
