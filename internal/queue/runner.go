// -----------------------------------------------------------------------
// Job Runner - Executes one job record end to end on a worker
// -----------------------------------------------------------------------

package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/toolbox/internal/interfaces"
	"github.com/ternarybob/toolbox/internal/models"
)

const revocationPollInterval = 500 * time.Millisecond

// Runner drives a job record through its handler: status transitions,
// lazy toolkit activation when a handler is missing, revocation watching,
// and final-state persistence.
type Runner struct {
	store     interfaces.JobStore
	registry  *HandlerRegistry
	activator interfaces.ToolkitActivator
	broker    *Broker
	logger    arbor.ILogger
}

// NewRunner wires a runner. The activator may be nil on processes that
// never lazy-load toolkits (tests).
func NewRunner(store interfaces.JobStore, registry *HandlerRegistry, activator interfaces.ToolkitActivator, broker *Broker, logger arbor.ILogger) *Runner {
	return &Runner{
		store:     store,
		registry:  registry,
		activator: activator,
		broker:    broker,
		logger:    logger,
	}
}

// resolveHandler finds the handler for a job type, reactivating the owning
// toolkit once when the first lookup misses. Covers toolkits installed
// after this worker process started.
func (r *Runner) resolveHandler(jobType string) (Handler, bool) {
	if handler, ok := r.registry.Resolve(jobType); ok {
		return handler, true
	}
	if jobType == "" || r.activator == nil {
		return nil, false
	}
	slug := jobType
	if idx := strings.Index(jobType, "."); idx >= 0 {
		slug = jobType[:idx]
	}
	if slug == "" {
		return nil, false
	}
	r.activator.MarkRemoved(slug)
	if err := r.activator.Activate(slug); err != nil {
		r.logger.Warn().Err(err).Str("slug", slug).Msg("Toolkit reactivation failed")
		return nil, false
	}
	return r.registry.Resolve(jobType)
}

// RunJob executes the job record named by jobID. taskID is the broker
// envelope id used for revocation watching; empty disables the watcher.
func (r *Runner) RunJob(ctx context.Context, taskID, jobID string) error {
	job, err := r.store.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	if job == nil {
		r.logger.Warn().Str("job_id", jobID).Msg("Job record missing; nothing to run")
		return nil
	}

	switch job.Status {
	case models.JobStatusCancelling:
		return r.store.MarkCancelled(ctx, job, "Cancellation acknowledged before execution")
	case models.JobStatusCancelled:
		return nil
	}

	job.Status = models.JobStatusRunning
	job.Progress = 0
	if err := r.store.Save(ctx, job); err != nil {
		return fmt.Errorf("failed to mark job running: %w", err)
	}
	if err := r.store.AppendLog(ctx, job, "Job execution started"); err != nil {
		return err
	}

	handler, ok := r.resolveHandler(job.Type)

	var handlerErr error
	if !ok {
		handlerErr = fmt.Errorf("No handler registered for job type %s", job.Type)
	} else {
		runCtx, cancel := context.WithCancel(ctx)
		if taskID != "" {
			go r.watchRevocation(runCtx, cancel, taskID)
		}
		handlerErr = r.invoke(runCtx, handler, job)
		cancel()
		if taskID != "" {
			r.broker.ClearRevoked(context.WithoutCancel(ctx), taskID)
		}
	}

	finishCtx := context.WithoutCancel(ctx)

	if handlerErr != nil {
		if errors.Is(handlerErr, context.Canceled) {
			if refreshed, getErr := r.store.Get(finishCtx, job.ID); getErr == nil && refreshed != nil {
				switch refreshed.Status {
				case models.JobStatusCancelling:
					return r.store.MarkCancelled(finishCtx, refreshed, "Cancellation acknowledged during execution")
				case models.JobStatusCancelled:
					return nil
				}
			}
		}
		message := handlerErr.Error()
		job.Status = models.JobStatusFailed
		job.Error = &message
		if err := r.store.AppendLog(finishCtx, job, "Error: "+message); err != nil {
			r.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to append error log")
		}
		return r.store.Save(finishCtx, job)
	}

	if !job.IsTerminal() {
		job.Status = models.JobStatusSucceeded
		job.Progress = 100
		if err := r.store.AppendLog(finishCtx, job, "Job completed"); err != nil {
			r.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to append completion log")
		}
	}
	return r.store.Save(finishCtx, job)
}

// invoke shields the runner from handler panics.
func (r *Runner) invoke(ctx context.Context, handler Handler, job *models.Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return handler(ctx, job)
}

// watchRevocation cancels the handler context when the task is revoked.
func (r *Runner) watchRevocation(ctx context.Context, cancel context.CancelFunc, taskID string) {
	ticker := time.NewTicker(revocationPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			revoked, err := r.broker.IsRevoked(ctx, taskID)
			if err != nil {
				continue
			}
			if revoked {
				cancel()
				return
			}
		}
	}
}
