// -----------------------------------------------------------------------
// Probe Scheduler - Periodic dispatch of due latency probe templates
// -----------------------------------------------------------------------

package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/toolbox/internal/interfaces"
	"github.com/ternarybob/toolbox/internal/models"
	"github.com/ternarybob/toolbox/internal/queue"
)

const (
	// ProbeToolkit is the toolkit slug scheduled probe jobs run under.
	ProbeToolkit = "latency-sleuth"
	// OperationRunProbe is the worker operation executed per scheduled run.
	OperationRunProbe = "run_probe"
	// DefaultSampleSize is how many latency samples one probe run collects.
	DefaultSampleSize = 5

	defaultTickSeconds       = 30
	defaultStaleGraceSeconds = 120
)

// Scheduler dispatches due probe templates to the worker pool on a fixed
// tick and resubmits queued probe jobs whose broker task was lost. It runs
// on the worker process; the reservation protocol in TemplateStore keeps
// concurrent instances from double-dispatching a template.
type Scheduler struct {
	templates  *TemplateStore
	jobs       interfaces.JobStore
	bus        interfaces.TaskBus
	queue      string
	logger     arbor.ILogger
	cron       *cron.Cron
	tick       time.Duration
	staleGrace time.Duration

	mu         sync.Mutex
	registered bool
	running    bool
	ticking    bool
}

// NewScheduler wires a scheduler. Non-positive tick or grace values fall
// back to the 30 s / 120 s defaults.
func NewScheduler(templates *TemplateStore, jobs interfaces.JobStore, bus interfaces.TaskBus, logger arbor.ILogger, tickSeconds, staleGraceSeconds int) *Scheduler {
	if tickSeconds <= 0 {
		tickSeconds = defaultTickSeconds
	}
	if staleGraceSeconds <= 0 {
		staleGraceSeconds = defaultStaleGraceSeconds
	}
	return &Scheduler{
		templates:  templates,
		jobs:       jobs,
		bus:        bus,
		queue:      queue.DefaultQueue,
		logger:     logger,
		cron:       cron.New(),
		tick:       time.Duration(tickSeconds) * time.Second,
		staleGrace: time.Duration(staleGraceSeconds) * time.Second,
	}
}

// Templates exposes the template store so the toolkit routes share the
// scheduler's persistence.
func (s *Scheduler) Templates() *TemplateStore {
	return s.templates
}

// Start registers the dispatch tick exactly once per process and starts
// the cron. Before the first tick it stamps a next run on templates that
// never had one so pre-existing records begin scheduling.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logger.Debug().Msg("Probe scheduler already running, start ignored")
		return nil
	}

	if !s.registered {
		now := time.Now().UTC()
		if stamped, err := s.templates.BootstrapSchedule(context.Background(), now); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to stamp unscheduled probe templates")
		} else if stamped > 0 {
			s.logger.Info().Int("count", stamped).Msg("Stamped next run for unscheduled probe templates")
		}

		spec := fmt.Sprintf("@every %ds", int(s.tick.Seconds()))
		if _, err := s.cron.AddFunc(spec, s.runTick); err != nil {
			return fmt.Errorf("failed to schedule probe dispatch: %w", err)
		}
		s.registered = true
	}

	s.cron.Start()
	s.running = true

	s.logger.Info().
		Str("tick", s.tick.String()).
		Str("stale_grace", s.staleGrace.String()).
		Msg("Probe scheduler started")
	return nil
}

// Stop halts the tick. Jobs already dispatched keep running.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.cron.Stop()
	s.running = false

	s.logger.Info().Msg("Probe scheduler stopped")
	return nil
}

// IsRunning reports whether the tick is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// runTick executes one scheduling pass, skipping the tick when the
// previous pass is still in flight.
func (s *Scheduler) runTick() {
	s.mu.Lock()
	if s.ticking {
		s.mu.Unlock()
		s.logger.Debug().Msg("Previous scheduler pass still running, skipping tick")
		return
	}
	s.ticking = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.ticking = false
		s.mu.Unlock()
	}()

	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := s.DispatchDue(ctx, now); err != nil {
		s.logger.Warn().Err(err).Msg("Probe dispatch pass failed")
	}
	if _, err := s.ResubmitStale(ctx, now); err != nil {
		s.logger.Warn().Err(err).Msg("Stale probe sweep failed")
	}
}

// DispatchDue runs one dispatch pass over every due template and returns
// how many probe jobs it enqueued. One template failing does not stop the
// pass.
func (s *Scheduler) DispatchDue(ctx context.Context, now time.Time) (int, error) {
	due, err := s.templates.Due(ctx, now)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, tpl := range due {
		ok, err := s.dispatchTemplate(ctx, tpl, now)
		if err != nil {
			s.logger.Warn().Err(err).
				Str("template_id", tpl.ID).
				Str("template", tpl.Name).
				Msg("Probe dispatch failed")
			continue
		}
		if ok {
			dispatched++
		}
	}

	if dispatched > 0 {
		s.logger.Info().Int("count", dispatched).Msg("Scheduled probe runs dispatched")
	}
	return dispatched, nil
}

// dispatchTemplate enqueues one scheduled run. It leaves the schedule
// untouched while a previous run is still open, and only advances
// next_run_at through the reservation so concurrent schedulers dispatch at
// most one job per interval.
func (s *Scheduler) dispatchTemplate(ctx context.Context, tpl *models.ProbeTemplate, now time.Time) (bool, error) {
	open, err := s.hasOpenJob(ctx, tpl.ID)
	if err != nil {
		return false, err
	}
	if open {
		s.logger.Debug().
			Str("template_id", tpl.ID).
			Str("template", tpl.Name).
			Msg("Probe run still open, schedule left untouched")
		return false, nil
	}

	reserved, ok, err := s.templates.Reserve(ctx, tpl.ID, now)
	if err != nil || !ok {
		return false, err
	}

	job, err := s.jobs.Create(ctx, ProbeToolkit, OperationRunProbe, map[string]interface{}{
		"template_id": reserved.ID,
		"sample_size": DefaultSampleSize,
	})
	if err != nil {
		return false, err
	}
	if err := s.jobs.AppendLog(ctx, job, fmt.Sprintf("Scheduled run enqueued for probe template %s", reserved.Name)); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to append schedule log")
	}

	taskID, err := s.bus.Send(ctx, queue.TaskRunJob, []interface{}{job.ID}, s.queue)
	if err != nil {
		job.SetError(fmt.Sprintf("Failed to submit job to worker: %v", err))
		job.AppendLog("Failed to submit job to worker")
		if saveErr := s.jobs.Save(ctx, job); saveErr != nil {
			s.logger.Error().Err(saveErr).Str("job_id", job.ID).Msg("Failed to persist broker failure")
		}
		return false, fmt.Errorf("broker send for probe template %s: %w", reserved.ID, err)
	}
	if err := s.jobs.AttachTask(ctx, job, taskID); err != nil {
		return false, err
	}

	s.logger.Info().
		Str("template", reserved.Name).
		Str("job_id", job.ID).
		Str("task_id", taskID).
		Msg("Scheduled probe dispatched")
	return true, nil
}

// hasOpenJob reports whether any non-terminal probe job already targets
// the template.
func (s *Scheduler) hasOpenJob(ctx context.Context, templateID string) (bool, error) {
	page, err := s.jobs.List(ctx, models.JobFilter{
		Toolkits: []string{ProbeToolkit},
		Statuses: []string{models.JobStatusQueued, models.JobStatusRunning, models.JobStatusCancelling},
	})
	if err != nil {
		return false, err
	}

	for _, job := range page.Jobs {
		if id, _ := job.Payload["template_id"].(string); id == templateID {
			return true, nil
		}
	}
	return false, nil
}

// ResubmitStale sends a fresh broker task for queued probe jobs that have
// not moved within the grace window, compensating for broker restarts that
// drop pending tasks. Returns how many jobs were resubmitted. Reattaching
// the task id stamps updated_at, so each job is resubmitted at most once
// per grace window.
func (s *Scheduler) ResubmitStale(ctx context.Context, now time.Time) (int, error) {
	page, err := s.jobs.List(ctx, models.JobFilter{
		Toolkits: []string{ProbeToolkit},
		Statuses: []string{models.JobStatusQueued},
	})
	if err != nil {
		return 0, err
	}

	cutoff := now.Add(-s.staleGrace)
	resubmitted := 0
	for _, job := range page.Jobs {
		if job.Operation != OperationRunProbe {
			continue
		}
		lastMoved := job.UpdatedAt
		if lastMoved == "" {
			lastMoved = job.CreatedAt
		}
		movedAt, err := models.ParseTimestamp(lastMoved)
		if err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Skipping probe job with unreadable timestamp")
			continue
		}
		if movedAt.After(cutoff) {
			continue
		}

		taskID, err := s.bus.Send(ctx, queue.TaskRunJob, []interface{}{job.ID}, s.queue)
		if err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to resubmit stale probe job")
			continue
		}
		if err := s.jobs.AttachTask(ctx, job, taskID); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to reattach resubmitted task")
			continue
		}
		if err := s.jobs.AppendLog(ctx, job, fmt.Sprintf("Resubmitted queued probe to worker task %s", taskID)); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to append resubmission log")
		}

		s.logger.Info().
			Str("job_id", job.ID).
			Str("task_id", taskID).
			Msg("Stale queued probe resubmitted")
		resubmitted++
	}

	return resubmitted, nil
}
