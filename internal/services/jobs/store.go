// -----------------------------------------------------------------------
// Job Store - Redis-backed shared job records for API, scheduler, workers
// -----------------------------------------------------------------------

package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/toolbox/internal/interfaces"
	"github.com/ternarybob/toolbox/internal/models"
	"github.com/ternarybob/toolbox/internal/storage"
)

// Store keeps every job record as a JSON field of one Redis hash. The API
// process, the scheduler, and the worker pool all mutate records through
// this type so the whole-record read-modify-write contract lives in one
// place.
type Store struct {
	kv     *storage.KV
	events interfaces.JobEvents
	logger arbor.ILogger
}

// NewStore creates a job store on the shared Redis connection.
func NewStore(kv *storage.KV, logger arbor.ILogger) *Store {
	return &Store{kv: kv, logger: logger}
}

// SetEvents attaches a broadcaster for job change events. Wired after
// construction because the websocket hub is built later in startup.
func (s *Store) SetEvents(events interfaces.JobEvents) {
	s.events = events
}

func (s *Store) jobsKey() string {
	return s.kv.Key("jobs")
}

func (s *Store) publish(event string, job *models.Job) {
	if s.events == nil || job == nil {
		return
	}
	s.events.Publish(event, job)
}

// persist writes the whole record, stamping updated_at unless told not to.
func (s *Store) persist(ctx context.Context, job *models.Job, stamp bool) error {
	if stamp {
		job.UpdatedAt = models.NowTimestamp()
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}
	if err := s.kv.Client().HSet(ctx, s.jobsKey(), job.ID, raw).Err(); err != nil {
		return fmt.Errorf("failed to persist job %s: %w", job.ID, err)
	}
	return nil
}

// Create builds a queued job record and persists it.
func (s *Store) Create(ctx context.Context, toolkit, operation string, payload map[string]interface{}) (*models.Job, error) {
	job := models.NewJob(toolkit, operation, payload)
	if err := s.persist(ctx, job, false); err != nil {
		return nil, err
	}

	s.logger.Debug().
		Str("job_id", job.ID).
		Str("job_type", job.Type).
		Msg("Job record created")

	s.publish(models.JobEventCreated, job)
	return job, nil
}

// Save overwrites the record and stamps updated_at.
func (s *Store) Save(ctx context.Context, job *models.Job) error {
	if err := s.persist(ctx, job, true); err != nil {
		return err
	}
	s.publish(models.JobEventUpdated, job)
	return nil
}

// SaveKeepTimestamp overwrites the record without touching updated_at.
// Used for normalization-only rewrites of historical records.
func (s *Store) SaveKeepTimestamp(ctx context.Context, job *models.Job) error {
	if err := s.persist(ctx, job, false); err != nil {
		return err
	}
	s.publish(models.JobEventUpdated, job)
	return nil
}

// Get returns the job or nil when no record exists.
func (s *Store) Get(ctx context.Context, jobID string) (*models.Job, error) {
	raw, err := s.kv.Client().HGet(ctx, s.jobsKey(), jobID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job %s: %w", jobID, err)
	}

	var job models.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", jobID, err)
	}
	return job.Normalize(), nil
}

// List scans every record, applies case-insensitive AND filters on toolkit,
// module, and status, sorts newest-first by created_at, and pages with
// offset/limit. Total counts matches before pagination. Limit <= 0 returns
// the full filtered set.
func (s *Store) List(ctx context.Context, filter models.JobFilter) (*models.JobPage, error) {
	values, err := s.kv.Client().HVals(ctx, s.jobsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	toolkits := lowerSet(filter.Toolkits)
	modules := lowerSet(filter.Modules)
	statuses := lowerSet(filter.Statuses)

	jobs := make([]*models.Job, 0, len(values))
	for _, raw := range values {
		var job models.Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			s.logger.Warn().Err(err).Msg("Skipping undecodable job record")
			continue
		}
		job.Normalize()
		if toolkits != nil && !toolkits[strings.ToLower(job.Toolkit)] {
			continue
		}
		if modules != nil && !modules[strings.ToLower(job.Module)] {
			continue
		}
		if statuses != nil && !statuses[strings.ToLower(job.Status)] {
			continue
		}
		jobs = append(jobs, &job)
	}

	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt > jobs[j].CreatedAt
	})

	total := len(jobs)
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(jobs) {
		jobs = []*models.Job{}
	} else {
		jobs = jobs[offset:]
	}
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}

	return &models.JobPage{Jobs: jobs, Total: total}, nil
}

// Delete removes the record. Returns false when no record existed.
func (s *Store) Delete(ctx context.Context, jobID string) (bool, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return false, err
	}

	removed, err := s.kv.Client().HDel(ctx, s.jobsKey(), jobID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to delete job %s: %w", jobID, err)
	}
	if removed == 0 {
		return false, nil
	}

	s.publish(models.JobEventDeleted, job)
	return true, nil
}

// AppendLog adds a timestamped line to the job's log stream and saves.
func (s *Store) AppendLog(ctx context.Context, job *models.Job, message string) error {
	job.AppendLog(message)
	return s.Save(ctx, job)
}

// AttachTask records the broker task id assigned to the job.
func (s *Store) AttachTask(ctx context.Context, job *models.Job, taskID string) error {
	job.TaskID = &taskID
	return s.Save(ctx, job)
}

// MarkCancelling flips the job to cancelling, logging message when given.
func (s *Store) MarkCancelling(ctx context.Context, job *models.Job, message string) error {
	job.Status = models.JobStatusCancelling
	if message != "" {
		return s.AppendLog(ctx, job, message)
	}
	return s.Save(ctx, job)
}

// MarkCancelled flips the job to cancelled, logging message when given. The
// cancelled event fires instead of the plain update so subscribers can
// distinguish terminal transitions.
func (s *Store) MarkCancelled(ctx context.Context, job *models.Job, message string) error {
	job.Status = models.JobStatusCancelled
	if message != "" {
		job.AppendLog(message)
	}
	if err := s.persist(ctx, job, true); err != nil {
		return err
	}
	s.publish(models.JobEventCancelled, job)
	return nil
}

func lowerSet(values []string) map[string]bool {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[strings.ToLower(v)] = true
	}
	return set
}
