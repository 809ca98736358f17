// -----------------------------------------------------------------------
// Job - Shared job record persisted in the Redis job store
// -----------------------------------------------------------------------

package models

import (
	"time"

	"github.com/google/uuid"
)

// Job statuses. A job moves queued -> running -> terminal, with the
// cancelling state bridging a cancel request and its acknowledgement.
const (
	JobStatusQueued     = "queued"
	JobStatusRunning    = "running"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"
	JobStatusCancelling = "cancelling"
	JobStatusCancelled  = "cancelled"
)

// TerminalJobStatuses are the statuses a job never leaves.
var TerminalJobStatuses = map[string]bool{
	JobStatusSucceeded: true,
	JobStatusFailed:    true,
	JobStatusCancelled: true,
}

// JobLogEntry is one timestamped line in a job's log stream.
type JobLogEntry struct {
	Timestamp string `json:"ts"`
	Message   string `json:"message"`
}

// Job is the shared record every toolkit operation runs through. It is
// stored as JSON in a single Redis hash so the API, the scheduler, and the
// workers all observe the same state.
//
// Type is always "<toolkit>.<operation>". Module defaults to the toolkit
// slug at creation and exists so a toolkit can file jobs under a coarser
// grouping for dashboard filtering.
type Job struct {
	ID        string                 `json:"id"`
	Toolkit   string                 `json:"toolkit"`
	Module    string                 `json:"module"`
	Operation string                 `json:"operation"`
	Type      string                 `json:"type"`
	Payload   map[string]interface{} `json:"payload"`
	Status    string                 `json:"status"`
	Progress  int                    `json:"progress"`
	Logs      []JobLogEntry          `json:"logs"`
	Result    map[string]interface{} `json:"result"`
	Error     *string                `json:"error"`
	TaskID    *string                `json:"celery_task_id"`
	CreatedAt string                 `json:"created_at"`
	UpdatedAt string                 `json:"updated_at"`
}

// NewJob builds a queued job for a toolkit operation. The module defaults to
// the toolkit slug; callers can reassign it before saving.
func NewJob(toolkit, operation string, payload map[string]interface{}) *Job {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	now := NowTimestamp()
	return &Job{
		ID:        uuid.New().String(),
		Toolkit:   toolkit,
		Module:    toolkit,
		Operation: operation,
		Type:      toolkit + "." + operation,
		Payload:   payload,
		Status:    JobStatusQueued,
		Progress:  0,
		Logs:      []JobLogEntry{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// jobTimestampLayout keeps a fixed-width microsecond fraction so that
// lexicographic comparison of timestamps matches chronological order.
const jobTimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// NowTimestamp renders the current UTC time the way job records store it.
func NowTimestamp() string {
	return FormatTimestamp(time.Now())
}

// FormatTimestamp renders a time the way job records store timestamps.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(jobTimestampLayout)
}

// ParseTimestamp reads a job-record timestamp back into a time. Records
// written by other tooling may carry plain RFC 3339 stamps, so that layout
// is accepted as a fallback.
func ParseTimestamp(value string) (time.Time, error) {
	if ts, err := time.Parse(jobTimestampLayout, value); err == nil {
		return ts, nil
	}
	return time.Parse(time.RFC3339Nano, value)
}

// Normalize fills defaults for records written by older builds or by
// toolkits that persist partial documents.
func (j *Job) Normalize() *Job {
	if j.Payload == nil {
		j.Payload = map[string]interface{}{}
	}
	if j.Logs == nil {
		j.Logs = []JobLogEntry{}
	}
	if j.Status == "" {
		j.Status = JobStatusQueued
	}
	if j.Module == "" {
		j.Module = j.Toolkit
	}
	if j.Type == "" && j.Toolkit != "" && j.Operation != "" {
		j.Type = j.Toolkit + "." + j.Operation
	}
	if j.Progress < 0 {
		j.Progress = 0
	}
	if j.Progress > 100 {
		j.Progress = 100
	}
	if j.CreatedAt == "" {
		j.CreatedAt = NowTimestamp()
	}
	if j.UpdatedAt == "" {
		j.UpdatedAt = j.CreatedAt
	}
	return j
}

// IsTerminal reports whether the job reached a final status.
func (j *Job) IsTerminal() bool {
	return TerminalJobStatuses[j.Status]
}

// AppendLog adds a timestamped entry to the job's log stream without
// persisting it. The store's AppendLog persists as well.
func (j *Job) AppendLog(message string) {
	j.Logs = append(j.Logs, JobLogEntry{Timestamp: NowTimestamp(), Message: message})
}

// SetError records a failure message and flips the job to failed.
func (j *Job) SetError(message string) {
	j.Status = JobStatusFailed
	j.Error = &message
}

// JobFilter narrows a job listing. All populated fields must match
// (case-insensitive); empty slices match everything.
type JobFilter struct {
	Toolkits []string
	Modules  []string
	Statuses []string
	Limit    int
	Offset   int
}

// JobPage is one page of a filtered job listing plus the total count of
// matching jobs before pagination.
type JobPage struct {
	Jobs  []*Job `json:"jobs"`
	Total int    `json:"total"`
}

// JobEvent is the envelope broadcast to websocket subscribers whenever a
// job record changes.
type JobEvent struct {
	Event string `json:"event"`
	Job   *Job   `json:"job"`
}

const (
	JobEventCreated   = "job.created"
	JobEventUpdated   = "job.updated"
	JobEventDeleted   = "job.deleted"
	JobEventCancelled = "job.cancelled"
)
