package interfaces

import (
	"context"

	"github.com/ternarybob/toolbox/internal/models"
)

// JobStore is the shared Redis-backed job record store. Every mutation
// persists the record; Save stamps updated_at unless told otherwise.
type JobStore interface {
	Create(ctx context.Context, toolkit, operation string, payload map[string]interface{}) (*models.Job, error)
	Save(ctx context.Context, job *models.Job) error
	SaveKeepTimestamp(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, jobID string) (*models.Job, error)
	List(ctx context.Context, filter models.JobFilter) (*models.JobPage, error)
	Delete(ctx context.Context, jobID string) (bool, error)
	AppendLog(ctx context.Context, job *models.Job, message string) error
	AttachTask(ctx context.Context, job *models.Job, taskID string) error
	MarkCancelling(ctx context.Context, job *models.Job, message string) error
	MarkCancelled(ctx context.Context, job *models.Job, message string) error
}

// JobDispatcher owns the enqueue/cancel lifecycle in front of the broker.
type JobDispatcher interface {
	Enqueue(ctx context.Context, toolkit, operation string, payload map[string]interface{}) (*models.Job, error)
	GetStatus(ctx context.Context, jobID string) (*models.Job, error)
	Cancel(ctx context.Context, jobID string) (*models.Job, error)
}

// JobEvents fans job snapshots out to live subscribers (websockets).
// Publishing must never block job processing.
type JobEvents interface {
	Publish(event string, job *models.Job)
}
