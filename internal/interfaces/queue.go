package interfaces

import (
	"context"
	"time"
)

// TaskBus is the producer side of the broker. Send publishes a task
// envelope onto a named queue and returns the broker task id; Revoke flags
// a task so workers cancel it before or during execution; Ping returns the
// names of workers that answered within the timeout.
type TaskBus interface {
	Send(ctx context.Context, task string, args []interface{}, queue string) (string, error)
	Revoke(ctx context.Context, taskID string, terminate bool) error
	Ping(ctx context.Context, timeout time.Duration) ([]string, error)
}

// ToolkitActivator binds a toolkit's compiled resources (worker handlers,
// routes) into the running process. Activate is idempotent; MarkRemoved
// clears the loaded flag so a later Activate rebinds.
type ToolkitActivator interface {
	Activate(slug string) error
	MarkRemoved(slug string)
}
