package queue

import (
	"context"
	"sort"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/toolbox/internal/models"
)

// Handler executes one job. Handlers mutate the record through the job
// store as they progress and must poll it for the cancelling status between
// units of work.
type Handler func(ctx context.Context, job *models.Job) error

// HandlerRegistry maps job types ("toolkit.operation") to handlers.
// Toolkit activation registers into it at startup and again on lazy reload.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   arbor.ILogger
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry(logger arbor.ILogger) *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

// Register binds a handler to a job type, replacing any previous binding.
func (r *HandlerRegistry) Register(jobType string, handler Handler) {
	r.mu.Lock()
	r.handlers[jobType] = handler
	r.mu.Unlock()

	if r.logger != nil {
		r.logger.Debug().Str("job_type", jobType).Msg("Job handler registered")
	}
}

// Unregister removes a job type binding.
func (r *HandlerRegistry) Unregister(jobType string) {
	r.mu.Lock()
	delete(r.handlers, jobType)
	r.mu.Unlock()
}

// Resolve returns the handler for a job type.
func (r *HandlerRegistry) Resolve(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[jobType]
	return handler, ok
}

// Types returns the registered job types, sorted.
func (r *HandlerRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for jobType := range r.handlers {
		types = append(types, jobType)
	}
	sort.Strings(types)
	return types
}
