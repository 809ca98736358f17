// -----------------------------------------------------------------------
// Worker Pool - Consumes the task queue with N goroutines
// -----------------------------------------------------------------------

package queue

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
)

// receiveBlockTimeout bounds each BRPOP so consumers notice shutdown
// within a second without hammering Redis in between.
const receiveBlockTimeout = time.Second

// WorkerPool drains the broker queue with a fixed number of goroutines and
// answers control pings so health checks can see the fleet.
type WorkerPool struct {
	broker      *Broker
	runner      *Runner
	logger      arbor.ILogger
	queue       string
	concurrency int
	names       []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkerPool builds a pool that consumes the named queue. Worker names
// are worker-{n}@{hostname} so ping replies identify members.
func NewWorkerPool(broker *Broker, runner *Runner, logger arbor.ILogger, queue string, concurrency int) *WorkerPool {
	if concurrency <= 0 {
		concurrency = 1
	}
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}
	names := make([]string, concurrency)
	for i := range names {
		names[i] = fmt.Sprintf("worker-%d@%s", i, hostname)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		broker:      broker,
		runner:      runner,
		logger:      logger,
		queue:       queue,
		concurrency: concurrency,
		names:       names,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the consumers and the ping responder.
func (wp *WorkerPool) Start() error {
	wp.logger.Info().
		Int("concurrency", wp.concurrency).
		Str("queue", wp.queue).
		Msg("Starting worker pool")

	for i := 0; i < wp.concurrency; i++ {
		wp.wg.Add(1)
		go wp.consume(i)
	}

	wp.wg.Add(1)
	go func() {
		defer wp.wg.Done()
		wp.broker.ServePings(wp.ctx, wp.names)
	}()

	return nil
}

// Stop asks the consumers to finish their current job and waits for them.
func (wp *WorkerPool) Stop() error {
	wp.logger.Info().Msg("Stopping worker pool")
	wp.cancel()
	wp.wg.Wait()
	return nil
}

// Names returns the worker names announced in ping replies.
func (wp *WorkerPool) Names() []string {
	return append([]string(nil), wp.names...)
}

func (wp *WorkerPool) consume(workerID int) {
	defer wp.wg.Done()

	wp.logger.Debug().Int("worker_id", workerID).Msg("Worker started")

	for {
		select {
		case <-wp.ctx.Done():
			wp.logger.Debug().Int("worker_id", workerID).Msg("Worker stopped")
			return
		default:
		}

		msg, err := wp.broker.Receive(wp.ctx, wp.queue, receiveBlockTimeout)
		if err != nil {
			if wp.ctx.Err() != nil {
				return
			}
			wp.logger.Warn().Err(err).Int("worker_id", workerID).Msg("Error receiving task")
			time.Sleep(time.Second)
			continue
		}
		if msg == nil {
			continue
		}

		wp.handle(workerID, msg)
	}
}

func (wp *WorkerPool) handle(workerID int, msg *TaskMessage) {
	if revoked, err := wp.broker.IsRevoked(wp.ctx, msg.ID); err == nil && revoked {
		wp.logger.Info().
			Str("task_id", msg.ID).
			Str("task", msg.Task).
			Msg("Skipping revoked task")
		wp.broker.ClearRevoked(wp.ctx, msg.ID)
		return
	}

	switch msg.Task {
	case TaskRunJob:
		jobID := firstStringArg(msg.Args)
		if jobID == "" {
			wp.logger.Error().Str("task_id", msg.ID).Msg("run_job task missing job id argument")
			return
		}

		start := time.Now()
		err := wp.runner.RunJob(wp.ctx, msg.ID, jobID)
		duration := time.Since(start)

		if err != nil {
			wp.logger.Error().
				Err(err).
				Str("job_id", jobID).
				Int("worker_id", workerID).
				Dur("duration", duration).
				Msg("Job run failed")
			return
		}
		wp.logger.Info().
			Str("job_id", jobID).
			Int("worker_id", workerID).
			Dur("duration", duration).
			Msg("Job run finished")

	default:
		wp.logger.Warn().
			Str("task", msg.Task).
			Str("task_id", msg.ID).
			Msg("No consumer for task; dropping")
	}
}

func firstStringArg(args []interface{}) string {
	if len(args) == 0 {
		return ""
	}
	s, _ := args[0].(string)
	return s
}
