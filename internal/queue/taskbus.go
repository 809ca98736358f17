// -----------------------------------------------------------------------
// Task Bus - Redis list broker with a Celery-compatible task envelope
// -----------------------------------------------------------------------

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/toolbox/internal/storage"
)

// Task names carried on the bus. run_job keeps the name the Python worker
// consumed so mixed fleets drain the same queue during migration.
const (
	TaskRunJob = "worker.tasks.run_job"

	// DefaultQueue is the queue the worker pool consumes.
	DefaultQueue = "default"
)

// TaskMessage is the broker envelope. Args/Kwargs mirror the Celery
// positional/keyword split; run_job uses args=[jobID].
type TaskMessage struct {
	ID     string                 `json:"id"`
	Task   string                 `json:"task"`
	Args   []interface{}          `json:"args"`
	Kwargs map[string]interface{} `json:"kwargs"`
	Queue  string                 `json:"queue"`
}

type pingRequest struct {
	ReplyTo string `json:"reply_to"`
}

// Broker moves task envelopes through Redis lists. Producers LPUSH onto the
// queue key, consumers BRPOP from it; revocations live in a set the workers
// poll; pings travel over pub/sub with replies on a per-call list.
type Broker struct {
	kv     *storage.KV
	logger arbor.ILogger
}

// NewBroker wires a broker onto the shared Redis connection.
func NewBroker(kv *storage.KV, logger arbor.ILogger) *Broker {
	return &Broker{kv: kv, logger: logger}
}

func (b *Broker) queueKey(queue string) string {
	if queue == "" {
		queue = DefaultQueue
	}
	return b.kv.Key("queue", queue)
}

func (b *Broker) revokedKey() string {
	return b.kv.Key("worker", "revoked")
}

func (b *Broker) pingChannel() string {
	return b.kv.Key("worker", "ping")
}

// Send publishes a task envelope and returns its broker task id.
func (b *Broker) Send(ctx context.Context, task string, args []interface{}, queue string) (string, error) {
	if args == nil {
		args = []interface{}{}
	}
	msg := TaskMessage{
		ID:     uuid.New().String(),
		Task:   task,
		Args:   args,
		Kwargs: map[string]interface{}{},
		Queue:  queue,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to encode task envelope: %w", err)
	}
	if err := b.kv.Client().LPush(ctx, b.queueKey(queue), data).Err(); err != nil {
		return "", fmt.Errorf("failed to publish task: %w", err)
	}
	return msg.ID, nil
}

// Receive blocks up to timeout for the next envelope on the queue. A nil
// message with nil error means the timeout elapsed with nothing to do.
func (b *Broker) Receive(ctx context.Context, queue string, timeout time.Duration) (*TaskMessage, error) {
	res, err := b.kv.Client().BRPop(ctx, timeout, b.queueKey(queue)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	// BRPOP returns [key, value]
	var msg TaskMessage
	if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
		return nil, fmt.Errorf("invalid task envelope: %w", err)
	}
	return &msg, nil
}

// Revoke flags a task id so workers cancel it. Terminate additionally asks
// the worker to cancel an already-running handler's context rather than
// just skip the task before it starts.
func (b *Broker) Revoke(ctx context.Context, taskID string, terminate bool) error {
	if err := b.kv.Client().SAdd(ctx, b.revokedKey(), taskID).Err(); err != nil {
		return fmt.Errorf("failed to revoke task: %w", err)
	}
	if terminate {
		if err := b.kv.Client().SAdd(ctx, b.kv.Key("worker", "terminate"), taskID).Err(); err != nil {
			return fmt.Errorf("failed to flag task for termination: %w", err)
		}
	}
	return nil
}

// IsRevoked reports whether the task id has been revoked.
func (b *Broker) IsRevoked(ctx context.Context, taskID string) (bool, error) {
	return b.kv.Client().SIsMember(ctx, b.revokedKey(), taskID).Result()
}

// ClearRevoked drops bookkeeping for a finished task.
func (b *Broker) ClearRevoked(ctx context.Context, taskID string) error {
	pipe := b.kv.Client().Pipeline()
	pipe.SRem(ctx, b.revokedKey(), taskID)
	pipe.SRem(ctx, b.kv.Key("worker", "terminate"), taskID)
	_, err := pipe.Exec(ctx)
	return err
}

// Ping broadcasts a control ping and collects worker names that reply
// before the timeout. No replies and no transport error means no workers
// are listening.
func (b *Broker) Ping(ctx context.Context, timeout time.Duration) ([]string, error) {
	replyKey := b.kv.Key("worker", "ping", uuid.New().String())
	payload, err := json.Marshal(pingRequest{ReplyTo: replyKey})
	if err != nil {
		return nil, err
	}
	if err := b.kv.Client().Publish(ctx, b.pingChannel(), payload).Err(); err != nil {
		return nil, fmt.Errorf("failed to publish ping: %w", err)
	}

	deadline := time.Now().Add(timeout)
	var names []string
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		res, err := b.kv.Client().BRPop(ctx, remaining, replyKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				break
			}
			return nil, err
		}
		names = append(names, res[1])
	}
	b.kv.Client().Del(context.WithoutCancel(ctx), replyKey)
	sort.Strings(names)
	return names, nil
}

// QueueLength reports the number of envelopes waiting on a queue.
func (b *Broker) QueueLength(ctx context.Context, queue string) (int64, error) {
	return b.kv.Client().LLen(ctx, b.queueKey(queue)).Result()
}

// ServePings answers control pings with the given worker names until the
// context ends. The worker pool runs this in the background.
func (b *Broker) ServePings(ctx context.Context, names []string) {
	sub := b.kv.Client().Subscribe(ctx, b.pingChannel())
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var req pingRequest
			if err := json.Unmarshal([]byte(msg.Payload), &req); err != nil || req.ReplyTo == "" {
				continue
			}
			for _, name := range names {
				if err := b.kv.Client().LPush(ctx, req.ReplyTo, name).Err(); err != nil {
					if b.logger != nil {
						b.logger.Warn().Err(err).Msg("Failed to answer worker ping")
					}
					break
				}
			}
			// Replies are short-lived; expire the list in case the caller is gone
			b.kv.Client().Expire(ctx, req.ReplyTo, time.Minute)
		}
	}
}
