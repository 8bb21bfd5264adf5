// Package orchestrator owns bot runtimes: the status FSM, the
// run queue with idempotent per-bot job ids, and the per-bot runner
// loop that places and reconciles orders.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"mm-control-plane/internal/metrics"
)

// Job states.
const (
	JobWaiting   = "waiting"
	JobActive    = "active"
	JobDelayed   = "delayed"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// ErrDuplicateID is returned by Add when a job with the id exists.
var ErrDuplicateID = errors.New("duplicate job id")

// Job is one queued bot run.
type Job struct {
	ID      string    `json:"id"`
	State   string    `json:"state"`
	Payload string    `json:"payload,omitempty"`
	AddedAt time.Time `json:"addedAt"`
}

// Queue is the run-queue abstraction. JobID formats as "bot-<botId>".
type Queue interface {
	GetJob(ctx context.Context, id string) (*Job, error)
	Add(ctx context.Context, id, payload string) error
	Remove(ctx context.Context, id string) error
	SetState(ctx context.Context, id, state string) error
	// Next pops the oldest waiting job and marks it active. Returns
	// nil when the queue is empty.
	Next(ctx context.Context) (*Job, error)
	// Poll reports whether this queue is the degraded poll-mode stub.
	Poll() bool
}

// JobID builds the idempotent job id for a bot.
func JobID(botID string) string {
	return "bot-" + botID
}

const (
	jobKeyPrefix = "queue:job:"
	jobListKey   = "queue:pending"
	jobTTL       = 24 * time.Hour
)

// RedisQueue is the production queue: one hash per job plus a pending
// list for FIFO dispatch.
type RedisQueue struct {
	client *redis.Client
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

func (q *RedisQueue) Poll() bool { return false }

func (q *RedisQueue) GetJob(ctx context.Context, id string) (*Job, error) {
	vals, err := q.client.HGetAll(ctx, jobKeyPrefix+id).Result()
	if err != nil {
		return nil, fmt.Errorf("queue get %s: %w", id, err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	job := &Job{ID: id, State: vals["state"], Payload: vals["payload"]}
	if ts, perr := time.Parse(time.RFC3339Nano, vals["addedAt"]); perr == nil {
		job.AddedAt = ts
	}
	return job, nil
}

func (q *RedisQueue) Add(ctx context.Context, id, payload string) error {
	key := jobKeyPrefix + id
	created, err := q.client.HSetNX(ctx, key, "state", JobWaiting).Result()
	if err != nil {
		return fmt.Errorf("queue add %s: %w", id, err)
	}
	if !created {
		return ErrDuplicateID
	}
	pipe := q.client.Pipeline()
	pipe.HSet(ctx, key, "payload", payload, "addedAt", time.Now().UTC().Format(time.RFC3339Nano))
	pipe.Expire(ctx, key, jobTTL)
	pipe.RPush(ctx, jobListKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue add %s: %w", id, err)
	}
	if depth, derr := q.client.LLen(ctx, jobListKey).Result(); derr == nil {
		metrics.QueueDepth.Set(float64(depth))
	}
	return nil
}

func (q *RedisQueue) Remove(ctx context.Context, id string) error {
	pipe := q.client.Pipeline()
	pipe.Del(ctx, jobKeyPrefix+id)
	pipe.LRem(ctx, jobListKey, 0, id)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("queue remove %s: %w", id, err)
	}
	return nil
}

func (q *RedisQueue) SetState(ctx context.Context, id, state string) error {
	if err := q.client.HSet(ctx, jobKeyPrefix+id, "state", state).Err(); err != nil {
		return fmt.Errorf("queue state %s: %w", id, err)
	}
	return nil
}

func (q *RedisQueue) Next(ctx context.Context) (*Job, error) {
	id, err := q.client.LPop(ctx, jobListKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue pop: %w", err)
	}
	if err := q.SetState(ctx, id, JobActive); err != nil {
		return nil, err
	}
	return q.GetJob(ctx, id)
}

// PollQueue is the degraded mode without an external queue: enqueue
// calls are accepted and reported as not queued; runners tick on their
// own timers instead.
type PollQueue struct{}

func (PollQueue) Poll() bool                                        { return true }
func (PollQueue) GetJob(context.Context, string) (*Job, error)      { return nil, nil }
func (PollQueue) Add(context.Context, string, string) error         { return nil }
func (PollQueue) Remove(context.Context, string) error              { return nil }
func (PollQueue) SetState(context.Context, string, string) error    { return nil }
func (PollQueue) Next(context.Context) (*Job, error)                { return nil, nil }
