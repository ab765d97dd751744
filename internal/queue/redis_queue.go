package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/agentd/internal/domain"
	"github.com/oriys/agentd/internal/logging"
	"github.com/oriys/agentd/internal/metrics"
)

const keyPrefix = "agentd:queue:"

// RedisQueue implements ReliableQueue on top of a single Redis list pair:
// "<prefix><name>" (pending) and "<prefix><name>:inflight" (in-flight).
//
// The atomic move on Dequeue uses BRPOPLPUSH, which performs the
// pop-tail/push-head transition as a single Redis command — the critical
// invariant that makes a crash between pop and ack recoverable from the
// in-flight list.
type RedisQueue struct {
	client  *redis.Client
	name    string
	pending string
	inFlt   string
}

// NewRedisQueue constructs a RedisQueue bound to the given queue name.
func NewRedisQueue(client *redis.Client, name string) *RedisQueue {
	return &RedisQueue{
		client:  client,
		name:    name,
		pending: keyPrefix + name,
		inFlt:   keyPrefix + name + ":inflight",
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job *domain.Job) error {
	data, err := job.Encode()
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.pending, data).Err(); err != nil {
		return err
	}
	logging.Op().Debug("queue.enqueue", "job_id", job.ID, "queue", q.name)
	metrics.RecordEnqueue()
	q.sampleDepth(ctx)
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*domain.Job, error) {
	start := time.Now()
	raw, err := q.client.BRPopLPush(ctx, q.pending, q.inFlt, timeout).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	job, err := domain.DecodeJob([]byte(raw))
	if err != nil {
		logging.Op().Error("queue.dequeue poison record", "queue", q.name, "error", err)
		return nil, ErrDecodeFailed
	}
	logging.Op().Debug("queue.dequeue", "job_id", job.ID, "queue", q.name,
		"duration_ms", time.Since(start).Milliseconds())
	metrics.RecordDequeue()
	q.sampleDepth(ctx)
	return job, nil
}

func (q *RedisQueue) Ack(ctx context.Context, job *domain.Job) error {
	data, err := job.Encode()
	if err != nil {
		return err
	}
	removed, err := q.client.LRem(ctx, q.inFlt, 1, data).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		logging.Op().Warn("queue.ack no matching in-flight record", "job_id", job.ID, "queue", q.name)
	}
	metrics.RecordAck()
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, job *domain.Job) error {
	data, err := job.Encode()
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.inFlt, 1, data)
		pipe.LPush(ctx, q.pending, data)
		return nil
	})
	if err != nil {
		return err
	}
	logging.Op().Debug("queue.nack", "job_id", job.ID, "queue", q.name)
	metrics.RecordNack()
	q.sampleDepth(ctx)
	return nil
}

func (q *RedisQueue) Peek(ctx context.Context) (*domain.Job, error) {
	raw, err := q.client.LIndex(ctx, q.pending, -1).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return domain.DecodeJob([]byte(raw))
}

func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	count := 0
	for {
		_, err := q.client.RPopLPush(ctx, q.inFlt, q.pending).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return count, err
		}
		count++
	}
	if count > 0 {
		logging.Op().Info("queue.recover", "queue", q.name, "recovered", count)
	}
	metrics.RecordRecovered(count)
	q.sampleDepth(ctx)
	return count, nil
}

// sampleDepth refreshes the queue-depth gauge after a mutating operation.
// Failures are logged but never propagated; depth sampling is best-effort
// observability, not part of any operation's correctness.
func (q *RedisQueue) sampleDepth(ctx context.Context) {
	pending, _, err := q.Stats(ctx)
	if err != nil {
		logging.Op().Debug("queue.sample_depth failed", "queue", q.name, "error", err)
		return
	}
	metrics.SetQueueDepth(pending)
}

func (q *RedisQueue) Stats(ctx context.Context) (pending, inFlight int64, err error) {
	pending, err = q.client.LLen(ctx, q.pending).Result()
	if err != nil {
		return 0, 0, err
	}
	inFlight, err = q.client.LLen(ctx, q.inFlt).Result()
	if err != nil {
		return 0, 0, err
	}
	return pending, inFlight, nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
