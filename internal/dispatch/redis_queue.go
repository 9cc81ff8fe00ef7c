package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// promoteDue moves delayed ids whose time has come to the pending list
var promoteDue = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(due) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('LPUSH', KEYS[2], id)
end
return #due
`)

// defaultConsumerTTL is how long a consumer may go without a heartbeat
// before Recover treats its in-flight ids as abandoned
const defaultConsumerTTL = 30 * time.Second

// RedisQueue keeps pending ids in a list and delayed ids in a sorted set
// scored by due time. Every consumer pops into its own processing list
// (BRPOPLPUSH) and heartbeats into a consumer registry, so Recover only takes
// over the lists of consumers that stopped beating.
type RedisQueue struct {
	client      *redis.Client
	name        string
	pending     string
	delayed     string
	consumers   string
	consumer    string
	consumerTTL time.Duration
}

// RedisQueueOption configures a RedisQueue
type RedisQueueOption func(*RedisQueue)

// WithConsumerTTL sets how long a silent consumer keeps its in-flight ids
func WithConsumerTTL(ttl time.Duration) RedisQueueOption {
	return func(q *RedisQueue) {
		q.consumerTTL = ttl
	}
}

// NewRedisQueue creates a queue under the given key prefix with a fresh consumer identity
func NewRedisQueue(client *redis.Client, name string, opts ...RedisQueueOption) *RedisQueue {
	q := &RedisQueue{
		client:      client,
		name:        name,
		pending:     name + ":pending",
		delayed:     name + ":delayed",
		consumers:   name + ":consumers",
		consumer:    uuid.NewString(),
		consumerTTL: defaultConsumerTTL,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *RedisQueue) processingKey(consumer string) string {
	return q.name + ":processing:" + consumer
}

// Heartbeat marks this consumer alive
func (q *RedisQueue) Heartbeat(ctx context.Context) error {
	score := float64(time.Now().UnixMilli())
	if err := q.client.ZAdd(ctx, q.consumers, &redis.Z{Score: score, Member: q.consumer}).Err(); err != nil {
		return fmt.Errorf("failed to heartbeat: %w", err)
	}
	return nil
}

// KeepAlive heartbeats until ctx is cancelled. Long tasks keep their
// in-flight ids even while no worker pops.
func (q *RedisQueue) KeepAlive(ctx context.Context, logger *slog.Logger) {
	ticker := time.NewTicker(q.consumerTTL / 3)
	defer ticker.Stop()

	for {
		if err := q.Heartbeat(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("queue heartbeat failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Release hands this consumer's unacked ids back to pending and leaves the
// registry. Called on shutdown so a restart does not wait for the TTL.
func (q *RedisQueue) Release(ctx context.Context) (int, error) {
	moved, err := q.drain(ctx, q.consumer)
	if err != nil {
		return moved, err
	}
	if err := q.client.ZRem(ctx, q.consumers, q.consumer).Err(); err != nil {
		return moved, fmt.Errorf("failed to leave consumer registry: %w", err)
	}
	return moved, nil
}

func (q *RedisQueue) Push(ctx context.Context, taskID string) error {
	if err := q.client.LPush(ctx, q.pending, taskID).Err(); err != nil {
		return fmt.Errorf("failed to push task: %w", err)
	}
	return nil
}

func (q *RedisQueue) PushAfter(ctx context.Context, taskID string, delay time.Duration) error {
	due := time.Now().Add(delay).UnixMilli()
	if err := q.client.ZAdd(ctx, q.delayed, &redis.Z{Score: float64(due), Member: taskID}).Err(); err != nil {
		return fmt.Errorf("failed to schedule task: %w", err)
	}
	return nil
}

func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := promoteDue.Run(ctx, q.client, []string{q.delayed, q.pending}, now).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("failed to promote delayed tasks: %w", err)
	}

	if err := q.Heartbeat(ctx); err != nil {
		return "", err
	}

	id, err := q.client.BRPopLPush(ctx, q.pending, q.processingKey(q.consumer), timeout).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrEmpty
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("failed to pop task: %w", err)
	}
	return id, nil
}

func (q *RedisQueue) Ack(ctx context.Context, taskID string) error {
	if err := q.client.LRem(ctx, q.processingKey(q.consumer), 1, taskID).Err(); err != nil {
		return fmt.Errorf("failed to ack task: %w", err)
	}
	return nil
}

// Recover moves the in-flight ids of this consumer and of every consumer
// whose heartbeat is older than the consumer TTL back to pending. Ids held by
// live consumers are left alone.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	cutoff := strconv.FormatInt(time.Now().Add(-q.consumerTTL).UnixMilli(), 10)
	stale, err := q.client.ZRangeByScore(ctx, q.consumers, &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list stale consumers: %w", err)
	}

	moved := 0
	for _, consumer := range append(stale, q.consumer) {
		n, err := q.drain(ctx, consumer)
		moved += n
		if err != nil {
			return moved, err
		}
		if consumer != q.consumer {
			if err := q.client.ZRem(ctx, q.consumers, consumer).Err(); err != nil {
				return moved, fmt.Errorf("failed to drop stale consumer: %w", err)
			}
		}
	}
	return moved, nil
}

// drain moves one consumer's processing list back to pending
func (q *RedisQueue) drain(ctx context.Context, consumer string) (int, error) {
	moved := 0
	for {
		err := q.client.RPopLPush(ctx, q.processingKey(consumer), q.pending).Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("failed to recover tasks: %w", err)
		}
		moved++
	}
}

var _ Queue = (*RedisQueue)(nil)
