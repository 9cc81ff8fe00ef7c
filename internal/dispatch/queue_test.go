package dispatch

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// queueContract runs the same checks against every Queue implementation
func queueContract(t *testing.T, q Queue) {
	ctx := context.Background()

	t.Run("fifo", func(t *testing.T) {
		require.NoError(t, q.Push(ctx, "one"))
		require.NoError(t, q.Push(ctx, "two"))

		first, err := q.Pop(ctx, time.Second)
		require.NoError(t, err)
		second, err := q.Pop(ctx, time.Second)
		require.NoError(t, err)
		assert.Equal(t, []string{"one", "two"}, []string{first, second})

		require.NoError(t, q.Ack(ctx, first))
		require.NoError(t, q.Ack(ctx, second))
	})

	t.Run("empty", func(t *testing.T) {
		_, err := q.Pop(ctx, 50*time.Millisecond)
		assert.ErrorIs(t, err, ErrEmpty)
	})

	t.Run("delayed", func(t *testing.T) {
		require.NoError(t, q.PushAfter(ctx, "later", 200*time.Millisecond))

		_, err := q.Pop(ctx, 50*time.Millisecond)
		require.ErrorIs(t, err, ErrEmpty, "delayed item delivered early")

		time.Sleep(250 * time.Millisecond)
		id, err := q.Pop(ctx, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "later", id)
		require.NoError(t, q.Ack(ctx, id))
	})

	t.Run("recover", func(t *testing.T) {
		require.NoError(t, q.Push(ctx, "crashed"))
		id, err := q.Pop(ctx, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "crashed", id)

		moved, err := q.Recover(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, moved)

		again, err := q.Pop(ctx, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "crashed", again)
		require.NoError(t, q.Ack(ctx, again))

		moved, err = q.Recover(ctx)
		require.NoError(t, err)
		assert.Zero(t, moved)
	})
}

// lockerContract runs the same checks against every Locker implementation
func lockerContract(t *testing.T, l Locker) {
	ctx := context.Background()
	key := AccountKey(uuid.NewString())

	lock, err := l.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, key, time.Minute)
	assert.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, lock.Refresh(ctx, time.Minute))
	require.NoError(t, lock.Release(ctx))
	assert.ErrorIs(t, lock.Release(ctx), ErrLockLost)

	// Expired locks can be taken over; the old holder notices
	stale, err := l.Acquire(ctx, key, 50*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	fresh, err := l.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, stale.Refresh(ctx, time.Minute), ErrLockLost)
	assert.ErrorIs(t, stale.Release(ctx), ErrLockLost)
	require.NoError(t, fresh.Release(ctx))
}

func TestMemoryQueue(t *testing.T) {
	queueContract(t, NewMemoryQueue())
}

func TestMemoryQueue_PopHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMemoryQueue().Pop(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryLocker(t *testing.T) {
	lockerContract(t, NewMemoryLocker())
}

// redisClient connects to REDIS_ADDR or skips the test
func redisClient(t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(context.Background()).Err())
	t.Cleanup(func() { client.Close() })
	return client
}

// redisQueueName returns a fresh key prefix and removes its keys after the test
func redisQueueName(t *testing.T, client *redis.Client) string {
	t.Helper()
	name := "devmonkey-test-" + uuid.NewString()
	t.Cleanup(func() {
		ctx := context.Background()
		if keys, err := client.Keys(ctx, name+":*").Result(); err == nil && len(keys) > 0 {
			client.Del(ctx, keys...)
		}
	})
	return name
}

func TestRedisQueue(t *testing.T) {
	client := redisClient(t)
	queueContract(t, NewRedisQueue(client, redisQueueName(t, client)))
}

func TestRedisQueue_RecoverLeavesLiveConsumers(t *testing.T) {
	client := redisClient(t)
	name := redisQueueName(t, client)
	ctx := context.Background()

	live := NewRedisQueue(client, name)
	require.NoError(t, live.Push(ctx, "running"))
	id, err := live.Pop(ctx, time.Second)
	require.NoError(t, err)

	// A second worker process starts while the first is mid-task
	moved, err := NewRedisQueue(client, name).Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, moved)

	require.NoError(t, live.Ack(ctx, id))
	assert.Zero(t, client.LLen(ctx, live.processingKey(live.consumer)).Val(), "ack finds its entry")
	assert.Zero(t, client.LLen(ctx, name+":pending").Val())
}

func TestRedisQueue_RecoverTakesOverSilentConsumers(t *testing.T) {
	client := redisClient(t)
	name := redisQueueName(t, client)
	ctx := context.Background()

	crashed := NewRedisQueue(client, name, WithConsumerTTL(50*time.Millisecond))
	require.NoError(t, crashed.Push(ctx, "orphan"))
	_, err := crashed.Pop(ctx, time.Second)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	starting := NewRedisQueue(client, name, WithConsumerTTL(50*time.Millisecond))
	moved, err := starting.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	id, err := starting.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "orphan", id)
	require.NoError(t, starting.Ack(ctx, id))

	err = client.ZScore(ctx, name+":consumers", crashed.consumer).Err()
	assert.ErrorIs(t, err, redis.Nil, "stale consumer leaves the registry")
}

func TestRedisQueue_ReleaseHandsBackInFlight(t *testing.T) {
	client := redisClient(t)
	name := redisQueueName(t, client)
	ctx := context.Background()

	q := NewRedisQueue(client, name)
	require.NoError(t, q.Push(ctx, "interrupted"))
	_, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)

	moved, err := q.Release(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	id, err := NewRedisQueue(client, name).Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "interrupted", id)
}

func TestRedisThrottle(t *testing.T) {
	client := redisClient(t)
	prefix := redisQueueName(t, client) + ":throttle:"
	ctx := context.Background()
	throttle := NewRedisThrottle(client, prefix)

	none, err := throttle.NotBefore(ctx, "acc-1")
	require.NoError(t, err)
	assert.True(t, none.IsZero())

	later := time.Now().Add(time.Minute)
	require.NoError(t, throttle.Defer(ctx, "acc-1", later))
	require.NoError(t, throttle.Defer(ctx, "acc-1", time.Now().Add(time.Second)))
	require.NoError(t, throttle.Defer(ctx, "acc-1", time.Now().Add(-time.Second)))

	got, err := throttle.NotBefore(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, later.UnixMilli(), got.UnixMilli(), "the later window wins")

	ttl := client.PTTL(ctx, prefix+"acc-1").Val()
	assert.Greater(t, ttl, 50*time.Second)

	other, err := throttle.NotBefore(ctx, "acc-2")
	require.NoError(t, err)
	assert.True(t, other.IsZero())
}

func TestRedisLocker(t *testing.T) {
	lockerContract(t, NewRedisLocker(redisClient(t), "devmonkey-test:"))
}
