package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/mixelka/devmonkey/internal/engine"
)

// deferScript stores ARGV[1] (unix ms) unless a later instant is already set.
// The key expires together with the window.
var deferScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if tonumber(ARGV[1]) > current then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 1
end
return 0
`)

// RedisThrottle keeps rate limit windows next to the account locks so every
// worker process honors them
type RedisThrottle struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisThrottle creates a throttle; keys are stored under prefix
func NewRedisThrottle(client *redis.Client, prefix string) *RedisThrottle {
	return &RedisThrottle{client: client, prefix: prefix, now: time.Now}
}

func (t *RedisThrottle) NotBefore(ctx context.Context, accountID string) (time.Time, error) {
	ms, err := t.client.Get(ctx, t.prefix+accountID).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read rate limit window: %w", err)
	}
	return time.UnixMilli(ms), nil
}

func (t *RedisThrottle) Defer(ctx context.Context, accountID string, until time.Time) error {
	ttl := until.Sub(t.now())
	if ttl <= 0 {
		return nil
	}
	// Round up so the key never expires before the window ends
	ttlMillis := ttl.Milliseconds() + 1
	err := deferScript.Run(ctx, t.client, []string{t.prefix + accountID},
		strconv.FormatInt(until.UnixMilli(), 10), ttlMillis).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to store rate limit window: %w", err)
	}
	return nil
}

var _ engine.Throttle = (*RedisThrottle)(nil)
