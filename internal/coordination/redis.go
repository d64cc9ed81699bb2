// Package coordination implements the cache/coordination layer: a
// key-value store with TTL and tokenized distributed locks, with a
// process-local fallback when the backend is unavailable.
package coordination

import (
	"context"
	"errors"
	"time"

	"spot_trader/internal/core"
	"spot_trader/pkg/retry"

	"github.com/redis/go-redis/v9"
)

const lockPrefix = "lock:"

// releaseScript deletes the lock only when the holder token matches
// (atomic test-and-delete).
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)

// extendScript refreshes the TTL only when the holder token matches.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`)

// RedisCoordinator implements core.ICoordinator on go-redis.
type RedisCoordinator struct {
	client *redis.Client
	logger core.ILogger
}

// NewRedisCoordinator connects to the given address.
func NewRedisCoordinator(addr, password string, db int, logger core.ILogger) *RedisCoordinator {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisCoordinator{
		client: client,
		logger: logger.WithField("component", "redis_coordinator"),
	}
}

func (r *RedisCoordinator) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// retryableWrite marks connection-level failures worth one more attempt.
// Context expiry is the caller giving up, not the backend flaking.
func retryableWrite(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Set retries once through transient connection errors; SET with a TTL
// is idempotent so a blind re-send is safe.
func (r *RedisCoordinator) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return retry.Do(ctx, retry.OncePolicy, retryableWrite, func() error {
		return r.client.Set(ctx, key, value, ttl).Err()
	})
}

func (r *RedisCoordinator) Delete(ctx context.Context, key string) error {
	return retry.Do(ctx, retry.OncePolicy, retryableWrite, func() error {
		return r.client.Del(ctx, key).Err()
	})
}

func (r *RedisCoordinator) AcquireLock(ctx context.Context, resource, holderToken string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, lockPrefix+resource, holderToken, ttl).Result()
}

func (r *RedisCoordinator) ReleaseLock(ctx context.Context, resource, holderToken string) (bool, error) {
	res, err := releaseScript.Run(ctx, r.client, []string{lockPrefix + resource}, holderToken).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (r *RedisCoordinator) ExtendLock(ctx context.Context, resource, holderToken string, ttl time.Duration) (bool, error) {
	res, err := extendScript.Run(ctx, r.client, []string{lockPrefix + resource}, holderToken, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (r *RedisCoordinator) Healthy(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (r *RedisCoordinator) Close() error {
	return r.client.Close()
}
