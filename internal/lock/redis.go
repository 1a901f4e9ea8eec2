package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript refreshes the TTL only if the key still holds our token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker implements Locker with Redis SET NX PX.
// Each acquisition stores a random token in the key; release and extend only
// act when the caller's token still matches, so an expired holder cannot free
// another node's lock.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLocker creates a new RedisLocker. prefix namespaces all keys.
func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{
		client: client,
		prefix: prefix,
	}
}

func (l *RedisLocker) redisKey(key string) string {
	return l.prefix + key
}

// Acquire attempts to acquire a lock.
// Returns the holder token and true if the lock was acquired, false if it's
// held by another process.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()

	err := l.client.SetArgs(ctx, l.redisKey(key), token, redis.SetArgs{Mode: "NX", TTL: ttl}).Err()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return token, true, nil
}

// AcquireWithRetry attempts to acquire a lock with retries.
func (l *RedisLocker) AcquireWithRetry(ctx context.Context, key string, ttl time.Duration, maxRetries int, retryDelay time.Duration) (string, bool, error) {
	for i := 0; i <= maxRetries; i++ {
		token, acquired, err := l.Acquire(ctx, key, ttl)
		if err != nil {
			return "", false, err
		}
		if acquired {
			return token, true, nil
		}

		if i < maxRetries {
			select {
			case <-ctx.Done():
				return "", false, ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}
	return "", false, nil
}

// Release releases a lock owned by token.
func (l *RedisLocker) Release(ctx context.Context, key, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	n, err := releaseScript.Run(ctx, l.client, []string{l.redisKey(key)}, token).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Extend extends the TTL of a lock owned by token.
func (l *RedisLocker) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if token == "" {
		return false, nil
	}
	n, err := extendScript.Run(ctx, l.client, []string{l.redisKey(key)}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// IsHeld checks if the lock is currently held by anyone.
func (l *RedisLocker) IsHeld(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Exists(ctx, l.redisKey(key)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Ensure RedisLocker implements Locker
var _ Locker = (*RedisLocker)(nil)
