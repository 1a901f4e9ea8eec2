package lock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// Redis tests run against a real server:
//
//	ALEXANDER_TEST_REDIS_ADDR=localhost:6379 go test ./internal/lock/...
func integrationRedisLocker(t *testing.T) *RedisLocker {
	t.Helper()
	addr := os.Getenv("ALEXANDER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ALEXANDER_TEST_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())

	return NewRedisLocker(client, "alexander-test:"+uuid.NewString()+":")
}

func TestRedisLocker_TokenOwnership(t *testing.T) {
	l := integrationRedisLocker(t)
	ctx := context.Background()
	key := Keys.UploadSession("redis")

	first, ok, err := l.Acquire(ctx, key, 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	time.Sleep(100 * time.Millisecond)

	second, ok, err := l.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	released, err := l.Release(ctx, key, first)
	require.NoError(t, err)
	require.False(t, released)

	extended, err := l.Extend(ctx, key, first, time.Minute)
	require.NoError(t, err)
	require.False(t, extended)

	held, err := l.IsHeld(ctx, key)
	require.NoError(t, err)
	require.True(t, held)

	extended, err = l.Extend(ctx, key, second, time.Minute)
	require.NoError(t, err)
	require.True(t, extended)

	released, err = l.Release(ctx, key, second)
	require.NoError(t, err)
	require.True(t, released)

	held, err = l.IsHeld(ctx, key)
	require.NoError(t, err)
	require.False(t, held)
}

func TestRedisLocker_WithLock(t *testing.T) {
	l := integrationRedisLocker(t)
	ctx := context.Background()
	key := Keys.UploadSession("redis-with-lock")

	opts := Options{TTL: 300 * time.Millisecond, MaxRetries: 0, RetryDelay: time.Millisecond}
	err := WithLock(ctx, l, key, opts, func(ctx context.Context) error {
		time.Sleep(time.Second)
		_, ok, err := l.Acquire(ctx, key, time.Minute)
		require.NoError(t, err)
		require.False(t, ok)
		return ctx.Err()
	})
	require.NoError(t, err)

	held, err := l.IsHeld(ctx, key)
	require.NoError(t, err)
	require.False(t, held)
}
