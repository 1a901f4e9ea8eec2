package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryLocker_AcquireRelease(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()
	defer l.Close()

	key := Keys.UploadSession("abc")

	token, ok, err := l.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, token)

	_, ok, err = l.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	released, err := l.Release(ctx, key, "someone-else")
	require.NoError(t, err)
	require.False(t, released)

	released, err = l.Release(ctx, key, token)
	require.NoError(t, err)
	require.True(t, released)

	next, ok, err := l.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEqual(t, token, next)
}

func TestMemoryLocker_ExpiredLockCanBeTaken(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()
	defer l.Close()

	_, ok, err := l.Acquire(ctx, "k", time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(5 * time.Millisecond)

	_, ok, err = l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMemoryLocker_LapsedHolderCannotReleaseNextHolder(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()
	defer l.Close()

	now := time.Now()
	l.now = func() time.Time { return now }

	first, ok, err := l.Acquire(ctx, "k", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(20 * time.Millisecond)

	second, ok, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	released, err := l.Release(ctx, "k", first)
	require.NoError(t, err)
	require.False(t, released)

	extended, err := l.Extend(ctx, "k", first, time.Hour)
	require.NoError(t, err)
	require.False(t, extended)

	held, err := l.IsHeld(ctx, "k")
	require.NoError(t, err)
	require.True(t, held, "the second holder keeps the lock")

	released, err = l.Release(ctx, "k", second)
	require.NoError(t, err)
	require.True(t, released)
}

func TestWithLock_ReleasesAfterRun(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()
	defer l.Close()

	key := Keys.UploadSession("id")
	boom := errors.New("boom")

	err := WithLock(ctx, l, key, DefaultOptions(), func(ctx context.Context) error {
		held, err := l.IsHeld(ctx, key)
		require.NoError(t, err)
		require.True(t, held)
		return boom
	})
	require.ErrorIs(t, err, boom)

	held, err := l.IsHeld(ctx, key)
	require.NoError(t, err)
	require.False(t, held)
}

func TestWithLock_Busy(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()
	defer l.Close()

	key := Keys.SessionSweep()
	_, ok, err := l.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	err = WithLock(ctx, l, key, Options{TTL: time.Second, MaxRetries: 1, RetryDelay: time.Millisecond}, func(context.Context) error {
		t.Fatal("must not run")
		return nil
	})
	require.ErrorIs(t, err, ErrNotAcquired)
}

func TestWithLock_RenewsLeaseWhileRunning(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()
	defer l.Close()

	key := Keys.UploadSession("slow")
	opts := Options{TTL: 150 * time.Millisecond, MaxRetries: 0, RetryDelay: time.Millisecond}

	err := WithLock(ctx, l, key, opts, func(ctx context.Context) error {
		// Several TTLs pass; the lease must still be ours.
		time.Sleep(500 * time.Millisecond)

		_, ok, err := l.Acquire(ctx, key, time.Minute)
		require.NoError(t, err)
		require.False(t, ok, "a second writer must not get the key")
		return ctx.Err()
	})
	require.NoError(t, err)

	held, err := l.IsHeld(ctx, key)
	require.NoError(t, err)
	require.False(t, held)
}

func TestWithLock_LostLeaseCancelsSection(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()
	defer l.Close()

	key := Keys.UploadSession("lost")
	opts := Options{TTL: 30 * time.Millisecond, MaxRetries: 0, RetryDelay: time.Millisecond}

	var intruder string
	err := WithLock(ctx, l, key, opts, func(ctx context.Context) error {
		// Drop the lease behind the holder's back and hand the key to someone else.
		l.mu.Lock()
		delete(l.locks, key)
		l.mu.Unlock()

		token, ok, err := l.Acquire(context.Background(), key, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		intruder = token

		<-ctx.Done()
		require.ErrorIs(t, context.Cause(ctx), ErrLockLost)
		return nil
	})
	require.ErrorIs(t, err, ErrLockLost)

	// The deferred release must not free the other holder's lock.
	held, err := l.IsHeld(ctx, key)
	require.NoError(t, err)
	require.True(t, held)

	released, err := l.Release(ctx, key, intruder)
	require.NoError(t, err)
	require.True(t, released)
}

func TestMemoryLocker_Extend(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()
	defer l.Close()

	now := time.Now()
	l.now = func() time.Time { return now }

	ok, err := l.Extend(ctx, "k", "nobody", time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "cannot extend a lock nobody holds")

	token, ok, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(50 * time.Second)
	ok, err = l.Extend(ctx, "k", token, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// Past the original expiry but inside the extension.
	now = now.Add(30 * time.Second)
	held, err := l.IsHeld(ctx, "k")
	require.NoError(t, err)
	require.True(t, held)

	now = now.Add(time.Minute)
	held, err = l.IsHeld(ctx, "k")
	require.NoError(t, err)
	require.False(t, held)

	released, err := l.Release(ctx, "k", token)
	require.NoError(t, err)
	require.False(t, released)
}

func TestLock_Wrapper(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()
	defer l.Close()

	first := NewLock(l, Keys.SessionSweep())
	second := NewLock(l, Keys.SessionSweep())

	ok, err := first.Acquire(ctx, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, first.IsHeld())

	ok, err = second.Acquire(ctx, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
	require.False(t, second.IsHeld())

	// Releasing a lock that was never acquired leaves the holder alone.
	require.NoError(t, second.Release(ctx))
	held, err := l.IsHeld(ctx, Keys.SessionSweep())
	require.NoError(t, err)
	require.True(t, held)

	require.NoError(t, first.Extend(ctx, time.Minute))
	require.True(t, first.IsHeld())

	require.NoError(t, first.Release(ctx))
	require.False(t, first.IsHeld())
	held, err = l.IsHeld(ctx, Keys.SessionSweep())
	require.NoError(t, err)
	require.False(t, held)
}
