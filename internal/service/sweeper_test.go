package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/alexander-drives/internal/domain"
	"github.com/prn-tf/alexander-drives/internal/lock"
)

func newTestSweeper(env *testEnv, config SweeperConfig) *SessionSweeper {
	return NewSessionSweeper(env.sessions, env.parts, env.mounts, &fakeDrivers{d: env.drv}, env.locker, nil, zerolog.Nop(), config)
}

func expireSeeded(env *testEnv, sess *domain.UploadSession) {
	past := time.Now().Add(-time.Minute).UTC()
	sess.ExpiresAt = &past
	env.sessions.put(sess)
}

func TestSessionSweeper_RunOnce(t *testing.T) {
	env := newTestEnv(t, domain.StorageTypeS3, domain.StrategyChunked)
	sw := newTestSweeper(env, DefaultSweeperConfig())
	ctx := context.Background()

	stale := env.seedSession(t, 1000, 300, domain.StrategyChunked)
	expireSeeded(env, stale)
	require.NoError(t, env.parts.Upsert(ctx, domain.NewUploadPart(stale.ID, 1, 0, 300)))

	fresh := env.seedSession(t, 1000, 300, domain.StrategyChunked)

	old := env.seedSession(t, 10, 300, domain.StrategyChunked)
	old.Status = domain.UploadStatusCompleted
	old.UpdatedAt = time.Now().Add(-8 * 24 * time.Hour)
	env.sessions.put(old)

	env.drv.On("AbortSession", mock.Anything, mock.Anything).Return(nil)

	result := sw.RunOnce(ctx)
	assert.Equal(t, 1, result.Expired)
	assert.Equal(t, 1, result.Released)
	assert.Equal(t, 1, result.Deleted)
	assert.Equal(t, 0, result.Errors)

	row := env.sessions.get(stale.ID)
	assert.Equal(t, domain.UploadStatusError, row.Status)
	assert.Equal(t, domain.ErrorCodeSessionExpired, row.ErrorCode)

	parts, err := env.parts.ListByUpload(ctx, stale.ID)
	require.NoError(t, err)
	assert.Empty(t, parts)

	assert.Equal(t, domain.UploadStatusInitiated, env.sessions.get(fresh.ID).Status)
	_, err = env.sessions.GetByID(ctx, old.ID)
	assert.ErrorIs(t, err, domain.ErrUploadSessionNotFound)

	env.drv.AssertNumberOfCalls(t, "AbortSession", 1)
}

func TestSessionSweeper_ProviderReleaseIsBestEffort(t *testing.T) {
	env := newTestEnv(t, domain.StorageTypeOneDrive, domain.StrategySingleSession)
	sw := newTestSweeper(env, SweeperConfig{Interval: time.Minute})

	sess := env.seedSession(t, 1000, 320, domain.StrategySingleSession)
	expireSeeded(env, sess)

	env.drv.On("AbortSession", mock.Anything, mock.Anything).Return(errors.New("session already gone"))

	result := sw.RunOnce(context.Background())
	assert.Equal(t, 1, result.Expired)
	assert.Equal(t, 0, result.Released)
	assert.Equal(t, domain.UploadStatusError, env.sessions.get(sess.ID).Status)
}

func TestSessionSweeper_SkipsWhenLockHeld(t *testing.T) {
	env := newTestEnv(t, domain.StorageTypeOneDrive, domain.StrategySingleSession)
	sw := newTestSweeper(env, DefaultSweeperConfig())
	ctx := context.Background()

	sess := env.seedSession(t, 1000, 320, domain.StrategySingleSession)
	expireSeeded(env, sess)

	_, ok, err := env.locker.Acquire(ctx, lock.Keys.SessionSweep(), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	result := sw.RunOnce(ctx)
	assert.Equal(t, 0, result.Expired)
	assert.Equal(t, domain.UploadStatusInitiated, env.sessions.get(sess.ID).Status)
}

func TestSessionSweeper_ExpireSession(t *testing.T) {
	env := newTestEnv(t, domain.StorageTypeOneDrive, domain.StrategySingleSession)
	sw := newTestSweeper(env, DefaultSweeperConfig())
	ctx := context.Background()

	env.drv.On("AbortSession", mock.Anything, mock.Anything).Return(nil)

	t.Run("not yet expired", func(t *testing.T) {
		sess := env.seedSession(t, 1000, 320, domain.StrategySingleSession)
		expired, err := sw.ExpireSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.False(t, expired)
		assert.Equal(t, domain.UploadStatusInitiated, env.sessions.get(sess.ID).Status)
	})

	t.Run("already completed", func(t *testing.T) {
		sess := env.seedSession(t, 1000, 320, domain.StrategySingleSession)
		sess.Status = domain.UploadStatusCompleted
		expireSeeded(env, sess)

		expired, err := sw.ExpireSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.False(t, expired)
		assert.Equal(t, domain.UploadStatusCompleted, env.sessions.get(sess.ID).Status)
	})

	t.Run("unknown session", func(t *testing.T) {
		expired, err := sw.ExpireSession(ctx, uuid.New())
		require.NoError(t, err)
		assert.False(t, expired)
	})

	t.Run("expired", func(t *testing.T) {
		sess := env.seedSession(t, 1000, 320, domain.StrategySingleSession)
		expireSeeded(env, sess)

		expired, err := sw.ExpireSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.True(t, expired)
		assert.Equal(t, domain.UploadStatusError, env.sessions.get(sess.ID).Status)
	})
}

func TestSessionSweeper_ExpireRereadsRowUnderLock(t *testing.T) {
	ctx := context.Background()

	t.Run("refreshed after listing", func(t *testing.T) {
		env := newTestEnv(t, domain.StorageTypeS3, domain.StrategyChunked)
		sw := newTestSweeper(env, DefaultSweeperConfig())

		sess := env.seedSession(t, 1000, 300, domain.StrategyChunked)
		expireSeeded(env, sess)
		listed, err := env.sessions.ListExpired(ctx, time.Now(), 10)
		require.NoError(t, err)
		require.Len(t, listed, 1)
		require.NoError(t, env.parts.Upsert(ctx, domain.NewUploadPart(sess.ID, 1, 0, 300)))

		// A progress refresh lands before the sweeper takes the session lock.
		later := time.Now().Add(time.Hour).UTC()
		sess.ExpiresAt = &later
		env.sessions.put(sess)

		expired, released, err := sw.expire(ctx, listed[0].ID)
		require.NoError(t, err)
		assert.False(t, expired)
		assert.False(t, released)

		assert.Equal(t, domain.UploadStatusInitiated, env.sessions.get(sess.ID).Status)
		parts, err := env.parts.ListByUpload(ctx, sess.ID)
		require.NoError(t, err)
		assert.Len(t, parts, 1)
		env.drv.AssertNotCalled(t, "AbortSession", mock.Anything, mock.Anything)
	})

	t.Run("completed after listing", func(t *testing.T) {
		env := newTestEnv(t, domain.StorageTypeS3, domain.StrategyChunked)
		sw := newTestSweeper(env, DefaultSweeperConfig())

		sess := env.seedSession(t, 1000, 300, domain.StrategyChunked)
		expireSeeded(env, sess)
		listed, err := env.sessions.ListExpired(ctx, time.Now(), 10)
		require.NoError(t, err)
		require.Len(t, listed, 1)
		require.NoError(t, env.parts.Upsert(ctx, domain.NewUploadPart(sess.ID, 1, 0, 300)))

		sess.Status = domain.UploadStatusCompleted
		env.sessions.put(sess)

		expired, _, err := sw.expire(ctx, listed[0].ID)
		require.NoError(t, err)
		assert.False(t, expired)

		assert.Equal(t, domain.UploadStatusCompleted, env.sessions.get(sess.ID).Status)
		parts, err := env.parts.ListByUpload(ctx, sess.ID)
		require.NoError(t, err)
		assert.Len(t, parts, 1)
		env.drv.AssertNotCalled(t, "AbortSession", mock.Anything, mock.Anything)
	})

	t.Run("row deleted after listing", func(t *testing.T) {
		env := newTestEnv(t, domain.StorageTypeS3, domain.StrategyChunked)
		sw := newTestSweeper(env, DefaultSweeperConfig())

		expired, _, err := sw.expire(ctx, uuid.New())
		require.NoError(t, err)
		assert.False(t, expired)
	})
}

func TestSessionSweeper_ScheduleExpiry(t *testing.T) {
	env := newTestEnv(t, domain.StorageTypeOneDrive, domain.StrategySingleSession)
	sw := newTestSweeper(env, SweeperConfig{Interval: time.Hour})
	env.drv.On("AbortSession", mock.Anything, mock.Anything).Return(nil)

	sw.Start()
	t.Cleanup(sw.Stop)

	sess := env.seedSession(t, 1000, 320, domain.StrategySingleSession)
	expireSeeded(env, sess)

	sw.ScheduleExpiry(sess.ID, time.Now().Add(-time.Second))

	require.Eventually(t, func() bool {
		return env.sessions.get(sess.ID).Status == domain.UploadStatusError
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return sw.Pending() == 0 }, time.Second, 10*time.Millisecond)
}

func TestSessionSweeper_ScheduleExpiryIgnoredWhenStopped(t *testing.T) {
	env := newTestEnv(t, domain.StorageTypeOneDrive, domain.StrategySingleSession)
	sw := newTestSweeper(env, SweeperConfig{Interval: time.Hour})

	sw.ScheduleExpiry(uuid.New(), time.Now().Add(time.Hour))
	assert.Equal(t, 0, sw.Pending())

	sw.Start()
	sw.Stop()

	sw.ScheduleExpiry(uuid.New(), time.Now().Add(time.Hour))
	assert.Equal(t, 0, sw.Pending())
}

func TestSessionSweeper_StopCancelsTimers(t *testing.T) {
	env := newTestEnv(t, domain.StorageTypeOneDrive, domain.StrategySingleSession)
	sw := newTestSweeper(env, SweeperConfig{Interval: time.Hour})

	sw.Start()
	sw.ScheduleExpiry(uuid.New(), time.Now().Add(time.Hour))
	sw.ScheduleExpiry(uuid.New(), time.Now().Add(time.Hour))
	assert.Equal(t, 2, sw.Pending())

	sw.Stop()
	assert.Equal(t, 0, sw.Pending())
}

func TestSessionSweeper_Restart(t *testing.T) {
	env := newTestEnv(t, domain.StorageTypeOneDrive, domain.StrategySingleSession)
	sw := newTestSweeper(env, SweeperConfig{Interval: time.Hour})
	env.drv.On("AbortSession", mock.Anything, mock.Anything).Return(nil)

	sw.Start()
	sw.Stop()

	sess := env.seedSession(t, 1000, 320, domain.StrategySingleSession)
	expireSeeded(env, sess)

	sw.Start()
	require.Eventually(t, func() bool {
		return env.sessions.get(sess.ID).Status == domain.UploadStatusError
	}, 5*time.Second, 10*time.Millisecond)
	sw.Stop()
	sw.Stop()
}

func TestSessionSweeper_StartStop(t *testing.T) {
	env := newTestEnv(t, domain.StorageTypeOneDrive, domain.StrategySingleSession)
	sw := newTestSweeper(env, SweeperConfig{Enabled: true, Interval: time.Hour})

	env.drv.On("AbortSession", mock.Anything, mock.Anything).Return(nil)
	sess := env.seedSession(t, 1000, 320, domain.StrategySingleSession)
	expireSeeded(env, sess)

	sw.Start()
	require.Eventually(t, func() bool {
		return env.sessions.get(sess.ID).Status == domain.UploadStatusError
	}, 5*time.Second, 10*time.Millisecond)
	sw.Stop()
}
