package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.InitialWait = time.Millisecond
	cfg.MaxWait = 2 * time.Millisecond
	return cfg
}

func TestDo_RetriesRetryableErrors(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func() error {
		calls++
		if calls < 3 {
			return Retryable(errors.New("flaky"))
		}
		return nil
	})

	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	err := Do(context.Background(), fastConfig(), func() error {
		calls++
		return permanent
	})

	require.ErrorIs(t, err, permanent)
	require.Equal(t, 1, calls)
}

func TestDo_GivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig().WithAttempts(2), func() error {
		calls++
		return Retryable(errors.New("still down"))
	})

	require.Error(t, err)
	require.True(t, IsRetryable(err))
	require.Equal(t, 2, calls)
}

func TestDoWithResult_CustomClassifier(t *testing.T) {
	transient := errors.New("transient")
	calls := 0
	cfg := fastConfig().WithClassifier(func(err error) bool { return errors.Is(err, transient) })

	v, err := DoWithResult(context.Background(), cfg, func() (int, error) {
		calls++
		if calls == 1 {
			return 0, transient
		}
		return 42, nil
	})

	require.NoError(t, err)
	require.Equal(t, 42, v)
	require.Equal(t, 2, calls)
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, fastConfig(), func() error {
		return Retryable(errors.New("flaky"))
	})

	require.ErrorIs(t, err, context.Canceled)
}
