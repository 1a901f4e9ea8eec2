// Package lock provides distributed and local locking abstractions.
// For single-node deployments, memory-based locks are used.
// For distributed deployments, Redis-based locks can be used.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Locker defines the interface for distributed/local locking.
// This abstraction allows switching between in-memory locks (single-node)
// and Redis-based locks (distributed) without changing business logic.
//
// Every successful acquisition returns a token. Release and Extend act only
// when the token still owns the key, so a holder whose lease lapsed cannot
// free or prolong the lock of the next holder.
type Locker interface {
	// Acquire attempts to acquire a lock.
	// Returns the holder token and true if the lock was acquired, false if
	// it's held by another process.
	// The lock will automatically expire after the specified TTL.
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error)

	// AcquireWithRetry attempts to acquire a lock with retries.
	// Will retry up to maxRetries times with retryDelay between attempts.
	AcquireWithRetry(ctx context.Context, key string, ttl time.Duration, maxRetries int, retryDelay time.Duration) (string, bool, error)

	// Release releases a lock owned by token.
	// Returns true if the lock was released, false if token no longer owns it.
	Release(ctx context.Context, key, token string) (bool, error)

	// Extend extends the TTL of a lock owned by token.
	// Returns true if the lock was extended, false if token no longer owns it.
	Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// IsHeld checks if the lock is currently held by anyone.
	IsHeld(ctx context.Context, key string) (bool, error)
}

// Lock is a convenience wrapper for a specific lock instance.
type Lock struct {
	locker Locker
	key    string
	token  string
	held   bool
}

// NewLock creates a new Lock instance.
func NewLock(locker Locker, key string) *Lock {
	return &Lock{
		locker: locker,
		key:    key,
		held:   false,
	}
}

// Acquire attempts to acquire the lock.
func (l *Lock) Acquire(ctx context.Context, ttl time.Duration) (bool, error) {
	token, acquired, err := l.locker.Acquire(ctx, l.key, ttl)
	if err != nil {
		return false, err
	}
	l.token = token
	l.held = acquired
	return acquired, nil
}

// Release releases the lock.
func (l *Lock) Release(ctx context.Context) error {
	if !l.held {
		return nil
	}
	_, err := l.locker.Release(ctx, l.key, l.token)
	l.held = false
	l.token = ""
	return err
}

// Extend extends the lock TTL.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	if !l.held {
		return nil
	}
	extended, err := l.locker.Extend(ctx, l.key, l.token, ttl)
	if err != nil {
		return err
	}
	if !extended {
		l.held = false
	}
	return nil
}

// IsHeld returns whether the lock is held.
func (l *Lock) IsHeld() bool {
	return l.held
}

var (
	// ErrNotAcquired is returned by WithLock when the lock stays busy.
	ErrNotAcquired = errors.New("lock not acquired")

	// ErrLockLost is the cancellation cause of the context passed to a
	// WithLock section whose lease could not be renewed.
	ErrLockLost = errors.New("lock lost")
)

// WithLock runs fn while holding key. The lease is renewed every third of
// the TTL while fn runs; if a renewal fails, fn's context is cancelled with
// ErrLockLost. The lock is released when fn returns, using a fresh context
// so a cancelled caller still releases it.
func WithLock(ctx context.Context, locker Locker, key string, opts Options, fn func(ctx context.Context) error) error {
	token, acquired, err := locker.AcquireWithRetry(ctx, key, opts.TTL, opts.MaxRetries, opts.RetryDelay)
	if err != nil {
		return fmt.Errorf("acquire %s: %w", key, err)
	}
	if !acquired {
		return fmt.Errorf("%w: %s", ErrNotAcquired, key)
	}

	fnCtx, cancel := context.WithCancelCause(ctx)
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		renew(fnCtx, locker, key, token, opts.TTL, cancel)
	}()

	defer func() {
		cancel(nil)
		<-renewDone

		releaseCtx, cancelRelease := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancelRelease()
		_, _ = locker.Release(releaseCtx, key, token)
	}()

	if err := fn(fnCtx); err != nil {
		return err
	}
	if errors.Is(context.Cause(fnCtx), ErrLockLost) {
		return fmt.Errorf("%w: %s", ErrLockLost, key)
	}
	return nil
}

// renew extends the lease until ctx is done. A failed or refused extension
// cancels ctx with ErrLockLost.
func renew(ctx context.Context, locker Locker, key, token string, ttl time.Duration, cancel context.CancelCauseFunc) {
	every := ttl / 3
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			extended, err := locker.Extend(ctx, key, token, ttl)
			if ctx.Err() != nil {
				return
			}
			if err != nil || !extended {
				cancel(ErrLockLost)
				return
			}
		}
	}
}

// Options control WithLock.
type Options struct {
	TTL        time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultOptions suit short ledger read-modify-write sections that include
// one provider round trip. WithLock renews the lease for longer sections.
func DefaultOptions() Options {
	return Options{
		TTL:        60 * time.Second,
		MaxRetries: 50,
		RetryDelay: 100 * time.Millisecond,
	}
}

// =============================================================================
// Common Lock Keys
// =============================================================================

// Keys provides lock key generation for common scenarios.
var Keys = lockKeys{}

type lockKeys struct{}

// UploadSession returns a lock key serializing ledger writes for one upload.
func (lockKeys) UploadSession(uploadID string) string {
	return "lock:upload:" + uploadID
}

// SessionSweep returns a lock key for the expired-session sweeper.
func (lockKeys) SessionSweep() string {
	return "lock:sweep:upload-sessions"
}
