package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLocker implements Locker with a map of holder tokens and expiry times.
// Locks only serialize goroutines of one process; run Redis when several
// server instances share a ledger.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memoryLease

	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

type memoryLease struct {
	token   string
	expires time.Time
}

// NewMemoryLocker creates a new in-memory locker and starts its janitor.
func NewMemoryLocker() *MemoryLocker {
	ml := &MemoryLocker{
		locks:  make(map[string]memoryLease),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	go ml.janitor(30 * time.Second)
	return ml
}

// janitor drops expired entries so abandoned upload keys do not accumulate.
func (m *MemoryLocker) janitor(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			now := m.now()
			for key, lease := range m.locks {
				if !now.Before(lease.expires) {
					delete(m.locks, key)
				}
			}
			m.mu.Unlock()
		case <-m.stopCh:
			return
		}
	}
}

// Close stops the janitor.
func (m *MemoryLocker) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// heldLocked returns the live lease for key. m.mu must be held.
func (m *MemoryLocker) heldLocked(key string) (memoryLease, bool) {
	lease, ok := m.locks[key]
	if !ok {
		return memoryLease{}, false
	}
	if !m.now().Before(lease.expires) {
		delete(m.locks, key)
		return memoryLease{}, false
	}
	return lease, true
}

// Acquire takes key for ttl unless another holder has it.
func (m *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, held := m.heldLocked(key); held {
		return "", false, nil
	}
	token := uuid.NewString()
	m.locks[key] = memoryLease{token: token, expires: m.now().Add(ttl)}
	return token, true, nil
}

// AcquireWithRetry polls Acquire up to maxRetries extra times.
func (m *MemoryLocker) AcquireWithRetry(ctx context.Context, key string, ttl time.Duration, maxRetries int, retryDelay time.Duration) (string, bool, error) {
	for i := 0; ; i++ {
		token, acquired, err := m.Acquire(ctx, key, ttl)
		if err != nil || acquired || i >= maxRetries {
			return token, acquired, err
		}

		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-time.After(retryDelay):
		}
	}
}

// Release frees key if token still owns it.
func (m *MemoryLocker) Release(ctx context.Context, key, token string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	lease, held := m.heldLocked(key)
	if !held || lease.token != token {
		return false, nil
	}
	delete(m.locks, key)
	return true, nil
}

// Extend moves the expiry of key to now+ttl if token still owns it.
func (m *MemoryLocker) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	lease, held := m.heldLocked(key)
	if !held || lease.token != token {
		return false, nil
	}
	lease.expires = m.now().Add(ttl)
	m.locks[key] = lease
	return true, nil
}

// IsHeld reports whether key is currently held by anyone.
func (m *MemoryLocker) IsHeld(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	_, held := m.heldLocked(key)
	return held, nil
}

var _ Locker = (*MemoryLocker)(nil)
