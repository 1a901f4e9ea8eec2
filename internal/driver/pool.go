package driver

import (
	"context"
	"sync"

	"github.com/prn-tf/alexander-drives/internal/domain"
)

// Pool caches one driver instance per storage config. An instance is rebuilt
// when the config revision changes, so a driver's token cache is only shared
// by requests for the same config.
type Pool struct {
	registry *Registry

	mu      sync.Mutex
	entries map[string]poolEntry
}

type poolEntry struct {
	revision int64
	driver   Driver
}

// NewPool creates a pool backed by the registry.
func NewPool(registry *Registry) *Pool {
	return &Pool{
		registry: registry,
		entries:  make(map[string]poolEntry),
	}
}

// Get returns the cached driver for cfg, creating it on first use.
func (p *Pool) Get(ctx context.Context, cfg *domain.StorageConfig) (Driver, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[cfg.ID]; ok && e.revision == cfg.Revision {
		return e.driver, nil
	}

	d, err := p.registry.Create(ctx, cfg)
	if err != nil {
		return nil, err
	}
	p.entries[cfg.ID] = poolEntry{revision: cfg.Revision, driver: d}
	p.registry.deps.Metrics.SetPoolSize(len(p.entries))
	return d, nil
}

// Invalidate drops the cached driver for a storage config.
func (p *Pool) Invalidate(storageConfigID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, storageConfigID)
	p.registry.deps.Metrics.SetPoolSize(len(p.entries))
}

// Len returns the number of cached drivers.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
