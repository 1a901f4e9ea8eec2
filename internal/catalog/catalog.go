// Package catalog resolves mounts to storage configs.
//
// The catalog is the read side of the admin configuration layer: storage
// configs and mounts are loaded once from configuration, sealed credential
// values are decrypted, and lookups are served from memory.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/prn-tf/alexander-drives/internal/config"
	"github.com/prn-tf/alexander-drives/internal/domain"
	"github.com/prn-tf/alexander-drives/internal/pkg/crypto"
)

// Catalog holds storage configs and mounts.
type Catalog struct {
	mu      sync.RWMutex
	configs map[string]*domain.StorageConfig
	mounts  map[string]*domain.Mount
	enc     *crypto.Encryptor
}

// New builds a catalog. enc may be nil when no setting is sealed.
func New(configs []*domain.StorageConfig, mounts []*domain.Mount, enc *crypto.Encryptor) (*Catalog, error) {
	c := &Catalog{
		configs: make(map[string]*domain.StorageConfig, len(configs)),
		mounts:  make(map[string]*domain.Mount, len(mounts)),
		enc:     enc,
	}

	for _, sc := range configs {
		if err := c.PutStorageConfig(sc); err != nil {
			return nil, err
		}
	}
	for _, m := range mounts {
		if _, ok := c.configs[m.StorageConfigID]; !ok {
			return nil, fmt.Errorf("mount %q: %w", m.ID, domain.ErrStorageConfigNotFound)
		}
		c.mounts[m.ID] = m
	}
	return c, nil
}

// FromConfig builds a catalog from the storages and mounts sections.
func FromConfig(cfg *config.Config) (*Catalog, error) {
	var enc *crypto.Encryptor
	if cfg.Security.CredentialMasterKey != "" {
		e, err := crypto.NewEncryptorFromSecret(cfg.Security.CredentialMasterKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create credential encryptor: %w", err)
		}
		enc = e
	}

	configs := make([]*domain.StorageConfig, 0, len(cfg.Storages))
	for _, s := range cfg.Storages {
		configs = append(configs, s.ToDomain())
	}
	mounts := make([]*domain.Mount, 0, len(cfg.Mounts))
	for _, m := range cfg.Mounts {
		mounts = append(mounts, m.ToDomain())
	}
	return New(configs, mounts, enc)
}

// PutStorageConfig adds or replaces a storage config. Replacing bumps the
// revision so pooled drivers are rebuilt.
func (c *Catalog) PutStorageConfig(sc *domain.StorageConfig) error {
	if sc.ID == "" {
		return domain.NewConfigurationError("storage config id is required")
	}
	opened, err := c.openSettings(sc)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.configs[sc.ID]; ok {
		opened.Revision = prev.Revision + 1
	}
	c.configs[sc.ID] = opened
	return nil
}

// openSettings returns a copy of sc with sealed string settings decrypted.
func (c *Catalog) openSettings(sc *domain.StorageConfig) (*domain.StorageConfig, error) {
	out := *sc
	out.Settings = make(map[string]any, len(sc.Settings))
	for k, v := range sc.Settings {
		s, ok := v.(string)
		if !ok || !crypto.IsSealed(s) {
			out.Settings[k] = v
			continue
		}
		if c.enc == nil {
			return nil, domain.NewConfigurationError(
				fmt.Sprintf("storage %q: setting %q is encrypted but no credential key is configured", sc.ID, k))
		}
		plain, err := c.enc.Open(s)
		if err != nil {
			return nil, domain.NewConfigurationError(
				fmt.Sprintf("storage %q: setting %q cannot be decrypted", sc.ID, k))
		}
		out.Settings[k] = plain
	}
	return &out, nil
}

// Resolve returns the mount and its storage config.
func (c *Catalog) Resolve(ctx context.Context, mountID string) (*domain.Mount, *domain.StorageConfig, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.mounts[mountID]
	if !ok {
		return nil, nil, domain.ErrMountNotFound
	}
	sc, ok := c.configs[m.StorageConfigID]
	if !ok {
		return nil, nil, domain.ErrStorageConfigNotFound
	}
	return m, sc, nil
}

// StorageConfig returns a storage config by ID.
func (c *Catalog) StorageConfig(ctx context.Context, id string) (*domain.StorageConfig, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sc, ok := c.configs[id]
	if !ok {
		return nil, domain.ErrStorageConfigNotFound
	}
	return sc, nil
}

// Mounts returns all mounts ordered by ID.
func (c *Catalog) Mounts() []*domain.Mount {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*domain.Mount, 0, len(c.mounts))
	for _, m := range c.mounts {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StorageConfigs returns all storage configs ordered by ID.
func (c *Catalog) StorageConfigs() []*domain.StorageConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*domain.StorageConfig, 0, len(c.configs))
	for _, sc := range c.configs {
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
