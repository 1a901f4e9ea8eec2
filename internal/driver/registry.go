package driver

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-drives/internal/domain"
	"github.com/prn-tf/alexander-drives/internal/metrics"
)

// FieldType is the declared type of a storage config field.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldSecret FieldType = "secret"
	FieldBool   FieldType = "bool"
	FieldInt    FieldType = "int"
	FieldURL    FieldType = "url"
)

// ConfigField declares one storage config setting.
type ConfigField struct {
	Name        string    `json:"name"`
	Type        FieldType `json:"type"`
	Required    bool      `json:"required"`
	Default     any       `json:"default,omitempty"`
	Description string    `json:"description,omitempty"`
}

// URLSigner mints proxy URLs for drivers declaring PROXY.
type URLSigner interface {
	SignProxyURL(mountID, subPath string, expiry time.Duration) (string, time.Time, error)
}

// Deps are the shared collaborators handed to driver factories.
type Deps struct {
	Logger      zerolog.Logger
	HTTPClient  *http.Client
	ProxySigner URLSigner
	Metrics     *metrics.Metrics
}

// Factory builds a driver instance for one storage config.
type Factory func(ctx context.Context, cfg *domain.StorageConfig, deps Deps) (Driver, error)

// Descriptor registers one storage type.
type Descriptor struct {
	Type         domain.StorageType
	DisplayName  string
	Capabilities domain.CapabilitySet
	Schema       []ConfigField

	// Factory is nil for known types without an adapter.
	Factory Factory
}

// Info is the network-free metadata of a registered storage type.
type Info struct {
	Type         domain.StorageType   `json:"type"`
	DisplayName  string               `json:"displayName"`
	Capabilities domain.CapabilitySet `json:"capabilities"`
	Schema       []ConfigField        `json:"schema"`
	Available    bool                 `json:"available"`
}

// Registry maps storage types to descriptors.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[domain.StorageType]*Descriptor
	deps        Deps
}

// NewRegistry creates an empty registry. deps are handed to every factory.
func NewRegistry(deps Deps) *Registry {
	return &Registry{
		descriptors: make(map[domain.StorageType]*Descriptor),
		deps:        deps,
	}
}

// Register adds a storage type.
func (r *Registry) Register(desc Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if desc.Type == "" {
		return fmt.Errorf("storage type is required")
	}
	if _, exists := r.descriptors[desc.Type]; exists {
		return fmt.Errorf("storage type '%s' already registered", desc.Type)
	}

	d := desc
	r.descriptors[desc.Type] = &d
	return nil
}

// Lookup returns the descriptor for a storage type.
func (r *Registry) Lookup(storageType domain.StorageType) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.descriptors[storageType]
	if !ok {
		e := domain.NewConfigurationError(fmt.Sprintf("unknown storage type %q", storageType))
		e.Code = domain.CodeUnknownStorageType
		return nil, e
	}
	return d, nil
}

// Capabilities returns the declared capabilities of a storage type.
func (r *Registry) Capabilities(storageType domain.StorageType) (domain.CapabilitySet, error) {
	d, err := r.Lookup(storageType)
	if err != nil {
		return domain.CapabilitySet{}, err
	}
	return d.Capabilities, nil
}

// BooleanFields returns the names of boolean settings of a storage type.
// Data normalization jobs use it to coerce stored "true"/"1" strings.
func (r *Registry) BooleanFields(storageType domain.StorageType) ([]string, error) {
	d, err := r.Lookup(storageType)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, f := range d.Schema {
		if f.Type == FieldBool {
			out = append(out, f.Name)
		}
	}
	return out, nil
}

// Describe returns metadata for every registered type, sorted by type.
func (r *Registry) Describe() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, Info{
			Type:         d.Type,
			DisplayName:  d.DisplayName,
			Capabilities: d.Capabilities,
			Schema:       d.Schema,
			Available:    d.Factory != nil,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Validate checks cfg against its type's schema.
func (r *Registry) Validate(cfg *domain.StorageConfig) error {
	d, err := r.Lookup(cfg.StorageType)
	if err != nil {
		return err
	}
	return validateSettings(d.Schema, cfg)
}

// Create validates cfg and builds a driver instance for it.
func (r *Registry) Create(ctx context.Context, cfg *domain.StorageConfig) (Driver, error) {
	d, err := r.Lookup(cfg.StorageType)
	if err != nil {
		return nil, err
	}
	if d.Factory == nil {
		return nil, domain.NewConfigurationError(fmt.Sprintf("storage type %s has no adapter", cfg.StorageType))
	}
	if err := validateSettings(d.Schema, cfg); err != nil {
		return nil, err
	}

	deps := r.deps
	deps.Logger = deps.Logger.With().
		Str("storage_type", string(cfg.StorageType)).
		Str("storage_config_id", cfg.ID).
		Logger()

	return d.Factory(ctx, cfg, deps)
}

func validateSettings(schema []ConfigField, cfg *domain.StorageConfig) error {
	for _, f := range schema {
		v, ok := cfg.Settings[f.Name]
		if !ok || v == nil || v == "" {
			if f.Required {
				return domain.NewConfigurationError(fmt.Sprintf("%s: field %q is required", cfg.StorageType, f.Name)).
					WithDetail("field", f.Name)
			}
			continue
		}
		if err := checkFieldType(f, v); err != nil {
			return domain.NewConfigurationError(fmt.Sprintf("%s: field %q %s", cfg.StorageType, f.Name, err.Error())).
				WithDetail("field", f.Name)
		}
	}
	return nil
}

func checkFieldType(f ConfigField, v any) error {
	switch f.Type {
	case FieldString, FieldSecret:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("must be a string")
		}
	case FieldURL:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("must be a URL string")
		}
		u, err := url.Parse(s)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("must be an absolute URL")
		}
	case FieldBool:
		switch t := v.(type) {
		case bool:
		case string:
			if _, err := strconv.ParseBool(t); err != nil {
				return fmt.Errorf("must be a boolean")
			}
		case int, int64, float64:
		default:
			return fmt.Errorf("must be a boolean")
		}
	case FieldInt:
		switch t := v.(type) {
		case int, int64, float64:
		case string:
			if _, err := strconv.ParseInt(t, 10, 64); err != nil {
				return fmt.Errorf("must be an integer")
			}
		default:
			return fmt.Errorf("must be an integer")
		}
	}
	return nil
}
