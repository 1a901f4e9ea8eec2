// Package drivers registers every storage adapter shipped with the server.
package drivers

import (
	"github.com/prn-tf/alexander-drives/internal/domain"
	"github.com/prn-tf/alexander-drives/internal/driver"
	"github.com/prn-tf/alexander-drives/internal/driver/local"
	"github.com/prn-tf/alexander-drives/internal/driver/onedrive"
	"github.com/prn-tf/alexander-drives/internal/driver/s3"
)

// Telegram is a known storage type without an adapter. It is registered so
// that configs of this type are recognized and fail with a clear error.
func Telegram() driver.Descriptor {
	return driver.Descriptor{
		Type:        domain.StorageTypeTelegram,
		DisplayName: "Telegram",
		Capabilities: domain.NewCapabilitySet(
			domain.CapabilityReader,
			domain.CapabilityWriter,
			domain.CapabilityProxy,
		),
	}
}

// Descriptors returns every built-in storage type.
func Descriptors() []driver.Descriptor {
	return []driver.Descriptor{
		onedrive.Descriptor(),
		s3.Descriptor(),
		local.Descriptor(),
		Telegram(),
	}
}

// Register adds every built-in storage type to reg.
func Register(reg *driver.Registry) error {
	for _, d := range Descriptors() {
		if err := reg.Register(d); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a registry with every built-in storage type.
func NewRegistry(deps driver.Deps) (*driver.Registry, error) {
	reg := driver.NewRegistry(deps)
	if err := Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}
