package drivers

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/alexander-drives/internal/domain"
	"github.com/prn-tf/alexander-drives/internal/driver"
)

func TestNewRegistry(t *testing.T) {
	reg, err := NewRegistry(driver.Deps{Logger: zerolog.Nop()})
	require.NoError(t, err)

	infos := reg.Describe()
	require.Len(t, infos, 4)

	available := map[domain.StorageType]bool{}
	for _, info := range infos {
		available[info.Type] = info.Available
	}
	require.True(t, available[domain.StorageTypeOneDrive])
	require.True(t, available[domain.StorageTypeS3])
	require.True(t, available[domain.StorageTypeLocal])
	require.False(t, available[domain.StorageTypeTelegram])

	caps, err := reg.Capabilities(domain.StorageTypeOneDrive)
	require.NoError(t, err)
	require.True(t, caps.Has(domain.CapabilityMultipart))

	bools, err := reg.BooleanFields(domain.StorageTypeS3)
	require.NoError(t, err)
	require.Equal(t, []string{"use_path_style"}, bools)

	require.Error(t, Register(reg), "registering twice must fail")
}

func TestCreateTelegramFails(t *testing.T) {
	reg, err := NewRegistry(driver.Deps{Logger: zerolog.Nop()})
	require.NoError(t, err)

	_, err = reg.Create(context.Background(), &domain.StorageConfig{
		ID:          "tg",
		StorageType: domain.StorageTypeTelegram,
	})
	require.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestCreateLocal(t *testing.T) {
	reg, err := NewRegistry(driver.Deps{Logger: zerolog.Nop()})
	require.NoError(t, err)

	d, err := reg.Create(context.Background(), &domain.StorageConfig{
		ID:          "disk",
		StorageType: domain.StorageTypeLocal,
		Settings:    map[string]any{"root_path": t.TempDir()},
	})
	require.NoError(t, err)
	require.Equal(t, domain.StorageTypeLocal, d.Type())
}
