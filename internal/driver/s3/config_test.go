package s3

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prn-tf/alexander-drives/internal/domain"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig(&domain.StorageConfig{Settings: map[string]any{
		"bucket":            "media",
		"endpoint":          "http://localhost:9000/",
		"access_key_id":     "minio",
		"secret_access_key": "minio123",
		"root_prefix":       "/tenants/acme/",
		"use_path_style":    "true",
		"part_size":         1024,
	}})
	require.NoError(t, err)
	require.Equal(t, "media", cfg.Bucket)
	require.Equal(t, "http://localhost:9000", cfg.Endpoint)
	require.Equal(t, defaultRegion, cfg.Region)
	require.Equal(t, "tenants/acme", cfg.Prefix)
	require.True(t, cfg.PathStyle)
	require.EqualValues(t, minPartSize, cfg.PartSize)
	require.Equal(t, defaultPageSize, cfg.PageSize)
}

func TestParseConfig_Errors(t *testing.T) {
	tests := map[string]map[string]any{
		"missing bucket":   {"region": "eu-west-1"},
		"bad endpoint":     {"bucket": "b", "endpoint": "localhost"},
		"half credentials": {"bucket": "b", "access_key_id": "only"},
		"escaping prefix":  {"bucket": "b", "root_prefix": "../other"},
	}
	for name, settings := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig(&domain.StorageConfig{Settings: settings})
			require.ErrorIs(t, err, domain.ErrConfiguration)
		})
	}
}

func TestClampPartSize(t *testing.T) {
	require.EqualValues(t, defaultPartSize, clampPartSize(0))
	require.EqualValues(t, minPartSize, clampPartSize(1))
	require.EqualValues(t, maxPartSize, clampPartSize(maxPartSize+1))
	require.EqualValues(t, 64*1024*1024, clampPartSize(64*1024*1024))
}
