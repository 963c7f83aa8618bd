package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultInitialShards, cfg.InitialShards)
	assert.InDelta(t, 2.0/3.0, cfg.ApprovalThreshold, 0.0001)
}

func TestValidateRejectsBadBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ApprovalThreshold = 0.5
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MaxShards = 2
	cfg.InitialShards = 4
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.ScaleDownThreshold = 0.9
	assert.Error(t, cfg.Validate())
}

func TestLoadConfigFromJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"DATA_DIR": "/tmp/flowledger",
		"INITIAL_SHARDS": 8,
		"MAX_SHARDS": 16,
		"PREPARE_TIMEOUT": 2000000000
	}`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/flowledger", cfg.DataDir)
	assert.Equal(t, 8, cfg.InitialShards)
	assert.Equal(t, 16, cfg.MaxShards)
	assert.EqualValues(t, 2000000000, cfg.PrepareTimeout)
	// Unset fields come from defaults.
	assert.Equal(t, DefaultShardCapacity, cfg.ShardCapacity)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("DATA_DIR", "/data/node1")
	t.Setenv("INITIAL_SHARDS", "2")
	t.Setenv("APPROVAL_THRESHOLD", "0.75")

	cfg := DefaultConfig()
	cfg.FromEnv()
	assert.Equal(t, "/data/node1", cfg.DataDir)
	assert.Equal(t, 2, cfg.InitialShards)
	assert.InDelta(t, 0.75, cfg.ApprovalThreshold, 0.0001)
}
