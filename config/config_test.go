package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "test.near", cfg.RootAccount)
	assert.Equal(t, "100 ether", cfg.DevBalance)
}

func TestLoadYAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sandbox.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chain_id: 7\nepoch_length: 10\nnetwork:\n  timeout_ms: 50\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.EqualValues(t, 7, cfg.ChainID)
	assert.EqualValues(t, 10, cfg.EpochLength)
	assert.Equal(t, 50, cfg.Network.TimeoutMs)
	assert.Equal(t, Default().BlockGasLimit, cfg.BlockGasLimit)
}

func TestSaveLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := Default()
	cfg.AutoBlocks = true
	cfg.StorageDir = "/tmp/chain"
	require.NoError(t, cfg.Save(path))

	back, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("SANDBOX_ROOT_ACCOUNT", "root.near")
	t.Setenv("SANDBOX_CHAIN_ID", "99")
	t.Setenv("SANDBOX_BLOCK_TIME_MS", "not-a-number")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := Default()
	cfg.ApplyEnv()
	assert.Equal(t, "root.near", cfg.RootAccount)
	assert.EqualValues(t, 99, cfg.ChainID)
	assert.Equal(t, Default().BlockTimeMs, cfg.BlockTimeMs)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero chain id", func(c *Config) { c.ChainID = 0 }},
		{"no root", func(c *Config) { c.RootAccount = "" }},
		{"zero epoch", func(c *Config) { c.EpochLength = 0 }},
		{"zero block time", func(c *Config) { c.BlockTimeMs = 0 }},
		{"call gas above block", func(c *Config) { c.DefaultCallGas = c.BlockGasLimit + 1 }},
		{"inverted delay", func(c *Config) {
			c.Network = NetworkConfig{DelayEnabled: true, MinDelayMs: 10, MaxDelayMs: 5}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"chain_id": 0}`), 0o644))
	_, err = Load(bad)
	assert.Error(t, err)
}
