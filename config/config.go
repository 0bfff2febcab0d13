package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// NetworkConfig holds network-level configuration for RPC HTTP clients
type NetworkConfig struct {
	DelayEnabled bool `json:"delay_enabled" yaml:"delay_enabled"`
	MinDelayMs   int  `json:"min_delay_ms" yaml:"min_delay_ms"` // Minimum delay in milliseconds
	MaxDelayMs   int  `json:"max_delay_ms" yaml:"max_delay_ms"` // Maximum delay in milliseconds
	TimeoutMs    int  `json:"timeout_ms" yaml:"timeout_ms"`
}

// Config holds all configurable parameters of a sandbox node
type Config struct {
	ChainID     uint64 `json:"chain_id" yaml:"chain_id"`
	RootAccount string `json:"root_account" yaml:"root_account"`
	// Balances are base-unit decimal strings or "<n> ether".
	RootBalance       string `json:"root_balance" yaml:"root_balance"`
	DevBalance        string `json:"dev_balance" yaml:"dev_balance"`
	SubaccountBalance string `json:"subaccount_balance" yaml:"subaccount_balance"`
	GasPrice          string `json:"gas_price" yaml:"gas_price"`

	BlockGasLimit  uint64 `json:"block_gas_limit" yaml:"block_gas_limit"`
	DefaultCallGas uint64 `json:"default_call_gas" yaml:"default_call_gas"`
	EpochLength    uint64 `json:"epoch_length" yaml:"epoch_length"`
	BlockTimeMs    int    `json:"block_time_ms" yaml:"block_time_ms"`
	// AutoBlocks makes the node produce empty blocks every BlockTimeMs.
	AutoBlocks bool `json:"auto_blocks" yaml:"auto_blocks"`

	StorageDir    string `json:"storage_dir" yaml:"storage_dir"`
	OutcomeCache  int    `json:"outcome_cache" yaml:"outcome_cache"`
	ListenAddr    string `json:"listen_addr" yaml:"listen_addr"`
	SolcPath      string `json:"solc_path" yaml:"solc_path"`
	LogLevel      string `json:"log_level" yaml:"log_level"`
	LogFormat     string `json:"log_format" yaml:"log_format"`
	SpoonCacheMB  int    `json:"spoon_cache_mb" yaml:"spoon_cache_mb"`
	SpoonParallel int    `json:"spoon_parallel" yaml:"spoon_parallel"`

	Network NetworkConfig `json:"network" yaml:"network"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		ChainID:           1337,
		RootAccount:       "test.near",
		RootBalance:       "1000000000 ether",
		DevBalance:        "100 ether",
		SubaccountBalance: "10 ether",
		GasPrice:          "1000000000",
		BlockGasLimit:     30_000_000,
		DefaultCallGas:    10_000_000,
		EpochLength:       500,
		BlockTimeMs:       1000,
		OutcomeCache:      4096,
		ListenAddr:        "127.0.0.1:3030",
		SolcPath:          "solc",
		LogLevel:          "info",
		LogFormat:         "console",
		SpoonCacheMB:      32,
		SpoonParallel:     8,
		Network: NetworkConfig{
			TimeoutMs: 10_000,
		},
	}
}

// Load reads a JSON or YAML (by extension) config file on top of Default()
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads config/config.json from the current directory, falling
// back to Default() when the file does not exist
func LoadDefault() (*Config, error) {
	cfg, err := Load("config/config.json")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg = Default()
			cfg.ApplyEnv()
			return cfg, cfg.Validate()
		}
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as JSON (or YAML by extension)
func (c *Config) Save(path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ApplyEnv overrides fields from SANDBOX_* environment variables
func (c *Config) ApplyEnv() {
	if v := os.Getenv("SANDBOX_ROOT_ACCOUNT"); v != "" {
		c.RootAccount = v
	}
	if v := os.Getenv("SANDBOX_STORAGE_DIR"); v != "" {
		c.StorageDir = v
	}
	if v := os.Getenv("SANDBOX_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("SANDBOX_SOLC"); v != "" {
		c.SolcPath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v, err := strconv.Atoi(os.Getenv("SANDBOX_BLOCK_TIME_MS")); err == nil && v > 0 {
		c.BlockTimeMs = v
	}
	if v, err := strconv.ParseUint(os.Getenv("SANDBOX_CHAIN_ID"), 10, 64); err == nil && v > 0 {
		c.ChainID = v
	}
}

// Validate checks invariants the node relies on
func (c *Config) Validate() error {
	if c.ChainID == 0 {
		return fmt.Errorf("chain_id must be positive")
	}
	if c.RootAccount == "" {
		return fmt.Errorf("root_account is required")
	}
	if c.EpochLength == 0 {
		return fmt.Errorf("epoch_length must be positive")
	}
	if c.BlockTimeMs <= 0 {
		return fmt.Errorf("block_time_ms must be positive")
	}
	if c.BlockGasLimit == 0 {
		return fmt.Errorf("block_gas_limit must be positive")
	}
	if c.DefaultCallGas == 0 || c.DefaultCallGas > c.BlockGasLimit {
		return fmt.Errorf("default_call_gas must be in (0, block_gas_limit]")
	}
	if c.Network.DelayEnabled && c.Network.MaxDelayMs < c.Network.MinDelayMs {
		return fmt.Errorf("network.max_delay_ms must not be below min_delay_ms")
	}
	return nil
}
