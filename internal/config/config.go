// Package config holds the escrow daemon configuration and the registry of
// known EVM counterpart chains.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"gopkg.in/yaml.v3"

	"github.com/Klingon-tech/escrowd/internal/backend"
	"github.com/Klingon-tech/escrowd/pkg/helpers"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Storage backends.
const (
	StorageSQLite = "sqlite"
	StorageMemory = "memory"
)

// Ledger types.
const (
	LedgerLog = "log" // logs transfers only
	LedgerEVM = "evm" // sends transactions on an EVM chain
)

// Config holds all configuration for the escrow daemon.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
	RPC     RPCConfig     `yaml:"rpc"`
	Escrow  EscrowConfig  `yaml:"escrow"`
	Monitor MonitorConfig `yaml:"monitor"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Retry   RetryConfig   `yaml:"retry"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for all data files.
	DataDir string `yaml:"data_dir"`

	// Backend is "sqlite" or "memory".
	Backend string `yaml:"backend"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// TimeFormat is a Go time layout for log timestamps.
	TimeFormat string `yaml:"time_format,omitempty"`
}

// RPCConfig holds JSON-RPC server settings.
type RPCConfig struct {
	Listen string `yaml:"listen"`
}

// EscrowConfig holds engine settings.
type EscrowConfig struct {
	// StrictTimelocks rejects escrows whose stage offsets are not
	// non-decreasing within each chain.
	StrictTimelocks bool `yaml:"strict_timelocks"`
}

// MonitorConfig holds counterpart chain monitoring settings.
type MonitorConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`

	// DefaultChainID is queried for escrows whose chain has no source.
	DefaultChainID uint64 `yaml:"default_chain_id"`

	// EventSignature is topic 0 as hex. When empty, the keccak256 of
	// EventDeclaration is used.
	EventSignature   string `yaml:"event_signature,omitempty"`
	EventDeclaration string `yaml:"event_declaration,omitempty"`

	LookbackBlocks uint64 `yaml:"lookback_blocks"`

	// Chains holds log sources per chain id. The default chain falls back
	// to its public RPC endpoint when not listed.
	Chains map[uint64]*backend.Config `yaml:"chains,omitempty"`

	// Contracts overrides escrow contract addresses per chain id.
	Contracts map[uint64]string `yaml:"contracts,omitempty"`
}

// LedgerConfig holds local settlement settings.
type LedgerConfig struct {
	Type         string `yaml:"type"`
	RPCURL       string `yaml:"rpc_url,omitempty"`
	ChainID      uint64 `yaml:"chain_id,omitempty"`
	PrivateKey   string `yaml:"private_key,omitempty"`
	Mnemonic     string `yaml:"mnemonic,omitempty"`
	AccountIndex uint32 `yaml:"account_index,omitempty"`
	WaitReceipt  bool   `yaml:"wait_receipt,omitempty"`
}

// RetryConfig holds settings for re-issuing failed transfers.
type RetryConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir: "~/.escrowd",
			Backend: StorageSQLite,
		},
		Logging: LoggingConfig{
			Level:      "info",
			TimeFormat: time.TimeOnly,
		},
		RPC: RPCConfig{
			Listen: "127.0.0.1:8645",
		},
		Monitor: MonitorConfig{
			Enabled:          true,
			PollInterval:     15 * time.Second,
			DefaultChainID:   DefaultCounterpartChainID,
			EventDeclaration: "SecretRevealed(bytes32,bytes32)",
		},
		Ledger: LedgerConfig{
			Type: LedgerLog,
		},
		Retry: RetryConfig{
			Enabled:     true,
			Interval:    30 * time.Second,
			MaxAttempts: 5,
		},
	}
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case StorageSQLite, StorageMemory:
	default:
		return fmt.Errorf("%w: storage.backend %q", ErrInvalidConfig, c.Storage.Backend)
	}

	switch c.Ledger.Type {
	case LedgerLog:
	case LedgerEVM:
		if c.Ledger.RPCURL == "" {
			return fmt.Errorf("%w: ledger.rpc_url required for evm ledger", ErrInvalidConfig)
		}
		if c.Ledger.PrivateKey == "" && c.Ledger.Mnemonic == "" {
			return fmt.Errorf("%w: ledger.private_key or ledger.mnemonic required", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: ledger.type %q", ErrInvalidConfig, c.Ledger.Type)
	}

	if _, err := c.EventSignatureHash(); err != nil {
		return err
	}
	for id, addr := range c.Monitor.Contracts {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("%w: monitor.contracts[%d] %q", ErrInvalidConfig, id, addr)
		}
	}
	if c.Monitor.Enabled && c.Monitor.PollInterval <= 0 {
		return fmt.Errorf("%w: monitor.poll_interval must be positive", ErrInvalidConfig)
	}
	if c.Retry.Enabled && c.Retry.Interval <= 0 {
		return fmt.Errorf("%w: retry.interval must be positive", ErrInvalidConfig)
	}
	return nil
}

// EventSignatureHash returns the configured topic 0, or the zero hash when
// neither a signature nor a declaration is set.
func (c *Config) EventSignatureHash() (common.Hash, error) {
	if c.Monitor.EventSignature != "" {
		b, err := helpers.ParseBytes32(c.Monitor.EventSignature)
		if err != nil {
			return common.Hash{}, fmt.Errorf("%w: monitor.event_signature: %v", ErrInvalidConfig, err)
		}
		return common.Hash(b), nil
	}
	if c.Monitor.EventDeclaration != "" {
		return crypto.Keccak256Hash([]byte(c.Monitor.EventDeclaration)), nil
	}
	return common.Hash{}, nil
}

// MonitorChains returns the log source config per chain id. The default
// chain gets its public endpoint when not configured explicitly.
func (c *Config) MonitorChains() map[uint64]*backend.Config {
	out := make(map[uint64]*backend.Config, len(c.Monitor.Chains)+1)
	for id, bc := range c.Monitor.Chains {
		if bc == nil {
			continue
		}
		cfg := *bc
		if cfg.URL == "" {
			cfg.URL = DefaultRPC(id)
		}
		if cfg.URL != "" {
			out[id] = &cfg
		}
	}
	if _, ok := out[c.Monitor.DefaultChainID]; !ok {
		if url := DefaultRPC(c.Monitor.DefaultChainID); url != "" {
			out[c.Monitor.DefaultChainID] = &backend.Config{Type: backend.TypeJSONRPC, URL: url}
		}
	}
	return out
}

// ApplyContracts registers the configured escrow contract overrides.
func (c *Config) ApplyContracts() {
	for id, addr := range c.Monitor.Contracts {
		SetEscrowContract(id, common.HexToAddress(addr))
	}
}

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it creates one with default values.
func LoadConfig(dataDir string) (*Config, error) {
	configPath := ConfigPath(dataDir)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}

		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# Escrow Daemon Configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), ConfigFileName)
}

// ExpandPath expands ~ to home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
