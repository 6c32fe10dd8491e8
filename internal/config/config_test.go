package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Klingon-tech/escrowd/internal/backend"
)

func TestLoadConfigCreatesDefault(t *testing.T) {
	tmpDir := t.TempDir()

	cfg, err := LoadConfig(tmpDir)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Storage.DataDir != tmpDir {
		t.Errorf("DataDir = %s, want %s", cfg.Storage.DataDir, tmpDir)
	}

	info, err := os.Stat(filepath.Join(tmpDir, ConfigFileName))
	if err != nil {
		t.Fatalf("config file not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("config file mode = %o, want 600", perm)
	}

	again, err := LoadConfig(tmpDir)
	if err != nil {
		t.Fatalf("second LoadConfig() error = %v", err)
	}
	if again.Monitor.PollInterval != 15*time.Second {
		t.Errorf("PollInterval = %v, want 15s", again.Monitor.PollInterval)
	}
	if again.Monitor.DefaultChainID != DefaultCounterpartChainID {
		t.Errorf("DefaultChainID = %d, want %d", again.Monitor.DefaultChainID, DefaultCounterpartChainID)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	yml := `
storage:
  backend: memory
logging:
  level: debug
escrow:
  strict_timelocks: true
monitor:
  enabled: true
  poll_interval: 5s
  default_chain_id: 11155111
  lookback_blocks: 20
  chains:
    1:
      type: ethclient
      rpc_url: wss://eth.example/ws
  contracts:
    11155111: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
retry:
  enabled: false
`
	if err := os.WriteFile(filepath.Join(tmpDir, ConfigFileName), []byte(yml), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(tmpDir)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if cfg.Storage.Backend != StorageMemory || cfg.Logging.Level != "debug" || !cfg.Escrow.StrictTimelocks {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.Monitor.PollInterval != 5*time.Second || cfg.Monitor.LookbackBlocks != 20 {
		t.Errorf("monitor = %+v, want 5s poll and 20 lookback", cfg.Monitor)
	}
	// Unset sections keep their defaults.
	if cfg.RPC.Listen != "127.0.0.1:8645" || cfg.Ledger.Type != LedgerLog {
		t.Errorf("defaults lost: rpc %q ledger %q", cfg.RPC.Listen, cfg.Ledger.Type)
	}

	chains := cfg.MonitorChains()
	if len(chains) != 2 {
		t.Fatalf("MonitorChains() = %d entries, want 2", len(chains))
	}
	if chains[1].Type != backend.TypeEthClient || chains[1].URL != "wss://eth.example/ws" {
		t.Errorf("chain 1 = %+v, want ethclient source", chains[1])
	}
	if chains[11155111].URL != "https://rpc.sepolia.org" {
		t.Errorf("default chain url = %s, want public Sepolia endpoint", chains[11155111].URL)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", ConfigFileName)
	cfg := DefaultConfig()
	cfg.Retry.MaxAttempts = 9
	cfg.Monitor.Chains = map[uint64]*backend.Config{84532: {Type: backend.TypeJSONRPC, URL: "http://localhost:8545"}}

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	loaded, err := LoadConfig(filepath.Dir(path))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if loaded.Retry.MaxAttempts != 9 {
		t.Errorf("MaxAttempts = %d, want 9", loaded.Retry.MaxAttempts)
	}
	if loaded.Monitor.Chains[84532] == nil || loaded.Monitor.Chains[84532].URL != "http://localhost:8545" {
		t.Errorf("Chains = %v, want local source for 84532", loaded.Monitor.Chains)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"bad storage", func(c *Config) { c.Storage.Backend = "postgres" }, false},
		{"bad ledger", func(c *Config) { c.Ledger.Type = "icp" }, false},
		{"evm without url", func(c *Config) { c.Ledger.Type = LedgerEVM; c.Ledger.PrivateKey = "00" }, false},
		{"evm without key", func(c *Config) { c.Ledger.Type = LedgerEVM; c.Ledger.RPCURL = "http://x" }, false},
		{"evm ok", func(c *Config) {
			c.Ledger.Type = LedgerEVM
			c.Ledger.RPCURL = "http://x"
			c.Ledger.Mnemonic = "test test test test test test test test test test test junk"
		}, true},
		{"bad signature", func(c *Config) { c.Monitor.EventSignature = "0x1234" }, false},
		{"bad contract", func(c *Config) { c.Monitor.Contracts = map[uint64]string{1: "nope"} }, false},
		{"zero poll", func(c *Config) { c.Monitor.PollInterval = 0 }, false},
		{"zero poll disabled", func(c *Config) { c.Monitor.Enabled = false; c.Monitor.PollInterval = 0 }, true},
		{"zero retry interval", func(c *Config) { c.Retry.Interval = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("Validate() error = %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestEventSignatureHash(t *testing.T) {
	cfg := DefaultConfig()
	got, err := cfg.EventSignatureHash()
	if err != nil {
		t.Fatal(err)
	}
	if want := crypto.Keccak256Hash([]byte("SecretRevealed(bytes32,bytes32)")); got != want {
		t.Errorf("EventSignatureHash() = %s, want %s", got.Hex(), want.Hex())
	}

	explicit := "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"
	cfg.Monitor.EventSignature = explicit
	got, err = cfg.EventSignatureHash()
	if err != nil {
		t.Fatal(err)
	}
	if got.Hex() != explicit {
		t.Errorf("EventSignatureHash() = %s, want %s", got.Hex(), explicit)
	}

	cfg.Monitor.EventSignature = ""
	cfg.Monitor.EventDeclaration = ""
	if got, _ := cfg.EventSignatureHash(); got != (common.Hash{}) {
		t.Errorf("EventSignatureHash() = %s, want zero", got.Hex())
	}
}

func TestChainRegistry(t *testing.T) {
	base, ok := GetChain(DefaultCounterpartChainID)
	if !ok || base.Name != "Base Sepolia" || !base.Testnet {
		t.Errorf("GetChain(84532) = %+v, %v, want Base Sepolia testnet", base, ok)
	}
	if ChainName(999999) != "" || DefaultRPC(999999) != "" {
		t.Error("unknown chain returned data")
	}

	mainnets := ListChains(false)
	if len(mainnets) != 7 || mainnets[0] != 1 {
		t.Errorf("ListChains(false) = %v, want 7 chains starting at 1", mainnets)
	}

	addr := common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	SetEscrowContract(31337, addr)
	t.Cleanup(func() {
		chainsMu.Lock()
		delete(evmChains, 31337)
		chainsMu.Unlock()
	})
	if EscrowContract(31337) != addr {
		t.Errorf("EscrowContract(31337) = %s, want %s", EscrowContract(31337).Hex(), addr.Hex())
	}
	if DefaultRPC(31337) != "" {
		t.Errorf("DefaultRPC(31337) = %s, want empty", DefaultRPC(31337))
	}
}

func TestApplyContracts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Monitor.Contracts = map[uint64]string{97: "0xC8515f07b08b586a2Fd6A389585D9a182D03adFB"}
	prev := EscrowContract(97)
	t.Cleanup(func() { SetEscrowContract(97, prev) })

	cfg.ApplyContracts()
	if got := EscrowContract(97); got != common.HexToAddress("0xC8515f07b08b586a2Fd6A389585D9a182D03adFB") {
		t.Errorf("EscrowContract(97) = %s", got.Hex())
	}
}
