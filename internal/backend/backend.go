// Package backend queries EVM chains for contract event logs. It is
// read-only: nothing here signs or broadcasts.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Common errors
var (
	ErrNotConnected       = errors.New("backend not connected")
	ErrRPC                = errors.New("rpc error")
	ErrUnsupportedBackend = errors.New("unsupported backend type")
	ErrNoSource           = errors.New("no log source for chain")
)

// Type represents the backend type.
type Type string

const (
	TypeJSONRPC   Type = "jsonrpc"   // raw HTTP JSON-RPC
	TypeEthClient Type = "ethclient" // go-ethereum client (http or ws)
)

// Block tags accepted by LogFilter.
const (
	BlockLatest = "latest"
)

// LogFilter selects event logs. Topics are positional exact matches.
type LogFilter struct {
	Address   common.Address
	Topics    []common.Hash
	FromBlock string
	ToBlock   string
}

// Log is one event log entry as returned by eth_getLogs.
type Log struct {
	Address     common.Address  `json:"address"`
	Topics      []common.Hash   `json:"topics"`
	Data        hexutil.Bytes   `json:"data"`
	BlockNumber *hexutil.Uint64 `json:"blockNumber,omitempty"`
	TxHash      *common.Hash    `json:"transactionHash,omitempty"`
	LogIndex    *hexutil.Uint   `json:"logIndex,omitempty"`
}

// LogSource fetches event logs from one chain.
type LogSource interface {
	Type() Type
	GetLogs(ctx context.Context, filter LogFilter) ([]Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close() error
}

// Config describes one chain's log source.
type Config struct {
	Type    Type   `yaml:"type"`
	URL     string `yaml:"rpc_url"`
	Timeout int    `yaml:"timeout,omitempty"` // seconds, default 30
}

func (c *Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Timeout) * time.Second
}

// New creates a log source from config.
func New(ctx context.Context, cfg *Config) (LogSource, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, fmt.Errorf("backend url required")
	}
	switch cfg.Type {
	case TypeJSONRPC, "":
		return NewJSONRPCBackend(cfg.URL, cfg.timeout()), nil
	case TypeEthClient:
		return DialEthClient(ctx, cfg.URL)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, cfg.Type)
	}
}

// Registry holds log sources keyed by chain id.
type Registry struct {
	mu       sync.RWMutex
	sources  map[uint64]LogSource
	fallback uint64
}

// NewRegistry creates an empty registry. Lookups for chains without a
// dedicated source use the source of fallbackChain, if any.
func NewRegistry(fallbackChain uint64) *Registry {
	return &Registry{sources: make(map[uint64]LogSource), fallback: fallbackChain}
}

// Register adds or replaces the source for a chain.
func (r *Registry) Register(chainID uint64, src LogSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[chainID] = src
}

// Get returns the source for a chain, falling back to the default chain.
func (r *Registry) Get(chainID uint64) (LogSource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if src, ok := r.sources[chainID]; ok {
		return src, nil
	}
	if src, ok := r.sources[r.fallback]; ok {
		return src, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrNoSource, chainID)
}

// Chains lists the registered chain ids in ascending order.
func (r *Registry) Chains() []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uint64, 0, len(r.sources))
	for id := range r.sources {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close closes every registered source.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, src := range r.sources {
		if err := src.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
