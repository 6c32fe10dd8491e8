package config

import (
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultCounterpartChainID is Base Sepolia.
const DefaultCounterpartChainID uint64 = 84532

// =============================================================================
// EVM Chains
// =============================================================================

// EVMChain describes a counterpart chain the monitor can query.
type EVMChain struct {
	Name        string
	ChainID     uint64
	RPCEndpoint string // Default public RPC endpoint
	Testnet     bool

	// EscrowContract is the counterpart escrow emitting SecretRevealed.
	// Zero until deployed or configured.
	EscrowContract common.Address
}

var (
	chainsMu sync.RWMutex

	// evmChains maps chainID -> chain parameters
	evmChains = map[uint64]*EVMChain{
		// ==========================================================================
		// Mainnets
		// ==========================================================================
		1:     {Name: "Ethereum", ChainID: 1, RPCEndpoint: "https://eth.llamarpc.com"},
		56:    {Name: "BSC", ChainID: 56, RPCEndpoint: "https://bsc-dataseed.binance.org"},
		137:   {Name: "Polygon", ChainID: 137, RPCEndpoint: "https://polygon-rpc.com"},
		42161: {Name: "Arbitrum One", ChainID: 42161, RPCEndpoint: "https://arb1.arbitrum.io/rpc"},
		10:    {Name: "Optimism", ChainID: 10, RPCEndpoint: "https://mainnet.optimism.io"},
		8453:  {Name: "Base", ChainID: 8453, RPCEndpoint: "https://mainnet.base.org"},
		43114: {Name: "Avalanche C-Chain", ChainID: 43114, RPCEndpoint: "https://api.avax.network/ext/bc/C/rpc"},

		// ==========================================================================
		// Testnets
		// ==========================================================================
		11155111: {Name: "Sepolia", ChainID: 11155111, RPCEndpoint: "https://rpc.sepolia.org", Testnet: true},
		97:       {Name: "BSC Testnet", ChainID: 97, RPCEndpoint: "https://data-seed-prebsc-1-s1.binance.org:8545", Testnet: true},
		80002:    {Name: "Polygon Amoy", ChainID: 80002, RPCEndpoint: "https://rpc-amoy.polygon.technology", Testnet: true},
		421614:   {Name: "Arbitrum Sepolia", ChainID: 421614, RPCEndpoint: "https://sepolia-rollup.arbitrum.io/rpc", Testnet: true},
		11155420: {Name: "Optimism Sepolia", ChainID: 11155420, RPCEndpoint: "https://sepolia.optimism.io", Testnet: true},
		84532:    {Name: "Base Sepolia", ChainID: 84532, RPCEndpoint: "https://sepolia.base.org", Testnet: true},
		43113:    {Name: "Avalanche Fuji", ChainID: 43113, RPCEndpoint: "https://api.avax-test.network/ext/bc/C/rpc", Testnet: true},
	}
)

// GetChain returns a copy of a registered chain.
func GetChain(chainID uint64) (EVMChain, bool) {
	chainsMu.RLock()
	defer chainsMu.RUnlock()
	c, ok := evmChains[chainID]
	if !ok {
		return EVMChain{}, false
	}
	return *c, true
}

// ChainName returns the chain's name, or "" if unknown.
func ChainName(chainID uint64) string {
	c, _ := GetChain(chainID)
	return c.Name
}

// DefaultRPC returns the public RPC endpoint of a chain, or "" if unknown.
func DefaultRPC(chainID uint64) string {
	c, _ := GetChain(chainID)
	return c.RPCEndpoint
}

// EscrowContract returns the escrow contract for a chain, or the zero
// address if none is known.
func EscrowContract(chainID uint64) common.Address {
	c, _ := GetChain(chainID)
	return c.EscrowContract
}

// SetEscrowContract sets the escrow contract for a chain, registering an
// unnamed chain if needed.
func SetEscrowContract(chainID uint64, address common.Address) {
	chainsMu.Lock()
	defer chainsMu.Unlock()
	c, ok := evmChains[chainID]
	if !ok {
		c = &EVMChain{ChainID: chainID}
		evmChains[chainID] = c
	}
	c.EscrowContract = address
}

// ListChains returns the chain ids of one network kind in ascending order.
func ListChains(testnet bool) []uint64 {
	chainsMu.RLock()
	defer chainsMu.RUnlock()
	var ids []uint64
	for id, c := range evmChains {
		if c.Testnet == testnet {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
