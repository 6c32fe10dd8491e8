// Package escrow implements the destination-chain HTLC escrow: creation,
// secret-gated withdrawal, timelock-gated cancellation and the read surface
// over escrow records.
package escrow

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/Klingon-tech/escrowd/internal/timelock"
	"github.com/Klingon-tech/escrowd/pkg/helpers"
)

// Address is a 32-byte slot holding a 20-byte EVM address right-aligned.
type Address [32]byte

// ParseAddress parses a 0x-prefixed 40 hex char address into a slot.
func ParseAddress(s string) (Address, error) {
	slot, err := helpers.ParseAddress32(s)
	return Address(slot), err
}

// AddressFromEVM places an EVM address into a slot.
func AddressFromEVM(a common.Address) Address {
	var out Address
	copy(out[12:], a[:])
	return out
}

// EVM returns the low 20 bytes as an EVM address.
func (a Address) EVM() common.Address {
	return common.BytesToAddress(a[12:])
}

// Hex returns the checksummed 20-byte address.
func (a Address) Hex() string {
	return a.EVM().Hex()
}

// IsZero reports whether the slot is empty.
func (a Address) IsZero() bool {
	return helpers.IsZeroBytes(a[:])
}

// Immutables are the caller-supplied parameters of an escrow. They are never
// changed after creation except for the deployment field of Timelocks, which
// is stamped once by the engine.
type Immutables struct {
	OrderHash     common.Hash
	Hashlock      common.Hash
	Maker         Address
	Taker         Address
	Token         Address
	Amount        uint256.Int
	SafetyDeposit uint256.Int
	Timelocks     timelock.Timelocks
}

// Status is the lifecycle state of an escrow.
type Status string

const (
	StatusActive    Status = "active"
	StatusWithdrawn Status = "withdrawn"
	StatusCancelled Status = "cancelled"
)

// Level selects which withdrawal stage gates a withdrawal. It is a time
// gate only; both levels are open to any caller.
type Level int

const (
	Restricted Level = iota
	Public
)

func (l Level) String() string {
	if l == Public {
		return "public"
	}
	return "restricted"
}

// Stage returns the timelock stage that gates this level.
func (l Level) Stage() timelock.Stage {
	if l == Public {
		return timelock.DstPublicWithdrawal
	}
	return timelock.DstWithdrawal
}

// State is the mutable record of one escrow.
type State struct {
	ID         string
	Immutables Immutables
	Recipient  string
	// Ledger identifies the local asset ledger; empty means native.
	Ledger     string
	DeployedAt uint64
	// Secret is set when the escrow is withdrawn.
	Secret    *common.Hash
	Withdrawn bool
	Cancelled bool

	CounterpartChainID uint64
	CounterpartAddress common.Address
	AutoWithdraw       bool

	CreatedAt time.Time
}

// Status derives the lifecycle state from the terminal flags.
func (s *State) Status() Status {
	switch {
	case s.Withdrawn:
		return StatusWithdrawn
	case s.Cancelled:
		return StatusCancelled
	default:
		return StatusActive
	}
}

// Terminal reports whether the escrow has been withdrawn or cancelled.
func (s *State) Terminal() bool {
	return s.Withdrawn || s.Cancelled
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	c := *s
	if s.Secret != nil {
		secret := *s.Secret
		c.Secret = &secret
	}
	return &c
}

// StageInfo describes one timelock stage of an escrow.
type StageInfo struct {
	Stage timelock.Stage
	Name  string
	Time  uint64
	Met   bool
}

// MonitoringStatus summarizes how the secret monitor treats an escrow.
type MonitoringStatus struct {
	AutoWithdraw       bool
	CounterpartAddress common.Address
	CounterpartChainID uint64
}

// CreateParams are the inputs to Engine.Create.
type CreateParams struct {
	Immutables         Immutables
	Recipient          string
	Ledger             string
	CounterpartChainID uint64
	CounterpartAddress common.Address
}

// SimpleParams are the inputs to Engine.CreateSimple. Source-chain stages and
// the safety deposit take fixed defaults.
type SimpleParams struct {
	OrderHash          common.Hash
	Hashlock           common.Hash
	Maker              Address
	Taker              Address
	Token              Address
	Amount             uint256.Int
	Recipient          string
	Ledger             string
	DstWithdrawal      uint32
	DstCancellation    uint32
	CounterpartChainID uint64
	CounterpartAddress common.Address
}

// Defaults applied by CreateSimple.
const (
	SimpleSafetyDeposit        = 1_000_000
	SimplePublicWithdrawalDelay = 90
)

// SimpleSrcOffsets are the source-chain stage offsets used by CreateSimple.
var SimpleSrcOffsets = [4]uint32{10, 120, 121, 150}
