// Package timelock implements the packed 256-bit timelock word shared with
// the EVM escrow contracts.
//
// Layout (big-endian u32 fields):
//
//	bytes [0:4]   SrcWithdrawal offset
//	bytes [4:8]   SrcPublicWithdrawal offset
//	...
//	bytes [24:28] DstCancellation offset
//	bytes [28:32] deployment timestamp
//
// The absolute time of a stage is deployedAt + offset(stage), in seconds.
package timelock

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Stage identifies one of the seven time-gated permissions.
type Stage uint8

// Stages in wire order.
const (
	SrcWithdrawal Stage = iota
	SrcPublicWithdrawal
	SrcCancellation
	SrcPublicCancellation
	DstWithdrawal
	DstPublicWithdrawal
	DstCancellation
)

// NumStages is the number of stage offsets packed into a Timelocks word.
const NumStages = 7

const deployedAtOffset = 28

var stageNames = [NumStages]string{
	"SrcWithdrawal",
	"SrcPublicWithdrawal",
	"SrcCancellation",
	"SrcPublicCancellation",
	"DstWithdrawal",
	"DstPublicWithdrawal",
	"DstCancellation",
}

// ErrUnknownStage is returned by ParseStage.
var ErrUnknownStage = errors.New("unknown timelock stage")

// ErrNotMonotonic is returned by Validate when stage times go backwards.
var ErrNotMonotonic = errors.New("timelock stages not monotonic")

// String returns the canonical stage name.
func (s Stage) String() string {
	if !s.Valid() {
		return fmt.Sprintf("Stage(%d)", uint8(s))
	}
	return stageNames[s]
}

// Valid reports whether s is one of the seven defined stages.
func (s Stage) Valid() bool {
	return s < NumStages
}

// ParseStage resolves a stage by name (case-insensitive).
func ParseStage(name string) (Stage, error) {
	for i, n := range stageNames {
		if strings.EqualFold(n, name) {
			return Stage(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStage, name)
}

// Stages returns all stages in wire order.
func Stages() []Stage {
	out := make([]Stage, NumStages)
	for i := range out {
		out[i] = Stage(i)
	}
	return out
}

// Timelocks is the packed 32-byte timelock word.
type Timelocks [32]byte

// Encode packs seven stage offsets and a deployment timestamp.
func Encode(offsets [NumStages]uint32, deployedAt uint32) Timelocks {
	var t Timelocks
	for i, off := range offsets {
		binary.BigEndian.PutUint32(t[i*4:], off)
	}
	binary.BigEndian.PutUint32(t[deployedAtOffset:], deployedAt)
	return t
}

// FromBytes copies a 32-byte slice into a Timelocks value.
func FromBytes(b []byte) (Timelocks, error) {
	var t Timelocks
	if len(b) != len(t) {
		return t, fmt.Errorf("timelocks must be 32 bytes, got %d", len(b))
	}
	copy(t[:], b)
	return t, nil
}

// Offset returns the relative offset of a stage. Panics on an invalid stage.
func (t Timelocks) Offset(s Stage) uint32 {
	if !s.Valid() {
		panic(fmt.Sprintf("timelock: invalid stage %d", uint8(s)))
	}
	return binary.BigEndian.Uint32(t[int(s)*4:])
}

// Offsets returns all seven relative offsets.
func (t Timelocks) Offsets() [NumStages]uint32 {
	var out [NumStages]uint32
	for i := range out {
		out[i] = t.Offset(Stage(i))
	}
	return out
}

// DeployedAt returns the deployment timestamp field.
func (t Timelocks) DeployedAt() uint32 {
	return binary.BigEndian.Uint32(t[deployedAtOffset:])
}

// SetDeployedAt returns a copy with only the deployment field replaced.
func (t Timelocks) SetDeployedAt(ts uint32) Timelocks {
	binary.BigEndian.PutUint32(t[deployedAtOffset:], ts)
	return t
}

// StageTime returns the absolute time of a stage in seconds.
func (t Timelocks) StageTime(s Stage) uint64 {
	return uint64(t.DeployedAt()) + uint64(t.Offset(s))
}

// Hex returns the word as 0x-prefixed hex.
func (t Timelocks) Hex() string {
	return hexutil.Encode(t[:])
}

// Validate checks that source-chain stages and destination-chain stages are
// each non-decreasing in time. Escrows only pass through it in strict mode.
func Validate(t Timelocks) error {
	chains := [][]Stage{
		{SrcWithdrawal, SrcPublicWithdrawal, SrcCancellation, SrcPublicCancellation},
		{DstWithdrawal, DstPublicWithdrawal, DstCancellation},
	}
	for _, stages := range chains {
		for i := 1; i < len(stages); i++ {
			prev, cur := stages[i-1], stages[i]
			if t.Offset(cur) < t.Offset(prev) {
				return fmt.Errorf("%w: %s (%d) before %s (%d)",
					ErrNotMonotonic, cur, t.Offset(cur), prev, t.Offset(prev))
			}
		}
	}
	return nil
}
