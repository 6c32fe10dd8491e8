// Package helpers provides common encoding utilities used across the codebase.
package helpers

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Encoding errors.
var (
	ErrInvalidHex     = errors.New("invalid hex string")
	ErrInvalidLength  = errors.New("invalid length")
	ErrInvalidAddress = errors.New("invalid address")
)

// HexToUint64 converts a hex quantity (with or without 0x prefix) to uint64.
// Malformed input yields 0.
func HexToUint64(s string) uint64 {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return 0
	}
	val, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return 0
	}
	return val.Uint64()
}

// Uint64ToHex converts a uint64 to a hex quantity with 0x prefix.
func Uint64ToHex(n uint64) string {
	if n == 0 {
		return "0x0"
	}
	return "0x" + new(big.Int).SetUint64(n).Text(16)
}

// HexToBytes converts a hex string (with or without 0x prefix) to bytes.
func HexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHex, err)
	}
	return b, nil
}

// BytesToHex converts bytes to a hex string with 0x prefix.
func BytesToHex(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// ParseBytes32 normalizes a 32-byte value given as 0x-prefixed hex (66
// chars), bare hex (64 chars) or a raw 32-byte string.
func ParseBytes32(s string) ([32]byte, error) {
	var out [32]byte
	switch {
	case len(s) == 66 && (strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X")):
		b, err := hex.DecodeString(s[2:])
		if err != nil {
			return out, fmt.Errorf("%w: %v", ErrInvalidHex, err)
		}
		copy(out[:], b)
	case len(s) == 64:
		b, err := hex.DecodeString(s)
		if err != nil {
			return out, fmt.Errorf("%w: %v", ErrInvalidHex, err)
		}
		copy(out[:], b)
	case len(s) == 32:
		copy(out[:], s)
	default:
		return out, fmt.Errorf("%w: expected 32 bytes as hex or raw, got %d chars", ErrInvalidLength, len(s))
	}
	return out, nil
}

// ParseAddress32 parses a 20-byte EVM address (0x + 40 hex) and returns it
// right-aligned in a 32-byte slot with the top 12 bytes zero.
func ParseAddress32(s string) ([32]byte, error) {
	var out [32]byte
	if len(s) != 42 || !(strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X")) {
		return out, fmt.Errorf("%w: %q must be 0x followed by 40 hex chars", ErrInvalidAddress, s)
	}
	b, err := hex.DecodeString(s[2:])
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	copy(out[12:], b)
	return out, nil
}
