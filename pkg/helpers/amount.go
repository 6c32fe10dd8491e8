package helpers

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// ParseUint256 parses an unsigned 256-bit amount given in decimal or as a
// 0x-prefixed hex quantity. An empty string is zero.
func ParseUint256(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return new(uint256.Int), nil
	}

	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		// uint256 rejects zero-padded hex.
		digits := strings.TrimLeft(s[2:], "0")
		if digits == "" && len(s) > 2 {
			digits = "0"
		}
		v, err := uint256.FromHex("0x" + digits)
		if err != nil {
			return nil, fmt.Errorf("invalid amount %q: %w", s, err)
		}
		return v, nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return v, nil
}

// Low64 returns the low 64 bits of a 256-bit value and whether the value
// fits in them without truncation.
func Low64(v *uint256.Int) (uint64, bool) {
	if v == nil {
		return 0, true
	}
	return v.Uint64(), v.IsUint64()
}
