// Package hashlock computes and checks keccak256 secret commitments, the
// same hash the EVM escrow contracts use.
package hashlock

import (
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"

	"github.com/Klingon-tech/escrowd/pkg/helpers"
)

// Hash returns keccak256(secret).
func Hash(secret [32]byte) common.Hash {
	return HashBytes(secret[:])
}

// HashBytes returns keccak256 over arbitrary bytes. Only a 32-byte input
// yields a commitment usable as an escrow hashlock.
func HashBytes(b []byte) common.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write(b)
	var out common.Hash
	h.Sum(out[:0])
	return out
}

// Verify reports whether secret hashes to the given commitment.
func Verify(secret [32]byte, hashlock common.Hash) bool {
	return Hash(secret) == hashlock
}

// GenerateSecret returns a fresh random secret and its hashlock.
func GenerateSecret() ([32]byte, common.Hash, error) {
	var secret [32]byte
	b, err := helpers.GenerateSecureRandom(32)
	if err != nil {
		return secret, common.Hash{}, err
	}
	copy(secret[:], b)
	return secret, Hash(secret), nil
}

// SecretFromString interprets s as a 32-byte secret. Hex and raw 32-byte
// encodings are decoded; anything else is taken as bytes, zero padded or
// truncated to 32.
func SecretFromString(s string) [32]byte {
	if b, err := helpers.ParseBytes32(s); err == nil {
		return b
	}
	return helpers.FitBytes32([]byte(s))
}
