package hashlock

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
)

func TestHashMatchesKeccak(t *testing.T) {
	secrets := [][32]byte{
		{},
		SecretFromString("s"),
		SecretFromString("0xab" + strings.Repeat("00", 30) + "cd"),
	}
	for _, s := range secrets {
		want := crypto.Keccak256Hash(s[:])
		if got := Hash(s); got != want {
			t.Errorf("Hash(%x) = %s, want %s", s, got.Hex(), want.Hex())
		}
	}
}

func TestKnownVector(t *testing.T) {
	// keccak256 of 32 zero bytes.
	const want = "0x290decd9548b62a8d60345a988386fc84ba6bc95484008f6362f93160ef3e563"
	if got := Hash([32]byte{}).Hex(); got != want {
		t.Errorf("Hash(zero) = %s, want %s", got, want)
	}
}

func TestVerify(t *testing.T) {
	secret := SecretFromString("s")
	lock := Hash(secret)

	if !Verify(secret, lock) {
		t.Error("Verify(secret, Hash(secret)) = false")
	}

	other := secret
	other[31] ^= 1
	if Verify(other, lock) {
		t.Error("Verify accepted a different secret")
	}
	if Verify(secret, [32]byte{}) {
		t.Error("Verify accepted a zero hashlock")
	}
}

func TestGenerateSecret(t *testing.T) {
	s1, h1, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret error = %v", err)
	}
	s2, _, _ := GenerateSecret()
	if s1 == s2 {
		t.Error("GenerateSecret returned the same secret twice")
	}
	if !Verify(s1, h1) {
		t.Error("generated hashlock does not verify")
	}
}

func TestSecretFromString(t *testing.T) {
	hexSecret := "0x1111111111111111111111111111111111111111111111111111111111111111"
	s := SecretFromString(hexSecret)
	for _, b := range s {
		if b != 0x11 {
			t.Fatalf("SecretFromString(hex) = %x", s)
		}
	}

	s = SecretFromString("s")
	if s[0] != 's' {
		t.Errorf("SecretFromString(short) = %x", s)
	}
	for _, b := range s[1:] {
		if b != 0 {
			t.Fatalf("short secret not zero padded: %x", s)
		}
	}
}

func TestHashBytes(t *testing.T) {
	if got, want := HashBytes([]byte("s")), crypto.Keccak256Hash([]byte("s")); got != want {
		t.Errorf("HashBytes(s) = %s, want %s", got.Hex(), want.Hex())
	}
	s := SecretFromString("s")
	if HashBytes([]byte("s")) == Hash(s) {
		t.Error("unpadded and padded hashes should differ")
	}
}
