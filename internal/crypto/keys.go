// Package crypto holds the Ed25519 key handling, address derivation and
// encrypted key files used by the ledger and its clients.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"filippo.io/edwards25519"

	"PredictLedger/internal/apperr"
)

const (
	// AddressPrefix namespaces every ledger address.
	AddressPrefix = "L1_"
	// AddressLen is len(AddressPrefix) + 32 hex characters.
	AddressLen = 35

	PublicKeySize = ed25519.PublicKeySize
	SignatureSize = ed25519.SignatureSize
	SeedSize      = ed25519.SeedSize
)

var addressPattern = regexp.MustCompile(`^L1_[0-9A-F]{32}$`)

// ParsePublicKey decodes a hex public key (either case) and checks that it
// encodes a point on the curve.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, apperr.New(apperr.CodeInvalidPubkey, "pubkey is not hex: %v", err)
	}
	if len(raw) != PublicKeySize {
		return nil, apperr.New(apperr.CodeInvalidPubkey, "pubkey must be %d bytes, got %d", PublicKeySize, len(raw))
	}
	if _, err := new(edwards25519.Point).SetBytes(raw); err != nil {
		return nil, apperr.New(apperr.CodeInvalidPubkey, "pubkey is not a valid curve point")
	}
	return ed25519.PublicKey(raw), nil
}

// ParseSignature decodes a hex signature and checks its length.
func ParseSignature(s string) ([]byte, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, apperr.New(apperr.CodeInvalidSignature, "signature is not hex: %v", err)
	}
	if len(raw) != SignatureSize {
		return nil, apperr.New(apperr.CodeInvalidSignature, "signature must be %d bytes, got %d", SignatureSize, len(raw))
	}
	return raw, nil
}

// DeriveAddress maps a public key to "L1_" followed by the upper-case hex of
// the first 16 bytes of SHA-256(pubkey).
func DeriveAddress(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return AddressPrefix + strings.ToUpper(hex.EncodeToString(sum[:16]))
}

// IsAddress reports whether s is a well-formed address.
func IsAddress(s string) bool {
	return len(s) == AddressLen && addressPattern.MatchString(s)
}

// EncodeHex is lower-case hex, the only case the ledger emits.
func EncodeHex(b []byte) string {
	return hex.EncodeToString(b)
}

// KeyPair is a signing identity.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh random key pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: generating key: %w", err)
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// KeyPairFromSeed rebuilds a key pair from its 32-byte seed.
func KeyPairFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("crypto: seed must be %d bytes, got %d", SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &KeyPair{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
}

// KeyPairFromSeedHex is KeyPairFromSeed over a hex string.
func KeyPairFromSeedHex(s string) (*KeyPair, error) {
	seed, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid seed hex: %w", err)
	}
	return KeyPairFromSeed(seed)
}

func (k *KeyPair) Address() string {
	return DeriveAddress(k.Public)
}

func (k *KeyPair) PublicHex() string {
	return EncodeHex(k.Public)
}

func (k *KeyPair) SeedHex() string {
	return EncodeHex(k.Private.Seed())
}

// Sign signs a message (the ledger always signs a 32-byte digest).
func (k *KeyPair) Sign(msg []byte) []byte {
	return ed25519.Sign(k.Private, msg)
}

// Verify checks an Ed25519 signature.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	return ed25519.Verify(pub, msg, sig)
}
