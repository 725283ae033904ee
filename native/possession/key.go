package possession

import (
	"encoding/hex"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// DealKey is the content address of a deal: the keccak256 hash of the RLP
// encoding of its terms.
type DealKey [32]byte

// Hex returns the 0x-prefixed hex form of the key.
func (k DealKey) Hex() string {
	return "0x" + hex.EncodeToString(k[:])
}

func (k DealKey) String() string { return k.Hex() }

// DeriveKey computes the deal key for the supplied terms. The RLP field list
// is fixed, so the key is stable across releases and changes whenever any
// field of the terms changes. Only terms with negative amounts fail to encode;
// SanitizeTerms rejects those first.
func DeriveKey(t *Terms) (DealKey, error) {
	if t == nil {
		return DealKey{}, fmt.Errorf("%w: nil terms", ErrInvalidTerms)
	}
	encoded, err := rlp.EncodeToBytes(t.Clone())
	if err != nil {
		return DealKey{}, fmt.Errorf("%w: %v", ErrInvalidTerms, err)
	}
	return DealKey(ethcrypto.Keccak256Hash(encoded)), nil
}

// ParseDealKey decodes a 32-byte hex key with or without the 0x prefix.
func ParseDealKey(value string) (DealKey, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	if trimmed == "" {
		return DealKey{}, fmt.Errorf("deal key required")
	}
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return DealKey{}, fmt.Errorf("invalid deal key: %w", err)
	}
	if len(raw) != len(DealKey{}) {
		return DealKey{}, fmt.Errorf("deal key must be 32 bytes")
	}
	var key DealKey
	copy(key[:], raw)
	return key, nil
}
