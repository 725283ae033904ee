package possession

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// OwnershipRegistry answers who currently holds an item of a registry.
type OwnershipRegistry interface {
	OwnerOf(registry common.Address, itemID *big.Int) (common.Address, bool, error)
}

// Ownership checks callers against the registry on every call. Holders change
// over a deal's lifetime, so answers are never cached.
type Ownership struct {
	registry OwnershipRegistry
}

// NewOwnership wraps the registry.
func NewOwnership(registry OwnershipRegistry) *Ownership {
	return &Ownership{registry: registry}
}

// IsCurrentOwner reports whether candidate holds the referenced item right now.
func (o *Ownership) IsCurrentOwner(token TokenRef, candidate common.Address) (bool, error) {
	if o == nil || o.registry == nil {
		return false, errNilState
	}
	if candidate == (common.Address{}) {
		return false, nil
	}
	holder, ok, err := o.registry.OwnerOf(token.Registry, cloneBigInt(token.ItemID))
	if err != nil {
		return false, err
	}
	return ok && holder == candidate, nil
}
