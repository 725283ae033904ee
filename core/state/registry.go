package state

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ErrNotItemHolder is returned when a registry transfer is attempted by an
// account that does not hold the item.
var ErrNotItemHolder = errors.New("registry: caller does not hold item")

// OwnerOf returns the current holder of a registry item.
func (m *Manager) OwnerOf(registry common.Address, itemID *big.Int) (common.Address, bool, error) {
	key, err := ItemOwnerKey(registry, itemID)
	if err != nil {
		return common.Address{}, false, err
	}
	var holder common.Address
	ok, err := m.KVGet(key, &holder)
	if err != nil || !ok {
		return common.Address{}, false, err
	}
	return holder, true, nil
}

// SetOwner records holder as the owner of the item, replacing any previous
// holder. A zero holder burns the item.
func (m *Manager) SetOwner(registry common.Address, itemID *big.Int, holder common.Address) error {
	key, err := ItemOwnerKey(registry, itemID)
	if err != nil {
		return err
	}
	if holder == (common.Address{}) {
		return m.KVDelete(key)
	}
	return m.KVPut(key, holder)
}

// TransferItem moves an item from its current holder to a new one.
func (m *Manager) TransferItem(registry common.Address, itemID *big.Int, from, to common.Address) error {
	holder, ok, err := m.OwnerOf(registry, itemID)
	if err != nil {
		return err
	}
	if !ok || holder != from || from == (common.Address{}) {
		return ErrNotItemHolder
	}
	if to == (common.Address{}) {
		return errors.New("registry: recipient required")
	}
	return m.SetOwner(registry, itemID, to)
}
