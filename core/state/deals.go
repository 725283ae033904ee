package state

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"possession/native/possession"
)

// DealGet loads the deal stored under key.
func (m *Manager) DealGet(key possession.DealKey) (*possession.DealState, bool, error) {
	deal := new(possession.DealState)
	ok, err := m.KVGet(DealStorageKey(key), deal)
	if err != nil || !ok {
		return nil, false, err
	}
	return deal, true, nil
}

// DealPut stores the deal record under key.
func (m *Manager) DealPut(key possession.DealKey, deal *possession.DealState) error {
	if deal == nil {
		return m.DealDelete(key)
	}
	exists, err := m.KVGet(DealStorageKey(key), nil)
	if err != nil {
		return err
	}
	if err := m.KVPut(DealStorageKey(key), deal); err != nil {
		return err
	}
	if exists {
		return nil
	}
	return m.adjustLiveDeals(1)
}

// DealDelete removes the deal record stored under key.
func (m *Manager) DealDelete(key possession.DealKey) error {
	exists, err := m.KVGet(DealStorageKey(key), nil)
	if err != nil || !exists {
		return err
	}
	if err := m.KVDelete(DealStorageKey(key)); err != nil {
		return err
	}
	return m.adjustLiveDeals(-1)
}

// LiveDeals returns the number of deal records currently stored.
func (m *Manager) LiveDeals() (uint64, error) {
	var count uint64
	if _, err := m.KVGet(liveDealsKey, &count); err != nil {
		return 0, err
	}
	return count, nil
}

func (m *Manager) adjustLiveDeals(delta int) error {
	count, err := m.LiveDeals()
	if err != nil {
		return err
	}
	switch {
	case delta > 0:
		count++
	case count == 0:
		return fmt.Errorf("possession: live deal counter underflow")
	default:
		count--
	}
	if count == 0 {
		return m.KVDelete(liveDealsKey)
	}
	return m.KVPut(liveDealsKey, count)
}

// AuthorityGet returns the neutral authority receiving forfeited stakes.
func (m *Manager) AuthorityGet() (common.Address, bool, error) {
	var addr common.Address
	ok, err := m.KVGet(authorityKey, &addr)
	if err != nil || !ok {
		return common.Address{}, false, err
	}
	return addr, true, nil
}

// AuthorityPut records the neutral authority.
func (m *Manager) AuthorityPut(addr common.Address) error {
	return m.KVPut(authorityKey, addr)
}
