package state

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"possession/native/possession"
)

var (
	dealPrefix      = []byte("possession/deal/")
	authorityKey    = []byte("possession/authority")
	liveDealsKey    = []byte("possession/deals/live")
	balancePrefix   = []byte("ledger/balance/")
	supplyPrefix    = []byte("ledger/supply/")
	itemOwnerPrefix = []byte("registry/owner/")
)

// DealStorageKey returns the raw (unhashed) key under which a deal record is
// kept.
func DealStorageKey(key possession.DealKey) []byte {
	buf := make([]byte, len(dealPrefix)+len(key))
	copy(buf, dealPrefix)
	copy(buf[len(dealPrefix):], key[:])
	return buf
}

// BalanceKey returns the raw key of an account balance in an asset.
func BalanceKey(asset, account common.Address) []byte {
	buf := make([]byte, 0, len(balancePrefix)+2*common.AddressLength+1)
	buf = append(buf, balancePrefix...)
	buf = append(buf, asset.Bytes()...)
	buf = append(buf, ':')
	buf = append(buf, account.Bytes()...)
	return buf
}

// SupplyKey returns the raw key of the total supply tracked for an asset.
func SupplyKey(asset common.Address) []byte {
	buf := make([]byte, 0, len(supplyPrefix)+common.AddressLength)
	buf = append(buf, supplyPrefix...)
	return append(buf, asset.Bytes()...)
}

// ItemOwnerKey returns the raw key recording the holder of a registry item.
// Item ids are encoded as fixed 32-byte words, so ids beyond 256 bits are
// rejected.
func ItemOwnerKey(registry common.Address, itemID *big.Int) ([]byte, error) {
	if itemID == nil || itemID.Sign() < 0 {
		return nil, fmt.Errorf("registry: item id must be non-negative")
	}
	word, overflow := uint256.FromBig(itemID)
	if overflow {
		return nil, fmt.Errorf("registry: item id exceeds 256 bits")
	}
	id := word.Bytes32()
	buf := make([]byte, 0, len(itemOwnerPrefix)+common.AddressLength+1+len(id))
	buf = append(buf, itemOwnerPrefix...)
	buf = append(buf, registry.Bytes()...)
	buf = append(buf, ':')
	return append(buf, id[:]...), nil
}
