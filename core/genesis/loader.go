// core/genesis/loader.go
package genesis

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"possession/core/state"
	"possession/storage"
	"possession/storage/trie"
)

// ApplyToState writes the genesis allocations into the state. Entries are
// applied in a canonical order so every node derives the same root.
func ApplyToState(spec *GenesisSpec, manager *state.Manager) error {
	if spec == nil {
		return fmt.Errorf("genesis spec must not be nil")
	}
	if manager == nil {
		return fmt.Errorf("state manager must not be nil")
	}

	// 1) Balances (account, then asset)
	allocs := append([]allocation(nil), spec.allocations...)
	sort.Slice(allocs, func(i, j int) bool {
		if c := bytes.Compare(allocs[i].account[:], allocs[j].account[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(allocs[i].asset[:], allocs[j].asset[:]) < 0
	})
	for _, alloc := range allocs {
		if err := manager.Credit(alloc.asset, alloc.account, alloc.amount); err != nil {
			return fmt.Errorf("alloc[%s][%s]: %w", alloc.account.Hex(), alloc.asset.Hex(), err)
		}
	}

	// 2) Registry items (registry, then item id)
	items := append([]item(nil), spec.items...)
	sort.Slice(items, func(i, j int) bool {
		if c := bytes.Compare(items[i].registry[:], items[j].registry[:]); c != 0 {
			return c < 0
		}
		return items[i].itemID.Cmp(items[j].itemID) < 0
	})
	for _, it := range items {
		if err := manager.SetOwner(it.registry, it.itemID, it.holder); err != nil {
			return fmt.Errorf("item %s/%s: %w", it.registry.Hex(), it.itemID, err)
		}
	}

	// 3) Neutral authority
	if addr, ok := spec.AuthorityAddress(); ok {
		if err := manager.AuthorityPut(addr); err != nil {
			return fmt.Errorf("authority: %w", err)
		}
	}
	return nil
}

// BuildGenesisFromSpec applies the spec to an empty trie on db, commits it and
// returns the genesis state root.
func BuildGenesisFromSpec(spec *GenesisSpec, db storage.Database) (common.Hash, error) {
	if db == nil {
		return common.Hash{}, fmt.Errorf("database must not be nil")
	}
	stateTrie, err := trie.NewTrie(db, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("init state trie: %w", err)
	}
	parentRoot := stateTrie.Root()
	if err := ApplyToState(spec, state.NewManager(stateTrie)); err != nil {
		return common.Hash{}, err
	}
	root, err := stateTrie.Commit(parentRoot, 0)
	if err != nil {
		return common.Hash{}, fmt.Errorf("commit state: %w", err)
	}
	return root, nil
}
