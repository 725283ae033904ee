package trie

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethtrie "github.com/ethereum/go-ethereum/trie"
	"github.com/ethereum/go-ethereum/trie/trienode"
	"github.com/ethereum/go-ethereum/triedb"

	"possession/storage"
)

// Trie wraps go-ethereum's trie implementation to expose a simplified API for the
// rest of the codebase while keeping access to the underlying trie database.
//
// The wrapper keeps track of the last committed root and recreates the
// underlying trie after each commit/reset so the instance can be reused across
// transactions. In-memory checkpoints allow a transaction to be unwound without
// touching the committed root.
//
// The keys passed into Get/Update/Delete are expected to be fully hashed
// (keccak256) before insertion.
//
// Trie is not safe for concurrent use.
type Trie struct {
	trieDB      *triedb.Database
	trie        *gethtrie.Trie
	root        common.Hash
	checkpoints []*gethtrie.Trie
}

// NewTrie creates a trie backed by the provided storage and optional root. A nil
// or empty root denotes the empty trie.
func NewTrie(store storage.Database, root []byte) (*Trie, error) {
	trieDB := store.TrieDB()
	rootHash := gethtypes.EmptyRootHash
	if len(root) > 0 {
		rootHash = common.BytesToHash(root)
	}
	underlying, err := gethtrie.New(gethtrie.TrieID(rootHash), trieDB)
	if err != nil {
		return nil, err
	}
	return &Trie{
		trieDB: trieDB,
		trie:   underlying,
		root:   rootHash,
	}, nil
}

// Get retrieves a value from the trie for the provided key. Missing keys yield
// a nil slice and no error.
func (t *Trie) Get(key []byte) ([]byte, error) {
	return t.trie.Get(key)
}

// Update inserts or updates a value in the trie for the provided key.
func (t *Trie) Update(key, value []byte) error {
	return t.trie.Update(key, value)
}

// Delete removes the value stored under key. Deleting a missing key is not an
// error.
func (t *Trie) Delete(key []byte) error {
	return t.trie.Delete(key)
}

// Hash returns the root hash of the trie reflecting all in-memory mutations.
func (t *Trie) Hash() common.Hash {
	return t.trie.Hash()
}

// Root returns the last committed root hash.
func (t *Trie) Root() common.Hash {
	return t.root
}

// Checkpoint records the current in-memory trie and returns an identifier that
// can later be passed to RevertTo.
func (t *Trie) Checkpoint() int {
	t.checkpoints = append(t.checkpoints, t.trie.Copy())
	return len(t.checkpoints) - 1
}

// RevertTo restores the trie to the state captured by Checkpoint and drops the
// checkpoint along with every later one.
func (t *Trie) RevertTo(id int) error {
	if id < 0 || id >= len(t.checkpoints) {
		return fmt.Errorf("trie: unknown checkpoint %d", id)
	}
	t.trie = t.checkpoints[id]
	t.checkpoints = t.checkpoints[:id]
	return nil
}

// Release drops the checkpoint and every later one while keeping the current
// in-memory state.
func (t *Trie) Release(id int) {
	if id < 0 || id >= len(t.checkpoints) {
		return
	}
	t.checkpoints = t.checkpoints[:id]
}

// Reset discards any in-memory changes and reloads the trie at the provided
// root. It is used to roll back a failed transaction.
func (t *Trie) Reset(root common.Hash) error {
	underlying, err := gethtrie.New(gethtrie.TrieID(root), t.trieDB)
	if err != nil {
		return err
	}
	t.trie = underlying
	t.root = root
	t.checkpoints = nil
	return nil
}

// Commit persists the trie changes to the backing database and returns the new
// root hash. After committing the wrapper recreates the underlying trie so it
// can be reused for subsequent transactions.
func (t *Trie) Commit(parent common.Hash, height uint64) (common.Hash, error) {
	newRoot, nodes := t.trie.Commit(false)
	if nodes != nil {
		merged := trienode.NewMergedNodeSet()
		if err := merged.Merge(nodes); err != nil {
			return common.Hash{}, err
		}
		if err := t.trieDB.Update(newRoot, parent, height, merged, nil); err != nil {
			return common.Hash{}, err
		}
		if err := t.trieDB.Commit(newRoot, false); err != nil {
			return common.Hash{}, err
		}
	}
	underlying, err := gethtrie.New(gethtrie.TrieID(newRoot), t.trieDB)
	if err != nil {
		return common.Hash{}, err
	}
	t.trie = underlying
	t.root = newRoot
	t.checkpoints = nil
	return newRoot, nil
}
