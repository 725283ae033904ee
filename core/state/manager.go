package state

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"possession/storage/trie"
)

// Manager provides typed access to the deal, ledger, registry and authority
// records kept in the state trie. A Manager is created per transaction and is
// not safe for concurrent use.
type Manager struct {
	trie *trie.Trie
}

// NewManager creates a state manager operating on the provided trie.
func NewManager(tr *trie.Trie) *Manager {
	return &Manager{trie: tr}
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

// KVPut RLP-encodes value and stores it under keccak256(key).
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.trie.Update(kvKey(key), encoded)
}

// KVGet decodes the record under key into out. A nil out only probes for
// presence.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.trie.Get(kvKey(key))
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVDelete removes the value stored under key.
func (m *Manager) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	return m.trie.Delete(kvKey(key))
}

// Snapshot captures the uncommitted state so a failing transaction can be
// unwound with RevertToSnapshot.
func (m *Manager) Snapshot() int {
	return m.trie.Checkpoint()
}

// RevertToSnapshot restores the state captured by Snapshot.
func (m *Manager) RevertToSnapshot(id int) error {
	return m.trie.RevertTo(id)
}

// DiscardSnapshot keeps the current state and forgets the snapshot.
func (m *Manager) DiscardSnapshot(id int) {
	m.trie.Release(id)
}

// PendingRoot returns the root hash including uncommitted changes.
func (m *Manager) PendingRoot() common.Hash {
	return m.trie.Hash()
}
