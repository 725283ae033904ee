package storage

import (
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/ethdb"
	ethleveldb "github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/ethereum/go-ethereum/triedb"
	"github.com/syndtr/goleveldb/leveldb"
)

// ErrNotFound is returned by Get when the key has never been written.
var ErrNotFound = errors.New("storage: key not found")

// Database is a generic interface for a key-value store.
// Trie nodes and node metadata (such as the committed state root) share the
// same backend so a restart can reopen the exact state that was last committed.
type Database interface {
	Put(key []byte, value []byte) error
	Get(key []byte) ([]byte, error)
	TrieDB() *triedb.Database
	Close() // A way to gracefully shut down the database connection.
}

// --- In-Memory DB (for testing) ---

type MemDB struct {
	mu     sync.RWMutex
	kv     *memorydb.Database
	trieDB *triedb.Database
}

func NewMemDB() *MemDB {
	kv := memorydb.New()
	return &MemDB{
		kv:     kv,
		trieDB: triedb.NewDatabase(rawdb.NewDatabase(kv), triedb.HashDefaults),
	}
}

func (db *MemDB) Put(key []byte, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.kv.Put(key, value)
}

func (db *MemDB) Get(key []byte) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	ok, err := db.kv.Has(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return db.kv.Get(key)
}

// TrieDB exposes the trie node database layered over the in-memory store.
func (db *MemDB) TrieDB() *triedb.Database {
	return db.trieDB
}

// Close satisfies the Database interface for MemDB.
func (db *MemDB) Close() {
	// Nothing to close for an in-memory database.
}

// --- Persistent DB ---

// LevelDB is a persistent key-value store using LevelDB.
type LevelDB struct {
	kv     ethdb.KeyValueStore
	trieDB *triedb.Database
}

// NewLevelDB creates or opens a LevelDB database at the specified path.
func NewLevelDB(path string) (*LevelDB, error) {
	kv, err := ethleveldb.New(path, 16, 16, "possession/db/", false)
	if err != nil {
		return nil, err
	}
	return &LevelDB{
		kv:     kv,
		trieDB: triedb.NewDatabase(rawdb.NewDatabase(kv), triedb.HashDefaults),
	}, nil
}

// Put inserts or updates a key-value pair.
func (ldb *LevelDB) Put(key []byte, value []byte) error {
	return ldb.kv.Put(key, value)
}

// Get retrieves a value for a given key.
func (ldb *LevelDB) Get(key []byte) ([]byte, error) {
	value, err := ldb.kv.Get(key)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

// TrieDB exposes the trie node database layered over LevelDB.
func (ldb *LevelDB) TrieDB() *triedb.Database {
	return ldb.trieDB
}

// Close closes the database connection.
func (ldb *LevelDB) Close() {
	_ = ldb.trieDB.Close()
	_ = ldb.kv.Close()
}
