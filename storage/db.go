package storage

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/ethereum/go-ethereum/triedb"
	"github.com/syndtr/goleveldb/leveldb"
)

// Database is a generic interface for a key-value store. The exchange state
// trie sits on top of it, so any backend (in-memory or persistent) works.
// Put/Get serve flat metadata records (latest state root, schema markers)
// while TrieDB exposes the node store backing the state trie.
type Database interface {
	Put(key []byte, value []byte) error
	Get(key []byte) ([]byte, error)
	TrieDB() *triedb.Database
	Close() // A way to gracefully shut down the database connection.
}

// --- In-Memory DB (for testing) ---

type MemDB struct {
	mu     sync.RWMutex
	data   map[string][]byte
	trieDB *triedb.Database
}

func NewMemDB() *MemDB {
	return &MemDB{
		data: make(map[string][]byte),
	}
}

func (db *MemDB) Put(key []byte, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.data[string(key)] = value
	return nil
}

func (db *MemDB) Get(key []byte) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	value, ok := db.data[string(key)]
	if !ok {
		return nil, fmt.Errorf("key not found")
	}
	return value, nil
}

// TrieDB returns a hash-keyed trie database over an in-memory node store. The
// instance is created lazily and reused so repeated opens share one store.
func (db *MemDB) TrieDB() *triedb.Database {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.trieDB == nil {
		db.trieDB = triedb.NewDatabase(rawdb.NewDatabase(memorydb.New()), triedb.HashDefaults)
	}
	return db.trieDB
}

// Close satisfies the Database interface for MemDB.
func (db *MemDB) Close() {
	// Nothing to close for an in-memory database.
}

// --- Persistent DB (for deployments) ---

// LevelDB is a persistent key-value store using LevelDB. One LevelDB instance
// holds both the flat metadata records and the trie node store; trie nodes go
// through the ethdb adapter in ethdb.go.
type LevelDB struct {
	db     *leveldb.DB
	trieDB *triedb.Database
}

// NewLevelDB creates or opens a LevelDB database at the specified path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	kv := rawdb.NewDatabase(newKeyValueStore(db))
	return &LevelDB{
		db:     db,
		trieDB: triedb.NewDatabase(kv, triedb.HashDefaults),
	}, nil
}

// Put inserts or updates a key-value pair.
func (ldb *LevelDB) Put(key []byte, value []byte) error {
	return ldb.db.Put(key, value, nil)
}

// Get retrieves a value for a given key.
func (ldb *LevelDB) Get(key []byte) ([]byte, error) {
	return ldb.db.Get(key, nil)
}

// TrieDB returns the trie database backed by this LevelDB instance.
func (ldb *LevelDB) TrieDB() *triedb.Database {
	return ldb.trieDB
}

// Close closes the database connection.
func (ldb *LevelDB) Close() {
	ldb.db.Close()
}
