package storage

import (
	"errors"

	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/ethdb"
	ethleveldb "github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/ethereum/go-ethereum/triedb"
	"github.com/syndtr/goleveldb/leveldb"
)

// ErrNotFound is returned by Get when the key has never been written.
var ErrNotFound = errors.New("storage: key not found")

// Database holds ledger metadata next to the trie node store so one handle
// backs both.
type Database interface {
	Put(key []byte, value []byte) error
	Get(key []byte) ([]byte, error)
	TrieDB() *triedb.Database
	Close()
}

// store is the shared implementation over an ethdb key-value backend.
type store struct {
	disk   ethdb.Database
	trieDB *triedb.Database
}

func newStore(kv ethdb.KeyValueStore) store {
	disk := rawdb.NewDatabase(kv)
	return store{disk: disk, trieDB: triedb.NewDatabase(disk, nil)}
}

func (s store) Put(key []byte, value []byte) error { return s.disk.Put(key, value) }

func (s store) Get(key []byte) ([]byte, error) {
	value, err := s.disk.Get(key)
	if err == nil {
		return value, nil
	}
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	// The memory backend reports misses with its own error value.
	if ok, hasErr := s.disk.Has(key); hasErr == nil && !ok {
		return nil, ErrNotFound
	}
	return nil, err
}

func (s store) TrieDB() *triedb.Database { return s.trieDB }

func (s store) Close() {
	_ = s.trieDB.Close()
	_ = s.disk.Close()
}

// MemDB keeps everything in memory.
type MemDB struct{ store }

func NewMemDB() *MemDB {
	return &MemDB{newStore(memorydb.New())}
}

const (
	levelDBCacheMB = 16
	levelDBHandles = 16
)

// LevelDB persists the ledger under a directory.
type LevelDB struct{ store }

// NewLevelDB opens or creates the database at path.
func NewLevelDB(path string) (*LevelDB, error) {
	kv, err := ethleveldb.New(path, levelDBCacheMB, levelDBHandles, "escrow/db/", false)
	if err != nil {
		return nil, err
	}
	return &LevelDB{newStore(kv)}, nil
}
