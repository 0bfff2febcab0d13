package node

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/sharding-experiment/sandbox/internal/protocol"
)

const (
	// StoreCacheMB is the LevelDB block cache size in MB.
	StoreCacheMB = 16

	// StoreHandles is the maximum number of open file handles for LevelDB.
	StoreHandles = 16
)

var (
	blockPrefix = []byte("sandbox:block:")
	registryKey = []byte("sandbox:registry")
)

// Store is the node's key-value database. It holds the EVM trie nodes and
// code next to the sandbox's own records: blocks and the account registry.
type Store struct {
	db         ethdb.Database
	persistent bool
	mu         sync.Mutex
	closed     bool
}

// OpenStore opens a LevelDB store under dir, or an in-memory one when dir
// is empty.
func OpenStore(dir string) (*Store, error) {
	if dir == "" {
		return &Store{db: rawdb.NewMemoryDatabase()}, nil
	}
	path := filepath.Join(dir, "data")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	ldb, err := leveldb.New(path, StoreCacheMB, StoreHandles, "", false)
	if err != nil {
		return nil, fmt.Errorf("open leveldb at %s: %w", path, err)
	}
	return &Store{db: rawdb.NewDatabase(ldb), persistent: true}, nil
}

// DB returns the underlying database.
func (s *Store) DB() ethdb.Database { return s.db }

// Persistent reports whether the store survives the process.
func (s *Store) Persistent() bool { return s.persistent }

// blockKey returns the database key for a block height
func blockKey(height uint64) []byte {
	key := make([]byte, len(blockPrefix)+8)
	copy(key, blockPrefix)
	binary.BigEndian.PutUint64(key[len(blockPrefix):], height)
	return key
}

// SaveBlock writes b together with the registry as of b.
func (s *Store) SaveBlock(b *protocol.Block, reg *Registry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	blockData, err := json.Marshal(b)
	if err != nil {
		return err
	}
	regData, err := json.Marshal(reg)
	if err != nil {
		return err
	}
	batch := s.db.NewBatch()
	if err := batch.Put(blockKey(b.Height), blockData); err != nil {
		return err
	}
	if err := batch.Put(registryKey, regData); err != nil {
		return err
	}
	return batch.Write()
}

// LoadChain reads back every block and the latest registry. It returns
// (nil, nil, nil) for a fresh store.
func (s *Store) LoadChain() ([]*protocol.Block, *Registry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it := s.db.NewIterator(blockPrefix, nil)
	defer it.Release()
	var blocks []*protocol.Block
	for it.Next() {
		var b protocol.Block
		if err := json.Unmarshal(it.Value(), &b); err != nil {
			return nil, nil, fmt.Errorf("decode block %x: %w", it.Key(), err)
		}
		blocks = append(blocks, &b)
	}
	if err := it.Error(); err != nil {
		return nil, nil, err
	}
	if len(blocks) == 0 {
		return nil, nil, nil
	}

	data, err := s.db.Get(registryKey)
	if err != nil {
		return nil, nil, fmt.Errorf("read registry: %w", err)
	}
	reg := NewRegistry()
	if err := json.Unmarshal(data, reg); err != nil {
		return nil, nil, fmt.Errorf("decode registry: %w", err)
	}
	return blocks, reg, nil
}

// DeleteBlocksAbove removes blocks higher than height and rewrites the
// registry, after a revert.
func (s *Store) DeleteBlocksAbove(height uint64, reg *Registry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	batch := s.db.NewBatch()
	it := s.db.NewIterator(blockPrefix, blockKey(height+1)[len(blockPrefix):])
	for it.Next() {
		if err := batch.Delete(common.CopyBytes(it.Key())); err != nil {
			it.Release()
			return err
		}
	}
	it.Release()
	regData, err := json.Marshal(reg)
	if err != nil {
		return err
	}
	if err := batch.Put(registryKey, regData); err != nil {
		return err
	}
	return batch.Write()
}

// Close gracefully closes the underlying database
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
