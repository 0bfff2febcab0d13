package spoon

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/leveldb"
)

const (
	// CodeStoreCacheMB is the LevelDB block cache of a persistent store.
	CodeStoreCacheMB = 16
	// CodeStoreHandles is the LevelDB file handle limit.
	CodeStoreHandles = 16
	// DefaultMemCacheMB sizes the in-memory code cache.
	DefaultMemCacheMB = 32
)

var errStoreClosed = errors.New("code store is closed")

// CodeStore keeps contract code fetched from a source network, keyed by
// address and height. A fastcache sits in front of the database.
type CodeStore struct {
	db     ethdb.Database
	cache  *fastcache.Cache
	mu     sync.RWMutex
	closed bool
}

// OpenCodeStore opens a store under dir, or in memory when dir is empty.
func OpenCodeStore(dir string, cacheMB int) (*CodeStore, error) {
	if cacheMB <= 0 {
		cacheMB = DefaultMemCacheMB
	}
	var db ethdb.Database
	if dir == "" {
		db = rawdb.NewMemoryDatabase()
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create code store dir: %w", err)
		}
		ldb, err := leveldb.New(dir, CodeStoreCacheMB, CodeStoreHandles, "", false)
		if err != nil {
			return nil, fmt.Errorf("open code store at %s: %w", dir, err)
		}
		db = rawdb.NewDatabase(ldb)
	}
	return &CodeStore{
		db:    db,
		cache: fastcache.New(cacheMB * 1024 * 1024),
	}, nil
}

func codeKey(addr common.Address, height uint64) []byte {
	key := make([]byte, 0, 11+common.AddressLength+8)
	key = append(key, "spoon:code:"...)
	key = append(key, addr.Bytes()...)
	return binary.BigEndian.AppendUint64(key, height)
}

// Get returns the code of addr at height and whether it was stored.
func (s *CodeStore) Get(addr common.Address, height uint64) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false
	}
	key := codeKey(addr, height)
	if code, ok := s.cache.HasGet(nil, key); ok {
		return code, true
	}
	code, err := s.db.Get(key)
	if err != nil || len(code) == 0 {
		return nil, false
	}
	s.cache.Set(key, code)
	return common.CopyBytes(code), true
}

// Put records code. Empty code is not stored.
func (s *CodeStore) Put(addr common.Address, height uint64, code []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed
	}
	if len(code) == 0 {
		return nil
	}
	key := codeKey(addr, height)
	if err := s.db.Put(key, code); err != nil {
		return err
	}
	s.cache.Set(key, code)
	return nil
}

// Close releases the database. It is idempotent.
func (s *CodeStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.cache.Reset()
	return s.db.Close()
}
