package node

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sharding-experiment/sandbox/internal/protocol"
)

// DefaultOutcomeCache bounds the outcome store when no size is configured.
const DefaultOutcomeCache = 4096

// OutcomeStore keeps the outcomes of recent transactions, keyed by tx hash.
// The oldest outcomes are evicted once the store is full.
type OutcomeStore struct {
	mu    sync.Mutex
	cache *lru.Cache
}

func NewOutcomeStore(size int) (*OutcomeStore, error) {
	if size <= 0 {
		size = DefaultOutcomeCache
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("create outcome cache: %w", err)
	}
	return &OutcomeStore{cache: cache}, nil
}

// Add stores a copy to avoid aliasing caller's data
func (s *OutcomeStore) Add(o *protocol.FinalExecutionOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Add(o.TxHash, o.DeepCopy())
}

// Get returns a copy of the outcome of hash.
func (s *OutcomeStore) Get(hash common.Hash) (*protocol.FinalExecutionOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cache.Get(hash)
	if !ok {
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnknownTx, hash.Hex())
	}
	return v.(*protocol.FinalExecutionOutcome).DeepCopy(), nil
}

// DropAbove forgets outcomes included above height, after a revert.
func (s *OutcomeStore) DropAbove(height uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.cache.Keys() {
		v, ok := s.cache.Peek(k)
		if ok && v.(*protocol.FinalExecutionOutcome).Transaction.BlockHeight > height {
			s.cache.Remove(k)
		}
	}
}

func (s *OutcomeStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}
