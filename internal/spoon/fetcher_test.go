package spoon

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource serves one account whose code changes at height 10.
type fakeSource struct {
	addr      common.Address
	codeCalls atomic.Int32
	inFlight  atomic.Int32
	maxFlight atomic.Int32
	failSlot  *common.Hash

	mu      sync.Mutex
	heights []uint64
}

func (s *fakeSource) ChainID(ctx context.Context) (*big.Int, error) { return big.NewInt(4242), nil }

func (s *fakeSource) BlockNumber(ctx context.Context) (uint64, error) { return 99, nil }

func (s *fakeSource) CodeAt(ctx context.Context, a common.Address, n *big.Int) ([]byte, error) {
	s.codeCalls.Add(1)
	if a != s.addr {
		return nil, nil
	}
	if n.Uint64() < 10 {
		return []byte{0x60, 0x01}, nil
	}
	return []byte{0x60, 0x02}, nil
}

func (s *fakeSource) BalanceAt(ctx context.Context, a common.Address, n *big.Int) (*big.Int, error) {
	return big.NewInt(1000), nil
}

func (s *fakeSource) NonceAt(ctx context.Context, a common.Address, n *big.Int) (uint64, error) {
	return 3, nil
}

func (s *fakeSource) StorageAt(ctx context.Context, a common.Address, key common.Hash, n *big.Int) ([]byte, error) {
	cur := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		prev := s.maxFlight.Load()
		if cur <= prev || s.maxFlight.CompareAndSwap(prev, cur) {
			break
		}
	}
	s.mu.Lock()
	s.heights = append(s.heights, n.Uint64())
	s.mu.Unlock()
	if s.failSlot != nil && key == *s.failSlot {
		return nil, errors.New("missing trie node")
	}
	// value = slot + height
	v := new(big.Int).Add(key.Big(), n)
	return common.BigToHash(v).Bytes(), nil
}

func newTestFetcher(t *testing.T, src Source, parallel int) *Fetcher {
	t.Helper()
	f, err := NewFetcher(src, Options{Parallel: parallel})
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestFetchAccountAtHeight(t *testing.T) {
	src := &fakeSource{addr: common.HexToAddress("0xc0de")}
	f := newTestFetcher(t, src, 0)
	ctx := context.Background()

	old, err := f.FetchAccount(ctx, src.addr, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x60, 0x01}, old.Code)
	assert.Equal(t, big.NewInt(1000), old.Balance)
	assert.Equal(t, uint64(3), old.Nonce)
	assert.Equal(t, uint64(5), old.Height)

	latest, err := f.FetchAccount(ctx, src.addr, 20)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x60, 0x02}, latest.Code)
}

func TestFetchCodeIsCached(t *testing.T) {
	src := &fakeSource{addr: common.HexToAddress("0xc0de")}
	f := newTestFetcher(t, src, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		code, err := f.FetchCode(ctx, src.addr, 7)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x60, 0x01}, code)
	}
	assert.Equal(t, int32(1), src.codeCalls.Load())

	// Accounts without code are asked again.
	other := common.HexToAddress("0xbeef")
	for i := 0; i < 2; i++ {
		code, err := f.FetchCode(ctx, other, 7)
		require.NoError(t, err)
		assert.Empty(t, code)
	}
	assert.Equal(t, int32(3), src.codeCalls.Load())
}

func TestFetchStorageBoundedParallelism(t *testing.T) {
	src := &fakeSource{addr: common.HexToAddress("0xc0de")}
	f := newTestFetcher(t, src, 2)

	slots := make([]common.Hash, 20)
	for i := range slots {
		slots[i] = common.BigToHash(big.NewInt(int64(i)))
	}
	values, err := f.FetchStorage(context.Background(), src.addr, slots, 100)
	require.NoError(t, err)
	require.Len(t, values, len(slots))
	for i, slot := range slots {
		assert.Equal(t, common.BigToHash(big.NewInt(int64(i)+100)), values[slot])
	}
	assert.LessOrEqual(t, src.maxFlight.Load(), int32(2))
	for _, h := range src.heights {
		assert.Equal(t, uint64(100), h)
	}
}

func TestFetchStorageError(t *testing.T) {
	bad := common.BigToHash(big.NewInt(3))
	src := &fakeSource{addr: common.HexToAddress("0xc0de"), failSlot: &bad}
	f := newTestFetcher(t, src, 4)

	slots := []common.Hash{common.BigToHash(big.NewInt(1)), bad}
	_, err := f.FetchStorage(context.Background(), src.addr, slots, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing trie node")
}

func TestChainID(t *testing.T) {
	f := newTestFetcher(t, &fakeSource{}, 0)
	id, err := f.ChainID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4242), id.Int64())

	head, err := f.LatestHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(99), head)
}

func TestCodeStorePersists(t *testing.T) {
	dir := t.TempDir()
	addr := common.HexToAddress("0x1234567890123456789012345678901234567890")
	code := []byte{0x60, 0x80, 0x60, 0x40}

	store, err := OpenCodeStore(dir, 1)
	require.NoError(t, err)
	_, ok := store.Get(addr, 1)
	assert.False(t, ok)
	require.NoError(t, store.Put(addr, 1, code))
	require.NoError(t, store.Put(addr, 2, nil))
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	_, ok = store.Get(addr, 1)
	assert.False(t, ok, "closed store serves nothing")
	assert.ErrorIs(t, store.Put(addr, 1, code), errStoreClosed)

	store, err = OpenCodeStore(dir, 1)
	require.NoError(t, err)
	defer store.Close()
	got, ok := store.Get(addr, 1)
	require.True(t, ok)
	assert.Equal(t, code, got)
	_, ok = store.Get(addr, 2)
	assert.False(t, ok)
}
