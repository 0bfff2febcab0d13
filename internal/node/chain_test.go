package node

import (
	"math"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharding-experiment/sandbox/internal/protocol"
)

func newTestChain() *Chain {
	c := NewChain(genesisBlock(common.Hash{1}, 1_000_000_000, 10), time.Second, 10)
	c.now = func() time.Time { return time.Unix(0, 0) }
	return c
}

func TestChainAppendLinksBlocks(t *testing.T) {
	c := newTestChain()
	genesis := c.Latest()

	h, ts := c.Pending()
	assert.EqualValues(t, 1, h)
	assert.Equal(t, genesis.Timestamp+uint64(time.Second), ts)

	b := c.Append(h, ts, common.Hash{2}, 21000, nil)
	assert.Equal(t, genesis.Hash, b.PrevHash)
	assert.NotEqual(t, genesis.Hash, b.Hash)
	assert.Equal(t, b.ComputeHash(), b.Hash)
	assert.NotNil(t, b.TxHashes)
	assert.EqualValues(t, 1, c.Height())
}

func TestChainPendingUsesWallClockWhenLater(t *testing.T) {
	c := newTestChain()
	later := time.Unix(100, 0)
	c.now = func() time.Time { return later }
	_, ts := c.Pending()
	assert.Equal(t, uint64(later.UnixNano()), ts)
}

func TestChainFastForward(t *testing.T) {
	c := newTestChain()
	genesis := c.Latest()

	_, err := c.FastForward(0)
	assert.Error(t, err)

	b, err := c.FastForward(25)
	require.NoError(t, err)
	assert.EqualValues(t, 25, b.Height)
	assert.Equal(t, genesis.Timestamp+25*uint64(time.Second), b.Timestamp)
	assert.EqualValues(t, 3, b.EpochHeight)
	assert.Equal(t, genesis.StateRoot, b.StateRoot)

	skipped, err := c.AtOrBefore(12)
	require.NoError(t, err)
	assert.EqualValues(t, 0, skipped.Height)

	_, err = c.BlockByHeight(12)
	assert.ErrorIs(t, err, protocol.ErrUnknownBlock)

	_, err = c.AtOrBefore(26)
	assert.ErrorIs(t, err, protocol.ErrUnknownBlock)
}

func TestChainResolve(t *testing.T) {
	c := newTestChain()
	h, ts := c.Pending()
	c.Append(h, ts, common.Hash{2}, 0, nil)

	latest, err := c.Resolve(protocol.Latest())
	require.NoError(t, err)
	assert.EqualValues(t, 1, latest.Height)

	first, err := c.Resolve(protocol.AtHeight(0))
	require.NoError(t, err)
	assert.EqualValues(t, 0, first.Height)

	byHash, err := c.BlockByHash(latest.Hash)
	require.NoError(t, err)
	assert.Equal(t, latest, byHash)
}

func TestChainHashAtWindow(t *testing.T) {
	c := newTestChain()
	for i := 0; i < 3; i++ {
		h, ts := c.Pending()
		c.Append(h, ts, common.Hash{}, 0, nil)
	}
	b1, _ := c.BlockByHeight(1)
	assert.Equal(t, b1.Hash, c.HashAt(1))
	assert.Equal(t, common.Hash{}, c.HashAt(3), "head hash is not available to BLOCKHASH")

	c.FastForward(1000)
	assert.Equal(t, common.Hash{}, c.HashAt(1))
}

func TestChainTruncateKeepsGenesis(t *testing.T) {
	c := newTestChain()
	for i := 0; i < 4; i++ {
		h, ts := c.Pending()
		c.Append(h, ts, common.Hash{}, 0, nil)
	}
	c.Truncate(2)
	assert.EqualValues(t, 2, c.Height())
	c.Truncate(0)
	assert.EqualValues(t, 0, c.Height())
	assert.Len(t, c.Blocks(), 1)
}

func TestRestoreChainSortsBlocks(t *testing.T) {
	c := newTestChain()
	for i := 0; i < 3; i++ {
		h, ts := c.Pending()
		c.Append(h, ts, common.Hash{}, 0, nil)
	}
	blocks := c.Blocks()
	blocks[0], blocks[3] = blocks[3], blocks[0]

	restored, err := restoreChain(blocks, time.Second, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 3, restored.Height())

	_, err = restoreChain(nil, time.Second, 10)
	assert.Error(t, err)
}

func TestChainFastForwardRejectsOverflow(t *testing.T) {
	c := newTestChain()
	head := c.Latest()

	for _, delta := range []uint64{math.MaxUint64, math.MaxUint64 - 1, 20_000_000_000} {
		_, err := c.FastForward(delta)
		assert.ErrorIs(t, err, protocol.ErrOutOfRange, "delta %d", delta)
	}
	assert.Equal(t, head.Hash, c.Latest().Hash)

	// heights keep increasing after a rejected jump
	h, ts := c.Pending()
	assert.EqualValues(t, 1, h)
	b := c.Append(h, ts, head.StateRoot, 0, nil)
	assert.Greater(t, b.Timestamp, head.Timestamp)
	assert.Equal(t, []uint64{0, 1}, heights(c))
}

func heights(c *Chain) []uint64 {
	var out []uint64
	for _, b := range c.Blocks() {
		out = append(out, b.Height)
	}
	return out
}
