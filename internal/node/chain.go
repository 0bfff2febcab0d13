package node

import (
	"fmt"
	"math"
	"math/bits"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sharding-experiment/sandbox/internal/protocol"
)

// Chain keeps the blocks of a sandbox. Heights are strictly increasing but
// not contiguous: a fast-forward produces a single block far ahead.
type Chain struct {
	blocks      []*protocol.Block
	blockTime   time.Duration
	epochLength uint64
	now         func() time.Time
}

// NewChain starts a chain at genesis.
func NewChain(genesis *protocol.Block, blockTime time.Duration, epochLength uint64) *Chain {
	return &Chain{
		blocks:      []*protocol.Block{genesis},
		blockTime:   blockTime,
		epochLength: epochLength,
		now:         time.Now,
	}
}

// restoreChain rebuilds a chain from persisted blocks in height order.
func restoreChain(blocks []*protocol.Block, blockTime time.Duration, epochLength uint64) (*Chain, error) {
	if len(blocks) == 0 {
		return nil, fmt.Errorf("no blocks to restore")
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Height < blocks[j].Height })
	c := NewChain(blocks[0], blockTime, epochLength)
	c.blocks = blocks
	return c, nil
}

func genesisBlock(stateRoot common.Hash, timestamp uint64, epochLength uint64) *protocol.Block {
	b := &protocol.Block{
		Height:      0,
		Timestamp:   timestamp,
		EpochHeight: epochAt(0, epochLength),
		StateRoot:   stateRoot,
		TxHashes:    []common.Hash{},
	}
	b.Hash = b.ComputeHash()
	return b
}

func epochAt(height, epochLength uint64) uint64 { return 1 + height/epochLength }

// Latest returns a copy of the head block.
func (c *Chain) Latest() *protocol.Block {
	return c.blocks[len(c.blocks)-1].Copy()
}

func (c *Chain) head() *protocol.Block { return c.blocks[len(c.blocks)-1] }

// Height returns the head height.
func (c *Chain) Height() uint64 { return c.head().Height }

// BlockByHeight returns the block produced exactly at height.
func (c *Chain) BlockByHeight(height uint64) (*protocol.Block, error) {
	i := c.search(height)
	if i < len(c.blocks) && c.blocks[i].Height == height {
		return c.blocks[i].Copy(), nil
	}
	return nil, fmt.Errorf("%w: no block at height %d", protocol.ErrUnknownBlock, height)
}

// BlockByHash scans the chain for hash.
func (c *Chain) BlockByHash(hash common.Hash) (*protocol.Block, error) {
	for i := len(c.blocks) - 1; i >= 0; i-- {
		if c.blocks[i].Hash == hash {
			return c.blocks[i].Copy(), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", protocol.ErrUnknownBlock, hash.Hex())
}

// AtOrBefore returns the last block with height <= height. The state at a
// skipped height is the state of that block.
func (c *Chain) AtOrBefore(height uint64) (*protocol.Block, error) {
	if height > c.Height() {
		return nil, fmt.Errorf("%w: height %d is above head %d", protocol.ErrUnknownBlock, height, c.Height())
	}
	i := c.search(height)
	if i < len(c.blocks) && c.blocks[i].Height == height {
		return c.blocks[i].Copy(), nil
	}
	return c.blocks[i-1].Copy(), nil
}

// Resolve maps a block reference to a block.
func (c *Chain) Resolve(ref protocol.BlockRef) (*protocol.Block, error) {
	if ref.Height == nil {
		return c.Latest(), nil
	}
	return c.AtOrBefore(*ref.Height)
}

// search returns the index of the first block with Height >= height.
func (c *Chain) search(height uint64) int {
	return sort.Search(len(c.blocks), func(i int) bool { return c.blocks[i].Height >= height })
}

// HashAt backs the BLOCKHASH opcode: hashes of the 256 most recent heights.
func (c *Chain) HashAt(height uint64) common.Hash {
	head := c.Height()
	if height >= head || head-height > 256 {
		return common.Hash{}
	}
	b, err := c.AtOrBefore(height)
	if err != nil {
		return common.Hash{}
	}
	return b.Hash
}

// nextTimestamp is one block time after the head, or the wall clock when
// that is later.
func (c *Chain) nextTimestamp() uint64 {
	ts := c.head().Timestamp + uint64(c.blockTime)
	if now := uint64(c.now().UnixNano()); now > ts {
		ts = now
	}
	return ts
}

// Pending returns the height and timestamp the next block will carry.
func (c *Chain) Pending() (height, timestamp uint64) {
	return c.Height() + 1, c.nextTimestamp()
}

// Append seals the next block at the height and timestamp from Pending.
func (c *Chain) Append(height, timestamp uint64, stateRoot common.Hash, gasUsed protocol.Gas, txs []common.Hash) *protocol.Block {
	prev := c.head()
	if txs == nil {
		txs = []common.Hash{}
	}
	b := &protocol.Block{
		Height:      height,
		PrevHash:    prev.Hash,
		Timestamp:   timestamp,
		EpochHeight: epochAt(height, c.epochLength),
		StateRoot:   stateRoot,
		GasUsed:     gasUsed,
		TxHashes:    txs,
	}
	b.Hash = b.ComputeHash()
	c.blocks = append(c.blocks, b)
	return b.Copy()
}

// FastForward produces one block delta heights ahead of the head, its
// timestamp advanced by delta block times. State is unchanged.
func (c *Chain) FastForward(delta uint64) (*protocol.Block, error) {
	if delta == 0 {
		return nil, fmt.Errorf("fast forward needs a positive number of blocks")
	}
	prev := c.head()
	height, carry := bits.Add64(prev.Height, delta, 0)
	// the head must keep room for one more Pending height
	if carry != 0 || height == math.MaxUint64 {
		return nil, fmt.Errorf("%w: fast forward by %d overflows height %d", protocol.ErrOutOfRange, delta, prev.Height)
	}
	hi, advance := bits.Mul64(delta, uint64(c.blockTime))
	ts, carry := bits.Add64(prev.Timestamp, advance, 0)
	if hi != 0 || carry != 0 || ts > maxTimestamp {
		return nil, fmt.Errorf("%w: fast forward by %d overflows block timestamp", protocol.ErrOutOfRange, delta)
	}
	return c.Append(height, ts, prev.StateRoot, 0, nil), nil
}

// maxTimestamp keeps block timestamps representable as time.Time and
// leaves headroom for nextTimestamp.
const maxTimestamp = math.MaxInt64

// Truncate drops every block above height.
func (c *Chain) Truncate(height uint64) {
	i := c.search(height + 1)
	if i == 0 {
		i = 1
	}
	c.blocks = c.blocks[:i]
}

// Blocks returns copies of every block, oldest first.
func (c *Chain) Blocks() []*protocol.Block {
	out := make([]*protocol.Block, len(c.blocks))
	for i, b := range c.blocks {
		out[i] = b.Copy()
	}
	return out
}
