package protocol

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// Block is a sandbox block. Every transaction, patch and fast-forward
// produces exactly one block.
type Block struct {
	Height      uint64        `json:"height"`
	Hash        common.Hash   `json:"hash"`
	PrevHash    common.Hash   `json:"prev_hash"`
	Timestamp   uint64        `json:"timestamp"` // nanoseconds since unix epoch
	EpochHeight uint64        `json:"epoch_height"`
	StateRoot   common.Hash   `json:"state_root"`
	GasUsed     Gas           `json:"gas_used"`
	TxHashes    []common.Hash `json:"tx_hashes"`
}

type blockHeader struct {
	Height      uint64
	PrevHash    common.Hash
	Timestamp   uint64
	EpochHeight uint64
	StateRoot   common.Hash
	GasUsed     uint64
	TxHashes    []common.Hash
}

// ComputeHash hashes every field but Hash itself.
func (b *Block) ComputeHash() common.Hash {
	data, _ := rlp.EncodeToBytes(&blockHeader{
		Height:      b.Height,
		PrevHash:    b.PrevHash,
		Timestamp:   b.Timestamp,
		EpochHeight: b.EpochHeight,
		StateRoot:   b.StateRoot,
		GasUsed:     uint64(b.GasUsed),
		TxHashes:    b.TxHashes,
	})
	return crypto.Keccak256Hash(data)
}

// TimestampSeconds returns the timestamp as seen by the EVM (TIMESTAMP opcode).
func (b *Block) TimestampSeconds() uint64 { return b.Timestamp / 1e9 }

// Copy returns a copy sharing no slices with b.
func (b *Block) Copy() *Block {
	if b == nil {
		return nil
	}
	out := *b
	out.TxHashes = append([]common.Hash(nil), b.TxHashes...)
	return &out
}

// BlockRef selects a block by height; a nil height means the latest block.
type BlockRef struct {
	Height *uint64 `json:"height,omitempty"`
}

func Latest() BlockRef { return BlockRef{} }

func AtHeight(h uint64) BlockRef { return BlockRef{Height: &h} }
