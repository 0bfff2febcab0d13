package protocol

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// AccessKey is a full-access key registered on an account.
type AccessKey struct {
	PublicKey string `json:"public_key"`
	Nonce     uint64 `json:"nonce"`
}

// AccountView is the state of an account at a block.
type AccountView struct {
	ID           AccountID      `json:"account_id"`
	Address      common.Address `json:"address"`
	Balance      Amount         `json:"balance"`
	Locked       Amount         `json:"locked"`
	CodeHash     common.Hash    `json:"code_hash"`
	StorageUsage uint64         `json:"storage_usage"`
	Keys         []AccessKey    `json:"keys"`
	BlockHeight  uint64         `json:"block_height"`
	BlockHash    common.Hash    `json:"block_hash"`
}

// ViewResult is the return value of a read-only call.
type ViewResult struct {
	Result      hexutil.Bytes `json:"result"`
	Logs        []Log         `json:"logs"`
	GasUsed     Gas           `json:"gas_used"`
	BlockHeight uint64        `json:"block_height"`
	BlockHash   common.Hash   `json:"block_hash"`
}

// StateItem is one storage slot of a contract, with its merkle proof when requested.
type StateItem struct {
	Slot  common.Hash     `json:"slot"`
	Value common.Hash     `json:"value"`
	Proof []hexutil.Bytes `json:"proof,omitempty"`
}

// ViewStateResult answers a storage query at the latest committed block.
type ViewStateResult struct {
	Values       []StateItem     `json:"values"`
	StateRoot    common.Hash     `json:"state_root"`
	StorageRoot  common.Hash     `json:"storage_root"`
	AccountProof []hexutil.Bytes `json:"account_proof,omitempty"`
	BlockHeight  uint64          `json:"block_height"`
}

// StatePatch mutates an account directly, bypassing transaction execution.
// Nil fields are left untouched.
type StatePatch struct {
	AccountID AccountID                   `json:"account_id"`
	Balance   *Amount                     `json:"balance,omitempty"`
	Code      *hexutil.Bytes              `json:"code,omitempty"` // runtime code, constructor is not run
	Storage   map[common.Hash]common.Hash `json:"storage,omitempty"`
	Keys      []string                    `json:"keys,omitempty"`
}

// NodeStatus describes a running sandbox.
type NodeStatus struct {
	ChainID     uint64    `json:"chain_id"`
	RootAccount AccountID `json:"root_account"`
	LatestBlock Block     `json:"latest_block"`
	EpochLength uint64    `json:"epoch_length"`
	GasPrice    Amount    `json:"gas_price"`
	MaxGas      Gas       `json:"max_gas"`
}
