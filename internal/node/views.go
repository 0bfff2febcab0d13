package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/trie"
	"go.uber.org/zap"

	"github.com/sharding-experiment/sandbox/internal/keys"
	"github.com/sharding-experiment/sandbox/internal/protocol"
)

const (
	// accountBaseUsage approximates the bytes an empty account occupies.
	accountBaseUsage = 100
	// keyUsage approximates the bytes of one access key record.
	keyUsage = 82
	// MaxStateItems caps a full-storage ViewState.
	MaxStateItems = 10_000
)

// stateView is a read-only StateDB opened at a committed block.
type stateView struct {
	db    *state.StateDB
	block *protocol.Block
}

// readState runs fn on a private copy of the state at ref under the node lock.
func (n *Node) readState(ctx context.Context, ref protocol.BlockRef, fn func(*stateView) error) error {
	if err := n.lock(ctx); err != nil {
		return err
	}
	defer n.mu.Unlock()
	b, err := n.chain.Resolve(ref)
	if err != nil {
		return err
	}
	db, err := n.evm.At(b.StateRoot)
	if err != nil {
		return fmt.Errorf("open state at height %d: %w", b.Height, err)
	}
	return fn(&stateView{db: db, block: b})
}

// knownAccount checks id exists: registered, or an implicit account the
// EVM state knows about.
func (n *Node) knownAccount(db *state.StateDB, id protocol.AccountID) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if n.reg.Exists(id) {
		return nil
	}
	if id.IsImplicit() && db.Exist(id.Address()) {
		return nil
	}
	return fmt.Errorf("%w: %s", protocol.ErrAccountNotFound, id)
}

// ViewAccount returns balance, code hash and keys of id at ref. Keys always
// reflect the latest block.
func (n *Node) ViewAccount(ctx context.Context, id protocol.AccountID, ref protocol.BlockRef) (*protocol.AccountView, error) {
	var out *protocol.AccountView
	err := n.readState(ctx, ref, func(sv *stateView) error {
		if err := n.knownAccount(sv.db, id); err != nil {
			return err
		}
		addr := id.Address()
		accessKeys := []protocol.AccessKey{}
		if n.reg.Exists(id) {
			accessKeys, _ = n.reg.Keys(id)
		}
		code := sv.db.GetCode(addr)
		var codeHash common.Hash
		if len(code) > 0 {
			codeHash = sv.db.GetCodeHash(addr)
		}
		out = &protocol.AccountView{
			ID:           id,
			Address:      addr,
			Balance:      protocol.AmountFromUint256(sv.db.GetBalance(addr)),
			CodeHash:     codeHash,
			StorageUsage: uint64(accountBaseUsage + len(code) + keyUsage*len(accessKeys)),
			Keys:         accessKeys,
			BlockHeight:  sv.block.Height,
			BlockHash:    sv.block.Hash,
		}
		return nil
	})
	return out, err
}

// ViewAccessKey returns one key of id with its nonce.
func (n *Node) ViewAccessKey(ctx context.Context, id protocol.AccountID, publicKey string) (*protocol.AccessKey, error) {
	if err := n.lock(ctx); err != nil {
		return nil, err
	}
	defer n.mu.Unlock()
	k, err := n.reg.AccessKey(id, publicKey)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// ViewCode returns the runtime code deployed on id.
func (n *Node) ViewCode(ctx context.Context, id protocol.AccountID, ref protocol.BlockRef) ([]byte, error) {
	var out []byte
	err := n.readState(ctx, ref, func(sv *stateView) error {
		if err := n.knownAccount(sv.db, id); err != nil {
			return err
		}
		out = common.CopyBytes(sv.db.GetCode(id.Address()))
		if len(out) == 0 {
			return fmt.Errorf("%w: %s", protocol.ErrNoContract, id)
		}
		return nil
	})
	return out, err
}

// ViewState reads storage of id at the latest block: the given slots, or
// every slot when none are given. Proofs are attached when withProof is set.
func (n *Node) ViewState(ctx context.Context, id protocol.AccountID, slots []common.Hash, withProof bool) (*protocol.ViewStateResult, error) {
	var out *protocol.ViewStateResult
	err := n.readState(ctx, protocol.Latest(), func(sv *stateView) error {
		if err := n.knownAccount(sv.db, id); err != nil {
			return err
		}
		addr := id.Address()
		storageRoot := sv.db.GetStorageRoot(addr)
		out = &protocol.ViewStateResult{
			Values:      []protocol.StateItem{},
			StateRoot:   sv.block.StateRoot,
			StorageRoot: storageRoot,
			BlockHeight: sv.block.Height,
		}

		if len(slots) == 0 {
			all, err := n.evm.storageSlots(sv.block.StateRoot, addr, storageRoot)
			if err != nil {
				return err
			}
			slots = all
		}
		for _, slot := range slots {
			item := protocol.StateItem{Slot: slot, Value: sv.db.GetState(addr, slot)}
			if withProof {
				proof, err := n.evm.storageProof(sv.block.StateRoot, addr, storageRoot, slot)
				if err != nil {
					return err
				}
				item.Proof = proof
			}
			out.Values = append(out.Values, item)
		}
		if withProof {
			proof, err := n.evm.accountProof(sv.block.StateRoot, addr)
			if err != nil {
				return err
			}
			out.AccountProof = proof
		}
		return nil
	})
	return out, err
}

// storageSlots lists the non-empty slots of addr by walking its storage trie
// and resolving hashed keys through the preimage store.
func (e *EVMState) storageSlots(stateRoot common.Hash, addr common.Address, storageRoot common.Hash) ([]common.Hash, error) {
	slots := []common.Hash{}
	if storageRoot == (common.Hash{}) || storageRoot == types.EmptyRootHash {
		return slots, nil
	}
	tr, err := trie.NewStateTrie(trie.StorageTrieID(stateRoot, crypto.Keccak256Hash(addr.Bytes()), storageRoot), e.db.TrieDB())
	if err != nil {
		return nil, fmt.Errorf("open storage trie: %w", err)
	}
	nodeIt, err := tr.NodeIterator(nil)
	if err != nil {
		return nil, err
	}
	it := trie.NewIterator(nodeIt)
	for it.Next() {
		preimage := tr.GetKey(it.Key)
		if preimage == nil {
			continue
		}
		slots = append(slots, common.BytesToHash(preimage))
		if len(slots) >= MaxStateItems {
			break
		}
	}
	if it.Err != nil {
		return nil, it.Err
	}
	return slots, nil
}

// CallFunction runs a read-only call of the contract on id at ref.
func (n *Node) CallFunction(ctx context.Context, id protocol.AccountID, input []byte, ref protocol.BlockRef) (*protocol.ViewResult, error) {
	var out *protocol.ViewResult
	err := n.readState(ctx, ref, func(sv *stateView) error {
		if err := n.knownAccount(sv.db, id); err != nil {
			return err
		}
		addr := id.Address()
		if sv.db.GetCodeSize(addr) == 0 {
			return fmt.Errorf("%w: %s", protocol.ErrNoContract, id)
		}
		env := blockEnv{
			Height:   sv.block.Height,
			Time:     sv.block.TimestampSeconds(),
			GasLimit: n.cfg.BlockGasLimit,
			Hashes:   n.chain.HashAt,
		}
		ret, gasUsed, err := n.evm.staticCall(sv.db, env, common.Address{}, addr, input, n.cfg.BlockGasLimit)
		n.metrics.viewCalls.Inc()
		if err != nil {
			n.log.Debug("View call failed", zap.String("contract", id.String()), zap.Error(err))
			return &ExecutionError{Msg: describeVMError(err, ret)}
		}
		out = &protocol.ViewResult{
			Result:      hexutil.Bytes(common.CopyBytes(ret)),
			Logs:        []protocol.Log{},
			GasUsed:     protocol.Gas(gasUsed),
			BlockHeight: sv.block.Height,
			BlockHash:   sv.block.Hash,
		}
		return nil
	})
	return out, err
}

// ExecutionError is a contract-level failure of a view call.
type ExecutionError struct {
	Msg string
}

func (e *ExecutionError) Error() string { return "view call failed: " + e.Msg }

// describeVMError renders an EVM error, decoding Error(string) revert reasons.
func describeVMError(err error, ret []byte) string {
	if errors.Is(err, vm.ErrExecutionReverted) {
		if reason, uerr := abi.UnpackRevert(ret); uerr == nil {
			return "execution reverted: " + reason
		}
		if len(ret) > 0 {
			return "execution reverted: " + hexutil.Encode(ret)
		}
	}
	return err.Error()
}

// PatchState applies patches directly to state and seals them in one block.
// Missing accounts are created; constructors are never run.
func (n *Node) PatchState(ctx context.Context, patches []protocol.StatePatch) (*protocol.Block, error) {
	if len(patches) == 0 {
		return nil, fmt.Errorf("no state patches given")
	}
	canonical := make([][]string, len(patches))
	for i, p := range patches {
		if err := p.AccountID.Validate(); err != nil {
			return nil, err
		}
		if p.Balance != nil {
			if err := p.Balance.Validate(); err != nil {
				return nil, fmt.Errorf("balance of %s: %w", p.AccountID, err)
			}
		}
		if p.Keys == nil {
			continue
		}
		canonical[i] = make([]string, len(p.Keys))
		for j, k := range p.Keys {
			pk, err := keys.ParsePublicKey(k)
			if err != nil {
				return nil, err
			}
			canonical[i][j] = pk.String()
		}
	}
	if err := n.lock(ctx); err != nil {
		return nil, err
	}
	defer n.mu.Unlock()

	height, ts := n.chain.Pending()
	for i, p := range patches {
		addr := p.AccountID.Address()
		if !n.reg.Exists(p.AccountID) {
			if err := n.reg.Create(p.AccountID, height); err != nil {
				return nil, err
			}
		}
		if p.Balance != nil {
			n.evm.SetBalance(addr, p.Balance.Uint256())
		}
		if p.Code != nil {
			n.evm.SetCode(addr, *p.Code)
		}
		for slot, value := range p.Storage {
			n.evm.SetStorageAt(addr, slot, value)
		}
		if canonical[i] != nil {
			if err := n.reg.SetKeys(p.AccountID, canonical[i]); err != nil {
				return nil, err
			}
		}
		n.metrics.patches.Inc()
		n.log.Debug("State patched",
			zap.String("account", p.AccountID.String()),
			zap.Bool("balance", p.Balance != nil),
			zap.Bool("code", p.Code != nil),
			zap.Int("slots", len(p.Storage)),
			zap.Int("keys", len(p.Keys)),
		)
	}
	return n.sealBlock(height, ts, 0, nil)
}
