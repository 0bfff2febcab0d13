package node

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/stateless"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/trie/utils"
	"github.com/holiman/uint256"
)

// WriteRecorder wraps a StateDB and records which storage slots an action
// wrote, so outcomes can report them.
type WriteRecorder struct {
	inner   *state.StateDB
	written map[common.Address]map[common.Hash]struct{}
	order   []slotRef
}

type slotRef struct {
	addr common.Address
	slot common.Hash
}

// NewWriteRecorder wraps inner.
func NewWriteRecorder(inner *state.StateDB) *WriteRecorder {
	return &WriteRecorder{
		inner:   inner,
		written: make(map[common.Address]map[common.Hash]struct{}),
	}
}

// Writes returns every slot touched by SetState with its current value, in
// first-write order. Slots written then reverted by an inner call report
// their restored value.
func (r *WriteRecorder) Writes() []SlotValue {
	out := make([]SlotValue, 0, len(r.order))
	for _, ref := range r.order {
		out = append(out, SlotValue{
			Address: ref.addr,
			Slot:    ref.slot,
			Value:   r.inner.GetState(ref.addr, ref.slot),
		})
	}
	return out
}

// SlotValue is one storage slot and its value.
type SlotValue struct {
	Address common.Address
	Slot    common.Hash
	Value   common.Hash
}

func (r *WriteRecorder) SetState(addr common.Address, key common.Hash, value common.Hash) common.Hash {
	slots := r.written[addr]
	if slots == nil {
		slots = make(map[common.Hash]struct{})
		r.written[addr] = slots
	}
	if _, seen := slots[key]; !seen {
		slots[key] = struct{}{}
		r.order = append(r.order, slotRef{addr, key})
	}
	return r.inner.SetState(addr, key, value)
}

// === vm.StateDB delegation ===

func (r *WriteRecorder) CreateAccount(addr common.Address) { r.inner.CreateAccount(addr) }

func (r *WriteRecorder) CreateContract(addr common.Address) { r.inner.CreateContract(addr) }

func (r *WriteRecorder) SubBalance(addr common.Address, amount *uint256.Int, reason tracing.BalanceChangeReason) uint256.Int {
	return r.inner.SubBalance(addr, amount, reason)
}

func (r *WriteRecorder) AddBalance(addr common.Address, amount *uint256.Int, reason tracing.BalanceChangeReason) uint256.Int {
	return r.inner.AddBalance(addr, amount, reason)
}

func (r *WriteRecorder) GetBalance(addr common.Address) *uint256.Int {
	return r.inner.GetBalance(addr)
}

func (r *WriteRecorder) GetNonce(addr common.Address) uint64 { return r.inner.GetNonce(addr) }

func (r *WriteRecorder) SetNonce(addr common.Address, nonce uint64, reason tracing.NonceChangeReason) {
	r.inner.SetNonce(addr, nonce, reason)
}

func (r *WriteRecorder) GetCodeHash(addr common.Address) common.Hash {
	return r.inner.GetCodeHash(addr)
}

func (r *WriteRecorder) GetCode(addr common.Address) []byte { return r.inner.GetCode(addr) }

func (r *WriteRecorder) SetCode(addr common.Address, code []byte, reason tracing.CodeChangeReason) []byte {
	return r.inner.SetCode(addr, code, reason)
}

func (r *WriteRecorder) GetCodeSize(addr common.Address) int { return r.inner.GetCodeSize(addr) }

func (r *WriteRecorder) AddRefund(gas uint64) { r.inner.AddRefund(gas) }

func (r *WriteRecorder) SubRefund(gas uint64) { r.inner.SubRefund(gas) }

func (r *WriteRecorder) GetRefund() uint64 { return r.inner.GetRefund() }

func (r *WriteRecorder) GetCommittedState(addr common.Address, hash common.Hash) common.Hash {
	return r.inner.GetCommittedState(addr, hash)
}

func (r *WriteRecorder) GetState(addr common.Address, hash common.Hash) common.Hash {
	return r.inner.GetState(addr, hash)
}

func (r *WriteRecorder) GetStateAndCommittedState(addr common.Address, slot common.Hash) (common.Hash, common.Hash) {
	return r.inner.GetState(addr, slot), r.inner.GetCommittedState(addr, slot)
}

func (r *WriteRecorder) GetStorageRoot(addr common.Address) common.Hash {
	return r.inner.GetStorageRoot(addr)
}

func (r *WriteRecorder) GetTransientState(addr common.Address, key common.Hash) common.Hash {
	return r.inner.GetTransientState(addr, key)
}

func (r *WriteRecorder) SetTransientState(addr common.Address, key common.Hash, value common.Hash) {
	r.inner.SetTransientState(addr, key, value)
}

func (r *WriteRecorder) SelfDestruct(addr common.Address) uint256.Int {
	return r.inner.SelfDestruct(addr)
}

func (r *WriteRecorder) HasSelfDestructed(addr common.Address) bool {
	return r.inner.HasSelfDestructed(addr)
}

func (r *WriteRecorder) SelfDestruct6780(addr common.Address) (uint256.Int, bool) {
	return r.inner.SelfDestruct6780(addr)
}

func (r *WriteRecorder) Exist(addr common.Address) bool { return r.inner.Exist(addr) }

func (r *WriteRecorder) Empty(addr common.Address) bool { return r.inner.Empty(addr) }

func (r *WriteRecorder) AddressInAccessList(addr common.Address) bool {
	return r.inner.AddressInAccessList(addr)
}

func (r *WriteRecorder) SlotInAccessList(addr common.Address, slot common.Hash) (addressOk bool, slotOk bool) {
	return r.inner.SlotInAccessList(addr, slot)
}

func (r *WriteRecorder) AddAddressToAccessList(addr common.Address) {
	r.inner.AddAddressToAccessList(addr)
}

func (r *WriteRecorder) AddSlotToAccessList(addr common.Address, slot common.Hash) {
	r.inner.AddSlotToAccessList(addr, slot)
}

func (r *WriteRecorder) Prepare(rules params.Rules, sender, coinbase common.Address, dest *common.Address, precompiles []common.Address, txAccesses types.AccessList) {
	r.inner.Prepare(rules, sender, coinbase, dest, precompiles, txAccesses)
}

func (r *WriteRecorder) RevertToSnapshot(revid int) { r.inner.RevertToSnapshot(revid) }

func (r *WriteRecorder) Snapshot() int { return r.inner.Snapshot() }

func (r *WriteRecorder) AddLog(log *types.Log) { r.inner.AddLog(log) }

func (r *WriteRecorder) AddPreimage(hash common.Hash, preimage []byte) {
	r.inner.AddPreimage(hash, preimage)
}

func (r *WriteRecorder) PointCache() *utils.PointCache { return r.inner.PointCache() }

func (r *WriteRecorder) Witness() *stateless.Witness { return r.inner.Witness() }

func (r *WriteRecorder) AccessEvents() *state.AccessEvents { return r.inner.AccessEvents() }

func (r *WriteRecorder) Finalise(deleteEmptyObjects bool) { r.inner.Finalise(deleteEmptyObjects) }
