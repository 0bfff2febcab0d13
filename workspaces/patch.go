package workspaces

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"github.com/sharding-experiment/sandbox/internal/keys"
	"github.com/sharding-experiment/sandbox/internal/protocol"
)

// PatchBuilder collects direct state edits of one account. Nothing runs on
// chain: constructors and access checks are skipped.
type PatchBuilder struct {
	w     *Worker
	patch protocol.StatePatch
}

// Patch starts a state patch of id. The account is created when missing.
func (w *Worker) Patch(id protocol.AccountID) *PatchBuilder {
	return &PatchBuilder{w: w, patch: protocol.StatePatch{AccountID: id}}
}

func (b *PatchBuilder) Balance(amount protocol.Amount) *PatchBuilder {
	b.patch.Balance = &amount
	return b
}

// Code replaces the runtime code.
func (b *PatchBuilder) Code(code []byte) *PatchBuilder {
	c := hexutil.Bytes(common.CopyBytes(code))
	b.patch.Code = &c
	return b
}

func (b *PatchBuilder) Storage(slot, value common.Hash) *PatchBuilder {
	if b.patch.Storage == nil {
		b.patch.Storage = make(map[common.Hash]common.Hash)
	}
	b.patch.Storage[slot] = value
	return b
}

// Keys replaces every access key of the account.
func (b *PatchBuilder) Keys(pks ...keys.PublicKey) *PatchBuilder {
	b.patch.Keys = make([]string, 0, len(pks))
	for _, pk := range pks {
		b.patch.Keys = append(b.patch.Keys, pk.String())
	}
	return b
}

// Transact applies the patch in a new block.
func (b *PatchBuilder) Transact(ctx context.Context) (*protocol.Block, error) {
	return b.w.PatchStates(ctx, b.patch)
}

// ImportBuilder copies a contract from an archival network into the
// sandbox. Only code is copied unless slots are requested.
type ImportBuilder struct {
	w       *Worker
	fetcher *Fetcher
	src     protocol.AccountID
	dest    protocol.AccountID
	height  *uint64
	slots   []common.Hash
	balance *protocol.Amount
	abi     *abi.ABI
}

// ImportContract starts an import of the contract at src, as seen by f.
func (w *Worker) ImportContract(src protocol.AccountID, f *Fetcher) *ImportBuilder {
	return &ImportBuilder{w: w, fetcher: f, src: src, dest: src}
}

// BlockHeight pins the source block; the latest block is used otherwise.
func (b *ImportBuilder) BlockHeight(height uint64) *ImportBuilder {
	b.height = &height
	return b
}

// WithSlots also copies the given storage slots.
func (b *ImportBuilder) WithSlots(slots ...common.Hash) *ImportBuilder {
	b.slots = append(b.slots, slots...)
	return b
}

// DestID imports under another account id.
func (b *ImportBuilder) DestID(id protocol.AccountID) *ImportBuilder {
	b.dest = id
	return b
}

func (b *ImportBuilder) InitialBalance(amount protocol.Amount) *ImportBuilder {
	b.balance = &amount
	return b
}

func (b *ImportBuilder) WithABI(a abi.ABI) *ImportBuilder {
	b.abi = &a
	return b
}

// Transact fetches the contract and patches it into the sandbox under a
// fresh key.
func (b *ImportBuilder) Transact(ctx context.Context) (*Contract, error) {
	if err := b.src.Validate(); err != nil {
		return nil, err
	}
	if err := b.dest.Validate(); err != nil {
		return nil, err
	}
	var height uint64
	if b.height != nil {
		height = *b.height
	} else {
		latest, err := b.fetcher.LatestHeight(ctx)
		if err != nil {
			return nil, err
		}
		height = latest
	}
	addr := b.src.Address()
	acc, err := b.fetcher.FetchAccount(ctx, addr, height)
	if err != nil {
		return nil, err
	}
	code := acc.Code
	if len(code) == 0 {
		return nil, fmt.Errorf("%w: %s at height %d", protocol.ErrNoContract, b.src, height)
	}

	sk, err := keys.Generate(keys.ED25519)
	if err != nil {
		return nil, err
	}
	// Default to the source balance; an empty one falls back to the dev
	// balance so the new key can pay for calls.
	balance := b.balance
	if balance == nil && acc.Balance != nil && acc.Balance.Sign() > 0 {
		src := protocol.Wei(acc.Balance)
		balance = &src
	}
	if balance == nil {
		def, err := protocol.ParseAmount(b.w.cfg.DevBalance)
		if err != nil {
			return nil, fmt.Errorf("dev balance: %w", err)
		}
		balance = &def
	}
	patch := b.w.Patch(b.dest).Balance(*balance).Code(code).Keys(sk.PublicKey())
	if len(b.slots) > 0 {
		storage, err := b.fetcher.FetchStorage(ctx, addr, b.slots, height)
		if err != nil {
			return nil, err
		}
		for slot, value := range storage {
			patch.Storage(slot, value)
		}
	}
	if _, err := patch.Transact(ctx); err != nil {
		return nil, err
	}
	b.w.log.Info("Contract imported",
		zap.String("source", b.src.String()),
		zap.String("dest", b.dest.String()),
		zap.Uint64("height", height),
		zap.Int("code_size", len(code)),
		zap.Int("slots", len(b.slots)),
	)
	return &Contract{account: &Account{id: b.dest, sk: sk, w: b.w}, abi: b.abi}, nil
}
