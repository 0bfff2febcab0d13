// Package node implements a single-process sandbox chain: an EVM state,
// a registry of named accounts, and a block per mutation.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/sharding-experiment/sandbox/config"
	"github.com/sharding-experiment/sandbox/internal/keys"
	"github.com/sharding-experiment/sandbox/internal/logging"
	"github.com/sharding-experiment/sandbox/internal/protocol"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("node is closed")

// Options configure a Node beyond config.Config.
type Options struct {
	// HomeDir holds the node database. Empty means in-memory.
	HomeDir string
	// RootKey is registered on the root account at genesis. It is ignored
	// when an existing chain is reopened.
	RootKey keys.PublicKey
	Logger  *zap.Logger
}

// snapshot is a restorable point of the chain.
type snapshot struct {
	height uint64
	reg    *Registry
}

// Node is one sandbox chain. All state access is serialized by mu.
type Node struct {
	mu        sync.Mutex
	cfg       *config.Config
	log       *zap.Logger
	store     *Store
	evm       *EVMState
	reg       *Registry
	chain     *Chain
	outcomes  *OutcomeStore
	snapshots map[string]snapshot
	metrics   *Metrics

	rootID   protocol.AccountID
	gasPrice protocol.Amount
	closed   bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New opens the chain stored under opts.HomeDir, or creates it from genesis.
func New(cfg *config.Config, opts Options) (*Node, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	rootID, err := protocol.ParseAccountID(cfg.RootAccount)
	if err != nil {
		return nil, fmt.Errorf("root account: %w", err)
	}
	gasPrice, err := protocol.ParseAmount(cfg.GasPrice)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}
	outcomes, err := NewOutcomeStore(cfg.OutcomeCache)
	if err != nil {
		return nil, err
	}
	store, err := OpenStore(opts.HomeDir)
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:       cfg,
		log:       logging.OrNop(opts.Logger).Named("node"),
		store:     store,
		outcomes:  outcomes,
		snapshots: make(map[string]snapshot),
		metrics:   newMetrics(),
		rootID:    rootID,
		gasPrice:  gasPrice,
		done:      make(chan struct{}),
	}

	blocks, reg, err := store.LoadChain()
	if err == nil {
		if blocks == nil {
			err = n.genesis(opts.RootKey)
		} else {
			err = n.restore(blocks, reg)
		}
	}
	if err != nil {
		store.Close()
		return nil, err
	}

	n.metrics.blockHeight.Set(float64(n.chain.Height()))
	n.metrics.accounts.Set(float64(n.reg.Len()))
	n.log.Info("Sandbox node ready",
		zap.Uint64("chain_id", cfg.ChainID),
		zap.String("root", rootID.String()),
		zap.Uint64("height", n.chain.Height()),
		zap.Bool("persistent", store.Persistent()),
	)

	if cfg.AutoBlocks {
		n.wg.Add(1)
		go n.blockProducer()
	}
	return n, nil
}

// genesis funds the root account and commits block 0.
func (n *Node) genesis(rootKey keys.PublicKey) error {
	if rootKey.IsZero() {
		return fmt.Errorf("genesis needs a root key")
	}
	balance, err := protocol.ParseAmount(n.cfg.RootBalance)
	if err != nil {
		return fmt.Errorf("root balance: %w", err)
	}
	evm, err := OpenEVMState(n.store.DB(), types.EmptyRootHash, n.cfg.ChainID)
	if err != nil {
		return err
	}
	reg := NewRegistry()
	if err := reg.Create(n.rootID, 0); err != nil {
		return err
	}
	if err := reg.AddKey(n.rootID, rootKey.String()); err != nil {
		return err
	}
	evm.SetBalance(n.rootID.Address(), balance.Uint256())
	root, err := evm.Commit(0)
	if err != nil {
		return fmt.Errorf("commit genesis: %w", err)
	}
	genesis := genesisBlock(root, uint64(time.Now().UnixNano()), n.cfg.EpochLength)
	if err := n.store.SaveBlock(genesis, reg); err != nil {
		return fmt.Errorf("save genesis: %w", err)
	}
	n.evm = evm
	n.reg = reg
	n.chain = NewChain(genesis, n.blockTime(), n.cfg.EpochLength)
	n.log.Debug("Genesis committed", zap.Stringer("state_root", root))
	return nil
}

func (n *Node) restore(blocks []*protocol.Block, reg *Registry) error {
	chain, err := restoreChain(blocks, n.blockTime(), n.cfg.EpochLength)
	if err != nil {
		return err
	}
	evm, err := OpenEVMState(n.store.DB(), chain.Latest().StateRoot, n.cfg.ChainID)
	if err != nil {
		return err
	}
	if !reg.Exists(n.rootID) {
		return fmt.Errorf("stored chain has no root account %s", n.rootID)
	}
	n.evm = evm
	n.reg = reg
	n.chain = chain
	return nil
}

func (n *Node) blockTime() time.Duration {
	return time.Duration(n.cfg.BlockTimeMs) * time.Millisecond
}

// blockProducer seals empty blocks periodically
func (n *Node) blockProducer() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.blockTime())
	defer ticker.Stop()

	for {
		select {
		case <-n.done:
			n.log.Debug("Block producer stopping")
			return
		case <-ticker.C:
			if _, err := n.ProduceBlock(context.Background()); err != nil {
				if !errors.Is(err, ErrClosed) {
					n.log.Warn("Failed to produce block", zap.Error(err))
				}
				continue
			}
		}
	}
}

// Close stops the block producer and closes the database. It is idempotent.
func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		close(n.done)
		n.wg.Wait()
		n.mu.Lock()
		defer n.mu.Unlock()
		n.closed = true
		err = n.store.Close()
		n.log.Info("Sandbox node closed", zap.Uint64("height", n.chain.Height()))
	})
	return err
}

// lock acquires the node lock unless ctx is done or the node is closed.
func (n *Node) lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	return nil
}

// sealBlock commits the live state and appends the block at height.
func (n *Node) sealBlock(height, timestamp uint64, gasUsed protocol.Gas, txs []common.Hash) (*protocol.Block, error) {
	root, err := n.evm.Commit(height)
	if err != nil {
		return nil, fmt.Errorf("commit block %d: %w", height, err)
	}
	b := n.chain.Append(height, timestamp, root, gasUsed, txs)
	if err := n.store.SaveBlock(b, n.reg); err != nil {
		return nil, fmt.Errorf("save block %d: %w", height, err)
	}
	n.metrics.blockHeight.Set(float64(b.Height))
	n.metrics.accounts.Set(float64(n.reg.Len()))
	return b, nil
}

// Metrics returns the node's prometheus registry.
func (n *Node) Metrics() *Metrics { return n.metrics }

// Config returns the node configuration. Callers must not modify it.
func (n *Node) Config() *config.Config { return n.cfg }

// RootAccount returns the registrar account.
func (n *Node) RootAccount() protocol.AccountID { return n.rootID }

// Status describes the node and its head block.
func (n *Node) Status(ctx context.Context) (*protocol.NodeStatus, error) {
	if err := n.lock(ctx); err != nil {
		return nil, err
	}
	defer n.mu.Unlock()
	return &protocol.NodeStatus{
		ChainID:     n.cfg.ChainID,
		RootAccount: n.rootID,
		LatestBlock: *n.chain.Latest(),
		EpochLength: n.cfg.EpochLength,
		GasPrice:    n.gasPrice,
		MaxGas:      protocol.Gas(n.cfg.BlockGasLimit),
	}, nil
}

// Block returns the block at ref. A height between two blocks resolves to
// the earlier one.
func (n *Node) Block(ctx context.Context, ref protocol.BlockRef) (*protocol.Block, error) {
	if err := n.lock(ctx); err != nil {
		return nil, err
	}
	defer n.mu.Unlock()
	return n.chain.Resolve(ref)
}

// BlockByHash looks a block up by hash.
func (n *Node) BlockByHash(ctx context.Context, hash common.Hash) (*protocol.Block, error) {
	if err := n.lock(ctx); err != nil {
		return nil, err
	}
	defer n.mu.Unlock()
	return n.chain.BlockByHash(hash)
}

// ProduceBlock seals an empty block.
func (n *Node) ProduceBlock(ctx context.Context) (*protocol.Block, error) {
	if err := n.lock(ctx); err != nil {
		return nil, err
	}
	defer n.mu.Unlock()
	height, ts := n.chain.Pending()
	return n.sealBlock(height, ts, 0, nil)
}

// FastForward produces one block delta heights ahead; timestamp and epoch
// advance as if delta blocks had been produced.
func (n *Node) FastForward(ctx context.Context, delta uint64) (*protocol.Block, error) {
	if err := n.lock(ctx); err != nil {
		return nil, err
	}
	defer n.mu.Unlock()
	b, err := n.chain.FastForward(delta)
	if err != nil {
		return nil, err
	}
	if err := n.store.SaveBlock(b, n.reg); err != nil {
		return nil, err
	}
	n.metrics.blockHeight.Set(float64(b.Height))
	n.log.Debug("Fast forwarded", zap.Uint64("delta", delta), zap.Uint64("height", b.Height))
	return b, nil
}

// Snapshot records the current head so Revert can return to it.
func (n *Node) Snapshot(ctx context.Context) (string, error) {
	if err := n.lock(ctx); err != nil {
		return "", err
	}
	defer n.mu.Unlock()
	id := uuid.New().String()
	n.snapshots[id] = snapshot{height: n.chain.Height(), reg: n.reg.Clone()}
	return id, nil
}

// Revert restores state, accounts and head height to snapshot id. Blocks
// produced since are dropped, as are snapshots taken after id.
func (n *Node) Revert(ctx context.Context, id string) (*protocol.Block, error) {
	if err := n.lock(ctx); err != nil {
		return nil, err
	}
	defer n.mu.Unlock()
	snap, ok := n.snapshots[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnknownSnapshot, id)
	}
	head, err := n.chain.BlockByHeight(snap.height)
	if err != nil {
		return nil, err
	}
	if err := n.evm.Reset(head.StateRoot); err != nil {
		return nil, err
	}
	n.chain.Truncate(snap.height)
	n.reg = snap.reg.Clone()
	if err := n.store.DeleteBlocksAbove(snap.height, n.reg); err != nil {
		return nil, err
	}
	n.outcomes.DropAbove(snap.height)
	for other, s := range n.snapshots {
		if s.height > snap.height {
			delete(n.snapshots, other)
		}
	}
	n.metrics.blockHeight.Set(float64(head.Height))
	n.metrics.accounts.Set(float64(n.reg.Len()))
	n.log.Debug("Reverted to snapshot", zap.String("snapshot", id), zap.Uint64("height", head.Height))
	return head, nil
}

// TxStatus returns the outcome of a previously executed transaction.
func (n *Node) TxStatus(ctx context.Context, hash common.Hash) (*protocol.FinalExecutionOutcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return n.outcomes.Get(hash)
}

// Balance returns the EVM balance of addr at ref.
func (n *Node) Balance(ctx context.Context, addr common.Address, ref protocol.BlockRef) (*uint256.Int, error) {
	var out *uint256.Int
	err := n.readState(ctx, ref, func(sv *stateView) error {
		out = new(uint256.Int).Set(sv.db.GetBalance(addr))
		return nil
	})
	return out, err
}

// Nonce returns the EVM nonce of addr at ref.
func (n *Node) Nonce(ctx context.Context, addr common.Address, ref protocol.BlockRef) (uint64, error) {
	var out uint64
	err := n.readState(ctx, ref, func(sv *stateView) error {
		out = sv.db.GetNonce(addr)
		return nil
	})
	return out, err
}

// Code returns the runtime code at addr at ref.
func (n *Node) Code(ctx context.Context, addr common.Address, ref protocol.BlockRef) ([]byte, error) {
	var out []byte
	err := n.readState(ctx, ref, func(sv *stateView) error {
		out = common.CopyBytes(sv.db.GetCode(addr))
		return nil
	})
	return out, err
}

// StorageAt returns one storage slot of addr at ref.
func (n *Node) StorageAt(ctx context.Context, addr common.Address, slot common.Hash, ref protocol.BlockRef) (common.Hash, error) {
	var out common.Hash
	err := n.readState(ctx, ref, func(sv *stateView) error {
		out = sv.db.GetState(addr, slot)
		return nil
	})
	return out, err
}
