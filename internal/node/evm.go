package node

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/triedb"
	"github.com/ethereum/go-ethereum/triedb/hashdb"
	"github.com/holiman/uint256"
	"github.com/sharding-experiment/sandbox/internal/protocol"
)

// chainConfig activates every fork up to Shanghai at genesis.
func chainConfig(chainID uint64) *params.ChainConfig {
	return &params.ChainConfig{
		ChainID:             new(big.Int).SetUint64(chainID),
		HomesteadBlock:      big.NewInt(0),
		EIP150Block:         big.NewInt(0),
		EIP155Block:         big.NewInt(0),
		EIP158Block:         big.NewInt(0),
		ByzantiumBlock:      big.NewInt(0),
		ConstantinopleBlock: big.NewInt(0),
		PetersburgBlock:     big.NewInt(0),
		IstanbulBlock:       big.NewInt(0),
		BerlinBlock:         big.NewInt(0),
		LondonBlock:         big.NewInt(0),
		ShanghaiTime:        new(uint64),
	}
}

// blockEnv is what the EVM sees of the block a call executes in.
type blockEnv struct {
	Height   uint64
	Time     uint64 // seconds
	GasLimit uint64
	Hashes   func(uint64) common.Hash
}

// EVMState wraps geth's StateDB with standalone EVM execution. Every commit
// is flushed to the backing key-value store so older roots stay readable.
type EVMState struct {
	db       state.Database
	stateDB  *state.StateDB
	chainCfg *params.ChainConfig
}

// NewMemoryEVMState creates an empty in-memory EVM state.
func NewMemoryEVMState(chainID uint64) (*EVMState, error) {
	return OpenEVMState(rawdb.NewMemoryDatabase(), types.EmptyRootHash, chainID)
}

// OpenEVMState opens the state at root on top of disk.
func OpenEVMState(disk ethdb.Database, root common.Hash, chainID uint64) (*EVMState, error) {
	// Preimages let ViewState list the slots behind hashed storage keys.
	tdb := triedb.NewDatabase(disk, &triedb.Config{Preimages: true, HashDB: hashdb.Defaults})
	db := state.NewDatabase(tdb, nil)
	stateDB, err := state.New(root, db)
	if err != nil {
		return nil, fmt.Errorf("open state at %s: %w", root.Hex(), err)
	}
	return &EVMState{
		db:       db,
		stateDB:  stateDB,
		chainCfg: chainConfig(chainID),
	}, nil
}

// Commit commits pending changes as of block height and returns the new root.
func (e *EVMState) Commit(height uint64) (common.Hash, error) {
	root, err := e.stateDB.Commit(height, false, false)
	if err != nil {
		return common.Hash{}, err
	}
	if err := e.db.TrieDB().Commit(root, false); err != nil {
		return common.Hash{}, fmt.Errorf("flush trie %s: %w", root.Hex(), err)
	}
	// reopen at the new root; a committed StateDB must not be reused
	return root, e.Reset(root)
}

// Reset discards pending changes and reopens the state at root.
func (e *EVMState) Reset(root common.Hash) error {
	stateDB, err := state.New(root, e.db)
	if err != nil {
		return fmt.Errorf("reload state at %s: %w", root.Hex(), err)
	}
	e.stateDB = stateDB
	return nil
}

// At opens a private, read-only copy of the state at root.
func (e *EVMState) At(root common.Hash) (*state.StateDB, error) {
	return state.New(root, e.db)
}

// Live returns the mutable state of the block being built.
func (e *EVMState) Live() *state.StateDB { return e.stateDB }

// GetBalance reads the pending balance of addr.
func (e *EVMState) GetBalance(addr common.Address) *uint256.Int {
	return e.stateDB.GetBalance(addr)
}

// SetBalance overwrites the balance of addr.
func (e *EVMState) SetBalance(addr common.Address, amount *uint256.Int) {
	e.stateDB.SetBalance(addr, amount, tracing.BalanceChangeUnspecified)
}

// GetCode reads the pending code of addr.
func (e *EVMState) GetCode(addr common.Address) []byte {
	return e.stateDB.GetCode(addr)
}

// SetCode installs runtime code without running any constructor.
func (e *EVMState) SetCode(addr common.Address, code []byte) {
	e.stateDB.SetCode(addr, code, 0)
}

// SetStorageAt sets storage value at a given slot
func (e *EVMState) SetStorageAt(addr common.Address, slot common.Hash, value common.Hash) {
	e.stateDB.SetState(addr, slot, value)
}

// GetStorageAt reads one pending storage slot.
func (e *EVMState) GetStorageAt(addr common.Address, slot common.Hash) common.Hash {
	return e.stateDB.GetState(addr, slot)
}

// Snapshot marks the pending state for RevertToSnapshot.
func (e *EVMState) Snapshot() int {
	return e.stateDB.Snapshot()
}

// RevertToSnapshot undoes pending changes made after snapshot.
func (e *EVMState) RevertToSnapshot(snapshot int) {
	e.stateDB.RevertToSnapshot(snapshot)
}

// Transfer moves value between two accounts. It fails without side effects
// when from cannot cover it.
func (e *EVMState) Transfer(from, to common.Address, value *uint256.Int) error {
	if e.stateDB.GetBalance(from).Cmp(value) < 0 {
		return protocol.ErrInsufficientFunds
	}
	e.stateDB.SubBalance(from, value, tracing.BalanceChangeTransfer)
	e.stateDB.AddBalance(to, value, tracing.BalanceChangeTransfer)
	return nil
}

// newEVM creates a new EVM instance over sdb
func (e *EVMState) newEVM(sdb vm.StateDB, env blockEnv, origin common.Address, gasPrice *big.Int) *vm.EVM {
	getHash := env.Hashes
	if getHash == nil {
		getHash = func(uint64) common.Hash { return common.Hash{} }
	}
	blockCtx := vm.BlockContext{
		CanTransfer: func(db vm.StateDB, addr common.Address, amount *uint256.Int) bool {
			return db.GetBalance(addr).Cmp(amount) >= 0
		},
		Transfer: func(db vm.StateDB, from, to common.Address, amount *uint256.Int) {
			db.SubBalance(from, amount, tracing.BalanceChangeTransfer)
			db.AddBalance(to, amount, tracing.BalanceChangeTransfer)
		},
		GetHash:     getHash,
		Coinbase:    common.Address{},
		GasLimit:    env.GasLimit,
		BlockNumber: new(big.Int).SetUint64(env.Height),
		Time:        env.Time,
		Difficulty:  big.NewInt(0),
		BaseFee:     big.NewInt(0),
		Random:      &common.Hash{},
	}

	evm := vm.NewEVM(blockCtx, sdb, e.chainCfg, vm.Config{})
	if gasPrice == nil {
		gasPrice = big.NewInt(0)
	}
	evm.TxContext = vm.TxContext{
		Origin:   origin,
		GasPrice: gasPrice,
	}
	return evm
}

// call executes a contract call against sdb.
func (e *EVMState) call(sdb vm.StateDB, env blockEnv, caller, contract common.Address, input []byte, gas uint64, value *uint256.Int, gasPrice *big.Int) ([]byte, uint64, error) {
	evm := e.newEVM(sdb, env, caller, gasPrice)
	if value == nil {
		value = new(uint256.Int)
	}
	ret, leftOverGas, err := evm.Call(caller, contract, input, gas, value)
	return ret, gas - leftOverGas, err
}

// staticCall executes a read-only call (no state changes)
func (e *EVMState) staticCall(sdb vm.StateDB, env blockEnv, caller, contract common.Address, input []byte, gas uint64) ([]byte, uint64, error) {
	evm := e.newEVM(sdb, env, caller, nil)
	ret, leftOverGas, err := evm.StaticCall(caller, contract, input, gas)
	return ret, gas - leftOverGas, err
}

// deployAt runs init code in place at addr: the init code is installed,
// invoked, and replaced by the runtime code it returns. Constructor storage
// therefore lands on addr itself.
func (e *EVMState) deployAt(sdb vm.StateDB, env blockEnv, deployer, addr common.Address, initCode []byte, gas uint64, value *uint256.Int, gasPrice *big.Int) ([]byte, uint64, error) {
	sdb.SetCode(addr, initCode, 0)
	runtime, gasUsed, err := e.call(sdb, env, deployer, addr, nil, gas, value, gasPrice)
	if err != nil {
		return nil, gasUsed, err
	}
	if len(runtime) > params.MaxCodeSize {
		return nil, gasUsed, vm.ErrMaxCodeSizeExceeded
	}
	if len(runtime) > 0 && runtime[0] == 0xEF {
		return nil, gasUsed, vm.ErrInvalidCode
	}
	deposit := uint64(len(runtime)) * params.CreateDataGas
	if gasUsed+deposit > gas {
		return nil, gas, vm.ErrCodeStoreOutOfGas
	}
	sdb.SetCode(addr, runtime, 0)
	return runtime, gasUsed + deposit, nil
}
