package node

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/triedb"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestStateDB returns an empty in-memory StateDB.
func createTestStateDB(t *testing.T) *state.StateDB {
	t.Helper()
	sdb := state.NewDatabase(triedb.NewDatabase(rawdb.NewMemoryDatabase(), nil), nil)
	db, err := state.New(common.Hash{}, sdb)
	require.NoError(t, err)
	return db
}

func TestWriteRecorderRecordsWritesInOrder(t *testing.T) {
	inner := createTestStateDB(t)
	rec := NewWriteRecorder(inner)
	a, b := common.Address{1}, common.Address{2}

	rec.SetState(b, common.Hash{2}, common.Hash{0xb2})
	rec.SetState(a, common.Hash{1}, common.Hash{0xa1})
	rec.SetState(b, common.Hash{2}, common.Hash{0xb3})
	rec.SetState(b, common.Hash{1}, common.Hash{0xb1})

	writes := rec.Writes()
	require.Len(t, writes, 3)
	assert.Equal(t, SlotValue{Address: b, Slot: common.Hash{2}, Value: common.Hash{0xb3}}, writes[0])
	assert.Equal(t, a, writes[1].Address)
	assert.Equal(t, SlotValue{Address: b, Slot: common.Hash{1}, Value: common.Hash{0xb1}}, writes[2])

	// Writes go through to the wrapped state.
	assert.Equal(t, common.Hash{0xa1}, inner.GetState(a, common.Hash{1}))
}

func TestWriteRecorderReportsRevertedValues(t *testing.T) {
	inner := createTestStateDB(t)
	rec := NewWriteRecorder(inner)
	addr := common.Address{7}
	rec.SetState(addr, common.Hash{}, common.Hash{1})

	snap := rec.Snapshot()
	rec.SetState(addr, common.Hash{}, common.Hash{2})
	rec.RevertToSnapshot(snap)

	writes := rec.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, common.Hash{1}, writes[0].Value)
}

func TestWriteRecorderDelegates(t *testing.T) {
	inner := createTestStateDB(t)
	rec := NewWriteRecorder(inner)
	addr := common.Address{9}

	rec.CreateAccount(addr)
	rec.AddBalance(addr, uint256.NewInt(100), tracing.BalanceChangeUnspecified)
	rec.SetNonce(addr, 3, tracing.NonceChangeUnspecified)
	rec.SetCode(addr, []byte{0x60, 0x00}, 0)

	assert.True(t, rec.Exist(addr))
	assert.Equal(t, uint256.NewInt(100), inner.GetBalance(addr))
	assert.EqualValues(t, 3, inner.GetNonce(addr))
	assert.Equal(t, 2, rec.GetCodeSize(addr))
	assert.Empty(t, rec.Writes())
}
