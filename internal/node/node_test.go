package node

import (
	"context"
	"math"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharding-experiment/sandbox/config"
	"github.com/sharding-experiment/sandbox/internal/keys"
	"github.com/sharding-experiment/sandbox/internal/protocol"
	"github.com/sharding-experiment/sandbox/internal/testcontracts"
)

func TestGenesis(t *testing.T) {
	n, sk := newTestNode(t, "")
	ctx := context.Background()

	status, err := n.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, rootID, status.RootAccount)
	assert.EqualValues(t, 0, status.LatestBlock.Height)
	assert.EqualValues(t, 1, status.LatestBlock.EpochHeight)

	view, err := n.ViewAccount(ctx, rootID, protocol.Latest())
	require.NoError(t, err)
	want, _ := protocol.ParseAmount("1000000000 ether")
	assert.True(t, view.Balance.Equal(want))
	require.Len(t, view.Keys, 1)
	assert.Equal(t, sk.PublicKey().String(), view.Keys[0].PublicKey)

	_, err = New(nil, Options{})
	assert.Error(t, err, "genesis without a root key")
}

func TestSendTransactionCreatesAccounts(t *testing.T) {
	n, sk := newTestNode(t, "")
	ctx := context.Background()
	root := &signer{id: rootID, sk: sk}

	alice := root.createAccount(t, n, "alice.test.near", protocol.Ether(10))
	view, err := n.ViewAccount(ctx, "alice.test.near", protocol.Latest())
	require.NoError(t, err)
	assert.True(t, view.Balance.Equal(protocol.Ether(10)))
	assert.EqualValues(t, 1, view.BlockHeight)

	// Only the parent may create sub-accounts.
	out := alice.send(t, n, "bob.test.near", protocol.CreateAccountAction())
	assert.False(t, out.Status.IsSuccess())
	assert.Contains(t, out.Status.Failure, protocol.ErrNotAllowed.Error())

	out = alice.send(t, n, "bob.alice.test.near", protocol.CreateAccountAction(), protocol.TransferAction(protocol.Ether(1)))
	require.True(t, out.Status.IsSuccess(), spew.Sdump(out))
	assert.Len(t, out.Receipts, 2)
	assert.NotZero(t, out.TotalGasBurnt)

	// Gas is charged to the signer on top of the deposit.
	view, err = n.ViewAccount(ctx, "alice.test.near", protocol.Latest())
	require.NoError(t, err)
	assert.Equal(t, -1, view.Balance.Cmp(protocol.Ether(9)))
}

func TestSendTransactionRejectsInvalid(t *testing.T) {
	n, sk := newTestNode(t, "")
	ctx := context.Background()
	transfer := []protocol.Action{protocol.TransferAction(protocol.Gwei(1))}

	// Bad signature.
	stx := keys.SignTransaction(sk, protocol.Transaction{SignerID: rootID, Nonce: 1, ReceiverID: rootID, Actions: transfer})
	stx.Signature[0] ^= 0xff
	_, err := n.SendTransaction(ctx, stx)
	assert.ErrorIs(t, err, protocol.ErrInvalidSignature)

	// Unknown key.
	other := keys.MustGenerate(keys.ED25519)
	_, err = n.SendTransaction(ctx, keys.SignTransaction(other, protocol.Transaction{SignerID: rootID, Nonce: 1, ReceiverID: rootID, Actions: transfer}))
	assert.ErrorIs(t, err, protocol.ErrAccessKeyNotFound)

	// Stale nonce.
	root := &signer{id: rootID, sk: sk}
	root.send(t, n, rootID, transfer...)
	root.nonce = 0
	_, err = root.trySend(n, rootID, transfer...)
	assert.ErrorIs(t, err, protocol.ErrInvalidNonce)

	// Unknown block hash.
	_, err = n.SendTransaction(ctx, keys.SignTransaction(sk, protocol.Transaction{
		SignerID: rootID, Nonce: 5, ReceiverID: rootID, BlockHash: common.Hash{9}, Actions: transfer,
	}))
	assert.ErrorIs(t, err, protocol.ErrUnknownBlock)

	// Rejected transactions produce no block.
	head, err := n.Block(ctx, protocol.Latest())
	require.NoError(t, err)
	assert.EqualValues(t, 1, head.Height)
}

func deployCounter(t *testing.T, n *Node, root *signer, id protocol.AccountID, initial int64) *signer {
	t.Helper()
	acc := root.createAccount(t, n, id, protocol.Ether(10))
	out := acc.send(t, n, id, protocol.DeployContractAction(testcontracts.Counter().InitCode(big.NewInt(initial))))
	require.True(t, out.Status.IsSuccess(), out.Status.Failure)
	return acc
}

func callInput(t *testing.T, method string, args ...interface{}) []byte {
	t.Helper()
	input, err := testcontracts.Counter().ABI.Pack(method, args...)
	require.NoError(t, err)
	return input
}

func viewCounter(t *testing.T, n *Node, id protocol.AccountID, ref protocol.BlockRef) int64 {
	t.Helper()
	res, err := n.CallFunction(context.Background(), id, callInput(t, "get"), ref)
	require.NoError(t, err)
	return new(big.Int).SetBytes(res.Result).Int64()
}

func TestDeployAndCall(t *testing.T) {
	n, sk := newTestNode(t, "")
	ctx := context.Background()
	root := &signer{id: rootID, sk: sk}
	counter := deployCounter(t, n, root, "counter.test.near", 41)

	assert.EqualValues(t, 41, viewCounter(t, n, "counter.test.near", protocol.Latest()))
	deployed, err := n.Block(ctx, protocol.Latest())
	require.NoError(t, err)

	out := counter.send(t, n, "counter.test.near", protocol.FunctionCallAction("increment", callInput(t, "increment"), 0, protocol.Amount{}))
	require.True(t, out.Status.IsSuccess(), out.Status.Failure)
	assert.EqualValues(t, 42, new(big.Int).SetBytes(out.Status.Value()).Int64())
	require.Len(t, out.Receipts[0].Logs, 1)
	require.Len(t, out.Receipts[0].StorageWrites, 1)
	assert.Equal(t, protocol.AccountID("counter.test.near"), out.Receipts[0].StorageWrites[0].Account)

	// Views at an older height see the older state.
	assert.EqualValues(t, 41, viewCounter(t, n, "counter.test.near", protocol.AtHeight(deployed.Height)))

	// Anyone can call, but not deploy on someone else's account.
	out = root.send(t, n, "counter.test.near", protocol.FunctionCallAction("set", callInput(t, "set", big.NewInt(5)), 0, protocol.Amount{}))
	require.True(t, out.Status.IsSuccess(), out.Status.Failure)
	out = root.send(t, n, "counter.test.near", protocol.DeployContractAction(testcontracts.Token().InitCode()))
	assert.Contains(t, out.Status.Failure, protocol.ErrNotAllowed.Error())

	code, err := n.ViewCode(ctx, "counter.test.near", protocol.Latest())
	require.NoError(t, err)
	assert.Equal(t, testcontracts.Counter().Runtime, code)
}

func TestFailedActionRevertsTransaction(t *testing.T) {
	n, sk := newTestNode(t, "")
	ctx := context.Background()
	root := &signer{id: rootID, sk: sk}
	counter := deployCounter(t, n, root, "counter.test.near", 1)

	out := counter.send(t, n, "counter.test.near",
		protocol.FunctionCallAction("set", callInput(t, "set", big.NewInt(99)), 0, protocol.Amount{}),
		protocol.FunctionCallAction("fail", callInput(t, "fail"), 0, protocol.Amount{}),
	)
	assert.False(t, out.Status.IsSuccess())
	assert.Contains(t, out.Status.Failure, "action #1")
	assert.Contains(t, out.Status.Failure, testcontracts.CounterFailure)
	assert.EqualValues(t, 1, viewCounter(t, n, "counter.test.near", protocol.Latest()))

	// Nonce and fee stay charged.
	key, err := n.ViewAccessKey(ctx, "counter.test.near", counter.sk.PublicKey().String())
	require.NoError(t, err)
	assert.EqualValues(t, counter.nonce, key.Nonce)

	stored, err := n.TxStatus(ctx, out.TxHash)
	require.NoError(t, err)
	assert.Equal(t, out.Status.Failure, stored.Status.Failure)
}

func TestCallFunctionErrors(t *testing.T) {
	n, sk := newTestNode(t, "")
	ctx := context.Background()
	root := &signer{id: rootID, sk: sk}
	deployCounter(t, n, root, "counter.test.near", 1)

	_, err := n.CallFunction(ctx, "counter.test.near", callInput(t, "fail"), protocol.Latest())
	var ee *ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "execution reverted: "+testcontracts.CounterFailure, ee.Msg)

	_, err = n.CallFunction(ctx, rootID, nil, protocol.Latest())
	assert.ErrorIs(t, err, protocol.ErrNoContract)

	_, err = n.CallFunction(ctx, "ghost.test.near", nil, protocol.Latest())
	assert.ErrorIs(t, err, protocol.ErrAccountNotFound)

	// Views run static: writes fail and state is untouched.
	_, err = n.CallFunction(ctx, "counter.test.near", callInput(t, "increment"), protocol.Latest())
	require.ErrorAs(t, err, &ee)
	assert.Contains(t, ee.Msg, "write protection")
	assert.EqualValues(t, 1, viewCounter(t, n, "counter.test.near", protocol.Latest()))
}

func TestPatchState(t *testing.T) {
	n, sk := newTestNode(t, "")
	ctx := context.Background()
	root := &signer{id: rootID, sk: sk}
	deployCounter(t, n, root, "counter.test.near", 1)

	before, err := n.Block(ctx, protocol.Latest())
	require.NoError(t, err)
	b, err := n.PatchState(ctx, []protocol.StatePatch{{
		AccountID: "counter.test.near",
		Storage:   map[common.Hash]common.Hash{{}: common.BigToHash(big.NewInt(1000))},
	}})
	require.NoError(t, err)
	assert.Equal(t, before.Height+1, b.Height)
	assert.EqualValues(t, 1000, viewCounter(t, n, "counter.test.near", protocol.Latest()))

	// A patched account needs no constructor and can get keys.
	code := hexutil.Bytes(testcontracts.Counter().Runtime)
	balance := protocol.Ether(3)
	pk := keys.MustGenerate(keys.ED25519).PublicKey().String()
	_, err = n.PatchState(ctx, []protocol.StatePatch{{
		AccountID: "fresh.test.near", Code: &code, Balance: &balance, Keys: []string{pk},
	}})
	require.NoError(t, err)
	assert.Zero(t, viewCounter(t, n, "fresh.test.near", protocol.Latest()))
	view, err := n.ViewAccount(ctx, "fresh.test.near", protocol.Latest())
	require.NoError(t, err)
	assert.True(t, view.Balance.Equal(balance))
	assert.Len(t, view.Keys, 1)

	_, err = n.PatchState(ctx, nil)
	assert.Error(t, err)
	_, err = n.PatchState(ctx, []protocol.StatePatch{{AccountID: "Bad!"}})
	assert.ErrorIs(t, err, protocol.ErrInvalidAccountID)
}

func TestViewStateWithProof(t *testing.T) {
	n, sk := newTestNode(t, "")
	ctx := context.Background()
	root := &signer{id: rootID, sk: sk}
	deployCounter(t, n, root, "counter.test.near", 77)

	all, err := n.ViewState(ctx, "counter.test.near", nil, true)
	require.NoError(t, err)
	require.Len(t, all.Values, 1)
	item := all.Values[0]
	assert.Equal(t, common.Hash{}, item.Slot)
	assert.Equal(t, common.BigToHash(big.NewInt(77)), item.Value)
	assert.NotEmpty(t, all.AccountProof)

	proven, err := VerifyStorageProof(all.StorageRoot, item.Slot, item.Proof)
	require.NoError(t, err)
	assert.Equal(t, item.Value, proven)

	empty, err := n.ViewState(ctx, rootID, nil, false)
	require.NoError(t, err)
	assert.Empty(t, empty.Values)

	one, err := n.ViewState(ctx, "counter.test.near", []common.Hash{{1}}, false)
	require.NoError(t, err)
	require.Len(t, one.Values, 1)
	assert.Equal(t, common.Hash{}, one.Values[0].Value)
}

func TestFastForwardEnvironment(t *testing.T) {
	n, sk := newTestNode(t, "")
	ctx := context.Background()
	root := &signer{id: rootID, sk: sk}
	clock := root.createAccount(t, n, "clock.test.near", protocol.Ether(1))
	out := clock.send(t, n, "clock.test.near", protocol.DeployContractAction(testcontracts.Clock().InitCode()))
	require.True(t, out.Status.IsSuccess(), out.Status.Failure)

	before, err := n.Block(ctx, protocol.Latest())
	require.NoError(t, err)
	after, err := n.FastForward(ctx, 1200)
	require.NoError(t, err)
	assert.Equal(t, before.Height+1200, after.Height)
	assert.Equal(t, before.StateRoot, after.StateRoot)
	assert.EqualValues(t, 3, after.EpochHeight)

	input, err := testcontracts.Clock().ABI.Pack("height")
	require.NoError(t, err)
	res, err := n.CallFunction(ctx, "clock.test.near", input, protocol.Latest())
	require.NoError(t, err)
	assert.EqualValues(t, after.Height, new(big.Int).SetBytes(res.Result).Uint64())

	input, err = testcontracts.Clock().ABI.Pack("now")
	require.NoError(t, err)
	res, err = n.CallFunction(ctx, "clock.test.near", input, protocol.Latest())
	require.NoError(t, err)
	assert.Equal(t, after.TimestampSeconds(), new(big.Int).SetBytes(res.Result).Uint64())
}

func TestSnapshotRevert(t *testing.T) {
	n, sk := newTestNode(t, "")
	ctx := context.Background()
	root := &signer{id: rootID, sk: sk}
	counter := deployCounter(t, n, root, "counter.test.near", 1)

	snap, err := n.Snapshot(ctx)
	require.NoError(t, err)
	at, err := n.Block(ctx, protocol.Latest())
	require.NoError(t, err)

	out := counter.send(t, n, "counter.test.near", protocol.FunctionCallAction("increment", callInput(t, "increment"), 0, protocol.Amount{}))
	require.True(t, out.Status.IsSuccess())
	root.createAccount(t, n, "later.test.near", protocol.Ether(1))

	head, err := n.Revert(ctx, snap)
	require.NoError(t, err)
	assert.Equal(t, at.Hash, head.Hash)
	assert.EqualValues(t, 1, viewCounter(t, n, "counter.test.near", protocol.Latest()))
	_, err = n.ViewAccount(ctx, "later.test.near", protocol.Latest())
	assert.ErrorIs(t, err, protocol.ErrAccountNotFound)
	_, err = n.TxStatus(ctx, out.TxHash)
	assert.ErrorIs(t, err, protocol.ErrUnknownTx)

	_, err = n.Revert(ctx, "nope")
	assert.ErrorIs(t, err, protocol.ErrUnknownSnapshot)
}

func TestReopenFromHomeDir(t *testing.T) {
	home := t.TempDir()
	sk := keys.MustGenerate(keys.ED25519)
	n, err := New(nil, Options{HomeDir: home, RootKey: sk.PublicKey()})
	require.NoError(t, err)
	root := &signer{id: rootID, sk: sk}
	deployCounter(t, n, root, "counter.test.near", 12)
	head, err := n.Block(context.Background(), protocol.Latest())
	require.NoError(t, err)
	require.NoError(t, n.Close())
	require.NoError(t, n.Close())

	_, err = n.Status(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	reopened, err := New(nil, Options{HomeDir: home})
	require.NoError(t, err)
	defer reopened.Close()
	again, err := reopened.Block(context.Background(), protocol.Latest())
	require.NoError(t, err)
	assert.Equal(t, head.Hash, again.Hash)
	assert.EqualValues(t, 12, viewCounter(t, reopened, "counter.test.near", protocol.Latest()))

	// Nonces survive the restart.
	out, err := root.trySend(reopened, rootID, protocol.TransferAction(protocol.Gwei(1)))
	require.NoError(t, err)
	assert.True(t, out.Status.IsSuccess())
}

func TestEthStateReads(t *testing.T) {
	n, sk := newTestNode(t, "")
	ctx := context.Background()
	root := &signer{id: rootID, sk: sk}
	deployCounter(t, n, root, "counter.test.near", 5)
	addr := protocol.AccountID("counter.test.near").Address()

	code, err := n.Code(ctx, addr, protocol.Latest())
	require.NoError(t, err)
	assert.NotEmpty(t, code)
	old, err := n.Code(ctx, addr, protocol.AtHeight(0))
	require.NoError(t, err)
	assert.Empty(t, old)

	val, err := n.StorageAt(ctx, addr, common.Hash{}, protocol.Latest())
	require.NoError(t, err)
	assert.Equal(t, common.BigToHash(big.NewInt(5)), val)

	bal, err := n.Balance(ctx, addr, protocol.Latest())
	require.NoError(t, err)
	// Funded with 10 ether, minus the deploy fee.
	assert.Equal(t, -1, bal.ToBig().Cmp(protocol.Ether(10).Big()))
	assert.Equal(t, 1, bal.ToBig().Cmp(protocol.Ether(9).Big()))

	_, err = n.Balance(ctx, addr, protocol.AtHeight(1000))
	assert.ErrorIs(t, err, protocol.ErrUnknownBlock)
}

func TestAutoBlocks(t *testing.T) {
	cfg := config.Default()
	cfg.AutoBlocks = true
	cfg.BlockTimeMs = 10
	sk := keys.MustGenerate(keys.ED25519)
	n, err := New(cfg, Options{RootKey: sk.PublicKey()})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		b, err := n.Block(context.Background(), protocol.Latest())
		return err == nil && b.Height >= 3
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, n.Close())
	require.NoError(t, n.Close())
}

func TestFastForwardOverflowIsRejected(t *testing.T) {
	n, _ := newTestNode(t, "")
	ctx := context.Background()
	head, err := n.Block(ctx, protocol.Latest())
	require.NoError(t, err)

	_, err = n.FastForward(ctx, math.MaxUint64)
	assert.ErrorIs(t, err, protocol.ErrOutOfRange)
	_, err = n.FastForward(ctx, 20_000_000_000)
	assert.ErrorIs(t, err, protocol.ErrOutOfRange)

	b, err := n.ProduceBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, head.Height+1, b.Height)
	assert.Greater(t, b.Timestamp, head.Timestamp)
}

func TestDepositOutOfRangeIsRejected(t *testing.T) {
	n, sk := newTestNode(t, "")
	root := &signer{id: rootID, sk: sk}
	bob := root.createAccount(t, n, "bob.test.near", protocol.Ether(1))

	huge := new(big.Int).Add(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	for _, deposit := range []protocol.Amount{protocol.Wei(huge), protocol.Wei(big.NewInt(-5))} {
		_, err := root.trySend(n, bob.id, protocol.TransferAction(deposit))
		assert.ErrorIs(t, err, protocol.ErrOutOfRange, "deposit %s", deposit.Big())
	}

	view, err := n.ViewAccount(context.Background(), bob.id, protocol.Latest())
	require.NoError(t, err)
	assert.True(t, view.Balance.Equal(protocol.Ether(1)), view.Balance.Big().String())
}

func TestDeleteSelfPaysFee(t *testing.T) {
	n, sk := newTestNode(t, "")
	ctx := context.Background()
	root := &signer{id: rootID, sk: sk}
	gone := root.createAccount(t, n, "gone.test.near", protocol.Ether(1))

	before, err := n.ViewAccount(ctx, rootID, protocol.Latest())
	require.NoError(t, err)
	out := gone.send(t, n, gone.id, protocol.DeleteAccountAction(rootID))
	require.True(t, out.Status.IsSuccess(), out.Status.Failure)
	after, err := n.ViewAccount(ctx, rootID, protocol.Latest())
	require.NoError(t, err)

	fee := n.gasPrice.Mul(uint64(out.TotalGasBurnt))
	require.False(t, fee.IsZero())
	assert.Equal(t, protocol.Ether(1).Sub(fee).Big(), after.Balance.Sub(before.Balance).Big())

	_, err = n.ViewAccount(ctx, gone.id, protocol.Latest())
	assert.ErrorIs(t, err, protocol.ErrAccountNotFound)
}

func TestPatchStateCanonicalizesKeys(t *testing.T) {
	n, _ := newTestNode(t, "")
	ctx := context.Background()
	sk := keys.MustGenerate(keys.ED25519)
	bare := strings.TrimPrefix(sk.PublicKey().String(), "ed25519:")
	balance := protocol.Ether(1)

	_, err := n.PatchState(ctx, []protocol.StatePatch{{AccountID: "p.test.near", Balance: &balance, Keys: []string{bare}}})
	require.NoError(t, err)

	patched := &signer{id: "p.test.near", sk: sk}
	out := patched.send(t, n, rootID, protocol.TransferAction(protocol.Gwei(1)))
	assert.True(t, out.Status.IsSuccess(), out.Status.Failure)

	tooMuch := protocol.Wei(new(big.Int).Lsh(big.NewInt(1), 256))
	_, err = n.PatchState(ctx, []protocol.StatePatch{{AccountID: "p.test.near", Balance: &tooMuch}})
	assert.ErrorIs(t, err, protocol.ErrOutOfRange)
}
