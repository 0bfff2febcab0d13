package node

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/sharding-experiment/sandbox/internal/keys"
	"github.com/sharding-experiment/sandbox/internal/protocol"
)

// Fixed costs of the actions that do not run EVM code.
const (
	createAccountGas = params.CallNewAccountGas
	transferGas      = params.CallValueTransferGas
	addKeyGas        = params.SstoreSetGas
	deleteKeyGas     = params.SstoreResetGasEIP2200
	deleteAccountGas = params.SelfdestructGasEIP150
)

// SendTransaction validates, executes and seals stx in its own block.
//
// Invalid transactions (unknown signer or key, stale nonce, bad signature,
// unaffordable gas) are rejected with an error and change nothing. Valid
// transactions always produce an outcome: when an action fails, the effects
// of every action are reverted but the nonce and gas fee stay charged.
func (n *Node) SendTransaction(ctx context.Context, stx *protocol.SignedTransaction) (*protocol.FinalExecutionOutcome, error) {
	if stx == nil {
		return nil, fmt.Errorf("nil transaction")
	}
	tx := &stx.Transaction
	if err := tx.SignerID.Validate(); err != nil {
		return nil, fmt.Errorf("signer: %w", err)
	}
	if err := tx.ReceiverID.Validate(); err != nil {
		return nil, fmt.Errorf("receiver: %w", err)
	}
	if len(tx.Actions) == 0 {
		return nil, fmt.Errorf("transaction has no actions")
	}
	for i, a := range tx.Actions {
		if err := a.Deposit.Validate(); err != nil {
			return nil, fmt.Errorf("action #%d deposit: %w", i, err)
		}
	}
	txHash := tx.Hash()
	if !keys.VerifyString(tx.PublicKey, txHash[:], stx.Signature) {
		return nil, fmt.Errorf("%w: tx %s", protocol.ErrInvalidSignature, txHash.Hex())
	}

	if err := n.lock(ctx); err != nil {
		return nil, err
	}
	defer n.mu.Unlock()

	key, err := n.reg.AccessKey(tx.SignerID, tx.PublicKey)
	if err != nil {
		return nil, err
	}
	if tx.Nonce <= key.Nonce {
		return nil, fmt.Errorf("%w: nonce %d must be greater than %d", protocol.ErrInvalidNonce, tx.Nonce, key.Nonce)
	}
	if tx.BlockHash != (common.Hash{}) {
		if _, err := n.chain.BlockByHash(tx.BlockHash); err != nil {
			return nil, err
		}
	}
	maxGas := n.prepaidGas(tx.Actions)
	if maxGas > n.cfg.BlockGasLimit {
		return nil, fmt.Errorf("transaction needs up to %d gas, above the block limit %d", maxGas, n.cfg.BlockGasLimit)
	}
	signerAddr := tx.SignerID.Address()
	prepaid := n.gasPrice.Mul(maxGas)
	if err := prepaid.Validate(); err != nil {
		return nil, fmt.Errorf("gas prepayment: %w", err)
	}
	if n.evm.GetBalance(signerAddr).Cmp(prepaid.Uint256()) < 0 {
		return nil, fmt.Errorf("%w: %s cannot prepay %d gas", protocol.ErrInsufficientFunds, tx.SignerID, maxGas)
	}

	height, ts := n.chain.Pending()
	live := n.evm.Live()
	live.SetTxContext(txHash, 0)
	x := &txExec{
		node:       n,
		tx:         tx,
		hash:       txHash,
		live:       live,
		reg:        n.reg.Clone(),
		created:    make(map[protocol.AccountID]bool),
		signerAddr: signerAddr,
		env: blockEnv{
			Height:   height,
			Time:     ts / 1e9,
			GasLimit: n.cfg.BlockGasLimit,
			Hashes:   n.chain.HashAt,
		},
	}

	// The prepayment is taken outside the action snapshot so that neither a
	// revert nor a self-deleting signer can undo it.
	live.SubBalance(signerAddr, prepaid.Uint256(), tracing.BalanceDecreaseGasBuy)
	snap := live.Snapshot()
	receipts := make([]protocol.ExecutionOutcome, 0, len(tx.Actions))
	status := protocol.Success(nil)
	gasUsed := params.TxGas
	failed := false
	for i, a := range tx.Actions {
		out := x.apply(i, a)
		gasUsed += uint64(out.GasBurnt)
		receipts = append(receipts, out)
		if !out.Status.IsSuccess() {
			live.RevertToSnapshot(snap)
			status = protocol.Failure("action #%d (%s): %s", i, a.Kind, out.Status.Failure)
			failed = true
			break
		}
		status = out.Status
	}
	if !failed {
		n.reg = x.reg
	}
	n.reg.SetNonce(tx.SignerID, tx.PublicKey, tx.Nonce)

	if gasUsed > maxGas {
		gasUsed = maxGas
	}
	refundTo := signerAddr
	if !failed && x.refundTo != nil {
		refundTo = *x.refundTo
	}
	if refund := n.gasPrice.Mul(maxGas - gasUsed).Uint256(); !refund.IsZero() {
		live.AddBalance(refundTo, refund, tracing.BalanceIncreaseGasReturn)
	}

	block, err := n.sealBlock(height, ts, protocol.Gas(gasUsed), []common.Hash{txHash})
	if err != nil {
		return nil, err
	}

	outcome := &protocol.FinalExecutionOutcome{
		TxHash: txHash,
		Status: status,
		Transaction: protocol.ExecutionOutcome{
			ID:          txHash,
			BlockHash:   block.Hash,
			BlockHeight: block.Height,
			ExecutorID:  tx.SignerID,
			Logs:        []protocol.Log{},
			GasBurnt:    protocol.Gas(params.TxGas),
			TokensBurnt: n.gasPrice.Mul(params.TxGas),
			Status:      protocol.Success(nil),
		},
		Receipts:      receipts,
		TotalGasBurnt: protocol.Gas(gasUsed),
	}
	for i := range outcome.Receipts {
		outcome.Receipts[i].BlockHash = block.Hash
		outcome.Receipts[i].BlockHeight = block.Height
	}
	n.outcomes.Add(outcome)

	label := "success"
	if failed {
		label = "failure"
	}
	n.metrics.transactions.WithLabelValues(label).Inc()
	n.metrics.gasBurnt.Add(float64(gasUsed))
	n.log.Debug("Transaction executed",
		zap.Stringer("hash", txHash),
		zap.String("signer", tx.SignerID.String()),
		zap.String("receiver", tx.ReceiverID.String()),
		zap.Int("actions", len(tx.Actions)),
		zap.Uint64("gas", gasUsed),
		zap.Uint64("height", block.Height),
		zap.Bool("failed", failed),
	)
	return outcome.DeepCopy(), nil
}

// prepaidGas is the most gas the actions may burn.
func (n *Node) prepaidGas(actions []protocol.Action) uint64 {
	total := params.TxGas
	for _, a := range actions {
		switch a.Kind {
		case protocol.ActionCreateAccount:
			total += createAccountGas
		case protocol.ActionTransfer:
			total += transferGas
		case protocol.ActionAddKey:
			total += addKeyGas
		case protocol.ActionDeleteKey:
			total += deleteKeyGas
		case protocol.ActionDeployContract:
			total += params.CreateGas + n.cfg.DefaultCallGas
		case protocol.ActionFunctionCall:
			total += n.callGas(a.Gas)
		case protocol.ActionDeleteAccount:
			total += deleteAccountGas
		}
	}
	return total
}

func (n *Node) callGas(requested protocol.Gas) uint64 {
	if requested == 0 {
		return n.cfg.DefaultCallGas
	}
	return uint64(requested)
}

// txExec carries the state of one transaction while its actions run.
type txExec struct {
	node       *Node
	tx         *protocol.Transaction
	hash       common.Hash
	live       *state.StateDB
	reg        *Registry
	created    map[protocol.AccountID]bool
	signerAddr common.Address
	env        blockEnv
	// refundTo receives unused prepaid gas when the signer deleted itself.
	refundTo *common.Address
}

// receiptID derives the outcome id of action i.
func receiptID(txHash common.Hash, i int) common.Hash {
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], uint64(i))
	return crypto.Keccak256Hash(txHash[:], idx[:])
}

// apply runs one action and reports its outcome. Failures are reported in
// the outcome status, not as errors.
func (x *txExec) apply(i int, a protocol.Action) protocol.ExecutionOutcome {
	out := protocol.ExecutionOutcome{
		ID:         receiptID(x.hash, i),
		ExecutorID: x.tx.ReceiverID,
		Action:     a.Kind,
		Logs:       []protocol.Log{},
	}
	logsBefore := len(x.live.Logs())

	var (
		ret []byte
		gas uint64
		err error
	)
	switch a.Kind {
	case protocol.ActionCreateAccount:
		gas, err = createAccountGas, x.createAccount()
	case protocol.ActionTransfer:
		gas, err = transferGas, x.transfer(a.Deposit)
	case protocol.ActionAddKey:
		gas, err = addKeyGas, x.addKey(a.PublicKey)
	case protocol.ActionDeleteKey:
		gas, err = deleteKeyGas, x.deleteKey(a.PublicKey)
	case protocol.ActionDeployContract:
		gas, out.StorageWrites, err = x.deploy(a.Code)
	case protocol.ActionFunctionCall:
		ret, gas, out.StorageWrites, err = x.functionCall(a)
	case protocol.ActionDeleteAccount:
		gas, err = deleteAccountGas, x.deleteAccount(a.Beneficiary)
	default:
		err = fmt.Errorf("unknown action kind %d", a.Kind)
	}

	for _, l := range x.live.Logs()[logsBefore:] {
		out.Logs = append(out.Logs, protocol.Log{
			Address: l.Address,
			Topics:  append([]common.Hash(nil), l.Topics...),
			Data:    common.CopyBytes(l.Data),
		})
	}
	out.GasBurnt = protocol.Gas(gas)
	out.TokensBurnt = x.node.gasPrice.Mul(gas)
	if err != nil {
		out.Status = protocol.Failure("%s", err.Error())
	} else {
		out.Status = protocol.Success(ret)
	}
	return out
}

// requireOwned allows key, code and deletion actions only on the signer or
// on an account this transaction created.
func (x *txExec) requireOwned() error {
	receiver := x.tx.ReceiverID
	if receiver == x.tx.SignerID || x.created[receiver] {
		return nil
	}
	return fmt.Errorf("%w: %s cannot modify %s", protocol.ErrNotAllowed, x.tx.SignerID, receiver)
}

func (x *txExec) requireReceiver() error {
	if !x.reg.Exists(x.tx.ReceiverID) {
		return fmt.Errorf("%w: %s", protocol.ErrAccountNotFound, x.tx.ReceiverID)
	}
	return nil
}

func (x *txExec) createAccount() error {
	receiver, signer := x.tx.ReceiverID, x.tx.SignerID
	if x.reg.Exists(receiver) {
		return fmt.Errorf("%w: %s", protocol.ErrAccountExists, receiver)
	}
	allowed := receiver.IsSubAccountOf(signer) ||
		receiver.IsImplicit() ||
		(receiver.IsTopLevel() && signer == x.node.rootID)
	if !allowed {
		return fmt.Errorf("%w: %s cannot create %s", protocol.ErrNotAllowed, signer, receiver)
	}
	if err := x.reg.Create(receiver, x.env.Height); err != nil {
		return err
	}
	x.created[receiver] = true
	return nil
}

func (x *txExec) transfer(deposit protocol.Amount) error {
	receiver := x.tx.ReceiverID
	if !x.reg.Exists(receiver) {
		if !receiver.IsImplicit() {
			return fmt.Errorf("%w: %s", protocol.ErrAccountNotFound, receiver)
		}
		if err := x.reg.Create(receiver, x.env.Height); err != nil {
			return err
		}
	}
	return x.node.evm.Transfer(x.signerAddr, receiver.Address(), deposit.Uint256())
}

func (x *txExec) addKey(publicKey string) error {
	if err := x.requireOwned(); err != nil {
		return err
	}
	if err := x.requireReceiver(); err != nil {
		return err
	}
	pk, err := keys.ParsePublicKey(publicKey)
	if err != nil {
		return err
	}
	return x.reg.AddKey(x.tx.ReceiverID, pk.String())
}

func (x *txExec) deleteKey(publicKey string) error {
	if err := x.requireOwned(); err != nil {
		return err
	}
	if err := x.requireReceiver(); err != nil {
		return err
	}
	return x.reg.DeleteKey(x.tx.ReceiverID, publicKey)
}

func (x *txExec) deploy(initCode []byte) (uint64, []protocol.StorageWrite, error) {
	if err := x.requireOwned(); err != nil {
		return 0, nil, err
	}
	if err := x.requireReceiver(); err != nil {
		return 0, nil, err
	}
	if len(initCode) == 0 {
		return 0, nil, fmt.Errorf("empty contract code")
	}
	rec := NewWriteRecorder(x.live)
	addr := x.tx.ReceiverID.Address()
	_, used, err := x.node.evm.deployAt(rec, x.env, x.signerAddr, addr, initCode,
		x.node.cfg.DefaultCallGas, nil, x.node.gasPrice.Big())
	gas := params.CreateGas + used
	if err != nil {
		return gas, nil, fmt.Errorf("constructor failed: %s", err)
	}
	return gas, x.storageWrites(rec), nil
}

func (x *txExec) functionCall(a protocol.Action) ([]byte, uint64, []protocol.StorageWrite, error) {
	receiver := x.tx.ReceiverID
	addr := receiver.Address()
	if !x.reg.Exists(receiver) && !(receiver.IsImplicit() && x.live.Exist(addr)) {
		return nil, 0, nil, fmt.Errorf("%w: %s", protocol.ErrAccountNotFound, receiver)
	}
	if x.live.GetCodeSize(addr) == 0 {
		return nil, 0, nil, fmt.Errorf("%w: %s", protocol.ErrNoContract, receiver)
	}
	rec := NewWriteRecorder(x.live)
	ret, used, err := x.node.evm.call(rec, x.env, x.signerAddr, addr, a.Args,
		x.node.callGas(a.Gas), a.Deposit.Uint256(), x.node.gasPrice.Big())
	if err != nil {
		return nil, used, nil, fmt.Errorf("%s: %s", methodName(a), describeVMError(err, ret))
	}
	return ret, used, x.storageWrites(rec), nil
}

func methodName(a protocol.Action) string {
	if a.Method != "" {
		return a.Method
	}
	return "call"
}

func (x *txExec) deleteAccount(beneficiary protocol.AccountID) error {
	if err := x.requireOwned(); err != nil {
		return err
	}
	if err := x.requireReceiver(); err != nil {
		return err
	}
	if err := beneficiary.Validate(); err != nil {
		return fmt.Errorf("beneficiary: %w", err)
	}
	if beneficiary == x.tx.ReceiverID {
		return fmt.Errorf("%w: account cannot be its own beneficiary", protocol.ErrNotAllowed)
	}
	if !x.reg.Exists(beneficiary) && !beneficiary.IsImplicit() {
		return fmt.Errorf("%w: beneficiary %s", protocol.ErrAccountNotFound, beneficiary)
	}
	addr := x.tx.ReceiverID.Address()
	balance := new(uint256.Int).Set(x.live.GetBalance(addr))
	if err := x.node.evm.Transfer(addr, beneficiary.Address(), balance); err != nil {
		return err
	}
	x.live.SelfDestruct(addr)
	if addr == x.signerAddr {
		to := beneficiary.Address()
		x.refundTo = &to
	}
	return x.reg.Delete(x.tx.ReceiverID)
}

func (x *txExec) storageWrites(t *WriteRecorder) []protocol.StorageWrite {
	writes := t.Writes()
	if len(writes) == 0 {
		return nil
	}
	out := make([]protocol.StorageWrite, len(writes))
	for i, w := range writes {
		out[i] = protocol.StorageWrite{
			Account: x.reg.Resolve(w.Address),
			Slot:    w.Slot,
			Value:   w.Value,
		}
	}
	return out
}
