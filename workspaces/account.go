package workspaces

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"go.uber.org/zap"

	"github.com/sharding-experiment/sandbox/internal/keys"
	"github.com/sharding-experiment/sandbox/internal/protocol"
)

// Account is an account whose full-access key the worker holds.
type Account struct {
	id protocol.AccountID
	sk keys.SecretKey
	w  *Worker
}

func (a *Account) ID() protocol.AccountID { return a.id }

func (a *Account) SecretKey() keys.SecretKey { return a.sk }

// AccountFromSecretKey wraps an existing account and its key. The account is
// not checked against the chain.
func (w *Worker) AccountFromSecretKey(id protocol.AccountID, sk keys.SecretKey) (*Account, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if sk.IsZero() {
		return nil, fmt.Errorf("account %s: empty secret key", id)
	}
	return &Account{id: id, sk: sk, w: w}, nil
}

// AccountFromFile loads credentials written by StoreCredentials.
func (w *Worker) AccountFromFile(path string) (*Account, error) {
	creds, sk, err := keys.LoadCredentials(path)
	if err != nil {
		return nil, err
	}
	id, err := protocol.ParseAccountID(creds.AccountID)
	if err != nil {
		return nil, err
	}
	return w.AccountFromSecretKey(id, sk)
}

// StoreCredentials writes the account key to dir/<id>.json and returns the
// file path.
func (a *Account) StoreCredentials(dir string) (string, error) {
	return keys.SaveCredentials(dir, a.id.String(), a.sk)
}

// signAndSend signs a transaction to receiver with the next nonce of the
// account key and waits for its outcome.
func (a *Account) signAndSend(ctx context.Context, receiver protocol.AccountID, actions ...protocol.Action) (*protocol.FinalExecutionOutcome, error) {
	pk := a.sk.PublicKey().String()
	unlock := a.w.lockKey(a.id, pk)
	defer unlock()

	key, err := a.w.client.ViewAccessKey(ctx, a.id, pk)
	if err != nil {
		return nil, fmt.Errorf("access key of %s: %w", a.id, err)
	}
	head, err := a.w.client.Block(ctx, protocol.Latest())
	if err != nil {
		return nil, err
	}
	stx := keys.SignTransaction(a.sk, protocol.Transaction{
		SignerID:   a.id,
		Nonce:      key.Nonce + 1,
		ReceiverID: receiver,
		BlockHash:  head.Hash,
		Actions:    actions,
	})
	out, err := a.w.client.SendTransaction(ctx, stx)
	if err != nil {
		return nil, err
	}
	a.w.log.Debug("Transaction executed",
		zap.String("signer", a.id.String()),
		zap.String("receiver", receiver.String()),
		zap.Stringer("hash", out.TxHash),
		zap.Bool("success", out.Status.IsSuccess()),
	)
	return out, nil
}

// createAccount creates id signed by a, funds it and installs a key. A fresh
// ed25519 key is generated when sk is zero.
func (a *Account) createAccount(ctx context.Context, id protocol.AccountID, balance protocol.Amount, sk keys.SecretKey) (*Account, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if sk.IsZero() {
		var err error
		if sk, err = keys.Generate(keys.ED25519); err != nil {
			return nil, err
		}
	}
	out, err := a.signAndSend(ctx, id,
		protocol.CreateAccountAction(),
		protocol.TransferAction(balance),
		protocol.AddKeyAction(sk.PublicKey().String()),
	)
	if err != nil {
		return nil, err
	}
	if err := newExecutionResult(out, nil, "").Err(); err != nil {
		return nil, err
	}
	return &Account{id: id, sk: sk, w: a.w}, nil
}

// SubaccountBuilder creates <name>.<parent>.
type SubaccountBuilder struct {
	parent  *Account
	name    string
	balance *protocol.Amount
	sk      keys.SecretKey
}

func (a *Account) CreateSubaccount(name string) *SubaccountBuilder {
	return &SubaccountBuilder{parent: a, name: name}
}

// InitialBalance overrides the configured subaccount balance.
func (b *SubaccountBuilder) InitialBalance(amount protocol.Amount) *SubaccountBuilder {
	b.balance = &amount
	return b
}

// Keys installs sk instead of a generated key.
func (b *SubaccountBuilder) Keys(sk keys.SecretKey) *SubaccountBuilder {
	b.sk = sk
	return b
}

func (b *SubaccountBuilder) Transact(ctx context.Context) (*Account, error) {
	id, err := b.parent.id.SubAccount(b.name)
	if err != nil {
		return nil, err
	}
	balance := b.balance
	if balance == nil {
		def, err := protocol.ParseAmount(b.parent.w.cfg.SubaccountBalance)
		if err != nil {
			return nil, fmt.Errorf("subaccount balance: %w", err)
		}
		balance = &def
	}
	return b.parent.createAccount(ctx, id, *balance, b.sk)
}

// Deploy runs init code on the account. The returned contract shares the
// account's key.
func (a *Account) Deploy(ctx context.Context, code []byte) (*Contract, error) {
	out, err := a.signAndSend(ctx, a.id, protocol.DeployContractAction(code))
	if err != nil {
		return nil, err
	}
	if err := newExecutionResult(out, nil, "").Err(); err != nil {
		return nil, err
	}
	return &Contract{account: a}, nil
}

// DeployArtifact deploys a compiled contract, encoding args (JSON, may be
// empty) for its constructor. The contract keeps the artifact ABI.
func (a *Account) DeployArtifact(ctx context.Context, art *Artifact, args []byte) (*Contract, error) {
	code, err := art.InitCodeJSON(args)
	if err != nil {
		return nil, err
	}
	c, err := a.Deploy(ctx, code)
	if err != nil {
		return nil, err
	}
	return c.WithABI(art.ABI), nil
}

// Call starts a function call signed by a on the contract at id.
func (a *Account) Call(id protocol.AccountID, method string) *CallBuilder {
	return newCallBuilder(a.w, a, id, method, nil)
}

// View starts a read-only call of the contract at id.
func (a *Account) View(id protocol.AccountID, method string) *CallBuilder {
	return newCallBuilder(a.w, nil, id, method, nil)
}

// Transfer sends amount to receiver.
func (a *Account) Transfer(ctx context.Context, receiver protocol.AccountID, amount protocol.Amount) (*ExecutionResult, error) {
	out, err := a.signAndSend(ctx, receiver, protocol.TransferAction(amount))
	if err != nil {
		return nil, err
	}
	return newExecutionResult(out, nil, ""), nil
}

func (a *Account) ViewAccount(ctx context.Context) (*protocol.AccountView, error) {
	return a.w.ViewAccount(ctx, a.id)
}

// DeleteAccount removes the account and sends its balance to beneficiary.
func (a *Account) DeleteAccount(ctx context.Context, beneficiary protocol.AccountID) (*ExecutionResult, error) {
	out, err := a.signAndSend(ctx, a.id, protocol.DeleteAccountAction(beneficiary))
	if err != nil {
		return nil, err
	}
	return newExecutionResult(out, nil, ""), nil
}

// BatchBuilder collects actions sent to one receiver in a single
// transaction. The actions succeed or fail together.
type BatchBuilder struct {
	signer   *Account
	receiver protocol.AccountID
	actions  []protocol.Action
	abi      *abi.ABI
	method   string
	err      error
}

func (a *Account) Batch(receiver protocol.AccountID) *BatchBuilder {
	return &BatchBuilder{signer: a, receiver: receiver}
}

func (b *BatchBuilder) CreateAccount() *BatchBuilder {
	b.actions = append(b.actions, protocol.CreateAccountAction())
	return b
}

func (b *BatchBuilder) Transfer(amount protocol.Amount) *BatchBuilder {
	b.actions = append(b.actions, protocol.TransferAction(amount))
	return b
}

func (b *BatchBuilder) AddKey(pk keys.PublicKey) *BatchBuilder {
	b.actions = append(b.actions, protocol.AddKeyAction(pk.String()))
	return b
}

func (b *BatchBuilder) DeleteKey(pk keys.PublicKey) *BatchBuilder {
	b.actions = append(b.actions, protocol.DeleteKeyAction(pk.String()))
	return b
}

func (b *BatchBuilder) DeployContract(code []byte) *BatchBuilder {
	b.actions = append(b.actions, protocol.DeployContractAction(code))
	return b
}

// Call appends a function call. The result of the batch is decoded against
// the last call added.
func (b *BatchBuilder) Call(c *CallBuilder) *BatchBuilder {
	input, err := c.input()
	if err != nil && b.err == nil {
		b.err = err
	}
	b.actions = append(b.actions, protocol.FunctionCallAction(c.method, input, c.gas, c.deposit))
	b.abi, b.method = c.abi, c.method
	return b
}

func (b *BatchBuilder) DeleteAccount(beneficiary protocol.AccountID) *BatchBuilder {
	b.actions = append(b.actions, protocol.DeleteAccountAction(beneficiary))
	return b
}

func (b *BatchBuilder) Transact(ctx context.Context) (*ExecutionResult, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.actions) == 0 {
		return nil, fmt.Errorf("batch to %s has no actions", b.receiver)
	}
	out, err := b.signer.signAndSend(ctx, b.receiver, b.actions...)
	if err != nil {
		return nil, err
	}
	return newExecutionResult(out, b.abi, b.method), nil
}
