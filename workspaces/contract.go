package workspaces

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/sharding-experiment/sandbox/internal/artifact"
	"github.com/sharding-experiment/sandbox/internal/protocol"
)

// Contract is an account with code deployed on it. Its key signs calls made
// through Call.
type Contract struct {
	account *Account
	abi     *abi.ABI
}

func (c *Contract) ID() protocol.AccountID { return c.account.id }

// ABI is the contract interface, nil when unknown.
func (c *Contract) ABI() *abi.ABI { return c.abi }

// WithABI attaches an interface so calls can take and return JSON.
func (c *Contract) WithABI(a abi.ABI) *Contract {
	return &Contract{account: c.account, abi: &a}
}

// AsAccount is the account the contract lives on.
func (c *Contract) AsAccount() *Account { return c.account }

// Call starts a call signed by the contract account itself.
func (c *Contract) Call(method string) *CallBuilder {
	return newCallBuilder(c.account.w, c.account, c.account.id, method, c.abi)
}

func (c *Contract) View(method string) *CallBuilder {
	return newCallBuilder(c.account.w, nil, c.account.id, method, c.abi)
}

// ViewCode returns the deployed runtime code.
func (c *Contract) ViewCode(ctx context.Context) ([]byte, error) {
	return c.account.w.client.ViewCode(ctx, c.account.id, protocol.Latest())
}

// ViewState reads storage slots, or all of them when none are given.
func (c *Contract) ViewState(ctx context.Context, slots ...common.Hash) (map[common.Hash]common.Hash, error) {
	res, err := c.account.w.client.ViewState(ctx, c.account.id, slots, false)
	if err != nil {
		return nil, err
	}
	out := make(map[common.Hash]common.Hash, len(res.Values))
	for _, item := range res.Values {
		out[item.Slot] = item.Value
	}
	return out, nil
}

// CallBuilder prepares a function call. Methods are resolved against the
// ABI when one is attached; otherwise a signature such as "set(uint256)"
// selects the function and arguments are passed raw.
type CallBuilder struct {
	w        *Worker
	signer   *Account
	contract protocol.AccountID
	method   string
	abi      *abi.ABI

	args     []byte
	argsJSON json.RawMessage
	argsABI  []interface{}
	err      error

	gas     protocol.Gas
	deposit protocol.Amount
	ref     protocol.BlockRef
}

func newCallBuilder(w *Worker, signer *Account, contract protocol.AccountID, method string, contractABI *abi.ABI) *CallBuilder {
	return &CallBuilder{w: w, signer: signer, contract: contract, method: method, abi: contractABI, ref: protocol.Latest()}
}

// Args sets raw argument bytes appended to the selector.
func (b *CallBuilder) Args(raw []byte) *CallBuilder {
	b.args = raw
	return b
}

// ArgsJSON encodes v as JSON arguments, either an object keyed by parameter
// name or an array in parameter order. Requires an ABI.
func (b *CallBuilder) ArgsJSON(v interface{}) *CallBuilder {
	switch v := v.(type) {
	case json.RawMessage:
		b.argsJSON = v
	case []byte:
		b.argsJSON = v
	case string:
		b.argsJSON = json.RawMessage(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			b.err = fmt.Errorf("marshal args: %w", err)
			return b
		}
		b.argsJSON = data
	}
	return b
}

// ArgsABI passes Go values packed with the ABI.
func (b *CallBuilder) ArgsABI(args ...interface{}) *CallBuilder {
	b.argsABI = args
	return b
}

func (b *CallBuilder) WithABI(a abi.ABI) *CallBuilder {
	b.abi = &a
	return b
}

// Gas limits the call; zero uses the node default.
func (b *CallBuilder) Gas(gas protocol.Gas) *CallBuilder {
	b.gas = gas
	return b
}

// MaxGas requests the most gas one call may use.
func (b *CallBuilder) MaxGas() *CallBuilder {
	b.gas = b.w.callGasLimit()
	return b
}

// Deposit attaches value to the call.
func (b *CallBuilder) Deposit(amount protocol.Amount) *CallBuilder {
	b.deposit = amount
	return b
}

// BlockHeight runs a view against the block at height.
func (b *CallBuilder) BlockHeight(height uint64) *CallBuilder {
	b.ref = protocol.AtHeight(height)
	return b
}

// input builds the calldata.
func (b *CallBuilder) input() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.abi != nil {
		if m, ok := b.abi.Methods[b.method]; ok {
			switch {
			case b.argsJSON != nil:
				return artifact.EncodeArgs(*b.abi, b.method, b.argsJSON)
			case b.argsABI != nil:
				return b.abi.Pack(b.method, b.argsABI...)
			default:
				return append(common.CopyBytes(m.ID), b.args...), nil
			}
		}
	}
	if b.argsJSON != nil || b.argsABI != nil {
		return nil, fmt.Errorf("method %q: typed arguments need an ABI", b.method)
	}
	if strings.Contains(b.method, "(") {
		return append(crypto.Keccak256([]byte(b.method))[:4], b.args...), nil
	}
	if b.method == "" {
		return common.CopyBytes(b.args), nil
	}
	return nil, fmt.Errorf("method %q: unknown without an ABI, use a signature like %q", b.method, b.method+"()")
}

// Transact signs and sends the call.
func (b *CallBuilder) Transact(ctx context.Context) (*ExecutionResult, error) {
	if b.signer == nil {
		return nil, fmt.Errorf("call %q has no signer", b.method)
	}
	input, err := b.input()
	if err != nil {
		return nil, err
	}
	out, err := b.signer.signAndSend(ctx, b.contract,
		protocol.FunctionCallAction(b.method, input, b.gas, b.deposit))
	if err != nil {
		return nil, err
	}
	return newExecutionResult(out, b.abi, b.method), nil
}

// View runs the call read-only. Contract failures come back as
// *ExecutionError.
func (b *CallBuilder) View(ctx context.Context) (*ViewResult, error) {
	input, err := b.input()
	if err != nil {
		return nil, err
	}
	res, err := b.w.client.CallFunction(ctx, b.contract, input, b.ref)
	if err != nil {
		return nil, viewError(err)
	}
	return &ViewResult{ViewResult: res, abi: b.abi, method: b.method}, nil
}
