package testcontracts

import (
	"encoding/json"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/vm"
)

// Contract is an assembled test contract with its ABI.
type Contract struct {
	Name    string
	ABIJSON string
	ABI     abi.ABI
	// Code is the init code without constructor arguments.
	Code    []byte
	Runtime []byte
}

// InitCode appends ABI encoded constructor arguments to Code.
func (c *Contract) InitCode(args ...interface{}) []byte {
	if len(args) == 0 {
		return append([]byte(nil), c.Code...)
	}
	packed, err := c.ABI.Pack("", args...)
	if err != nil {
		panic(err)
	}
	return append(append([]byte(nil), c.Code...), packed...)
}

// FoundryJSON renders the contract as a forge build artifact.
func (c *Contract) FoundryJSON() []byte {
	out, err := json.Marshal(map[string]interface{}{
		"abi":              json.RawMessage(c.ABIJSON),
		"bytecode":         map[string]string{"object": hexutil.Encode(c.Code)},
		"deployedBytecode": map[string]string{"object": hexutil.Encode(c.Runtime)},
	})
	if err != nil {
		panic(err)
	}
	return out
}

func newContract(name, abiJSON string, ctor *Program, runtime []byte) *Contract {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		panic(name + ": " + err.Error())
	}
	return &Contract{
		Name:    name,
		ABIJSON: abiJSON,
		ABI:     parsed,
		Code:    Deployable(ctor, runtime),
		Runtime: runtime,
	}
}

const counterABI = `[
	{"type":"constructor","inputs":[{"name":"initial","type":"uint256"}]},
	{"type":"function","name":"get","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"increment","stateMutability":"nonpayable","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"set","stateMutability":"nonpayable","inputs":[{"name":"value","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"fail","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"event","name":"Incremented","anonymous":false,"inputs":[{"name":"value","type":"uint256","indexed":false}]}
]`

// CounterFailure is the revert reason of Counter.fail().
const CounterFailure = "counter: failure"

// Counter keeps one uint256 in slot 0, initialised by its constructor.
func Counter() *Contract {
	ctor := NewProgram().
		Push(32).Push(32).Op(vm.CODESIZE, vm.SUB).Push(0).Op(vm.CODECOPY).
		Push(0).Op(vm.MLOAD).Push(0).Op(vm.SSTORE)

	p := NewProgram().Dispatch("get()", "increment()", "set(uint256)", "fail()")
	p.Label("get()").Push(0).Op(vm.SLOAD).ReturnWord()
	p.Label("increment()").
		Push(0).Op(vm.SLOAD).Push(1).Op(vm.ADD).
		Op(vm.DUP1).Push(0).Op(vm.SSTORE).
		Op(vm.DUP1).Push(0).Op(vm.MSTORE).
		PushBytes(EventTopic("Incremented(uint256)")).Push(32).Push(0).Op(vm.LOG1).
		ReturnWord()
	p.Label("set(uint256)").Arg(0).Push(0).Op(vm.SSTORE, vm.STOP)
	p.Label("fail()").RevertWith(CounterFailure)

	return newContract("Counter", counterABI, ctor, p.Bytes())
}

const tokenABI = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"mint","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"event","name":"Transfer","anonymous":false,"inputs":[
		{"name":"from","type":"address","indexed":true},
		{"name":"to","type":"address","indexed":true},
		{"name":"value","type":"uint256","indexed":false}]}
]`

// TokenInsufficient is the revert reason of an overdrawn Token.transfer.
const TokenInsufficient = "token: insufficient balance"

// Token is a minimal fungible token: balances live in a mapping at slot 0,
// the total supply in slot 1.
func Token() *Contract {
	transferTopic := EventTopic("Transfer(address,address,uint256)")

	p := NewProgram().Dispatch("balanceOf(address)", "totalSupply()", "mint(address,uint256)", "transfer(address,uint256)")
	p.Label("balanceOf(address)").Arg(0).MappingSlot(0).Op(vm.SLOAD).ReturnWord()
	p.Label("totalSupply()").Push(1).Op(vm.SLOAD).ReturnWord()

	p.Label("mint(address,uint256)").
		Arg(1).Push(0).Op(vm.MSTORE).
		Arg(0).Push(0).PushBytes(transferTopic).Push(32).Push(0).Op(vm.LOG3).
		Arg(1).Arg(0).MappingSlot(0).
		Op(vm.DUP1, vm.SLOAD, vm.DUP3, vm.ADD, vm.SWAP1, vm.SSTORE).
		Push(1).Op(vm.SLOAD, vm.ADD).Push(1).Op(vm.SSTORE, vm.STOP)

	p.Label("transfer(address,uint256)").
		Op(vm.CALLER).MappingSlot(0).
		Op(vm.DUP1, vm.SLOAD).Arg(1).
		Op(vm.DUP1, vm.DUP3, vm.LT).JumpI("insufficient").
		Op(vm.SWAP1, vm.SUB, vm.SWAP1, vm.SSTORE).
		Arg(0).MappingSlot(0).
		Op(vm.DUP1, vm.SLOAD).Arg(1).Op(vm.ADD, vm.SWAP1, vm.SSTORE).
		Arg(1).Push(0).Op(vm.MSTORE).
		Arg(0).Op(vm.CALLER).PushBytes(transferTopic).Push(32).Push(0).Op(vm.LOG3).
		Push(1).ReturnWord()
	p.Label("insufficient").RevertWith(TokenInsufficient)

	return newContract("Token", tokenABI, nil, p.Bytes())
}

const clockABI = `[
	{"type":"function","name":"now","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"height","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"stamp","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"function","name":"lastStamp","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`

// Clock exposes the block environment: timestamp (seconds) and number.
func Clock() *Contract {
	p := NewProgram().Dispatch("now()", "height()", "stamp()", "lastStamp()")
	p.Label("now()").Op(vm.TIMESTAMP).ReturnWord()
	p.Label("height()").Op(vm.NUMBER).ReturnWord()
	p.Label("stamp()").Op(vm.TIMESTAMP).Push(0).Op(vm.SSTORE, vm.STOP)
	p.Label("lastStamp()").Push(0).Op(vm.SLOAD).ReturnWord()
	return newContract("Clock", clockABI, nil, p.Bytes())
}
