// Package testcontracts provides small EVM contracts, assembled in Go, that
// tests deploy without a Solidity compiler.
package testcontracts

import (
	"fmt"

	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/crypto"
)

// Program is a tiny EVM assembler with forward-referencable labels.
type Program struct {
	code   []byte
	labels map[string]int
	refs   map[int]string // offset of a PUSH2 operand -> label
}

func NewProgram() *Program {
	return &Program{labels: map[string]int{}, refs: map[int]string{}}
}

func (p *Program) Op(ops ...vm.OpCode) *Program {
	for _, op := range ops {
		p.code = append(p.code, byte(op))
	}
	return p
}

// Push emits the shortest push of v.
func (p *Program) Push(v uint64) *Program {
	if v == 0 {
		return p.Op(vm.PUSH0)
	}
	var b []byte
	for ; v > 0; v >>= 8 {
		b = append([]byte{byte(v)}, b...)
	}
	return p.PushBytes(b)
}

// PushBytes emits PUSHn with b verbatim, leading zeros included.
func (p *Program) PushBytes(b []byte) *Program {
	if len(b) == 0 || len(b) > 32 {
		panic(fmt.Sprintf("push of %d bytes", len(b)))
	}
	p.code = append(p.code, byte(vm.PUSH1)+byte(len(b)-1))
	p.code = append(p.code, b...)
	return p
}

// Label marks a jump destination.
func (p *Program) Label(name string) *Program {
	if _, dup := p.labels[name]; dup {
		panic("duplicate label " + name)
	}
	p.labels[name] = len(p.code)
	return p.Op(vm.JUMPDEST)
}

func (p *Program) pushLabel(name string) *Program {
	p.code = append(p.code, byte(vm.PUSH2))
	p.refs[len(p.code)] = name
	p.code = append(p.code, 0, 0)
	return p
}

func (p *Program) Jump(label string) *Program {
	return p.pushLabel(label).Op(vm.JUMP)
}

func (p *Program) JumpI(label string) *Program {
	return p.pushLabel(label).Op(vm.JUMPI)
}

// Bytes resolves labels and returns the bytecode.
func (p *Program) Bytes() []byte {
	out := append([]byte(nil), p.code...)
	for at, name := range p.refs {
		dest, ok := p.labels[name]
		if !ok {
			panic("undefined label " + name)
		}
		out[at], out[at+1] = byte(dest>>8), byte(dest)
	}
	return out
}

// Selector returns the 4-byte function selector of a signature such as
// "transfer(address,uint256)".
func Selector(sig string) []byte {
	return crypto.Keccak256([]byte(sig))[:4]
}

// EventTopic returns topic 0 of an event signature.
func EventTopic(sig string) []byte {
	return crypto.Keccak256([]byte(sig))
}

// Dispatch jumps to the label of the called selector, reverting on unknown ones.
func (p *Program) Dispatch(methods ...string) *Program {
	p.Push(0).Op(vm.CALLDATALOAD).Push(0xe0).Op(vm.SHR)
	for _, sig := range methods {
		p.Op(vm.DUP1).PushBytes(Selector(sig)).Op(vm.EQ).JumpI(sig)
	}
	return p.Push(0).Push(0).Op(vm.REVERT)
}

// Arg pushes the i-th 32-byte calldata argument.
func (p *Program) Arg(i int) *Program {
	return p.Push(uint64(4 + 32*i)).Op(vm.CALLDATALOAD)
}

// ReturnWord returns the word on top of the stack.
func (p *Program) ReturnWord() *Program {
	return p.Push(0).Op(vm.MSTORE).Push(32).Push(0).Op(vm.RETURN)
}

// MappingSlot replaces the key on top of the stack with the storage slot of
// mapping[key] for a mapping declared at slot, as Solidity lays it out.
func (p *Program) MappingSlot(slot uint64) *Program {
	return p.Push(0).Op(vm.MSTORE).
		Push(slot).Push(32).Op(vm.MSTORE).
		Push(64).Push(0).Op(vm.KECCAK256)
}

// RevertWith reverts with an Error(string) reason.
func (p *Program) RevertWith(reason string) *Program {
	data := revertData(reason)
	padded := make([]byte, (len(data)+31)/32*32)
	copy(padded, data)
	for off := 0; off < len(padded); off += 32 {
		p.PushBytes(padded[off : off+32]).Push(uint64(off)).Op(vm.MSTORE)
	}
	return p.Push(uint64(len(data))).Push(0).Op(vm.REVERT)
}

func revertData(reason string) []byte {
	word := func(v int) []byte {
		w := make([]byte, 32)
		w[30], w[31] = byte(v>>8), byte(v)
		return w
	}
	out := append([]byte(nil), Selector("Error(string)")...)
	out = append(out, word(32)...)
	out = append(out, word(len(reason))...)
	body := make([]byte, (len(reason)+31)/32*32)
	copy(body, reason)
	return append(out, body...)
}

// Deployable wraps runtime code with a constructor. ctor runs first and must
// leave the stack empty; the returned init code then returns runtime.
func Deployable(ctor *Program, runtime []byte) []byte {
	var prefix []byte
	if ctor != nil {
		prefix = ctor.Bytes()
	}
	// PUSH2 len, DUP1, PUSH2 off, PUSH1 0, CODECOPY, PUSH1 0, RETURN
	const copierLen = 13
	off := len(prefix) + copierLen
	copier := []byte{
		byte(vm.PUSH2), byte(len(runtime) >> 8), byte(len(runtime)),
		byte(vm.DUP1),
		byte(vm.PUSH2), byte(off >> 8), byte(off),
		byte(vm.PUSH1), 0,
		byte(vm.CODECOPY),
		byte(vm.PUSH1), 0,
		byte(vm.RETURN),
	}
	out := append(append(prefix, copier...), runtime...)
	return out
}
