package testcontracts

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/core/vm/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgramPushIsMinimal(t *testing.T) {
	code := NewProgram().Push(0).Push(1).Push(0x1234).Bytes()
	assert.Equal(t, []byte{byte(vm.PUSH0), byte(vm.PUSH1), 1, byte(vm.PUSH2), 0x12, 0x34}, code)
}

func TestProgramResolvesForwardLabels(t *testing.T) {
	code := NewProgram().Jump("end").Op(vm.INVALID).Label("end").Op(vm.STOP).Bytes()
	// PUSH2 0x0005 JUMP INVALID JUMPDEST STOP
	assert.Equal(t, []byte{byte(vm.PUSH2), 0, 5, byte(vm.JUMP), byte(vm.INVALID), byte(vm.JUMPDEST), byte(vm.STOP)}, code)
}

func TestProgramUndefinedLabelPanics(t *testing.T) {
	assert.Panics(t, func() { NewProgram().Jump("nowhere").Bytes() })
}

func deploy(t *testing.T, initCode []byte) (common.Address, *runtime.Config) {
	t.Helper()
	cfg := &runtime.Config{}
	code, addr, _, err := runtime.Create(initCode, cfg)
	require.NoError(t, err)
	require.NotEmpty(t, code)
	return addr, cfg
}

func call(t *testing.T, c *Contract, addr common.Address, cfg *runtime.Config, method string, args ...interface{}) ([]byte, error) {
	t.Helper()
	input, err := c.ABI.Pack(method, args...)
	require.NoError(t, err)
	ret, _, err := runtime.Call(addr, input, cfg)
	return ret, err
}

func TestCounter(t *testing.T) {
	c := Counter()
	addr, cfg := deploy(t, c.InitCode(big.NewInt(41)))
	assert.Equal(t, c.Runtime, cfg.State.GetCode(addr))

	ret, err := call(t, c, addr, cfg, "get")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(41), new(big.Int).SetBytes(ret))

	ret, err = call(t, c, addr, cfg, "increment")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(42), new(big.Int).SetBytes(ret))

	_, err = call(t, c, addr, cfg, "set", big.NewInt(7))
	require.NoError(t, err)
	assert.Equal(t, common.BigToHash(big.NewInt(7)), cfg.State.GetState(addr, common.Hash{}))

	ret, err = call(t, c, addr, cfg, "fail")
	require.ErrorIs(t, err, vm.ErrExecutionReverted)
	assert.Equal(t, revertData(CounterFailure), ret)
}

func TestToken(t *testing.T) {
	c := Token()
	addr, cfg := deploy(t, c.InitCode())
	holder := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	_, err := call(t, c, addr, cfg, "mint", holder, big.NewInt(500))
	require.NoError(t, err)

	ret, err := call(t, c, addr, cfg, "balanceOf", holder)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(500), new(big.Int).SetBytes(ret))

	ret, err = call(t, c, addr, cfg, "totalSupply")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(500), new(big.Int).SetBytes(ret))

	// The default runtime origin holds nothing.
	_, err = call(t, c, addr, cfg, "transfer", holder, big.NewInt(1))
	assert.ErrorIs(t, err, vm.ErrExecutionReverted)
}

func TestClock(t *testing.T) {
	c := Clock()
	addr, cfg := deploy(t, c.InitCode())
	cfg.Time = 1_700_000_000
	cfg.BlockNumber = big.NewInt(12)

	ret, err := call(t, c, addr, cfg, "now")
	require.NoError(t, err)
	assert.Equal(t, uint64(1_700_000_000), new(big.Int).SetBytes(ret).Uint64())

	ret, err = call(t, c, addr, cfg, "height")
	require.NoError(t, err)
	assert.Equal(t, uint64(12), new(big.Int).SetBytes(ret).Uint64())
}

func TestFoundryJSONCarriesBothBytecodes(t *testing.T) {
	out := string(Clock().FoundryJSON())
	assert.Contains(t, out, `"deployedBytecode":{"object":"0x`)
	assert.Contains(t, out, `"name":"lastStamp"`)
}
