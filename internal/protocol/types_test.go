package protocol

import (
	"encoding/json"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountIDValidate(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"test.near", true},
		{"alice.test.near", true},
		{"dev-20240101000000-00000000000001", true},
		{"a_b-c.d", true},
		{"0x00000000000000000000000000000000000000aa", true},
		{"a", false},
		{"Alice.near", false},
		{"alice..near", false},
		{".near", false},
		{"near.", false},
		{"a--b", false},
		{"0x00000000000000000000000000000000000000AA", false},
		{strings.Repeat("a", 65), false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			err := AccountID(tt.id).Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidAccountID)
			}
		})
	}
}

func TestAccountIDHierarchy(t *testing.T) {
	root := AccountID("test.near")
	alice := AccountID("alice.test.near")

	assert.True(t, alice.IsSubAccountOf(root))
	assert.False(t, AccountID("bob.alice.test.near").IsSubAccountOf(root))
	assert.False(t, AccountID("xtest.near").IsSubAccountOf(root))
	assert.True(t, AccountID("near").IsTopLevel())
	assert.False(t, root.IsTopLevel())

	sub, err := root.SubAccount("alice")
	require.NoError(t, err)
	assert.Equal(t, alice, sub)
	_, err = root.SubAccount("Bad")
	assert.ErrorIs(t, err, ErrInvalidAccountID)
}

func TestAccountIDAddress(t *testing.T) {
	addr := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	implicit := ImplicitAccountID(addr)
	assert.True(t, implicit.IsImplicit())
	assert.False(t, implicit.IsTopLevel())
	assert.Equal(t, addr, implicit.Address())

	a := AccountID("alice.test.near").Address()
	assert.Equal(t, a, AccountID("alice.test.near").Address())
	assert.NotEqual(t, a, AccountID("bob.test.near").Address())
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in   string
		want Amount
	}{
		{"100 ether", Ether(100)},
		{"1.5 ether", MilliEther(1500)},
		{"1000000000", Gwei(1)},
		{"0x10", Wei(big.NewInt(16))},
	}
	for _, tt := range tests {
		got, err := ParseAmount(tt.in)
		require.NoError(t, err, tt.in)
		assert.True(t, tt.want.Equal(got), "%s: got %s", tt.in, got)
	}

	for _, bad := range []string{"", "-1", "1e-19 ether", "lots"} {
		_, err := ParseAmount(bad)
		assert.Error(t, err, bad)
	}
}

func TestAmountArithmeticAndJSON(t *testing.T) {
	var zero Amount
	assert.True(t, zero.IsZero())
	assert.Equal(t, "0", zero.String())
	assert.Equal(t, "1.5", MilliEther(1500).String())

	assert.True(t, Ether(3).Equal(Ether(1).Add(Ether(2))))
	assert.True(t, Ether(1).Sub(Ether(2)).IsZero())
	assert.True(t, Gwei(6).Equal(Gwei(2).Mul(3)))

	data, err := json.Marshal(Ether(1))
	require.NoError(t, err)
	assert.Equal(t, `"1000000000000000000"`, string(data))

	var a Amount
	require.NoError(t, json.Unmarshal([]byte(`12`), &a))
	assert.True(t, a.Equal(Wei(big.NewInt(12))))
	require.NoError(t, json.Unmarshal([]byte(`null`), &a))
	assert.True(t, a.IsZero())
	assert.Error(t, json.Unmarshal([]byte(`"x"`), &a))
}

func TestTransactionHashCoversActions(t *testing.T) {
	tx := Transaction{
		SignerID:   "test.near",
		PublicKey:  "ed25519:abc",
		Nonce:      1,
		ReceiverID: "alice.test.near",
		Actions:    []Action{CreateAccountAction(), TransferAction(Ether(1))},
	}
	h := tx.Hash()
	assert.Equal(t, h, tx.Hash())

	tx.Actions[1] = TransferAction(Ether(2))
	assert.NotEqual(t, h, tx.Hash())

	data, err := json.Marshal(tx)
	require.NoError(t, err)
	var back Transaction
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, tx.Hash(), back.Hash())
	assert.Equal(t, ActionTransfer, back.Actions[1].Kind)
}

func TestOutcomeDeepCopy(t *testing.T) {
	o := &FinalExecutionOutcome{
		Status:   Success([]byte{1}),
		Receipts: []ExecutionOutcome{{Status: Success([]byte{2}), Logs: []Log{{Data: []byte{3}}}}},
	}
	c := o.DeepCopy()
	(*c.Status.SuccessValue)[0] = 9
	c.Receipts[0].Logs[0].Data[0] = 9

	assert.Equal(t, []byte{1}, o.Status.Value())
	assert.Equal(t, []byte{3}, []byte(o.Receipts[0].Logs[0].Data))
	assert.False(t, Failure("boom %d", 1).IsSuccess())
	assert.Nil(t, Failure("x").Value())
}

func TestBlockHashAndRef(t *testing.T) {
	b := &Block{Height: 3, Timestamp: 5_000_000_000, TxHashes: []common.Hash{}}
	h := b.ComputeHash()
	b.GasUsed = 1
	assert.NotEqual(t, h, b.ComputeHash())
	assert.EqualValues(t, 5, b.TimestampSeconds())

	assert.Nil(t, Latest().Height)
	assert.EqualValues(t, 7, *AtHeight(7).Height)
}

func TestAmountRange(t *testing.T) {
	maxAmount := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	over := new(big.Int).Add(maxAmount, big.NewInt(2))

	got, err := ParseAmount(maxAmount.String())
	require.NoError(t, err)
	assert.Equal(t, maxAmount, got.Uint256().ToBig())

	for _, bad := range []string{over.String(), "-5", "-1 ether", "1e60 ether"} {
		_, err := ParseAmount(bad)
		assert.Error(t, err, bad)
	}
	_, err = ParseAmount(over.String())
	assert.ErrorIs(t, err, ErrOutOfRange)

	var a Amount
	assert.ErrorIs(t, json.Unmarshal([]byte(`"-5"`), &a), ErrOutOfRange)
	assert.ErrorIs(t, json.Unmarshal([]byte(`"`+over.String()+`"`), &a), ErrOutOfRange)
	assert.True(t, a.IsZero())

	assert.NoError(t, Wei(maxAmount).Validate())
	assert.ErrorIs(t, Wei(over).Validate(), ErrOutOfRange)
	assert.ErrorIs(t, Wei(big.NewInt(-1)).Validate(), ErrOutOfRange)
	// out-of-range values saturate rather than wrap
	assert.Equal(t, maxAmount, Wei(over).Uint256().ToBig())
	assert.True(t, Wei(big.NewInt(-1)).Uint256().IsZero())
}
