package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

const (
	MinAccountIDLen = 2
	MaxAccountIDLen = 64

	// AmountDecimals is the number of decimal places of one whole token.
	AmountDecimals = 18
)

var (
	namedAccountRe    = regexp.MustCompile(`^(([a-z\d]+[\-_])*[a-z\d]+\.)*([a-z\d]+[\-_])*[a-z\d]+$`)
	implicitAccountRe = regexp.MustCompile(`^0x[0-9a-f]{40}$`)
)

// AccountID is a human readable account name such as "alice.test.near",
// or an implicit account named after its own EVM address.
type AccountID string

// ParseAccountID validates s and returns it as an AccountID.
func ParseAccountID(s string) (AccountID, error) {
	id := AccountID(s)
	if err := id.Validate(); err != nil {
		return "", err
	}
	return id, nil
}

// MustAccountID is ParseAccountID for constants; it panics on invalid input.
func MustAccountID(s string) AccountID {
	id, err := ParseAccountID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// ImplicitAccountID returns the account ID owned by a raw EVM address.
func ImplicitAccountID(addr common.Address) AccountID {
	return AccountID(strings.ToLower(addr.Hex()))
}

func (id AccountID) String() string { return string(id) }

// Validate reports whether id is a well formed account ID.
func (id AccountID) Validate() error {
	s := string(id)
	if implicitAccountRe.MatchString(s) {
		return nil
	}
	if len(s) < MinAccountIDLen || len(s) > MaxAccountIDLen {
		return fmt.Errorf("%w: %q length must be in [%d, %d]", ErrInvalidAccountID, s, MinAccountIDLen, MaxAccountIDLen)
	}
	if !namedAccountRe.MatchString(s) {
		return fmt.Errorf("%w: %q", ErrInvalidAccountID, s)
	}
	return nil
}

// IsImplicit reports whether id is an address-derived account.
func (id AccountID) IsImplicit() bool {
	return implicitAccountRe.MatchString(string(id))
}

// IsTopLevel reports whether id has no parent account.
func (id AccountID) IsTopLevel() bool {
	return !id.IsImplicit() && !strings.Contains(string(id), ".")
}

// IsSubAccountOf reports whether id is a direct child of parent, i.e. "<name>.<parent>".
func (id AccountID) IsSubAccountOf(parent AccountID) bool {
	suffix := "." + string(parent)
	s := string(id)
	if !strings.HasSuffix(s, suffix) {
		return false
	}
	name := strings.TrimSuffix(s, suffix)
	return name != "" && !strings.Contains(name, ".")
}

// SubAccount builds the ID "<name>.<id>".
func (id AccountID) SubAccount(name string) (AccountID, error) {
	return ParseAccountID(name + "." + string(id))
}

// Address maps the account onto the EVM address space. Implicit accounts
// map onto themselves, named accounts onto the last 20 bytes of keccak256(id).
func (id AccountID) Address() common.Address {
	if id.IsImplicit() {
		return common.HexToAddress(string(id))
	}
	return common.BytesToAddress(crypto.Keccak256([]byte(id))[12:])
}

// Amount is a native token balance in its smallest unit.
// The zero value is a valid zero amount.
type Amount struct {
	i *big.Int
}

var tokenUnit = new(big.Int).Exp(big.NewInt(10), big.NewInt(AmountDecimals), nil)

// checkAmount reports values outside [0, 2^256-1].
func checkAmount(v *big.Int) error {
	if v.Sign() < 0 || v.BitLen() > 256 {
		return fmt.Errorf("%w: amount %s is not in [0, 2^256-1]", ErrOutOfRange, v)
	}
	return nil
}

// Ether returns n whole tokens.
func Ether(n uint64) Amount {
	return Amount{new(big.Int).Mul(new(big.Int).SetUint64(n), tokenUnit)}
}

// MilliEther returns n thousandths of a token.
func MilliEther(n uint64) Amount {
	milli := new(big.Int).Div(tokenUnit, big.NewInt(1000))
	return Amount{new(big.Int).Mul(new(big.Int).SetUint64(n), milli)}
}

// Gwei returns n * 10^9 base units.
func Gwei(n uint64) Amount {
	return Amount{new(big.Int).Mul(new(big.Int).SetUint64(n), big.NewInt(1_000_000_000))}
}

// Wei wraps a base-unit value. v is copied and not range checked; the node
// rejects amounts that fail Validate.
func Wei(v *big.Int) Amount {
	if v == nil {
		return Amount{}
	}
	return Amount{new(big.Int).Set(v)}
}

// AmountFromUint256 converts an EVM balance.
func AmountFromUint256(v *uint256.Int) Amount {
	if v == nil {
		return Amount{}
	}
	return Amount{v.ToBig()}
}

// ParseAmount parses a base-unit decimal string, or a whole-token value with
// a unit suffix such as "1.5 ether".
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "ether") {
		d, err := decimal.NewFromString(strings.TrimSpace(strings.TrimSuffix(s, "ether")))
		if err != nil {
			return Amount{}, fmt.Errorf("invalid amount %q: %w", s, err)
		}
		scaled := d.Shift(AmountDecimals)
		if !scaled.Equal(scaled.Truncate(0)) {
			return Amount{}, fmt.Errorf("invalid amount %q: too precise", s)
		}
		v := scaled.BigInt()
		if err := checkAmount(v); err != nil {
			return Amount{}, err
		}
		return Amount{v}, nil
	}
	v, ok := new(big.Int).SetString(s, 0)
	if !ok {
		return Amount{}, fmt.Errorf("invalid amount %q", s)
	}
	if err := checkAmount(v); err != nil {
		return Amount{}, err
	}
	return Amount{v}, nil
}

// Validate checks that a fits an EVM balance.
func (a Amount) Validate() error {
	if a.i == nil {
		return nil
	}
	return checkAmount(a.i)
}

// Big returns a copy of the base-unit value.
func (a Amount) Big() *big.Int {
	if a.i == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(a.i)
}

// Uint256 converts to the EVM balance representation. Amounts that fail
// Validate saturate at zero or 2^256-1 instead of wrapping.
func (a Amount) Uint256() *uint256.Int {
	b := a.Big()
	if b.Sign() < 0 {
		return new(uint256.Int)
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		return new(uint256.Int).SetAllOne()
	}
	return v
}

func (a Amount) IsZero() bool { return a.i == nil || a.i.Sign() == 0 }

func (a Amount) Cmp(b Amount) int { return a.Big().Cmp(b.Big()) }

func (a Amount) Equal(b Amount) bool { return a.Cmp(b) == 0 }

func (a Amount) Add(b Amount) Amount { return Amount{new(big.Int).Add(a.Big(), b.Big())} }

// Sub returns a-b, clamped at zero.
func (a Amount) Sub(b Amount) Amount {
	v := new(big.Int).Sub(a.Big(), b.Big())
	if v.Sign() < 0 {
		v.SetInt64(0)
	}
	return Amount{v}
}

// Mul returns a*n.
func (a Amount) Mul(n uint64) Amount {
	return Amount{new(big.Int).Mul(a.Big(), new(big.Int).SetUint64(n))}
}

// String renders whole tokens, e.g. "1.5".
func (a Amount) String() string {
	return decimal.NewFromBigInt(a.Big(), -AmountDecimals).String()
}

// MarshalJSON encodes the base-unit value as a decimal string so large
// balances survive JavaScript-style number handling.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Big().String())
}

// UnmarshalJSON accepts a decimal string or a JSON number.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		*a = Amount{}
		return nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("invalid amount %s", string(data))
	}
	if err := checkAmount(v); err != nil {
		return err
	}
	a.i = v
	return nil
}

// EncodeRLP lets amounts take part in transaction hashing.
func (a Amount) EncodeRLP(w io.Writer) error {
	return rlp.Encode(w, a.Big())
}

// Gas is an amount of EVM gas.
type Gas uint64

// KiloGas returns n * 1000 gas.
func KiloGas(n uint64) Gas { return Gas(n * 1000) }
