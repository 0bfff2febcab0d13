package artifact

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/sharding-experiment/sandbox/internal/protocol"
)

var bigType = reflect.TypeOf((*big.Int)(nil))

// EncodeArgs packs JSON arguments for method; method "" means the
// constructor, whose encoding has no selector. args is an object keyed by
// input name, a positional array, or empty for no arguments. Address
// inputs also accept account IDs.
func EncodeArgs(contract abi.ABI, method string, args json.RawMessage) ([]byte, error) {
	var inputs abi.Arguments
	if method == "" {
		inputs = contract.Constructor.Inputs
	} else {
		m, ok := contract.Methods[method]
		if !ok {
			return nil, fmt.Errorf("method %q not in abi", method)
		}
		inputs = m.Inputs
	}
	values, err := jsonToArgs(inputs, args)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", displayName(method), err)
	}
	return contract.Pack(method, values...)
}

func displayName(method string) string {
	if method == "" {
		return "constructor"
	}
	return method
}

func jsonToArgs(inputs abi.Arguments, args json.RawMessage) ([]interface{}, error) {
	args = bytes.TrimSpace(args)
	var raws []json.RawMessage
	switch {
	case len(args) == 0 || string(args) == "null" || string(args) == "{}":
		raws = make([]json.RawMessage, 0)
	case args[0] == '[':
		if err := json.Unmarshal(args, &raws); err != nil {
			return nil, err
		}
	case args[0] == '{':
		var byName map[string]json.RawMessage
		if err := json.Unmarshal(args, &byName); err != nil {
			return nil, err
		}
		for i, in := range inputs {
			v, ok := byName[in.Name]
			if !ok {
				return nil, fmt.Errorf("missing argument %q (#%d)", in.Name, i)
			}
			raws = append(raws, v)
			delete(byName, in.Name)
		}
		for name := range byName {
			return nil, fmt.Errorf("unknown argument %q", name)
		}
	default:
		return nil, fmt.Errorf("arguments must be a JSON object or array")
	}
	if len(raws) != len(inputs) {
		return nil, fmt.Errorf("got %d arguments, want %d", len(raws), len(inputs))
	}
	out := make([]interface{}, len(inputs))
	for i, in := range inputs {
		v, err := jsonToValue(in.Type, raws[i])
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", in.Name, err)
		}
		out[i] = v.Interface()
	}
	return out, nil
}

func jsonToValue(t abi.Type, raw json.RawMessage) (reflect.Value, error) {
	switch t.T {
	case abi.IntTy, abi.UintTy:
		n, err := parseBig(raw)
		if err != nil {
			return reflect.Value{}, err
		}
		if t.T == abi.UintTy && n.Sign() < 0 {
			return reflect.Value{}, fmt.Errorf("negative value for %s", t)
		}
		if t.GetType() == bigType {
			return reflect.ValueOf(n), nil
		}
		v := reflect.New(t.GetType()).Elem()
		if t.T == abi.UintTy {
			if !n.IsUint64() || v.OverflowUint(n.Uint64()) {
				return reflect.Value{}, fmt.Errorf("%s overflows %s", n, t)
			}
			v.SetUint(n.Uint64())
		} else {
			if !n.IsInt64() || v.OverflowInt(n.Int64()) {
				return reflect.Value{}, fmt.Errorf("%s overflows %s", n, t)
			}
			v.SetInt(n.Int64())
		}
		return v, nil

	case abi.BoolTy:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(b), nil

	case abi.StringTy:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(s), nil

	case abi.AddressTy:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return reflect.Value{}, err
		}
		addr, err := ParseAddress(s)
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(addr), nil

	case abi.BytesTy, abi.FixedBytesTy:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return reflect.Value{}, err
		}
		b, err := hexutil.Decode(s)
		if err != nil {
			return reflect.Value{}, err
		}
		if t.T == abi.BytesTy {
			return reflect.ValueOf(b), nil
		}
		if len(b) != t.Size {
			return reflect.Value{}, fmt.Errorf("want %d bytes, got %d", t.Size, len(b))
		}
		v := reflect.New(t.GetType()).Elem()
		reflect.Copy(v, reflect.ValueOf(b))
		return v, nil

	case abi.SliceTy, abi.ArrayTy:
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return reflect.Value{}, err
		}
		var v reflect.Value
		if t.T == abi.SliceTy {
			v = reflect.MakeSlice(t.GetType(), len(items), len(items))
		} else {
			if len(items) != t.Size {
				return reflect.Value{}, fmt.Errorf("want %d elements, got %d", t.Size, len(items))
			}
			v = reflect.New(t.GetType()).Elem()
		}
		for i, item := range items {
			ev, err := jsonToValue(*t.Elem, item)
			if err != nil {
				return reflect.Value{}, fmt.Errorf("[%d]: %w", i, err)
			}
			v.Index(i).Set(ev)
		}
		return v, nil

	case abi.TupleTy:
		v := reflect.New(t.GetType()).Elem()
		var fields []json.RawMessage
		if bytes.HasPrefix(bytes.TrimSpace(raw), []byte("{")) {
			var byName map[string]json.RawMessage
			if err := json.Unmarshal(raw, &byName); err != nil {
				return reflect.Value{}, err
			}
			for _, name := range t.TupleRawNames {
				fields = append(fields, byName[name])
			}
		} else if err := json.Unmarshal(raw, &fields); err != nil {
			return reflect.Value{}, err
		}
		if len(fields) != len(t.TupleElems) {
			return reflect.Value{}, fmt.Errorf("want %d tuple fields, got %d", len(t.TupleElems), len(fields))
		}
		for i, elem := range t.TupleElems {
			if fields[i] == nil {
				return reflect.Value{}, fmt.Errorf("missing tuple field %q", t.TupleRawNames[i])
			}
			fv, err := jsonToValue(*elem, fields[i])
			if err != nil {
				return reflect.Value{}, fmt.Errorf("%s: %w", t.TupleRawNames[i], err)
			}
			v.Field(i).Set(fv)
		}
		return v, nil
	}
	return reflect.Value{}, fmt.Errorf("unsupported abi type %s", t)
}

// parseBig accepts JSON numbers and decimal or 0x-hex strings.
func parseBig(raw json.RawMessage) (*big.Int, error) {
	s := strings.TrimSpace(string(raw))
	if strings.HasPrefix(s, `"`) {
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
	}
	n, ok := new(big.Int).SetString(s, 0)
	if !ok {
		return nil, fmt.Errorf("invalid integer %s", raw)
	}
	return n, nil
}

// ParseAddress accepts a 0x address or an account ID.
func ParseAddress(s string) (common.Address, error) {
	if common.IsHexAddress(s) {
		return common.HexToAddress(s), nil
	}
	id, err := protocol.ParseAccountID(s)
	if err != nil {
		return common.Address{}, fmt.Errorf("%q is neither an address nor an account id: %w", s, err)
	}
	return id.Address(), nil
}

// DecodeJSON unpacks the return data of method into JSON: a single output
// becomes a value, several an array, none null. Integers are JSON numbers;
// addresses and bytes are hex strings.
func DecodeJSON(contract abi.ABI, method string, output []byte) (json.RawMessage, error) {
	m, ok := contract.Methods[method]
	if !ok {
		return nil, fmt.Errorf("method %q not in abi", method)
	}
	if len(m.Outputs) == 0 {
		return json.RawMessage("null"), nil
	}
	values, err := m.Outputs.Unpack(output)
	if err != nil {
		return nil, fmt.Errorf("unpack %s output: %w", method, err)
	}
	items := make([]interface{}, len(values))
	for i, v := range values {
		items[i] = valueToJSON(m.Outputs[i].Type, reflect.ValueOf(v))
	}
	if len(items) == 1 {
		return json.Marshal(items[0])
	}
	return json.Marshal(items)
}

func valueToJSON(t abi.Type, v reflect.Value) interface{} {
	switch t.T {
	case abi.IntTy, abi.UintTy:
		if b, ok := v.Interface().(*big.Int); ok {
			return json.Number(b.String())
		}
		if t.T == abi.UintTy {
			return json.Number(fmt.Sprint(v.Uint()))
		}
		return json.Number(fmt.Sprint(v.Int()))
	case abi.AddressTy:
		return strings.ToLower(v.Interface().(common.Address).Hex())
	case abi.BytesTy:
		return hexutil.Encode(v.Bytes())
	case abi.FixedBytesTy:
		arr := reflect.New(v.Type()).Elem()
		arr.Set(v)
		b := make([]byte, v.Len())
		reflect.Copy(reflect.ValueOf(b), arr)
		return hexutil.Encode(b)
	case abi.SliceTy, abi.ArrayTy:
		out := make([]interface{}, v.Len())
		for i := range out {
			out[i] = valueToJSON(*t.Elem, v.Index(i))
		}
		return out
	case abi.TupleTy:
		out := make(map[string]interface{}, len(t.TupleElems))
		for i, elem := range t.TupleElems {
			out[t.TupleRawNames[i]] = valueToJSON(*elem, v.Field(i))
		}
		return out
	}
	return v.Interface()
}
