package contract

import (
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	ErrUnknownMethod = errors.New("unknown method")
	ErrShortCalldata = errors.New("calldata shorter than a method selector")
)

// Interface is a parsed contract ABI.
// It is immutable after Parse and safe for concurrent use.
type Interface struct {
	abi abi.ABI
	raw string
}

// Value is one decoded output, rendered for display and persistence.
type Value struct {
	Name  string `json:"name,omitempty"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

func Parse(abiJSON string) (*Interface, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	return &Interface{abi: parsed, raw: abiJSON}, nil
}

// MustParse is like Parse but panics on error. Use for compiled-in ABIs only.
func MustParse(abiJSON string) *Interface {
	c, err := Parse(abiJSON)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Interface) ABI() abi.ABI { return c.abi }

// JSON returns the ABI document the interface was parsed from.
func (c *Interface) JSON() string { return c.raw }

func (c *Interface) Method(name string) (abi.Method, error) {
	m, ok := c.abi.Methods[name]
	if !ok {
		return abi.Method{}, fmt.Errorf("%w: %q", ErrUnknownMethod, name)
	}
	return m, nil
}

// EncodeCall packs selector + arguments. Arguments must already have the Go
// types go-ethereum expects (see ParseArgs for string input).
func (c *Interface) EncodeCall(method string, args ...any) ([]byte, error) {
	if _, err := c.Method(method); err != nil {
		return nil, err
	}
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}
	return data, nil
}

// MethodOf returns the method targeted by calldata.
func (c *Interface) MethodOf(calldata []byte) (*abi.Method, error) {
	if len(calldata) < 4 {
		return nil, ErrShortCalldata
	}
	m, err := c.abi.MethodById(calldata[:4])
	if err != nil {
		return nil, fmt.Errorf("%w: selector %s", ErrUnknownMethod, hexutil.Encode(calldata[:4]))
	}
	return m, nil
}

// DecodeResult unpacks the return data of method.
func (c *Interface) DecodeResult(method string, data []byte) ([]Value, error) {
	m, err := c.Method(method)
	if err != nil {
		return nil, err
	}
	vals, err := m.Outputs.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s result: %w", method, err)
	}
	out := make([]Value, 0, len(vals))
	for i, v := range vals {
		arg := m.Outputs[i]
		out = append(out, Value{Name: arg.Name, Type: arg.Type.String(), Value: FormatValue(v)})
	}
	return out, nil
}

// ParseArgs converts textual arguments into the Go values Pack expects for method.
// Supported: address, bool, string, bytes, bytesN, intN and uintN.
func (c *Interface) ParseArgs(method string, raw []string) ([]any, error) {
	m, err := c.Method(method)
	if err != nil {
		return nil, err
	}
	if len(raw) != len(m.Inputs) {
		return nil, fmt.Errorf("%s: expected %d arguments, got %d", method, len(m.Inputs), len(raw))
	}
	out := make([]any, len(raw))
	for i, in := range m.Inputs {
		v, err := parseArg(in.Type, strings.TrimSpace(raw[i]))
		if err != nil {
			name := in.Name
			if name == "" {
				name = "#" + strconv.Itoa(i)
			}
			return nil, fmt.Errorf("%s: argument %s (%s): %w", method, name, in.Type.String(), err)
		}
		out[i] = v
	}
	return out, nil
}

func parseArg(t abi.Type, s string) (any, error) {
	switch t.T {
	case abi.AddressTy:
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("invalid address %q", s)
		}
		return common.HexToAddress(s), nil
	case abi.BoolTy:
		return strconv.ParseBool(s)
	case abi.StringTy:
		return s, nil
	case abi.BytesTy:
		return hexutil.Decode(s)
	case abi.FixedBytesTy:
		b, err := hexutil.Decode(s)
		if err != nil {
			return nil, err
		}
		if len(b) > t.Size {
			return nil, fmt.Errorf("value has %d bytes, type holds %d", len(b), t.Size)
		}
		v := reflect.New(t.GetType()).Elem()
		reflect.Copy(v, reflect.ValueOf(b))
		return v.Interface(), nil
	case abi.IntTy, abi.UintTy:
		n, ok := new(big.Int).SetString(s, 0)
		if !ok {
			return nil, fmt.Errorf("invalid integer %q", s)
		}
		if t.T == abi.UintTy && n.Sign() < 0 {
			return nil, fmt.Errorf("negative value for unsigned type")
		}
		if n.BitLen() > t.Size {
			return nil, fmt.Errorf("value overflows %d bits", t.Size)
		}
		return sizedInt(t, n), nil
	default:
		return nil, fmt.Errorf("unsupported argument type %s", t.String())
	}
}

// sizedInt maps n onto the concrete Go type go-ethereum binds for t.
func sizedInt(t abi.Type, n *big.Int) any {
	unsigned := t.T == abi.UintTy
	switch t.Size {
	case 8:
		if unsigned {
			return uint8(n.Uint64())
		}
		return int8(n.Int64())
	case 16:
		if unsigned {
			return uint16(n.Uint64())
		}
		return int16(n.Int64())
	case 32:
		if unsigned {
			return uint32(n.Uint64())
		}
		return int32(n.Int64())
	case 64:
		if unsigned {
			return n.Uint64()
		}
		return n.Int64()
	default:
		return n
	}
}

// FormatValue renders a decoded ABI value.
func FormatValue(v any) string {
	switch x := v.(type) {
	case *big.Int:
		if x == nil {
			return "0"
		}
		return x.String()
	case common.Address:
		return x.Hex()
	case common.Hash:
		return x.Hex()
	case []byte:
		return hexutil.Encode(x)
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Array && rv.Type().Elem().Kind() == reflect.Uint8 {
		b := make([]byte, rv.Len())
		reflect.Copy(reflect.ValueOf(b), rv)
		return hexutil.Encode(b)
	}
	return fmt.Sprint(v)
}
