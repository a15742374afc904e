package clarity

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
)

// Encode serializes v in the consensus wire format. Tuple fields are written
// sorted by name regardless of their order in v.
func Encode(v Value) ([]byte, error) {
	return appendValue(nil, v)
}

// EncodeHex is Encode rendered as 0x-prefixed hex, the form the node's
// read-only endpoint expects for arguments.
func EncodeHex(v Value) (string, error) {
	b, err := Encode(v)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(b), nil
}

// MustEncode is Encode for values known to be well formed.
func MustEncode(v Value) []byte {
	b, err := Encode(v)
	if err != nil {
		panic(err)
	}
	return b
}

func appendValue(dst []byte, v Value) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("failed to encode value: nil value")
	}
	dst = append(dst, byte(v.Kind()))
	switch t := v.(type) {
	case UInt:
		if t.V[2]|t.V[3] != 0 {
			return nil, fmt.Errorf("failed to encode uint: value exceeds 128 bits")
		}
		b := t.V.Bytes32()
		dst = append(dst, b[16:]...)
	case Int:
		b := t.V.Bytes32()
		dst = append(dst, b[16:]...)
	case Bool:
	case Buffer:
		dst = appendLen32(dst, len(t))
		dst = append(dst, t...)
	case StringASCII:
		for i := 0; i < len(t); i++ {
			if t[i] > 0x7f {
				return nil, fmt.Errorf("failed to encode string-ascii: non-ascii byte at %d", i)
			}
		}
		dst = appendLen32(dst, len(t))
		dst = append(dst, t...)
	case StringUTF8:
		dst = appendLen32(dst, len(t))
		dst = append(dst, t...)
	case Principal:
		dst = append(dst, t.Version)
		dst = append(dst, t.Hash160[:]...)
		if t.ContractName != "" {
			if len(t.ContractName) > MaxContractNameBytes {
				return nil, fmt.Errorf("failed to encode principal: contract name too long")
			}
			dst = append(dst, byte(len(t.ContractName)))
			dst = append(dst, t.ContractName...)
		}
	case Optional:
		if t.Value != nil {
			return appendValue(dst, t.Value)
		}
	case Response:
		return appendValue(dst, t.Value)
	case List:
		dst = appendLen32(dst, len(t))
		var err error
		for _, item := range t {
			if dst, err = appendValue(dst, item); err != nil {
				return nil, err
			}
		}
	case Tuple:
		fields := make([]Field, len(t.Fields))
		copy(fields, t.Fields)
		sort.SliceStable(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })
		dst = appendLen32(dst, len(fields))
		var err error
		for i, f := range fields {
			if len(f.Name) == 0 || len(f.Name) > maxNameBytes {
				return nil, fmt.Errorf("failed to encode tuple: invalid field name %q", f.Name)
			}
			if i > 0 && fields[i-1].Name == f.Name {
				return nil, fmt.Errorf("failed to encode tuple: duplicate field name %q", f.Name)
			}
			dst = append(dst, byte(len(f.Name)))
			dst = append(dst, f.Name...)
			if dst, err = appendValue(dst, f.Value); err != nil {
				return nil, fmt.Errorf("failed to encode tuple field %s: %w", f.Name, err)
			}
		}
	default:
		return nil, fmt.Errorf("failed to encode value: unsupported type %T", v)
	}
	return dst, nil
}

func appendLen32(dst []byte, n int) []byte {
	return binary.BigEndian.AppendUint32(dst, uint32(n))
}
