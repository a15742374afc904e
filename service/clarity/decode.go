package clarity

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// DecodeErrorKind classifies a decoding failure.
type DecodeErrorKind int

const (
	TruncatedInput DecodeErrorKind = iota + 1
	UnknownTag
	TrailingBytes
	DepthExceeded
	InvalidData
)

func (k DecodeErrorKind) String() string {
	switch k {
	case TruncatedInput:
		return "truncated input"
	case UnknownTag:
		return "unknown tag"
	case TrailingBytes:
		return "trailing bytes"
	case DepthExceeded:
		return "depth exceeded"
	case InvalidData:
		return "invalid data"
	default:
		return "decode error"
	}
}

// DecodeError reports where and why decoding stopped.
type DecodeError struct {
	Kind   DecodeErrorKind
	Offset int
	Tag    byte
	Detail string
}

func (e *DecodeError) Error() string {
	switch e.Kind {
	case UnknownTag:
		return fmt.Sprintf("clarity: unknown tag 0x%02x at offset %d", e.Tag, e.Offset)
	default:
		if e.Detail != "" {
			return fmt.Sprintf("clarity: %s at offset %d: %s", e.Kind, e.Offset, e.Detail)
		}
		return fmt.Sprintf("clarity: %s at offset %d", e.Kind, e.Offset)
	}
}

// IsDecodeError reports whether err is a DecodeError of the given kind.
func IsDecodeError(err error, kind DecodeErrorKind) bool {
	var de *DecodeError
	return errors.As(err, &de) && de.Kind == kind
}

// Decode parses exactly one value from b. Bytes left over after the value
// are an error.
func Decode(b []byte) (Value, error) {
	d := decoder{buf: b}
	v, err := d.value(0)
	if err != nil {
		return nil, err
	}
	if d.off != len(b) {
		return nil, &DecodeError{Kind: TrailingBytes, Offset: d.off, Detail: fmt.Sprintf("%d unread", len(b)-d.off)}
	}
	return v, nil
}

// DecodeHex decodes a hex string, with or without a 0x prefix.
func DecodeHex(s string) (Value, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, &DecodeError{Kind: InvalidData, Detail: err.Error()}
	}
	return Decode(b)
}

type decoder struct {
	buf []byte
	off int
}

func (d *decoder) take(n int) ([]byte, error) {
	if n < 0 || len(d.buf)-d.off < n {
		return nil, &DecodeError{Kind: TruncatedInput, Offset: d.off, Detail: fmt.Sprintf("need %d bytes", n)}
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *decoder) u8() (byte, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *decoder) u32() (int, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return int(binary.BigEndian.Uint32(b)), nil
}

// length reads a u32 prefix and checks it against the bytes remaining so a
// corrupt prefix cannot trigger a huge allocation.
func (d *decoder) length(minEach int) (int, error) {
	start := d.off
	n, err := d.u32()
	if err != nil {
		return 0, err
	}
	if minEach > 0 && n > (len(d.buf)-d.off)/minEach {
		return 0, &DecodeError{Kind: TruncatedInput, Offset: start, Detail: fmt.Sprintf("length %d exceeds input", n)}
	}
	return n, nil
}

func (d *decoder) value(depth int) (Value, error) {
	if depth > MaxDepth {
		return nil, &DecodeError{Kind: DepthExceeded, Offset: d.off}
	}
	start := d.off
	tag, err := d.u8()
	if err != nil {
		return nil, err
	}
	switch Kind(tag) {
	case KindInt, KindUInt:
		b, err := d.take(16)
		if err != nil {
			return nil, err
		}
		if Kind(tag) == KindUInt {
			var u UInt
			u.V.SetBytes16(b)
			return u, nil
		}
		var i Int
		i.V.SetBytes16(b)
		if b[0]&0x80 != 0 {
			i.V[2], i.V[3] = ^uint64(0), ^uint64(0)
		}
		return i, nil
	case KindBuffer:
		n, err := d.length(1)
		if err != nil {
			return nil, err
		}
		b, err := d.take(n)
		if err != nil {
			return nil, err
		}
		return Buffer(bytes.Clone(b)), nil
	case KindTrue:
		return Bool(true), nil
	case KindFalse:
		return Bool(false), nil
	case KindStandardPrinc, KindContractPrinc:
		return d.principal(Kind(tag) == KindContractPrinc)
	case KindResponseOk, KindResponseErr:
		inner, err := d.value(depth + 1)
		if err != nil {
			return nil, err
		}
		return Response{Ok: Kind(tag) == KindResponseOk, Value: inner}, nil
	case KindOptionalNone:
		return None(), nil
	case KindOptionalSome:
		inner, err := d.value(depth + 1)
		if err != nil {
			return nil, err
		}
		return Some(inner), nil
	case KindList:
		n, err := d.length(1)
		if err != nil {
			return nil, err
		}
		items := make(List, 0, n)
		for i := 0; i < n; i++ {
			item, err := d.value(depth + 1)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return items, nil
	case KindTuple:
		n, err := d.length(2)
		if err != nil {
			return nil, err
		}
		t := Tuple{Fields: make([]Field, 0, n)}
		seen := make(map[string]struct{}, n)
		for i := 0; i < n; i++ {
			nameOff := d.off
			nameLen, err := d.u8()
			if err != nil {
				return nil, err
			}
			name, err := d.take(int(nameLen))
			if err != nil {
				return nil, err
			}
			if _, dup := seen[string(name)]; dup {
				return nil, &DecodeError{Kind: InvalidData, Offset: nameOff, Detail: fmt.Sprintf("duplicate tuple field %q", name)}
			}
			seen[string(name)] = struct{}{}
			v, err := d.value(depth + 1)
			if err != nil {
				return nil, err
			}
			t.Fields = append(t.Fields, Field{Name: string(name), Value: v})
		}
		return t, nil
	case KindStringASCII:
		n, err := d.length(1)
		if err != nil {
			return nil, err
		}
		b, err := d.take(n)
		if err != nil {
			return nil, err
		}
		for _, c := range b {
			if c > 0x7f {
				return nil, &DecodeError{Kind: InvalidData, Offset: start, Detail: "non-ascii byte in string-ascii"}
			}
		}
		return StringASCII(b), nil
	case KindStringUTF8:
		n, err := d.length(1)
		if err != nil {
			return nil, err
		}
		b, err := d.take(n)
		if err != nil {
			return nil, err
		}
		if !utf8.Valid(b) {
			return nil, &DecodeError{Kind: InvalidData, Offset: start, Detail: "invalid utf-8 in string-utf8"}
		}
		return StringUTF8(b), nil
	default:
		return nil, &DecodeError{Kind: UnknownTag, Offset: start, Tag: tag}
	}
}

func (d *decoder) principal(contract bool) (Value, error) {
	b, err := d.take(21)
	if err != nil {
		return nil, err
	}
	p := Principal{Version: b[0]}
	copy(p.Hash160[:], b[1:])
	if !contract {
		return p, nil
	}
	n, err := d.u8()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, &DecodeError{Kind: InvalidData, Offset: d.off - 1, Detail: "empty contract name"}
	}
	name, err := d.take(int(n))
	if err != nil {
		return nil, err
	}
	p.ContractName = string(name)
	return p, nil
}
