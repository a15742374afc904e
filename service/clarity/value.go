package clarity

import (
	"sort"

	"github.com/holiman/uint256"
)

// Kind is the leading type tag of an encoded Clarity value.
type Kind byte

// Clarity type tags (SIP-005).
const (
	KindInt           Kind = 0x00
	KindUInt          Kind = 0x01
	KindBuffer        Kind = 0x02
	KindTrue          Kind = 0x03
	KindFalse         Kind = 0x04
	KindStandardPrinc Kind = 0x05
	KindContractPrinc Kind = 0x06
	KindResponseOk    Kind = 0x07
	KindResponseErr   Kind = 0x08
	KindOptionalNone  Kind = 0x09
	KindOptionalSome  Kind = 0x0a
	KindList          Kind = 0x0b
	KindTuple         Kind = 0x0c
	KindStringASCII   Kind = 0x0d
	KindStringUTF8    Kind = 0x0e
)

const (
	// MaxDepth is the deepest nesting of containers the decoder accepts.
	MaxDepth = 32

	maxNameBytes = 128
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindUInt:
		return "uint"
	case KindBuffer:
		return "buffer"
	case KindTrue, KindFalse:
		return "bool"
	case KindStandardPrinc, KindContractPrinc:
		return "principal"
	case KindResponseOk, KindResponseErr:
		return "response"
	case KindOptionalNone, KindOptionalSome:
		return "optional"
	case KindList:
		return "list"
	case KindTuple:
		return "tuple"
	case KindStringASCII:
		return "string-ascii"
	case KindStringUTF8:
		return "string-utf8"
	default:
		return "unknown"
	}
}

// Value is a decoded Clarity value. The set of implementations is closed:
// UInt, Int, Bool, Buffer, Principal, Optional, Response, List, Tuple,
// StringASCII and StringUTF8. Consumers switch on the concrete type.
type Value interface {
	Kind() Kind
	isValue()
}

// UInt is a 128-bit unsigned integer. Only the low 128 bits of V are used.
type UInt struct {
	V uint256.Int
}

// NewUInt returns a UInt holding n.
func NewUInt(n uint64) UInt {
	var u UInt
	u.V.SetUint64(n)
	return u
}

// Uint64 returns the value and whether it fits in 64 bits.
func (u UInt) Uint64() (uint64, bool) {
	return u.V.Uint64(), u.V.IsUint64()
}

func (UInt) Kind() Kind { return KindUInt }
func (UInt) isValue()   {}

// Int is a 128-bit signed integer held as a 256-bit two's complement value.
type Int struct {
	V uint256.Int
}

// NewInt returns an Int holding n.
func NewInt(n int64) Int {
	var i Int
	i.V.SetUint64(uint64(n))
	if n < 0 {
		i.V[1], i.V[2], i.V[3] = ^uint64(0), ^uint64(0), ^uint64(0)
	}
	return i
}

// Int64 returns the value and whether it fits in 64 bits.
func (i Int) Int64() (int64, bool) {
	if i.V.Sign() >= 0 {
		return int64(i.V.Uint64()), i.V.IsUint64() && i.V.Uint64() <= 1<<63-1
	}
	var abs uint256.Int
	abs.Neg(&i.V)
	return -int64(abs.Uint64()), abs.IsUint64() && abs.Uint64() <= 1<<63
}

func (Int) Kind() Kind { return KindInt }
func (Int) isValue()   {}

// Bool is a Clarity boolean.
type Bool bool

func (b Bool) Kind() Kind {
	if b {
		return KindTrue
	}
	return KindFalse
}
func (Bool) isValue() {}

// Buffer is a Clarity byte buffer.
type Buffer []byte

func (Buffer) Kind() Kind { return KindBuffer }
func (Buffer) isValue()   {}

// StringASCII is a Clarity string-ascii.
type StringASCII string

func (StringASCII) Kind() Kind { return KindStringASCII }
func (StringASCII) isValue()   {}

// StringUTF8 is a Clarity string-utf8.
type StringUTF8 string

func (StringUTF8) Kind() Kind { return KindStringUTF8 }
func (StringUTF8) isValue()   {}

// Optional is (some Value) when Value is non-nil and none otherwise.
type Optional struct {
	Value Value
}

// Some wraps v in an Optional.
func Some(v Value) Optional { return Optional{Value: v} }

// None returns the empty Optional.
func None() Optional { return Optional{} }

// IsNone reports whether the optional is empty.
func (o Optional) IsNone() bool { return o.Value == nil }

func (o Optional) Kind() Kind {
	if o.Value == nil {
		return KindOptionalNone
	}
	return KindOptionalSome
}
func (Optional) isValue() {}

// Response is (ok Value) or (err Value).
type Response struct {
	Ok    bool
	Value Value
}

// OkResponse wraps v in (ok v).
func OkResponse(v Value) Response { return Response{Ok: true, Value: v} }

// ErrResponse wraps v in (err v).
func ErrResponse(v Value) Response { return Response{Ok: false, Value: v} }

func (r Response) Kind() Kind {
	if r.Ok {
		return KindResponseOk
	}
	return KindResponseErr
}
func (Response) isValue() {}

// List is a Clarity list.
type List []Value

func (List) Kind() Kind { return KindList }
func (List) isValue()   {}

// Field is a named tuple member.
type Field struct {
	Name  string
	Value Value
}

// Tuple is a Clarity tuple. Fields keep the order they were decoded in;
// tuples built with NewTuple are in canonical (sorted) order.
type Tuple struct {
	Fields []Field
}

// NewTuple builds a tuple whose fields are sorted by name, which is the order
// the Clarity VM serializes them in.
func NewTuple(fields map[string]Value) Tuple {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	t := Tuple{Fields: make([]Field, 0, len(names))}
	for _, name := range names {
		t.Fields = append(t.Fields, Field{Name: name, Value: fields[name]})
	}
	return t
}

// Get returns the value of the named field.
func (t Tuple) Get(name string) (Value, bool) {
	for _, f := range t.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

func (Tuple) Kind() Kind { return KindTuple }
func (Tuple) isValue()   {}
