package clarity

import (
	"encoding/hex"
	"fmt"
	"math/rand"
	"reflect"
	"strings"
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPrincipal(t *testing.T) Principal {
	t.Helper()
	p, err := ParsePrincipal("ST1QNFKCN58W3F1D9FQYSZGQKWG872KC6KYAV692X")
	require.NoError(t, err)
	return p
}

func TestEncode_UInt(t *testing.T) {
	b, err := Encode(NewUInt(1))
	require.NoError(t, err)
	assert.Equal(t, "0100000000000000000000000000000001", hex.EncodeToString(b))

	h, err := EncodeHex(NewUInt(100000))
	require.NoError(t, err)
	assert.Equal(t, "0x01000000000000000000000000000186a0", h)
}

func TestEncode_Int(t *testing.T) {
	b, err := Encode(NewInt(-1))
	require.NoError(t, err)
	assert.Equal(t, "00"+strings.Repeat("ff", 16), hex.EncodeToString(b))
}

func TestEncode_TupleSortsFields(t *testing.T) {
	// Fields given out of order are written in name order.
	unsorted := Tuple{Fields: []Field{
		{Name: "b", Value: Bool(true)},
		{Name: "a", Value: Bool(false)},
	}}
	b, err := Encode(unsorted)
	require.NoError(t, err)
	assert.Equal(t, "0c00000002"+"0161"+"04"+"0162"+"03", hex.EncodeToString(b))
}

func TestEncode_RejectsBadValues(t *testing.T) {
	_, err := Encode(nil)
	assert.Error(t, err)

	_, err = Encode(StringASCII("caf\xc3\xa9"))
	assert.Error(t, err)

	var big UInt
	big.V[2] = 1
	_, err = Encode(big)
	assert.Error(t, err)

	_, err = Encode(Tuple{Fields: []Field{{Name: "", Value: Bool(true)}}})
	assert.Error(t, err)

	_, err = Encode(Tuple{Fields: []Field{{Name: "a", Value: Bool(true)}, {Name: "a", Value: Bool(false)}}})
	assert.Error(t, err)
}

func TestRoundTrip(t *testing.T) {
	seller := testPrincipal(t)
	contract := seller
	contract.ContractName = "marketplace"

	values := map[string]Value{
		"uint":          NewUInt(5000000),
		"int negative":  NewInt(-42),
		"int positive":  NewInt(42),
		"true":          Bool(true),
		"false":         Bool(false),
		"buffer":        Buffer("buy-1"),
		"empty buffer":  Buffer{},
		"string-ascii":  StringASCII("hello"),
		"string-utf8":   StringUTF8("héllo"),
		"principal":     seller,
		"contract":      contract,
		"none":          None(),
		"some uint":     Some(NewUInt(7)),
		"ok":            OkResponse(Bool(true)),
		"err":           ErrResponse(NewUInt(404)),
		"list":          List{NewUInt(1), NewUInt(2)},
		"empty list":    List{},
		"listing tuple": Some(listingTuple(seller, 100000, 5000000, true)),
		"nested": NewTuple(map[string]Value{
			"inner": NewTuple(map[string]Value{"x": Some(None())}),
			"items": List{Some(NewUInt(1)), None()},
		}),
	}

	for name, v := range values {
		t.Run(name, func(t *testing.T) {
			encoded, err := Encode(v)
			require.NoError(t, err)

			decoded, err := Decode(encoded)
			require.NoError(t, err)
			assert.Equal(t, v, decoded)
		})
	}
}

// arbitraryValue lets testing/quick generate nested Clarity values.
type arbitraryValue struct {
	V Value
}

func (arbitraryValue) Generate(r *rand.Rand, size int) reflect.Value {
	return reflect.ValueOf(arbitraryValue{V: randomValue(r, 4)})
}

func randomValue(r *rand.Rand, depth int) Value {
	leaves := 6
	kinds := leaves
	if depth > 0 {
		kinds += 5
	}
	switch r.Intn(kinds) {
	case 0:
		var u UInt
		u.V[0] = r.Uint64()
		if r.Intn(2) == 0 {
			u.V[1] = r.Uint64()
		}
		return u
	case 1:
		return NewInt(int64(r.Uint64()))
	case 2:
		return Bool(r.Intn(2) == 0)
	case 3:
		b := make(Buffer, r.Intn(40))
		r.Read(b)
		return b
	case 4:
		b := make([]byte, r.Intn(20))
		for i := range b {
			b[i] = byte(0x20 + r.Intn(0x5f))
		}
		return StringASCII(b)
	case 5:
		runes := []rune{'a', 'é', '₿', '日', '😀'}
		var sb strings.Builder
		for i := r.Intn(10); i > 0; i-- {
			sb.WriteRune(runes[r.Intn(len(runes))])
		}
		return StringUTF8(sb.String())
	case 6:
		return None()
	case 7:
		return Some(randomValue(r, depth-1))
	case 8:
		return Response{Ok: r.Intn(2) == 0, Value: randomValue(r, depth-1)}
	case 9:
		items := make(List, r.Intn(4))
		for i := range items {
			items[i] = randomValue(r, depth-1)
		}
		return items
	default:
		fields := make(map[string]Value)
		for i := 1 + r.Intn(3); i > 0; i-- {
			fields[fmt.Sprintf("f-%d", r.Intn(10))] = randomValue(r, depth-1)
		}
		return NewTuple(fields)
	}
}

func TestRoundTrip_Generated(t *testing.T) {
	roundTrips := func(a arbitraryValue) bool {
		encoded, err := Encode(a.V)
		if err != nil {
			t.Logf("encode %#v: %v", a.V, err)
			return false
		}
		decoded, err := Decode(encoded)
		if err != nil {
			t.Logf("decode %x: %v", encoded, err)
			return false
		}
		return assert.ObjectsAreEqual(a.V, decoded)
	}
	require.NoError(t, quick.Check(roundTrips, &quick.Config{MaxCount: 500}))
}

func TestDecodeHex_Prefix(t *testing.T) {
	withPrefix, err := DecodeHex("0x0100000000000000000000000000000003")
	require.NoError(t, err)
	without, err := DecodeHex("0100000000000000000000000000000003")
	require.NoError(t, err)

	assert.Equal(t, NewUInt(3), withPrefix)
	assert.Equal(t, withPrefix, without)

	_, err = DecodeHex("0xzz")
	assert.True(t, IsDecodeError(err, InvalidData))
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		hex  string
		kind DecodeErrorKind
	}{
		{"empty input", "", TruncatedInput},
		{"short uint", "0100000000", TruncatedInput},
		{"buffer length past end", "0200000010abcd", TruncatedInput},
		{"some without payload", "0a", TruncatedInput},
		{"tuple missing value", "0c000000010161", TruncatedInput},
		{"contract name cut off", "06" + "1a" + strings.Repeat("00", 20) + "0b" + "6d61726b", TruncatedInput},
		{"unknown tag", "ff", UnknownTag},
		{"unknown nested tag", "0a20", UnknownTag},
		{"trailing bytes", "0300", TrailingBytes},
		{"bad ascii", "0d0000000180", InvalidData},
		{"bad utf8", "0e00000001ff", InvalidData},
		{"duplicate tuple field", "0c00000002" + "0161" + "03" + "0161" + "04", InvalidData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := hex.DecodeString(tt.hex)
			require.NoError(t, err)

			_, err = Decode(b)
			require.Error(t, err)
			assert.True(t, IsDecodeError(err, tt.kind), "got %v", err)
		})
	}
}

func TestDecode_UnknownTagOffset(t *testing.T) {
	_, err := DecodeHex("0a0aff")
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, UnknownTag, de.Kind)
	assert.Equal(t, byte(0xff), de.Tag)
	assert.Equal(t, 2, de.Offset)
}

func TestDecode_DepthLimit(t *testing.T) {
	nest := func(n int) []byte {
		b := []byte(strings.Repeat("\x0a", n))
		return append(b, 0x03)
	}

	_, err := Decode(nest(10))
	require.NoError(t, err)

	_, err = Decode(nest(MaxDepth + 5))
	assert.True(t, IsDecodeError(err, DepthExceeded), "got %v", err)
}

func TestDecode_TuplePreservesWireOrder(t *testing.T) {
	// Non-canonical order on the wire is kept as is; lookups go by name.
	b, err := hex.DecodeString("0c00000002" + "0162" + "03" + "0161" + "04")
	require.NoError(t, err)

	v, err := Decode(b)
	require.NoError(t, err)
	tuple := v.(Tuple)
	require.Len(t, tuple.Fields, 2)
	assert.Equal(t, "b", tuple.Fields[0].Name)

	a, ok := tuple.Get("a")
	require.True(t, ok)
	assert.Equal(t, Bool(false), a)
}

func TestInt64(t *testing.T) {
	n, ok := NewInt(-42).Int64()
	assert.True(t, ok)
	assert.Equal(t, int64(-42), n)

	n, ok = NewInt(1 << 40).Int64()
	assert.True(t, ok)
	assert.Equal(t, int64(1<<40), n)
}

func listingTuple(seller Principal, amount, price uint64, active bool) Tuple {
	return NewTuple(map[string]Value{
		"seller": seller,
		"amount": NewUInt(amount),
		"price":  NewUInt(price),
		"active": Bool(active),
	})
}
