package clarity

import (
	"errors"
	"fmt"
)

// Type is the semantic type a schema expects for a field.
type Type int

const (
	TypeAny Type = iota
	TypeUInt
	TypeInt
	TypeBool
	TypePrincipal
	TypeBuffer
	TypeStringASCII
	TypeStringUTF8
	TypeList
	TypeTuple
)

func (t Type) String() string {
	switch t {
	case TypeUInt:
		return "uint"
	case TypeInt:
		return "int"
	case TypeBool:
		return "bool"
	case TypePrincipal:
		return "principal"
	case TypeBuffer:
		return "buffer"
	case TypeStringASCII:
		return "string-ascii"
	case TypeStringUTF8:
		return "string-utf8"
	case TypeList:
		return "list"
	case TypeTuple:
		return "tuple"
	default:
		return "any"
	}
}

func (t Type) matches(v Value) bool {
	switch t {
	case TypeAny:
		return true
	case TypeUInt:
		_, ok := v.(UInt)
		return ok
	case TypeInt:
		_, ok := v.(Int)
		return ok
	case TypeBool:
		_, ok := v.(Bool)
		return ok
	case TypePrincipal:
		_, ok := v.(Principal)
		return ok
	case TypeBuffer:
		_, ok := v.(Buffer)
		return ok
	case TypeStringASCII:
		_, ok := v.(StringASCII)
		return ok
	case TypeStringUTF8:
		_, ok := v.(StringUTF8)
		return ok
	case TypeList:
		_, ok := v.(List)
		return ok
	case TypeTuple:
		_, ok := v.(Tuple)
		return ok
	}
	return false
}

// FieldSpec describes one named tuple field. An Optional field accepts
// (optional T); none projects to an absent field rather than an error.
type FieldSpec struct {
	Name     string
	Type     Type
	Optional bool
}

// Schema is the data shape of a tuple as the contract declares it.
type Schema struct {
	Name   string
	Fields []FieldSpec
}

// ProjectionErrorKind classifies a projection failure.
type ProjectionErrorKind int

const (
	MissingField ProjectionErrorKind = iota + 1
	TypeMismatch
)

// ProjectionError reports a decoded value that does not fit a schema.
type ProjectionError struct {
	Kind     ProjectionErrorKind
	Field    string
	Expected string
	Found    string
}

func (e *ProjectionError) Error() string {
	if e.Kind == MissingField {
		return fmt.Sprintf("clarity: missing field %q", e.Field)
	}
	if e.Field == "" {
		return fmt.Sprintf("clarity: type mismatch: expected %s, found %s", e.Expected, e.Found)
	}
	return fmt.Sprintf("clarity: type mismatch in field %q: expected %s, found %s", e.Field, e.Expected, e.Found)
}

// IsProjectionError reports whether err is a ProjectionError of the given kind.
func IsProjectionError(err error, kind ProjectionErrorKind) bool {
	var pe *ProjectionError
	return errors.As(err, &pe) && pe.Kind == kind
}

// ContractError is an (err v) response returned by a contract function.
type ContractError struct {
	Value Value
}

func (e *ContractError) Error() string {
	if u, ok := e.Value.(UInt); ok {
		if n, fits := u.Uint64(); fits {
			return fmt.Sprintf("contract returned (err u%d)", n)
		}
	}
	return fmt.Sprintf("contract returned (err %s)", describe(e.Value))
}

// UnwrapResponse returns v for (ok v) and a ContractError for (err v).
// Values that are not responses are returned unchanged.
func UnwrapResponse(v Value) (Value, error) {
	r, ok := v.(Response)
	if !ok {
		return v, nil
	}
	if !r.Ok {
		return nil, &ContractError{Value: r.Value}
	}
	return r.Value, nil
}

// Record is a tuple that has been checked against a schema.
type Record struct {
	fields map[string]Value
}

// Project checks v against s. Responses are unwrapped first, and an optional
// none yields (nil, nil): the contract had nothing to report.
func Project(v Value, s Schema) (*Record, error) {
	v, err := UnwrapResponse(v)
	if err != nil {
		return nil, err
	}
	if opt, ok := v.(Optional); ok {
		if opt.IsNone() {
			return nil, nil
		}
		v = opt.Value
	}
	tuple, ok := v.(Tuple)
	if !ok {
		return nil, &ProjectionError{Kind: TypeMismatch, Expected: "tuple", Found: describe(v)}
	}

	rec := &Record{fields: make(map[string]Value, len(s.Fields))}
	for _, spec := range s.Fields {
		fv, ok := tuple.Get(spec.Name)
		if !ok {
			if spec.Optional {
				continue
			}
			return nil, &ProjectionError{Kind: MissingField, Field: spec.Name}
		}
		if spec.Optional {
			opt, isOpt := fv.(Optional)
			if !isOpt {
				return nil, &ProjectionError{Kind: TypeMismatch, Field: spec.Name, Expected: "optional " + spec.Type.String(), Found: describe(fv)}
			}
			if opt.IsNone() {
				continue
			}
			fv = opt.Value
		}
		if !spec.Type.matches(fv) {
			return nil, &ProjectionError{Kind: TypeMismatch, Field: spec.Name, Expected: spec.Type.String(), Found: describe(fv)}
		}
		rec.fields[spec.Name] = fv
	}
	return rec, nil
}

// Has reports whether the field is present. Optional fields that were none
// are absent.
func (r *Record) Has(name string) bool {
	_, ok := r.fields[name]
	return ok
}

// Value returns the raw projected field.
func (r *Record) Value(name string) (Value, bool) {
	v, ok := r.fields[name]
	return v, ok
}

// Uint64 returns a uint field narrowed to 64 bits.
func (r *Record) Uint64(name string) (uint64, error) {
	v, ok := r.fields[name]
	if !ok {
		return 0, &ProjectionError{Kind: MissingField, Field: name}
	}
	n, err := AsUint64(v)
	if err != nil {
		var pe *ProjectionError
		if errors.As(err, &pe) {
			pe.Field = name
		}
		return 0, err
	}
	return n, nil
}

// Bool returns a bool field.
func (r *Record) Bool(name string) (bool, error) {
	v, ok := r.fields[name]
	if !ok {
		return false, &ProjectionError{Kind: MissingField, Field: name}
	}
	b, ok := v.(Bool)
	if !ok {
		return false, &ProjectionError{Kind: TypeMismatch, Field: name, Expected: "bool", Found: describe(v)}
	}
	return bool(b), nil
}

// Principal returns a principal field.
func (r *Record) Principal(name string) (Principal, error) {
	v, ok := r.fields[name]
	if !ok {
		return Principal{}, &ProjectionError{Kind: MissingField, Field: name}
	}
	p, ok := v.(Principal)
	if !ok {
		return Principal{}, &ProjectionError{Kind: TypeMismatch, Field: name, Expected: "principal", Found: describe(v)}
	}
	return p, nil
}

// AsUint64 narrows a uint value (optionally inside (ok ...)) to 64 bits.
func AsUint64(v Value) (uint64, error) {
	v, err := UnwrapResponse(v)
	if err != nil {
		return 0, err
	}
	u, ok := v.(UInt)
	if !ok {
		return 0, &ProjectionError{Kind: TypeMismatch, Expected: "uint", Found: describe(v)}
	}
	n, fits := u.Uint64()
	if !fits {
		return 0, &ProjectionError{Kind: TypeMismatch, Expected: "uint (64-bit)", Found: "uint (overflow)"}
	}
	return n, nil
}

func describe(v Value) string {
	if v == nil {
		return "nothing"
	}
	return v.Kind().String()
}
