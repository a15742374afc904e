package stacks

import (
	"errors"
	"fmt"
)

// BuildErrorKind classifies malformed builder input. Build errors are never
// worth retrying; the input has to change.
type BuildErrorKind int

const (
	InvalidIdentifier BuildErrorKind = iota + 1
	NonPositiveAmount
	MemoTooLong
	InvalidPrincipal
	InvalidPublicKey
	InvalidArgument
)

func (k BuildErrorKind) String() string {
	switch k {
	case InvalidIdentifier:
		return "invalid identifier"
	case NonPositiveAmount:
		return "non-positive amount"
	case MemoTooLong:
		return "memo too long"
	case InvalidPrincipal:
		return "invalid principal"
	case InvalidPublicKey:
		return "invalid public key"
	case InvalidArgument:
		return "invalid argument"
	default:
		return "build error"
	}
}

type BuildError struct {
	Kind   BuildErrorKind
	Field  string
	Detail string
}

func (e *BuildError) Error() string {
	msg := "build transaction: " + e.Kind.String()
	if e.Field != "" {
		msg += " (" + e.Field + ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// IsBuildError reports whether err is a BuildError of the given kind.
func IsBuildError(err error, kind BuildErrorKind) bool {
	var be *BuildError
	return errors.As(err, &be) && be.Kind == kind
}

// SignatureErrorKind classifies a signature the delegate returned that
// cannot be used.
type SignatureErrorKind int

const (
	InvalidLength SignatureErrorKind = iota + 1
	Unrecoverable
)

type SignatureError struct {
	Kind   SignatureErrorKind
	Length int
}

func (e *SignatureError) Error() string {
	if e.Kind == Unrecoverable {
		return "signature does not recover to the sender public key"
	}
	return fmt.Sprintf("signature has invalid length %d (want 64 or 65)", e.Length)
}

// ErrAlreadySigned is returned when a transaction's authorization slot is
// filled a second time.
var ErrAlreadySigned = errors.New("transaction is already signed")
