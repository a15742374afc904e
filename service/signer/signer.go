// Package signer defines the signing delegate contract and an in-process
// implementation of it.
//
// A delegate holds the private key. Callers hand it the sighash of an
// unsigned transaction (plus the serialized transaction, for delegates that
// want to inspect what they sign) and get back a raw secp256k1 signature,
// 64 bytes r‖s or 65 bytes r‖s‖v. Delegates may be local or remote; callers
// treat both the same and impose their own deadlines through the context.
package signer

import (
	"context"
	"errors"
	"fmt"
)

// Typed delegate failures. Implementations wrap one of these so callers can
// decide whether to retry.
var (
	// ErrUnavailable means the delegate could not be reached or failed
	// internally. Retrying with backoff may help.
	ErrUnavailable = errors.New("signer unavailable")

	// ErrDenied means the delegate refused to sign.
	ErrDenied = errors.New("signing denied")

	// ErrTimeout means the caller's deadline passed before a signature
	// arrived.
	ErrTimeout = errors.New("signing timed out")
)

// Request is one signing request.
type Request struct {
	// Digest is the presign sighash of Transaction; it is what gets signed.
	Digest [32]byte

	// Transaction is the serialized unsigned transaction.
	Transaction []byte

	// PublicKey identifies the key the caller expects to sign with.
	PublicKey []byte
}

// Delegate signs transactions on behalf of one or more keys.
type Delegate interface {
	Sign(ctx context.Context, req Request) ([]byte, error)
}

// Func adapts a function to the Delegate interface.
type Func func(ctx context.Context, req Request) ([]byte, error)

func (f Func) Sign(ctx context.Context, req Request) ([]byte, error) { return f(ctx, req) }

// ContextError maps a done context to ErrTimeout (deadline) or the context's
// own error (cancellation). It returns nil while ctx is live.
func ContextError(ctx context.Context) error {
	err := ctx.Err()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return err
	}
}

// IsRetryable reports whether a signing failure may succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout)
}
