package stacks

import (
	"bytes"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// RecoveryPolicy decides the recovery byte of a 64-byte r‖s signature.
type RecoveryPolicy int

const (
	// PadZero appends a zero recovery byte without checking it.
	PadZero RecoveryPolicy = iota
	// RecoverFromKey finds the recovery id under which r‖s recovers to the
	// sender's public key over the transaction's sighash.
	RecoverFromKey
)

const (
	compactSigMagicOffset = 27
	compactSigCompPubKey  = 4
)

// Normalize turns a delegate's output into a Signature using PadZero: 65
// bytes pass through unchanged, 64 bytes get a zero recovery byte, anything
// else is an InvalidLength error.
func Normalize(raw []byte) (Signature, error) {
	var sig Signature
	switch len(raw) {
	case SignatureSize:
		copy(sig[:], raw)
		return sig, nil
	case SignatureSize - 1:
		copy(sig[:], raw)
		sig[SignatureSize-1] = 0
		return sig, nil
	default:
		return sig, &SignatureError{Kind: InvalidLength, Length: len(raw)}
	}
}

// NormalizeFor is Normalize with an explicit recovery policy. The
// transaction supplies the digest and public key RecoverFromKey needs.
func NormalizeFor(tx *UnsignedTransaction, raw []byte, policy RecoveryPolicy) (Signature, error) {
	sig, err := Normalize(raw)
	if err != nil || len(raw) == SignatureSize || policy == PadZero {
		return sig, err
	}

	digest := tx.SigHash()
	want, err := secp256k1.ParsePubKey(tx.Sender.PublicKey)
	if err != nil {
		return Signature{}, &SignatureError{Kind: Unrecoverable}
	}
	compact := make([]byte, SignatureSize)
	copy(compact[1:], raw)
	for recID := byte(0); recID < 4; recID++ {
		compact[0] = compactSigMagicOffset + compactSigCompPubKey + recID
		got, _, err := ecdsa.RecoverCompact(compact, digest[:])
		if err != nil {
			continue
		}
		if bytes.Equal(got.SerializeCompressed(), want.SerializeCompressed()) {
			sig[SignatureSize-1] = recID
			return sig, nil
		}
	}
	return Signature{}, &SignatureError{Kind: Unrecoverable}
}

// Attach splices sig into the authorization slot. A transaction can be
// signed once; a second Attach returns ErrAlreadySigned.
func Attach(tx *UnsignedTransaction, sig Signature) (*SignedTransaction, error) {
	if !tx.signed.CompareAndSwap(false, true) {
		return nil, ErrAlreadySigned
	}
	// Wire order puts the recovery id first.
	var wire [SignatureSize]byte
	wire[0] = sig[SignatureSize-1]
	copy(wire[1:], sig[:SignatureSize-1])

	return &SignedTransaction{
		Unsigned:  tx,
		Signature: sig,
		raw:       tx.encode(tx.Nonce, tx.Fee, wire),
	}, nil
}

// FromCompact converts a 65-byte compact signature ([27+recid(+4)]‖r‖s, as
// produced by ecdsa.SignCompact) into r‖s‖v.
func FromCompact(compact []byte) (Signature, error) {
	var sig Signature
	if len(compact) != SignatureSize {
		return sig, &SignatureError{Kind: InvalidLength, Length: len(compact)}
	}
	copy(sig[:], compact[1:])
	sig[SignatureSize-1] = (compact[0] - compactSigMagicOffset) & 0x03
	return sig, nil
}
