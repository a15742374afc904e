package signer

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Local signs with an in-process secp256k1 key. It is meant for tests,
// devnets and operators who keep a hot key; production deployments use a
// remote delegate.
type Local struct {
	key        *secp256k1.PrivateKey
	compressed bool
}

// NewLocal builds a Local signer from a 32-byte private key. Stacks tooling
// writes private keys as 33 bytes with a trailing 0x01 when the public key
// is compressed; that form is accepted too.
func NewLocal(privateKey []byte) (*Local, error) {
	compressed := false
	switch {
	case len(privateKey) == 33 && privateKey[32] == 0x01:
		privateKey = privateKey[:32]
		compressed = true
	case len(privateKey) != 32:
		return nil, fmt.Errorf("private key must be 32 bytes (or 33 with a 0x01 suffix), got %d", len(privateKey))
	}
	key := secp256k1.PrivKeyFromBytes(privateKey)
	if key.Key.IsZero() {
		return nil, fmt.Errorf("private key is zero")
	}
	return &Local{key: key, compressed: compressed}, nil
}

// NewLocalFromHex parses a hex private key, with or without 0x.
func NewLocalFromHex(s string) (*Local, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key: %w", err)
	}
	return NewLocal(b)
}

// GenerateLocal creates a signer with a fresh random key.
func GenerateLocal() (*Local, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return &Local{key: key, compressed: true}, nil
}

// PublicKey returns the compressed public key, or the uncompressed form when
// the key was given without the compression suffix.
func (l *Local) PublicKey() []byte {
	if l.compressed {
		return l.key.PubKey().SerializeCompressed()
	}
	return l.key.PubKey().SerializeUncompressed()
}

// CompressedPublicKey always returns the 33-byte form.
func (l *Local) CompressedPublicKey() []byte {
	return l.key.PubKey().SerializeCompressed()
}

// Sign returns a 65-byte r‖s‖v signature over req.Digest.
func (l *Local) Sign(ctx context.Context, req Request) ([]byte, error) {
	if err := ContextError(ctx); err != nil {
		return nil, err
	}
	if len(req.PublicKey) > 0 && !l.owns(req.PublicKey) {
		return nil, fmt.Errorf("%w: public key does not belong to this signer", ErrDenied)
	}

	compact := ecdsa.SignCompact(l.key, req.Digest[:], l.compressed)
	// compact is [27+recid(+4)]‖r‖s.
	sig := make([]byte, 65)
	copy(sig, compact[1:])
	sig[64] = (compact[0] - 27) & 0x03
	return sig, nil
}

func (l *Local) owns(pub []byte) bool {
	pk := l.key.PubKey()
	return bytes.Equal(pub, pk.SerializeCompressed()) || bytes.Equal(pub, pk.SerializeUncompressed())
}

// String never includes key material.
func (l *Local) String() string {
	return fmt.Sprintf("signer.Local(%x)", l.CompressedPublicKey())
}
