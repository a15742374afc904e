package stacks

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/brojonat/satswap/service/clarity"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // hash160 is defined over RIPEMD-160
)

// Sender is the signing identity of a transaction: the public key whose
// hash160 goes in the spending condition and whose encoding fixes the key
// encoding byte.
type Sender struct {
	PublicKey  []byte
	Hash160    [20]byte
	Compressed bool
}

// NewSender validates a 33-byte compressed or 65-byte uncompressed
// secp256k1 public key.
func NewSender(publicKey []byte) (Sender, error) {
	if len(publicKey) != secp256k1.PubKeyBytesLenCompressed && len(publicKey) != secp256k1.PubKeyBytesLenUncompressed {
		return Sender{}, &BuildError{Kind: InvalidPublicKey, Detail: fmt.Sprintf("public key is %d bytes", len(publicKey))}
	}
	if _, err := secp256k1.ParsePubKey(publicKey); err != nil {
		return Sender{}, &BuildError{Kind: InvalidPublicKey, Detail: err.Error()}
	}
	return Sender{
		PublicKey:  bytes.Clone(publicKey),
		Hash160:    Hash160(publicKey),
		Compressed: len(publicKey) == secp256k1.PubKeyBytesLenCompressed,
	}, nil
}

// NewSenderFromHex is NewSender for a hex-encoded key, with or without 0x.
func NewSenderFromHex(s string) (Sender, error) {
	b, err := hex.DecodeString(trimHexPrefix(s))
	if err != nil {
		return Sender{}, &BuildError{Kind: InvalidPublicKey, Detail: err.Error()}
	}
	return NewSender(b)
}

// Principal returns the sender's account principal on the network.
func (s Sender) Principal(network Network) clarity.Principal {
	return clarity.StandardPrincipal(network.AddressVersion, s.Hash160)
}

// Address returns the sender's c32check address on the network.
func (s Sender) Address(network Network) string {
	return s.Principal(network).String()
}

func (s Sender) keyEncoding() byte {
	if s.Compressed {
		return keyEncodingCompressed
	}
	return keyEncodingUncompressed
}

// Hash160 is RIPEMD-160(SHA-256(b)).
func Hash160(b []byte) [20]byte {
	sum := sha256.Sum256(b)
	r := ripemd160.New()
	r.Write(sum[:])
	var out [20]byte
	copy(out[:], r.Sum(nil))
	return out
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
