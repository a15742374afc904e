package stacks

import (
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"sync/atomic"
)

const (
	authTypeStandard byte = 0x04
	hashModeP2PKH    byte = 0x00

	keyEncodingCompressed   byte = 0x00
	keyEncodingUncompressed byte = 0x01

	// MemoSize is the fixed width of a token transfer memo.
	MemoSize = 34

	// SignatureSize is the width of a recoverable signature.
	SignatureSize = 65
)

// AnchorMode says where the transaction may be mined.
type AnchorMode byte

const (
	AnchorOnChain  AnchorMode = 0x01
	AnchorOffChain AnchorMode = 0x02
	AnchorAny      AnchorMode = 0x03
)

// PostConditionMode says whether asset movements not covered by a post
// condition are allowed.
type PostConditionMode byte

const (
	PostConditionAllow PostConditionMode = 0x01
	PostConditionDeny  PostConditionMode = 0x02
)

// PayloadKind is the leading byte of a transaction payload.
type PayloadKind byte

const (
	PayloadTransfer     PayloadKind = 0x00
	PayloadContractCall PayloadKind = 0x02
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadTransfer:
		return "token-transfer"
	case PayloadContractCall:
		return "contract-call"
	default:
		return "unknown"
	}
}

// Signature is a recoverable secp256k1 signature laid out r‖s‖v.
type Signature [SignatureSize]byte

// UnsignedTransaction is a fully built transaction whose authorization slot
// is still empty. Its fields must not change after construction; the
// builders are the only intended producers.
type UnsignedTransaction struct {
	Network           Network
	PayloadKind       PayloadKind
	Payload           []byte
	Sender            Sender
	Nonce             uint64
	Fee               uint64
	AnchorMode        AnchorMode
	PostConditionMode PostConditionMode

	signed atomic.Bool
}

// Serialize returns the wire encoding with an empty signature slot.
func (tx *UnsignedTransaction) Serialize() []byte {
	var empty [SignatureSize]byte
	return tx.encode(tx.Nonce, tx.Fee, empty)
}

// Len returns the length of the serialized transaction, which is the same
// signed or unsigned.
func (tx *UnsignedTransaction) Len() int {
	return 1 + 4 + 1 + 1 + 20 + 8 + 8 + 1 + SignatureSize + 1 + 1 + 4 + len(tx.Payload)
}

// SigHash is the digest the sender's key signs: the presign sighash over
// the cleared transaction, the auth type, fee and nonce.
func (tx *UnsignedTransaction) SigHash() [32]byte {
	var empty [SignatureSize]byte
	initial := sha512.Sum512_256(tx.encode(0, 0, empty))

	buf := make([]byte, 0, 32+1+8+8)
	buf = append(buf, initial[:]...)
	buf = append(buf, authTypeStandard)
	buf = binary.BigEndian.AppendUint64(buf, tx.Fee)
	buf = binary.BigEndian.AppendUint64(buf, tx.Nonce)
	return sha512.Sum512_256(buf)
}

// Signed reports whether a signature has been attached.
func (tx *UnsignedTransaction) Signed() bool {
	return tx.signed.Load()
}

// encode writes the transaction with the given spending condition values.
// wireSig is already in wire order (v‖r‖s).
func (tx *UnsignedTransaction) encode(nonce, fee uint64, wireSig [SignatureSize]byte) []byte {
	buf := make([]byte, 0, tx.Len())
	buf = append(buf, tx.Network.TransactionVersion)
	buf = binary.BigEndian.AppendUint32(buf, tx.Network.ChainID)

	buf = append(buf, authTypeStandard, hashModeP2PKH)
	buf = append(buf, tx.Sender.Hash160[:]...)
	buf = binary.BigEndian.AppendUint64(buf, nonce)
	buf = binary.BigEndian.AppendUint64(buf, fee)
	buf = append(buf, tx.Sender.keyEncoding())
	buf = append(buf, wireSig[:]...)

	buf = append(buf, byte(tx.AnchorMode), byte(tx.PostConditionMode))
	buf = binary.BigEndian.AppendUint32(buf, 0) // post conditions
	buf = append(buf, tx.Payload...)
	return buf
}

// SignedTransaction is an UnsignedTransaction with its signature spliced in.
// Only Attach creates one.
type SignedTransaction struct {
	Unsigned  *UnsignedTransaction
	Signature Signature

	raw []byte
}

// Bytes returns the wire encoding for broadcast.
func (s *SignedTransaction) Bytes() []byte {
	out := make([]byte, len(s.raw))
	copy(out, s.raw)
	return out
}

// Hex returns the wire encoding as hex.
func (s *SignedTransaction) Hex() string {
	return hex.EncodeToString(s.raw)
}

// TxID is the SHA-512/256 of the signed encoding, as the network reports it
// (hex, no prefix).
func (s *SignedTransaction) TxID() string {
	sum := sha512.Sum512_256(s.raw)
	return hex.EncodeToString(sum[:])
}

// Nonce returns the nonce the transaction consumes.
func (s *SignedTransaction) Nonce() uint64 { return s.Unsigned.Nonce }
