package stacks

import (
	"encoding/binary"
	"fmt"

	"github.com/brojonat/satswap/service/clarity"
)

// Fees the original client hardcoded, kept for callers that want flat fees.
const (
	DefaultContractCallFee uint64 = 10000
	DefaultTransferFee     uint64 = 1000
)

// FeePolicy estimates a fee from the serialized size when a caller passes a
// zero fee.
type FeePolicy struct {
	RatePerByte uint64
	Min         uint64
}

// DefaultFeePolicy charges 1 µSTX per byte with a 180 µSTX floor.
var DefaultFeePolicy = FeePolicy{RatePerByte: 1, Min: 180}

func (p FeePolicy) estimate(size int) uint64 {
	fee := p.RatePerByte * uint64(size)
	if fee < p.Min {
		return p.Min
	}
	return fee
}

// Builder assembles unsigned transactions for one network.
type Builder struct {
	network Network
	fees    FeePolicy
	anchor  AnchorMode
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithFeePolicy overrides DefaultFeePolicy.
func WithFeePolicy(p FeePolicy) BuilderOption {
	return func(b *Builder) { b.fees = p }
}

// WithAnchorMode overrides AnchorAny.
func WithAnchorMode(m AnchorMode) BuilderOption {
	return func(b *Builder) { b.anchor = m }
}

// NewBuilder creates a builder for the network.
func NewBuilder(network Network, opts ...BuilderOption) *Builder {
	b := &Builder{
		network: network,
		fees:    DefaultFeePolicy,
		anchor:  AnchorAny,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Network returns the network the builder targets.
func (b *Builder) Network() Network { return b.network }

// ContractCallParams describes a public contract function call.
type ContractCallParams struct {
	ContractAddress   string
	ContractName      string
	FunctionName      string
	Args              []clarity.Value
	Sender            Sender
	Nonce             uint64
	Fee               uint64 // zero means estimate
	PostConditionMode PostConditionMode
}

// BuildContractCall builds a contract-call transaction. Arguments are
// encoded in the order given.
func (b *Builder) BuildContractCall(p ContractCallParams) (*UnsignedTransaction, error) {
	version, hash, err := clarity.ParseAddress(p.ContractAddress)
	if err != nil {
		return nil, &BuildError{Kind: InvalidPrincipal, Field: "contract_address", Detail: err.Error()}
	}
	if !clarity.ValidContractName(p.ContractName) {
		return nil, &BuildError{Kind: InvalidIdentifier, Field: "contract_name", Detail: fmt.Sprintf("%q", p.ContractName)}
	}
	if !clarity.ValidClarityName(p.FunctionName) {
		return nil, &BuildError{Kind: InvalidIdentifier, Field: "function_name", Detail: fmt.Sprintf("%q", p.FunctionName)}
	}

	payload := make([]byte, 0, 64)
	payload = append(payload, byte(PayloadContractCall), version)
	payload = append(payload, hash[:]...)
	payload = append(payload, byte(len(p.ContractName)))
	payload = append(payload, p.ContractName...)
	payload = append(payload, byte(len(p.FunctionName)))
	payload = append(payload, p.FunctionName...)
	payload = binary.BigEndian.AppendUint32(payload, uint32(len(p.Args)))
	for i, arg := range p.Args {
		enc, err := clarity.Encode(arg)
		if err != nil {
			return nil, &BuildError{Kind: InvalidArgument, Field: fmt.Sprintf("args[%d]", i), Detail: err.Error()}
		}
		payload = append(payload, enc...)
	}

	pcm := p.PostConditionMode
	if pcm == 0 {
		pcm = PostConditionAllow
	}
	return b.finish(PayloadContractCall, payload, p.Sender, p.Nonce, p.Fee, pcm)
}

// TransferParams describes a native STX transfer.
type TransferParams struct {
	Sender    Sender
	Recipient string // address or contract principal
	Amount    uint64 // µSTX
	Memo      string
	Nonce     uint64
	Fee       uint64 // zero means estimate
}

// BuildTransfer builds a native token transfer.
func (b *Builder) BuildTransfer(p TransferParams) (*UnsignedTransaction, error) {
	if p.Amount == 0 {
		return nil, &BuildError{Kind: NonPositiveAmount, Field: "amount"}
	}
	if len(p.Memo) > MemoSize {
		return nil, &BuildError{Kind: MemoTooLong, Field: "memo", Detail: fmt.Sprintf("%d bytes, limit %d", len(p.Memo), MemoSize)}
	}
	recipient, err := clarity.ParsePrincipal(p.Recipient)
	if err != nil {
		return nil, &BuildError{Kind: InvalidPrincipal, Field: "recipient", Detail: err.Error()}
	}

	payload := []byte{byte(PayloadTransfer)}
	payload = append(payload, clarity.MustEncode(recipient)...)
	payload = binary.BigEndian.AppendUint64(payload, p.Amount)
	var memo [MemoSize]byte
	copy(memo[:], p.Memo)
	payload = append(payload, memo[:]...)

	return b.finish(PayloadTransfer, payload, p.Sender, p.Nonce, p.Fee, PostConditionDeny)
}

// TokenTransferParams describes a SIP-010 fungible token transfer, such as
// sBTC.
type TokenTransferParams struct {
	Token     string // contract principal, ADDR.name
	Sender    Sender
	Recipient string
	Amount    uint64
	Memo      []byte // optional, at most MemoSize bytes
	Nonce     uint64
	Fee       uint64
}

// BuildTokenTransfer calls transfer(amount, sender, recipient, memo) on a
// SIP-010 token contract.
func (b *Builder) BuildTokenTransfer(p TokenTransferParams) (*UnsignedTransaction, error) {
	token, err := clarity.ParsePrincipal(p.Token)
	if err != nil || !token.IsContract() {
		return nil, &BuildError{Kind: InvalidPrincipal, Field: "token", Detail: fmt.Sprintf("%q is not a contract principal", p.Token)}
	}
	if p.Amount == 0 {
		return nil, &BuildError{Kind: NonPositiveAmount, Field: "amount"}
	}
	if len(p.Memo) > MemoSize {
		return nil, &BuildError{Kind: MemoTooLong, Field: "memo", Detail: fmt.Sprintf("%d bytes, limit %d", len(p.Memo), MemoSize)}
	}
	recipient, err := clarity.ParsePrincipal(p.Recipient)
	if err != nil {
		return nil, &BuildError{Kind: InvalidPrincipal, Field: "recipient", Detail: err.Error()}
	}

	memo := clarity.None()
	if len(p.Memo) > 0 {
		memo = clarity.Some(clarity.Buffer(p.Memo))
	}
	return b.BuildContractCall(ContractCallParams{
		ContractAddress: token.Address(),
		ContractName:    token.ContractName,
		FunctionName:    "transfer",
		Args: []clarity.Value{
			clarity.NewUInt(p.Amount),
			p.Sender.Principal(b.network),
			recipient,
			memo,
		},
		Sender: p.Sender,
		Nonce:  p.Nonce,
		Fee:    p.Fee,
		// The token contract moves the sender's balance, which a deny-mode
		// transaction without post conditions would abort.
		PostConditionMode: PostConditionAllow,
	})
}

func (b *Builder) finish(kind PayloadKind, payload []byte, sender Sender, nonce, fee uint64, pcm PostConditionMode) (*UnsignedTransaction, error) {
	if len(sender.PublicKey) == 0 {
		return nil, &BuildError{Kind: InvalidPublicKey, Field: "sender", Detail: "missing public key"}
	}
	tx := &UnsignedTransaction{
		Network:           b.network,
		PayloadKind:       kind,
		Payload:           payload,
		Sender:            sender,
		Nonce:             nonce,
		Fee:               fee,
		AnchorMode:        b.anchor,
		PostConditionMode: pcm,
	}
	if tx.Fee == 0 {
		tx.Fee = b.fees.estimate(tx.Len())
	}
	return tx, nil
}
