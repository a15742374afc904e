// Package market drives the marketplace contract: it builds, signs and
// broadcasts listing transactions and reads listings back as typed records.
package market

import (
	"context"
	"io"
	"log/slog"

	"github.com/brojonat/satswap/service/clarity"
	"github.com/brojonat/satswap/service/db"
	"github.com/brojonat/satswap/service/metrics"
	natspkg "github.com/brojonat/satswap/service/nats"
	"github.com/brojonat/satswap/service/node"
	"github.com/brojonat/satswap/service/signer"
	"github.com/brojonat/satswap/service/stacks"
)

// Contract function names.
const (
	FnCreateListing = "create-listing"
	FnCancelListing = "cancel-listing"
	FnUpdatePrice   = "update-price"
	FnMarkSold      = "mark-sold"
	FnGetListing    = "get-listing"
	FnGetCount      = "get-count"
)

// Reader evaluates read-only contract functions.
// node.Client satisfies it.
type Reader interface {
	CallReadOnly(ctx context.Context, contract clarity.Principal, function, sender string, args ...clarity.Value) (clarity.Value, error)
}

// NonceAllocator hands out sender nonces.
// nonce.Sequencer satisfies it.
type NonceAllocator interface {
	Allocate(ctx context.Context, address string) (uint64, error)
	AllocateChain(ctx context.Context, address string, n int) ([]uint64, error)
	Release(address string)
	Rewind(address string, from, end uint64) bool
}

// Journal records broadcast attempts.
// This allows for easy mocking in tests.
type Journal interface {
	RecordBroadcast(ctx context.Context, params db.RecordBroadcastParams) (*db.Broadcast, error)
}

// EventPublisher announces broadcast attempts.
// This allows for easy mocking in tests.
type EventPublisher interface {
	PublishBroadcast(ctx context.Context, event *natspkg.BroadcastEvent) error
}

var (
	_ Reader         = (*node.Client)(nil)
	_ Journal        = (*db.Store)(nil)
	_ EventPublisher = (natspkg.Publisher)(nil)
)

// Market is the marketplace façade for one contract and one sender.
// All dependencies are explicit.
type Market struct {
	contract    clarity.Principal
	builder     *stacks.Builder
	sender      stacks.Sender
	delegate    signer.Delegate
	nonces      NonceAllocator
	broadcaster node.Broadcaster
	reader      Reader

	recovery  stacks.RecoveryPolicy
	journal   Journal
	publisher EventPublisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// Option configures a Market.
type Option func(*Market)

// WithRecoveryPolicy sets how 64-byte signatures get their recovery id.
// The default is stacks.PadZero.
func WithRecoveryPolicy(p stacks.RecoveryPolicy) Option {
	return func(m *Market) { m.recovery = p }
}

// WithJournal records every broadcast attempt in j.
func WithJournal(j Journal) Option {
	return func(m *Market) { m.journal = j }
}

// WithEventPublisher publishes every broadcast attempt through p.
func WithEventPublisher(p EventPublisher) Option {
	return func(m *Market) { m.publisher = p }
}

// WithMetrics records signing, purchase and listing metrics.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Market) { m.metrics = mt }
}

// NewMarket creates a Market. contract must be a contract principal.
func NewMarket(
	contract clarity.Principal,
	builder *stacks.Builder,
	sender stacks.Sender,
	delegate signer.Delegate,
	nonces NonceAllocator,
	broadcaster node.Broadcaster,
	reader Reader,
	logger *slog.Logger,
	opts ...Option,
) *Market {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	m := &Market{
		contract:    contract,
		builder:     builder,
		sender:      sender,
		delegate:    delegate,
		nonces:      nonces,
		broadcaster: broadcaster,
		reader:      reader,
		recovery:    stacks.PadZero,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewReadOnlyMarket creates a Market that can only read listings. Any
// operation that needs a signature fails with ErrReadOnly.
func NewReadOnlyMarket(contract clarity.Principal, network stacks.Network, reader Reader, logger *slog.Logger, opts ...Option) *Market {
	return NewMarket(contract, stacks.NewBuilder(network), stacks.Sender{}, nil, nil, nil, reader, logger, opts...)
}

// ReadOnly reports whether the market has no signing identity.
func (m *Market) ReadOnly() bool {
	return len(m.sender.PublicKey) == 0 || m.delegate == nil || m.nonces == nil || m.broadcaster == nil
}

// Contract returns the marketplace contract principal.
func (m *Market) Contract() clarity.Principal { return m.contract }

// SenderAddress returns the address transactions are sent from. It is
// empty for a read-only market.
func (m *Market) SenderAddress() string {
	if len(m.sender.PublicKey) == 0 {
		return ""
	}
	return m.sender.Address(m.builder.Network())
}

// readSender is the sender named in read-only calls. The node only needs a
// well-formed address, so a read-only market uses the contract's deployer.
func (m *Market) readSender() string {
	if addr := m.SenderAddress(); addr != "" {
		return addr
	}
	return m.contract.Address()
}
