// Package nonce hands out per-account transaction sequence numbers.
//
// The network is authoritative for an account's next nonce, but it only
// learns about a nonce once a transaction using it reaches the mempool. The
// Sequencer therefore keeps a local high-water mark per address and serializes
// fetch-then-allocate so two concurrent operations from the same account never
// receive the same nonce.
package nonce

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/brojonat/satswap/service/metrics"
)

// Source reports the next nonce the network expects from an address.
// node.Client satisfies it.
type Source interface {
	GetNonce(ctx context.Context, address string) (uint64, error)
}

type account struct {
	mu   sync.Mutex
	next uint64
	ok   bool // next is populated
}

// Sequencer allocates nonces. It is safe for concurrent use.
type Sequencer struct {
	source  Source
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	accounts map[string]*account
}

// NewSequencer creates a Sequencer backed by source.
// If metrics is nil, no metrics will be recorded.
func NewSequencer(source Source, m *metrics.Metrics, logger *slog.Logger) *Sequencer {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Sequencer{
		source:   source,
		logger:   logger,
		metrics:  m,
		accounts: make(map[string]*account),
	}
}

// Allocate returns the next nonce for address.
func (s *Sequencer) Allocate(ctx context.Context, address string) (uint64, error) {
	chain, err := s.AllocateChain(ctx, address, 1)
	if err != nil {
		return 0, err
	}
	return chain[0], nil
}

// AllocateChain returns n consecutive nonces for a causally dependent chain
// of transactions. The block comes from a single network read; it is never
// refetched part way through.
func (s *Sequencer) AllocateChain(ctx context.Context, address string, n int) ([]uint64, error) {
	if n < 1 {
		return nil, fmt.Errorf("chain length must be positive, got %d", n)
	}

	acct := s.account(address)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	network, err := s.source.GetNonce(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch nonce for %s: %w", address, err)
	}

	start, source := network, "network"
	if acct.ok && acct.next > network {
		start, source = acct.next, "local"
	}

	chain := make([]uint64, n)
	for i := range chain {
		chain[i] = start + uint64(i)
	}
	acct.next = start + uint64(n)
	acct.ok = true

	if s.metrics != nil {
		s.metrics.RecordNonceAllocation(source, n)
	}
	s.logger.DebugContext(ctx, "allocated nonces",
		"address", address,
		"start", start,
		"count", n,
		"network_nonce", network,
		"source", source,
	)
	return chain, nil
}

// Release drops the local estimate for address so the next allocation uses
// the network's value. Call it after a rejected broadcast, or when a chain is
// abandoned before any of its transactions were sent.
func (s *Sequencer) Release(address string) {
	acct := s.account(address)
	acct.mu.Lock()
	acct.next, acct.ok = 0, false
	acct.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordNonceRelease()
	}
	s.logger.Debug("released nonce estimate", "address", address)
}

// Rewind hands back the unused tail of a block. If the local estimate is
// still end (nothing was allocated after the block), it moves back to from;
// otherwise the estimate is left alone and Rewind reports false.
func (s *Sequencer) Rewind(address string, from, end uint64) bool {
	acct := s.account(address)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	if !acct.ok || acct.next != end || from > end {
		return false
	}
	acct.next = from
	s.logger.Debug("rewound nonce estimate", "address", address, "next", from)
	return true
}

// Peek returns the local estimate for address without touching the network.
func (s *Sequencer) Peek(address string) (uint64, bool) {
	acct := s.account(address)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return acct.next, acct.ok
}

func (s *Sequencer) account(address string) *account {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[address]
	if !ok {
		acct = &account{}
		s.accounts[address] = acct
	}
	return acct
}
