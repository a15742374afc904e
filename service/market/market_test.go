package market

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brojonat/satswap/service/clarity"
	"github.com/brojonat/satswap/service/db"
	"github.com/brojonat/satswap/service/metrics"
	natspkg "github.com/brojonat/satswap/service/nats"
	"github.com/brojonat/satswap/service/node"
	"github.com/brojonat/satswap/service/nonce"
	"github.com/brojonat/satswap/service/signer"
	"github.com/brojonat/satswap/service/stacks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	contractID = "ST1QNFKCN58W3F1D9FQYSZGQKWG872KC6KYAV692X.marketplace"
	sellerAddr = "ST2J6ZY48GV1EZ5V2V5RB9MP66SW86PYKKQYAC0RQ"

	// Offset of the payload in a single-sig transaction with no post
	// conditions.
	payloadOffset = 115
)

type fakeNonceSource struct {
	nonce atomic.Uint64
}

func (f *fakeNonceSource) GetNonce(ctx context.Context, address string) (uint64, error) {
	return f.nonce.Load(), nil
}

// fakeBroadcaster records what it was sent. errs fails a broadcast by nonce.
type fakeBroadcaster struct {
	mu   sync.Mutex
	sent []*stacks.SignedTransaction
	errs map[uint64]error
}

func (f *fakeBroadcaster) Broadcast(ctx context.Context, tx *stacks.SignedTransaction) (*node.BroadcastResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	if err := f.errs[tx.Nonce()]; err != nil {
		return nil, err
	}
	return &node.BroadcastResult{TxID: tx.TxID(), Nonce: tx.Nonce()}, nil
}

func (f *fakeBroadcaster) nonces() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint64, len(f.sent))
	for i, tx := range f.sent {
		out[i] = tx.Nonce()
	}
	return out
}

// fakeReader answers get-count and get-listing from fixed values.
type fakeReader struct {
	count    clarity.Value
	listings map[uint64]clarity.Value
	errs     map[uint64]error
	calls    []string
	senders  []string
}

func (f *fakeReader) CallReadOnly(ctx context.Context, contract clarity.Principal, function, sender string, args ...clarity.Value) (clarity.Value, error) {
	f.calls = append(f.calls, function)
	f.senders = append(f.senders, sender)
	switch function {
	case FnGetCount:
		return f.count, nil
	case FnGetListing:
		id, _ := args[0].(clarity.UInt).Uint64()
		if err := f.errs[id]; err != nil {
			return nil, err
		}
		if v, ok := f.listings[id]; ok {
			return v, nil
		}
		return clarity.None(), nil
	}
	return nil, fmt.Errorf("unexpected function %s", function)
}

type fakeJournal struct {
	mu      sync.Mutex
	entries []db.RecordBroadcastParams
	err     error
}

func (f *fakeJournal) RecordBroadcast(ctx context.Context, params db.RecordBroadcastParams) (*db.Broadcast, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, params)
	if f.err != nil {
		return nil, f.err
	}
	return &db.Broadcast{TxID: params.TxID, Status: params.Status}, nil
}

type fixture struct {
	market      *Market
	local       *signer.Local
	source      *fakeNonceSource
	seq         *nonce.Sequencer
	broadcaster *fakeBroadcaster
	reader      *fakeReader
}

func newFixture(t *testing.T, delegate signer.Delegate, opts ...Option) *fixture {
	t.Helper()
	local, err := signer.GenerateLocal()
	require.NoError(t, err)
	if delegate == nil {
		delegate = local
	}
	sender, err := stacks.NewSender(local.PublicKey())
	require.NoError(t, err)

	f := &fixture{
		local:       local,
		source:      &fakeNonceSource{},
		broadcaster: &fakeBroadcaster{errs: map[uint64]error{}},
		reader:      &fakeReader{listings: map[uint64]clarity.Value{}, errs: map[uint64]error{}},
	}
	f.seq = nonce.NewSequencer(f.source, nil, nil)
	f.market = NewMarket(
		clarity.MustParsePrincipal(contractID),
		stacks.NewBuilder(stacks.Testnet),
		sender,
		delegate,
		f.seq,
		f.broadcaster,
		f.reader,
		nil,
		opts...,
	)
	return f
}

func listingValue(seller string, amount, price uint64, active bool) clarity.Value {
	return clarity.OkResponse(clarity.Some(clarity.NewTuple(map[string]clarity.Value{
		"seller": clarity.MustParsePrincipal(seller),
		"amount": clarity.NewUInt(amount),
		"price":  clarity.NewUInt(price),
		"active": clarity.Bool(active),
	})))
}

func TestCreateListing(t *testing.T) {
	f := newFixture(t, nil)
	f.source.nonce.Store(3)

	res, err := f.market.CreateListing(context.Background(), 100000, 5000000)
	require.NoError(t, err)
	require.Len(t, f.broadcaster.sent, 1)

	tx := f.broadcaster.sent[0]
	assert.Equal(t, uint64(3), tx.Nonce())
	assert.Equal(t, tx.TxID(), res.TxID)
	assert.Equal(t, uint64(3), res.Nonce)
	assert.Len(t, tx.Signature, 65)

	// Two uint arguments, amount then price.
	payload := tx.Unsigned.Payload
	args := append(binary.BigEndian.AppendUint32(nil, 2), clarity.MustEncode(clarity.NewUInt(100000))...)
	args = append(args, clarity.MustEncode(clarity.NewUInt(5000000))...)
	assert.True(t, bytes.HasSuffix(payload, args))
	assert.True(t, bytes.Contains(payload, append([]byte{byte(len(FnCreateListing))}, FnCreateListing...)))

	// The wire form carries the signature the delegate produced.
	raw := tx.Bytes()
	assert.Equal(t, tx.Signature[64], raw[44])
	assert.Equal(t, tx.Signature[:64], raw[45:109])
}

func TestContractCalls(t *testing.T) {
	tests := []struct {
		name     string
		function string
		run      func(m *Market) (*node.BroadcastResult, error)
		args     []clarity.Value
	}{
		{"cancel", FnCancelListing, func(m *Market) (*node.BroadcastResult, error) {
			return m.CancelListing(context.Background(), 4)
		}, []clarity.Value{clarity.NewUInt(4)}},
		{"reprice", FnUpdatePrice, func(m *Market) (*node.BroadcastResult, error) {
			return m.RepriceListing(context.Background(), 4, 6000000)
		}, []clarity.Value{clarity.NewUInt(4), clarity.NewUInt(6000000)}},
		{"mark sold", FnMarkSold, func(m *Market) (*node.BroadcastResult, error) {
			return m.MarkSold(context.Background(), 4)
		}, []clarity.Value{clarity.NewUInt(4)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			_, err := tt.run(f.market)
			require.NoError(t, err)
			require.Len(t, f.broadcaster.sent, 1)

			payload := f.broadcaster.sent[0].Unsigned.Payload
			want := binary.BigEndian.AppendUint32(nil, uint32(len(tt.args)))
			for _, a := range tt.args {
				want = append(want, clarity.MustEncode(a)...)
			}
			assert.True(t, bytes.HasSuffix(payload, want))
			assert.True(t, bytes.Contains(payload, []byte(tt.function)))
		})
	}
}

func TestCall_SequentialNonces(t *testing.T) {
	f := newFixture(t, nil)
	f.source.nonce.Store(10)
	ctx := context.Background()

	_, err := f.market.CancelListing(ctx, 1)
	require.NoError(t, err)
	_, err = f.market.CancelListing(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint64{10, 11}, f.broadcaster.nonces())
}

func TestCall_SigningDenied(t *testing.T) {
	deny := signer.Func(func(ctx context.Context, req signer.Request) ([]byte, error) {
		return nil, fmt.Errorf("%w: policy", signer.ErrDenied)
	})
	f := newFixture(t, deny, WithMetrics(metrics.NewMetrics(prometheus.NewRegistry())))
	f.source.nonce.Store(5)

	_, err := f.market.CreateListing(context.Background(), 1, 1)
	require.ErrorIs(t, err, signer.ErrDenied)
	assert.Empty(t, f.broadcaster.sent)

	next, ok := f.seq.Peek(f.market.SenderAddress())
	assert.True(t, ok)
	assert.Equal(t, uint64(5), next, "unused nonce handed back")
}

func TestCall_MalformedSignature(t *testing.T) {
	short := signer.Func(func(ctx context.Context, req signer.Request) ([]byte, error) {
		return make([]byte, 10), nil
	})
	f := newFixture(t, short)

	_, err := f.market.CreateListing(context.Background(), 1, 1)
	var se *stacks.SignatureError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, stacks.InvalidLength, se.Kind)
	assert.Empty(t, f.broadcaster.sent)
}

func TestCall_SixtyFourByteSignature(t *testing.T) {
	var local *signer.Local
	trim := signer.Func(func(ctx context.Context, req signer.Request) ([]byte, error) {
		sig, err := local.Sign(ctx, req)
		if err != nil {
			return nil, err
		}
		return sig[:64], nil
	})
	f := newFixture(t, trim, WithRecoveryPolicy(stacks.RecoverFromKey))
	local = f.local

	_, err := f.market.CreateListing(context.Background(), 1, 1)
	require.NoError(t, err)
	require.Len(t, f.broadcaster.sent, 1)

	want, err := f.local.Sign(context.Background(), signer.Request{Digest: f.broadcaster.sent[0].Unsigned.SigHash()})
	require.NoError(t, err)
	assert.Equal(t, want[64], f.broadcaster.sent[0].Signature[64])
}

func TestCall_BroadcastRejectedReleasesNonce(t *testing.T) {
	f := newFixture(t, nil)
	f.source.nonce.Store(2)
	f.broadcaster.errs[2] = &node.BroadcastError{Kind: node.Rejected, Reason: "BadNonce"}

	_, err := f.market.CreateListing(context.Background(), 1, 1)
	assert.True(t, node.IsRejected(err))

	_, ok := f.seq.Peek(f.market.SenderAddress())
	assert.False(t, ok)
}

func TestCall_BroadcastUnreachableReleasesNonce(t *testing.T) {
	f := newFixture(t, nil)
	f.source.nonce.Store(2)
	f.broadcaster.errs[2] = &node.BroadcastError{Kind: node.Unreachable, Err: errors.New("connection reset")}

	_, err := f.market.CreateListing(context.Background(), 1, 1)
	assert.True(t, node.IsUnreachable(err))

	// The node may have taken nonce 2 before the connection dropped, so the
	// next allocation asks the network again.
	_, ok := f.seq.Peek(f.market.SenderAddress())
	assert.False(t, ok)

	f.source.nonce.Store(3)
	res, err := f.market.CreateListing(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res.Nonce)
}

func TestPurchase_NonceOrder(t *testing.T) {
	var (
		mu     sync.Mutex
		signed []uint64
		local  *signer.Local
	)
	// Hold the transfer's signature back so mark-sold finishes signing first.
	slow := signer.Func(func(ctx context.Context, req signer.Request) ([]byte, error) {
		if stacks.PayloadKind(req.Transaction[payloadOffset]) == stacks.PayloadTransfer {
			time.Sleep(20 * time.Millisecond)
		}
		sig, err := local.Sign(ctx, req)
		mu.Lock()
		signed = append(signed, binary.BigEndian.Uint64(req.Transaction[27:35]))
		mu.Unlock()
		return sig, err
	})

	f := newFixture(t, slow)
	local = f.local
	f.source.nonce.Store(7)

	listing := ListingRecord{ID: 5, Seller: sellerAddr, AmountSats: 100000, PriceMicroUnits: 5000000, Active: true}
	res, err := f.market.Purchase(context.Background(), listing)
	require.NoError(t, err)

	assert.Equal(t, []uint64{8, 7}, signed, "signing order is not broadcast order")
	assert.Equal(t, []uint64{7, 8}, f.broadcaster.nonces())
	assert.NotEmpty(t, res.ChainID)
	require.NotNil(t, res.Transfer)
	require.NotNil(t, res.MarkSold)
	assert.Equal(t, uint64(7), res.Transfer.Nonce)
	assert.Equal(t, uint64(8), res.MarkSold.Nonce)

	transfer := f.broadcaster.sent[0].Unsigned
	assert.Equal(t, stacks.PayloadTransfer, transfer.PayloadKind)
	assert.True(t, bytes.Contains(transfer.Payload, clarity.MustEncode(clarity.MustParsePrincipal(sellerAddr))))
	assert.True(t, bytes.Contains(transfer.Payload, binary.BigEndian.AppendUint64(nil, 5000000)))
	assert.True(t, bytes.Contains(transfer.Payload, []byte("buy-5")))

	markSold := f.broadcaster.sent[1].Unsigned
	assert.Equal(t, stacks.PayloadContractCall, markSold.PayloadKind)
	assert.True(t, bytes.Contains(markSold.Payload, []byte(FnMarkSold)))
}

func TestPurchase_TransferFails(t *testing.T) {
	f := newFixture(t, nil)
	f.source.nonce.Store(7)
	f.broadcaster.errs[7] = &node.BroadcastError{Kind: node.Rejected, Reason: "NotEnoughFunds"}

	listing := ListingRecord{ID: 5, Seller: sellerAddr, PriceMicroUnits: 5000000, Active: true}
	res, err := f.market.Purchase(context.Background(), listing)
	require.Error(t, err)
	assert.True(t, node.IsRejected(err))
	assert.Nil(t, res.Transfer)
	assert.Nil(t, res.MarkSold)
	assert.Equal(t, []uint64{7}, f.broadcaster.nonces(), "mark-sold must not be sent")

	_, ok := f.seq.Peek(f.market.SenderAddress())
	assert.False(t, ok)
}

func TestPurchase_MarkSoldFails(t *testing.T) {
	f := newFixture(t, nil)
	f.source.nonce.Store(7)
	f.broadcaster.errs[8] = &node.BroadcastError{Kind: node.Rejected, Reason: "ConflictingNonceInMempool"}

	listing := ListingRecord{ID: 5, Seller: sellerAddr, PriceMicroUnits: 5000000, Active: true}
	res, err := f.market.Purchase(context.Background(), listing)
	require.Error(t, err)
	require.NotNil(t, res.Transfer)
	assert.Nil(t, res.MarkSold)

	// The transfer holds nonce 7; 8 is free again.
	next, ok := f.seq.Peek(f.market.SenderAddress())
	assert.True(t, ok)
	assert.Equal(t, uint64(8), next)
}

func TestPurchase_MarkSoldUnreachableKeepsEstimate(t *testing.T) {
	f := newFixture(t, nil)
	f.source.nonce.Store(7)
	f.broadcaster.errs[8] = &node.BroadcastError{Kind: node.Unreachable, Err: errors.New("connection reset")}

	listing := ListingRecord{ID: 5, Seller: sellerAddr, PriceMicroUnits: 5000000, Active: true}
	res, err := f.market.Purchase(context.Background(), listing)
	require.Error(t, err)
	assert.True(t, node.IsUnreachable(err))
	require.NotNil(t, res.Transfer)
	assert.Nil(t, res.MarkSold)

	next, ok := f.seq.Peek(f.market.SenderAddress())
	assert.True(t, ok)
	assert.Equal(t, uint64(9), next)
}

func TestPurchase_Inactive(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.market.Purchase(context.Background(), ListingRecord{ID: 1, Seller: sellerAddr, PriceMicroUnits: 1})
	assert.ErrorIs(t, err, ErrInactiveListing)
	assert.Empty(t, f.broadcaster.sent)
}

func TestPurchase_InvalidSeller(t *testing.T) {
	f := newFixture(t, nil)
	f.source.nonce.Store(1)
	_, err := f.market.Purchase(context.Background(), ListingRecord{ID: 1, Seller: "not-an-address", PriceMicroUnits: 1, Active: true})
	assert.True(t, stacks.IsBuildError(err, stacks.InvalidPrincipal))

	next, ok := f.seq.Peek(f.market.SenderAddress())
	assert.True(t, ok)
	assert.Equal(t, uint64(1), next)
}

func TestObservers(t *testing.T) {
	journal := &fakeJournal{}
	pub := natspkg.NewMockPublisher()
	f := newFixture(t, nil, WithJournal(journal), WithEventPublisher(pub))
	f.source.nonce.Store(7)

	listing := ListingRecord{ID: 5, Seller: sellerAddr, PriceMicroUnits: 5000000, Active: true}
	res, err := f.market.Purchase(context.Background(), listing)
	require.NoError(t, err)

	require.Len(t, journal.entries, 2)
	assert.Equal(t, "token-transfer", journal.entries[0].PayloadKind)
	assert.Nil(t, journal.entries[0].Function)
	require.NotNil(t, journal.entries[1].Function)
	assert.Equal(t, FnMarkSold, *journal.entries[1].Function)
	for _, e := range journal.entries {
		require.NotNil(t, e.ChainID)
		assert.Equal(t, res.ChainID, *e.ChainID)
		assert.Equal(t, natspkg.StatusAccepted, e.Status)
		assert.Equal(t, "testnet", e.Network)
	}

	events := pub.GetPublishedEventsForSubject("tx.submitted." + f.market.SenderAddress())
	require.Len(t, events, 2)
	assert.Equal(t, res.Transfer.TxID, events[0].TxID)
	assert.Equal(t, contractID, events[1].Contract)
}

func TestObservers_FailuresDoNotFailBroadcast(t *testing.T) {
	journal := &fakeJournal{err: errors.New("db down")}
	pub := natspkg.NewMockPublisher()
	pub.SetPublishError(errors.New("nats down"))
	f := newFixture(t, nil, WithJournal(journal), WithEventPublisher(pub))

	_, err := f.market.CreateListing(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Len(t, journal.entries, 1)
}

func TestObservers_RecordsRejection(t *testing.T) {
	pub := natspkg.NewMockPublisher()
	f := newFixture(t, nil, WithEventPublisher(pub))
	f.broadcaster.errs[0] = &node.BroadcastError{Kind: node.Rejected, Reason: "BadNonce"}

	_, err := f.market.CreateListing(context.Background(), 1, 1)
	require.Error(t, err)

	events := pub.GetPublishedEventsForSubject("tx.failed." + f.market.SenderAddress())
	require.Len(t, events, 1)
	assert.Equal(t, natspkg.StatusRejected, events[0].Status)
	assert.Equal(t, "BadNonce", events[0].Reason)
}

func TestFetchListing(t *testing.T) {
	f := newFixture(t, nil)
	f.reader.listings[1] = listingValue(sellerAddr, 100000, 5000000, true)

	got, err := f.market.FetchListing(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ListingRecord{ID: 1, Seller: sellerAddr, AmountSats: 100000, PriceMicroUnits: 5000000, Active: true}, *got)

	got, err = f.market.FetchListing(context.Background(), 2)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFetchListing_WrongShape(t *testing.T) {
	f := newFixture(t, nil)
	f.reader.listings[1] = clarity.Some(clarity.NewTuple(map[string]clarity.Value{
		"seller": clarity.MustParsePrincipal(sellerAddr),
		"amount": clarity.Bool(true),
		"price":  clarity.NewUInt(1),
		"active": clarity.Bool(true),
	}))

	_, err := f.market.FetchListing(context.Background(), 1)
	assert.True(t, clarity.IsProjectionError(err, clarity.TypeMismatch))
}

func TestFetchListingCount(t *testing.T) {
	f := newFixture(t, nil)
	f.reader.count = clarity.OkResponse(clarity.NewUInt(12))

	n, err := f.market.FetchListingCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(12), n)

	f.reader.count = clarity.Bool(true)
	_, err = f.market.FetchListingCount(context.Background())
	assert.True(t, clarity.IsProjectionError(err, clarity.TypeMismatch))
}

func TestFetchAll_HugeCount(t *testing.T) {
	f := newFixture(t, nil)
	f.reader.count = clarity.NewUInt(1 << 60)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var (
		listings []ListingRecord
		err      error
	)
	require.NotPanics(t, func() {
		listings, err = f.market.FetchAll(ctx)
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, listings)
}

func TestFetchAll_SkipsBadRecords(t *testing.T) {
	f := newFixture(t, nil, WithMetrics(metrics.NewMetrics(prometheus.NewRegistry())))
	f.reader.count = clarity.NewUInt(5)
	f.reader.listings[1] = listingValue(sellerAddr, 1, 10, true)
	f.reader.listings[2] = clarity.Some(clarity.NewTuple(map[string]clarity.Value{"seller": clarity.MustParsePrincipal(sellerAddr)}))
	f.reader.errs[3] = errors.New("node hiccup")
	// 4 is none
	f.reader.listings[5] = listingValue(sellerAddr, 2, 20, false)

	got, err := f.market.FetchAll(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(1), got[0].ID)
	assert.Equal(t, uint64(5), got[1].ID)
	assert.False(t, got[1].Active, "filtering inactive listings is up to the caller")
}

func TestFetchAll_Empty(t *testing.T) {
	f := newFixture(t, nil)
	f.reader.count = clarity.NewUInt(0)

	got, err := f.market.FetchAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, []string{FnGetCount}, f.reader.calls)
}

func TestReadOnlyMarket(t *testing.T) {
	reader := &fakeReader{
		count:    clarity.NewUInt(1),
		listings: map[uint64]clarity.Value{1: listingValue(sellerAddr, 100000, 5000000, true)},
		errs:     map[uint64]error{},
	}
	m := NewReadOnlyMarket(clarity.MustParsePrincipal(contractID), stacks.Testnet, reader, nil)
	assert.True(t, m.ReadOnly())
	assert.Empty(t, m.SenderAddress())

	listings, err := m.FetchAll(context.Background())
	require.NoError(t, err)
	require.Len(t, listings, 1)
	for _, s := range reader.senders {
		assert.Equal(t, "ST1QNFKCN58W3F1D9FQYSZGQKWG872KC6KYAV692X", s)
	}

	_, err = m.CreateListing(context.Background(), 1, 1)
	assert.ErrorIs(t, err, ErrReadOnly)
	_, err = m.Purchase(context.Background(), listings[0])
	assert.ErrorIs(t, err, ErrReadOnly)
}
