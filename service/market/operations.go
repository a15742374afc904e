package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/satswap/service/clarity"
	"github.com/brojonat/satswap/service/db"
	natspkg "github.com/brojonat/satswap/service/nats"
	"github.com/brojonat/satswap/service/node"
	"github.com/brojonat/satswap/service/signer"
	"github.com/brojonat/satswap/service/stacks"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ErrInactiveListing is returned by Purchase for a listing that is sold or
// cancelled.
var ErrInactiveListing = errors.New("listing is not active")

// ErrReadOnly is returned by operations that need a signature when the
// market was built without a signing identity.
var ErrReadOnly = errors.New("market is read-only")

// PurchaseResult reports both steps of a purchase. MarkSold is nil when the
// transfer failed and the second step was never sent.
type PurchaseResult struct {
	ChainID  string
	Transfer *node.BroadcastResult
	MarkSold *node.BroadcastResult
}

// CreateListing offers amountSats for priceMicroUnits.
func (m *Market) CreateListing(ctx context.Context, amountSats, priceMicroUnits uint64) (*node.BroadcastResult, error) {
	return m.call(ctx, FnCreateListing, clarity.NewUInt(amountSats), clarity.NewUInt(priceMicroUnits))
}

// CancelListing withdraws a listing.
func (m *Market) CancelListing(ctx context.Context, id uint64) (*node.BroadcastResult, error) {
	return m.call(ctx, FnCancelListing, clarity.NewUInt(id))
}

// RepriceListing changes a listing's price.
func (m *Market) RepriceListing(ctx context.Context, id, newPriceMicroUnits uint64) (*node.BroadcastResult, error) {
	return m.call(ctx, FnUpdatePrice, clarity.NewUInt(id), clarity.NewUInt(newPriceMicroUnits))
}

// MarkSold flags a listing as sold.
func (m *Market) MarkSold(ctx context.Context, id uint64) (*node.BroadcastResult, error) {
	return m.call(ctx, FnMarkSold, clarity.NewUInt(id))
}

func (m *Market) call(ctx context.Context, function string, args ...clarity.Value) (*node.BroadcastResult, error) {
	if m.ReadOnly() {
		return nil, fmt.Errorf("failed to call %s: %w", function, ErrReadOnly)
	}
	addr := m.SenderAddress()
	nonce, err := m.nonces.Allocate(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate nonce: %w", err)
	}

	tx, err := m.buildCall(function, nonce, args...)
	if err != nil {
		m.nonces.Rewind(addr, nonce, nonce+1)
		return nil, err
	}
	signed, err := m.sign(ctx, tx)
	if err != nil {
		m.nonces.Rewind(addr, nonce, nonce+1)
		return nil, err
	}

	res, err := m.broadcast(ctx, signed, function, "")
	if err != nil {
		m.settleNonces(addr, err)
		return nil, err
	}
	return res, nil
}

// Purchase pays the seller and then marks the listing sold. Both
// transactions come from one two-nonce block: the transfer takes the first,
// mark-sold the second. They are signed concurrently but broadcast in nonce
// order, and mark-sold is not sent if the transfer fails.
func (m *Market) Purchase(ctx context.Context, listing ListingRecord) (*PurchaseResult, error) {
	if m.ReadOnly() {
		return nil, fmt.Errorf("failed to purchase listing %d: %w", listing.ID, ErrReadOnly)
	}
	if !listing.Active {
		return nil, fmt.Errorf("failed to purchase listing %d: %w", listing.ID, ErrInactiveListing)
	}

	chainID := uuid.NewString()
	result := &PurchaseResult{ChainID: chainID}
	logger := m.logger.With("chain_id", chainID, "listing_id", listing.ID)
	addr := m.SenderAddress()

	chain, err := m.nonces.AllocateChain(ctx, addr, 2)
	if err != nil {
		m.recordPurchase("nonce_error")
		return result, fmt.Errorf("failed to allocate nonces: %w", err)
	}
	end := chain[1] + 1
	logger.InfoContext(ctx, "starting purchase", "transfer_nonce", chain[0], "mark_sold_nonce", chain[1])

	transfer, err := m.builder.BuildTransfer(stacks.TransferParams{
		Sender:    m.sender,
		Recipient: listing.Seller,
		Amount:    listing.PriceMicroUnits,
		Memo:      fmt.Sprintf("buy-%d", listing.ID),
		Nonce:     chain[0],
	})
	if err != nil {
		m.nonces.Rewind(addr, chain[0], end)
		m.recordPurchase("build_error")
		return result, fmt.Errorf("failed to build transfer: %w", err)
	}
	markSold, err := m.buildCall(FnMarkSold, chain[1], clarity.NewUInt(listing.ID))
	if err != nil {
		m.nonces.Rewind(addr, chain[0], end)
		m.recordPurchase("build_error")
		return result, err
	}

	var signedTransfer, signedMarkSold *stacks.SignedTransaction
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		signedTransfer, err = m.sign(gctx, transfer)
		return err
	})
	g.Go(func() error {
		var err error
		signedMarkSold, err = m.sign(gctx, markSold)
		return err
	})
	if err := g.Wait(); err != nil {
		m.nonces.Rewind(addr, chain[0], end)
		m.recordPurchase("signing_error")
		return result, err
	}

	result.Transfer, err = m.broadcast(ctx, signedTransfer, "", chainID)
	if err != nil {
		// Nothing from the chain is in flight.
		m.settleNonces(addr, err)
		m.recordPurchase("transfer_failed")
		return result, fmt.Errorf("failed to pay seller: %w", err)
	}

	result.MarkSold, err = m.broadcast(ctx, signedMarkSold, FnMarkSold, chainID)
	if err != nil {
		// The transfer is in flight under chain[0]. A rejected mark-sold
		// did not consume chain[1], so it is handed back. An unreachable one
		// may have been accepted, so the estimate stays past it.
		if node.IsRejected(err) {
			m.nonces.Rewind(addr, chain[1], end)
		}
		m.recordPurchase("mark_sold_failed")
		logger.ErrorContext(ctx, "seller paid but listing not marked sold",
			"transfer_txid", result.Transfer.TxID,
			"error", err,
		)
		return result, fmt.Errorf("failed to mark listing %d sold: %w", listing.ID, err)
	}

	m.recordPurchase("success")
	logger.InfoContext(ctx, "purchase broadcast",
		"transfer_txid", result.Transfer.TxID,
		"mark_sold_txid", result.MarkSold.TxID,
	)
	return result, nil
}

func (m *Market) buildCall(function string, nonce uint64, args ...clarity.Value) (*stacks.UnsignedTransaction, error) {
	tx, err := m.builder.BuildContractCall(stacks.ContractCallParams{
		ContractAddress: m.contract.Address(),
		ContractName:    m.contract.ContractName,
		FunctionName:    function,
		Args:            args,
		Sender:          m.sender,
		Nonce:           nonce,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build %s: %w", function, err)
	}
	return tx, nil
}

// sign delegates the presign digest and attaches the normalized signature.
// Signatures are never logged.
func (m *Market) sign(ctx context.Context, tx *stacks.UnsignedTransaction) (*stacks.SignedTransaction, error) {
	start := time.Now()
	raw, err := m.delegate.Sign(ctx, signer.Request{
		Digest:      tx.SigHash(),
		Transaction: tx.Serialize(),
		PublicKey:   m.sender.PublicKey,
	})
	if err != nil {
		m.recordSigning(signingStatus(err), start)
		return nil, fmt.Errorf("failed to sign transaction with nonce %d: %w", tx.Nonce, err)
	}

	sig, err := stacks.NormalizeFor(tx, raw, m.recovery)
	if err != nil {
		m.recordSigning("malformed", start)
		return nil, fmt.Errorf("failed to normalize signature: %w", err)
	}
	signed, err := stacks.Attach(tx, sig)
	if err != nil {
		m.recordSigning("error", start)
		return nil, fmt.Errorf("failed to attach signature: %w", err)
	}
	m.recordSigning("success", start)
	m.logger.DebugContext(ctx, "transaction signed", "txid", signed.TxID(), "nonce", tx.Nonce, "raw_length", len(raw))
	return signed, nil
}

func (m *Market) broadcast(ctx context.Context, tx *stacks.SignedTransaction, function, chainID string) (*node.BroadcastResult, error) {
	res, err := m.broadcaster.Broadcast(ctx, tx)

	status, reason := natspkg.StatusAccepted, ""
	var berr *node.BroadcastError
	switch {
	case err == nil:
	case errors.As(err, &berr):
		status, reason = berr.Kind.String(), berr.Reason
	default:
		status, reason = natspkg.StatusUnreachable, err.Error()
	}
	m.observe(ctx, tx, function, chainID, status, reason)

	if err != nil {
		return nil, err
	}
	return res, nil
}

// settleNonces drops the nonce estimate after the first transaction of a
// block fails to broadcast. A rejection may mean the estimate itself is
// wrong, and an unreachable node may still have accepted the transaction, so
// in both cases the next allocation goes back to the network.
func (m *Market) settleNonces(addr string, err error) {
	m.nonces.Release(addr)
	m.logger.Debug("dropped nonce estimate after failed broadcast",
		"address", addr,
		"rejected", node.IsRejected(err),
	)
}

// observe reports a broadcast attempt to the journal and event stream. Their
// failures are logged, never returned: the transaction is already out.
func (m *Market) observe(ctx context.Context, tx *stacks.SignedTransaction, function, chainID, status, reason string) {
	if m.journal == nil && m.publisher == nil {
		return
	}

	network := m.builder.Network().Name
	sender := m.SenderAddress()
	kind := tx.Unsigned.PayloadKind.String()

	if m.journal != nil {
		params := db.RecordBroadcastParams{
			TxID:        tx.TxID(),
			Network:     network,
			Sender:      sender,
			Nonce:       tx.Nonce(),
			Fee:         tx.Unsigned.Fee,
			PayloadKind: kind,
			Status:      status,
		}
		if function != "" {
			params.Function = &function
		}
		if chainID != "" {
			params.ChainID = &chainID
		}
		if reason != "" {
			params.Reason = &reason
		}
		if _, err := m.journal.RecordBroadcast(ctx, params); err != nil {
			m.logger.WarnContext(ctx, "failed to journal broadcast", "txid", tx.TxID(), "error", err)
		}
	}

	if m.publisher != nil {
		event := &natspkg.BroadcastEvent{
			TxID:        tx.TxID(),
			Network:     network,
			Sender:      sender,
			Nonce:       tx.Nonce(),
			Fee:         tx.Unsigned.Fee,
			PayloadKind: kind,
			Function:    function,
			ChainID:     chainID,
			Status:      status,
			Reason:      reason,
			SubmittedAt: time.Now().UTC(),
		}
		if function != "" {
			event.Contract = m.contract.String()
		}
		if err := m.publisher.PublishBroadcast(ctx, event); err != nil {
			m.logger.WarnContext(ctx, "failed to publish broadcast event", "txid", tx.TxID(), "error", err)
		}
	}
}

func signingStatus(err error) string {
	switch {
	case errors.Is(err, signer.ErrDenied):
		return "denied"
	case errors.Is(err, signer.ErrTimeout):
		return "timeout"
	case errors.Is(err, signer.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}

func (m *Market) recordSigning(status string, start time.Time) {
	if m.metrics != nil {
		m.metrics.RecordSigning(status, time.Since(start).Seconds())
	}
}

func (m *Market) recordPurchase(result string) {
	if m.metrics != nil {
		m.metrics.RecordPurchase(result)
	}
}
