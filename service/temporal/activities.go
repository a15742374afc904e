package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/satswap/service/db"
	"github.com/brojonat/satswap/service/metrics"
	natspkg "github.com/brojonat/satswap/service/nats"
	"github.com/brojonat/satswap/service/node"
)

// CheckStatusInput contains parameters for the CheckTransactionStatus activity.
type CheckStatusInput struct {
	TxID string `json:"txid"`
}

// CheckStatusResult is a serializable view of node.Status.
type CheckStatusResult struct {
	TxID   string `json:"txid"`
	State  string `json:"state"`  // "pending", "confirmed" or "failed"
	Detail string `json:"detail"` // raw node status
}

// Settled reports whether the transaction reached a final state.
func (r *CheckStatusResult) Settled() bool {
	return r.State == string(node.Confirmed) || r.State == string(node.Failed)
}

// RecordOutcomeInput contains parameters for the RecordOutcome activity.
type RecordOutcomeInput struct {
	TxID    string `json:"txid"`
	Network string `json:"network"`
	Sender  string `json:"sender,omitempty"`
	State   string `json:"state"`
	Detail  string `json:"detail"`
}

// StatusReader defines the node lookup needed by activities.
// This allows for easy mocking in tests.
type StatusReader interface {
	CheckStatus(ctx context.Context, txID string) (node.Status, error)
}

// JournalInterface defines the journal operations needed by activities.
// This allows for easy mocking in tests.
type JournalInterface interface {
	UpdateBroadcastStatus(ctx context.Context, txID, network, status string, reason *string) error
	GetBroadcast(ctx context.Context, txID, network string) (*db.Broadcast, error)
}

// PublisherInterface defines the NATS publishing operations needed by activities.
// This allows for easy mocking in tests.
type PublisherInterface interface {
	PublishBroadcast(ctx context.Context, event *natspkg.BroadcastEvent) error
}

var (
	_ StatusReader       = (*node.Client)(nil)
	_ JournalInterface   = (*db.Store)(nil)
	_ PublisherInterface = (*natspkg.JetStreamPublisher)(nil)
)

// Activities holds the dependencies needed by Temporal activities.
// Journal and publisher are optional.
type Activities struct {
	statuses  StatusReader
	journal   JournalInterface
	publisher PublisherInterface
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If metrics is nil, no metrics will be recorded.
func NewActivities(
	statuses StatusReader,
	journal JournalInterface,
	publisher PublisherInterface,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		statuses:  statuses,
		journal:   journal,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
	}
}

// CheckTransactionStatus makes one status lookup against the node.
func (a *Activities) CheckTransactionStatus(ctx context.Context, input CheckStatusInput) (*CheckStatusResult, error) {
	if input.TxID == "" {
		return nil, fmt.Errorf("txid is required")
	}

	st, err := a.statuses.CheckStatus(ctx, input.TxID)
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to check transaction status",
			"txid", input.TxID,
			"error", err,
		)
		return nil, fmt.Errorf("failed to check transaction status: %w", err)
	}

	if a.metrics != nil {
		a.metrics.RecordConfirmationPoll(string(st.State))
	}

	a.logger.DebugContext(ctx, "checked transaction status",
		"txid", st.TxID,
		"state", st.State,
		"detail", st.Detail,
	)

	return &CheckStatusResult{
		TxID:   st.TxID,
		State:  string(st.State),
		Detail: st.Detail,
	}, nil
}

// RecordOutcome writes a settled state to the journal and publishes it.
// A txid the journal never saw is not an error: the transaction may have
// been sent by another process. Publishing is best-effort.
func (a *Activities) RecordOutcome(ctx context.Context, input RecordOutcomeInput) error {
	var row *db.Broadcast

	if a.journal != nil {
		var reason *string
		if input.Detail != "" {
			reason = &input.Detail
		}
		err := a.journal.UpdateBroadcastStatus(ctx, input.TxID, input.Network, input.State, reason)
		switch {
		case errors.Is(err, db.ErrNotFound):
			a.logger.DebugContext(ctx, "transaction not in journal", "txid", input.TxID)
		case err != nil:
			return fmt.Errorf("failed to record outcome: %w", err)
		default:
			row, err = a.journal.GetBroadcast(ctx, input.TxID, input.Network)
			if err != nil {
				a.logger.WarnContext(ctx, "failed to reload broadcast", "txid", input.TxID, "error", err)
				row = nil
			}
		}
	}

	if a.publisher == nil {
		return nil
	}

	var event *natspkg.BroadcastEvent
	if row != nil {
		event = natspkg.FromDBBroadcast(row)
	} else {
		event = &natspkg.BroadcastEvent{
			TxID:        input.TxID,
			Network:     input.Network,
			Sender:      input.Sender,
			Status:      input.State,
			Reason:      input.Detail,
			PublishedAt: time.Now().UTC(),
		}
	}
	if err := a.publisher.PublishBroadcast(ctx, event); err != nil {
		a.logger.ErrorContext(ctx, "failed to publish outcome",
			"txid", input.TxID,
			"state", input.State,
			"error", err,
		)
	}
	return nil
}
