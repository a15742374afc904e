package nats

import (
	"fmt"
	"time"

	"github.com/brojonat/satswap/service/db"
)

// Broadcast outcomes carried in BroadcastEvent.Status.
const (
	StatusAccepted    = "accepted"
	StatusRejected    = "rejected"
	StatusUnreachable = "unreachable"

	// Settlement outcomes, published by the confirmation workflow.
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
)

// BroadcastEvent describes one broadcast attempt.
// Accepted broadcasts go to "tx.submitted.{sender}", confirmed ones to
// "tx.confirmed.{sender}" and everything else to "tx.failed.{sender}".
type BroadcastEvent struct {
	TxID    string `json:"txid"`
	Network string `json:"network"`
	Sender  string `json:"sender"`
	Nonce   uint64 `json:"nonce"`
	Fee     uint64 `json:"fee"`

	PayloadKind string `json:"payload_kind"`
	Contract    string `json:"contract,omitempty"`
	Function    string `json:"function,omitempty"`

	// ChainID groups the transactions of one purchase.
	ChainID string `json:"chain_id,omitempty"`

	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`

	SubmittedAt time.Time `json:"submitted_at"`
	PublishedAt time.Time `json:"published_at"`
}

// Subject returns the subject the event is published on.
func (e *BroadcastEvent) Subject() string {
	switch e.Status {
	case StatusAccepted:
		return fmt.Sprintf("tx.submitted.%s", e.Sender)
	case StatusConfirmed:
		return fmt.Sprintf("tx.confirmed.%s", e.Sender)
	default:
		return fmt.Sprintf("tx.failed.%s", e.Sender)
	}
}

// FromDBBroadcast converts a journal row to an event for publishing.
func FromDBBroadcast(b *db.Broadcast) *BroadcastEvent {
	event := &BroadcastEvent{
		TxID:        b.TxID,
		Network:     b.Network,
		Sender:      b.Sender,
		Nonce:       b.Nonce,
		Fee:         b.Fee,
		PayloadKind: b.PayloadKind,
		Status:      b.Status,
		SubmittedAt: b.CreatedAt,
		PublishedAt: time.Now().UTC(),
	}
	if b.Function != nil {
		event.Function = *b.Function
	}
	if b.ChainID != nil {
		event.ChainID = *b.ChainID
	}
	if b.Reason != nil {
		event.Reason = *b.Reason
	}
	return event
}
