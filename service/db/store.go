package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/satswap/service/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a broadcast is not in the journal.
var ErrNotFound = errors.New("broadcast not found")

// Store is the broadcast journal. It records every broadcast attempt the
// marketplace makes, accepted or not, so operators can reconstruct what was
// sent under which nonce.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
// If metrics is nil, no metrics will be recorded.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{pool: pool, metrics: m}
}

// Broadcast is one journal row.
type Broadcast struct {
	TxID        string
	Network     string // "mainnet" or "testnet"
	Sender      string
	Nonce       uint64
	Fee         uint64
	PayloadKind string  // "contract-call" or "token-transfer"
	Function    *string // nil for token transfers
	ChainID     *string // purchase chain correlation id
	Status      string  // "accepted", "rejected" or "unreachable"
	Reason      *string
	CreatedAt   time.Time
}

// RecordBroadcastParams contains the parameters for recording a broadcast.
type RecordBroadcastParams struct {
	TxID        string
	Network     string
	Sender      string
	Nonce       uint64
	Fee         uint64
	PayloadKind string
	Function    *string
	ChainID     *string
	Status      string
	Reason      *string
}

// ListBySenderParams contains pagination parameters.
type ListBySenderParams struct {
	Sender  string
	Network string
	Limit   int32
	Offset  int32
}

const schema = `
CREATE TABLE IF NOT EXISTS broadcasts (
    txid         TEXT        NOT NULL,
    network      TEXT        NOT NULL,
    sender       TEXT        NOT NULL,
    nonce        BIGINT      NOT NULL,
    fee          BIGINT      NOT NULL,
    payload_kind TEXT        NOT NULL,
    function     TEXT,
    chain_id     TEXT,
    status       TEXT        NOT NULL,
    reason       TEXT,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (txid, network)
);
CREATE INDEX IF NOT EXISTS broadcasts_sender_idx ON broadcasts (sender, network, created_at DESC);
`

// EnsureSchema creates the broadcasts table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

const broadcastColumns = `txid, network, sender, nonce, fee, payload_kind, function, chain_id, status, reason, created_at`

// RecordBroadcast inserts a journal row. Re-recording the same txid (a
// resend after an unreachable node) updates its status and reason.
func (s *Store) RecordBroadcast(ctx context.Context, params RecordBroadcastParams) (*Broadcast, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `
INSERT INTO broadcasts (txid, network, sender, nonce, fee, payload_kind, function, chain_id, status, reason)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (txid, network) DO UPDATE SET status = EXCLUDED.status, reason = EXCLUDED.reason
RETURNING `+broadcastColumns,
		params.TxID,
		params.Network,
		params.Sender,
		int64(params.Nonce),
		int64(params.Fee),
		params.PayloadKind,
		pgtextFromStringPtr(params.Function),
		pgtextFromStringPtr(params.ChainID),
		params.Status,
		pgtextFromStringPtr(params.Reason),
	)
	b, err := scanBroadcast(row)
	s.record("insert", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to record broadcast %s: %w", params.TxID, err)
	}
	return b, nil
}

// UpdateBroadcastStatus sets the status of a journaled broadcast, e.g. to
// "confirmed" or "failed" once the chain has settled it. It returns
// ErrNotFound if the txid was never recorded.
func (s *Store) UpdateBroadcastStatus(ctx context.Context, txID, network, status string, reason *string) error {
	start := time.Now()
	tag, err := s.pool.Exec(ctx, `
UPDATE broadcasts SET status = $3, reason = $4
WHERE txid = $1 AND network = $2`,
		txID, network, status, pgtextFromStringPtr(reason))
	s.record("update", start, err)
	if err != nil {
		return fmt.Errorf("failed to update broadcast %s: %w", txID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetBroadcast retrieves a broadcast by txid and network.
func (s *Store) GetBroadcast(ctx context.Context, txID, network string) (*Broadcast, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `SELECT `+broadcastColumns+` FROM broadcasts WHERE txid = $1 AND network = $2`, txID, network)
	b, err := scanBroadcast(row)
	s.record("select", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get broadcast %s: %w", txID, err)
	}
	return b, nil
}

// ListBySender returns a sender's broadcasts, newest first.
func (s *Store) ListBySender(ctx context.Context, params ListBySenderParams) ([]*Broadcast, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}

	start := time.Now()
	rows, err := s.pool.Query(ctx, `
SELECT `+broadcastColumns+` FROM broadcasts
WHERE sender = $1 AND network = $2
ORDER BY created_at DESC, nonce DESC
LIMIT $3 OFFSET $4`,
		params.Sender, params.Network, limit, params.Offset)
	if err != nil {
		s.record("select", start, err)
		return nil, fmt.Errorf("failed to list broadcasts: %w", err)
	}
	defer rows.Close()

	var out []*Broadcast
	for rows.Next() {
		b, err := scanBroadcast(rows)
		if err != nil {
			s.record("select", start, err)
			return nil, fmt.Errorf("failed to scan broadcast: %w", err)
		}
		out = append(out, b)
	}
	err = rows.Err()
	s.record("select", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list broadcasts: %w", err)
	}
	return out, nil
}

func (s *Store) record(op string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.RecordDBQuery(op, "broadcasts", time.Since(start).Seconds(), err)
	}
}

func scanBroadcast(row pgx.Row) (*Broadcast, error) {
	var (
		b                         Broadcast
		nonce, fee                int64
		function, chainID, reason pgtype.Text
		createdAt                 pgtype.Timestamptz
	)
	err := row.Scan(&b.TxID, &b.Network, &b.Sender, &nonce, &fee, &b.PayloadKind,
		&function, &chainID, &b.Status, &reason, &createdAt)
	if err != nil {
		return nil, err
	}
	b.Nonce = uint64(nonce)
	b.Fee = uint64(fee)
	b.Function = stringPtrFromPgtext(function)
	b.ChainID = stringPtrFromPgtext(chainID)
	b.Reason = stringPtrFromPgtext(reason)
	b.CreatedAt = createdAt.Time
	return &b, nil
}

func pgtextFromStringPtr(s *string) pgtype.Text {
	if s == nil {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: *s, Valid: true}
}

func stringPtrFromPgtext(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	return &t.String
}
