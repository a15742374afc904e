package node

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/brojonat/satswap/service/clarity"
)

// AccountInfo is the node's view of an account.
type AccountInfo struct {
	Nonce   uint64 `json:"nonce"`
	Balance string `json:"balance"` // hex µSTX
	Locked  string `json:"locked,omitempty"`
}

// ReadOnlyResult is the envelope returned by a read-only contract call.
type ReadOnlyResult struct {
	Okay   bool   `json:"okay"`
	Result string `json:"result,omitempty"` // hex clarity value
	Cause  string `json:"cause,omitempty"`
}

// TxResult is the decoded return value of a mined transaction.
type TxResult struct {
	Hex  string `json:"hex"`
	Repr string `json:"repr"`
}

// TxInfo is the indexer's record of a transaction.
type TxInfo struct {
	TxID     string    `json:"tx_id"`
	TxStatus string    `json:"tx_status"`
	TxResult *TxResult `json:"tx_result,omitempty"`
	Nonce    uint64    `json:"nonce"`
}

// Rejection is the body of a 400 from the broadcast endpoint.
type Rejection struct {
	Error      string          `json:"error"`
	Reason     string          `json:"reason"`
	ReasonData json.RawMessage `json:"reason_data,omitempty"`
	TxID       string          `json:"txid"`
}

// TxState is the confirmation state of a transaction.
type TxState string

const (
	Pending   TxState = "pending"
	Confirmed TxState = "confirmed"
	Failed    TxState = "failed"
)

// Status is what CheckStatus reports.
type Status struct {
	TxID   string
	State  TxState
	Detail string // raw node status, e.g. "abort_by_response"

	// Result is the decoded transaction result once mined, when the node
	// reports one.
	Result clarity.Value
}

// ErrNotFound is returned by RPCClient.GetTransaction when the indexer has
// no record of the transaction yet.
var ErrNotFound = errors.New("not found")

// HTTPError is a non-success response from the node.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("node returned status %d: %s", e.StatusCode, e.Body)
}

// RejectionError wraps a structured broadcast rejection.
type RejectionError struct {
	Rejection Rejection
}

func (e *RejectionError) Error() string {
	if e.Rejection.Reason != "" {
		return fmt.Sprintf("transaction rejected: %s", e.Rejection.Reason)
	}
	return fmt.Sprintf("transaction rejected: %s", e.Rejection.Error)
}

// BroadcastErrorKind classifies a broadcast failure.
type BroadcastErrorKind int

const (
	// Rejected means the node answered and refused the transaction. It is
	// usually permanent (bad nonce, insufficient funds); resending the same
	// bytes will not help.
	Rejected BroadcastErrorKind = iota + 1
	// Unreachable means no answer came back. It is transient.
	Unreachable
)

func (k BroadcastErrorKind) String() string {
	switch k {
	case Rejected:
		return "rejected"
	case Unreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// BroadcastError is the only error type Broadcast returns.
type BroadcastError struct {
	Kind   BroadcastErrorKind
	TxID   string
	Reason string
	Err    error
}

func (e *BroadcastError) Error() string {
	if e.Kind == Rejected {
		return fmt.Sprintf("broadcast %s rejected: %s", e.TxID, e.Reason)
	}
	return fmt.Sprintf("broadcast %s: node unreachable: %v", e.TxID, e.Err)
}

func (e *BroadcastError) Unwrap() error { return e.Err }

// IsRejected reports whether err is a Rejected broadcast.
func IsRejected(err error) bool {
	var be *BroadcastError
	return errors.As(err, &be) && be.Kind == Rejected
}

// IsUnreachable reports whether err is an Unreachable broadcast.
func IsUnreachable(err error) bool {
	var be *BroadcastError
	return errors.As(err, &be) && be.Kind == Unreachable
}

// ReadOnlyError is a read-only call the node evaluated and reported as not
// okay (the function does not exist, a runtime error, ...).
type ReadOnlyError struct {
	Function string
	Cause    string
}

func (e *ReadOnlyError) Error() string {
	return fmt.Sprintf("read-only call %s failed: %s", e.Function, e.Cause)
}

// BroadcastResult identifies an accepted transaction.
type BroadcastResult struct {
	TxID  string
	Nonce uint64
}
