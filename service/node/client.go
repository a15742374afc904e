package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/brojonat/satswap/service/clarity"
	"github.com/brojonat/satswap/service/metrics"
	"github.com/brojonat/satswap/service/stacks"
	"golang.org/x/time/rate"
)

// Broadcaster submits signed transactions.
type Broadcaster interface {
	Broadcast(ctx context.Context, tx *stacks.SignedTransaction) (*BroadcastResult, error)
}

// StatusReader looks up confirmation status by transaction id.
type StatusReader interface {
	CheckStatus(ctx context.Context, txID string) (Status, error)
}

var (
	_ Broadcaster  = (*Client)(nil)
	_ StatusReader = (*Client)(nil)
)

// Client wraps an RPCClient with typed decoding, pacing, read retries and
// metrics.
type Client struct {
	rpc      RPCClient
	logger   *slog.Logger
	metrics  *metrics.Metrics
	endpoint string // endpoint identifier for metrics (e.g., "testnet", node host)

	limiter     *rate.Limiter
	maxAttempts int
	backoff     time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithRateLimit paces all node calls to rps requests per second.
// Zero disables pacing.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithRetry sets how many times reads are attempted on a 429 and the base
// of the exponential backoff between attempts.
func WithRetry(maxAttempts int, backoff time.Duration) Option {
	return func(c *Client) {
		if maxAttempts < 1 {
			maxAttempts = 1
		}
		c.maxAttempts = maxAttempts
		c.backoff = backoff
	}
}

// NewClient creates a new node client.
// The endpoint parameter is used for metrics labeling.
// If metrics is nil, no metrics will be recorded.
func NewClient(rpcClient RPCClient, endpoint string, m *metrics.Metrics, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	c := &Client{
		rpc:         rpcClient,
		logger:      logger,
		metrics:     m,
		endpoint:    endpoint,
		maxAttempts: 3,
		backoff:     2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetNonce returns the next nonce the network expects from address.
func (c *Client) GetNonce(ctx context.Context, address string) (uint64, error) {
	var info *AccountInfo
	err := c.read(ctx, "GetAccount", func() error {
		var err error
		info, err = c.rpc.GetAccount(ctx, address)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get account %s: %w", address, err)
	}
	c.logger.DebugContext(ctx, "fetched account nonce", "address", address, "nonce", info.Nonce)
	return info.Nonce, nil
}

// GetAccount returns the account's nonce and balance.
func (c *Client) GetAccount(ctx context.Context, address string) (*AccountInfo, error) {
	var info *AccountInfo
	err := c.read(ctx, "GetAccount", func() error {
		var err error
		info, err = c.rpc.GetAccount(ctx, address)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get account %s: %w", address, err)
	}
	return info, nil
}

// CallReadOnly evaluates a read-only function and decodes its result.
// The result is returned as the node reports it, which is often a
// (ok ...) or (optional ...) wrapper; see clarity.UnwrapResponse.
func (c *Client) CallReadOnly(ctx context.Context, contract clarity.Principal, function, sender string, args ...clarity.Value) (clarity.Value, error) {
	hexArgs := make([]string, len(args))
	for i, arg := range args {
		h, err := clarity.EncodeHex(arg)
		if err != nil {
			return nil, fmt.Errorf("failed to encode argument %d: %w", i, err)
		}
		hexArgs[i] = h
	}
	if sender == "" {
		sender = contract.Address()
	}

	var res *ReadOnlyResult
	err := c.read(ctx, "CallReadOnly", func() error {
		var err error
		res, err = c.rpc.CallReadOnly(ctx, contract.Address(), contract.ContractName, function, sender, hexArgs)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to call %s.%s: %w", contract, function, err)
	}
	if !res.Okay {
		return nil, &ReadOnlyError{Function: function, Cause: res.Cause}
	}

	v, err := clarity.DecodeHex(res.Result)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s result: %w", function, err)
	}
	return v, nil
}

// Broadcast submits a signed transaction. It never retries: a resend of an
// accepted transaction must be a caller decision. Failures are always a
// *BroadcastError.
func (c *Client) Broadcast(ctx context.Context, tx *stacks.SignedTransaction) (*BroadcastResult, error) {
	localID := tx.TxID()
	payload := tx.Unsigned.PayloadKind.String()

	if err := c.wait(ctx); err != nil {
		return nil, &BroadcastError{Kind: Unreachable, TxID: localID, Err: err}
	}

	start := time.Now()
	txid, err := c.rpc.PostTransaction(ctx, tx.Bytes())
	c.recordCall("PostTransaction", err, time.Since(start))

	if err != nil {
		berr := classifyBroadcast(localID, err)
		if c.metrics != nil {
			c.metrics.RecordBroadcast(payload, berr.Kind.String())
		}
		c.logger.WarnContext(ctx, "broadcast failed",
			"txid", localID,
			"nonce", tx.Nonce(),
			"kind", berr.Kind.String(),
			"reason", berr.Reason,
			"error", berr.Err,
		)
		return nil, berr
	}

	if c.metrics != nil {
		c.metrics.RecordBroadcast(payload, "accepted")
	}
	if txid == "" {
		txid = localID
	}
	if txid != localID {
		c.logger.WarnContext(ctx, "node reported a different txid", "local", localID, "node", txid)
	}
	c.logger.InfoContext(ctx, "transaction broadcast",
		"txid", txid,
		"nonce", tx.Nonce(),
		"payload", payload,
	)
	return &BroadcastResult{TxID: txid, Nonce: tx.Nonce()}, nil
}

func classifyBroadcast(txid string, err error) *BroadcastError {
	var rej *RejectionError
	if errors.As(err, &rej) {
		reason := rej.Rejection.Reason
		if reason == "" {
			reason = rej.Rejection.Error
		}
		return &BroadcastError{Kind: Rejected, TxID: txid, Reason: reason, Err: err}
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return &BroadcastError{Kind: Rejected, TxID: txid, Reason: fmt.Sprintf("status %d: %s", httpErr.StatusCode, httpErr.Body), Err: err}
	}
	return &BroadcastError{Kind: Unreachable, TxID: txid, Err: err}
}

// CheckStatus reports whether a transaction is pending, confirmed or failed.
// A transaction the indexer has not seen yet is pending.
func (c *Client) CheckStatus(ctx context.Context, txID string) (Status, error) {
	txID = strings.TrimPrefix(txID, "0x")
	st := Status{TxID: txID, State: Pending}

	var info *TxInfo
	err := c.read(ctx, "GetTransaction", func() error {
		var err error
		info, err = c.rpc.GetTransaction(ctx, txID)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		st.Detail = "not_indexed"
		c.recordStatus(st.State)
		return st, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("failed to get transaction %s: %w", txID, err)
	}

	st.Detail = info.TxStatus
	st.State = stateOf(info.TxStatus)
	if info.TxResult != nil && info.TxResult.Hex != "" {
		if v, err := clarity.DecodeHex(info.TxResult.Hex); err == nil {
			st.Result = v
		} else {
			c.logger.DebugContext(ctx, "could not decode tx result", "txid", txID, "error", err)
		}
	}
	c.recordStatus(st.State)
	return st, nil
}

func stateOf(status string) TxState {
	switch {
	case status == "success":
		return Confirmed
	case strings.HasPrefix(status, "abort_"), strings.HasPrefix(status, "dropped_"):
		return Failed
	default:
		return Pending
	}
}

// read runs fn with pacing and retries it on HTTP 429.
func (c *Client) read(ctx context.Context, method string, fn func() error) error {
	var err error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if werr := c.wait(ctx); werr != nil {
			return werr
		}

		start := time.Now()
		err = fn()
		c.recordCall(method, err, time.Since(start))
		if err == nil || !isRateLimited(err) {
			return err
		}

		if attempt == c.maxAttempts-1 {
			break
		}
		backoff := c.backoff << uint(attempt)
		c.logger.WarnContext(ctx, "rate limited, sleeping before retry",
			"method", method,
			"attempt", attempt+1,
			"backoff_seconds", backoff.Seconds(),
		)
		if c.metrics != nil {
			c.metrics.RecordRateLimitHit(c.endpoint)
			c.metrics.RecordRPCRetry(method, "rate_limit")
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *Client) recordCall(method string, err error, d time.Duration) {
	if c.metrics == nil {
		return
	}
	status := "success"
	if err != nil && !errors.Is(err, ErrNotFound) {
		status = "error"
	}
	c.metrics.RecordRPCCall(method, status, c.endpoint, d.Seconds())
}

func (c *Client) recordStatus(state TxState) {
	if c.metrics != nil {
		c.metrics.RecordStatusCheck(string(state))
	}
}

func isRateLimited(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests
}
