package client

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/brojonat/satswap/service/signer"
)

// Activity states reported by the signing service.
const (
	ActivityPending   = "pending"
	ActivityCompleted = "completed"
	ActivityFailed    = "failed"
	ActivityRejected  = "rejected"
)

// Activity is an asynchronous signing job.
type Activity struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Signature string `json:"signature,omitempty"` // hex r‖s or r‖s‖v
	Reason    string `json:"reason,omitempty"`
}

type signRequest struct {
	SignWith     string `json:"sign_with"`
	Payload      string `json:"payload"`
	Encoding     string `json:"encoding"`
	HashFunction string `json:"hash_function"`
}

// Signer is a signer.Delegate backed by one custodial wallet. The digest is
// sent pre-hashed (hash_function "none") so the service signs exactly the
// transaction sighash.
type Signer struct {
	client       *Client
	walletID     string
	pollInterval time.Duration
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

// WithPollInterval sets how often a pending activity is polled.
func WithPollInterval(d time.Duration) SignerOption {
	return func(s *Signer) { s.pollInterval = d }
}

// NewSigner returns a delegate that signs with walletID.
func (c *Client) NewSigner(walletID string, opts ...SignerOption) *Signer {
	s := &Signer{
		client:       c,
		walletID:     walletID,
		pollInterval: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ signer.Delegate = (*Signer)(nil)

// PublicKey returns the wallet's public key.
func (s *Signer) PublicKey(ctx context.Context) ([]byte, error) {
	w, err := s.client.GetWallet(ctx, s.walletID)
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet %s: %w", s.walletID, err)
	}
	pub, err := hex.DecodeString(strings.TrimPrefix(w.PublicKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: wallet %s has malformed public key: %v", signer.ErrUnavailable, s.walletID, err)
	}
	return pub, nil
}

// Sign submits the sighash and waits for the activity to finish. The wait
// ends when the activity completes, fails, is rejected, or ctx is done.
func (s *Signer) Sign(ctx context.Context, req signer.Request) ([]byte, error) {
	body := signRequest{
		SignWith:     s.walletID,
		Payload:      hex.EncodeToString(req.Digest[:]),
		Encoding:     "hex",
		HashFunction: "none",
	}
	resp, err := s.client.do(ctx, "POST", s.client.baseURL+"/api/v1/sign", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, s.client.parseErrorResponse(resp)
	}

	var act Activity
	if err := decodeJSON(resp, &act); err != nil {
		return nil, err
	}
	s.client.logger.DebugContext(ctx, "signing activity submitted",
		"wallet_id", s.walletID,
		"activity_id", act.ID,
		"status", act.Status,
	)

	for {
		if done, sig, err := s.settle(&act); done {
			return sig, err
		}

		timer := time.NewTimer(s.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, signer.ContextError(ctx)
		case <-timer.C:
		}

		next, err := s.activity(ctx, act.ID)
		if err != nil {
			return nil, err
		}
		act = *next
	}
}

// settle reports whether act is terminal and, if so, its outcome.
func (s *Signer) settle(act *Activity) (bool, []byte, error) {
	switch act.Status {
	case ActivityCompleted:
		sig, err := hex.DecodeString(strings.TrimPrefix(act.Signature, "0x"))
		if err != nil {
			return true, nil, fmt.Errorf("%w: activity %s returned malformed signature: %v", signer.ErrUnavailable, act.ID, err)
		}
		s.client.logger.Debug("signing activity completed", "activity_id", act.ID, "signature_len", len(sig))
		return true, sig, nil
	case ActivityRejected:
		return true, nil, fmt.Errorf("%w: activity %s: %s", signer.ErrDenied, act.ID, act.Reason)
	case ActivityFailed:
		return true, nil, fmt.Errorf("%w: activity %s failed: %s", signer.ErrUnavailable, act.ID, act.Reason)
	case ActivityPending, "":
		if act.ID == "" {
			return true, nil, fmt.Errorf("%w: pending activity without id", signer.ErrUnavailable)
		}
		return false, nil, nil
	default:
		return true, nil, fmt.Errorf("%w: activity %s has unknown status %q", signer.ErrUnavailable, act.ID, act.Status)
	}
}

func (s *Signer) activity(ctx context.Context, id string) (*Activity, error) {
	u := fmt.Sprintf("%s/api/v1/activities/%s", s.client.baseURL, url.PathEscape(id))
	resp, err := s.client.do(ctx, "GET", u, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.client.parseErrorResponse(resp)
	}
	var act Activity
	if err := decodeJSON(resp, &act); err != nil {
		return nil, err
	}
	if act.ID == "" {
		act.ID = id
	}
	return &act, nil
}
