// Package client talks to a remote custodial signing service. The service
// holds the private keys; this package only ever sees public keys and
// signatures.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/brojonat/satswap/service/signer"
)

// Wallet is a custodial wallet as the signing service describes it.
type Wallet struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	PublicKey string    `json:"public_key"` // hex
	Address   string    `json:"address,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Client is the HTTP client for the custodial signing service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	apiKey     string
	logger     *slog.Logger
}

// NewClient creates a new signing service client. apiKey may be empty when
// the service authenticates by other means (mTLS, a sidecar).
func NewClient(baseURL, apiKey string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		apiKey:     apiKey,
		logger:     logger,
	}
}

// GetWallet fetches a wallet, including its public key.
func (c *Client) GetWallet(ctx context.Context, walletID string) (*Wallet, error) {
	u := fmt.Sprintf("%s/api/v1/wallets/%s", c.baseURL, url.PathEscape(walletID))
	resp, err := c.do(ctx, "GET", u, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var w Wallet
	if err := decodeJSON(resp, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

func decodeJSON(resp *http.Response, v any) error {
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: failed to decode response: %v", signer.ErrUnavailable, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, u string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := signer.ContextError(ctx); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: request failed: %v", signer.ErrUnavailable, err)
	}
	return resp, nil
}

// parseErrorResponse turns a non-success response into a typed signing
// error: auth failures are denials, everything else means the service is
// unavailable.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := string(body)
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		msg = errResp.Error
	}

	kind := signer.ErrUnavailable
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = signer.ErrDenied
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: msg, kind: kind}
}

// StatusError is a non-success response from the signing service.
type StatusError struct {
	StatusCode int
	Message    string

	kind error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Message)
}

func (e *StatusError) Unwrap() error { return e.kind }

// IsNotFound reports whether err is a 404 from the signing service.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}
