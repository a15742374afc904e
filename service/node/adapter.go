package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RPCClient is the subset of the Stacks node and indexer HTTP API we use.
// This allows us to mock the network layer in tests without hitting a real
// node.
type RPCClient interface {
	GetAccount(ctx context.Context, address string) (*AccountInfo, error)
	CallReadOnly(ctx context.Context, contractAddress, contractName, function, sender string, args []string) (*ReadOnlyResult, error)
	PostTransaction(ctx context.Context, raw []byte) (string, error)
	GetTransaction(ctx context.Context, txID string) (*TxInfo, error)
}

// httpRPCClient talks to a node's HTTP API.
type httpRPCClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewRPCClient creates an RPCClient for a node base URL, such as
// https://api.testnet.hiro.so. httpClient may be nil.
func NewRPCClient(baseURL string, httpClient *http.Client) RPCClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &httpRPCClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

func (c *httpRPCClient) GetAccount(ctx context.Context, address string) (*AccountInfo, error) {
	u := fmt.Sprintf("%s/v2/accounts/%s?proof=0", c.baseURL, url.PathEscape(address))
	var out AccountInfo
	if err := c.doJSON(ctx, "GET", u, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpRPCClient) CallReadOnly(ctx context.Context, contractAddress, contractName, function, sender string, args []string) (*ReadOnlyResult, error) {
	u := fmt.Sprintf("%s/v2/contracts/call-read/%s/%s/%s",
		c.baseURL, url.PathEscape(contractAddress), url.PathEscape(contractName), url.PathEscape(function))
	if args == nil {
		args = []string{}
	}
	body := map[string]any{
		"sender":    sender,
		"arguments": args,
	}
	var out ReadOnlyResult
	if err := c.doJSON(ctx, "POST", u, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpRPCClient) PostTransaction(ctx context.Context, raw []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v2/transactions", bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusOK {
		var txid string
		if err := json.Unmarshal(body, &txid); err != nil {
			// Some nodes answer with the bare id.
			txid = strings.TrimSpace(string(body))
		}
		return strings.TrimPrefix(txid, "0x"), nil
	}

	var rej Rejection
	if resp.StatusCode == http.StatusBadRequest && json.Unmarshal(body, &rej) == nil && (rej.Error != "" || rej.Reason != "") {
		rej.TxID = strings.TrimPrefix(rej.TxID, "0x")
		return "", &RejectionError{Rejection: rej}
	}
	return "", &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
}

func (c *httpRPCClient) GetTransaction(ctx context.Context, txID string) (*TxInfo, error) {
	id := txID
	if !strings.HasPrefix(id, "0x") {
		id = "0x" + id
	}
	u := fmt.Sprintf("%s/extended/v1/tx/%s", c.baseURL, url.PathEscape(id))
	var out TxInfo
	if err := c.doJSON(ctx, "GET", u, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpRPCClient) doJSON(ctx context.Context, method, u string, in, out any) error {
	var reader io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
