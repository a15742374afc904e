package node

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/brojonat/satswap/service/clarity"
	"github.com/brojonat/satswap/service/signer"
	"github.com/brojonat/satswap/service/stacks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testContract = "ST1QNFKCN58W3F1D9FQYSZGQKWG872KC6KYAV692X.marketplace"

// mockRPCClient implements RPCClient for testing.
// It's behavior-focused: we set what it should return, not verify call sequences.
type mockRPCClient struct {
	account   *AccountInfo
	readOnly  *ReadOnlyResult
	txid      string
	tx        *TxInfo
	errs      []error // returned in order, one per call, before falling back to the values above
	calls     int
	lastArgs  []string
	lastRaw   []byte
	lastTxID  string
	lastFunc  string
	lastOwner string
}

func (m *mockRPCClient) nextErr() error {
	m.calls++
	if len(m.errs) == 0 {
		return nil
	}
	err := m.errs[0]
	m.errs = m.errs[1:]
	return err
}

func (m *mockRPCClient) GetAccount(ctx context.Context, address string) (*AccountInfo, error) {
	if err := m.nextErr(); err != nil {
		return nil, err
	}
	return m.account, nil
}

func (m *mockRPCClient) CallReadOnly(ctx context.Context, contractAddress, contractName, function, sender string, args []string) (*ReadOnlyResult, error) {
	m.lastArgs, m.lastFunc, m.lastOwner = args, function, contractAddress+"."+contractName
	if err := m.nextErr(); err != nil {
		return nil, err
	}
	return m.readOnly, nil
}

func (m *mockRPCClient) PostTransaction(ctx context.Context, raw []byte) (string, error) {
	m.lastRaw = raw
	if err := m.nextErr(); err != nil {
		return "", err
	}
	return m.txid, nil
}

func (m *mockRPCClient) GetTransaction(ctx context.Context, txID string) (*TxInfo, error) {
	m.lastTxID = txID
	if err := m.nextErr(); err != nil {
		return nil, err
	}
	return m.tx, nil
}

func newTestClient(mock *mockRPCClient) *Client {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(mock, "test", nil, logger, WithRetry(3, time.Millisecond))
}

func signedTx(t *testing.T) *stacks.SignedTransaction {
	t.Helper()
	local, err := signer.GenerateLocal()
	require.NoError(t, err)
	sender, err := stacks.NewSender(local.PublicKey())
	require.NoError(t, err)

	tx, err := stacks.NewBuilder(stacks.Testnet).BuildContractCall(stacks.ContractCallParams{
		ContractAddress: "ST1QNFKCN58W3F1D9FQYSZGQKWG872KC6KYAV692X",
		ContractName:    "marketplace",
		FunctionName:    "cancel-listing",
		Args:            []clarity.Value{clarity.NewUInt(1)},
		Sender:          sender,
		Nonce:           4,
	})
	require.NoError(t, err)

	raw, err := local.Sign(context.Background(), signer.Request{Digest: tx.SigHash()})
	require.NoError(t, err)
	sig, err := stacks.Normalize(raw)
	require.NoError(t, err)
	signed, err := stacks.Attach(tx, sig)
	require.NoError(t, err)
	return signed
}

func TestGetNonce(t *testing.T) {
	mock := &mockRPCClient{account: &AccountInfo{Nonce: 7}}
	n, err := newTestClient(mock).GetNonce(context.Background(), "ST000000000000000000002AMW42H")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), n)
}

func TestGetNonce_RetriesRateLimit(t *testing.T) {
	mock := &mockRPCClient{
		account: &AccountInfo{Nonce: 2},
		errs:    []error{&HTTPError{StatusCode: 429}, &HTTPError{StatusCode: 429}},
	}
	n, err := newTestClient(mock).GetNonce(context.Background(), "ST000000000000000000002AMW42H")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)
	assert.Equal(t, 3, mock.calls)
}

func TestGetNonce_GivesUpAfterMaxAttempts(t *testing.T) {
	mock := &mockRPCClient{
		errs: []error{&HTTPError{StatusCode: 429}, &HTTPError{StatusCode: 429}, &HTTPError{StatusCode: 429}, &HTTPError{StatusCode: 429}},
	}
	_, err := newTestClient(mock).GetNonce(context.Background(), "ST000000000000000000002AMW42H")
	require.Error(t, err)
	assert.Equal(t, 3, mock.calls)
}

func TestGetNonce_NoRetryOnOtherErrors(t *testing.T) {
	mock := &mockRPCClient{errs: []error{&HTTPError{StatusCode: 500}}}
	_, err := newTestClient(mock).GetNonce(context.Background(), "ST000000000000000000002AMW42H")
	require.Error(t, err)
	assert.Equal(t, 1, mock.calls)
}

func TestCallReadOnly(t *testing.T) {
	want, err := clarity.EncodeHex(clarity.None())
	require.NoError(t, err)
	mock := &mockRPCClient{readOnly: &ReadOnlyResult{Okay: true, Result: want}}

	v, err := newTestClient(mock).CallReadOnly(context.Background(), clarity.MustParsePrincipal(testContract), "get-listing", "", clarity.NewUInt(5))
	require.NoError(t, err)
	assert.Equal(t, clarity.None(), v)
	assert.Equal(t, "get-listing", mock.lastFunc)
	assert.Equal(t, testContract, mock.lastOwner)
	assert.Equal(t, []string{"0x01000000000000000000000000000000" + "05"}, mock.lastArgs)
}

func TestCallReadOnly_NotOkay(t *testing.T) {
	mock := &mockRPCClient{readOnly: &ReadOnlyResult{Okay: false, Cause: "Unchecked(NoSuchPublicFunction)"}}
	_, err := newTestClient(mock).CallReadOnly(context.Background(), clarity.MustParsePrincipal(testContract), "nope", "")

	var roe *ReadOnlyError
	require.ErrorAs(t, err, &roe)
	assert.Contains(t, roe.Cause, "NoSuchPublicFunction")
}

func TestCallReadOnly_BadResult(t *testing.T) {
	mock := &mockRPCClient{readOnly: &ReadOnlyResult{Okay: true, Result: "0xff"}}
	_, err := newTestClient(mock).CallReadOnly(context.Background(), clarity.MustParsePrincipal(testContract), "get-count", "")
	assert.True(t, clarity.IsDecodeError(err, clarity.UnknownTag))
}

func TestBroadcast_Accepted(t *testing.T) {
	tx := signedTx(t)
	mock := &mockRPCClient{txid: tx.TxID()}

	res, err := newTestClient(mock).Broadcast(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, tx.TxID(), res.TxID)
	assert.Equal(t, uint64(4), res.Nonce)
	assert.Equal(t, tx.Bytes(), mock.lastRaw)
}

func TestBroadcast_Errors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		kind   BroadcastErrorKind
		reason string
	}{
		{"structured rejection", &RejectionError{Rejection: Rejection{Error: "transaction rejected", Reason: "BadNonce"}}, Rejected, "BadNonce"},
		{"plain 400", &HTTPError{StatusCode: 400, Body: "bad"}, Rejected, "status 400: bad"},
		{"server error", &HTTPError{StatusCode: 502, Body: "gateway"}, Rejected, "status 502: gateway"},
		{"transport failure", errors.New("connection refused"), Unreachable, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := signedTx(t)
			mock := &mockRPCClient{errs: []error{tt.err, tt.err}}

			_, err := newTestClient(mock).Broadcast(context.Background(), tx)
			var be *BroadcastError
			require.ErrorAs(t, err, &be)
			assert.Equal(t, tt.kind, be.Kind)
			assert.Equal(t, tt.reason, be.Reason)
			assert.Equal(t, tx.TxID(), be.TxID)
			assert.Equal(t, 1, mock.calls, "broadcasts are never retried")
		})
	}
}

func TestCheckStatus(t *testing.T) {
	okHex, err := clarity.EncodeHex(clarity.OkResponse(clarity.Bool(true)))
	require.NoError(t, err)

	tests := []struct {
		status string
		want   TxState
	}{
		{"pending", Pending},
		{"success", Confirmed},
		{"abort_by_response", Failed},
		{"abort_by_post_condition", Failed},
		{"dropped_replace_by_fee", Failed},
		{"dropped_stale_garbage_collect", Failed},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			mock := &mockRPCClient{tx: &TxInfo{TxStatus: tt.status, TxResult: &TxResult{Hex: okHex, Repr: "(ok true)"}}}
			st, err := newTestClient(mock).CheckStatus(context.Background(), "0xabc")
			require.NoError(t, err)
			assert.Equal(t, tt.want, st.State)
			assert.Equal(t, tt.status, st.Detail)
			assert.Equal(t, "abc", st.TxID)
			assert.Equal(t, clarity.OkResponse(clarity.Bool(true)), st.Result)
		})
	}
}

func TestCheckStatus_NotIndexed(t *testing.T) {
	mock := &mockRPCClient{errs: []error{ErrNotFound}}
	st, err := newTestClient(mock).CheckStatus(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, Pending, st.State)
}

func TestCheckStatus_Error(t *testing.T) {
	mock := &mockRPCClient{errs: []error{&HTTPError{StatusCode: 500}}}
	_, err := newTestClient(mock).CheckStatus(context.Background(), "abc")
	assert.Error(t, err)
}

func TestRateLimitHonorsContext(t *testing.T) {
	mock := &mockRPCClient{account: &AccountInfo{}}
	c := NewClient(mock, "test", nil, nil, WithRateLimit(0.0001, 1))

	_, err := c.GetNonce(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = c.GetNonce(ctx, "a")
	assert.Error(t, err)
}

// HTTP adapter tests

func TestHTTPRPCClient_GetAccount(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GET", r.Method)
		assert.Equal(t, "/v2/accounts/ST000000000000000000002AMW42H", r.URL.Path)
		assert.Equal(t, "0", r.URL.Query().Get("proof"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"balance":"0x0000000000000000000000000000000a","locked":"0x0","nonce":12}`))
	}))
	defer server.Close()

	info, err := NewRPCClient(server.URL+"/", nil).GetAccount(context.Background(), "ST000000000000000000002AMW42H")
	require.NoError(t, err)
	assert.Equal(t, uint64(12), info.Nonce)
	assert.Equal(t, "0x0000000000000000000000000000000a", info.Balance)
}

func TestHTTPRPCClient_CallReadOnly(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/v2/contracts/call-read/ST1QNFKCN58W3F1D9FQYSZGQKWG872KC6KYAV692X/marketplace/get-count", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body struct {
			Sender    string   `json:"sender"`
			Arguments []string `json:"arguments"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ST1QNFKCN58W3F1D9FQYSZGQKWG872KC6KYAV692X", body.Sender)
		assert.NotNil(t, body.Arguments)
		assert.Empty(t, body.Arguments)

		w.Write([]byte(`{"okay":true,"result":"0x0100000000000000000000000000000003"}`))
	}))
	defer server.Close()

	res, err := NewRPCClient(server.URL, nil).CallReadOnly(context.Background(),
		"ST1QNFKCN58W3F1D9FQYSZGQKWG872KC6KYAV692X", "marketplace", "get-count", "ST1QNFKCN58W3F1D9FQYSZGQKWG872KC6KYAV692X", nil)
	require.NoError(t, err)
	assert.True(t, res.Okay)
	assert.Equal(t, "0x0100000000000000000000000000000003", res.Result)
}

func TestHTTPRPCClient_PostTransaction(t *testing.T) {
	raw := []byte{0x80, 0x01, 0x02}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/v2/transactions", r.URL.Path)
		assert.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, raw, body)
		w.Write([]byte(`"0xdeadbeef"`))
	}))
	defer server.Close()

	txid, err := NewRPCClient(server.URL, nil).PostTransaction(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", txid)
}

func TestHTTPRPCClient_PostTransactionRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"transaction rejected","reason":"ConflictingNonceInMempool","txid":"0xabc"}`))
	}))
	defer server.Close()

	_, err := NewRPCClient(server.URL, nil).PostTransaction(context.Background(), []byte{1})
	var rej *RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "ConflictingNonceInMempool", rej.Rejection.Reason)
	assert.Equal(t, "abc", rej.Rejection.TxID)
}

func TestHTTPRPCClient_PostTransactionServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("down"))
	}))
	defer server.Close()

	_, err := NewRPCClient(server.URL, nil).PostTransaction(context.Background(), []byte{1})
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusServiceUnavailable, httpErr.StatusCode)
}

func TestBroadcast_ServerErrorIsRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("down"))
	}))
	defer server.Close()

	tx := signedTx(t)
	c := NewClient(NewRPCClient(server.URL, nil), "test", nil, nil)
	_, err := c.Broadcast(context.Background(), tx)
	assert.True(t, IsRejected(err))
	assert.False(t, IsUnreachable(err))

	var be *BroadcastError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "status 503: down", be.Reason)
}

func TestBroadcast_TransportFailureIsUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	c := NewClient(NewRPCClient(url, nil), "test", nil, nil)
	_, err := c.Broadcast(context.Background(), signedTx(t))
	assert.True(t, IsUnreachable(err))
}

func TestHTTPRPCClient_GetTransaction(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/extended/v1/tx/0xabc":
			w.Write([]byte(`{"tx_id":"0xabc","tx_status":"success","tx_result":{"hex":"0x0703","repr":"(ok true)"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	rpc := NewRPCClient(server.URL, nil)
	info, err := rpc.GetTransaction(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "success", info.TxStatus)
	assert.Equal(t, "0x0703", info.TxResult.Hex)

	_, err = rpc.GetTransaction(context.Background(), "0xmissing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEndToEnd_BroadcastThroughHTTP(t *testing.T) {
	tx := signedTx(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, tx.Hex(), hex.EncodeToString(body))
		json.NewEncoder(w).Encode(tx.TxID())
	}))
	defer server.Close()

	c := NewClient(NewRPCClient(server.URL, nil), "test", nil, nil)
	res, err := c.Broadcast(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, tx.TxID(), res.TxID)
}
