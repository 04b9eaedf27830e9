package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	credits "github.com/xraph/credits"
	"github.com/xraph/credits/api"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/store/memory"
	"github.com/xraph/credits/types"
)

type fixture struct {
	ledger *credits.Ledger
	hub    *api.Hub
	srv    *httptest.Server
}

func setup(t *testing.T, opts ...api.Option) *fixture {
	t.Helper()
	hub := api.NewHub(nil)
	l := credits.New(memory.New(), credits.WithPlugin(hub))

	opts = append([]api.Option{
		api.WithHub(hub),
		api.WithMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("# metrics\n"))
		})),
	}, opts...)
	srv := httptest.NewServer(api.NewServer(l, opts...).Handler())
	t.Cleanup(srv.Close)
	return &fixture{ledger: l, hub: hub, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path, account, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if account != "" {
		req.Header.Set(api.AccountHeader, account)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestRequiresAccount(t *testing.T) {
	f := setup(t)
	for _, path := range []string{"/wallet", "/transactions", "/tasks"} {
		resp, _ := f.do(t, http.MethodGet, path, "", "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := setup(t)

	resp, body := f.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, resp.Header.Get(api.RequestIDHeader))

	resp, _ = f.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRequestIDIsPropagated(t *testing.T) {
	f := setup(t)
	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set(api.RequestIDHeader, "req-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "req-123", resp.Header.Get(api.RequestIDHeader))
}

const depositToken = "webhook-secret"

// deposit posts to /deposits with an optional bearer token and actor header.
func (f *fixture) deposit(t *testing.T, token, account, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/deposits", strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if account != "" {
		req.Header.Set(api.AccountHeader, account)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestDepositsOffByDefault(t *testing.T) {
	f := setup(t)

	resp, _ := f.deposit(t, "", "acct_1", `{"account_id":"acct_1","amount":"1000"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.deposit(t, depositToken, "acct_1", `{"account_id":"acct_1","amount":"1000"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	w, err := f.ledger.Balance(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.True(t, w.Total.IsZero())
}

func TestDepositAndWallet(t *testing.T) {
	f := setup(t, api.WithDepositAuth(api.BearerToken(depositToken)))

	resp, body := f.deposit(t, depositToken, "", `{"account_id":"acct_1","amount":"12.50","metadata":{"order_id":"ord_9"}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	assert.Equal(t, "purchase", body["type"])
	assert.Equal(t, "confirmed", body["status"])
	assert.Equal(t, 12.5, body["amount"])

	resp, body = f.do(t, http.MethodGet, "/wallet", "acct_1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "acct_1", body["account_id"])
	assert.Equal(t, 12.5, body["total_credits"])
	assert.Equal(t, 0.0, body["reserved_credits"])
	assert.Equal(t, 12.5, body["available_credits"])
}

func TestDepositCreditsBodyAccountNotActor(t *testing.T) {
	f := setup(t, api.WithDepositAuth(api.BearerToken(depositToken)))

	resp, body := f.deposit(t, depositToken, "acct_caller", `{"account_id":"acct_target","amount":"5"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)

	ctx := context.Background()
	target, err := f.ledger.Balance(ctx, "acct_target")
	require.NoError(t, err)
	assert.Equal(t, types.NewCredits(5), target.Total)

	caller, err := f.ledger.Balance(ctx, "acct_caller")
	require.NoError(t, err)
	assert.True(t, caller.Total.IsZero())
}

func TestDepositRequiresAuthorization(t *testing.T) {
	f := setup(t, api.WithDepositAuth(api.BearerToken(depositToken)))

	tests := []struct {
		name    string
		token   string
		account string
	}{
		{"no credentials", "", ""},
		{"user actor only", "", "acct_1"},
		{"wrong token", "guess", "acct_1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := f.deposit(t, tt.token, tt.account, `{"account_id":"acct_1","amount":"1000"}`)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}

	w, err := f.ledger.Balance(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.True(t, w.Total.IsZero())
}

func TestBearerTokenEmptyAcceptsNothing(t *testing.T) {
	auth := api.BearerToken("")
	req := httptest.NewRequest(http.MethodPost, "/deposits", nil)
	req.Header.Set("Authorization", "Bearer ")
	assert.False(t, auth(req))
}

func TestDepositRejectsBadInput(t *testing.T) {
	f := setup(t, api.WithDepositAuth(api.BearerToken(depositToken)))

	tests := []struct {
		name string
		body string
	}{
		{"zero", `{"account_id":"acct_1","amount":0}`},
		{"negative", `{"account_id":"acct_1","amount":"-1"}`},
		{"missing account", `{"amount":1}`},
		{"not json", `amount=5`},
		{"unknown field", `{"account_id":"acct_1","amount":1,"wallet":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := f.deposit(t, depositToken, "", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestTransactionsNewestFirst(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	for _, amt := range []int64{1, 2, 3} {
		_, err := f.ledger.Deposit(ctx, "acct_1", types.NewCredits(amt), nil)
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	resp, body := f.do(t, http.MethodGet, "/transactions?limit=2", "acct_1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	txns, ok := body["transactions"].([]any)
	require.True(t, ok)
	require.Len(t, txns, 2)
	assert.Equal(t, 3.0, txns[0].(map[string]any)["amount"])
	assert.Equal(t, 2.0, txns[1].(map[string]any)["amount"])

	resp, body = f.do(t, http.MethodGet, "/transactions", "acct_empty", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["transactions"])

	resp, _ = f.do(t, http.MethodGet, "/transactions?limit=zero", "acct_1", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTasksFilter(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.ledger.OpenTask(ctx, "acct_1", "WritingAgent", "draft", types.NewCredits(1))
	require.NoError(t, err)
	failed, err := f.ledger.OpenTask(ctx, "acct_1", "WritingAgent", "draft", types.NewCredits(1))
	require.NoError(t, err)
	require.NoError(t, f.ledger.FailTask(ctx, failed, "Insufficient credits"))

	resp, body := f.do(t, http.MethodGet, "/tasks?status=failed", "acct_1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tasks := body["tasks"].([]any)
	require.Len(t, tasks, 1)
	assert.Equal(t, failed.ID.String(), tasks[0].(map[string]any)["id"])

	resp, body = f.do(t, http.MethodGet, "/tasks", "acct_1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["tasks"], 2)

	resp, _ = f.do(t, http.MethodGet, "/tasks?status=bogus", "acct_1", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWalletStream(t *testing.T) {
	f := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := f.ledger.Deposit(ctx, "acct_1", types.NewCredits(10), nil)
	require.NoError(t, err)

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(f.srv.URL, "http")+"/wallet/stream",
		&websocket.DialOptions{HTTPHeader: http.Header{api.AccountHeader: []string{"acct_1"}}})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	var msg api.Message
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	assert.Equal(t, api.MessageConnected, msg.Type)

	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	assert.Equal(t, api.MessageWalletUpdate, msg.Type)
	assert.Equal(t, 10.0, msg.Data["total_credits"])

	require.Eventually(t, func() bool { return f.hub.Subscribers("acct_1") == 1 }, time.Second, 10*time.Millisecond)

	w, err := f.ledger.Wallet(ctx, "acct_1")
	require.NoError(t, err)
	_, err = f.ledger.Reserve(ctx, w, types.NewCredits(4), id.TaskID{}, "WritingAgent")
	require.NoError(t, err)

	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	assert.Equal(t, api.MessageWalletUpdate, msg.Type)
	assert.Equal(t, "reserve", msg.Data["cause"])
	assert.Equal(t, 4.0, msg.Data["reserved_credits"])
	assert.Equal(t, 6.0, msg.Data["available_credits"])

	require.NoError(t, wsjson.Write(ctx, conn, api.Message{Type: api.MessagePing}))
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	assert.Equal(t, api.MessagePong, msg.Type)
}

func TestHubIgnoresOtherAccounts(t *testing.T) {
	f := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(f.srv.URL, "http")+"/wallet/stream",
		&websocket.DialOptions{HTTPHeader: http.Header{api.AccountHeader: []string{"acct_1"}}})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	var msg api.Message
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	assert.Equal(t, api.MessageConnected, msg.Type)
	require.Eventually(t, func() bool { return f.hub.Subscribers("acct_1") == 1 }, time.Second, 10*time.Millisecond)

	_, err = f.ledger.Deposit(ctx, "acct_2", types.NewCredits(5), nil)
	require.NoError(t, err)
	_, err = f.ledger.Deposit(ctx, "acct_1", types.NewCredits(1), nil)
	require.NoError(t, err)

	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	assert.Equal(t, "acct_1", msg.AccountID)
	assert.Equal(t, 1.0, msg.Data["total_credits"])
}
