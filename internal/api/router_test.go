package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fastprodman/pointsledger/internal/config"
	"github.com/fastprodman/pointsledger/internal/ledger"
	"github.com/fastprodman/pointsledger/internal/repos/entries/memory"
	"github.com/fastprodman/pointsledger/internal/services/points"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	svc := points.New(memory.New(), points.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	srv := httptest.NewServer(NewRouter(svc))
	t.Cleanup(srv.Close)

	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path string, body any, headers ...string) (int, map[string]any) {
	t.Helper()

	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(t.Context(), method, srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	if resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}

	return resp.StatusCode, out
}

func TestAPI_CreditRedeemTransferTrace(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	status, purchase := do(t, srv, http.MethodPost, "/users/alice/credits",
		map[string]any{"points": 100, "origin_type": "purchase_earned", "origin_id": "order-1"})
	require.Equal(t, http.StatusCreated, status)
	assert.EqualValues(t, 100, purchase["points"])

	status, _ = do(t, srv, http.MethodPost, "/users/alice/credits",
		map[string]any{"points": 50, "origin_type": "campaign_bonus", "origin_id": "spring"})
	require.Equal(t, http.StatusCreated, status)

	status, red := do(t, srv, http.MethodPost, "/users/alice/redemptions",
		map[string]any{"points": 120, "origin_id": "reward-1"})
	require.Equal(t, http.StatusCreated, status)
	assert.EqualValues(t, -120, red["points"])
	assert.Len(t, red["parent_links"], 2)

	status, bal := do(t, srv, http.MethodGet, "/users/alice/balance", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 30, bal["balance"])

	transfer := map[string]any{"from_user_id": "alice", "to_user_id": "bob", "amount": 20, "transfer_id": "t-1"}

	status, first := do(t, srv, http.MethodPost, "/transfers", transfer, "Idempotency-Key", "k1")
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "t-1", first["transfer_id"])

	status, second := do(t, srv, http.MethodPost, "/transfers", transfer, "Idempotency-Key", "k1")
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, first["debit_entry"], second["debit_entry"])

	_, bal = do(t, srv, http.MethodGet, "/users/alice/balance", nil)
	assert.EqualValues(t, 10, bal["balance"])

	status, summary := do(t, srv, http.MethodGet, "/users/bob/summary", nil)
	require.Equal(t, http.StatusOK, status)
	list, ok := summary["summary"].([]any)
	require.True(t, ok)
	require.Len(t, list, 1)
	row := list[0].(map[string]any)
	assert.Equal(t, "campaign_bonus", row["origin_type"])
	assert.EqualValues(t, 20, row["total_points"])

	status, trace := do(t, srv, http.MethodGet, "/users/bob/trace?amount=20", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 20, trace["amount"])

	credit := first["credit_entry"].(map[string]any)
	status, entryTrace := do(t, srv, http.MethodGet, "/entries/"+credit["id"].(string)+"/trace", nil)
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, entryTrace["sources"])

	status, entry := do(t, srv, http.MethodGet, "/entries/"+credit["id"].(string), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "transfer_in", entry["origin_type"])

	status, left := do(t, srv, http.MethodGet, "/entries/"+purchase["id"].(string)+"/remaining", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 0, left["remaining"])

	status, hist := do(t, srv, http.MethodGet, "/users/alice/entries", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, hist["entries"], 4)

	status, byOrigin := do(t, srv, http.MethodGet, "/origins/t-1/entries", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, byOrigin["entries"], 2)

	status, rec := do(t, srv, http.MethodGet, "/users/alice/reconciliation", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, rec["consistent"])
}

func TestAPI_ErrorMapping(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	status, _ := do(t, srv, http.MethodPost, "/users/u/credits",
		map[string]any{"points": 30, "origin_type": "assignment", "origin_id": "a"}, "Idempotency-Key", "same")
	require.Equal(t, http.StatusCreated, status)

	tests := []struct {
		name       string
		method     string
		path       string
		body       any
		headers    []string
		wantStatus int
		wantKind   string
	}{
		{
			name:       "insufficient_balance",
			method:     http.MethodPost,
			path:       "/users/u/debits",
			body:       map[string]any{"points": 1000, "origin_type": "redemption", "origin_id": "r"},
			wantStatus: http.StatusConflict,
			wantKind:   ledger.KindInsufficientBalance,
		},
		{
			name:       "zero_points",
			method:     http.MethodPost,
			path:       "/users/u/sales",
			body:       map[string]any{"points": 0, "origin_id": "s"},
			wantStatus: http.StatusBadRequest,
			wantKind:   ledger.KindInvalidAmount,
		},
		{
			name:       "unknown_origin_type",
			method:     http.MethodPost,
			path:       "/users/u/credits",
			body:       map[string]any{"points": 5, "origin_type": "cashback"},
			wantStatus: http.StatusBadRequest,
			wantKind:   ledger.KindInvalidOrigin,
		},
		{
			name:       "transfer_in_not_creditable",
			method:     http.MethodPost,
			path:       "/users/u/credits",
			body:       map[string]any{"points": 5, "origin_type": "transfer_in"},
			wantStatus: http.StatusBadRequest,
			wantKind:   ledger.KindInvalidOrigin,
		},
		{
			name:       "unknown_user_debit",
			method:     http.MethodPost,
			path:       "/users/ghost/redemptions",
			body:       map[string]any{"points": 5, "origin_id": "r"},
			wantStatus: http.StatusNotFound,
			wantKind:   ledger.KindUnknownUser,
		},
		{
			name:       "same_user_transfer",
			method:     http.MethodPost,
			path:       "/transfers",
			body:       map[string]any{"from_user_id": "u", "to_user_id": "u", "amount": 5},
			wantStatus: http.StatusBadRequest,
			wantKind:   ledger.KindSameUser,
		},
		{
			name:       "idempotency_conflict",
			method:     http.MethodPost,
			path:       "/users/u/credits",
			body:       map[string]any{"points": 31, "origin_type": "assignment", "origin_id": "a"},
			headers:    []string{"Idempotency-Key", "same"},
			wantStatus: http.StatusUnprocessableEntity,
			wantKind:   ledger.KindIdempotencyConflict,
		},
		{
			name:       "unknown_field",
			method:     http.MethodPost,
			path:       "/users/u/credits",
			body:       map[string]any{"points": 5, "origin_type": "assignment", "extra": true},
			wantStatus: http.StatusBadRequest,
			wantKind:   kindInvalidRequest,
		},
		{
			name:       "trace_without_amount",
			method:     http.MethodGet,
			path:       "/users/u/trace",
			wantStatus: http.StatusBadRequest,
			wantKind:   ledger.KindInvalidAmount,
		},
		{
			name:       "trace_above_balance",
			method:     http.MethodGet,
			path:       "/users/u/trace?amount=31",
			wantStatus: http.StatusConflict,
			wantKind:   ledger.KindInsufficientBalance,
		},
		{
			name:       "malformed_entry_id",
			method:     http.MethodGet,
			path:       "/entries/not-a-uuid",
			wantStatus: http.StatusNotFound,
			wantKind:   ledger.KindEntryNotFound,
		},
		{
			name:       "missing_entry",
			method:     http.MethodGet,
			path:       "/entries/0194a7c0-0000-7000-8000-0000000000ff/remaining",
			wantStatus: http.StatusNotFound,
			wantKind:   ledger.KindEntryNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			status, body := do(t, srv, tt.method, tt.path, tt.body, tt.headers...)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantKind, body["error"])
		})
	}
}

func TestAPI_UnknownUserBalanceIsZero(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	status, body := do(t, srv, http.MethodGet, "/users/nobody/balance", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 0, body["balance"])
}

func TestAPI_HealthAndMetrics(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, http.StatusServiceUnavailable, statusFor(ledger.KindStorageFailure))
	assert.Equal(t, http.StatusInternalServerError, statusFor(ledger.KindInternal))
}

func TestNewServer(t *testing.T) {
	t.Parallel()

	svc := points.New(memory.New())
	srv := NewServer(config.HTTPConfig{Port: 9090, ReadHeaderTimeout: time.Second}, svc)

	assert.Equal(t, ":9090", srv.Addr)
	assert.Equal(t, time.Second, srv.ReadHeaderTimeout)
	assert.NotNil(t, srv.Handler)
}
