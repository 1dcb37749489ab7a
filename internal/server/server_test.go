package server_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"SafetyLedger/internal/core"
	"SafetyLedger/internal/ingestion"
	"SafetyLedger/internal/ledger"
	fpmath "SafetyLedger/internal/math"
	"SafetyLedger/internal/observability"
	"SafetyLedger/internal/projection"
	"SafetyLedger/internal/query"
	"SafetyLedger/internal/server"
	"SafetyLedger/internal/state"
	"SafetyLedger/internal/token"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	genesis uint64 = 1_700_000_000
	day     uint64 = 86_400
)

type testServer struct {
	t         *testing.T
	handler   http.Handler
	processor *core.Processor
	health    *observability.HealthChecker
	metrics   *observability.Metrics
	snapshots int
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	vault := token.NewVault(true)
	vault.Fund("USDC", "alice", uint256.NewInt(10_000_000))
	projections := make(chan core.CoreOutput, 64)
	p, err := core.NewProcessor(
		core.Config{
			ReservePools: []state.ReservePoolConfig{{Asset: "USDC", MaxSlashPercentage: uint256.NewInt(10_000)}},
			Triggers:     []state.TriggerConfig{{Trigger: "trigger-1", PayoutHandler: "handler", Exists: true}},
			Delays:       state.Delays{ConfigUpdateDelay: 7 * day, ConfigUpdateGracePeriod: day, WithdrawDelay: day},
		},
		core.Dependencies{
			Tokens:    token.NewFactory(),
			Vault:     vault,
			DripModel: fpmath.NewConstantDripModel(new(uint256.Int)),
			Oracle:    token.NewStaticOracle(),
			Access:    core.StaticRoles{Owner: "owner", Pauser: "pauser", FeeCollector: "fees"},
			Logger:    zerolog.Nop(),
		},
		core.ProcessorConfig{StartSequence: 1, GenesisTime: genesis},
		nil, projections, nil,
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	history := projection.NewRedemptionHistory()
	worker := projection.NewProjectionWorker(nil, projections, history, zerolog.Nop())
	dispatcher := ingestion.NewDispatcher(p, nil, zerolog.Nop())
	done := make(chan struct{}, 2)
	go func() { _ = worker.Run(ctx); done <- struct{}{} }()
	go func() { _ = dispatcher.Run(ctx); done <- struct{}{} }()
	t.Cleanup(func() {
		cancel()
		<-done
		<-done
	})

	ts := &testServer{
		t:         t,
		processor: p,
		health:    observability.NewHealthChecker(),
		metrics:   observability.NewMetrics(prometheus.NewRegistry()),
	}
	handler, err := server.NewHTTPHandler(&server.ServerDeps{
		QueryService:  query.NewQueryService(p, nil, history),
		Submitter:     dispatcher,
		Triggers:      []ledger.Address{"trigger-1"},
		HealthChecker: ts.health,
		Metrics:       ts.metrics,
		Logger:        zerolog.Nop(),
		SubmitTimeout: time.Second,
		TakeSnapshot: func(context.Context) (int64, error) {
			ts.snapshots++
			return p.Sequence() - 1, nil
		},
	})
	require.NoError(t, err)
	ts.handler = handler
	return ts
}

func (ts *testServer) do(method, path, body string) (int, map[string]interface{}) {
	ts.t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	var out map[string]interface{}
	if rec.Body.Len() > 0 && strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "{") {
		require.NoError(ts.t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func (ts *testServer) list(path string) []map[string]interface{} {
	ts.t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	require.Equal(ts.t, http.StatusOK, rec.Code, rec.Body.String())
	var out []map[string]interface{}
	require.NoError(ts.t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func body(fields map[string]interface{}) string {
	b, _ := json.Marshal(fields)
	return string(b)
}

func deposit(key string, seq int64, amount string) string {
	return body(map[string]interface{}{
		"idempotency_key": key,
		"source":          "api",
		"source_sequence": seq,
		"timestamp":       genesis,
		"from":            "alice",
		"reserve_pool_id": 0,
		"amount":          amount,
		"receiver":        "alice",
	})
}

func TestSubmitCommands(t *testing.T) {
	ts := newTestServer(t)

	code, resp := ts.do(http.MethodPost, "/v1/commands/Deposit", deposit("dep-1", 0, "1000000"))
	require.Equal(t, http.StatusOK, code, resp)
	assert.Equal(t, true, resp["applied"])
	assert.Equal(t, float64(1), resp["sequence"])
	assert.Equal(t, []interface{}{"Deposited"}, resp["events"])

	code, resp = ts.do(http.MethodPost, "/v1/commands/Deposit", deposit("dep-1", 0, "1000000"))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, resp["duplicate"])

	code, resp = ts.do(http.MethodGet, "/v1/pools/0", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "1000000", resp["deposit_amount"])

	// refused by the module, still sequenced
	code, resp = ts.do(http.MethodPost, "/v1/commands/Pause", body(map[string]interface{}{
		"idempotency_key": "pause-1",
		"source":          "api",
		"source_sequence": 1,
		"timestamp":       genesis,
		"caller":          "alice",
	}))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, resp["applied"])
	assert.Equal(t, float64(2), resp["sequence"])
	assert.Contains(t, resp["rejection"], "unauthorized")

	code, resp = ts.do(http.MethodGet, "/v1/module", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ACTIVE", resp["state"])
	assert.Equal(t, float64(2), resp["as_of_sequence"])

	assert.Equal(t, float64(3), testutil.ToFloat64(ts.metrics.QueryRequests.WithLabelValues("submit")))
}

func TestSubmitErrors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"unknown type", "/v1/commands/Bogus", `{}`, http.StatusBadRequest},
		{"bad json", "/v1/commands/Deposit", `{`, http.StatusBadRequest},
		{"missing key", "/v1/commands/Deposit", deposit("", 0, "1"), http.StatusBadRequest},
		{"bad amount", "/v1/commands/Deposit", deposit("dep-x", 0, "-1"), http.StatusBadRequest},
		{"sequence gap", "/v1/commands/Deposit", deposit("dep-gap", 7, "1"), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := ts.do(http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.want, code)
		})
	}

	// a stale sequence that isn't a duplicate
	code, _ := ts.do(http.MethodPost, "/v1/commands/Deposit", deposit("dep-1", 0, "10"))
	require.Equal(t, http.StatusOK, code)
	code, _ = ts.do(http.MethodPost, "/v1/commands/Deposit", deposit("dep-2", 0, "10"))
	assert.Equal(t, http.StatusConflict, code)
}

func TestQueryRoutes(t *testing.T) {
	ts := newTestServer(t)
	code, _ := ts.do(http.MethodPost, "/v1/commands/Deposit", deposit("dep-1", 0, "2000000"))
	require.Equal(t, http.StatusOK, code)
	code, resp := ts.do(http.MethodPost, "/v1/commands/Redeem", body(map[string]interface{}{
		"idempotency_key":      "red-1",
		"source":               "api",
		"source_sequence":      1,
		"timestamp":            genesis + 10,
		"caller":               "alice",
		"reserve_pool_id":      0,
		"receipt_token_amount": "500000",
		"receiver":             "carol",
		"owner":                "alice",
	}))
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, resp["applied"], resp)

	pools := ts.list("/v1/pools")
	require.Len(t, pools, 1)
	assert.Equal(t, "1500000", pools[0]["deposit_amount"])
	assert.Equal(t, "500000", pools[0]["pending_redemptions_amount"])

	assets := ts.list("/v1/asset-pools")
	require.Len(t, assets, 1)
	assert.Equal(t, "2000000", assets[0]["amount"])

	code, resp = ts.do(http.MethodGet, "/v1/asset-pools/USDC", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "2000000", resp["amount"])

	triggers := ts.list("/v1/triggers")
	require.Len(t, triggers, 1)
	assert.Equal(t, "handler", triggers[0]["payout_handler"])

	code, resp = ts.do(http.MethodGet, "/v1/redemptions/0", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "PENDING", resp["status"])
	assert.Equal(t, "carol", resp["receiver"])

	code, resp = ts.do(http.MethodGet, "/v1/pools/0/preview-deposit?assets=300", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "300", resp["output"])

	code, resp = ts.do(http.MethodGet, "/v1/pools/0/receipt-balances/alice", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "1500000", resp["balance"])

	// the history is fed by the projection worker
	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		ts.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/redemptions?owner=alice", nil))
		var out []map[string]interface{}
		return rec.Code == http.StatusOK && json.Unmarshal(rec.Body.Bytes(), &out) == nil && len(out) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestQueryErrors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		path string
		want int
	}{
		{"/v1/pools/9", http.StatusNotFound},
		{"/v1/pools/abc", http.StatusBadRequest},
		{"/v1/pools/0/preview-deposit", http.StatusBadRequest},
		{"/v1/redemptions/77", http.StatusNotFound},
		{"/v1/redemptions/x", http.StatusBadRequest},
		{"/v1/redemptions", http.StatusBadRequest},
		{"/v1/redemptions?owner=alice&limit=0", http.StatusBadRequest},
		{"/v1/balances", http.StatusBadRequest},
		{"/v1/balances?account=pool:0:deposit:USDC", http.StatusServiceUnavailable},
		{"/v1/journals?account=pool:0:deposit:USDC", http.StatusServiceUnavailable},
		{"/v1/nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			code, _ := ts.do(http.MethodGet, tt.path, "")
			assert.Equal(t, tt.want, code)
		})
	}
	assert.Equal(t, float64(2), testutil.ToFloat64(ts.metrics.QueryErrors.WithLabelValues("pool")))
}

func TestAdminRoutes(t *testing.T) {
	ts := newTestServer(t)

	code, resp := ts.do(http.MethodGet, "/v1/admin/integrity", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, resp["is_healthy"])

	code, resp = ts.do(http.MethodPost, "/v1/admin/snapshot", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(0), resp["sequence"])
	assert.Equal(t, 1, ts.snapshots)

	code, _ = ts.do(http.MethodPost, "/v1/admin/rebuild-projections", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestProbes(t *testing.T) {
	ts := newTestServer(t)

	code, resp := ts.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alive", resp["status"])

	code, _ = ts.do(http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	ts.health.SetReady(true)
	ts.health.AddCheck("postgres", func(context.Context) error { return fmt.Errorf("down") })
	code, resp = ts.do(http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", resp["status"])
}
