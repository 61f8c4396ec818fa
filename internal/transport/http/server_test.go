package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"talon/internal/execution"
	"talon/internal/gateway/broker"
	"talon/internal/store/auditlog"
	"talon/internal/store/memstore"
	"talon/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type stubRisk struct {
	utils    []types.Utilization
	resetErr error
	resets   []string
}

func (s *stubRisk) CheckAccount(context.Context, string) ([]types.Utilization, error) {
	return s.utils, nil
}

func (s *stubRisk) ResetBreaker(_ context.Context, accountID string) error {
	if s.resetErr != nil {
		return s.resetErr
	}
	s.resets = append(s.resets, accountID)
	return nil
}

type testAPI struct {
	store *memstore.Store
	exec  *execution.Executor
	risk  *stubRisk
	audit *auditlog.Store
	srv   *Server
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	st := memstore.New()
	gw := broker.NewPaperGateway()
	exec := execution.NewExecutor(gw, st, execution.Config{InterBatchDelay: 0})
	audit, err := auditlog.New(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { audit.Close() })

	risk := &stubRisk{}
	srv, err := NewServer(ServerConfig{
		Addr: ":0",
		Router: &Router{
			Positions:  st,
			RiskStore:  st,
			Executions: exec,
			Risk:       risk,
			Audit:      audit,
		},
	})
	require.NoError(t, err)
	return &testAPI{store: st, exec: exec, risk: risk, audit: audit, srv: srv}
}

func (a *testAPI) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	a.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", gjson.Get(rec.Body.String(), "status").String())
}

func TestPositionEndpoints(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()
	require.NoError(t, a.store.SavePosition(ctx, types.Position{
		ID: "pos-1", AccountID: "acct-1", Instrument: "NIFTY",
		Status: types.PositionActive, OpenedAt: time.Now(),
	}))

	rec := a.do(t, http.MethodGet, "/api/positions?account_id=acct-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), gjson.Get(rec.Body.String(), "count").Int())

	rec = a.do(t, http.MethodGet, "/api/positions/pos-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "NIFTY", gjson.Get(rec.Body.String(), "instrument").String())

	rec = a.do(t, http.MethodGet, "/api/positions/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecutionProgressAndCancel(t *testing.T) {
	a := newTestAPI(t)
	res, err := a.exec.Execute(context.Background(), execution.Request{
		AccountID:     "acct-1",
		TotalQuantity: 40,
		Legs:          []execution.Leg{{Symbol: "NIFTY2608724500CE", Side: broker.Sell}},
		OrderType:     broker.Market,
	})
	require.NoError(t, err)

	rec := a.do(t, http.MethodGet, "/api/executions/"+res.ControlID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Equal(t, float64(100), gjson.Get(body, "percent_complete").Float())
	assert.Equal(t, int64(2), gjson.Get(body, "control.total_batches").Int())

	rec = a.do(t, http.MethodPost, "/api/executions/"+res.ControlID+"/cancel", `{"reason":"fat finger"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fat finger", gjson.Get(rec.Body.String(), "reason").String())

	rec = a.do(t, http.MethodGet, "/api/executions/"+res.ControlID, "")
	assert.True(t, gjson.Get(rec.Body.String(), "control.cancelled").Bool())

	rec = a.do(t, http.MethodGet, "/api/executions/unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRiskEndpoints(t *testing.T) {
	a := newTestAPI(t)
	a.risk.utils = []types.Utilization{{
		AccountID: "acct-1", Kind: types.LimitDaily, Loss: 50_000, Limit: 100_000, Ratio: 0.5,
	}}
	require.NoError(t, a.store.SaveBreakerState(context.Background(), types.CircuitBreakerState{
		AccountID: "acct-1", Active: true, Reason: "daily_loss limit breached",
	}))

	rec := a.do(t, http.MethodGet, "/api/risk/utilization?account_id=acct-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0.5, gjson.Get(rec.Body.String(), "utilization.0.ratio").Float())

	rec = a.do(t, http.MethodGet, "/api/risk/utilization", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodGet, "/api/risk/breakers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "acct-1", gjson.Get(rec.Body.String(), "breakers.0.account_id").String())

	rec = a.do(t, http.MethodPost, "/api/risk/breakers/acct-1/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"acct-1"}, a.risk.resets)

	a.risk.resetErr = fmt.Errorf("no active breaker for acct-1")
	rec = a.do(t, http.MethodPost, "/api/risk/breakers/acct-1/reset", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAuditQuery(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()
	require.NoError(t, a.audit.Append(ctx, auditlog.Entry{
		Category:  auditlog.CategoryExit,
		AccountID: "acct-1",
		Action:    "position_closed",
		Summary:   "target hit",
	}))
	require.NoError(t, a.audit.Append(ctx, auditlog.Entry{
		Category:  auditlog.CategoryEntry,
		AccountID: "acct-2",
		Action:    "position_opened",
		Summary:   "strangle",
	}))

	rec := a.do(t, http.MethodGet, "/api/audit?account_id=acct-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), gjson.Get(rec.Body.String(), "count").Int())
	assert.Equal(t, "position_closed", gjson.Get(rec.Body.String(), "entries.0.action").String())

	rec = a.do(t, http.MethodGet, "/api/audit?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServerRequiresRouter(t *testing.T) {
	_, err := NewServer(ServerConfig{Addr: ":0"})
	assert.Error(t, err)
}
