package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casualtrader/agent-orchestrator/internal/database"
	"github.com/casualtrader/agent-orchestrator/internal/database/repositories"
	"github.com/casualtrader/agent-orchestrator/internal/domain"
	"github.com/casualtrader/agent-orchestrator/internal/events"
	"github.com/casualtrader/agent-orchestrator/internal/metrics"
	"github.com/casualtrader/agent-orchestrator/internal/session"
	"github.com/casualtrader/agent-orchestrator/internal/trading"
)

type noopPriceFetcher struct{}

func (noopPriceFetcher) CurrentPrice(ctx context.Context, ticker string) (float64, error) {
	return 0, assert.AnError
}

func setupTestServer(t *testing.T) *Server {
	t.Helper()
	db, err := database.New(database.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	log := zerolog.Nop()
	agents := repositories.NewAgentRepository(db.Conn(), log)
	holdings := repositories.NewHoldingRepository(db.Conn(), log)
	txs := repositories.NewTransactionRepository(db.Conn(), log)
	performance := repositories.NewPerformanceRepository(db.Conn(), log)
	modelCat := repositories.NewModelCatalogRepository(db.Conn(), log)
	sessions := repositories.NewSessionRepository(db.Conn(), log)
	require.NoError(t, modelCat.Seed(context.Background()))

	engine := metrics.New(holdings, txs, performance, noopPriceFetcher{}, log)
	sessionSvc := session.New(sessions, log)
	tradingSvc := trading.New(db, agents, holdings, txs, sessionSvc, engine, nil, log)

	return New(Config{
		Port: 0, Log: log, DevMode: true,
		Agents: agents, Holdings: holdings, Txs: txs, Performance: performance, ModelCat: modelCat,
		Trading: tradingSvc, Sessions: sessionSvc, Metrics: engine, Bus: events.NewBus(log),
		DefaultMaxTurns: 12, DefaultAgentTimeout: 2 * time.Minute,
	})
}

func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	s := setupTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateAndGetAgent(t *testing.T) {
	s := setupTestServer(t)

	createReq := createAgentRequest{
		Name: "Momentum Bot", ModelKey: "openai/gpt-4o-mini",
		InitialFunds: "1000000", CurrentMode: string(domain.ModeTrading),
	}
	rec := doRequest(t, s, http.MethodPost, "/api/agents/", createReq)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created domain.Agent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "Momentum Bot", created.Name)

	getRec := doRequest(t, s, http.MethodGet, "/api/agents/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, getRec.Code)

	var fetched domain.Agent
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &fetched))
	assert.Equal(t, created.ID, fetched.ID)
}

func TestGetAgentNotFound(t *testing.T) {
	s := setupTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/api/agents/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body["detail"])
}

func TestCreateAgentRejectsInvalidMode(t *testing.T) {
	s := setupTestServer(t)
	createReq := createAgentRequest{
		Name: "Bad Agent", ModelKey: "openai/gpt-4o-mini",
		InitialFunds: "1000000", CurrentMode: "NOT_A_MODE",
	}
	rec := doRequest(t, s, http.MethodPost, "/api/agents/", createReq)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestCreateAgentRejectsInvalidFunds(t *testing.T) {
	s := setupTestServer(t)
	createReq := createAgentRequest{
		Name: "Bad Agent", ModelKey: "openai/gpt-4o-mini",
		InitialFunds: "not-a-number", CurrentMode: string(domain.ModeTrading),
	}
	rec := doRequest(t, s, http.MethodPost, "/api/agents/", createReq)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestListAgents(t *testing.T) {
	s := setupTestServer(t)
	for _, name := range []string{"A", "B"} {
		doRequest(t, s, http.MethodPost, "/api/agents/", createAgentRequest{
			Name: name, ModelKey: "openai/gpt-4o-mini", InitialFunds: "500000", CurrentMode: string(domain.ModeTrading),
		})
	}

	rec := doRequest(t, s, http.MethodGet, "/api/agents/", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var agents []domain.Agent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agents))
	assert.Len(t, agents, 2)
}

func TestUpdateAgent(t *testing.T) {
	s := setupTestServer(t)
	createRec := doRequest(t, s, http.MethodPost, "/api/agents/", createAgentRequest{
		Name: "Original", ModelKey: "openai/gpt-4o-mini", InitialFunds: "500000", CurrentMode: string(domain.ModeTrading),
	})
	var created domain.Agent
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))

	updateRec := doRequest(t, s, http.MethodPut, "/api/agents/"+created.ID, updateAgentRequest{
		Name: "Renamed", CurrentMode: string(domain.ModeRebalancing), Status: string(domain.AgentStatusSuspended),
	})
	require.Equal(t, http.StatusOK, updateRec.Code)

	var updated domain.Agent
	require.NoError(t, json.Unmarshal(updateRec.Body.Bytes(), &updated))
	assert.Equal(t, "Renamed", updated.Name)
	assert.Equal(t, domain.AgentStatusSuspended, updated.Status)
}

func TestDeleteAgent(t *testing.T) {
	s := setupTestServer(t)
	createRec := doRequest(t, s, http.MethodPost, "/api/agents/", createAgentRequest{
		Name: "Disposable", ModelKey: "openai/gpt-4o-mini", InitialFunds: "500000", CurrentMode: string(domain.ModeTrading),
	})
	var created domain.Agent
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))

	delRec := doRequest(t, s, http.MethodDelete, "/api/agents/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, delRec.Code)

	getRec := doRequest(t, s, http.MethodGet, "/api/agents/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, getRec.Code)
}

func TestStartAgentFailsWithoutRuntimeFactory(t *testing.T) {
	s := setupTestServer(t)
	createRec := doRequest(t, s, http.MethodPost, "/api/agents/", createAgentRequest{
		Name: "Runner", ModelKey: "openai/gpt-4o-mini", InitialFunds: "500000", CurrentMode: string(domain.ModeTrading),
	})
	var created domain.Agent
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))

	rec := doRequest(t, s, http.MethodPost, "/api/agents/"+created.ID+"/start", startAgentRequest{Mode: string(domain.ModeTrading)})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestStopAgentWithNoActiveExecution(t *testing.T) {
	s := setupTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/api/agents/nonexistent/stop", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPortfolioForAgentWithNoHoldings(t *testing.T) {
	s := setupTestServer(t)
	createRec := doRequest(t, s, http.MethodPost, "/api/agents/", createAgentRequest{
		Name: "Empty Portfolio", ModelKey: "openai/gpt-4o-mini", InitialFunds: "250000", CurrentMode: string(domain.ModeTrading),
	})
	var created domain.Agent
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))

	rec := doRequest(t, s, http.MethodGet, "/api/trading/agents/"+created.ID+"/portfolio", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "250000", body["cash_balance"])
	assert.Equal(t, "250000", body["total_value"])
}

func TestPerformanceHistoryEmpty(t *testing.T) {
	s := setupTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/api/trading/agents/agent-1/performance-history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null\n", rec.Body.String())
}

func TestExecutionHistoryEmpty(t *testing.T) {
	s := setupTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/api/agent-execution/agent-1/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
}
