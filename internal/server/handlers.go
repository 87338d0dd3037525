package server

import (
	"encoding/json"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/casualtrader/agent-orchestrator/internal/apperrors"
	"github.com/casualtrader/agent-orchestrator/internal/domain"
	"github.com/casualtrader/agent-orchestrator/internal/events"
)

// writeJSON encodes v as the response body with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the standard {"detail": "..."} error shape, mapping err to an HTTP
// status via apperrors.HTTPStatus.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apperrors.HTTPStatus(err), map[string]string{"detail": err.Error()})
}

func (s *Server) setupAgentRoutes(r chi.Router) {
	r.Route("/agents", func(r chi.Router) {
		r.Post("/", s.handleCreateAgent)
		r.Get("/", s.handleListAgents)
		r.Get("/{id}", s.handleGetAgent)
		r.Put("/{id}", s.handleUpdateAgent)
		r.Delete("/{id}", s.handleDeleteAgent)
		r.Post("/{id}/start", s.handleStartAgent)
		r.Post("/{id}/stop", s.handleStopAgent)
	})

	r.Route("/agent-execution", func(r chi.Router) {
		r.Get("/{agent_id}/history", s.handleExecutionHistory)
		r.Get("/{agent_id}/sessions/{session_id}", s.handleExecutionSessionDetail)
	})
}

type createAgentRequest struct {
	Name                  string                         `json:"name"`
	Description           string                         `json:"description"`
	ModelKey              string                         `json:"model_key"`
	InitialFunds          string                         `json:"initial_funds"`
	CurrentMode           string                         `json:"current_mode"`
	InvestmentPreferences *domain.InvestmentPreferences `json:"investment_preferences,omitempty"`
	MaxPositionSize       float64                        `json:"max_position_size"`
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errAs(apperrors.ErrValidation, "invalid request body"))
		return
	}

	mode, err := domain.AgentModeFromString(req.CurrentMode)
	if err != nil {
		writeError(w, errAs(apperrors.ErrValidation, err.Error()))
		return
	}

	initialFunds, err := decimal.NewFromString(req.InitialFunds)
	if err != nil {
		writeError(w, errAs(apperrors.ErrValidation, "invalid initial_funds"))
		return
	}

	prefs := domain.DefaultInvestmentPreferences()
	if req.InvestmentPreferences != nil {
		prefs = *req.InvestmentPreferences
	}

	now := time.Now().UTC()
	agent := &domain.Agent{
		ID:                    uuid.NewString(),
		Name:                  req.Name,
		Description:           req.Description,
		ModelKey:              req.ModelKey,
		InitialFunds:          initialFunds,
		CurrentFunds:          initialFunds,
		CurrentMode:           mode,
		Status:                domain.AgentStatusActive,
		InvestmentPreferences: prefs,
		MaxPositionSize:       req.MaxPositionSize,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	if err := s.cfg.Agents.Create(r.Context(), agent); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.cfg.Agents.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.cfg.Agents.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

type updateAgentRequest struct {
	Name                  string                         `json:"name"`
	Description           string                         `json:"description"`
	CurrentMode           string                         `json:"current_mode"`
	Status                string                         `json:"status"`
	InvestmentPreferences *domain.InvestmentPreferences `json:"investment_preferences,omitempty"`
	MaxPositionSize       float64                        `json:"max_position_size"`
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	agent, err := s.cfg.Agents.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	var req updateAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errAs(apperrors.ErrValidation, "invalid request body"))
		return
	}

	mode, err := domain.AgentModeFromString(req.CurrentMode)
	if err != nil {
		writeError(w, errAs(apperrors.ErrValidation, err.Error()))
		return
	}

	prevMode, prevPrefs := agent.CurrentMode, agent.InvestmentPreferences
	agent.Name = req.Name
	agent.Description = req.Description
	agent.CurrentMode = mode
	agent.Status = domain.AgentStatus(strings.ToUpper(req.Status))
	agent.MaxPositionSize = req.MaxPositionSize
	if req.InvestmentPreferences != nil {
		agent.InvestmentPreferences = *req.InvestmentPreferences
	}

	if err := s.cfg.Agents.Update(r.Context(), agent); err != nil {
		writeError(w, err)
		return
	}
	if prevMode != agent.CurrentMode || !reflect.DeepEqual(prevPrefs, agent.InvestmentPreferences) {
		s.cfg.Bus.EmitStrategyChange(agent.ID, map[string]any{
			"current_mode":           agent.CurrentMode,
			"investment_preferences": agent.InvestmentPreferences,
		})
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Agents.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type startAgentRequest struct {
	Mode         string         `json:"mode"`
	InitialInput map[string]any `json:"initial_input,omitempty"`
}

func (s *Server) handleStartAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	agent, err := s.cfg.Agents.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	var req startAgentRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	mode := agent.CurrentMode
	if req.Mode != "" {
		parsed, err := domain.AgentModeFromString(req.Mode)
		if err != nil {
			writeError(w, errAs(apperrors.ErrValidation, err.Error()))
			return
		}
		mode = parsed
	}

	sess, err := s.cfg.Trading.ExecuteSingleMode(r.Context(), agent, mode, req.InitialInput, s.cfg.DefaultAgentTimeout)
	if err != nil {
		writeError(w, err)
		return
	}

	s.cfg.Bus.EmitExecutionLifecycle(events.ExecutionStarted, agent.ID, sess.ID)
	writeJSON(w, http.StatusAccepted, sess)
}

func (s *Server) handleStopAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sessionID, ok := s.cfg.Trading.StopAgent(id)
	if !ok {
		writeError(w, apperrors.ErrSessionNotFound)
		return
	}
	s.cfg.Bus.EmitExecutionLifecycle(events.ExecutionStopped, id, sessionID)
	writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID, "status": "stopping"})
}

func (s *Server) handleExecutionHistory(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent_id")
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	sessions, err := s.cfg.Sessions.History(r.Context(), agentID, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	type sessionSummary struct {
		*domain.Session
		TradeCount    int    `json:"trade_count"`
		FilledCount   int    `json:"filled_count"`
		TotalNotional string `json:"total_notional"`
	}

	out := make([]sessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		txs, err := s.cfg.Txs.ListBySession(r.Context(), sess.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		filled := 0
		notional := decimal.Zero
		for _, t := range txs {
			if strings.EqualFold(string(t.Status), string(domain.TransactionExecuted)) {
				filled++
				notional = notional.Add(t.TotalAmount)
			}
		}
		out = append(out, sessionSummary{
			Session:       sess,
			TradeCount:    len(txs),
			FilledCount:   filled,
			TotalNotional: notional.String(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleExecutionSessionDetail(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	sess, err := s.cfg.Sessions.Get(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	txs, err := s.cfg.Txs.ListBySession(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":      sess,
		"trades":       txs,
		"tools_called": sess.ToolsCalled,
	})
}

func (s *Server) setupTradingRoutes(r chi.Router) {
	r.Route("/trading/agents", func(r chi.Router) {
		r.Get("/{id}/portfolio", s.handlePortfolio)
		r.Get("/{id}/performance-history", s.handlePerformanceHistory)
	})
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	agent, err := s.cfg.Agents.Get(r.Context(), agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	holdings, err := s.cfg.Holdings.ListByAgent(r.Context(), agentID)
	if err != nil {
		writeError(w, err)
		return
	}

	prices, err := s.cfg.Metrics.FetchPrices(r.Context(), agentID)
	if err != nil {
		s.log.Warn().Err(err).Str("agent_id", agentID).Msg("price fetch failed for portfolio view")
	}

	totalValue := agent.CurrentFunds
	for _, h := range holdings {
		if price, ok := prices[h.Ticker]; ok {
			totalValue = totalValue.Add(decimal.NewFromFloat(price).Mul(decimal.NewFromInt(h.Quantity)))
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"cash_balance": agent.CurrentFunds.String(),
		"holdings":     holdings,
		"total_value":  totalValue.String(),
	})
}

func (s *Server) handlePerformanceHistory(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	limit := 30
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	order := r.URL.Query().Get("order")

	history, err := s.cfg.Performance.History(r.Context(), agentID, limit, order)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// errAs wraps sentinel with a request-specific message while keeping errors.Is intact.
func errAs(sentinel error, msg string) error {
	return &wrappedError{sentinel: sentinel, msg: msg}
}

type wrappedError struct {
	sentinel error
	msg      string
}

func (e *wrappedError) Error() string { return e.msg }
func (e *wrappedError) Unwrap() error { return e.sentinel }
