// Package trading implements the Trading Service (SPEC_FULL.md §4.4): the single-flight
// execution registry and the atomic trade primitive every BUY/SELL tool call goes
// through. It is the hardest subsystem in the orchestrator, tying the Persistence Store,
// the Derived-Metrics Engine, and a caller-supplied Agent Runtime together under one
// *sql.Tx per trade.
package trading

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/casualtrader/agent-orchestrator/internal/apperrors"
	"github.com/casualtrader/agent-orchestrator/internal/database"
	"github.com/casualtrader/agent-orchestrator/internal/database/repositories"
	"github.com/casualtrader/agent-orchestrator/internal/domain"
	"github.com/casualtrader/agent-orchestrator/internal/metrics"
)

// MarketHours is the narrow surface ExecuteTradeAtomic needs to gate a trade on the
// simulated TWSE session being open. Satisfied by *scheduler.MarketHoursService; a nil
// MarketHours disables the check entirely (used by tests). cmd/server always passes the
// MarketHoursService, whether or not SKIP_MARKET_CHECK is set.
type MarketHours interface {
	IsOpen(now time.Time) bool
}

// commissionRate is the flat Taiwan-market brokerage commission rate applied to every
// trade's notional value (SPEC_FULL.md §4.4).
const commissionRate = "0.001425"

// AgentRuntime is the minimal surface ExecuteSingleMode needs from an Agent Runtime
// instance. Defined here (not imported from internal/runtime) because internal/runtime
// imports this package; main.go wires a *runtime.Factory in as the RuntimeFactory, and
// the *runtime.Runtime it builds structurally satisfies this.
type AgentRuntime interface {
	Run(ctx context.Context) (*RunResult, error)
}

// RunResult is what one bounded Agent Runtime execution reports back to the Session
// Service for persistence.
type RunResult struct {
	FinalOutput map[string]any
	ToolsCalled []string
}

// RuntimeFactory builds the AgentRuntime bound to one session. Supplied by main.go,
// backed by internal/runtime.Factory.
type RuntimeFactory interface {
	NewRuntime(ctx context.Context, agent *domain.Agent, session *domain.Session) (AgentRuntime, error)
}

// SessionService is the narrow session-lifecycle surface ExecuteSingleMode needs.
type SessionService interface {
	CreateSession(ctx context.Context, agentID string, mode domain.AgentMode, initialInput map[string]any) (*domain.Session, error)
	Start(ctx context.Context, sessionID string) error
	UpdateSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus, finalOutput map[string]any, toolsCalled []string, errMsg *string) error
}

// TradeRequest is the input to ExecuteTradeAtomic, gathered from a tool invocation.
type TradeRequest struct {
	AgentID        string
	SessionID      string
	Ticker         string
	CompanyName    string
	Action         domain.TradeAction
	Quantity       int64
	Price          decimal.Decimal
	DecisionReason string
}

// TradeResult mirrors the {success, transaction_id, session_id, message} /
// {success:false, error} contract SPEC_FULL.md §4.4 specifies for tool consumption.
type TradeResult struct {
	Success       bool   `json:"success"`
	TransactionID string `json:"transaction_id,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	Message       string `json:"message,omitempty"`
	Error         string `json:"error,omitempty"`
}

// executionHandle is the single-flight registry entry for one agent's in-flight run.
type executionHandle struct {
	sessionID string
	cancel    context.CancelFunc
}

// Service is the Trading Service: single-flight execution registry plus the atomic
// trade primitive.
type Service struct {
	db          *database.DB
	agents      *repositories.AgentRepository
	holdings    *repositories.HoldingRepository
	txs         *repositories.TransactionRepository
	sessions    SessionService
	metrics     *metrics.Engine
	marketHours MarketHours
	runtimeFact RuntimeFactory
	log         zerolog.Logger

	mu       sync.Mutex
	inFlight map[string]*executionHandle
}

// New builds a Trading Service. SetRuntimeFactory must be called before ExecuteSingleMode.
func New(db *database.DB, agents *repositories.AgentRepository, holdings *repositories.HoldingRepository, txs *repositories.TransactionRepository, sessions SessionService, metricsEngine *metrics.Engine, marketHours MarketHours, log zerolog.Logger) *Service {
	return &Service{
		db:          db,
		agents:      agents,
		holdings:    holdings,
		txs:         txs,
		sessions:    sessions,
		metrics:     metricsEngine,
		marketHours: marketHours,
		log:         log.With().Str("component", "trading_service").Logger(),
		inFlight:    make(map[string]*executionHandle),
	}
}

// SetRuntimeFactory wires the Agent Runtime constructor in. Split from New to break the
// trading <-> runtime wiring cycle: main.go builds the Trading Service first (the runtime
// factory takes the *trading.Service for its trade tool), then the runtime factory, then
// wires it back here.
func (s *Service) SetRuntimeFactory(f RuntimeFactory) {
	s.runtimeFact = f
}

// ExecuteSingleMode runs one bounded agent execution end to end: claims the single-flight
// slot, opens a session, runs the Agent Runtime under a deadline, and releases the slot
// on any outcome. Returns apperrors.ErrAgentBusy if the agent already has an execution
// in flight.
func (s *Service) ExecuteSingleMode(ctx context.Context, agent *domain.Agent, mode domain.AgentMode, initialInput map[string]any, timeout time.Duration) (*domain.Session, error) {
	if s.runtimeFact == nil {
		return nil, fmt.Errorf("trading service: runtime factory not wired")
	}

	// The run outlives this request: ServeHTTP returns (and cancels r.Context()) the
	// instant the 202 is written, well before the Agent Runtime finishes. Detach from
	// ctx's cancellation — keeping only its values — before applying our own deadline,
	// so the goroutine below isn't killed the moment the handler responds.
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)

	s.mu.Lock()
	if _, busy := s.inFlight[agent.ID]; busy {
		s.mu.Unlock()
		cancel()
		return nil, apperrors.ErrAgentBusy
	}
	handle := &executionHandle{cancel: cancel}
	s.inFlight[agent.ID] = handle
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		delete(s.inFlight, agent.ID)
		s.mu.Unlock()
		cancel()
	}

	session, err := s.sessions.CreateSession(runCtx, agent.ID, mode, initialInput)
	if err != nil {
		release()
		return nil, fmt.Errorf("create session: %w", err)
	}
	handle.sessionID = session.ID

	rt, err := s.runtimeFact.NewRuntime(runCtx, agent, session)
	if err != nil {
		errMsg := err.Error()
		_ = s.sessions.UpdateSessionStatus(ctx, session.ID, domain.SessionFailed, nil, nil, &errMsg)
		release()
		return nil, fmt.Errorf("build agent runtime: %w", err)
	}

	go func() {
		defer release()

		if err := s.sessions.Start(runCtx, session.ID); err != nil {
			s.log.Error().Err(err).Str("session_id", session.ID).Msg("failed to transition session to RUNNING")
		}

		result, runErr := rt.Run(runCtx)

		status := domain.SessionCompleted
		var errMsg *string
		var finalOutput map[string]any
		var toolsCalled []string

		switch {
		case runErr != nil && runCtx.Err() == context.DeadlineExceeded:
			status = domain.SessionTimeout
			msg := runErr.Error()
			errMsg = &msg
		case runErr != nil && runCtx.Err() == context.Canceled:
			status = domain.SessionCancelled
			msg := runErr.Error()
			errMsg = &msg
		case runErr != nil:
			status = domain.SessionFailed
			msg := runErr.Error()
			errMsg = &msg
		default:
			finalOutput = result.FinalOutput
			toolsCalled = result.ToolsCalled
		}

		if updErr := s.sessions.UpdateSessionStatus(context.Background(), session.ID, status, finalOutput, toolsCalled, errMsg); updErr != nil {
			s.log.Error().Err(updErr).Str("session_id", session.ID).Msg("failed to persist terminal session status")
		}
	}()

	return session, nil
}

// StopAgent cancels agentID's in-flight execution, if any. The registry entry is
// released by the run goroutine itself, not here.
func (s *Service) StopAgent(agentID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	handle, ok := s.inFlight[agentID]
	if !ok {
		return "", false
	}
	handle.cancel()
	return handle.sessionID, true
}

// IsBusy reports whether agentID currently has an execution in flight.
func (s *Service) IsBusy(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, busy := s.inFlight[agentID]
	return busy
}

// validateTrade applies the pre-transaction checks SPEC_FULL.md §4.4 requires before
// any database write is attempted.
func validateTrade(req TradeRequest) error {
	if !req.Action.IsValid() {
		return fmt.Errorf("%w: action must be BUY or SELL", apperrors.ErrValidation)
	}
	if req.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", apperrors.ErrValidation)
	}
	if req.Quantity%1000 != 0 {
		return fmt.Errorf("%w: quantity must be a multiple of 1000", apperrors.ErrValidation)
	}
	if !req.Price.IsPositive() {
		return fmt.Errorf("%w: price must be positive", apperrors.ErrValidation)
	}
	return nil
}

// ExecuteTradeAtomic is the core primitive: Transaction insert, Holding upsert, funds
// update, and Derived-Metrics recompute all commit or all roll back together.
func (s *Service) ExecuteTradeAtomic(ctx context.Context, req TradeRequest) TradeResult {
	if err := validateTrade(req); err != nil {
		return TradeResult{Success: false, Error: err.Error()}
	}
	if req.SessionID == "" {
		return TradeResult{Success: false, Error: fmt.Sprintf("%v: no active session for agent", apperrors.ErrValidation)}
	}
	if s.marketHours != nil && !s.marketHours.IsOpen(time.Now()) {
		return TradeResult{Success: false, Error: apperrors.ErrMarketClosed.Error()}
	}

	prices, err := s.metrics.FetchPrices(ctx, req.AgentID)
	if err != nil {
		s.log.Warn().Err(err).Str("agent_id", req.AgentID).Msg("price fetch failed before atomic trade, proceeding with partial prices")
	}

	txID := newID()
	now := time.Now().UTC()
	commission := req.Quantity2Decimal().Mul(req.Price).Mul(decimal.RequireFromString(commissionRate))
	totalAmount := req.Quantity2Decimal().Mul(req.Price)

	var fundsChange decimal.Decimal
	switch req.Action {
	case domain.ActionBuy:
		fundsChange = totalAmount.Add(commission).Neg()
	case domain.ActionSell:
		fundsChange = totalAmount.Sub(commission)
	}

	sessionID := req.SessionID
	err = database.WithTransactionContext(ctx, s.db.Conn(), nil, func(tx *sql.Tx) error {
		agent, err := s.agents.GetTx(ctx, tx, req.AgentID)
		if err != nil {
			return err
		}

		newFunds := agent.CurrentFunds.Add(fundsChange)
		if req.Action == domain.ActionBuy && newFunds.IsNegative() {
			return apperrors.ErrInsufficientFunds
		}

		holding, err := s.holdings.GetTx(ctx, tx, req.AgentID, req.Ticker)
		if err != nil {
			return err
		}

		switch req.Action {
		case domain.ActionBuy:
			oldQty := decimal.NewFromInt(holding.Quantity)
			newQtyInt := holding.Quantity + req.Quantity
			newQty := decimal.NewFromInt(newQtyInt)
			newAvg := holding.AverageCost.Mul(oldQty).Add(req.Price.Mul(req.Quantity2Decimal())).Div(newQty)
			holding.Quantity = newQtyInt
			holding.AverageCost = newAvg
			if req.CompanyName != "" {
				holding.CompanyName = req.CompanyName
			}
		case domain.ActionSell:
			newQtyInt := holding.Quantity - req.Quantity
			if newQtyInt < 0 {
				return apperrors.ErrInsufficientHoldings
			}
			holding.Quantity = newQtyInt
			if newQtyInt == 0 {
				holding.AverageCost = decimal.Zero
			}
		}

		tran := &domain.Transaction{
			ID:             txID,
			AgentID:        req.AgentID,
			SessionID:      &sessionID,
			Ticker:         req.Ticker,
			CompanyName:    req.CompanyName,
			Action:         req.Action,
			Quantity:       req.Quantity,
			Price:          req.Price,
			TotalAmount:    totalAmount,
			Commission:     commission,
			Status:         domain.TransactionExecuted,
			ExecutionTime:  now,
			DecisionReason: req.DecisionReason,
			CreatedAt:      now,
		}
		if err := s.txs.InsertTx(ctx, tx, tran); err != nil {
			return err
		}
		if err := s.holdings.UpsertTx(ctx, tx, holding); err != nil {
			return err
		}
		if err := s.agents.UpdateFundsTx(ctx, tx, req.AgentID, newFunds); err != nil {
			return err
		}

		agent.CurrentFunds = newFunds
		if _, err := s.metrics.RecomputeTx(ctx, tx, agent, now, prices); err != nil {
			return err
		}

		return nil
	})

	if err != nil {
		return TradeResult{Success: false, Error: err.Error()}
	}

	return TradeResult{
		Success:       true,
		TransactionID: txID,
		SessionID:     sessionID,
		Message:       fmt.Sprintf("%s %d %s @ %s executed", req.Action, req.Quantity, req.Ticker, req.Price.String()),
	}
}

// Quantity2Decimal converts the integer share quantity to a decimal for arithmetic.
func (r TradeRequest) Quantity2Decimal() decimal.Decimal {
	return decimal.NewFromInt(r.Quantity)
}

func newID() string {
	return uuid.NewString()
}
