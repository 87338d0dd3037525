// Package domain holds the core entities shared across services: agents, sessions,
// transactions, holdings, daily performance snapshots, and the model catalog.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AgentMode selects the tool set and task brief an execution runs with.
type AgentMode string

const (
	ModeTrading     AgentMode = "TRADING"
	ModeRebalancing AgentMode = "REBALANCING"
)

// IsValid reports whether m is a recognized mode.
func (m AgentMode) IsValid() bool {
	switch m {
	case ModeTrading, ModeRebalancing:
		return true
	default:
		return false
	}
}

// AgentModeFromString parses s case-insensitively into an AgentMode.
func AgentModeFromString(s string) (AgentMode, error) {
	switch AgentMode(s) {
	case ModeTrading, ModeRebalancing:
		return AgentMode(s), nil
	}
	upper := AgentMode(toUpper(s))
	if upper.IsValid() {
		return upper, nil
	}
	return "", ErrUnknownMode
}

func toUpper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 32
		}
	}
	return string(b)
}

// AgentStatus is the persistent lifecycle status of an Agent.
type AgentStatus string

const (
	AgentStatusActive    AgentStatus = "ACTIVE"
	AgentStatusInactive  AgentStatus = "INACTIVE"
	AgentStatusError     AgentStatus = "ERROR"
	AgentStatusSuspended AgentStatus = "SUSPENDED"
)

// InvestmentPreferences is the free-form configuration an agent carries into every run.
// Absent or malformed preferences fall back to DefaultInvestmentPreferences — see
// the Tool Registry / agent service for the resilience contract (grounded on the
// original's parse_investment_preferences).
type InvestmentPreferences struct {
	EnabledTools      map[string]bool `json:"enabled_tools"`
	RiskTolerance     string          `json:"risk_tolerance"`
	MaxSinglePosition float64         `json:"max_single_position"`
}

// DefaultInvestmentPreferences mirrors the original's _get_default_preferences().
func DefaultInvestmentPreferences() InvestmentPreferences {
	return InvestmentPreferences{
		EnabledTools: map[string]bool{
			"fundamental_analysis": true,
			"technical_analysis":   true,
			"risk_assessment":      true,
			"sentiment_analysis":   true,
			"web_search":           true,
			"code_interpreter":     true,
		},
		RiskTolerance:     "moderate",
		MaxSinglePosition: 10.0,
	}
}

// Agent is a persistent, user-defined trader with identity, capital, mode, and strategy.
type Agent struct {
	ID                     string                 `json:"id"`
	Name                   string                 `json:"name"`
	Description            string                 `json:"description"`
	ModelKey               string                 `json:"model_key"`
	Provider               string                 `json:"provider"`
	InitialFunds           decimal.Decimal        `json:"initial_funds"`
	CurrentFunds           decimal.Decimal        `json:"current_funds"`
	CurrentMode            AgentMode              `json:"current_mode"`
	Status                 AgentStatus            `json:"status"`
	InvestmentPreferences  InvestmentPreferences  `json:"investment_preferences"`
	MaxPositionSize        float64                `json:"max_position_size"`
	CreatedAt              time.Time              `json:"created_at"`
	UpdatedAt              time.Time              `json:"updated_at"`
	LastActiveAt           *time.Time             `json:"last_active_at,omitempty"`
}

// SessionStatus is the lifecycle status of a Session. Transitions are monotonic:
// PENDING -> RUNNING -> one of {COMPLETED, FAILED, CANCELLED, TIMEOUT}.
type SessionStatus string

const (
	SessionPending   SessionStatus = "PENDING"
	SessionRunning   SessionStatus = "RUNNING"
	SessionCompleted SessionStatus = "COMPLETED"
	SessionFailed    SessionStatus = "FAILED"
	SessionCancelled SessionStatus = "CANCELLED"
	SessionTimeout   SessionStatus = "TIMEOUT"
)

// IsTerminal reports whether s is one of the terminal statuses.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionCancelled, SessionTimeout:
		return true
	default:
		return false
	}
}

// Session is one bounded execution of an agent in one mode.
type Session struct {
	ID              string         `json:"id"`
	AgentID         string         `json:"agent_id"`
	Mode            AgentMode      `json:"mode"`
	Status          SessionStatus  `json:"status"`
	StartTime       time.Time      `json:"start_time"`
	EndTime         *time.Time     `json:"end_time,omitempty"`
	ExecutionTimeMs *int64         `json:"execution_time_ms,omitempty"`
	InitialInput    map[string]any `json:"initial_input,omitempty"`
	FinalOutput     map[string]any `json:"final_output,omitempty"`
	ToolsCalled     []string       `json:"tools_called,omitempty"`
	ErrorMessage    *string        `json:"error_message,omitempty"`
}

// TradeAction is BUY or SELL.
type TradeAction string

const (
	ActionBuy  TradeAction = "BUY"
	ActionSell TradeAction = "SELL"
)

// IsValid reports whether a is BUY or SELL.
func (a TradeAction) IsValid() bool {
	switch a {
	case ActionBuy, ActionSell:
		return true
	default:
		return false
	}
}

// TransactionStatus tracks a Transaction's lifecycle. Once EXECUTED a row is immutable.
type TransactionStatus string

const (
	TransactionPending  TransactionStatus = "PENDING"
	TransactionExecuted TransactionStatus = "EXECUTED"
	TransactionFailed   TransactionStatus = "FAILED"
)

// Transaction is one trade record, authoritative for holdings/funds derivation once EXECUTED.
type Transaction struct {
	ID             string            `json:"id"`
	AgentID        string            `json:"agent_id"`
	SessionID      *string           `json:"session_id,omitempty"`
	Ticker         string            `json:"ticker"`
	CompanyName    string            `json:"company_name"`
	Action         TradeAction       `json:"action"`
	Quantity       int64             `json:"quantity"`
	Price          decimal.Decimal   `json:"price"`
	TotalAmount    decimal.Decimal   `json:"total_amount"`
	Commission     decimal.Decimal   `json:"commission"`
	Status         TransactionStatus `json:"status"`
	ExecutionTime  time.Time         `json:"execution_time"`
	DecisionReason string            `json:"decision_reason"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Holding is a unique (agent_id, ticker) position.
type Holding struct {
	AgentID      string          `json:"agent_id"`
	Ticker       string          `json:"ticker"`
	CompanyName  string          `json:"company_name"`
	Quantity     int64           `json:"quantity"`
	AverageCost  decimal.Decimal `json:"average_cost"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// DailyPerformance is a unique (agent_id, date) snapshot of derived metrics.
type DailyPerformance struct {
	AgentID              string          `json:"agent_id"`
	Date                 time.Time       `json:"date"`
	TotalValue           decimal.Decimal `json:"total_value"`
	CashBalance          decimal.Decimal `json:"cash_balance"`
	UnrealizedPnL        decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL          decimal.Decimal `json:"realized_pnl"`
	TotalReturn          *float64        `json:"total_return"`
	DailyReturn          *float64        `json:"daily_return"`
	WinRate              *float64        `json:"win_rate"`
	MaxDrawdown          *float64        `json:"max_drawdown"`
	SharpeRatio          *float64        `json:"sharpe_ratio"`
	SortinoRatio         *float64        `json:"sortino_ratio"`
	CalmarRatio          *float64        `json:"calmar_ratio"`
	TotalTrades          int             `json:"total_trades"`
	SellTradesCount      int             `json:"sell_trades_count"`
	WinningTradesCorrect int             `json:"winning_trades_correct"`
}

// ModelCatalog describes one LLM the Agent Runtime may select via Agent.ModelKey.
type ModelCatalog struct {
	ModelKey    string `json:"model_key"`
	DisplayName string `json:"display_name"`
	Provider    string `json:"provider"`
	Prefix      string `json:"prefix"`
	FullModel   string `json:"full_model"`
	APIKeyEnv   string `json:"api_key_env_var"`
	Enabled     bool   `json:"enabled"`
	CostHint    string `json:"cost_hint"`
}
