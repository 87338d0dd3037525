// Package metrics implements the Derived-Metrics Engine (SPEC_FULL.md §4.9): it turns
// the EXECUTED transaction log, current holdings, and live market prices into the daily
// snapshot persisted in agent_performance. The lot-matching and ratio primitives live in
// pkg/metrics and pkg/formulas; this package wires them to the repository layer.
package metrics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/casualtrader/agent-orchestrator/internal/database/repositories"
	"github.com/casualtrader/agent-orchestrator/internal/domain"
	"github.com/casualtrader/agent-orchestrator/pkg/formulas"
	pkgmetrics "github.com/casualtrader/agent-orchestrator/pkg/metrics"
)

// historyDepth bounds how many prior daily_performance rows feed the drawdown/Sharpe/
// Sortino series. A year of trading days is ample for an annualized ratio.
const historyDepth = 400

// PriceFetcher is the subset of the Market Gateway the engine needs for mark-to-market.
// A ticker whose price cannot be fetched contributes 0 to unrealized P&L and total
// value rather than failing the whole recompute (SPEC_FULL.md §4.9).
type PriceFetcher interface {
	CurrentPrice(ctx context.Context, ticker string) (float64, error)
}

// Engine computes and persists DailyPerformance snapshots.
type Engine struct {
	holdings    *repositories.HoldingRepository
	txs         *repositories.TransactionRepository
	performance *repositories.PerformanceRepository
	gateway     PriceFetcher
	log         zerolog.Logger
}

// New builds an Engine.
func New(holdings *repositories.HoldingRepository, txs *repositories.TransactionRepository, performance *repositories.PerformanceRepository, gateway PriceFetcher, log zerolog.Logger) *Engine {
	return &Engine{holdings: holdings, txs: txs, performance: performance, gateway: gateway, log: log.With().Str("component", "metrics_engine").Logger()}
}

// FetchPrices resolves the current price of every ticker held by agentID, tolerating
// per-ticker gateway failures. Call this before opening the write transaction — the
// Market Gateway subprocess round-trip must never happen while holding a DB lock.
func (e *Engine) FetchPrices(ctx context.Context, agentID string) (map[string]float64, error) {
	holdings, err := e.holdings.ListByAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("list holdings for pricing: %w", err)
	}

	prices := make(map[string]float64, len(holdings))
	if e.gateway == nil {
		return prices, nil
	}
	for _, h := range holdings {
		price, err := e.gateway.CurrentPrice(ctx, h.Ticker)
		if err != nil {
			e.log.Warn().Err(err).Str("ticker", h.Ticker).Msg("price fetch failed, contributing 0 to mark-to-market")
			continue
		}
		prices[h.Ticker] = price
	}
	return prices, nil
}

// RecomputeTx computes today's DailyPerformance for agent and upserts it within tx.
// prices must already contain a best-effort current price per held ticker (see
// FetchPrices); recompute itself performs no external I/O.
func (e *Engine) RecomputeTx(ctx context.Context, tx *sql.Tx, agent *domain.Agent, asOf time.Time, prices map[string]float64) (*domain.DailyPerformance, error) {
	holdings, err := e.holdings.ListByAgentTx(ctx, tx, agent.ID)
	if err != nil {
		return nil, fmt.Errorf("recompute: list holdings: %w", err)
	}
	executed, err := e.txs.ListExecutedByAgentTx(ctx, tx, agent.ID)
	if err != nil {
		return nil, fmt.Errorf("recompute: list transactions: %w", err)
	}
	history, err := e.performance.HistoryTx(ctx, tx, agent.ID, historyDepth, "asc")
	if err != nil {
		return nil, fmt.Errorf("recompute: load history: %w", err)
	}

	unrealized := decimal.Zero
	marketValue := decimal.Zero
	for _, h := range holdings {
		price, ok := prices[h.Ticker]
		if !ok {
			continue
		}
		priceDec := decimal.NewFromFloat(price)
		qty := decimal.NewFromInt(h.Quantity)
		value := priceDec.Mul(qty)
		marketValue = marketValue.Add(value)
		unrealized = unrealized.Add(value.Sub(h.AverageCost.Mul(qty)))
	}

	totalValue := agent.CurrentFunds.Add(marketValue)
	fifoResult := pkgmetrics.MatchFIFOByTicker(executed)

	series := make([]float64, 0, len(history)+1)
	for _, p := range history {
		v, _ := p.TotalValue.Float64()
		series = append(series, v)
	}
	totalValueFloat, _ := totalValue.Float64()
	series = append(series, totalValueFloat)

	initialFloat, _ := agent.InitialFunds.Float64()
	var totalReturn *float64
	if initialFloat != 0 {
		r := (totalValueFloat - initialFloat) / initialFloat
		totalReturn = &r
	}

	var dailyReturn *float64
	if len(history) > 0 {
		prevFloat, _ := history[len(history)-1].TotalValue.Float64()
		if prevFloat != 0 {
			r := (totalValueFloat - prevFloat) / prevFloat
			dailyReturn = &r
		}
	}

	returns := formulas.CalculateReturns(series)
	maxDrawdown := formulas.CalculateMaxDrawdown(series)
	// Sharpe and Sortino stay nil until the series holds at least 20 daily returns.
	var sharpe, sortino *float64
	if len(returns) >= 20 {
		sharpe = sharpeWithZeroVarianceOverride(returns)
		sortino = formulas.CalculateSortinoRatio(returns, 0, 0, 252)
	}
	calmar := formulas.CalculateCalmarRatio(totalReturn, maxDrawdown)

	sellCount := 0
	totalTrades := 0
	for _, t := range executed {
		totalTrades++
		if t.Action == domain.ActionSell {
			sellCount++
		}
	}

	// win_rate is the filled-SELL completion rate (SPEC_FULL.md §4.9): sellCount /
	// totalTrades * 100. winning_trades_correct (FIFO profitable-sell count, below)
	// is a separate field — the two must not be merged into one metric.
	var winRate *float64
	if totalTrades > 0 {
		r := float64(sellCount) / float64(totalTrades) * 100
		winRate = &r
	}

	perf := &domain.DailyPerformance{
		AgentID:              agent.ID,
		Date:                 asOf,
		TotalValue:           totalValue,
		CashBalance:          agent.CurrentFunds,
		UnrealizedPnL:        unrealized,
		RealizedPnL:          fifoResult.RealizedPnL,
		TotalReturn:          totalReturn,
		DailyReturn:          dailyReturn,
		WinRate:              winRate,
		MaxDrawdown:          maxDrawdown,
		SharpeRatio:          sharpe,
		SortinoRatio:         sortino,
		CalmarRatio:          calmar,
		TotalTrades:          totalTrades,
		SellTradesCount:      sellCount,
		WinningTradesCorrect: fifoResult.WinningSells,
	}

	if err := e.performance.UpsertTx(ctx, tx, perf); err != nil {
		return nil, fmt.Errorf("recompute: upsert: %w", err)
	}
	return perf, nil
}

// sharpeWithZeroVarianceOverride applies the SPEC_FULL.md §11 rule that a zero-variance
// return series with enough observations reports Sharpe = 0, not the formula's default
// nil (NaN-avoidance) — the underlying formula stays untouched since nil-on-zero-stddev
// is correct for its other callers.
func sharpeWithZeroVarianceOverride(returns []float64) *float64 {
	sharpe := formulas.CalculateSharpeRatio(returns, 0, 252)
	if sharpe != nil {
		return sharpe
	}
	if len(returns) >= 20 && formulas.StdDev(returns) == 0 {
		zero := 0.0
		return &zero
	}
	return nil
}
