package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/casualtrader/agent-orchestrator/internal/domain"
)

// PerformanceRepository is the data-access layer for the agent_performance table.
type PerformanceRepository struct {
	*BaseRepository
}

// NewPerformanceRepository builds a PerformanceRepository.
func NewPerformanceRepository(db *sql.DB, log zerolog.Logger) *PerformanceRepository {
	return &PerformanceRepository{BaseRepository: NewBase(db, log.With().Str("repo", "performance").Logger())}
}

// UpsertTx writes today's DailyPerformance row within tx, replacing any existing row
// for the same (agent_id, date) — recompute is idempotent by construction.
func (r *PerformanceRepository) UpsertTx(ctx context.Context, tx *sql.Tx, p *domain.DailyPerformance) error {
	dateKey := p.Date.UTC().Format("2006-01-02")
	_, err := tx.ExecContext(ctx, `
		INSERT INTO agent_performance (agent_id, date, total_value, cash_balance,
			unrealized_pnl, realized_pnl, total_return, daily_return, win_rate,
			max_drawdown, sharpe_ratio, sortino_ratio, calmar_ratio, total_trades,
			sell_trades_count, winning_trades_correct)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id, date) DO UPDATE SET
			total_value=excluded.total_value, cash_balance=excluded.cash_balance,
			unrealized_pnl=excluded.unrealized_pnl, realized_pnl=excluded.realized_pnl,
			total_return=excluded.total_return, daily_return=excluded.daily_return,
			win_rate=excluded.win_rate, max_drawdown=excluded.max_drawdown,
			sharpe_ratio=excluded.sharpe_ratio, sortino_ratio=excluded.sortino_ratio,
			calmar_ratio=excluded.calmar_ratio, total_trades=excluded.total_trades,
			sell_trades_count=excluded.sell_trades_count,
			winning_trades_correct=excluded.winning_trades_correct`,
		p.AgentID, dateKey, p.TotalValue.String(), p.CashBalance.String(),
		p.UnrealizedPnL.String(), p.RealizedPnL.String(), p.TotalReturn, p.DailyReturn,
		p.WinRate, p.MaxDrawdown, p.SharpeRatio, p.SortinoRatio, p.CalmarRatio,
		p.TotalTrades, p.SellTradesCount, p.WinningTradesCorrect)
	if err != nil {
		return fmt.Errorf("upsert performance: %w", err)
	}
	return nil
}

// GetByDate loads one agent's performance row for a specific date.
func (r *PerformanceRepository) GetByDate(ctx context.Context, agentID string, date time.Time) (*domain.DailyPerformance, error) {
	row := r.DB().QueryRowContext(ctx, `
		SELECT agent_id, date, total_value, cash_balance, unrealized_pnl, realized_pnl,
			total_return, daily_return, win_rate, max_drawdown, sharpe_ratio,
			sortino_ratio, calmar_ratio, total_trades, sell_trades_count, winning_trades_correct
		FROM agent_performance WHERE agent_id = ? AND date = ?`,
		agentID, date.UTC().Format("2006-01-02"))
	return scanPerformance(row)
}

// History returns performance rows for an agent ordered by date, bounded by limit.
// order is "asc" or "desc"; any other value defaults to "desc".
func (r *PerformanceRepository) History(ctx context.Context, agentID string, limit int, order string) ([]*domain.DailyPerformance, error) {
	dir := "DESC"
	if order == "asc" {
		dir = "ASC"
	}
	rows, err := r.DB().QueryContext(ctx, fmt.Sprintf(`
		SELECT agent_id, date, total_value, cash_balance, unrealized_pnl, realized_pnl,
			total_return, daily_return, win_rate, max_drawdown, sharpe_ratio,
			sortino_ratio, calmar_ratio, total_trades, sell_trades_count, winning_trades_correct
		FROM agent_performance WHERE agent_id = ? ORDER BY date %s LIMIT ?`, dir), agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()

	var out []*domain.DailyPerformance
	for rows.Next() {
		p, err := scanPerformance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// HistoryTx is History read within tx, used by the Derived-Metrics recompute so the
// prior-days total_value series it reads is consistent with the row it's about to write.
func (r *PerformanceRepository) HistoryTx(ctx context.Context, tx *sql.Tx, agentID string, limit int, order string) ([]*domain.DailyPerformance, error) {
	dir := "DESC"
	if order == "asc" {
		dir = "ASC"
	}
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
		SELECT agent_id, date, total_value, cash_balance, unrealized_pnl, realized_pnl,
			total_return, daily_return, win_rate, max_drawdown, sharpe_ratio,
			sortino_ratio, calmar_ratio, total_trades, sell_trades_count, winning_trades_correct
		FROM agent_performance WHERE agent_id = ? ORDER BY date %s LIMIT ?`, dir), agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()

	var out []*domain.DailyPerformance
	for rows.Next() {
		p, err := scanPerformance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPerformance(row rowScanner) (*domain.DailyPerformance, error) {
	var p domain.DailyPerformance
	var dateStr, totalValue, cashBalance, unrealizedPnL, realizedPnL string

	err := row.Scan(&p.AgentID, &dateStr, &totalValue, &cashBalance, &unrealizedPnL,
		&realizedPnL, &p.TotalReturn, &p.DailyReturn, &p.WinRate, &p.MaxDrawdown,
		&p.SharpeRatio, &p.SortinoRatio, &p.CalmarRatio, &p.TotalTrades,
		&p.SellTradesCount, &p.WinningTradesCorrect)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("scan performance: %w", err)
	}

	p.Date, err = time.Parse("2006-01-02", dateStr)
	if err != nil {
		return nil, fmt.Errorf("parse date: %w", err)
	}
	p.TotalValue, err = decimal.NewFromString(totalValue)
	if err != nil {
		return nil, fmt.Errorf("parse total_value: %w", err)
	}
	p.CashBalance, err = decimal.NewFromString(cashBalance)
	if err != nil {
		return nil, fmt.Errorf("parse cash_balance: %w", err)
	}
	p.UnrealizedPnL, err = decimal.NewFromString(unrealizedPnL)
	if err != nil {
		return nil, fmt.Errorf("parse unrealized_pnl: %w", err)
	}
	p.RealizedPnL, err = decimal.NewFromString(realizedPnL)
	if err != nil {
		return nil, fmt.Errorf("parse realized_pnl: %w", err)
	}

	return &p, nil
}
