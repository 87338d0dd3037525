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

// HoldingRepository is the data-access layer for the agent_holdings table.
type HoldingRepository struct {
	*BaseRepository
}

// NewHoldingRepository builds a HoldingRepository.
func NewHoldingRepository(db *sql.DB, log zerolog.Logger) *HoldingRepository {
	return &HoldingRepository{BaseRepository: NewBase(db, log.With().Str("repo", "holding").Logger())}
}

// GetTx loads a holding by (agent_id, ticker) within tx, returning a zero-value holding
// (not an error) when no row exists yet — the natural "no position" state.
func (r *HoldingRepository) GetTx(ctx context.Context, tx *sql.Tx, agentID, ticker string) (*domain.Holding, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT agent_id, ticker, company_name, quantity, average_cost, created_at, updated_at
		FROM agent_holdings WHERE agent_id = ? AND ticker = ?`, agentID, ticker)

	var h domain.Holding
	var avgCost, createdAt, updatedAt string
	err := row.Scan(&h.AgentID, &h.Ticker, &h.CompanyName, &h.Quantity, &avgCost, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.Holding{AgentID: agentID, Ticker: ticker, AverageCost: decimal.Zero}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get holding: %w", err)
	}

	h.AverageCost, err = decimal.NewFromString(avgCost)
	if err != nil {
		return nil, fmt.Errorf("parse average_cost: %w", err)
	}
	h.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	h.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &h, nil
}

// UpsertTx writes a holding's new quantity/average_cost within tx.
func (r *HoldingRepository) UpsertTx(ctx context.Context, tx *sql.Tx, h *domain.Holding) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO agent_holdings (agent_id, ticker, company_name, quantity, average_cost, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id, ticker) DO UPDATE SET
			company_name=excluded.company_name, quantity=excluded.quantity,
			average_cost=excluded.average_cost, updated_at=excluded.updated_at`,
		h.AgentID, h.Ticker, h.CompanyName, h.Quantity, h.AverageCost.String(), now, now)
	if err != nil {
		return fmt.Errorf("upsert holding: %w", err)
	}
	return nil
}

// ListByAgentTx is ListByAgent read within tx, so the Derived-Metrics recompute inside
// the atomic trade sees the holding it just upserted.
func (r *HoldingRepository) ListByAgentTx(ctx context.Context, tx *sql.Tx, agentID string) ([]*domain.Holding, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT agent_id, ticker, company_name, quantity, average_cost, created_at, updated_at
		FROM agent_holdings WHERE agent_id = ? AND quantity > 0 ORDER BY ticker`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list holdings: %w", err)
	}
	defer rows.Close()
	return scanHoldings(rows)
}

// ListByAgent returns all non-zero holdings for an agent.
func (r *HoldingRepository) ListByAgent(ctx context.Context, agentID string) ([]*domain.Holding, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT agent_id, ticker, company_name, quantity, average_cost, created_at, updated_at
		FROM agent_holdings WHERE agent_id = ? AND quantity > 0 ORDER BY ticker`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list holdings: %w", err)
	}
	defer rows.Close()
	return scanHoldings(rows)
}

func scanHoldings(rows *sql.Rows) ([]*domain.Holding, error) {
	var out []*domain.Holding
	for rows.Next() {
		var h domain.Holding
		var avgCost, createdAt, updatedAt string
		if err := rows.Scan(&h.AgentID, &h.Ticker, &h.CompanyName, &h.Quantity, &avgCost, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan holding: %w", err)
		}
		avg, err := decimal.NewFromString(avgCost)
		if err != nil {
			return nil, fmt.Errorf("parse average_cost: %w", err)
		}
		h.AverageCost = avg
		h.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		h.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, &h)
	}
	return out, rows.Err()
}
