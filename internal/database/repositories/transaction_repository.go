package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/casualtrader/agent-orchestrator/internal/domain"
)

// TransactionRepository is the data-access layer for the transactions table.
type TransactionRepository struct {
	*BaseRepository
}

// NewTransactionRepository builds a TransactionRepository.
func NewTransactionRepository(db *sql.DB, log zerolog.Logger) *TransactionRepository {
	return &TransactionRepository{BaseRepository: NewBase(db, log.With().Str("repo", "transaction").Logger())}
}

// InsertTx inserts an EXECUTED transaction row within tx. Part of the atomic trade
// primitive: the caller commits/rolls back tx, never this method.
func (r *TransactionRepository) InsertTx(ctx context.Context, tx *sql.Tx, t *domain.Transaction) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (id, agent_id, session_id, ticker, company_name, action,
			quantity, price, total_amount, commission, status, execution_time,
			decision_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.AgentID, t.SessionID, t.Ticker, t.CompanyName, string(t.Action),
		t.Quantity, t.Price.String(), t.TotalAmount.String(), t.Commission.String(),
		string(t.Status), t.ExecutionTime.UTC().Format(time.RFC3339Nano), t.DecisionReason,
		t.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// ListExecutedByAgent returns every EXECUTED transaction for an agent, oldest first —
// the chronological input the FIFO matcher and Derived-Metrics Engine require.
func (r *TransactionRepository) ListExecutedByAgent(ctx context.Context, agentID string) ([]*domain.Transaction, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT id, agent_id, session_id, ticker, company_name, action, quantity, price,
			total_amount, commission, status, execution_time, decision_reason, created_at
		FROM transactions
		WHERE agent_id = ? AND LOWER(status) = 'executed'
		ORDER BY execution_time ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list executed transactions: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// ListExecutedByAgentTx is ListExecutedByAgent read within tx, so the Derived-Metrics
// recompute inside the atomic trade sees the transaction it just inserted.
func (r *TransactionRepository) ListExecutedByAgentTx(ctx context.Context, tx *sql.Tx, agentID string) ([]*domain.Transaction, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, agent_id, session_id, ticker, company_name, action, quantity, price,
			total_amount, commission, status, execution_time, decision_reason, created_at
		FROM transactions
		WHERE agent_id = ? AND LOWER(status) = 'executed'
		ORDER BY execution_time ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list executed transactions: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// ListByAgentAndTicker returns EXECUTED transactions for one ticker, oldest first.
func (r *TransactionRepository) ListByAgentAndTicker(ctx context.Context, agentID, ticker string) ([]*domain.Transaction, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT id, agent_id, session_id, ticker, company_name, action, quantity, price,
			total_amount, commission, status, execution_time, decision_reason, created_at
		FROM transactions
		WHERE agent_id = ? AND ticker = ? AND LOWER(status) = 'executed'
		ORDER BY execution_time ASC`, agentID, ticker)
	if err != nil {
		return nil, fmt.Errorf("list transactions by ticker: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// ListBySession returns all transactions produced by one session.
func (r *TransactionRepository) ListBySession(ctx context.Context, sessionID string) ([]*domain.Transaction, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT id, agent_id, session_id, ticker, company_name, action, quantity, price,
			total_amount, commission, status, execution_time, decision_reason, created_at
		FROM transactions WHERE session_id = ? ORDER BY execution_time ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list transactions by session: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func scanTransactions(rows *sql.Rows) ([]*domain.Transaction, error) {
	var out []*domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		var sessionID sql.NullString
		var action, status, executionTime, createdAt string
		var price, totalAmount, commission string

		err := rows.Scan(&t.ID, &t.AgentID, &sessionID, &t.Ticker, &t.CompanyName, &action,
			&t.Quantity, &price, &totalAmount, &commission, &status, &executionTime,
			&t.DecisionReason, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}

		if sessionID.Valid {
			v := sessionID.String
			t.SessionID = &v
		}
		t.Action = domain.TradeAction(action)
		t.Status = domain.TransactionStatus(status)

		t.Price, err = decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("parse price: %w", err)
		}
		t.TotalAmount, err = decimal.NewFromString(totalAmount)
		if err != nil {
			return nil, fmt.Errorf("parse total_amount: %w", err)
		}
		t.Commission, err = decimal.NewFromString(commission)
		if err != nil {
			return nil, fmt.Errorf("parse commission: %w", err)
		}

		t.ExecutionTime, err = time.Parse(time.RFC3339Nano, executionTime)
		if err != nil {
			return nil, fmt.Errorf("parse execution_time: %w", err)
		}
		t.ExecutionTime = t.ExecutionTime.UTC()

		t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		t.CreatedAt = t.CreatedAt.UTC()

		out = append(out, &t)
	}
	return out, rows.Err()
}
