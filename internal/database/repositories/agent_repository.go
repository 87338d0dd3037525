package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/casualtrader/agent-orchestrator/internal/apperrors"
	"github.com/casualtrader/agent-orchestrator/internal/domain"
	"github.com/casualtrader/agent-orchestrator/internal/jsonutil"
)

// AgentRepository is the data-access layer for the agents table.
type AgentRepository struct {
	*BaseRepository
}

// NewAgentRepository builds an AgentRepository.
func NewAgentRepository(db *sql.DB, log zerolog.Logger) *AgentRepository {
	return &AgentRepository{BaseRepository: NewBase(db, log.With().Str("repo", "agent").Logger())}
}

// Create inserts a new agent row.
func (r *AgentRepository) Create(ctx context.Context, a *domain.Agent) error {
	prefs, err := jsonutil.Marshal(a.InvestmentPreferences)
	if err != nil {
		return fmt.Errorf("marshal investment preferences: %w", err)
	}

	_, err = r.DB().ExecContext(ctx, `
		INSERT INTO agents (id, name, description, model_key, provider, initial_funds,
			current_funds, current_mode, status, investment_preferences, max_position_size,
			created_at, updated_at, last_active_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.Description, a.ModelKey, a.Provider,
		a.InitialFunds.String(), a.CurrentFunds.String(), string(a.CurrentMode), string(a.Status),
		string(prefs), a.MaxPositionSize, a.CreatedAt.UTC().Format(time.RFC3339Nano),
		a.UpdatedAt.UTC().Format(time.RFC3339Nano), nullableTime(a.LastActiveAt))
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

// Get loads an agent by id. Returns apperrors.ErrAgentNotFound if missing.
func (r *AgentRepository) Get(ctx context.Context, id string) (*domain.Agent, error) {
	row := r.DB().QueryRowContext(ctx, `
		SELECT id, name, description, model_key, provider, initial_funds, current_funds,
			current_mode, status, investment_preferences, max_position_size, created_at,
			updated_at, last_active_at
		FROM agents WHERE id = ?`, id)
	return scanAgent(row, r.log)
}

// List returns all agents ordered by created_at descending.
func (r *AgentRepository) List(ctx context.Context) ([]*domain.Agent, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT id, name, description, model_key, provider, initial_funds, current_funds,
			current_mode, status, investment_preferences, max_position_size, created_at,
			updated_at, last_active_at
		FROM agents ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []*domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows, r.log)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Update persists the mutable fields of an agent (name, description, mode, status,
// preferences, max_position_size). Funds are mutated only via the Trading Service.
func (r *AgentRepository) Update(ctx context.Context, a *domain.Agent) error {
	prefs, err := jsonutil.Marshal(a.InvestmentPreferences)
	if err != nil {
		return fmt.Errorf("marshal investment preferences: %w", err)
	}

	res, err := r.DB().ExecContext(ctx, `
		UPDATE agents SET name=?, description=?, current_mode=?, status=?,
			investment_preferences=?, max_position_size=?, updated_at=?
		WHERE id=?`,
		a.Name, a.Description, string(a.CurrentMode), string(a.Status), string(prefs),
		a.MaxPositionSize, time.Now().UTC().Format(time.RFC3339Nano), a.ID)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.ErrAgentNotFound
	}
	return nil
}

// UpdateFundsTx sets an agent's current_funds to newFunds within tx. Used by the Trading
// Service's atomic trade primitive and by the cmd/rebuild reconciliation tool.
func (r *AgentRepository) UpdateFundsTx(ctx context.Context, tx *sql.Tx, agentID string, newFunds decimal.Decimal) error {
	res, err := tx.ExecContext(ctx, `UPDATE agents SET current_funds=?, updated_at=? WHERE id=?`,
		newFunds.String(), time.Now().UTC().Format(time.RFC3339Nano), agentID)
	if err != nil {
		return fmt.Errorf("update agent funds: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.ErrAgentNotFound
	}
	return nil
}

// GetTx loads an agent within tx, used by the Trading Service so the atomic trade
// reads current_funds under the same snapshot it writes to.
func (r *AgentRepository) GetTx(ctx context.Context, tx *sql.Tx, id string) (*domain.Agent, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, name, description, model_key, provider, initial_funds, current_funds,
			current_mode, status, investment_preferences, max_position_size, created_at,
			updated_at, last_active_at
		FROM agents WHERE id = ?`, id)
	return scanAgent(row, r.log)
}

// TouchLastActive stamps last_active_at = now(UTC).
func (r *AgentRepository) TouchLastActive(ctx context.Context, agentID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := r.DB().ExecContext(ctx, `UPDATE agents SET last_active_at=? WHERE id=?`, now, agentID)
	if err != nil {
		return fmt.Errorf("touch last active: %w", err)
	}
	return nil
}

// Delete cascades to sessions/transactions/holdings/performance via FK ON DELETE CASCADE.
func (r *AgentRepository) Delete(ctx context.Context, id string) error {
	res, err := r.DB().ExecContext(ctx, `DELETE FROM agents WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.ErrAgentNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner, log zerolog.Logger) (*domain.Agent, error) {
	var a domain.Agent
	var initialFunds, currentFunds, prefsRaw string
	var mode, status string
	var createdAt, updatedAt string
	var lastActive sql.NullString

	err := row.Scan(&a.ID, &a.Name, &a.Description, &a.ModelKey, &a.Provider,
		&initialFunds, &currentFunds, &mode, &status, &prefsRaw, &a.MaxPositionSize,
		&createdAt, &updatedAt, &lastActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrAgentNotFound
		}
		return nil, fmt.Errorf("scan agent: %w", err)
	}

	a.InitialFunds, err = decimal.NewFromString(initialFunds)
	if err != nil {
		return nil, fmt.Errorf("parse initial_funds: %w", err)
	}
	a.CurrentFunds, err = decimal.NewFromString(currentFunds)
	if err != nil {
		return nil, fmt.Errorf("parse current_funds: %w", err)
	}
	a.CurrentMode = domain.AgentMode(mode)
	a.Status = domain.AgentStatus(status)

	if err := jsonutil.Unmarshal([]byte(prefsRaw), &a.InvestmentPreferences); err != nil {
		log.Warn().Err(err).Str("agent_id", a.ID).Msg("malformed investment preferences, using default")
		a.InvestmentPreferences = domain.DefaultInvestmentPreferences()
	}

	a.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	a.UpdatedAt = a.UpdatedAt.UTC()

	if lastActive.Valid {
		t, err := time.Parse(time.RFC3339Nano, lastActive.String)
		if err == nil {
			t = t.UTC()
			a.LastActiveAt = &t
		}
	}

	return &a, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
