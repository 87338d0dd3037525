package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/casualtrader/agent-orchestrator/internal/apperrors"
	"github.com/casualtrader/agent-orchestrator/internal/domain"
)

// ModelCatalogRepository is the data-access layer for the ai_model_configs table.
type ModelCatalogRepository struct {
	*BaseRepository
}

// NewModelCatalogRepository builds a ModelCatalogRepository.
func NewModelCatalogRepository(db *sql.DB, log zerolog.Logger) *ModelCatalogRepository {
	return &ModelCatalogRepository{BaseRepository: NewBase(db, log.With().Str("repo", "model_catalog").Logger())}
}

// Get loads a model catalog row by key. Unknown keys are a configuration error per spec.
func (r *ModelCatalogRepository) Get(ctx context.Context, modelKey string) (*domain.ModelCatalog, error) {
	row := r.DB().QueryRowContext(ctx, `
		SELECT model_key, display_name, provider, prefix, full_model, api_key_env, enabled, cost_hint
		FROM ai_model_configs WHERE model_key = ?`, modelKey)

	var m domain.ModelCatalog
	err := row.Scan(&m.ModelKey, &m.DisplayName, &m.Provider, &m.Prefix, &m.FullModel, &m.APIKeyEnv, &m.Enabled, &m.CostHint)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrAgentConfiguration
	}
	if err != nil {
		return nil, fmt.Errorf("get model catalog entry: %w", err)
	}
	return &m, nil
}

// List returns all enabled model catalog rows.
func (r *ModelCatalogRepository) List(ctx context.Context) ([]*domain.ModelCatalog, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT model_key, display_name, provider, prefix, full_model, api_key_env, enabled, cost_hint
		FROM ai_model_configs WHERE enabled = 1 ORDER BY model_key`)
	if err != nil {
		return nil, fmt.Errorf("list model catalog: %w", err)
	}
	defer rows.Close()

	var out []*domain.ModelCatalog
	for rows.Next() {
		var m domain.ModelCatalog
		if err := rows.Scan(&m.ModelKey, &m.DisplayName, &m.Provider, &m.Prefix, &m.FullModel, &m.APIKeyEnv, &m.Enabled, &m.CostHint); err != nil {
			return nil, fmt.Errorf("scan model catalog: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Seed populates ai_model_configs with a fixed catalog if empty, adapted from the
// original system's seed_ai_models.py script (see SPEC_FULL.md §9).
func (r *ModelCatalogRepository) Seed(ctx context.Context) error {
	var count int
	if err := r.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM ai_model_configs`).Scan(&count); err != nil {
		return fmt.Errorf("count model catalog: %w", err)
	}
	if count > 0 {
		return nil
	}

	seed := []domain.ModelCatalog{
		{ModelKey: "openai/gpt-4o-mini", DisplayName: "GPT-4o mini", Provider: "openai", Prefix: "openai", FullModel: "gpt-4o-mini", APIKeyEnv: "OPENAI_API_KEY", Enabled: true, CostHint: "low"},
		{ModelKey: "openai/gpt-4o", DisplayName: "GPT-4o", Provider: "openai", Prefix: "openai", FullModel: "gpt-4o", APIKeyEnv: "OPENAI_API_KEY", Enabled: true, CostHint: "medium"},
		{ModelKey: "gemini/gemini-2.0-flash", DisplayName: "Gemini 2.0 Flash", Provider: "gemini", Prefix: "gemini", FullModel: "gemini-2.0-flash", APIKeyEnv: "GEMINI_API_KEY", Enabled: true, CostHint: "low"},
		{ModelKey: "anthropic/claude-3-5-sonnet", DisplayName: "Claude 3.5 Sonnet", Provider: "anthropic", Prefix: "anthropic", FullModel: "claude-3-5-sonnet-latest", APIKeyEnv: "ANTHROPIC_API_KEY", Enabled: true, CostHint: "medium"},
	}

	for _, m := range seed {
		_, err := r.DB().ExecContext(ctx, `
			INSERT INTO ai_model_configs (model_key, display_name, provider, prefix, full_model, api_key_env, enabled, cost_hint)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ModelKey, m.DisplayName, m.Provider, m.Prefix, m.FullModel, m.APIKeyEnv, m.Enabled, m.CostHint)
		if err != nil {
			return fmt.Errorf("seed model %s: %w", m.ModelKey, err)
		}
	}
	return nil
}
