package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/casualtrader/agent-orchestrator/internal/apperrors"
	"github.com/casualtrader/agent-orchestrator/internal/domain"
	"github.com/casualtrader/agent-orchestrator/internal/jsonutil"
)

// SessionRepository is the data-access layer for the agent_sessions table.
type SessionRepository struct {
	*BaseRepository
}

// NewSessionRepository builds a SessionRepository.
func NewSessionRepository(db *sql.DB, log zerolog.Logger) *SessionRepository {
	return &SessionRepository{BaseRepository: NewBase(db, log.With().Str("repo", "session").Logger())}
}

// Create inserts a new PENDING session row.
func (r *SessionRepository) Create(ctx context.Context, s *domain.Session) error {
	initialInput, err := jsonutil.Marshal(s.InitialInput)
	if err != nil {
		return fmt.Errorf("marshal initial_input: %w", err)
	}
	toolsCalled, err := jsonutil.Marshal(s.ToolsCalled)
	if err != nil {
		return fmt.Errorf("marshal tools_called: %w", err)
	}

	_, err = r.DB().ExecContext(ctx, `
		INSERT INTO agent_sessions (id, agent_id, mode, status, start_time, end_time,
			execution_time_ms, initial_input, final_output, tools_called, error_message)
		VALUES (?, ?, ?, ?, ?, NULL, NULL, ?, NULL, ?, NULL)`,
		s.ID, s.AgentID, string(s.Mode), string(s.Status),
		s.StartTime.UTC().Format(time.RFC3339Nano), string(initialInput), string(toolsCalled))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Get loads a session by id.
func (r *SessionRepository) Get(ctx context.Context, id string) (*domain.Session, error) {
	row := r.DB().QueryRowContext(ctx, `
		SELECT id, agent_id, mode, status, start_time, end_time, execution_time_ms,
			initial_input, final_output, tools_called, error_message
		FROM agent_sessions WHERE id = ?`, id)
	return scanSession(row)
}

// UpdateStatus transitions a session's status. On a terminal status, if end_time is
// unset it is stamped now(UTC) and execution_time_ms is derived from start_time.
func (r *SessionRepository) UpdateStatus(ctx context.Context, id string, status domain.SessionStatus, finalOutput map[string]any, toolsCalled []string, errMsg *string) error {
	sess, err := r.Get(ctx, id)
	if err != nil {
		return err
	}

	var endTime *time.Time
	var execMs *int64
	if status.IsTerminal() {
		if sess.EndTime != nil {
			endTime = sess.EndTime
			execMs = sess.ExecutionTimeMs
		} else {
			now := time.Now().UTC()
			endTime = &now
			ms := now.Sub(sess.StartTime.UTC()).Milliseconds()
			execMs = &ms
		}
	}

	finalOutputJSON, err := jsonutil.Marshal(finalOutput)
	if err != nil {
		return fmt.Errorf("marshal final_output: %w", err)
	}
	toolsJSON, err := jsonutil.Marshal(toolsCalled)
	if err != nil {
		return fmt.Errorf("marshal tools_called: %w", err)
	}

	res, err := r.DB().ExecContext(ctx, `
		UPDATE agent_sessions SET status=?, end_time=?, execution_time_ms=?,
			final_output=?, tools_called=?, error_message=?
		WHERE id=?`,
		string(status), nullableTime(endTime), nullableInt64(execMs),
		string(finalOutputJSON), string(toolsJSON), errMsg, id)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.ErrSessionNotFound
	}
	return nil
}

// ListByAgent returns sessions for an agent, most recent first, bounded by limit.
func (r *SessionRepository) ListByAgent(ctx context.Context, agentID string, limit int) ([]*domain.Session, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT id, agent_id, mode, status, start_time, end_time, execution_time_ms,
			initial_input, final_output, tools_called, error_message
		FROM agent_sessions WHERE agent_id = ? ORDER BY start_time DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListRunningOlderThan returns RUNNING sessions whose start_time precedes cutoff,
// the candidate set for the periodic timeout sweep.
func (r *SessionRepository) ListRunningOlderThan(ctx context.Context, cutoff time.Time) ([]*domain.Session, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT id, agent_id, mode, status, start_time, end_time, execution_time_ms,
			initial_input, final_output, tools_called, error_message
		FROM agent_sessions WHERE status = ? AND start_time < ?`,
		string(domain.SessionRunning), cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("list running sessions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var s domain.Session
	var mode, status, startTime string
	var endTime, finalOutputRaw, errMsg sql.NullString
	var execMs sql.NullInt64
	var initialInputRaw, toolsCalledRaw string

	err := row.Scan(&s.ID, &s.AgentID, &mode, &status, &startTime, &endTime, &execMs,
		&initialInputRaw, &finalOutputRaw, &toolsCalledRaw, &errMsg)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrSessionNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}

	s.Mode = domain.AgentMode(mode)
	s.Status = domain.SessionStatus(status)

	s.StartTime, err = time.Parse(time.RFC3339Nano, startTime)
	if err != nil {
		return nil, fmt.Errorf("parse start_time: %w", err)
	}
	s.StartTime = s.StartTime.UTC()

	if endTime.Valid {
		t, err := time.Parse(time.RFC3339Nano, endTime.String)
		if err == nil {
			t = t.UTC()
			s.EndTime = &t
		}
	}
	if execMs.Valid {
		v := execMs.Int64
		s.ExecutionTimeMs = &v
	}
	if errMsg.Valid {
		v := errMsg.String
		s.ErrorMessage = &v
	}

	if initialInputRaw != "" {
		_ = jsonutil.Unmarshal([]byte(initialInputRaw), &s.InitialInput)
	}
	if finalOutputRaw.Valid && finalOutputRaw.String != "" {
		_ = jsonutil.Unmarshal([]byte(finalOutputRaw.String), &s.FinalOutput)
	}
	if toolsCalledRaw != "" {
		_ = jsonutil.Unmarshal([]byte(toolsCalledRaw), &s.ToolsCalled)
	}

	return &s, nil
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
