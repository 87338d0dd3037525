// Package session implements the Session Service (SPEC_FULL.md §4.5): a thin,
// UTC-disciplined facade over the agent_sessions table, plus the periodic timeout
// sweep registered as a scheduler.Job (internal/scheduler, kept from the teacher).
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/casualtrader/agent-orchestrator/internal/database/repositories"
	"github.com/casualtrader/agent-orchestrator/internal/domain"
)

// Service is the Session Service.
type Service struct {
	repo *repositories.SessionRepository
	log  zerolog.Logger
}

// New builds a Service.
func New(repo *repositories.SessionRepository, log zerolog.Logger) *Service {
	return &Service{repo: repo, log: log.With().Str("component", "session_service").Logger()}
}

// CreateSession allocates a PENDING session row with start_time = time.Now().UTC().
func (s *Service) CreateSession(ctx context.Context, agentID string, mode domain.AgentMode, initialInput map[string]any) (*domain.Session, error) {
	sess := &domain.Session{
		ID:           uuid.NewString(),
		AgentID:      agentID,
		Mode:         mode,
		Status:       domain.SessionPending,
		StartTime:    time.Now().UTC(),
		InitialInput: initialInput,
	}
	if err := s.repo.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// Start transitions a session from PENDING to RUNNING.
func (s *Service) Start(ctx context.Context, sessionID string) error {
	return s.repo.UpdateStatus(ctx, sessionID, domain.SessionRunning, nil, nil, nil)
}

// UpdateSessionStatus transitions sessionID's status, persisting the final output /
// tools called / error message the Agent Runtime produced.
func (s *Service) UpdateSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus, finalOutput map[string]any, toolsCalled []string, errMsg *string) error {
	return s.repo.UpdateStatus(ctx, sessionID, status, finalOutput, toolsCalled, errMsg)
}

// Get loads a session by id.
func (s *Service) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	return s.repo.Get(ctx, sessionID)
}

// History returns an agent's sessions, most recent first.
func (s *Service) History(ctx context.Context, agentID string, limit int) ([]*domain.Session, error) {
	return s.repo.ListByAgent(ctx, agentID, limit)
}

// SweepTimeouts transitions every RUNNING session older than threshold to TIMEOUT. It
// does not itself cancel the runtime goroutine still executing — the Trading Service's
// own deadline (derived from the same threshold) is what actually stops the work; this
// sweep is the persistence-layer backstop for sessions whose process died mid-run.
func (s *Service) SweepTimeouts(ctx context.Context, threshold time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	stale, err := s.repo.ListRunningOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep timeouts: list stale sessions: %w", err)
	}

	swept := 0
	for _, sess := range stale {
		msg := "execution timeout"
		if err := s.repo.UpdateStatus(ctx, sess.ID, domain.SessionTimeout, nil, nil, &msg); err != nil {
			s.log.Error().Err(err).Str("session_id", sess.ID).Msg("failed to mark session TIMEOUT")
			continue
		}
		swept++
	}
	return swept, nil
}

// TimeoutSweepJob adapts SweepTimeouts into a scheduler.Job, run on a fixed interval.
type TimeoutSweepJob struct {
	svc       *Service
	threshold time.Duration
	log       zerolog.Logger
}

// NewTimeoutSweepJob builds the periodic job; threshold should match DEFAULT_AGENT_TIMEOUT.
func NewTimeoutSweepJob(svc *Service, threshold time.Duration, log zerolog.Logger) *TimeoutSweepJob {
	return &TimeoutSweepJob{svc: svc, threshold: threshold, log: log}
}

// Name satisfies scheduler.Job.
func (j *TimeoutSweepJob) Name() string { return "session_timeout_sweep" }

// Run satisfies scheduler.Job.
func (j *TimeoutSweepJob) Run() error {
	swept, err := j.svc.SweepTimeouts(context.Background(), j.threshold)
	if err != nil {
		return err
	}
	if swept > 0 {
		j.log.Info().Int("swept", swept).Msg("timed out stale RUNNING sessions")
	}
	return nil
}
