package session

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casualtrader/agent-orchestrator/internal/database"
	"github.com/casualtrader/agent-orchestrator/internal/database/repositories"
	"github.com/casualtrader/agent-orchestrator/internal/domain"
)

func setupTestService(t *testing.T) (*Service, *repositories.SessionRepository) {
	t.Helper()
	db, err := database.New(database.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	log := zerolog.Nop()
	repo := repositories.NewSessionRepository(db.Conn(), log)
	return New(repo, log), repo
}

func TestCreateSessionStartsPending(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	s, err := svc.CreateSession(ctx, "agent-1", domain.ModeTrading, map[string]any{"note": "initial"})
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, domain.SessionPending, s.Status)
	assert.Equal(t, "agent-1", s.AgentID)

	fetched, err := svc.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, fetched.ID)
}

func TestStartTransitionsToRunning(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	s, err := svc.CreateSession(ctx, "agent-1", domain.ModeTrading, nil)
	require.NoError(t, err)

	require.NoError(t, svc.Start(ctx, s.ID))

	fetched, err := svc.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionRunning, fetched.Status)
}

func TestUpdateSessionStatusCompletesSession(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	s, err := svc.CreateSession(ctx, "agent-1", domain.ModeTrading, nil)
	require.NoError(t, err)
	require.NoError(t, svc.Start(ctx, s.ID))

	err = svc.UpdateSessionStatus(ctx, s.ID, domain.SessionCompleted,
		map[string]any{"summary": "done"}, []string{"get_portfolio", "execute_trade"}, nil)
	require.NoError(t, err)

	fetched, err := svc.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, fetched.Status)
	assert.NotNil(t, fetched.EndTime)
	assert.NotNil(t, fetched.ExecutionTimeMs)
	assert.Equal(t, []string{"get_portfolio", "execute_trade"}, fetched.ToolsCalled)
}

func TestUpdateSessionStatusFailedRecordsErrorMessage(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	s, err := svc.CreateSession(ctx, "agent-1", domain.ModeTrading, nil)
	require.NoError(t, err)
	require.NoError(t, svc.Start(ctx, s.ID))

	errMsg := "llm timeout"
	err = svc.UpdateSessionStatus(ctx, s.ID, domain.SessionFailed, nil, nil, &errMsg)
	require.NoError(t, err)

	fetched, err := svc.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionFailed, fetched.Status)
	require.NotNil(t, fetched.ErrorMessage)
	assert.Equal(t, errMsg, *fetched.ErrorMessage)
}

func TestHistoryOrdersMostRecentFirst(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	first, err := svc.CreateSession(ctx, "agent-1", domain.ModeTrading, nil)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := svc.CreateSession(ctx, "agent-1", domain.ModeTrading, nil)
	require.NoError(t, err)

	hist, err := svc.History(ctx, "agent-1", 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, second.ID, hist[0].ID)
	assert.Equal(t, first.ID, hist[1].ID)
}

func TestSweepTimeoutsMarksStaleRunningSessionsTimedOut(t *testing.T) {
	svc, repo := setupTestService(t)
	ctx := context.Background()

	s, err := svc.CreateSession(ctx, "agent-1", domain.ModeTrading, nil)
	require.NoError(t, err)
	require.NoError(t, svc.Start(ctx, s.ID))

	stale := time.Now().UTC().Add(-1 * time.Hour)
	_, err = repo.DB().ExecContext(ctx, `UPDATE agent_sessions SET start_time = ? WHERE id = ?`,
		stale.Format(time.RFC3339Nano), s.ID)
	require.NoError(t, err)

	n, err := svc.SweepTimeouts(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	fetched, err := svc.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionTimeout, fetched.Status)
	require.NotNil(t, fetched.ErrorMessage)
}

func TestSweepTimeoutsIgnoresRecentRunningSessions(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	s, err := svc.CreateSession(ctx, "agent-1", domain.ModeTrading, nil)
	require.NoError(t, err)
	require.NoError(t, svc.Start(ctx, s.ID))

	n, err := svc.SweepTimeouts(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	fetched, err := svc.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionRunning, fetched.Status)
}

func TestTimeoutSweepJobRunDelegatesToSweepTimeouts(t *testing.T) {
	svc, repo := setupTestService(t)
	ctx := context.Background()

	s, err := svc.CreateSession(ctx, "agent-1", domain.ModeTrading, nil)
	require.NoError(t, err)
	require.NoError(t, svc.Start(ctx, s.ID))

	stale := time.Now().UTC().Add(-1 * time.Hour)
	_, err = repo.DB().ExecContext(ctx, `UPDATE agent_sessions SET start_time = ? WHERE id = ?`,
		stale.Format(time.RFC3339Nano), s.ID)
	require.NoError(t, err)

	job := NewTimeoutSweepJob(svc, 5*time.Minute, zerolog.Nop())
	assert.Equal(t, "session_timeout_sweep", job.Name())
	require.NoError(t, job.Run())

	fetched, err := svc.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionTimeout, fetched.Status)
}
