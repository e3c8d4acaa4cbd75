package deploy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dumcel/deployer/api/internal/domain"
	"github.com/dumcel/deployer/api/internal/repository/memory"
)

type recordingAppender struct {
	mu     sync.Mutex
	events []domain.LogEvent
	err    error
}

func (r *recordingAppender) Append(_ context.Context, event domain.LogEvent) (domain.LogEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return domain.LogEvent{}, r.err
	}
	r.events = append(r.events, event)
	return event, nil
}

func newTestReaper(t *testing.T, now time.Time) (*Reaper, *memory.Repository, *recordingAppender) {
	t.Helper()
	repo := memory.New()
	ctx := context.Background()
	for _, d := range []domain.Deployment{
		{ID: "crashed", ProjectID: "p1", State: domain.StateInProgress, UpdatedAt: now.Add(-2 * time.Hour)},
		{ID: "building", ProjectID: "p2", State: domain.StateInProgress, UpdatedAt: now.Add(-5 * time.Minute)},
		{ID: "waiting", ProjectID: "p3", State: domain.StateQueued, UpdatedAt: now.Add(-2 * time.Hour)},
	} {
		require.NoError(t, repo.CreateProject(ctx, &domain.Project{ID: d.ProjectID, SubDomain: d.ProjectID + "-site"}))
		d := d
		require.NoError(t, repo.CreateDeployment(ctx, &d))
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	lifecycle := New(repo, nil, logger)
	lifecycle.now = func() time.Time { return now }
	logs := &recordingAppender{}
	reaper := NewReaper(lifecycle, repo, logs, 45*time.Minute, logger)
	reaper.now = func() time.Time { return now }
	return reaper, repo, logs
}

func TestReapOnceFailsOnlyStaleBuilds(t *testing.T) {
	now := time.Date(2025, time.October, 1, 12, 0, 0, 0, time.UTC)
	reaper, repo, logs := newTestReaper(t, now)
	ctx := context.Background()

	n, err := reaper.ReapOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	crashed, err := repo.GetDeploymentByID(ctx, "crashed")
	require.NoError(t, err)
	require.Equal(t, domain.StateFailed, crashed.State)
	require.Contains(t, crashed.Message, "timed out")

	for id, want := range map[string]domain.DeploymentState{"building": domain.StateInProgress, "waiting": domain.StateQueued} {
		d, err := repo.GetDeploymentByID(ctx, id)
		require.NoError(t, err)
		require.Equal(t, want, d.State, id)
	}

	require.Len(t, logs.events, 1)
	event := logs.events[0]
	require.Equal(t, "crashed", event.DeploymentID)
	require.Equal(t, domain.LogError, event.Type)
	require.True(t, event.Final)
	require.True(t, event.MarksCompletion())

	// the project can deploy again once its slot is released
	_, err = repo.FindActiveDeployment(ctx, "p1")
	require.Error(t, err)

	n, err = reaper.ReapOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Len(t, logs.events, 1)
}

func TestReapOnceReportsAppendFailure(t *testing.T) {
	now := time.Date(2025, time.October, 1, 12, 0, 0, 0, time.UTC)
	reaper, repo, logs := newTestReaper(t, now)
	logs.err = errors.New("log store down")

	n, err := reaper.ReapOnce(context.Background())
	require.Error(t, err)
	require.Equal(t, 1, n)

	crashed, err := repo.GetDeploymentByID(context.Background(), "crashed")
	require.NoError(t, err)
	require.Equal(t, domain.StateFailed, crashed.State)
}
