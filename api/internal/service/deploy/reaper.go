package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dumcel/deployer/api/internal/domain"
	"github.com/dumcel/deployer/api/internal/repository"
)

// LogAppender records the terminal event of a reaped deployment.
type LogAppender interface {
	Append(ctx context.Context, event domain.LogEvent) (domain.LogEvent, error)
}

// Reaper fails deployments whose builder stopped reporting. A build that is
// still in progress after every step timeout has elapsed has no live worker,
// and it would otherwise hold its project's build slot forever.
type Reaper struct {
	lifecycle   Service
	deployments repository.DeploymentRepository
	logs        LogAppender
	staleAfter  time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewReaper returns a Reaper that fails in-progress deployments not updated
// for staleAfter.
func NewReaper(lifecycle Service, deployments repository.DeploymentRepository, logs LogAppender, staleAfter time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		lifecycle:   lifecycle,
		deployments: deployments,
		logs:        logs,
		staleAfter:  staleAfter,
		logger:      logger,
		now:         time.Now,
	}
}

// ReapOnce fails every stale deployment and reports how many it moved. A
// deployment that finishes between listing and transition is left alone.
func (r *Reaper) ReapOnce(ctx context.Context) (int, error) {
	cutoff := r.now().UTC().Add(-r.staleAfter)
	stale, err := r.deployments.ListStaleInProgress(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale deployments: %w", err)
	}

	reaped := 0
	var errs []error
	for _, d := range stale {
		message := fmt.Sprintf("Deployment timed out: builder stopped reporting for %s", r.staleAfter)
		updated, err := r.lifecycle.Transition(ctx, d.ID, TransitionRequest{To: domain.StateFailed, Message: message})
		if errors.Is(err, domain.ErrInvalidStateTransition) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("fail deployment %s: %w", d.ID, err))
			continue
		}
		reaped++
		r.logger.Warn("stale deployment failed", "deployment_id", updated.ID, "project_id", updated.ProjectID, "last_update", d.UpdatedAt)

		if r.logs == nil {
			continue
		}
		if _, err := r.logs.Append(ctx, domain.LogEvent{
			DeploymentID: updated.ID,
			ProjectID:    updated.ProjectID,
			Type:         domain.LogError,
			Log:          message,
			Final:        true,
		}); err != nil {
			errs = append(errs, fmt.Errorf("append timeout event for %s: %w", d.ID, err))
		}
	}
	return reaped, errors.Join(errs...)
}

// Run calls ReapOnce every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.ReapOnce(ctx); err != nil {
				r.logger.Error("stale deployment sweep failed", "error", err)
			}
		}
	}
}
