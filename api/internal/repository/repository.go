package repository

import (
	"context"
	"time"

	"github.com/dumcel/deployer/api/internal/domain"
)

// ProjectRepository persists project configuration.
type ProjectRepository interface {
	// CreateProject returns ErrConflict when the subdomain is already claimed.
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	ListProjectsByUser(ctx context.Context, userID string) ([]domain.Project, error)
}

// DeploymentRepository stores deployment history and the build queue.
type DeploymentRepository interface {
	// CreateDeployment returns ErrConflict when the project already has an
	// active (queued or in progress) deployment.
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	// FindActiveDeployment returns ErrNotFound when the project is idle.
	FindActiveDeployment(ctx context.Context, projectID string) (*domain.Deployment, error)
	// ClaimNextQueued atomically moves the oldest queued deployment to in
	// progress. It returns ErrNotFound when the queue is empty.
	ClaimNextQueued(ctx context.Context, now time.Time) (*domain.Deployment, error)
	// CompareAndSetState applies change only when the stored state equals
	// change.From, otherwise ErrStaleState.
	CompareAndSetState(ctx context.Context, change domain.StateChange) (*domain.Deployment, error)
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error)
	// ListLatestReady returns the newest ready deployment of every project.
	ListLatestReady(ctx context.Context) ([]domain.Deployment, error)
	// ListStaleInProgress returns in-progress deployments last updated
	// before the cutoff, oldest first.
	ListStaleInProgress(ctx context.Context, updatedBefore time.Time) ([]domain.Deployment, error)
}

// LogRepository handles build log persistence and retrieval.
type LogRepository interface {
	// AppendLog stores the event and returns it as persisted. Timestamps are
	// clamped to stay strictly increasing per deployment. Re-appending an
	// event id that already exists returns the stored event.
	AppendLog(ctx context.Context, event domain.LogEvent) (domain.LogEvent, error)
	// QueryLogs returns events with timestamp > after ordered by
	// (timestamp, event id), at most limit entries.
	QueryLogs(ctx context.Context, deploymentID string, after time.Time, limit int) ([]domain.LogEvent, error)
}
