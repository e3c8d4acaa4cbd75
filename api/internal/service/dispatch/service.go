package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dumcel/deployer/api/internal/domain"
	"github.com/dumcel/deployer/api/internal/repository"
)

// ErrConflict is the sentinel every ConflictError unwraps to.
var ErrConflict = errors.New("dispatch: project already has an active deployment")

// ConflictError reports the deployment that blocks a new enqueue.
type ConflictError struct {
	ProjectID          string
	ActiveDeploymentID string
	ActiveState        domain.DeploymentState
}

func (e *ConflictError) Error() string {
	if e.ActiveDeploymentID == "" {
		return fmt.Sprintf("project %s already has an active deployment", e.ProjectID)
	}
	return fmt.Sprintf("project %s already has deployment %s %s", e.ProjectID, e.ActiveDeploymentID, e.ActiveState)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// Claim is a dequeued deployment together with the project it builds.
type Claim struct {
	Deployment domain.Deployment
	Project    domain.Project
}

// Service is the build queue. Per-project serialisation happens at enqueue;
// the claim is the single atomic hand-off to workers.
type Service struct {
	projects    repository.ProjectRepository
	deployments repository.DeploymentRepository
	logger      *slog.Logger
	now         func() time.Time
	newID       func() string
}

// New constructs a dispatcher.
func New(projects repository.ProjectRepository, deployments repository.DeploymentRepository, logger *slog.Logger) Service {
	return Service{
		projects:    projects,
		deployments: deployments,
		logger:      logger,
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

// Enqueue records a queued deployment for the project. It fails with
// *ConflictError while another deployment of the project is queued or in
// progress, without creating a record.
func (s Service) Enqueue(ctx context.Context, projectID string) (*domain.Deployment, error) {
	project, err := s.projects.GetProjectByID(ctx, strings.TrimSpace(projectID))
	if err != nil {
		return nil, err
	}
	if active, err := s.deployments.FindActiveDeployment(ctx, project.ID); err == nil {
		return nil, &ConflictError{ProjectID: project.ID, ActiveDeploymentID: active.ID, ActiveState: active.State}
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	now := s.now().UTC()
	deployment := &domain.Deployment{
		ID:        s.newID(),
		ProjectID: project.ID,
		SubDomain: project.SubDomain,
		State:     domain.StateQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.deployments.CreateDeployment(ctx, deployment); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			conflict := &ConflictError{ProjectID: project.ID}
			if active, findErr := s.deployments.FindActiveDeployment(ctx, project.ID); findErr == nil {
				conflict.ActiveDeploymentID = active.ID
				conflict.ActiveState = active.State
			}
			return nil, conflict
		}
		return nil, err
	}
	s.logger.Info("deployment queued", "deployment_id", deployment.ID, "project_id", project.ID, "sub_domain", project.SubDomain)
	return deployment, nil
}

// DequeueNext claims the oldest queued deployment, moving it to in progress.
// ok is false when the queue is empty.
func (s Service) DequeueNext(ctx context.Context) (claim *Claim, ok bool, err error) {
	deployment, err := s.deployments.ClaimNextQueued(ctx, s.now().UTC())
	if errors.Is(err, repository.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	project, err := s.projects.GetProjectByID(ctx, deployment.ProjectID)
	if err != nil {
		return nil, false, fmt.Errorf("load project %s for claimed deployment %s: %w", deployment.ProjectID, deployment.ID, err)
	}
	s.logger.Info("deployment claimed", "deployment_id", deployment.ID, "project_id", project.ID)
	return &Claim{Deployment: *deployment, Project: *project}, true, nil
}
