package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dumcel/deployer/api/internal/domain"
	"github.com/dumcel/deployer/api/internal/repository"
	"github.com/dumcel/deployer/api/internal/service/ingress"
)

var (
	// ErrArtifactRequired indicates a ready transition without a usable artifact reference.
	ErrArtifactRequired = errors.New("deploy: artifact ref required")
	// ErrPublishFailed indicates the deployment reached ready but its route could not be bound.
	ErrPublishFailed = errors.New("deploy: publish failed")
)

// Publisher binds ready deployments to their subdomain.
type Publisher interface {
	Publish(ctx context.Context, in ingress.PublishInput) (bool, error)
}

// TransitionRequest asks for a deployment to move to a new state.
type TransitionRequest struct {
	To          domain.DeploymentState
	ArtifactRef string
	Message     string
}

// Service owns the deployment lifecycle. Every transition is validated
// against the lifecycle graph and persisted with compare-and-set, so an
// invalid or lost transition never mutates the record.
type Service struct {
	deployments repository.DeploymentRepository
	publisher   Publisher
	logger      *slog.Logger
	now         func() time.Time
}

// New returns a deployment service. A nil publisher disables routing updates.
func New(deployments repository.DeploymentRepository, publisher Publisher, logger *slog.Logger) Service {
	return Service{
		deployments: deployments,
		publisher:   publisher,
		logger:      logger,
		now:         time.Now,
	}
}

// Get returns the current record.
func (s Service) Get(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	return s.deployments.GetDeploymentByID(ctx, strings.TrimSpace(deploymentID))
}

// ListByProject returns recent deployments for a project.
func (s Service) ListByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	return s.deployments.ListDeploymentsByProject(ctx, projectID, limit)
}

// Transition applies req to the deployment. When the target is ready the
// route is published after the state is persisted; a publish error is
// returned wrapped in ErrPublishFailed together with the updated record.
func (s Service) Transition(ctx context.Context, deploymentID string, req TransitionRequest) (*domain.Deployment, error) {
	current, err := s.Get(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if !domain.CanTransition(current.State, req.To) {
		return nil, fmt.Errorf("%w: %q -> %q", domain.ErrInvalidStateTransition, current.State, req.To)
	}
	if req.To == domain.StateReady {
		if err := ingress.ValidateArtifactRef(req.ArtifactRef); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrArtifactRequired, err)
		}
	}

	updated, err := s.deployments.CompareAndSetState(ctx, domain.StateChange{
		DeploymentID: current.ID,
		From:         current.State,
		To:           req.To,
		ArtifactRef:  strings.TrimSpace(req.ArtifactRef),
		Message:      strings.TrimSpace(req.Message),
		At:           s.now().UTC(),
	})
	if errors.Is(err, repository.ErrStaleState) {
		return nil, fmt.Errorf("%w: %q changed concurrently", domain.ErrInvalidStateTransition, current.ID)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("deployment transitioned", "deployment_id", updated.ID, "project_id", updated.ProjectID, "from", current.State, "to", updated.State)

	if updated.State == domain.StateReady && s.publisher != nil {
		if _, err := s.publisher.Publish(ctx, ingress.PublishInput{
			ProjectID:           updated.ProjectID,
			SubDomain:           updated.SubDomain,
			ArtifactRef:         updated.ArtifactRef,
			DeploymentID:        updated.ID,
			DeploymentCreatedAt: updated.CreatedAt,
		}); err != nil {
			s.logger.Error("route publish failed", "deployment_id", updated.ID, "sub_domain", updated.SubDomain, "error", err)
			return updated, fmt.Errorf("%w: %v", ErrPublishFailed, err)
		}
	}
	return updated, nil
}
