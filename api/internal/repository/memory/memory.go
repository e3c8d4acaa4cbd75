// Package memory provides in-process repositories for single-node
// deployments and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dumcel/deployer/api/internal/domain"
	"github.com/dumcel/deployer/api/internal/repository"
)

// Repository keeps projects, deployments and logs in memory. A single mutex
// makes every check-and-write atomic.
type Repository struct {
	mu          sync.Mutex
	projects    map[string]domain.Project
	subdomains  map[string]string
	deployments map[string]domain.Deployment
	logs        map[string][]domain.LogEvent
}

var (
	_ repository.ProjectRepository    = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.LogRepository        = (*Repository)(nil)
)

// New constructs an empty Repository.
func New() *Repository {
	return &Repository{
		projects:    make(map[string]domain.Project),
		subdomains:  make(map[string]string),
		deployments: make(map[string]domain.Deployment),
		logs:        make(map[string][]domain.LogEvent),
	}
}

// CreateProject stores a project, rejecting duplicate ids and subdomains.
func (r *Repository) CreateProject(_ context.Context, project *domain.Project) error {
	if project == nil || project.ID == "" {
		return repository.ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.projects[project.ID]; ok {
		return repository.ErrConflict
	}
	if _, ok := r.subdomains[project.SubDomain]; ok {
		return repository.ErrConflict
	}
	r.projects[project.ID] = *project
	r.subdomains[project.SubDomain] = project.ID
	return nil
}

// GetProjectByID returns a copy of the stored project.
func (r *Repository) GetProjectByID(_ context.Context, projectID string) (*domain.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	project, ok := r.projects[projectID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &project, nil
}

// ListProjectsByUser returns the user's projects, newest first.
func (r *Repository) ListProjectsByUser(_ context.Context, userID string) ([]domain.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	projects := make([]domain.Project, 0)
	for _, project := range r.projects {
		if project.UserID == userID {
			projects = append(projects, project)
		}
	}
	sort.Slice(projects, func(i, j int) bool {
		return projects[i].CreatedAt.After(projects[j].CreatedAt)
	})
	return projects, nil
}

// CreateDeployment stores a deployment unless the project already has an active one.
func (r *Repository) CreateDeployment(_ context.Context, deployment *domain.Deployment) error {
	if deployment == nil || deployment.ID == "" {
		return repository.ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.projects[deployment.ProjectID]; !ok {
		return repository.ErrNotFound
	}
	if _, ok := r.deployments[deployment.ID]; ok {
		return repository.ErrConflict
	}
	if deployment.State.Active() {
		if _, ok := r.activeLocked(deployment.ProjectID); ok {
			return repository.ErrConflict
		}
	}
	r.deployments[deployment.ID] = *deployment
	return nil
}

// FindActiveDeployment returns the project's queued or in-progress deployment.
func (r *Repository) FindActiveDeployment(_ context.Context, projectID string) (*domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.activeLocked(projectID)
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &d, nil
}

func (r *Repository) activeLocked(projectID string) (domain.Deployment, bool) {
	for _, d := range r.deployments {
		if d.ProjectID == projectID && d.State.Active() {
			return d, true
		}
	}
	return domain.Deployment{}, false
}

// ClaimNextQueued moves the oldest queued deployment to in progress.
func (r *Repository) ClaimNextQueued(_ context.Context, now time.Time) (*domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var (
		next  domain.Deployment
		found bool
	)
	for _, d := range r.deployments {
		if d.State != domain.StateQueued {
			continue
		}
		if !found || queuedBefore(d, next) {
			next = d
			found = true
		}
	}
	if !found {
		return nil, repository.ErrNotFound
	}
	next.State = domain.StateInProgress
	next.UpdatedAt = now
	r.deployments[next.ID] = next
	return &next, nil
}

func queuedBefore(a, b domain.Deployment) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// CompareAndSetState applies change only when the stored state equals change.From.
func (r *Repository) CompareAndSetState(_ context.Context, change domain.StateChange) (*domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deployments[change.DeploymentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if d.State != change.From {
		return nil, repository.ErrStaleState
	}
	d.State = change.To
	if change.ArtifactRef != "" {
		d.ArtifactRef = change.ArtifactRef
	}
	if change.Message != "" {
		d.Message = change.Message
	}
	d.UpdatedAt = change.At
	r.deployments[d.ID] = d
	return &d, nil
}

// GetDeploymentByID returns a copy of the stored deployment.
func (r *Repository) GetDeploymentByID(_ context.Context, deploymentID string) (*domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deployments[deploymentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &d, nil
}

// ListDeploymentsByProject returns the newest deployments first.
func (r *Repository) ListDeploymentsByProject(_ context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 20
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	deployments := make([]domain.Deployment, 0)
	for _, d := range r.deployments {
		if d.ProjectID == projectID {
			deployments = append(deployments, d)
		}
	}
	sort.Slice(deployments, func(i, j int) bool {
		return queuedBefore(deployments[j], deployments[i])
	})
	if len(deployments) > limit {
		deployments = deployments[:limit]
	}
	return deployments, nil
}

// ListLatestReady returns the newest ready deployment for every project.
func (r *Repository) ListLatestReady(_ context.Context) ([]domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	latest := make(map[string]domain.Deployment)
	for _, d := range r.deployments {
		if d.State != domain.StateReady {
			continue
		}
		if current, ok := latest[d.ProjectID]; !ok || queuedBefore(current, d) {
			latest[d.ProjectID] = d
		}
	}
	deployments := make([]domain.Deployment, 0, len(latest))
	for _, d := range latest {
		deployments = append(deployments, d)
	}
	sort.Slice(deployments, func(i, j int) bool {
		return deployments[i].ProjectID < deployments[j].ProjectID
	})
	return deployments, nil
}

// ListStaleInProgress returns in-progress deployments not updated since the cutoff.
func (r *Repository) ListStaleInProgress(_ context.Context, updatedBefore time.Time) ([]domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	deployments := make([]domain.Deployment, 0)
	for _, d := range r.deployments {
		if d.State == domain.StateInProgress && d.UpdatedAt.Before(updatedBefore) {
			deployments = append(deployments, d)
		}
	}
	sort.Slice(deployments, func(i, j int) bool {
		return deployments[i].UpdatedAt.Before(deployments[j].UpdatedAt)
	})
	return deployments, nil
}

// AppendLog stores an event, clamping its timestamp past the deployment's tail.
func (r *Repository) AppendLog(_ context.Context, event domain.LogEvent) (domain.LogEvent, error) {
	if event.DeploymentID == "" || event.EventID == "" {
		return domain.LogEvent{}, repository.ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.deployments[event.DeploymentID]; !ok {
		return domain.LogEvent{}, repository.ErrNotFound
	}
	stream := r.logs[event.DeploymentID]
	for _, existing := range stream {
		if existing.EventID == event.EventID {
			return existing, nil
		}
	}
	var tail time.Time
	if n := len(stream); n > 0 {
		tail = stream[n-1].Timestamp
	}
	event.Timestamp = repository.NextLogTimestamp(event.Timestamp, tail)
	r.logs[event.DeploymentID] = append(stream, event)
	return event, nil
}

// QueryLogs returns up to limit events with timestamp strictly after the cursor.
func (r *Repository) QueryLogs(_ context.Context, deploymentID string, after time.Time, limit int) ([]domain.LogEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stream := r.logs[deploymentID]
	start := sort.Search(len(stream), func(i int) bool {
		return stream[i].Timestamp.After(after)
	})
	end := len(stream)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	events := make([]domain.LogEvent, end-start)
	copy(events, stream[start:end])
	return events, nil
}
