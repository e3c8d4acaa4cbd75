package project

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dumcel/deployer/api/internal/domain"
	"github.com/dumcel/deployer/api/internal/repository"
	"github.com/dumcel/deployer/api/internal/service/ingress"
)

var (
	// ErrInvalidProject indicates creation input failed validation.
	ErrInvalidProject = errors.New("project: invalid input")
	// ErrSubdomainTaken indicates another project already owns the subdomain.
	ErrSubdomainTaken = errors.New("project: subdomain already taken")
)

var nonLabelChars = regexp.MustCompile(`[^a-z0-9-]+`)

// CreateInput encapsulates project creation attributes.
type CreateInput struct {
	UserID         string
	Name           string
	GitURL         string
	SubDomain      string
	Favicon        string
	InstallCommand string
	BuildCommand   string
	OutputPort     int
}

// LiveURLs renders the public URL of a subdomain.
type LiveURLs interface {
	LiveURL(subDomain string) string
}

// Service exposes the project read model the pipeline depends on.
type Service struct {
	projects    repository.ProjectRepository
	deployments repository.DeploymentRepository
	urls        LiveURLs
	logger      *slog.Logger
	now         func() time.Time
}

// New returns a project service.
func New(projects repository.ProjectRepository, deployments repository.DeploymentRepository, urls LiveURLs, logger *slog.Logger) Service {
	return Service{projects: projects, deployments: deployments, urls: urls, logger: logger, now: time.Now}
}

// Create registers a project. The subdomain is derived from the name when
// omitted and is immutable afterwards.
func (s Service) Create(ctx context.Context, input CreateInput) (*domain.Project, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidProject)
	}
	if strings.TrimSpace(input.UserID) == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidProject)
	}
	gitURL, err := normalizeGitURL(input.GitURL)
	if err != nil {
		return nil, err
	}
	sub := ingress.NormalizeSubdomain(input.SubDomain)
	if sub == "" {
		sub = deriveSubdomain(name)
	}
	if !ingress.ValidSubdomain(sub) {
		return nil, fmt.Errorf("%w: subdomain %q is not a valid DNS label", ErrInvalidProject, sub)
	}
	if input.OutputPort < 0 || input.OutputPort > 65535 {
		return nil, fmt.Errorf("%w: output port out of range", ErrInvalidProject)
	}

	now := s.now().UTC()
	project := &domain.Project{
		ID:             uuid.NewString(),
		UserID:         strings.TrimSpace(input.UserID),
		Name:           name,
		GitURL:         gitURL,
		SubDomain:      sub,
		Favicon:        strings.TrimSpace(input.Favicon),
		InstallCommand: strings.TrimSpace(input.InstallCommand),
		BuildCommand:   strings.TrimSpace(input.BuildCommand),
		OutputPort:     input.OutputPort,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.projects.CreateProject(ctx, project); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%w: %s", ErrSubdomainTaken, sub)
		}
		return nil, err
	}
	s.logger.Info("project created", "project_id", project.ID, "sub_domain", project.SubDomain)
	return project, nil
}

// Get returns a project.
func (s Service) Get(ctx context.Context, projectID string) (*domain.Project, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, fmt.Errorf("%w: project id required", ErrInvalidProject)
	}
	return s.projects.GetProjectByID(ctx, projectID)
}

// ListByUser returns the user's projects.
func (s Service) ListByUser(ctx context.Context, userID string) ([]domain.Project, error) {
	return s.projects.ListProjectsByUser(ctx, userID)
}

// Summary returns the project with its newest deployment's state.
func (s Service) Summary(ctx context.Context, projectID string) (*domain.ProjectSummary, error) {
	project, err := s.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	summary := &domain.ProjectSummary{Project: *project}
	if s.urls != nil {
		summary.LiveURL = s.urls.LiveURL(project.SubDomain)
	}
	latest, err := s.deployments.ListDeploymentsByProject(ctx, project.ID, 1)
	if err != nil {
		return nil, err
	}
	if len(latest) > 0 {
		summary.LatestDeploymentID = latest[0].ID
		summary.State = latest[0].State
	}
	return summary, nil
}

func normalizeGitURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: git url is required", ErrInvalidProject)
	}
	if strings.HasPrefix(raw, "git@") {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: git url %q is not a URL", ErrInvalidProject, raw)
	}
	switch u.Scheme {
	case "http", "https", "git", "ssh", "file":
	default:
		return "", fmt.Errorf("%w: unsupported git url scheme %q", ErrInvalidProject, u.Scheme)
	}
	return raw, nil
}

func deriveSubdomain(name string) string {
	sub := nonLabelChars.ReplaceAllString(strings.ToLower(name), "-")
	sub = strings.Trim(sub, "-")
	if len(sub) > 63 {
		sub = strings.Trim(sub[:63], "-")
	}
	return sub
}
