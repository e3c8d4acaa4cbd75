package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/dumcel/deployer/api/internal/domain"
	"github.com/dumcel/deployer/api/internal/repository"
)

const deploymentColumns = `id, project_id, sub_domain, state, artifact_ref, message, created_at, updated_at`

// CreateDeployment inserts a queued deployment. The partial unique index on
// active deployments turns a second enqueue into ErrConflict.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	const query = `INSERT INTO deployments (` + deploymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.pool.Exec(ctx, query,
		deployment.ID,
		deployment.ProjectID,
		deployment.SubDomain,
		string(deployment.State),
		deployment.ArtifactRef,
		deployment.Message,
		deployment.CreatedAt,
		deployment.UpdatedAt,
	)
	return mapError(err)
}

// FindActiveDeployment returns the project's queued or in-progress deployment.
func (r *Repository) FindActiveDeployment(ctx context.Context, projectID string) (*domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE project_id = $1 AND state IN ('queued', 'in progress')
		ORDER BY created_at DESC LIMIT 1`
	d, err := scanDeployment(r.pool.QueryRow(ctx, query, projectID))
	if err != nil {
		return nil, mapError(err)
	}
	return d, nil
}

// ClaimNextQueued moves the oldest queued deployment to in progress.
func (r *Repository) ClaimNextQueued(ctx context.Context, now time.Time) (*domain.Deployment, error) {
	const query = `UPDATE deployments SET state = 'in progress', updated_at = $1
		WHERE id = (
			SELECT id FROM deployments
			WHERE state = 'queued'
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + deploymentColumns
	d, err := scanDeployment(r.pool.QueryRow(ctx, query, now))
	if err != nil {
		return nil, mapError(err)
	}
	return d, nil
}

// CompareAndSetState applies a transition guarded by the expected prior state.
func (r *Repository) CompareAndSetState(ctx context.Context, change domain.StateChange) (*domain.Deployment, error) {
	const query = `UPDATE deployments
		SET state = $3,
			artifact_ref = CASE WHEN $4 = '' THEN artifact_ref ELSE $4 END,
			message = CASE WHEN $5 = '' THEN message ELSE $5 END,
			updated_at = $6
		WHERE id = $1 AND state = $2
		RETURNING ` + deploymentColumns
	d, err := scanDeployment(r.pool.QueryRow(ctx, query,
		change.DeploymentID,
		string(change.From),
		string(change.To),
		change.ArtifactRef,
		change.Message,
		change.At,
	))
	if err == nil {
		return d, nil
	}
	err = mapError(err)
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	if _, getErr := r.GetDeploymentByID(ctx, change.DeploymentID); getErr != nil {
		return nil, getErr
	}
	return nil, repository.ErrStaleState
}

// GetDeploymentByID fetches a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	d, err := scanDeployment(r.pool.QueryRow(ctx, query, deploymentID))
	if err != nil {
		return nil, mapError(err)
	}
	return d, nil
}

// ListDeploymentsByProject fetches recent deployments for a project.
func (r *Repository) ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE project_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`
	return r.queryDeployments(ctx, query, projectID, limit)
}

// ListLatestReady returns the newest ready deployment for every project.
func (r *Repository) ListLatestReady(ctx context.Context) ([]domain.Deployment, error) {
	const query = `SELECT DISTINCT ON (project_id) ` + deploymentColumns + ` FROM deployments
		WHERE state = 'ready'
		ORDER BY project_id, created_at DESC, id DESC`
	return r.queryDeployments(ctx, query)
}

// ListStaleInProgress returns in-progress deployments not updated since the cutoff.
func (r *Repository) ListStaleInProgress(ctx context.Context, updatedBefore time.Time) ([]domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE state = 'in progress' AND updated_at < $1
		ORDER BY updated_at, id`
	return r.queryDeployments(ctx, query, updatedBefore)
}

func (r *Repository) queryDeployments(ctx context.Context, query string, args ...any) ([]domain.Deployment, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}

func scanDeployment(row rowScanner) (*domain.Deployment, error) {
	var (
		d     domain.Deployment
		state string
	)
	if err := row.Scan(&d.ID, &d.ProjectID, &d.SubDomain, &state, &d.ArtifactRef, &d.Message, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.State = domain.DeploymentState(state)
	return &d, nil
}
