// Package postgres stores projects, deployments and log events in
// PostgreSQL through a pgx connection pool.
package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dumcel/deployer/api/internal/repository"
)

type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var (
	_ repository.ProjectRepository    = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.LogRepository        = (*Repository)(nil)
)

// rowScanner accepts both a single pgx.Row and the current row of pgx.Rows.
type rowScanner = pgx.Row

// SQLSTATE classes the repository translates into its sentinel errors.
var sqlStateErrors = map[string]error{
	"23505": repository.ErrConflict,        // unique_violation
	"23503": repository.ErrNotFound,        // foreign_key_violation
	"23514": repository.ErrInvalidArgument, // check_violation
	"22P02": repository.ErrInvalidArgument, // invalid_text_representation
	"23502": repository.ErrInvalidArgument, // not_null_violation
	"22021": repository.ErrInvalidArgument, // character_not_in_repertoire
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	sentinel, ok := sqlStateErrors[pgErr.Code]
	if !ok {
		return err
	}
	if pgErr.ConstraintName != "" {
		return fmt.Errorf("%w: %s", sentinel, pgErr.ConstraintName)
	}
	return sentinel
}
