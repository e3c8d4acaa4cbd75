package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dumcel/deployer/api/internal/domain"
	"github.com/dumcel/deployer/api/internal/repository"
)

const logColumns = `event_id, deployment_id, project_id, ts, log, type, step, meta, final`

// AppendLog persists a log line. Appends for one deployment are serialised
// with a transaction-scoped advisory lock so the timestamp clamp and insert
// observe a consistent tail.
func (r *Repository) AppendLog(ctx context.Context, event domain.LogEvent) (domain.LogEvent, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.LogEvent{}, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, event.DeploymentID); err != nil {
		return domain.LogEvent{}, mapError(err)
	}

	const existingQuery = `SELECT ` + logColumns + ` FROM build_logs WHERE deployment_id = $1 AND event_id = $2`
	existing, err := scanLog(tx.QueryRow(ctx, existingQuery, event.DeploymentID, event.EventID))
	if err == nil {
		return existing, tx.Commit(ctx)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.LogEvent{}, mapError(err)
	}

	var last *time.Time
	if err := tx.QueryRow(ctx, `SELECT MAX(ts) FROM build_logs WHERE deployment_id = $1`, event.DeploymentID).Scan(&last); err != nil {
		return domain.LogEvent{}, mapError(err)
	}
	var tail time.Time
	if last != nil {
		tail = *last
	}
	event.Timestamp = repository.NextLogTimestamp(event.Timestamp, tail)

	const insert = `INSERT INTO build_logs (` + logColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	if _, err := tx.Exec(ctx, insert,
		event.EventID,
		event.DeploymentID,
		event.ProjectID,
		event.Timestamp,
		event.Log,
		string(event.Type),
		event.Step,
		event.Meta,
		event.Final,
	); err != nil {
		return domain.LogEvent{}, mapError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.LogEvent{}, err
	}
	return event, nil
}

// QueryLogs returns events strictly after the cursor in stream order.
func (r *Repository) QueryLogs(ctx context.Context, deploymentID string, after time.Time, limit int) ([]domain.LogEvent, error) {
	const query = `SELECT ` + logColumns + ` FROM build_logs
		WHERE deployment_id = $1 AND ts > $2
		ORDER BY ts, event_id
		LIMIT $3`
	rows, err := r.pool.Query(ctx, query, deploymentID, after, limit)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	events := make([]domain.LogEvent, 0)
	for rows.Next() {
		event, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func scanLog(row rowScanner) (domain.LogEvent, error) {
	var (
		e       domain.LogEvent
		logType string
	)
	if err := row.Scan(&e.EventID, &e.DeploymentID, &e.ProjectID, &e.Timestamp, &e.Log, &logType, &e.Step, &e.Meta, &e.Final); err != nil {
		return domain.LogEvent{}, err
	}
	e.Type = domain.LogType(logType)
	e.Timestamp = e.Timestamp.UTC()
	return e, nil
}
