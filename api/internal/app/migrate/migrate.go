// Package migrate applies the control-plane schema with goose.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/dumcel/deployer/db"
)

// Migrator drives a goose provider over a database/sql view of the pgx pool.
type Migrator struct {
	provider *goose.Provider
	sqlDB    *sql.DB
	source   string
	log      *slog.Logger
}

// New reads migrations from dir, or from the set embedded in the binary
// when dir is empty.
func New(pool *pgxpool.Pool, dir string, log *slog.Logger) (*Migrator, error) {
	if pool == nil {
		return nil, errors.New("migrate: nil pool")
	}
	if log == nil {
		log = slog.Default()
	}
	fsys, source, err := migrationFS(dir)
	if err != nil {
		return nil, err
	}
	sqlDB := stdlib.OpenDBFromPool(pool)
	provider, err := goose.NewProvider(goose.DialectPostgres, sqlDB, fsys)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate: load %s: %w", source, err)
	}
	return &Migrator{provider: provider, sqlDB: sqlDB, source: source, log: log}, nil
}

func migrationFS(dir string) (fs.FS, string, error) {
	if dir == "" {
		sub, err := fs.Sub(db.Migrations, db.MigrationsDir)
		if err != nil {
			return nil, "", fmt.Errorf("migrate: embedded migrations: %w", err)
		}
		return sub, "embedded:" + db.MigrationsDir, nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, "", fmt.Errorf("migrate: %w", err)
	}
	if !info.IsDir() {
		return nil, "", fmt.Errorf("migrate: %s is not a directory", dir)
	}
	return os.DirFS(dir), dir, nil
}

// Source names where migrations were loaded from.
func (m *Migrator) Source() string { return m.source }

// Up applies every pending migration.
func (m *Migrator) Up(ctx context.Context) error {
	results, err := m.provider.Up(ctx)
	m.report(results...)
	if err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	if len(results) == 0 {
		m.log.Info("schema up to date", "source", m.source)
	}
	return nil
}

// Down rolls back to target, or only the newest migration when target is 0.
func (m *Migrator) Down(ctx context.Context, target int64) error {
	if target > 0 {
		results, err := m.provider.DownTo(ctx, target)
		m.report(results...)
		if err != nil {
			return fmt.Errorf("migrate down to %d: %w", target, err)
		}
		return nil
	}
	result, err := m.provider.Down(ctx)
	if result != nil {
		m.report(result)
	}
	if err != nil {
		return fmt.Errorf("migrate down: %w", err)
	}
	return nil
}

// Status logs one line per known migration.
func (m *Migrator) Status(ctx context.Context) error {
	statuses, err := m.provider.Status(ctx)
	if err != nil {
		return fmt.Errorf("migrate status: %w", err)
	}
	for _, st := range statuses {
		fields := []any{"version", st.Source.Version, "file", st.Source.Path, "state", string(st.State)}
		if !st.AppliedAt.IsZero() {
			fields = append(fields, "applied_at", st.AppliedAt)
		}
		m.log.Info("migration", fields...)
	}
	return nil
}

// Version returns the newest applied migration.
func (m *Migrator) Version(ctx context.Context) (int64, error) {
	v, err := m.provider.GetDBVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("migrate version: %w", err)
	}
	return v, nil
}

// Close releases the database/sql handle for one-shot tools.
func (m *Migrator) Close() error {
	return m.sqlDB.Close()
}

func (m *Migrator) report(results ...*goose.MigrationResult) {
	for _, r := range results {
		if r == nil || r.Source == nil {
			continue
		}
		m.log.Info("migration "+r.Direction, "version", r.Source.Version, "file", r.Source.Path, "took", r.Duration)
	}
}
