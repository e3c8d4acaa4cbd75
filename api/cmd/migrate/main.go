package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dumcel/deployer/api/internal/app/migrate"
	"github.com/dumcel/deployer/pkg/config"
	"github.com/dumcel/deployer/pkg/logger"
)

func main() {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: migrate [flags] up|down|status|version\n")
		fs.PrintDefaults()
	}
	timeout := fs.Duration("timeout", time.Minute, "give up after this long")
	target := fs.Int64("target", 0, "version to roll back to with down; 0 undoes one migration")
	dir := fs.String("dir", "", "migrations directory (default: embedded set, or MIGRATIONS_DIR)")
	_ = fs.Parse(os.Args[1:])

	command := "up"
	if fs.NArg() > 0 {
		command = fs.Arg(0)
	}

	cfg := config.LoadAPIConfig()
	log := logger.New("migrate", logger.ParseLevel(cfg.LogLevel))
	if cfg.DatabaseURL == "" {
		log.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	source := cfg.MigrationsDir
	if *dir != "" {
		source = *dir
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("database connect failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	m, err := migrate.New(pool, source, log)
	if err != nil {
		log.Error("migrations unavailable", "error", err)
		os.Exit(1)
	}
	defer m.Close()

	if err := run(ctx, m, command, *target, log); err != nil {
		log.Error("migrate failed", "command", command, "source", m.Source(), "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, m *migrate.Migrator, command string, target int64, log *slog.Logger) error {
	switch command {
	case "up":
		return m.Up(ctx)
	case "down":
		return m.Down(ctx, target)
	case "status":
		return m.Status(ctx)
	case "version":
		v, err := m.Version(ctx)
		if err == nil {
			log.Info("schema version", "version", v)
		}
		return err
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}
