package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dumcel/deployer/api/internal/app/migrate"
	httpx "github.com/dumcel/deployer/api/internal/http"
	"github.com/dumcel/deployer/api/internal/repository"
	"github.com/dumcel/deployer/api/internal/repository/memory"
	"github.com/dumcel/deployer/api/internal/repository/postgres"
	"github.com/dumcel/deployer/api/internal/service/auth"
	"github.com/dumcel/deployer/api/internal/service/deploy"
	"github.com/dumcel/deployer/api/internal/service/dispatch"
	"github.com/dumcel/deployer/api/internal/service/ingress"
	"github.com/dumcel/deployer/api/internal/service/logs"
	"github.com/dumcel/deployer/api/internal/service/project"
	"github.com/dumcel/deployer/api/internal/ws"
	"github.com/dumcel/deployer/pkg/config"
	"github.com/dumcel/deployer/pkg/logger"
)

type store interface {
	repository.ProjectRepository
	repository.DeploymentRepository
	repository.LogRepository
}

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	health := map[string]httpx.HealthCheck{}

	var repo store
	if dsn := strings.TrimSpace(cfg.DatabaseURL); dsn != "" {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			log.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
		err = pool.Ping(pingCtx)
		cancelPing()
		if err != nil {
			log.Error("database ping failed", "error", err)
			os.Exit(1)
		}
		migrator, err := migrate.New(pool, cfg.MigrationsDir, log)
		if err != nil {
			log.Error("failed to load migrations", "error", err)
			os.Exit(1)
		}
		if err := migrator.Up(ctx); err != nil {
			log.Error("migrations failed", "error", err, "source", migrator.Source())
			os.Exit(1)
		}
		repo = postgres.New(pool)
		health["database"] = pool.Ping
	} else {
		log.Warn("DATABASE_URL not set; using in-memory store")
		repo = memory.New()
	}

	table, err := openRouteTable(cfg, log)
	if err != nil {
		log.Error("failed to open route store", "store", cfg.RouteStore, "error", err)
		os.Exit(1)
	}
	registrar := ingress.NewRegistrar(table, cfg.PlatformDomain, cfg.PublicScheme, log)
	defer registrar.Close()
	health["routes"] = func(ctx context.Context) error {
		_, err := registrar.Routes(ctx)
		return err
	}

	syncRoutes(ctx, repo, registrar, cfg.RouteSyncTimeout, log)

	logHub := ws.NewHub()
	defer logHub.Close()

	authSvc := auth.New(cfg.JWTSecret, log)
	projectSvc := project.New(repo, repo, registrar, log)
	dispatchSvc := dispatch.New(repo, repo, log)
	deploySvc := deploy.New(repo, registrar, log)
	logSvc := logs.New(repo, logHub, log, logs.Options{
		DefaultLimit: cfg.LogQueryLimit,
		MaxLimit:     cfg.LogQueryMaxLimit,
	})

	if cfg.StaleBuildAfter > 0 && cfg.ReapInterval > 0 {
		reaper := deploy.NewReaper(deploySvc, repo, logSvc, cfg.StaleBuildAfter, log)
		go reaper.Run(ctx, cfg.ReapInterval)
	}

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(httpx.Dependencies{
		Logger:       log,
		Auth:         authSvc,
		Projects:     projectSvc,
		Dispatch:     dispatchSvc,
		Deployments:  deploySvc,
		Logs:         logSvc,
		Registrar:    registrar,
		Limiter:      limiter,
		BuilderToken: cfg.BuilderAuthToken,
		SSEHeartbeat: cfg.SSEHeartbeat,
		Health:       health,
	})
	defer router.Close()

	servers := []*http.Server{{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}}
	if addr := strings.TrimSpace(cfg.IngressAddr); addr != "" && cfg.RouteStore != "nginx" {
		servers = append(servers, &http.Server{
			Addr:              addr,
			Handler:           ingress.NewProxy(registrar, log),
			ReadHeaderTimeout: 5 * time.Second,
		})
	}

	errorCh := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			log.Info("http server starting", "addr", srv.Addr, "env", cfg.Environment)
			errorCh <- srv.ListenAndServe()
		}(srv)
	}

	select {
	case <-ctx.Done():
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "addr", srv.Addr, "error", err)
		}
	}
	log.Info("api server stopped")
}

// openRouteTable selects the routing backend named by ROUTE_STORE.
func openRouteTable(cfg config.APIConfig, log *slog.Logger) (ingress.Table, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.RouteStore)) {
	case "", "memory":
		return ingress.NewMemoryTable(), nil
	case "redis":
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return nil, errors.New("REDIS_ADDR is required for the redis route store")
		}
		return ingress.NewRedisTable(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	case "nginx":
		var reloader ingress.Reloader
		if name := strings.TrimSpace(cfg.NginxContainerName); name != "" {
			docker, err := ingress.NewDockerReloader(name)
			if err != nil {
				return nil, fmt.Errorf("docker reloader: %w", err)
			}
			reloader = docker
		} else {
			log.Warn("NGINX_CONTAINER_NAME not set; route changes require a manual nginx reload")
		}
		return ingress.NewNginxTable(cfg.NginxConfigPath, cfg.PlatformDomain, reloader)
	default:
		return nil, fmt.Errorf("unknown route store %q", cfg.RouteStore)
	}
}

// syncRoutes republishes the newest ready deployment of every project so
// bindings lost between a state change and its publish are restored.
func syncRoutes(ctx context.Context, repo repository.DeploymentRepository, registrar *ingress.Registrar, timeout time.Duration, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ready, err := repo.ListLatestReady(ctx)
	if err != nil {
		log.Warn("route sync skipped", "error", err)
		return
	}
	applied, err := registrar.Sync(ctx, ready)
	if err != nil {
		log.Warn("route sync incomplete", "error", err)
	}
	log.Info("route sync finished", "deployments", len(ready), "applied", applied)
}
