package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dumcel/deployer/builder/internal/docker"
	"github.com/dumcel/deployer/builder/internal/git"
	httpx "github.com/dumcel/deployer/builder/internal/http"
	"github.com/dumcel/deployer/builder/internal/service/worker"
	"github.com/dumcel/deployer/builder/internal/workspace"
	"github.com/dumcel/deployer/pkg/api/client"
	"github.com/dumcel/deployer/pkg/config"
	"github.com/dumcel/deployer/pkg/logger"
)

func main() {
	cfg := config.LoadBuilderConfig()
	log := logger.New("builder", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.BuilderAuthToken == "" {
		log.Error("BUILDER_AUTH_TOKEN is required")
		os.Exit(1)
	}

	dockerClient, err := docker.New(cfg.DockerHost)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer dockerClient.Close()

	daemon, err := dockerClient.Describe(ctx)
	if err != nil {
		log.Error("docker engine unreachable", "error", err)
		os.Exit(1)
	}
	log.Info("docker engine connected", "version", daemon.ServerVersion, "api", daemon.APIVersion, "platform", daemon.OS+"/"+daemon.Arch)

	workspaceManager, err := workspace.New(cfg.Workdir)
	if err != nil {
		log.Error("workspace init failed", "error", err, "workdir", cfg.Workdir)
		os.Exit(1)
	}
	if removed, err := workspaceManager.Sweep(time.Now().Add(-cfg.WorkspaceMaxAge)); err != nil {
		log.Warn("workspace sweep failed", "error", err)
	} else if removed > 0 {
		log.Info("stale workspaces removed", "count", removed)
	}

	apiClient, err := client.New(cfg.APIURL,
		client.WithBuilderToken(cfg.BuilderAuthToken),
		client.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
	)
	if err != nil {
		log.Error("invalid API_URL", "error", err, "api_url", cfg.APIURL)
		os.Exit(1)
	}

	w := worker.New(worker.Dependencies{
		Controller: apiClient,
		Cloner: git.Cloner{
			Depth:           cfg.CloneDepth,
			Token:           cfg.GitToken,
			SSHKeyPath:      cfg.GitSSHKey,
			KnownHostsPath:  cfg.GitKnownHosts,
			InsecureHostKey: cfg.GitSSHInsecure,
		},
		Images:     dockerClient,
		Containers: dockerClient,
		Commands:   worker.HostRunner{},
		Workspaces: workspaceManager,
		Prober:     worker.HTTPProber{Timeout: cfg.ReadinessTimeout},
	}, cfg, log)
	pool := worker.NewPool(apiClient, w, cfg.Concurrency, cfg.PollInterval, log)

	router := httpx.New(log, dockerClient.Ping, pool)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("builder server starting", "addr", cfg.Addr, "api_url", cfg.APIURL, "env", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		_ = pool.Run(ctx)
	}()

	select {
	case <-ctx.Done():
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
		}
		stop()
	}

	log.Info("waiting for in-flight deployments")
	<-poolDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
	log.Info("builder stopped")
}
