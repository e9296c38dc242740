package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Mike15254/md0-sub000/internal/app/migrate"
	"github.com/Mike15254/md0-sub000/internal/events"
	"github.com/Mike15254/md0-sub000/internal/githubapp"
	httpx "github.com/Mike15254/md0-sub000/internal/http"
	"github.com/Mike15254/md0-sub000/internal/repository/postgres"
	"github.com/Mike15254/md0-sub000/internal/runner"
	"github.com/Mike15254/md0-sub000/internal/service/ingress"
	"github.com/Mike15254/md0-sub000/internal/service/logs"
	"github.com/Mike15254/md0-sub000/internal/service/pipeline"
	"github.com/Mike15254/md0-sub000/internal/service/project"
	"github.com/Mike15254/md0-sub000/internal/service/webhook"
	"github.com/Mike15254/md0-sub000/pkg/config"
	"github.com/Mike15254/md0-sub000/pkg/logger"
)

func main() {
	cfg := config.Load()
	level := slog.LevelInfo
	if cfg.Environment == "development" {
		level = slog.LevelDebug
	}
	log := logger.New("engine", level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	migrator, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer migrator.Close()
	if err := migrator.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := migrator.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	hub := events.NewHub(log)
	commands := runner.New()

	var tokens githubapp.TokenSource
	if cfg.GitHubAppID != "" && cfg.GitHubPrivateKeyPath != "" {
		keyPEM, err := os.ReadFile(cfg.GitHubPrivateKeyPath)
		if err != nil {
			log.Error("failed to read app private key", "path", cfg.GitHubPrivateKeyPath, "error", err)
			os.Exit(1)
		}
		auth, err := githubapp.New(cfg.GitHubAppID, keyPEM, cfg.GitHubAPIBaseURL, cfg.GitHubTokenTimeout)
		if err != nil {
			log.Error("failed to configure app authenticator", "error", err)
			os.Exit(1)
		}
		tokens = auth
	} else {
		log.Warn("app credentials not configured, private repositories will not deploy")
	}

	var ingressSvc *ingress.Service
	if cfg.NginxConfigPath != "" {
		ingressSvc, err = ingress.New(ingress.Config{
			ConfigDir:      cfg.NginxConfigPath,
			ReloadCommand:  cfg.NginxReloadCommand,
			ContainerName:  cfg.NginxContainerName,
			CertbotCommand: cfg.CertbotCommand,
			CertbotEmail:   cfg.CertbotEmail,
			ServerPublicIP: cfg.ServerPublicIP,
			CommandTimeout: cfg.CommandTimeout,
		}, commands, hub, log)
		if err != nil {
			log.Error("failed to configure ingress", "error", err)
			os.Exit(1)
		}
		defer ingressSvc.Close()
	}

	logSvc := logs.New(repo, hub, log)
	projectSvc := project.New(repo, cfg.SecretsKey, log)

	var exposer pipeline.Exposer
	if ingressSvc != nil {
		exposer = ingressSvc
	}
	pipelineSvc := pipeline.New(repo, repo, logSvc, hub, commands, tokens, exposer, pipeline.Config{
		WorkspaceRoot:  cfg.WorkspaceRoot,
		GitBin:         cfg.GitBin,
		DockerBin:      cfg.DockerBin,
		CloneTimeout:   cfg.CloneTimeout,
		BuildTimeout:   cfg.BuildTimeout,
		CommandTimeout: cfg.CommandTimeout,
		HealthSettle:   cfg.HealthSettle,
		ImagePrefix:    cfg.DeployImagePrefix,
		DomainSuffix:   cfg.IngressDomainSuffix,
	}, log)

	installs := githubapp.NewInstallations(repo, log)
	webhookSvc := webhook.New(repo, repo, repo, installs, pipelineSvc, logSvc, projectSvc, cfg.WebhookSecret, log)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, projectSvc, pipelineSvc, logSvc, webhookSvc, ingressSvc, hub, limiter, pool.Ping, cfg.RealtimeRecentProjects, cfg.RealtimeRecentLogs)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("engine server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		hub.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("engine server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
