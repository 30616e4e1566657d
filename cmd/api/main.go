package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/e-hua/CloudWrap-sub001/internal/app/migrate"
	httpx "github.com/e-hua/CloudWrap-sub001/internal/http"
	"github.com/e-hua/CloudWrap-sub001/internal/provision/runner"
	"github.com/e-hua/CloudWrap-sub001/internal/provision/workspace"
	"github.com/e-hua/CloudWrap-sub001/internal/repository/postgres"
	"github.com/e-hua/CloudWrap-sub001/internal/service/assets"
	"github.com/e-hua/CloudWrap-sub001/internal/service/credentials"
	"github.com/e-hua/CloudWrap-sub001/internal/service/pipelines"
	"github.com/e-hua/CloudWrap-sub001/internal/service/provision"
	"github.com/e-hua/CloudWrap-sub001/internal/ws"
	"github.com/e-hua/CloudWrap-sub001/pkg/config"
	"github.com/e-hua/CloudWrap-sub001/pkg/logger"
)

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))

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

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		log.Error("failed to load AWS configuration", "error", err)
		os.Exit(1)
	}

	stager, err := workspace.New(cfg.WorkspaceRoot, cfg.TemplateDir)
	if err != nil {
		log.Error("failed to prepare workspace root", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	hub := ws.NewHub()
	broker := credentials.New(awsCfg, cfg.AWSRoleARN, cfg.AWSSessionPrefix, cfg.CredentialTTL, log)

	provisionSvc := provision.New(repo, stager, runner.New(log), broker, hub, log, provision.Options{
		TerraformBin: cfg.TerraformBin,
		Deadline:     cfg.ProvisionDeadline,
	})
	pipelineSvc := pipelines.New(awsCfg, log)
	uploader := assets.NewUploader(log)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(httpx.Config{
		Logger:    log,
		Provision: provisionSvc,
		Pipelines: pipelineSvc,
		Uploader:  uploader,
		Creds:     broker,
		Hub:       hub,
		Limiter:   limiter,
		JWTSecret: cfg.JWTSecret,
		AWSRegion: cfg.AWSRegion,
		Heartbeat: cfg.StreamHeartbeat,
		DBHealth:  pool.Ping,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
