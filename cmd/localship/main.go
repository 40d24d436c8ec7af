package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/localship/internal/app/migrate"
	"github.com/splax/localship/internal/docker"
	"github.com/splax/localship/internal/events"
	httpx "github.com/splax/localship/internal/http"
	"github.com/splax/localship/internal/mdns"
	"github.com/splax/localship/internal/proxy"
	"github.com/splax/localship/internal/repository/postgres"
	"github.com/splax/localship/internal/service/auth"
	"github.com/splax/localship/internal/service/backup"
	"github.com/splax/localship/internal/service/deploy"
	"github.com/splax/localship/internal/service/metrics"
	"github.com/splax/localship/internal/workspace"
	"github.com/splax/localship/internal/ws"
	"github.com/splax/localship/pkg/config"
	"github.com/splax/localship/pkg/logger"
)

const (
	logTailLines      = 100
	rollupSampleLimit = 2048
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		logger.New("localship", logger.ParseLevel("info")).Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New("localship", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	runner, err := migrate.New(pool, cfg.DatabaseURL, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)

	dockerClient, err := docker.New(cfg.DockerHost)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer dockerClient.Close()
	if err := dockerClient.Ping(ctx); err != nil {
		log.Warn("docker daemon unreachable at startup", "error", err)
	}

	wsManager, err := workspace.New(cfg.DataDir)
	if err != nil {
		log.Error("failed to prepare data directory", "error", err, "dir", cfg.DataDir)
		os.Exit(1)
	}
	backups, err := backup.New(repo, wsManager, filepath.Join(cfg.DataDir, "backups"), log)
	if err != nil {
		log.Error("failed to prepare backup directory", "error", err)
		os.Exit(1)
	}

	bus := events.NewBus()

	var discovery deploy.Discovery
	if cfg.MDNSEnabled {
		var stopDiscovery func()
		discovery, stopDiscovery = startDiscovery(ctx, mdns.Options{
			Addr:   cfg.MDNSAddr,
			LANIP:  cfg.LANIP,
			TTL:    cfg.MDNSTTL,
			Rejoin: cfg.MDNSRejoin,
		}, log)
		defer stopDiscovery()
	}

	builds := deploy.NewActiveBuilds(bus)
	deploySvc := deploy.New(repo, dockerClient, wsManager, discovery, backups, bus, builds, deploy.Options{
		AppPort:      cfg.AppPort,
		BuildTimeout: cfg.BuildTimeout,
	}, log)
	if err := deploySvc.Sync(ctx); err != nil {
		log.Error("deployment sync failed", "error", err)
	}

	logStreams := ws.NewLogStreams(dockerClient, repo, logTailLines, log)
	defer logStreams.Close()
	hub := ws.NewHub(builds, logStreams, repo, dockerClient, log)
	detach := hub.Attach(bus)
	defer detach()

	rollup := metrics.NewRollup(rollupSampleLimit)
	sampler := metrics.NewSampler(repo, dockerClient, rollup, bus, cfg.MetricsSampleEvery, log)
	go sampler.Run(ctx)

	authSvc := auth.New(repo, cfg.JWTSecret, cfg.TokenTTL, log)

	var limiter httpx.RateLimiter
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}
	if limiter == nil {
		limiter = httpx.NewMemoryRateLimiter()
	}

	router := httpx.NewRouter(httpx.Deps{
		Auth:        authSvc,
		Deployments: deploySvc,
		Logs:        logStreams,
		Realtime:    hub,
		Requests:    repo,
		Backups:     backups,
		Limiter:     limiter,
		Health: map[string]httpx.HealthCheck{
			"database": pool.Ping,
			"docker":   dockerClient.Ping,
		},
	}, log)
	defer router.Close()

	gateway := proxy.New(repo, router, bus, repo, rollup, proxy.Options{
		ManagementHost:        cfg.ManagementHost,
		MaxConnsPerHost:       cfg.ProxyMaxConn,
		DialTimeout:           cfg.ProxyDialTimeout,
		ResponseHeaderTimeout: cfg.ProxyResponseTimeout,
	}, log)
	defer gateway.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           gateway,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("localship starting", "addr", cfg.Addr, "management_host", cfg.ManagementHost, "environment", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("localship stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
