package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/afkfleet/afkfleet-backend/config"
	authservice "github.com/afkfleet/afkfleet-backend/internal/auth/service"
	"github.com/afkfleet/afkfleet-backend/internal/bootstrap"
	"github.com/afkfleet/afkfleet-backend/internal/logger"
	"github.com/afkfleet/afkfleet-backend/internal/observability"
	"github.com/afkfleet/afkfleet-backend/internal/projects/capture"
	"github.com/afkfleet/afkfleet-backend/internal/projects/supervisor"
	"github.com/afkfleet/afkfleet-backend/internal/store"
)

const serviceName = "afkfleet-backend"

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logger.New(cfg.App.LogLevel)
	bootstrap.SetGinMode(cfg.App.Environment)

	// Working directories the fleet expects, created up front.
	for _, dir := range []string{
		cfg.Fleet.DataDir,
		cfg.Fleet.ProjectsDir,
		filepath.Join(cfg.Fleet.TemplatesDir, "java"),
		filepath.Join(cfg.Fleet.TemplatesDir, "bedrock"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Error("failed to create directory", "dir", dir, "error", err)
			os.Exit(1)
		}
	}

	st := store.New(cfg.Fleet.DataDir, log)
	if err := st.Load(); err != nil {
		log.Error("failed to load store", "error", err)
		os.Exit(1)
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		log.Info("event fanout enabled", "redis", cfg.Redis.Addr)
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	recorder := capture.New(cfg.Fleet.DataDir, rdb, log)
	authSvc := authservice.New(st, cfg.Auth.JWTSecret, cfg.Fleet.MaxProjectsPerUser, cfg.Auth.AdminUsers)

	sup := supervisor.New(supervisor.Options{
		Store:        st,
		Capture:      recorder,
		Metrics:      metrics,
		Quota:        authSvc,
		Logger:       log,
		ProjectsDir:  cfg.Fleet.ProjectsDir,
		TemplatesDir: cfg.Fleet.TemplatesDir,
		WorkerBin:    cfg.Fleet.WorkerBin,
	})

	// Periodic sweep converging persisted status with the process registry.
	sched := cron.New()
	if _, err := sched.AddFunc("@every 1m", sup.Reconcile); err != nil {
		log.Error("failed to schedule reconcile sweep", "error", err)
		os.Exit(1)
	}
	sched.Start()

	router := bootstrap.BuildRouter(bootstrap.RouterDeps{
		ServiceName: serviceName,
		Version:     cfg.App.Version,
		Logger:      log,
		Auth:        authSvc,
		Supervisor:  sup,
		Metrics:     registry,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	go func() {
		log.Info("server listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("shutting down")
	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown failed", "error", err)
	}
	sup.Shutdown()
}
