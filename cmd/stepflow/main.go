// Stepflow control plane
//
// Single binary running the control surface, the worker loop and the outbox
// relay over the configured store and queue driver.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"go.stepflow.dev/internal/api"
	"go.stepflow.dev/internal/common/health"
	"go.stepflow.dev/internal/config"
	"go.stepflow.dev/internal/handler"
	"go.stepflow.dev/internal/outbox"
	"go.stepflow.dev/internal/queue"
	"go.stepflow.dev/internal/runner"
	"go.stepflow.dev/internal/store"
	"go.stepflow.dev/internal/worker"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

// heartbeatMaxAge is the liveness window: the worker beats every 3s with a
// 10s TTL, so anything older than 12s means the loop is wedged.
const heartbeatMaxAge = 12 * time.Second

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("STEPFLOW_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("Starting Stepflow control plane",
		"version", version,
		"build_time", buildTime)

	cfg, err := config.LoadWithFile()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("Control plane exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	// Store
	var st store.Store
	if cfg.Store.DatabaseURL != "" {
		slog.Info("Using Postgres store")
		pg, err := store.NewPostgresStore(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		st = pg
	} else {
		slog.Info("Using in-memory store")
		st = store.NewMemoryStore()
	}
	defer st.Close()

	// Queue driver
	driver, err := queue.New(ctx, cfg.Queue)
	if err != nil {
		return fmt.Errorf("open queue driver: %w", err)
	}
	defer driver.Close()
	slog.Info("Queue driver ready", "driver", driver.Name())

	// Execution core
	registry := handler.DefaultRegistry(st)
	r := runner.New(st, driver, registry)

	// Heartbeat sink: cross-process over Redis when available, local
	// otherwise
	var sink worker.HeartbeatSink
	if cfg.Queue.Driver == config.DriverRedis {
		opts, err := redis.ParseURL(cfg.Queue.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url for heartbeat: %w", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		sink = worker.NewRedisHeartbeat(client, cfg.Worker.HeartbeatTTL)
	} else {
		sink = worker.NewLocalHeartbeat()
	}

	w := worker.New(st, driver, r, sink, worker.Config{
		Concurrency:       cfg.Worker.Concurrency,
		StepTimeout:       cfg.Worker.StepTimeout,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
	})
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	defer w.Stop()

	// Outbox relay
	relay := outbox.NewRelay(st, driver, outbox.RelayConfig{
		Enabled:  cfg.Outbox.Enabled,
		Interval: cfg.Outbox.Interval,
		Batch:    cfg.Outbox.Batch,
	})
	relay.Start()
	defer relay.Stop()

	// Health surface
	checker := health.NewChecker()
	checker.AddLivenessCheck(health.HeartbeatCheck(func() (time.Time, error) {
		hbCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return w.Heartbeat().Last(hbCtx)
	}, heartbeatMaxAge))
	checker.AddReadinessCheck(health.StoreCheck(func() error {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return st.Ping(pingCtx)
	}))
	checker.AddReadinessCheck(health.QueueCheck(driver.Name(), func() error {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return driver.Ping(pingCtx)
	}))

	// Control surface
	server := api.NewServer(st, driver, r, checker, api.Config{
		CORSOrigins:   cfg.HTTP.CORSOrigins,
		SoftCeiling:   cfg.Queue.SoftCeiling,
		HealthEnabled: cfg.Health.Enabled,
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		slog.Info("HTTP server listening", "port", cfg.HTTP.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		slog.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
