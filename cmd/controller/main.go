package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskgrid/taskgrid/internal/api"
	"github.com/taskgrid/taskgrid/internal/config"
	"github.com/taskgrid/taskgrid/internal/dispatch"
	"github.com/taskgrid/taskgrid/internal/events"
	"github.com/taskgrid/taskgrid/internal/heartbeat"
	"github.com/taskgrid/taskgrid/internal/logger"
	"github.com/taskgrid/taskgrid/internal/model"
	"github.com/taskgrid/taskgrid/internal/queue"
	"github.com/taskgrid/taskgrid/internal/registry"
	"github.com/taskgrid/taskgrid/internal/store"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger.Init(cfg.LogLevel, os.Getenv("ENV") != "production")

	log := logger.Get()
	log.Info().Str("mode", cfg.Mode).Msg("Starting controller...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Open the store
	var st store.Store
	switch cfg.Store.Driver {
	case "postgres":
		pg, err := store.NewPostgres(ctx, cfg.Store.DSN, cfg.Store.MaxConns)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open postgres store")
		}
		st = pg
	default:
		st = store.NewMemory()
	}
	defer st.Close()

	// Optional Redis: event fan-out plus the dispatch tick lock
	var (
		publisher events.Publisher = events.NopPublisher{}
		locker    dispatch.Locker  = dispatch.NopLocker{}
	)
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("Failed to connect to Redis")
		}
		defer rdb.Close()

		publisher = events.NewRedisPubSub(rdb)
		locker = dispatch.NewRedisLocker(rdb, "", cfg.Dispatch.Interval*3)
	}

	// Wire the services
	reg := registry.New(st, cfg.Dispatch.HeartbeatWindow, cfg.Dispatch.MaxTasksPerDevice)
	q := queue.New(st, publisher, queue.Options{
		Backoff: model.BackoffPolicy{
			Base: cfg.Queue.RetryBaseBackoff,
			Cap:  cfg.Queue.RetryMaxBackoff,
		},
		MaxRetryCount:    cfg.Queue.MaxRetryCount,
		ExecutionTimeout: cfg.Dispatch.ExecutionTimeout,
	})
	collector := heartbeat.NewCollector(st, reg, publisher, cfg.Heartbeat.SweepInterval, cfg.Heartbeat.OfflineTimeout)
	reaper := dispatch.NewReaper(st, q, reg, cfg.Dispatch.ExecutionTimeout)
	dispatcher, err := dispatch.New(st, reg, publisher, locker, reaper, dispatch.Options{
		Interval:          cfg.Dispatch.Interval,
		BatchLimit:        cfg.Dispatch.BatchLimit,
		Strategy:          cfg.Dispatch.Strategy,
		Adaptive:          cfg.Dispatch.Adaptive,
		PriorityThreshold: cfg.Dispatch.PriorityThreshold,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create dispatcher")
	}
	rebalancer := dispatch.NewRebalancer(st, reg, dispatcher)

	server := api.NewServer(cfg, api.Deps{
		Store:      st,
		Registry:   reg,
		Queue:      q,
		Collector:  collector,
		Dispatcher: dispatcher,
		Rebalancer: rebalancer,
		Publisher:  publisher,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Background loops
	server.Start(ctx)
	go dispatcher.Run(ctx)
	go collector.Run(ctx)
	if cfg.Queue.ZeroEnabled {
		go queue.NewZeroScheduler(q, cfg.Queue.ZeroHour).Run(ctx)
	}

	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down controller...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	server.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("Controller stopped")
}
