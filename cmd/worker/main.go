package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/taskgrid/taskgrid/internal/config"
	"github.com/taskgrid/taskgrid/internal/logger"
	"github.com/taskgrid/taskgrid/internal/model"
	"github.com/taskgrid/taskgrid/internal/worker"
	"github.com/taskgrid/taskgrid/pkg/client"
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
	log.Info().Str("master", cfg.MasterURL()).Msg("Starting worker...")

	opts := []client.Option{
		client.WithRetries(3, 500*time.Millisecond),
	}
	if len(cfg.Auth.APIKeys) > 0 {
		opts = append(opts, client.WithAPIKey(cfg.Auth.APIKeys[0]))
	}
	controller := client.New(cfg.MasterURL(), opts...)

	// Register task handlers
	handlers := map[string]worker.TaskHandler{
		"echo":    echoHandler,
		"sleep":   sleepHandler,
		"compute": computeHandler,
	}

	runtime := worker.NewRuntime(controller, &cfg.Worker, handlers, cfg.Dispatch.ExecutionTimeout, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stop pulling on SIGINT/SIGTERM; Run drains in-flight tasks before
	// returning.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info().Msg("Shutting down worker...")
		cancel()
	}()

	if err := runtime.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Worker exited with error")
		os.Exit(1)
	}

	log.Info().Msg("Worker stopped")
}

// Example task handlers

func echoHandler(ctx context.Context, t *model.Task) (map[string]interface{}, error) {
	logger.WithTask(t.ID).Info().Interface("payload", t.Payload).Msg("Echo handler processing task")
	return map[string]interface{}{"echoed": t.Payload}, nil
}

func sleepHandler(ctx context.Context, t *model.Task) (map[string]interface{}, error) {
	seconds := 1.0
	if v, ok := t.Payload["seconds"].(float64); ok {
		seconds = v
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Duration(seconds * float64(time.Second))):
	}
	return map[string]interface{}{"slept_seconds": seconds}, nil
}

func computeHandler(ctx context.Context, t *model.Task) (map[string]interface{}, error) {
	n := 1000000
	if v, ok := t.Payload["iterations"].(float64); ok && v > 0 {
		n = int(v)
	}
	sum := 0
	for i := 0; i < n; i++ {
		if i%10000 == 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
		}
		sum += i
	}
	return map[string]interface{}{"sum": sum, "iterations": n}, nil
}
