package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"net/http"

	"github.com/vidforge/coordinator/cmd/worker/worker"
	"github.com/vidforge/coordinator/common/bootstrap"
	"github.com/vidforge/coordinator/common/clients"
	"github.com/vidforge/coordinator/common/models"
	"github.com/vidforge/coordinator/common/server"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Workers only need config, logger and telemetry; the database is the
	// coordinator's business
	components, err := bootstrap.Setup(ctx, "worker",
		bootstrap.WithoutDB(),
		bootstrap.WithoutRedis(),
		bootstrap.WithoutCache(),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap worker: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	workerID := getEnv("WORKER_ID", "")
	if workerID == "" {
		hostname, _ := os.Hostname()
		workerID = fmt.Sprintf("worker-%s-%d", hostname, os.Getpid())
	}

	coordinatorURL := getEnv("COORDINATOR_URL", "http://localhost:8080")
	client := clients.NewCoordinatorClient(
		coordinatorURL,
		components.Config.Service.ServiceToken,
		components.Logger,
	)

	executor := worker.NewPipelineExecutor(
		[]string{"research", "script", "render"},
		defaultStageHandlers(),
		client,
		workerID,
		components.Logger,
	)

	loop := worker.NewLoop(client, executor, worker.Options{
		WorkerID:       workerID,
		LeaseMinutes:   components.Config.Lease.DefaultMinutes,
		TaskFilter:     getEnv("TASK_FILTER", ""),
		HeartbeatEvery: components.Config.Lease.HeartbeatEvery,
	}, components.Logger)

	// Liveness endpoint for the scheduler; the loop itself has no listener
	go func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", server.HealthHandler())
		healthSrv := server.New("worker-health", components.Config.Service.Port, mux, components.Logger)
		if err := healthSrv.Start(); err != nil {
			components.Logger.Warn("health server stopped", "error", err)
		}
	}()

	go func() {
		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
		sig := <-shutdown
		components.Logger.Info("shutdown signal received", "signal", sig.String())
		cancel()
	}()

	if err := loop.Run(ctx); err != nil {
		components.Logger.Error("worker loop failed", "error", err)
		os.Exit(1)
	}
}

// defaultStageHandlers are placeholders for the real pipeline stages; each
// deployment swaps in its own handlers. They record enough state for lease
// recovery to be observable end to end.
func defaultStageHandlers() map[string]worker.StageFunc {
	mark := func(stage string) worker.StageFunc {
		return func(ctx context.Context, run *models.Run, snapshot map[string]any) (map[string]any, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
			return map[string]any{
				stage + "_done": true,
				"entity_id":     run.EntityID,
			}, nil
		}
	}
	return map[string]worker.StageFunc{
		"research": mark("research"),
		"script":   mark("script"),
		"render":   mark("render"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
