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

	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/manthysbr/clipforge/internal/adapters/docker"
	"github.com/manthysbr/clipforge/internal/adapters/duckdb"
	"github.com/manthysbr/clipforge/internal/adapters/process"
	appconfig "github.com/manthysbr/clipforge/internal/config"
	"github.com/manthysbr/clipforge/internal/core/ports"
	"github.com/manthysbr/clipforge/internal/core/services"
	"github.com/manthysbr/clipforge/pkg/kernel"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger.Info("starting clipforge kernel")

	if err := run(logger); err != nil {
		logger.Error("kernel stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := appconfig.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	repo, err := duckdb.NewRepository(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to init repository: %w", err)
	}
	defer repo.Close()

	runner, closeRunner, err := buildRunner(ctx, logger, cfg)
	if err != nil {
		return err
	}
	defer closeRunner()

	settingsStore, err := appconfig.NewSettingsStore(ctx, logger, repo, cfg.Worker)
	if err != nil {
		return fmt.Errorf("failed to init settings store: %w", err)
	}

	eventBus := services.NewEventBus(logger)
	workspaceMgr := services.NewWorkspaceManager(cfg.WorkspaceDir)
	jobScheduler := services.NewJobScheduler(logger, services.SchedulerConfig{
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
	})

	lifecycle := services.NewWorkerLifecycle(logger, jobScheduler, runner, repo, workspaceMgr, eventBus, settingsStore.Get())
	settingsStore.OnChange(lifecycle.UpdateSettings)

	// Records left non-terminal by a previous run have no worker any more
	recovered, err := lifecycle.Recover(ctx)
	if err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}
	if recovered > 0 {
		logger.Warn("failed jobs orphaned by previous run", "count", recovered)
	}

	contract, err := kernel.LoadContract()
	if err != nil {
		return err
	}
	apiServer := kernel.NewServer(logger, lifecycle, eventBus, settingsStore, contract, cfg.PublicBaseURL)

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           c.Handler(apiServer.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	// 1. Worker lifecycle (scheduler loop); returns once every job is terminal
	g.Go(func() error {
		return lifecycle.Run(gCtx)
	})

	// 2. API server
	g.Go(func() error {
		logger.Info("starting api server", "addr", cfg.HTTPAddr, "runtime", cfg.WorkerRuntime)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	// 3. Graceful shutdown for the API server
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// buildRunner picks the worker runtime named by the configuration.
func buildRunner(ctx context.Context, logger *slog.Logger, cfg appconfig.Config) (ports.WorkerRunner, func(), error) {
	switch cfg.WorkerRuntime {
	case appconfig.RuntimeDocker:
		runner, err := docker.NewRunner(logger, docker.Config{
			Image:   cfg.WorkerImage,
			Command: cfg.WorkerCommand,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to init docker runner: %w", err)
		}
		// containers from a previous run are never adopted
		removed, err := runner.Cleanup(ctx)
		if err != nil {
			logger.Warn("stale worker cleanup failed", "error", err)
		} else if removed > 0 {
			logger.Info("removed stale worker containers", "count", removed)
		}
		return runner, func() { _ = runner.Close() }, nil
	default:
		runner, err := process.NewRunner(logger, process.Config{Command: cfg.WorkerCommand})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to init process runner: %w", err)
		}
		return runner, func() {}, nil
	}
}
