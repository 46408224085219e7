package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	artifactrepo "github.com/velohq/velo/internal/artifact/repositoryimpl"
	"github.com/velohq/velo/internal/config"
	"github.com/velohq/velo/internal/eventbus"
	"github.com/velohq/velo/internal/generator"
	projectrepo "github.com/velohq/velo/internal/project/repositoryimpl"
	"github.com/velohq/velo/internal/task"
	taskrepo "github.com/velohq/velo/internal/task/repositoryimpl"
	"github.com/velohq/velo/internal/tracker"
	"github.com/velohq/velo/internal/worker"
	"github.com/velohq/velo/internal/workflow"
	"github.com/velohq/velo/pkg/clog"
	"github.com/velohq/velo/pkg/panicerr"
	"github.com/velohq/velo/pkg/storage"

	server "github.com/velohq/velo/internal"
)

func main() {
	env, err := config.LoadEnv()
	if err != nil {
		slog.Error("failed to load env", "error", err)
		os.Exit(1)
	}

	// Setup logger
	level := env.SlogLevel()
	var handler slog.Handler
	if env.Env == "local" {
		handler = clog.NewHTTPTextHandler(os.Stderr, clog.WithLevel(level))
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(clog.NewAttributesHandler(handler)))

	// Setup storage
	var store storage.Storage
	switch env.StorageEnv.Type {
	case "s3":
		store, err = storage.NewS3Storage(context.Background(), env.StorageEnv.S3Bucket, env.StorageEnv.S3Prefix, env.StorageEnv.S3Region)
		if err != nil {
			slog.Error("failed to create S3 storage", "error", err)
			os.Exit(1)
		}
	default:
		store, err = storage.NewLocalStorage(env.StorageEnv.BaseDir)
		if err != nil {
			slog.Error("failed to create local storage", "error", err)
			os.Exit(1)
		}
	}

	// Setup event bus
	bus := eventbus.New()

	// Setup repositories
	projectRepo := projectrepo.NewYAMLRepository(store)
	taskRepo := taskrepo.NewYAMLRepository(store)
	artifactRepo := artifactrepo.NewYAMLRepository(store)

	// Setup task graph
	graph := task.NewGraph(taskRepo)
	if err := graph.Load(context.Background()); err != nil {
		slog.Error("failed to load task graph", "error", err)
		os.Exit(1)
	}

	// Setup worker registry
	registry := worker.NewRegistry()

	// Setup content generator
	var gen generator.ContentGenerator
	if env.GeneratorEnv.GeminiAPIKey != "" {
		var opts []generator.GeminiOption
		if env.GeneratorEnv.GeminiEndpoint != "" {
			opts = append(opts, generator.WithEndpoint(env.GeneratorEnv.GeminiEndpoint))
		}
		gen = generator.NewGemini(env.GeneratorEnv.GeminiAPIKey, env.GeneratorEnv.GeminiModel, opts...)
	} else {
		slog.Warn("no generator API key configured, every project will use fallback content")
		gen = generator.NewUnconfigured()
	}

	// Setup external tracker
	var trk tracker.ExternalTracker
	switch env.TrackerEnv.Type {
	case "plane":
		trk = tracker.NewPlane(env.TrackerEnv.BaseURL, env.TrackerEnv.APIKey, env.TrackerEnv.Workspace)
	default:
		trk = tracker.NewNoop()
	}

	// Setup workflow engine
	engine := workflow.NewEngine(projectRepo, graph, registry, artifactRepo, gen, bus, trk, workflow.Config{
		GenTimeout:        env.GeneratorEnv.Timeout,
		DefaultMaxRetries: env.WorkflowEnv.MaxRetries,
		MaxIterations:     env.WorkflowEnv.MaxIterations,
		PollInterval:      env.WorkflowEnv.PollInterval,
	})

	srv := server.NewServer(env, engine, artifactRepo)

	// Graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// Load worker profiles, hot-reloading on file change when enabled.
	if env.WorkerEnv.WatchReload {
		watch := panicerr.SafeContext(func(ctx context.Context) error {
			return worker.WatchProfiles(ctx, env.WorkerEnv.ProfilesPath, registry)
		})
		go func() {
			if err := watch(ctx); err != nil {
				slog.Error("worker profile watcher stopped", "error", err)
				cancel()
			}
		}()
	} else {
		profiles, err := worker.LoadProfiles(env.WorkerEnv.ProfilesPath)
		if err != nil {
			slog.Error("failed to load worker profiles", "error", err)
			os.Exit(1)
		}
		for _, p := range profiles {
			registry.Register(p)
		}
	}

	serve := panicerr.Safe(func() error {
		return srv.ListenAndServe(ctx)
	})
	go func() {
		if err := serve(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down server")

	engine.Shutdown()

	// Give active connections time to finish after stream contexts are cancelled.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}
