package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nidhogg/vault-tec/internal/api"
	"github.com/nidhogg/vault-tec/internal/codegraph"
	"github.com/nidhogg/vault-tec/internal/config"
	"github.com/nidhogg/vault-tec/internal/events"
	"github.com/nidhogg/vault-tec/internal/graph"
	"github.com/nidhogg/vault-tec/internal/indexer"
	"github.com/nidhogg/vault-tec/internal/jobs"
	"github.com/nidhogg/vault-tec/internal/linker"
	"github.com/nidhogg/vault-tec/internal/memory"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	// Worker mode: the job runner re-executes this binary with
	// "worker -spec <file>" to run indexing detached from the server.
	if len(os.Args) > 1 && os.Args[1] == "worker" {
		os.Exit(jobs.RunWorker(os.Args[2:], logger))
	}

	logger.Info("Starting Vault-Tec...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/vault.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("no config file, using defaults", zap.String("path", cfgPath))
			cfg = config.Default()
			cfgPath = ""
		} else {
			logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
		}
	} else {
		logger.Info("Config loaded", zap.String("path", cfgPath))
	}

	// Open the graph backend
	ctx := context.Background()
	engine, err := graph.Open(ctx, cfg.Database.Backend, graph.OpenOptions{
		SQLitePath:    cfg.Database.SQLite.Path,
		Neo4jURI:      cfg.Database.Neo4j.URI,
		Neo4jUser:     cfg.Database.Neo4j.User,
		Neo4jPassword: cfg.Database.Neo4j.Password,
		PostgresDSN:   cfg.Database.Postgres.DSN,
	}, logger)
	if err != nil {
		logger.Fatal("graph backend unavailable",
			zap.String("backend", cfg.Database.Backend), zap.Error(err))
	}
	logger.Info("Graph backend ready", zap.String("backend", cfg.Database.Backend))

	// Memory store with auto-linking
	store := memory.NewStore(engine, logger)
	store.SetLinker(linker.New(engine, linker.Config{
		MetadataMatch: *cfg.Linking.MetadataMatch,
		ContentMatch:  *cfg.Linking.ContentMatch,
	}, logger))

	// Indexing pipeline
	registry := indexer.DefaultRegistry()
	checker := indexer.NewChecker(registry, logger)
	importer := codegraph.NewImporter(engine, logger)
	orch := indexer.NewOrchestrator(registry, checker, importer, logger)

	// Background job runner
	runner, err := jobs.NewRunner(cfg.Indexing.JobsDir, cfgPath, logger)
	if err != nil {
		logger.Fatal("jobs dir unavailable", zap.Error(err))
	}
	orch.SetBackgroundStarter(runner.Start)

	// Job event stream over Redis
	var pub *events.Publisher
	if cfg.Database.Redis.URL != "" {
		pub, err = events.NewPublisher(cfg.Database.Redis.URL, logger)
		if err != nil {
			logger.Warn("Redis unavailable, running without job events", zap.Error(err))
			pub = nil
		}
	}
	orch.SetNotifier(func(ctx context.Context, name string, fields map[string]string) {
		pub.Publish(ctx, events.Event{Name: name, Fields: fields})
	})
	runner.OnComplete(func(id string, res *jobs.Result) {
		pub.Publish(context.Background(), events.Event{
			Name:   events.JobFinished,
			JobID:  id,
			Fields: map[string]string{"status": string(res.Status)},
		})
	})

	// Periodic expiry sweep
	sweepCtx, stopSweep := context.WithCancel(ctx)
	go func() {
		interval := time.Duration(cfg.Cleanup.IntervalSeconds) * time.Second
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				removed, err := store.CleanupExpired(sweepCtx)
				if err != nil {
					logger.Warn("expiry sweep failed", zap.Error(err))
					continue
				}
				if removed > 0 {
					logger.Info("expired memories removed", zap.Int("count", removed))
				}
			}
		}
	}()

	// Build HTTP handler
	handler := api.NewHandler(store, checker, orch, runner, logger)

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("Vault-Tec listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Vault-Tec...")
	stopSweep()
	srv.Shutdown(context.Background())
	if pub != nil {
		pub.Close()
	}
	engine.Close(context.Background())
}
