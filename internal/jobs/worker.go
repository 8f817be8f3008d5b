package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/vault-tec/internal/codegraph"
	"github.com/nidhogg/vault-tec/internal/config"
	"github.com/nidhogg/vault-tec/internal/events"
	"github.com/nidhogg/vault-tec/internal/graph"
	"github.com/nidhogg/vault-tec/internal/indexer"
)

// RunWorker is the entrypoint for the detached worker process. It reads
// the job spec, runs the indexing pipeline against its own storage stack
// and writes the result sidecar next to the spec. Returns the process
// exit code.
func RunWorker(args []string, logger *zap.Logger) int {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	specPath := fs.String("spec", "", "path to the job spec file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if *specPath == "" {
		fmt.Fprintln(os.Stderr, "worker: -spec is required")
		return 2
	}

	spec, err := readSpec(*specPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	dir := filepath.Dir(*specPath)

	res := &Result{
		ID:        spec.ID,
		StartedAt: time.Now().UTC(),
	}
	status, outcome, runErr := execute(spec, logger)
	res.Status = status
	res.FinishedAt = time.Now().UTC()
	if runErr != nil {
		res.Error = runErr.Error()
	}
	if outcome != nil {
		if data, merr := json.Marshal(outcome); merr == nil {
			res.Outcome = data
		}
	}

	if err := WriteResult(dir, res); err != nil {
		logger.Error("write result sidecar failed",
			zap.String("job_id", spec.ID), zap.Error(err))
		return 1
	}
	if res.Status != StatusCompleted {
		return 1
	}
	return 0
}

func readSpec(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job spec: %w", err)
	}
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse job spec: %w", err)
	}
	return &spec, nil
}

// execute runs the actual indexing. Signal cancellation and run timeout
// use separate contexts so the sidecar can tell them apart.
func execute(spec *Spec, logger *zap.Logger) (Status, *indexer.Result, error) {
	cfg := config.Default()
	if spec.ConfigPath != "" {
		loaded, err := config.Load(spec.ConfigPath)
		if err != nil {
			return StatusFailed, nil, err
		}
		cfg = loaded
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	timeout := time.Duration(spec.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = indexer.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(sigCtx, timeout)
	defer cancel()

	engine, err := graph.Open(runCtx, cfg.Database.Backend, graph.OpenOptions{
		SQLitePath:    cfg.Database.SQLite.Path,
		Neo4jURI:      cfg.Database.Neo4j.URI,
		Neo4jUser:     cfg.Database.Neo4j.User,
		Neo4jPassword: cfg.Database.Neo4j.Password,
		PostgresDSN:   cfg.Database.Postgres.DSN,
	}, logger)
	if err != nil {
		return StatusFailed, nil, fmt.Errorf("open graph backend: %w", err)
	}
	defer engine.Close(context.Background())

	reg := indexer.DefaultRegistry()
	checker := indexer.NewChecker(reg, logger)
	importer := codegraph.NewImporter(engine, logger)
	orch := indexer.NewOrchestrator(reg, checker, importer, logger)

	var pub *events.Publisher
	if cfg.Database.Redis.URL != "" {
		pub, err = events.NewPublisher(cfg.Database.Redis.URL, logger)
		if err != nil {
			logger.Warn("events disabled", zap.Error(err))
			pub = nil
		} else {
			defer pub.Close()
		}
	}
	orch.SetNotifier(func(ctx context.Context, name string, fields map[string]string) {
		pub.Publish(ctx, events.Event{Name: name, JobID: spec.ID, Fields: fields})
	})

	pub.Publish(runCtx, events.Event{Name: events.JobStarted, JobID: spec.ID})

	opts := indexer.Options{
		Languages:  spec.Languages,
		Timeout:    timeout,
		MaxRetries: cfg.Indexing.MaxRetries,
		BaseDelay:  time.Duration(cfg.Indexing.BaseDelayMS) * time.Millisecond,
		Parallel:   cfg.Indexing.Parallel,
		Workers:    cfg.Indexing.Workers,
	}
	result, runErr := orch.Run(runCtx, spec.Codebase, opts)

	status := StatusCompleted
	switch {
	case sigCtx.Err() != nil && runCtx.Err() != nil && !errors.Is(runCtx.Err(), context.DeadlineExceeded):
		status = StatusCancelled
		if runErr == nil {
			runErr = errors.New("job cancelled")
		}
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		status = StatusTimeout
		if runErr == nil {
			runErr = fmt.Errorf("job exceeded %s timeout", timeout)
		}
	case runErr != nil:
		status = StatusFailed
	case result == nil || !result.Success:
		status = StatusFailed
		runErr = errors.New("indexing run did not complete any language")
	}

	pub.Publish(context.Background(), events.Event{
		Name:  events.JobFinished,
		JobID: spec.ID,
		Fields: map[string]string{
			"status": string(status),
		},
	})
	return status, result, runErr
}
