package graph

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// OpenOptions carries backend connection settings. Only the fields for
// the selected backend are read.
type OpenOptions struct {
	SQLitePath    string
	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string
	PostgresDSN   string
}

// Open constructs the engine for the named backend and bootstraps its
// schema. Backend is "sqlite", "neo4j" or "postgres".
func Open(ctx context.Context, backend string, opts OpenOptions, logger *zap.Logger) (Engine, error) {
	var (
		eng Engine
		err error
	)
	switch backend {
	case "", "sqlite":
		eng, err = NewSQLiteEngine(opts.SQLitePath, logger)
	case "neo4j":
		eng, err = NewNeo4jEngine(opts.Neo4jURI, opts.Neo4jUser, opts.Neo4jPassword, logger)
	case "postgres":
		eng, err = NewPostgresEngine(ctx, opts.PostgresDSN, logger)
	default:
		return nil, fmt.Errorf("unknown graph backend %q", backend)
	}
	if err != nil {
		return nil, err
	}
	if err := eng.Bootstrap(ctx); err != nil {
		eng.Close(ctx)
		return nil, fmt.Errorf("bootstrap %s: %w", backend, err)
	}
	return eng, nil
}
