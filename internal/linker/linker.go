// Package linker derives relevance-scored edges from memories to code
// entities. Linking runs after every successful store and is strictly
// best-effort: a failing strategy is logged and never fails the write.
package linker

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/nidhogg/vault-tec/internal/graph"
	"github.com/nidhogg/vault-tec/internal/memory"
)

// Link contexts recorded on the edge.
const (
	ContextMetadataFileMatch = "metadata_file_match"
	ContextContentNameMatch  = "content_name_match"
)

// Relevance scores per strategy.
const (
	ScoreMetadataMatch = 1.0
	ScoreContentMatch  = 0.8
)

// metadata keys probed for a declared file path, in order.
var pathKeys = []string{"file", "file_path", "path"}

// Config toggles the two strategies independently.
type Config struct {
	MetadataMatch bool `json:"metadata_match"`
	ContentMatch  bool `json:"content_match"`
}

// DefaultConfig enables both strategies.
func DefaultConfig() Config {
	return Config{MetadataMatch: true, ContentMatch: true}
}

// Linker creates memory→code edges, deduplicating on
// (memory, target, relation).
type Linker struct {
	engine graph.Engine
	cfg    Config
	mu     sync.Mutex
	logger *zap.Logger
}

// New creates a linker on the shared engine.
func New(engine graph.Engine, cfg Config, logger *zap.Logger) *Linker {
	return &Linker{engine: engine, cfg: cfg, logger: logger}
}

// LinkEntry runs the enabled strategies for one entry and returns how many
// edges were created. It never returns an error.
func (l *Linker) LinkEntry(ctx context.Context, e *memory.Entry) int {
	created := 0
	if l.cfg.MetadataMatch {
		n, err := l.linkByMetadataPath(ctx, e)
		created += n
		if err != nil {
			l.logger.Warn("metadata link pass failed", zap.String("memory", e.ID), zap.Error(err))
		}
	}
	if l.cfg.ContentMatch {
		n, err := l.linkByContentNames(ctx, e)
		created += n
		if err != nil {
			l.logger.Warn("content link pass failed", zap.String("memory", e.ID), zap.Error(err))
		}
	}
	if created > 0 {
		l.logger.Debug("memory auto-linked", zap.String("memory", e.ID), zap.Int("links", created))
	}
	return created
}

// linkByMetadataPath matches a declared metadata path against CodeFile
// paths by mutual substring and links each hit with relevance 1.0.
func (l *Linker) linkByMetadataPath(ctx context.Context, e *memory.Entry) (int, error) {
	declared := declaredPath(e.Metadata)
	if declared == "" {
		return 0, nil
	}
	files, err := l.engine.QueryNodes(ctx, memory.LabelCodeFile, graph.NodeQuery{
		Overlap: &graph.Overlap{Field: "path", Value: declared},
	})
	if err != nil {
		return 0, err
	}
	created := 0
	for _, f := range files {
		ok, err := l.createLink(ctx, e, memory.LabelCodeFile, "FILE", f.ID, ScoreMetadataMatch, ContextMetadataFileMatch)
		if err != nil {
			return created, err
		}
		if ok {
			created++
		}
	}
	return created, nil
}

// linkByContentNames links every known CodeFunction whose name occurs as a
// substring of the entry content, with relevance 0.8.
func (l *Linker) linkByContentNames(ctx context.Context, e *memory.Entry) (int, error) {
	funcs, err := l.engine.QueryNodes(ctx, memory.LabelCodeFunction, graph.NodeQuery{})
	if err != nil {
		return 0, err
	}
	created := 0
	for _, fn := range funcs {
		name, _ := fn.Props["name"].(string)
		if name == "" || !strings.Contains(e.Content, name) {
			continue
		}
		ok, err := l.createLink(ctx, e, memory.LabelCodeFunction, "FUNCTION", fn.ID, ScoreContentMatch, ContextContentNameMatch)
		if err != nil {
			return created, err
		}
		if ok {
			created++
		}
	}
	return created, nil
}

// createLink checks for an existing (memory, target, relation) edge before
// creating one. The check-then-create pair holds the linker mutex so
// concurrent stores cannot race past the existence check; the engines'
// uniqueness backstop covers the rest.
func (l *Linker) createLink(ctx context.Context, e *memory.Entry, targetLabel, targetKind, targetID string, score float64, linkContext string) (bool, error) {
	rel := memory.LinkRel(e.Kind, targetKind)
	from := graph.Ref{Label: e.Kind.Label(), ID: e.ID}
	to := graph.Ref{Label: targetLabel, ID: targetID}

	l.mu.Lock()
	defer l.mu.Unlock()

	exists, err := l.engine.EdgeExists(ctx, rel, from, to)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	err = l.engine.CreateEdge(ctx, graph.Edge{
		Rel:  rel,
		From: from,
		To:   to,
		Props: map[string]any{
			"relevance_score": score,
			"context":         linkContext,
			"created_at":      graph.Millis(e.CreatedAt),
		},
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func declaredPath(metadata map[string]string) string {
	for _, k := range pathKeys {
		if v := metadata[k]; v != "" {
			return v
		}
	}
	return ""
}
