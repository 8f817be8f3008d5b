package codegraph

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/vault-tec/internal/graph"
	"github.com/nidhogg/vault-tec/internal/memory"
)

// Importer upserts indexer artifacts into the code graph. Code nodes are
// only ever written through here, never by memory-store operations.
type Importer struct {
	engine graph.Engine
	logger *zap.Logger
}

// NewImporter creates an importer on the shared engine.
func NewImporter(engine graph.Engine, logger *zap.Logger) *Importer {
	return &Importer{engine: engine, logger: logger}
}

// ImportFile reads and imports one artifact file.
func (im *Importer) ImportFile(ctx context.Context, path string) (*ImportStats, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", path, err)
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parse artifact %s: %w", path, err)
	}
	return im.Import(ctx, &a)
}

// Import upserts every node and structural edge the artifact describes.
// Edges whose endpoint is not declared in the artifact and not already in
// the graph are skipped and counted, not treated as failures.
func (im *Importer) Import(ctx context.Context, a *Artifact) (*ImportStats, error) {
	if a.Language == "" {
		return nil, fmt.Errorf("artifact missing language")
	}
	stats := &ImportStats{}
	now := graph.Millis(time.Now().UTC())

	for _, f := range a.Files {
		if f.Path == "" {
			continue
		}
		lang := f.Language
		if lang == "" {
			lang = a.Language
		}
		props := map[string]any{"path": f.Path, "language": lang}
		if f.Lines > 0 {
			props["lines"] = int64(f.Lines)
		}
		props["indexed_at"] = now
		err := im.engine.UpsertNode(ctx, graph.Node{Label: memory.LabelCodeFile, ID: f.Path, Props: props})
		if err != nil {
			return stats, fmt.Errorf("upsert file %s: %w", f.Path, err)
		}
		stats.Files++
	}

	for _, c := range a.Classes {
		id := symbolID(a.Language, c.QualifiedName)
		props := map[string]any{
			"name":           c.Name,
			"qualified_name": c.QualifiedName,
			"language":       a.Language,
			"file":           c.File,
			"indexed_at":     now,
		}
		addSpan(props, c.Docstring, c.LineStart, c.LineEnd)
		err := im.engine.UpsertNode(ctx, graph.Node{Label: memory.LabelCodeClass, ID: id, Props: props})
		if err != nil {
			return stats, fmt.Errorf("upsert class %s: %w", c.QualifiedName, err)
		}
		stats.Classes++
	}

	for _, fn := range a.Functions {
		id := symbolID(a.Language, fn.QualifiedName)
		props := map[string]any{
			"name":           fn.Name,
			"qualified_name": fn.QualifiedName,
			"language":       a.Language,
			"file":           fn.File,
			"indexed_at":     now,
		}
		if fn.Signature != "" {
			props["signature"] = fn.Signature
		}
		addSpan(props, fn.Docstring, fn.LineStart, fn.LineEnd)
		err := im.engine.UpsertNode(ctx, graph.Node{Label: memory.LabelCodeFunction, ID: id, Props: props})
		if err != nil {
			return stats, fmt.Errorf("upsert function %s: %w", fn.QualifiedName, err)
		}
		stats.Functions++
	}

	if err := im.importEdges(ctx, a, stats); err != nil {
		return stats, err
	}

	im.logger.Info("artifact imported",
		zap.String("language", a.Language),
		zap.Int("files", stats.Files),
		zap.Int("classes", stats.Classes),
		zap.Int("functions", stats.Functions),
		zap.Int("relationships", stats.Relationships),
		zap.Int("skipped_edges", stats.SkippedEdges))
	return stats, nil
}

func (im *Importer) importEdges(ctx context.Context, a *Artifact, stats *ImportStats) error {
	files := map[string]bool{}
	for _, f := range a.Files {
		files[f.Path] = true
	}
	classes := map[string]bool{}
	for _, c := range a.Classes {
		classes[c.QualifiedName] = true
	}
	funcs := map[string]bool{}
	for _, fn := range a.Functions {
		funcs[fn.QualifiedName] = true
	}

	type edgeSpec struct {
		rel      string
		from, to graph.Ref
		known    bool
	}
	var specs []edgeSpec

	fileRef := func(path string) graph.Ref {
		return graph.Ref{Label: memory.LabelCodeFile, ID: path}
	}
	classRef := func(qn string) graph.Ref {
		return graph.Ref{Label: memory.LabelCodeClass, ID: symbolID(a.Language, qn)}
	}
	funcRef := func(qn string) graph.Ref {
		return graph.Ref{Label: memory.LabelCodeFunction, ID: symbolID(a.Language, qn)}
	}

	for _, c := range a.Classes {
		if c.File != "" {
			specs = append(specs, edgeSpec{RelDefinedIn, classRef(c.QualifiedName), fileRef(c.File), files[c.File]})
		}
		for _, base := range c.Bases {
			specs = append(specs, edgeSpec{RelInherits, classRef(c.QualifiedName), classRef(base), classes[base]})
		}
	}
	for _, fn := range a.Functions {
		if fn.File != "" {
			specs = append(specs, edgeSpec{RelDefinedIn, funcRef(fn.QualifiedName), fileRef(fn.File), files[fn.File]})
		}
		if fn.Class != "" {
			specs = append(specs, edgeSpec{RelMethodOf, funcRef(fn.QualifiedName), classRef(fn.Class), classes[fn.Class]})
		}
		for _, callee := range fn.Calls {
			specs = append(specs, edgeSpec{RelCalls, funcRef(fn.QualifiedName), funcRef(callee), funcs[callee]})
		}
		for _, ref := range fn.References {
			specs = append(specs, edgeSpec{RelReferences, funcRef(fn.QualifiedName), classRef(ref), classes[ref]})
		}
	}
	for _, p := range a.Imports {
		specs = append(specs, edgeSpec{RelImports, fileRef(p.From), fileRef(p.To), files[p.From] && files[p.To]})
	}
	for _, p := range a.Contains {
		specs = append(specs, edgeSpec{RelContains, fileRef(p.From), fileRef(p.To), files[p.From] && files[p.To]})
	}

	for _, spec := range specs {
		if !spec.known {
			// Target outside this artifact; a re-run with the missing
			// language fills it in.
			stats.SkippedEdges++
			continue
		}
		err := im.engine.CreateEdge(ctx, graph.Edge{Rel: spec.rel, From: spec.from, To: spec.to})
		if err != nil {
			return fmt.Errorf("create %s edge: %w", spec.rel, err)
		}
		stats.Relationships++
	}
	return nil
}

// symbolID derives a stable node id from the language and the fully
// qualified symbol name.
func symbolID(language, qualified string) string {
	return language + ":" + qualified
}

func addSpan(props map[string]any, docstring string, start, end int) {
	if docstring != "" {
		props["docstring"] = docstring
	}
	if start > 0 {
		props["line_start"] = int64(start)
	}
	if end > 0 {
		props["line_end"] = int64(end)
	}
}
