package graph

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestEngine(t *testing.T) *SQLiteEngine {
	t.Helper()
	eng, err := NewSQLiteEngine(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { eng.Close(context.Background()) })
	if err := eng.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return eng
}

func TestNodeRoundTrip(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	n := Node{
		Label: "EpisodicMemory",
		ID:    "m1",
		Props: map[string]any{
			"content":    "fixed the auth bug",
			"session_id": "s1",
			"importance": 7.5,
			"created_at": int64(1700000000000),
			"tags":       []any{"auth", "bugfix"},
		},
	}
	if err := eng.UpsertNode(ctx, n); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, ok, err := eng.GetNode(ctx, "EpisodicMemory", "m1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Props["content"] != "fixed the auth bug" {
		t.Errorf("content = %v", got.Props["content"])
	}
	if f, _ := got.Props["importance"].(float64); f != 7.5 {
		t.Errorf("importance = %v", got.Props["importance"])
	}
	tags, _ := got.Props["tags"].([]any)
	if len(tags) != 2 || tags[0] != "auth" {
		t.Errorf("tags = %v", got.Props["tags"])
	}
}

func TestGetNodeMissing(t *testing.T) {
	eng := newTestEngine(t)
	_, ok, err := eng.GetNode(context.Background(), "EpisodicMemory", "nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Error("expected missing node")
	}
}

func TestUpsertReplacesProps(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if err := eng.UpsertNode(ctx, Node{Label: "Agent", ID: "a1", Props: map[string]any{"first_used": int64(1), "old": "x"}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := eng.UpsertNode(ctx, Node{Label: "Agent", ID: "a1", Props: map[string]any{"first_used": int64(1), "last_used": int64(2)}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, _, _ := eng.GetNode(ctx, "Agent", "a1")
	if _, stale := got.Props["old"]; stale {
		t.Error("upsert kept stale property")
	}
	// JSON props decode numbers as float64.
	if v, _ := got.Props["last_used"].(float64); v != 2 {
		t.Errorf("last_used = %v", got.Props["last_used"])
	}
}

func TestUpdateNodeProps(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if err := eng.UpsertNode(ctx, Node{Label: "Session", ID: "s1", Props: map[string]any{"status": "active"}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := eng.UpdateNodeProps(ctx, "Session", "s1", map[string]any{"status": "ended", "ended_at": int64(99)}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _, _ := eng.GetNode(ctx, "Session", "s1")
	if got.Props["status"] != "ended" {
		t.Errorf("status = %v", got.Props["status"])
	}

	if err := eng.UpdateNodeProps(ctx, "Session", "missing", map[string]any{"status": "ended"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("update missing: err = %v, want ErrNotFound", err)
	}
}

func TestQueryNodesFilters(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	seed := []Node{
		{Label: "SemanticMemory", ID: "m1", Props: map[string]any{"session_id": "s1", "importance": 3.0, "created_at": int64(1000)}},
		{Label: "SemanticMemory", ID: "m2", Props: map[string]any{"session_id": "s1", "importance": 8.0, "created_at": int64(2000)}},
		{Label: "SemanticMemory", ID: "m3", Props: map[string]any{"session_id": "s2", "importance": 9.0, "created_at": int64(3000)}},
	}
	for _, n := range seed {
		if err := eng.UpsertNode(ctx, n); err != nil {
			t.Fatalf("upsert %s: %v", n.ID, err)
		}
	}

	got, err := eng.QueryNodes(ctx, "SemanticMemory", NodeQuery{Equals: map[string]string{"session_id": "s1"}})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("session filter: got %d nodes", len(got))
	}

	got, err = eng.QueryNodes(ctx, "SemanticMemory", NodeQuery{MinFloat: map[string]float64{"importance": 8.0}})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("importance filter: got %d nodes", len(got))
	}

	got, err = eng.QueryNodes(ctx, "SemanticMemory", NodeQuery{
		Range: &TimeRange{Field: "created_at", From: time.UnixMilli(1500), To: time.UnixMilli(2500)},
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].ID != "m2" {
		t.Errorf("range filter: got %v", got)
	}
}

func TestQueryNodesExpiry(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	now := time.UnixMilli(5000)

	seed := []Node{
		{Label: "WorkingMemory", ID: "alive", Props: map[string]any{"expires_at": int64(9000)}},
		{Label: "WorkingMemory", ID: "dead", Props: map[string]any{"expires_at": int64(1000)}},
		{Label: "WorkingMemory", ID: "forever", Props: map[string]any{"content": "no expiry"}},
	}
	for _, n := range seed {
		if err := eng.UpsertNode(ctx, n); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	alive, err := eng.QueryNodes(ctx, "WorkingMemory", NodeQuery{
		Expiry: &ExpiryClause{Field: "expires_at", At: now, Alive: true},
	})
	if err != nil {
		t.Fatalf("query alive: %v", err)
	}
	if len(alive) != 2 {
		t.Errorf("alive: got %d, want 2", len(alive))
	}

	dead, err := eng.QueryNodes(ctx, "WorkingMemory", NodeQuery{
		Expiry: &ExpiryClause{Field: "expires_at", At: now, Alive: false},
	})
	if err != nil {
		t.Fatalf("query dead: %v", err)
	}
	if len(dead) != 1 || dead[0].ID != "dead" {
		t.Errorf("dead: got %v", dead)
	}
}

func TestQueryNodesOverlap(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	seed := []Node{
		{Label: "CodeFile", ID: "f1", Props: map[string]any{"path": "internal/auth/login.go"}},
		{Label: "CodeFile", ID: "f2", Props: map[string]any{"path": "cmd/server/main.go"}},
	}
	for _, n := range seed {
		if err := eng.UpsertNode(ctx, n); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	// Stored path is a substring of the probe.
	got, err := eng.QueryNodes(ctx, "CodeFile", NodeQuery{
		Overlap: &Overlap{Field: "path", Value: "/repo/internal/auth/login.go"},
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].ID != "f1" {
		t.Errorf("overlap: got %v", got)
	}

	// Probe is a substring of the stored path.
	got, err = eng.QueryNodes(ctx, "CodeFile", NodeQuery{
		Overlap: &Overlap{Field: "path", Value: "server/main.go"},
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].ID != "f2" {
		t.Errorf("overlap: got %v", got)
	}
}

func TestEdges(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	for _, n := range []Node{
		{Label: "Session", ID: "s1", Props: map[string]any{}},
		{Label: "EpisodicMemory", ID: "m1", Props: map[string]any{}},
		{Label: "EpisodicMemory", ID: "m2", Props: map[string]any{}},
	} {
		if err := eng.UpsertNode(ctx, n); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	edge := Edge{
		Rel:   "OWNS_EPISODIC",
		From:  Ref{Label: "Session", ID: "s1"},
		To:    Ref{Label: "EpisodicMemory", ID: "m1"},
		Props: map[string]any{"created_at": int64(1)},
	}
	if err := eng.CreateEdge(ctx, edge); err != nil {
		t.Fatalf("create edge: %v", err)
	}
	// Duplicate create is a no-op.
	if err := eng.CreateEdge(ctx, edge); err != nil {
		t.Fatalf("duplicate edge: %v", err)
	}
	if err := eng.CreateEdge(ctx, Edge{
		Rel:  "OWNS_EPISODIC",
		From: Ref{Label: "Session", ID: "s1"},
		To:   Ref{Label: "EpisodicMemory", ID: "m2"},
	}); err != nil {
		t.Fatalf("second edge: %v", err)
	}

	exists, err := eng.EdgeExists(ctx, edge.Rel, edge.From, edge.To)
	if err != nil || !exists {
		t.Fatalf("edge exists: %v %v", exists, err)
	}

	out, err := eng.OutEdges(ctx, Ref{Label: "Session", ID: "s1"}, "OWNS_EPISODIC")
	if err != nil {
		t.Fatalf("out edges: %v", err)
	}
	if len(out) != 2 {
		t.Errorf("out edges: got %d, want 2", len(out))
	}

	n, err := eng.CountEdges(ctx, "OWNS_EPISODIC")
	if err != nil || n != 2 {
		t.Fatalf("count edges: %d %v", n, err)
	}
}

func TestDeleteNodeCascades(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	for _, n := range []Node{
		{Label: "Session", ID: "s1", Props: map[string]any{}},
		{Label: "EpisodicMemory", ID: "m1", Props: map[string]any{}},
		{Label: "Agent", ID: "a1", Props: map[string]any{}},
	} {
		if err := eng.UpsertNode(ctx, n); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	mustEdge := func(rel string, from, to Ref) {
		t.Helper()
		if err := eng.CreateEdge(ctx, Edge{Rel: rel, From: from, To: to}); err != nil {
			t.Fatalf("edge %s: %v", rel, err)
		}
	}
	mem := Ref{Label: "EpisodicMemory", ID: "m1"}
	mustEdge("OWNS_EPISODIC", Ref{Label: "Session", ID: "s1"}, mem)
	mustEdge("CREATED_BY", mem, Ref{Label: "Agent", ID: "a1"})

	if err := eng.DeleteNode(ctx, "EpisodicMemory", "m1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	_, ok, _ := eng.GetNode(ctx, "EpisodicMemory", "m1")
	if ok {
		t.Error("node survived delete")
	}
	for _, rel := range []string{"OWNS_EPISODIC", "CREATED_BY"} {
		n, err := eng.CountEdges(ctx, rel)
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if n != 0 {
			t.Errorf("%s edges survived delete: %d", rel, n)
		}
	}
}

func TestCountNodes(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		if err := eng.UpsertNode(ctx, Node{Label: "CodeFunction", ID: id, Props: map[string]any{"n": int64(i)}}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	n, err := eng.CountNodes(ctx, "CodeFunction")
	if err != nil || n != 3 {
		t.Fatalf("count = %d, err = %v", n, err)
	}
	n, err = eng.CountNodes(ctx, "CodeClass")
	if err != nil || n != 0 {
		t.Fatalf("empty count = %d, err = %v", n, err)
	}
}

func TestMillisRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 589_000_000, time.UTC)
	ms := Millis(at)
	back, ok := FromMillis(ms)
	if !ok {
		t.Fatal("FromMillis rejected its own encoding")
	}
	if !back.Equal(at) {
		t.Errorf("round trip: %v != %v", back, at)
	}
	// JSON decoding hands back float64.
	back, ok = FromMillis(float64(ms))
	if !ok || !back.Equal(at) {
		t.Errorf("float64 round trip: ok=%v %v", ok, back)
	}
}
