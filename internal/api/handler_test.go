package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/vault-tec/internal/graph"
	"github.com/nidhogg/vault-tec/internal/memory"
)

// newTestHandler wires a Handler over a temp SQLite store. The indexing
// and jobs dependencies stay nil so their routes answer 503.
func newTestHandler(t *testing.T) *httptest.Server {
	t.Helper()
	logger := zap.NewNop()

	eng, err := graph.NewSQLiteEngine(filepath.Join(t.TempDir(), "api.db"), logger)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { eng.Close(context.Background()) })
	if err := eng.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	store := memory.NewStore(eng, logger)
	h := NewHandler(store, nil, nil, nil, logger)
	ts := httptest.NewServer(h.Router())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func deleteReq(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest("DELETE", ts.URL+path, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE %s: %v", path, err)
	}
	return resp
}

func entryBody(kind, session, content string) map[string]interface{} {
	return map[string]interface{}{
		"kind":       kind,
		"session_id": session,
		"agent_id":   "agent-1",
		"content":    content,
	}
}

// --- Tests ---

func TestHealthCheck(t *testing.T) {
	ts := newTestHandler(t)

	resp := getJSON(t, ts, "/api/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestStoreMemory(t *testing.T) {
	ts := newTestHandler(t)

	resp := postJSON(t, ts, "/api/memories", entryBody("episodic", "s1", "deployed the fix"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Stored bool          `json:"stored"`
		Entry  *memory.Entry `json:"entry"`
	}
	decodeJSON(t, resp, &body)
	if !body.Stored || body.Entry == nil || body.Entry.ID == "" {
		t.Fatalf("body = %+v", body)
	}

	resp = getJSON(t, ts, "/api/memories/"+body.Entry.ID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	var got memory.Entry
	decodeJSON(t, resp, &got)
	if got.Content != "deployed the fix" || got.Kind != memory.KindEpisodic {
		t.Errorf("got = %+v", got)
	}
}

func TestStoreMemoryValidation(t *testing.T) {
	ts := newTestHandler(t)

	cases := []map[string]interface{}{
		entryBody("telepathic", "s1", "x"),
		entryBody("episodic", "", "x"),
		entryBody("procedural", "s1", "no steps given"),
	}
	for _, body := range cases {
		resp := postJSON(t, ts, "/api/memories", body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %v: status = %d, want 400", body, resp.StatusCode)
		}
	}
}

func TestQueryMemories(t *testing.T) {
	ts := newTestHandler(t)

	for _, c := range []string{"first", "second"} {
		resp := postJSON(t, ts, "/api/memories", entryBody("semantic", "s1", c))
		resp.Body.Close()
	}
	resp := postJSON(t, ts, "/api/memories", entryBody("semantic", "s2", "other session"))
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/memories?session_id=s1&kind=semantic")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Entries []*memory.Entry `json:"entries"`
		Count   int             `json:"count"`
	}
	decodeJSON(t, resp, &body)
	if body.Count != 2 || len(body.Entries) != 2 {
		t.Errorf("count = %d, entries = %d", body.Count, len(body.Entries))
	}
}

func TestQueryMemoriesBadFilter(t *testing.T) {
	ts := newTestHandler(t)

	for _, path := range []string{
		"/api/memories?kind=psychic",
		"/api/memories?min_importance=high",
		"/api/memories?created_after=yesterday",
		"/api/memories?limit=-1",
	} {
		resp := getJSON(t, ts, path)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", path, resp.StatusCode)
		}
	}
}

func TestGetMemoryNotFound(t *testing.T) {
	ts := newTestHandler(t)

	resp := getJSON(t, ts, "/api/memories/nonexistent")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestDeleteMemory(t *testing.T) {
	ts := newTestHandler(t)

	resp := postJSON(t, ts, "/api/memories", entryBody("episodic", "s1", "to delete"))
	var body struct {
		Entry *memory.Entry `json:"entry"`
	}
	decodeJSON(t, resp, &body)

	resp = deleteReq(t, ts, "/api/memories/"+body.Entry.ID)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp = deleteReq(t, ts, "/api/memories/"+body.Entry.ID)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d", resp.StatusCode)
	}
}

func TestCleanupMemories(t *testing.T) {
	ts := newTestHandler(t)

	past := time.Now().Add(-time.Hour).Format(time.RFC3339)
	body := entryBody("episodic", "s1", "already gone")
	body["expires_at"] = past
	resp := postJSON(t, ts, "/api/memories", body)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/memories/cleanup", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out map[string]int
	decodeJSON(t, resp, &out)
	if out["removed"] != 1 {
		t.Errorf("removed = %d", out["removed"])
	}
}

func TestSessions(t *testing.T) {
	ts := newTestHandler(t)

	resp := postJSON(t, ts, "/api/memories", entryBody("episodic", "sess-a", "hello"))
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/sessions")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var sessions []*memory.Session
	decodeJSON(t, resp, &sessions)
	if len(sessions) != 1 || sessions[0].ID != "sess-a" {
		t.Fatalf("sessions = %+v", sessions)
	}

	resp = getJSON(t, ts, "/api/sessions/sess-a")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	var sess memory.Session
	decodeJSON(t, resp, &sess)
	if sess.Status != "active" || sess.Counts[memory.KindEpisodic] != 1 {
		t.Errorf("session = %+v", sess)
	}

	resp = postJSON(t, ts, "/api/sessions/sess-a/end", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d", resp.StatusCode)
	}
	resp = postJSON(t, ts, "/api/sessions/ghost/end", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("end unknown status = %d", resp.StatusCode)
	}
}

func TestAgents(t *testing.T) {
	ts := newTestHandler(t)

	resp := getJSON(t, ts, "/api/agents")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("empty list status = %d", resp.StatusCode)
	}
	var agents []*memory.Agent
	decodeJSON(t, resp, &agents)
	if len(agents) != 0 {
		t.Fatalf("agents before any store = %+v", agents)
	}

	resp = postJSON(t, ts, "/api/memories", entryBody("episodic", "s1", "hello"))
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/agents")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	decodeJSON(t, resp, &agents)
	if len(agents) != 1 || agents[0].ID != "agent-1" {
		t.Fatalf("agents = %+v", agents)
	}
	if agents[0].LastUsed.IsZero() {
		t.Error("last_used not recorded")
	}
}

func TestStats(t *testing.T) {
	ts := newTestHandler(t)

	resp := postJSON(t, ts, "/api/memories", entryBody("semantic", "s1", "fact"))
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/stats")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var stats memory.Stats
	decodeJSON(t, resp, &stats)
	if stats.TotalEntries != 1 || stats.Sessions != 1 || stats.Agents != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestIndexingRoutesUnavailable(t *testing.T) {
	// checker, orch and runner are nil in the test handler.
	ts := newTestHandler(t)

	resp := getJSON(t, ts, "/api/index/prereqs")
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("prereqs status = %d", resp.StatusCode)
	}
	resp = postJSON(t, ts, "/api/index/run", map[string]string{"codebase": "/tmp"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("run status = %d", resp.StatusCode)
	}
	for _, path := range []string{"/api/jobs", "/api/jobs/x", "/api/jobs/x/logs", "/api/jobs/x/result"} {
		resp = getJSON(t, ts, path)
		resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("%s status = %d", path, resp.StatusCode)
		}
	}
}
