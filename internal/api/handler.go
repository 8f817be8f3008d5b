package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/vault-tec/internal/indexer"
	"github.com/nidhogg/vault-tec/internal/jobs"
	"github.com/nidhogg/vault-tec/internal/memory"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	store   *memory.Store
	checker *indexer.Checker
	orch    *indexer.Orchestrator
	runner  *jobs.Runner
	logger  *zap.Logger
}

// NewHandler creates a new API handler. checker, orch and runner may be
// nil; the corresponding routes answer 503.
func NewHandler(
	store *memory.Store,
	checker *indexer.Checker,
	orch *indexer.Orchestrator,
	runner *jobs.Runner,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		store:   store,
		checker: checker,
		orch:    orch,
		runner:  runner,
		logger:  logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		// Memory routes
		r.Post("/memories", h.storeMemory)
		r.Get("/memories", h.queryMemories)
		r.Get("/memories/{id}", h.getMemory)
		r.Delete("/memories/{id}", h.deleteMemory)
		r.Post("/memories/cleanup", h.cleanupMemories)

		// Session routes
		r.Get("/sessions", h.listSessions)
		r.Get("/sessions/{id}", h.getSession)
		r.Post("/sessions/{id}/end", h.endSession)
		r.Get("/agents", h.listAgents)

		r.Get("/stats", h.stats)

		// Indexing routes
		r.Get("/index/prereqs", h.indexPrereqs)
		r.Post("/index/run", h.indexRun)

		// Job routes
		r.Get("/jobs", h.listJobs)
		r.Get("/jobs/{id}", h.jobStatus)
		r.Post("/jobs/{id}/wait", h.jobWait)
		r.Post("/jobs/{id}/cancel", h.jobCancel)
		r.Delete("/jobs/{id}", h.jobCancel)
		r.Get("/jobs/{id}/logs", h.jobLogs)
		r.Get("/jobs/{id}/result", h.jobResult)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "vault-tec"})
}

type storeResponse struct {
	Stored bool          `json:"stored"`
	Entry  *memory.Entry `json:"entry,omitempty"`
}

func (h *Handler) storeMemory(w http.ResponseWriter, r *http.Request) {
	var e memory.Entry
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	stored, err := h.store.Store(r.Context(), &e)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, memory.ErrValidation) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	if !stored {
		// Accepted but not persisted; storage is degraded.
		writeJSON(w, http.StatusAccepted, storeResponse{Stored: false})
		return
	}
	writeJSON(w, http.StatusCreated, storeResponse{Stored: true, Entry: &e})
}

func (h *Handler) queryMemories(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	entries, err := h.store.Query(r.Context(), f)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = []*memory.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

func (h *Handler) getMemory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e, found, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "memory not found"})
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *Handler) deleteMemory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	deleted, err := h.store.Delete(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	if !deleted {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "memory not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) cleanupMemories(w http.ResponseWriter, r *http.Request) {
	removed, err := h.store.CleanupExpired(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.store.ListSessions(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	if sessions == nil {
		sessions = []*memory.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.store.ListAgents(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	if agents == nil {
		agents = []*memory.Agent{}
	}
	writeJSON(w, http.StatusOK, agents)
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, found, err := h.store.SessionInfo(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) endSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ended, err := h.store.EndSession(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	if !ended {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) indexPrereqs(w http.ResponseWriter, r *http.Request) {
	if h.checker == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "indexing not initialized"})
		return
	}
	var languages []string
	if raw := r.URL.Query().Get("languages"); raw != "" {
		languages = strings.Split(raw, ",")
	}
	writeJSON(w, http.StatusOK, h.checker.CheckAll(languages))
}

type indexRunRequest struct {
	Codebase       string   `json:"codebase"`
	Languages      []string `json:"languages,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	MaxRetries     *int     `json:"max_retries,omitempty"`
	Parallel       bool     `json:"parallel,omitempty"`
	Workers        int      `json:"workers,omitempty"`
	Background     bool     `json:"background,omitempty"`
	DryRun         bool     `json:"dry_run,omitempty"`
}

func (h *Handler) indexRun(w http.ResponseWriter, r *http.Request) {
	if h.orch == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "indexing not initialized"})
		return
	}
	var req indexRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Codebase == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "codebase is required"})
		return
	}

	opts := indexer.Options{
		Languages:  req.Languages,
		Timeout:    time.Duration(req.TimeoutSeconds) * time.Second,
		MaxRetries: indexer.DefaultMaxRetries,
		Parallel:   req.Parallel,
		Workers:    req.Workers,
		Background: req.Background,
		DryRun:     req.DryRun,
	}
	if req.MaxRetries != nil {
		opts.MaxRetries = *req.MaxRetries
	}
	result, err := h.orch.Run(r.Context(), req.Codebase, opts)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if result.BackgroundJobID != "" {
		writeJSON(w, http.StatusAccepted, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	if h.runner == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "jobs not initialized"})
		return
	}
	ids, err := h.runner.List()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": ids})
}

func (h *Handler) jobStatus(w http.ResponseWriter, r *http.Request) {
	if h.runner == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "jobs not initialized"})
		return
	}
	id := chi.URLParam(r, "id")
	status, err := h.runner.Status(id)
	if err != nil {
		writeJSON(w, jobErrStatus(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"job_id": id,
		"status": string(status),
	})
}

func (h *Handler) jobWait(w http.ResponseWriter, r *http.Request) {
	if h.runner == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "jobs not initialized"})
		return
	}
	id := chi.URLParam(r, "id")
	timeout := 30 * time.Second
	if raw := r.URL.Query().Get("timeout_seconds"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid timeout_seconds"})
			return
		}
		timeout = time.Duration(secs) * time.Second
	}

	res, err := h.runner.Wait(id, timeout)
	if err != nil {
		writeJSON(w, jobErrStatus(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) jobCancel(w http.ResponseWriter, r *http.Request) {
	if h.runner == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "jobs not initialized"})
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.runner.Cancel(id); err != nil {
		writeJSON(w, jobErrStatus(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *Handler) jobLogs(w http.ResponseWriter, r *http.Request) {
	if h.runner == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "jobs not initialized"})
		return
	}
	id := chi.URLParam(r, "id")
	maxLines := 100
	if raw := r.URL.Query().Get("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid lines"})
			return
		}
		maxLines = n
	}

	lines, err := h.runner.Logs(id, maxLines)
	if err != nil {
		writeJSON(w, jobErrStatus(err), map[string]string{"error": err.Error()})
		return
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job_id": id,
		"lines":  lines,
	})
}

func (h *Handler) jobResult(w http.ResponseWriter, r *http.Request) {
	if h.runner == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "jobs not initialized"})
		return
	}
	id := chi.URLParam(r, "id")
	res, err := h.runner.Result(id)
	if err != nil {
		writeJSON(w, jobErrStatus(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func filterFromQuery(r *http.Request) (memory.Filter, error) {
	q := r.URL.Query()
	f := memory.Filter{
		SessionID: q.Get("session_id"),
		AgentID:   q.Get("agent_id"),
	}
	if raw := q.Get("kind"); raw != "" {
		kind := memory.Kind(raw)
		if !kind.Valid() {
			return f, errors.New("unknown kind " + raw)
		}
		f.Kind = kind
	}
	if raw := q.Get("min_importance"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return f, errors.New("invalid min_importance")
		}
		f.MinImportance = &v
	}
	if raw := q.Get("created_after"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, errors.New("invalid created_after, want RFC3339")
		}
		f.CreatedAfter = t
	}
	if raw := q.Get("created_before"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, errors.New("invalid created_before, want RFC3339")
		}
		f.CreatedBefore = t
	}
	if raw := q.Get("include_expired"); raw != "" {
		f.IncludeExpired = raw == "true" || raw == "1"
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, errors.New("invalid limit")
		}
		f.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, errors.New("invalid offset")
		}
		f.Offset = n
	}
	return f, nil
}

func jobErrStatus(err error) int {
	if errors.Is(err, jobs.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusConflict
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
