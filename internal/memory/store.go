package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/nidhogg/vault-tec/internal/graph"
)

// ErrStorage is the sanitized failure surfaced to callers when the engine
// misbehaves; the specific cause is logged internally only.
var ErrStorage = errors.New("storage unavailable")

// storeBudget bounds a single Store call.
const storeBudget = 500 * time.Millisecond

// Linker is notified after every successful store. Implementations must be
// best-effort: they log their own failures and never propagate them.
type Linker interface {
	LinkEntry(ctx context.Context, e *Entry) int
}

// Store is the memory store over a graph engine.
type Store struct {
	engine graph.Engine
	linker Linker
	logger *zap.Logger
}

// NewStore creates a memory store on the given engine.
func NewStore(engine graph.Engine, logger *zap.Logger) *Store {
	return &Store{engine: engine, logger: logger}
}

// SetLinker attaches the auto-linker fired after successful stores.
func (s *Store) SetLinker(l Linker) {
	s.linker = l
}

// Engine exposes the underlying engine for shared use by the importer and
// linker.
func (s *Store) Engine() graph.Engine {
	return s.engine
}

// Store persists the entry, upserting its Session and Agent as side
// effects. Malformed input returns a validation error; storage failures are
// logged and reported as ok=false. Re-storing an existing id is an
// idempotent upsert, but the kind is immutable.
func (s *Store) Store(ctx context.Context, e *Entry) (bool, error) {
	if err := e.Validate(); err != nil {
		return false, err
	}
	now := nowMillis()
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.AccessedAt.IsZero() {
		e.AccessedAt = e.CreatedAt
	}
	if e.Kind == KindWorking && e.ExpiresAt == nil {
		exp := now.Add(WorkingDefaultTTL)
		e.ExpiresAt = &exp
	}

	ctx, cancel := context.WithTimeout(ctx, storeBudget)
	defer cancel()

	existing, err := s.findKind(ctx, e.ID)
	if err != nil {
		s.logger.Error("store: lookup failed", zap.String("id", e.ID), zap.Error(err))
		return false, nil
	}
	if existing != "" && existing != e.Kind {
		return false, fmt.Errorf("%w: entry %s already exists with kind %s", ErrValidation, e.ID, existing)
	}

	if err := s.touchSession(ctx, e.SessionID, now); err != nil {
		s.logger.Error("store: session upsert failed", zap.String("session", e.SessionID), zap.Error(err))
		return false, nil
	}
	if err := s.touchAgent(ctx, e.AgentID, now); err != nil {
		s.logger.Error("store: agent upsert failed", zap.String("agent", e.AgentID), zap.Error(err))
		return false, nil
	}

	if err := s.engine.UpsertNode(ctx, entryNode(e)); err != nil {
		s.logger.Error("store: entry upsert failed", zap.String("id", e.ID), zap.Error(err))
		return false, nil
	}

	ref := graph.Ref{Label: e.Kind.Label(), ID: e.ID}
	edgeProps := map[string]any{"created_at": graph.Millis(now)}
	owns := graph.Edge{
		Rel:   e.Kind.OwnsRel(),
		From:  graph.Ref{Label: LabelSession, ID: e.SessionID},
		To:    ref,
		Props: edgeProps,
	}
	createdBy := graph.Edge{
		Rel:   RelCreatedBy,
		From:  ref,
		To:    graph.Ref{Label: LabelAgent, ID: e.AgentID},
		Props: edgeProps,
	}
	for _, edge := range []graph.Edge{owns, createdBy} {
		if err := s.engine.CreateEdge(ctx, edge); err != nil {
			s.logger.Error("store: edge create failed",
				zap.String("rel", edge.Rel), zap.String("id", e.ID), zap.Error(err))
			return false, nil
		}
	}

	s.logger.Debug("memory stored",
		zap.String("id", e.ID),
		zap.String("kind", string(e.Kind)),
		zap.String("session", e.SessionID))

	if s.linker != nil {
		// Auto-linking is best-effort and runs on its own deadline so a
		// slow link pass cannot eat the write budget.
		linkCtx, linkCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer linkCancel()
		s.linker.LinkEntry(linkCtx, e)
	}
	return true, nil
}

// Query returns entries matching the filter, ordered by accessed_at desc
// then importance desc, with global pagination across kinds. Every
// returned entry has its accessed_at refreshed.
func (s *Store) Query(ctx context.Context, f Filter) ([]*Entry, error) {
	kinds := AllKinds()
	if f.Kind != "" {
		if !f.Kind.Valid() {
			return nil, fmt.Errorf("%w: unknown kind %q", ErrValidation, f.Kind)
		}
		kinds = []Kind{f.Kind}
	}

	q := graph.NodeQuery{Equals: map[string]string{}}
	if f.SessionID != "" {
		q.Equals["session_id"] = f.SessionID
	}
	if f.AgentID != "" {
		q.Equals["agent_id"] = f.AgentID
	}
	if f.MinImportance != nil {
		q.MinFloat = map[string]float64{"importance": *f.MinImportance}
	}
	if !f.CreatedAfter.IsZero() || !f.CreatedBefore.IsZero() {
		q.Range = &graph.TimeRange{Field: "created_at", From: f.CreatedAfter, To: f.CreatedBefore}
	}
	if !f.IncludeExpired {
		q.Expiry = &graph.ExpiryClause{Field: "expires_at", At: nowMillis(), Alive: true}
	}

	var merged []*Entry
	for _, kind := range kinds {
		nodes, err := s.engine.QueryNodes(ctx, kind.Label(), q)
		if err != nil {
			s.logger.Error("query failed", zap.String("kind", string(kind)), zap.Error(err))
			return nil, ErrStorage
		}
		for _, n := range nodes {
			e, err := entryFromNode(kind, n)
			if err != nil {
				s.logger.Warn("skipping undecodable entry", zap.String("id", n.ID), zap.Error(err))
				continue
			}
			merged = append(merged, e)
		}
	}

	sortEntries(merged)
	merged = paginate(merged, f.Offset, f.Limit)

	now := nowMillis()
	for _, e := range merged {
		s.touchAccess(ctx, e, now)
	}
	return merged, nil
}

// GetByID fetches one entry, refreshing its accessed_at.
func (s *Store) GetByID(ctx context.Context, id string) (*Entry, bool, error) {
	for _, kind := range AllKinds() {
		n, ok, err := s.engine.GetNode(ctx, kind.Label(), id)
		if err != nil {
			s.logger.Error("get failed", zap.String("id", id), zap.Error(err))
			return nil, false, ErrStorage
		}
		if !ok {
			continue
		}
		e, err := entryFromNode(kind, n)
		if err != nil {
			s.logger.Error("entry decode failed", zap.String("id", id), zap.Error(err))
			return nil, false, ErrStorage
		}
		s.touchAccess(ctx, e, nowMillis())
		return e, true, nil
	}
	return nil, false, nil
}

// Delete removes an entry; the engine cascades its containment, created-by
// and link edges. Deleting a missing id is a no-op.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	kind, err := s.findKind(ctx, id)
	if err != nil {
		s.logger.Error("delete lookup failed", zap.String("id", id), zap.Error(err))
		return false, ErrStorage
	}
	if kind == "" {
		return false, nil
	}
	if err := s.engine.DeleteNode(ctx, kind.Label(), id); err != nil {
		s.logger.Error("delete failed", zap.String("id", id), zap.Error(err))
		return false, ErrStorage
	}
	return true, nil
}

// CleanupExpired hard-deletes every entry whose expiry has passed and
// returns how many were removed.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	now := nowMillis()
	removed := 0
	for _, kind := range AllKinds() {
		nodes, err := s.engine.QueryNodes(ctx, kind.Label(), graph.NodeQuery{
			Expiry: &graph.ExpiryClause{Field: "expires_at", At: now, Alive: false},
		})
		if err != nil {
			s.logger.Error("cleanup query failed", zap.String("kind", string(kind)), zap.Error(err))
			return removed, ErrStorage
		}
		for _, n := range nodes {
			if err := s.engine.DeleteNode(ctx, kind.Label(), n.ID); err != nil {
				s.logger.Error("cleanup delete failed", zap.String("id", n.ID), zap.Error(err))
				return removed, ErrStorage
			}
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("expired memories removed", zap.Int("count", removed))
	}
	return removed, nil
}

// SessionInfo returns the session together with per-kind memory counts.
func (s *Store) SessionInfo(ctx context.Context, id string) (*Session, bool, error) {
	n, ok, err := s.engine.GetNode(ctx, LabelSession, id)
	if err != nil {
		s.logger.Error("session lookup failed", zap.String("session", id), zap.Error(err))
		return nil, false, ErrStorage
	}
	if !ok {
		return nil, false, nil
	}
	sess := sessionFromNode(n)
	sess.Counts = map[Kind]int{}
	from := graph.Ref{Label: LabelSession, ID: id}
	for _, kind := range AllKinds() {
		edges, err := s.engine.OutEdges(ctx, from, kind.OwnsRel())
		if err != nil {
			s.logger.Error("session edges failed", zap.String("session", id), zap.Error(err))
			return nil, false, ErrStorage
		}
		if len(edges) > 0 {
			sess.Counts[kind] = len(edges)
		}
	}
	return sess, true, nil
}

// ListSessions returns all sessions, most recently started first.
func (s *Store) ListSessions(ctx context.Context) ([]*Session, error) {
	nodes, err := s.engine.QueryNodes(ctx, LabelSession, graph.NodeQuery{})
	if err != nil {
		s.logger.Error("list sessions failed", zap.Error(err))
		return nil, ErrStorage
	}
	out := make([]*Session, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, sessionFromNode(n))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

// ListAgents returns all agents, most recently used first.
func (s *Store) ListAgents(ctx context.Context) ([]*Agent, error) {
	nodes, err := s.engine.QueryNodes(ctx, LabelAgent, graph.NodeQuery{})
	if err != nil {
		s.logger.Error("list agents failed", zap.Error(err))
		return nil, ErrStorage
	}
	out := make([]*Agent, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, agentFromNode(n))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastUsed.After(out[j].LastUsed)
	})
	return out, nil
}

// EndSession marks a session ended. Ending an already-ended or unknown
// session is a no-op.
func (s *Store) EndSession(ctx context.Context, id string) (bool, error) {
	_, ok, err := s.engine.GetNode(ctx, LabelSession, id)
	if err != nil {
		s.logger.Error("end session lookup failed", zap.String("session", id), zap.Error(err))
		return false, ErrStorage
	}
	if !ok {
		return false, nil
	}
	err = s.engine.UpdateNodeProps(ctx, LabelSession, id, map[string]any{
		"status":   "ended",
		"ended_at": graph.Millis(nowMillis()),
	})
	if err != nil {
		s.logger.Error("end session failed", zap.String("session", id), zap.Error(err))
		return false, ErrStorage
	}
	return true, nil
}

// LinkRels enumerates every memory→code relation name.
func LinkRels() []string {
	targets := []string{"FILE", "FUNCTION"}
	var rels []string
	for _, kind := range AllKinds() {
		for _, t := range targets {
			rels = append(rels, LinkRel(kind, t))
		}
	}
	return rels
}

// LinkRel builds the relation name for a memory kind and a target kind
// ("FILE" or "FUNCTION").
func LinkRel(kind Kind, target string) string {
	return fmt.Sprintf("%s_RELATES_%s", kindUpper(kind), target)
}

func kindUpper(k Kind) string {
	b := []byte(k)
	for i := range b {
		if b[i] >= 'a' && b[i] <= 'z' {
			b[i] -= 'a' - 'A'
		}
	}
	return string(b)
}

// Stats counts nodes and link edges across the store. Count failures
// surface as errors rather than silently reading as zero.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{Entries: map[Kind]int64{}, Links: map[string]int64{}}
	for _, kind := range AllKinds() {
		n, err := s.engine.CountNodes(ctx, kind.Label())
		if err != nil {
			s.logger.Error("stats count failed", zap.String("kind", string(kind)), zap.Error(err))
			return nil, ErrStorage
		}
		st.Entries[kind] = n
		st.TotalEntries += n
	}
	counts := []struct {
		label string
		dst   *int64
	}{
		{LabelSession, &st.Sessions},
		{LabelAgent, &st.Agents},
		{LabelCodeFile, &st.CodeFiles},
		{LabelCodeClass, &st.CodeClasses},
		{LabelCodeFunction, &st.CodeFunctions},
	}
	for _, c := range counts {
		n, err := s.engine.CountNodes(ctx, c.label)
		if err != nil {
			s.logger.Error("stats count failed", zap.String("label", c.label), zap.Error(err))
			return nil, ErrStorage
		}
		*c.dst = n
	}
	for _, rel := range LinkRels() {
		n, err := s.engine.CountEdges(ctx, rel)
		if err != nil {
			s.logger.Error("stats link count failed", zap.String("rel", rel), zap.Error(err))
			return nil, ErrStorage
		}
		if n > 0 {
			st.Links[rel] = n
		}
		st.TotalLinks += n
	}
	return st, nil
}

// findKind locates which kind label (if any) holds the given id.
func (s *Store) findKind(ctx context.Context, id string) (Kind, error) {
	for _, kind := range AllKinds() {
		_, ok, err := s.engine.GetNode(ctx, kind.Label(), id)
		if err != nil {
			return "", err
		}
		if ok {
			return kind, nil
		}
	}
	return "", nil
}

func (s *Store) touchSession(ctx context.Context, id string, now time.Time) error {
	_, ok, err := s.engine.GetNode(ctx, LabelSession, id)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return s.engine.UpsertNode(ctx, graph.Node{
		Label: LabelSession,
		ID:    id,
		Props: map[string]any{
			"started_at": graph.Millis(now),
			"status":     "active",
		},
	})
}

func (s *Store) touchAgent(ctx context.Context, id string, now time.Time) error {
	n, ok, err := s.engine.GetNode(ctx, LabelAgent, id)
	if err != nil {
		return err
	}
	if ok {
		n.Props["last_used"] = graph.Millis(now)
		return s.engine.UpsertNode(ctx, n)
	}
	return s.engine.UpsertNode(ctx, graph.Node{
		Label: LabelAgent,
		ID:    id,
		Props: map[string]any{
			"first_used": graph.Millis(now),
			"last_used":  graph.Millis(now),
		},
	})
}

// touchAccess refreshes accessed_at; read bookkeeping never fails a read.
func (s *Store) touchAccess(ctx context.Context, e *Entry, now time.Time) {
	err := s.engine.UpdateNodeProps(ctx, e.Kind.Label(), e.ID, map[string]any{
		"accessed_at": graph.Millis(now),
	})
	if err != nil {
		s.logger.Warn("accessed_at refresh failed", zap.String("id", e.ID), zap.Error(err))
		return
	}
	e.AccessedAt = now
}

// sortEntries orders by accessed_at desc, then importance desc (entries
// without importance sort last), then id for stability.
func sortEntries(entries []*Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.AccessedAt.Equal(b.AccessedAt) {
			return a.AccessedAt.After(b.AccessedAt)
		}
		ai, bi := -1.0, -1.0
		if a.Importance != nil {
			ai = *a.Importance
		}
		if b.Importance != nil {
			bi = *b.Importance
		}
		if ai != bi {
			return ai > bi
		}
		return a.ID > b.ID
	})
}

func paginate(entries []*Entry, offset, limit int) []*Entry {
	if offset > 0 {
		if offset >= len(entries) {
			return nil
		}
		entries = entries[offset:]
	}
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	return entries
}
