package memory

import (
	"fmt"
	"time"

	"github.com/nidhogg/vault-tec/internal/graph"
)

// entryNode flattens an Entry into its graph node representation. Times are
// unix milliseconds; absent optionals are omitted rather than stored null.
func entryNode(e *Entry) graph.Node {
	props := map[string]any{
		"session_id":  e.SessionID,
		"agent_id":    e.AgentID,
		"content":     e.Content,
		"created_at":  graph.Millis(e.CreatedAt),
		"accessed_at": graph.Millis(e.AccessedAt),
	}
	if e.Title != "" {
		props["title"] = e.Title
	}
	if e.Importance != nil {
		props["importance"] = *e.Importance
	}
	if e.ExpiresAt != nil {
		props["expires_at"] = graph.Millis(*e.ExpiresAt)
	}
	if len(e.Tags) > 0 {
		props["tags"] = toAnySlice(e.Tags)
	}
	if len(e.Metadata) > 0 {
		meta := make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			meta[k] = v
		}
		props["metadata"] = meta
	}
	switch e.Kind {
	case KindEpisodic:
		if e.Context != "" {
			props["context"] = e.Context
		}
	case KindSemantic:
		if e.Category != "" {
			props["category"] = e.Category
		}
	case KindProcedural:
		props["steps"] = toAnySlice(e.Steps)
	case KindProspective:
		props["trigger_condition"] = e.TriggerCondition
	}
	return graph.Node{Label: e.Kind.Label(), ID: e.ID, Props: props}
}

// entryFromNode rebuilds an Entry of the given kind from its node.
func entryFromNode(kind Kind, n graph.Node) (*Entry, error) {
	e := &Entry{
		ID:        n.ID,
		Kind:      kind,
		SessionID: propString(n.Props, "session_id"),
		AgentID:   propString(n.Props, "agent_id"),
		Title:     propString(n.Props, "title"),
		Content:   propString(n.Props, "content"),
	}
	var ok bool
	if e.CreatedAt, ok = graph.FromMillis(n.Props["created_at"]); !ok {
		return nil, fmt.Errorf("entry %s: missing created_at", n.ID)
	}
	if e.AccessedAt, ok = graph.FromMillis(n.Props["accessed_at"]); !ok {
		e.AccessedAt = e.CreatedAt
	}
	if t, ok := graph.FromMillis(n.Props["expires_at"]); ok {
		e.ExpiresAt = &t
	}
	if v, ok := n.Props["importance"]; ok {
		if f, ok := asFloat(v); ok {
			e.Importance = &f
		}
	}
	e.Tags = propStrings(n.Props, "tags")
	if raw, ok := n.Props["metadata"].(map[string]any); ok {
		e.Metadata = make(map[string]string, len(raw))
		for k, v := range raw {
			if s, ok := v.(string); ok {
				e.Metadata[k] = s
			}
		}
	}
	switch kind {
	case KindEpisodic:
		e.Context = propString(n.Props, "context")
	case KindSemantic:
		e.Category = propString(n.Props, "category")
	case KindProcedural:
		e.Steps = propStrings(n.Props, "steps")
	case KindProspective:
		e.TriggerCondition = propString(n.Props, "trigger_condition")
	}
	return e, nil
}

func sessionFromNode(n graph.Node) *Session {
	s := &Session{ID: n.ID, Status: propString(n.Props, "status")}
	if t, ok := graph.FromMillis(n.Props["started_at"]); ok {
		s.StartedAt = t
	}
	if t, ok := graph.FromMillis(n.Props["ended_at"]); ok {
		s.EndedAt = &t
	}
	return s
}

func agentFromNode(n graph.Node) *Agent {
	a := &Agent{ID: n.ID}
	if t, ok := graph.FromMillis(n.Props["first_used"]); ok {
		a.FirstUsed = t
	}
	if t, ok := graph.FromMillis(n.Props["last_used"]); ok {
		a.LastUsed = t
	}
	return a
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func propString(props map[string]any, key string) string {
	s, _ := props[key].(string)
	return s
}

func propStrings(props map[string]any, key string) []string {
	raw, ok := props[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// nowMillis truncates to the storage resolution so a stored entry compares
// equal to its read-back copy.
func nowMillis() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
