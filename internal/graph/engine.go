// Package graph defines the storage engine abstraction used by the memory
// store, the code graph importer and the auto-linker, together with the
// sqlite (embedded, default), neo4j and postgres backend adapters.
package graph

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// ErrNotFound is returned when a requested node doesn't exist.
var ErrNotFound = errors.New("not found")

// Ref identifies a node by label and id.
type Ref struct {
	Label string `json:"label"`
	ID    string `json:"id"`
}

// Node is a typed property node. Property values are restricted to what
// survives a JSON round-trip: strings, float64/int64 numbers, bools and
// []any of those. Times are stored as unix-millisecond integers.
type Node struct {
	Label string         `json:"label"`
	ID    string         `json:"id"`
	Props map[string]any `json:"props"`
}

// Edge is a directed relationship between two nodes.
type Edge struct {
	Rel   string         `json:"rel"`
	From  Ref            `json:"from"`
	To    Ref            `json:"to"`
	Props map[string]any `json:"props"`
}

// Overlap matches nodes whose string field and the given value contain each
// other in either direction (mutual substring).
type Overlap struct {
	Field string
	Value string
}

// TimeRange bounds an unix-millisecond field. Zero bounds are open.
type TimeRange struct {
	Field string
	From  time.Time
	To    time.Time
}

// ExpiryClause filters on a nullable unix-millisecond expiry field.
// Alive selects rows where the field is null or in the future of At;
// otherwise rows where the field is set and at or before At.
type ExpiryClause struct {
	Field string
	At    time.Time
	Alive bool
}

// NodeQuery is an AND-combination of filters over one label. Ordering and
// pagination are intentionally absent: callers that merge several labels
// (the memory store) sort and paginate the merged set themselves.
type NodeQuery struct {
	Equals   map[string]string
	MinFloat map[string]float64
	Range    *TimeRange
	Overlap  *Overlap
	Expiry   *ExpiryClause
}

// Engine is the fixed set of access patterns the system needs from a
// graph-capable store. Every backend adapter implements it explicitly.
type Engine interface {
	// Bootstrap creates schema objects; it is idempotent.
	Bootstrap(ctx context.Context) error

	UpsertNode(ctx context.Context, n Node) error
	GetNode(ctx context.Context, label, id string) (Node, bool, error)
	// DeleteNode removes the node and all incident edges.
	DeleteNode(ctx context.Context, label, id string) error
	QueryNodes(ctx context.Context, label string, q NodeQuery) ([]Node, error)
	// UpdateNodeProps merges the given properties into an existing node.
	UpdateNodeProps(ctx context.Context, label, id string, props map[string]any) error

	// CreateEdge is a no-op when an identical (rel, from, to) edge exists.
	CreateEdge(ctx context.Context, e Edge) error
	EdgeExists(ctx context.Context, rel string, from, to Ref) (bool, error)
	// OutEdges lists edges leaving a node; rel == "" matches any relation.
	OutEdges(ctx context.Context, from Ref, rel string) ([]Edge, error)

	CountNodes(ctx context.Context, label string) (int64, error)
	CountEdges(ctx context.Context, rel string) (int64, error)

	Close(ctx context.Context) error
}

// Labels and relation names end up in query text on some backends, so they
// are restricted to identifier characters.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func checkIdent(kind, s string) error {
	if !identRe.MatchString(s) {
		return fmt.Errorf("invalid %s %q", kind, s)
	}
	return nil
}

// Millis converts a time to the unix-millisecond representation used for
// node properties.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis converts a stored property value back to a time. It accepts
// int64 (neo4j) and float64 (JSON) representations.
func FromMillis(v any) (time.Time, bool) {
	switch n := v.(type) {
	case int64:
		return time.UnixMilli(n).UTC(), true
	case float64:
		return time.UnixMilli(int64(n)).UTC(), true
	default:
		return time.Time{}, false
	}
}
