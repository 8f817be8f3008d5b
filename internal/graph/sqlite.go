package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLiteEngine is the default embedded backend: a single polymorphic nodes
// table with a label discriminator plus an edges table with a uniqueness
// backstop for the link dedup invariant.
type SQLiteEngine struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteEngine opens (creating if needed) the on-disk store at path.
func NewSQLiteEngine(path string, logger *zap.Logger) (*SQLiteEngine, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	// Single writer keeps check-then-create sequences serialized.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return &SQLiteEngine{db: db, logger: logger}, nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS nodes (
	label TEXT NOT NULL,
	id    TEXT NOT NULL,
	props TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (label, id)
);

CREATE TABLE IF NOT EXISTS edges (
	rel        TEXT NOT NULL,
	from_label TEXT NOT NULL,
	from_id    TEXT NOT NULL,
	to_label   TEXT NOT NULL,
	to_id      TEXT NOT NULL,
	props      TEXT NOT NULL DEFAULT '{}',
	UNIQUE (rel, from_label, from_id, to_label, to_id)
);

CREATE INDEX IF NOT EXISTS idx_edges_from ON edges(from_label, from_id);
CREATE INDEX IF NOT EXISTS idx_edges_to   ON edges(to_label, to_id);
CREATE INDEX IF NOT EXISTS idx_edges_rel  ON edges(rel);
`

// Bootstrap creates the schema; safe to call repeatedly.
func (s *SQLiteEngine) Bootstrap(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("bootstrap sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLiteEngine) UpsertNode(ctx context.Context, n Node) error {
	props, err := json.Marshal(n.Props)
	if err != nil {
		return fmt.Errorf("marshal props: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO nodes (label, id, props) VALUES (?, ?, ?)
		ON CONFLICT (label, id) DO UPDATE SET props = excluded.props`,
		n.Label, n.ID, string(props))
	if err != nil {
		return fmt.Errorf("upsert node %s/%s: %w", n.Label, n.ID, err)
	}
	return nil
}

func (s *SQLiteEngine) GetNode(ctx context.Context, label, id string) (Node, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT props FROM nodes WHERE label = ? AND id = ?`, label, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return Node{}, false, nil
	}
	if err != nil {
		return Node{}, false, fmt.Errorf("get node %s/%s: %w", label, id, err)
	}
	n := Node{Label: label, ID: id}
	if err := json.Unmarshal([]byte(raw), &n.Props); err != nil {
		return Node{}, false, fmt.Errorf("decode props %s/%s: %w", label, id, err)
	}
	return n, true, nil
}

func (s *SQLiteEngine) DeleteNode(ctx context.Context, label, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM edges
		WHERE (from_label = ?1 AND from_id = ?2) OR (to_label = ?1 AND to_id = ?2)`,
		label, id); err != nil {
		return fmt.Errorf("delete incident edges %s/%s: %w", label, id, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM nodes WHERE label = ? AND id = ?`, label, id); err != nil {
		return fmt.Errorf("delete node %s/%s: %w", label, id, err)
	}
	return tx.Commit()
}

func (s *SQLiteEngine) UpdateNodeProps(ctx context.Context, label, id string, props map[string]any) error {
	n, ok, err := s.GetNode(ctx, label, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("update node %s/%s: %w", label, id, ErrNotFound)
	}
	if n.Props == nil {
		n.Props = map[string]any{}
	}
	for k, v := range props {
		n.Props[k] = v
	}
	return s.UpsertNode(ctx, n)
}

// buildWhere translates a NodeQuery to SQL over json_extract'ed props.
func buildWhere(q NodeQuery) (string, []any) {
	var conds []string
	var args []any

	prop := func(field string) string {
		return fmt.Sprintf("json_extract(props, '$.%s')", field)
	}

	for field, v := range q.Equals {
		conds = append(conds, prop(field)+" = ?")
		args = append(args, v)
	}
	for field, v := range q.MinFloat {
		conds = append(conds, prop(field)+" >= ?")
		args = append(args, v)
	}
	if r := q.Range; r != nil {
		if !r.From.IsZero() {
			conds = append(conds, prop(r.Field)+" >= ?")
			args = append(args, Millis(r.From))
		}
		if !r.To.IsZero() {
			conds = append(conds, prop(r.Field)+" <= ?")
			args = append(args, Millis(r.To))
		}
	}
	if o := q.Overlap; o != nil {
		p := prop(o.Field)
		conds = append(conds, fmt.Sprintf(
			"(%s IS NOT NULL AND (instr(?, %s) > 0 OR instr(%s, ?) > 0))", p, p, p))
		args = append(args, o.Value, o.Value)
	}
	if e := q.Expiry; e != nil {
		p := prop(e.Field)
		if e.Alive {
			conds = append(conds, fmt.Sprintf("(%s IS NULL OR %s > ?)", p, p))
		} else {
			conds = append(conds, fmt.Sprintf("(%s IS NOT NULL AND %s <= ?)", p, p))
		}
		args = append(args, Millis(e.At))
	}

	if len(conds) == 0 {
		return "", args
	}
	return " AND " + strings.Join(conds, " AND "), args
}

func (s *SQLiteEngine) QueryNodes(ctx context.Context, label string, q NodeQuery) ([]Node, error) {
	where, args := buildWhere(q)
	query := `SELECT id, props FROM nodes WHERE label = ?` + where
	rows, err := s.db.QueryContext(ctx, query, append([]any{label}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("query nodes %s: %w", label, err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		n := Node{Label: label}
		var raw string
		if err := rows.Scan(&n.ID, &raw); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &n.Props); err != nil {
			return nil, fmt.Errorf("decode props %s/%s: %w", label, n.ID, err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *SQLiteEngine) CreateEdge(ctx context.Context, e Edge) error {
	props, err := json.Marshal(e.Props)
	if err != nil {
		return fmt.Errorf("marshal edge props: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO edges (rel, from_label, from_id, to_label, to_id, props)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.Rel, e.From.Label, e.From.ID, e.To.Label, e.To.ID, string(props))
	if err != nil {
		return fmt.Errorf("create edge %s: %w", e.Rel, err)
	}
	return nil
}

func (s *SQLiteEngine) EdgeExists(ctx context.Context, rel string, from, to Ref) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM edges
		WHERE rel = ? AND from_label = ? AND from_id = ? AND to_label = ? AND to_id = ?`,
		rel, from.Label, from.ID, to.Label, to.ID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("edge exists %s: %w", rel, err)
	}
	return true, nil
}

func (s *SQLiteEngine) OutEdges(ctx context.Context, from Ref, rel string) ([]Edge, error) {
	query := `SELECT rel, to_label, to_id, props FROM edges WHERE from_label = ? AND from_id = ?`
	args := []any{from.Label, from.ID}
	if rel != "" {
		query += ` AND rel = ?`
		args = append(args, rel)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("out edges %s/%s: %w", from.Label, from.ID, err)
	}
	defer rows.Close()

	var out []Edge
	for rows.Next() {
		e := Edge{From: from}
		var raw string
		if err := rows.Scan(&e.Rel, &e.To.Label, &e.To.ID, &raw); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &e.Props); err != nil {
			return nil, fmt.Errorf("decode edge props: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteEngine) CountNodes(ctx context.Context, label string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM nodes WHERE label = ?`, label).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count nodes %s: %w", label, err)
	}
	return n, nil
}

func (s *SQLiteEngine) CountEdges(ctx context.Context, rel string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM edges WHERE rel = ?`, rel).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count edges %s: %w", rel, err)
	}
	return n, nil
}

func (s *SQLiteEngine) Close(ctx context.Context) error {
	return s.db.Close()
}
