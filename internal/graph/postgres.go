package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresEngine is the relational server adapter, sharing the polymorphic
// nodes/edges shape of the sqlite backend with JSONB properties.
type PostgresEngine struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresEngine connects a pgx pool to the given DSN.
func NewPostgresEngine(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresEngine, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected")
	return &PostgresEngine{pool: pool, logger: logger}, nil
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS nodes (
	label TEXT NOT NULL,
	id    TEXT NOT NULL,
	props JSONB NOT NULL DEFAULT '{}',
	PRIMARY KEY (label, id)
);

CREATE TABLE IF NOT EXISTS edges (
	rel        TEXT NOT NULL,
	from_label TEXT NOT NULL,
	from_id    TEXT NOT NULL,
	to_label   TEXT NOT NULL,
	to_id      TEXT NOT NULL,
	props      JSONB NOT NULL DEFAULT '{}',
	UNIQUE (rel, from_label, from_id, to_label, to_id)
);

CREATE INDEX IF NOT EXISTS idx_edges_from ON edges(from_label, from_id);
CREATE INDEX IF NOT EXISTS idx_edges_to   ON edges(to_label, to_id);
CREATE INDEX IF NOT EXISTS idx_edges_rel  ON edges(rel);
`

func (s *PostgresEngine) Bootstrap(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("bootstrap postgres schema: %w", err)
	}
	return nil
}

func (s *PostgresEngine) UpsertNode(ctx context.Context, n Node) error {
	props, err := json.Marshal(n.Props)
	if err != nil {
		return fmt.Errorf("marshal props: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO nodes (label, id, props) VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (label, id) DO UPDATE SET props = EXCLUDED.props`,
		n.Label, n.ID, string(props))
	if err != nil {
		return fmt.Errorf("upsert node %s/%s: %w", n.Label, n.ID, err)
	}
	return nil
}

func (s *PostgresEngine) GetNode(ctx context.Context, label, id string) (Node, bool, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT props FROM nodes WHERE label = $1 AND id = $2`, label, id).Scan(&raw)
	if err == pgx.ErrNoRows {
		return Node{}, false, nil
	}
	if err != nil {
		return Node{}, false, fmt.Errorf("get node %s/%s: %w", label, id, err)
	}
	n := Node{Label: label, ID: id}
	if err := json.Unmarshal(raw, &n.Props); err != nil {
		return Node{}, false, fmt.Errorf("decode props %s/%s: %w", label, id, err)
	}
	return n, true, nil
}

func (s *PostgresEngine) DeleteNode(ctx context.Context, label, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		DELETE FROM edges
		WHERE (from_label = $1 AND from_id = $2) OR (to_label = $1 AND to_id = $2)`,
		label, id); err != nil {
		return fmt.Errorf("delete incident edges %s/%s: %w", label, id, err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM nodes WHERE label = $1 AND id = $2`, label, id); err != nil {
		return fmt.Errorf("delete node %s/%s: %w", label, id, err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresEngine) UpdateNodeProps(ctx context.Context, label, id string, props map[string]any) error {
	patch, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("marshal props: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE nodes SET props = props || $3::jsonb WHERE label = $1 AND id = $2`,
		label, id, string(patch))
	if err != nil {
		return fmt.Errorf("update node %s/%s: %w", label, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update node %s/%s: %w", label, id, ErrNotFound)
	}
	return nil
}

// pgWhere translates a NodeQuery into SQL over JSONB props with $n args
// starting at the given offset.
func pgWhere(q NodeQuery, argOffset int) (string, []any) {
	var conds []string
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", argOffset+len(args))
	}
	prop := func(field string) string {
		return fmt.Sprintf("(props->>'%s')", field)
	}

	for field, v := range q.Equals {
		conds = append(conds, prop(field)+" = "+next(v))
	}
	for field, v := range q.MinFloat {
		conds = append(conds, prop(field)+"::float8 >= "+next(v))
	}
	if r := q.Range; r != nil {
		if !r.From.IsZero() {
			conds = append(conds, prop(r.Field)+"::bigint >= "+next(Millis(r.From)))
		}
		if !r.To.IsZero() {
			conds = append(conds, prop(r.Field)+"::bigint <= "+next(Millis(r.To)))
		}
	}
	if o := q.Overlap; o != nil {
		p := prop(o.Field)
		v := next(o.Value)
		conds = append(conds, fmt.Sprintf(
			"(%s IS NOT NULL AND (position(%s in %s) > 0 OR position(%s in %s) > 0))",
			p, p, v, v, p))
	}
	if e := q.Expiry; e != nil {
		p := prop(e.Field)
		v := next(Millis(e.At))
		if e.Alive {
			conds = append(conds, fmt.Sprintf("(%s IS NULL OR %s::bigint > %s)", p, p, v))
		} else {
			conds = append(conds, fmt.Sprintf("(%s IS NOT NULL AND %s::bigint <= %s)", p, p, v))
		}
	}

	if len(conds) == 0 {
		return "", args
	}
	return " AND " + strings.Join(conds, " AND "), args
}

func (s *PostgresEngine) QueryNodes(ctx context.Context, label string, q NodeQuery) ([]Node, error) {
	where, args := pgWhere(q, 1)
	rows, err := s.pool.Query(ctx,
		`SELECT id, props FROM nodes WHERE label = $1`+where,
		append([]any{label}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("query nodes %s: %w", label, err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		n := Node{Label: label}
		var raw []byte
		if err := rows.Scan(&n.ID, &raw); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		if err := json.Unmarshal(raw, &n.Props); err != nil {
			return nil, fmt.Errorf("decode props %s/%s: %w", label, n.ID, err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *PostgresEngine) CreateEdge(ctx context.Context, e Edge) error {
	props, err := json.Marshal(e.Props)
	if err != nil {
		return fmt.Errorf("marshal edge props: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO edges (rel, from_label, from_id, to_label, to_id, props)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)
		ON CONFLICT (rel, from_label, from_id, to_label, to_id) DO NOTHING`,
		e.Rel, e.From.Label, e.From.ID, e.To.Label, e.To.ID, string(props))
	if err != nil {
		return fmt.Errorf("create edge %s: %w", e.Rel, err)
	}
	return nil
}

func (s *PostgresEngine) EdgeExists(ctx context.Context, rel string, from, to Ref) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx, `
		SELECT 1 FROM edges
		WHERE rel = $1 AND from_label = $2 AND from_id = $3 AND to_label = $4 AND to_id = $5`,
		rel, from.Label, from.ID, to.Label, to.ID).Scan(&one)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("edge exists %s: %w", rel, err)
	}
	return true, nil
}

func (s *PostgresEngine) OutEdges(ctx context.Context, from Ref, rel string) ([]Edge, error) {
	query := `SELECT rel, to_label, to_id, props FROM edges WHERE from_label = $1 AND from_id = $2`
	args := []any{from.Label, from.ID}
	if rel != "" {
		query += ` AND rel = $3`
		args = append(args, rel)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("out edges %s/%s: %w", from.Label, from.ID, err)
	}
	defer rows.Close()

	var out []Edge
	for rows.Next() {
		e := Edge{From: from}
		var raw []byte
		if err := rows.Scan(&e.Rel, &e.To.Label, &e.To.ID, &raw); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		if err := json.Unmarshal(raw, &e.Props); err != nil {
			return nil, fmt.Errorf("decode edge props: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresEngine) CountNodes(ctx context.Context, label string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM nodes WHERE label = $1`, label).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count nodes %s: %w", label, err)
	}
	return n, nil
}

func (s *PostgresEngine) CountEdges(ctx context.Context, rel string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM edges WHERE rel = $1`, rel).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count edges %s: %w", rel, err)
	}
	return n, nil
}

func (s *PostgresEngine) Close(ctx context.Context) error {
	s.pool.Close()
	return nil
}
