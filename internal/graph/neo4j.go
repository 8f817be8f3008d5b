package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// Neo4jEngine is the server-backed graph adapter. Labels and relation names
// are interpolated into Cypher after validation; everything else is
// parameterized.
type Neo4jEngine struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewNeo4jEngine connects to a Neo4j server.
func NewNeo4jEngine(uri, user, password string, logger *zap.Logger) (*Neo4jEngine, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Neo4jEngine{driver: driver, logger: logger}, nil
}

// Ping verifies the connection.
func (s *Neo4jEngine) Ping(ctx context.Context) error {
	return s.driver.VerifyConnectivity(ctx)
}

// Bootstrap is a no-op for Neo4j: nodes and relationships need no prior
// schema, and uniqueness of (label, id) is maintained by MERGE-on-id.
func (s *Neo4jEngine) Bootstrap(ctx context.Context) error {
	return nil
}

func (s *Neo4jEngine) run(ctx context.Context, cypher string, params map[string]any) (neo4j.ResultWithContext, neo4j.SessionWithContext, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	result, err := session.Run(ctx, cypher, params)
	if err != nil {
		session.Close(ctx)
		return nil, nil, err
	}
	return result, session, nil
}

func (s *Neo4jEngine) exec(ctx context.Context, cypher string, params map[string]any) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)
	_, err := session.Run(ctx, cypher, params)
	return err
}

func (s *Neo4jEngine) UpsertNode(ctx context.Context, n Node) error {
	if err := checkIdent("label", n.Label); err != nil {
		return err
	}
	props := map[string]any{}
	for k, v := range n.Props {
		props[k] = v
	}
	props["id"] = n.ID
	err := s.exec(ctx,
		fmt.Sprintf(`MERGE (n:%s {id: $id}) SET n = $props`, n.Label),
		map[string]any{"id": n.ID, "props": props})
	if err != nil {
		return fmt.Errorf("upsert node %s/%s: %w", n.Label, n.ID, err)
	}
	return nil
}

func (s *Neo4jEngine) GetNode(ctx context.Context, label, id string) (Node, bool, error) {
	if err := checkIdent("label", label); err != nil {
		return Node{}, false, err
	}
	result, session, err := s.run(ctx,
		fmt.Sprintf(`MATCH (n:%s {id: $id}) RETURN properties(n) AS props`, label),
		map[string]any{"id": id})
	if err != nil {
		return Node{}, false, fmt.Errorf("get node %s/%s: %w", label, id, err)
	}
	defer session.Close(ctx)

	if !result.Next(ctx) {
		return Node{}, false, result.Err()
	}
	raw, _ := result.Record().Get("props")
	props, _ := raw.(map[string]any)
	delete(props, "id")
	return Node{Label: label, ID: id, Props: props}, true, nil
}

func (s *Neo4jEngine) DeleteNode(ctx context.Context, label, id string) error {
	if err := checkIdent("label", label); err != nil {
		return err
	}
	err := s.exec(ctx,
		fmt.Sprintf(`MATCH (n:%s {id: $id}) DETACH DELETE n`, label),
		map[string]any{"id": id})
	if err != nil {
		return fmt.Errorf("delete node %s/%s: %w", label, id, err)
	}
	return nil
}

func (s *Neo4jEngine) UpdateNodeProps(ctx context.Context, label, id string, props map[string]any) error {
	if err := checkIdent("label", label); err != nil {
		return err
	}
	result, session, err := s.run(ctx,
		fmt.Sprintf(`MATCH (n:%s {id: $id}) SET n += $props RETURN count(n) AS c`, label),
		map[string]any{"id": id, "props": props})
	if err != nil {
		return fmt.Errorf("update node %s/%s: %w", label, id, err)
	}
	defer session.Close(ctx)

	if result.Next(ctx) {
		if c, ok := result.Record().Get("c"); ok && c.(int64) == 0 {
			return fmt.Errorf("update node %s/%s: %w", label, id, ErrNotFound)
		}
	}
	return result.Err()
}

// cypherWhere translates a NodeQuery into a Cypher WHERE fragment.
func cypherWhere(q NodeQuery) (string, map[string]any) {
	var conds []string
	params := map[string]any{}
	i := 0
	param := func(v any) string {
		name := fmt.Sprintf("p%d", i)
		i++
		params[name] = v
		return "$" + name
	}

	for field, v := range q.Equals {
		conds = append(conds, fmt.Sprintf("n.%s = %s", field, param(v)))
	}
	for field, v := range q.MinFloat {
		conds = append(conds, fmt.Sprintf("n.%s >= %s", field, param(v)))
	}
	if r := q.Range; r != nil {
		if !r.From.IsZero() {
			conds = append(conds, fmt.Sprintf("n.%s >= %s", r.Field, param(Millis(r.From))))
		}
		if !r.To.IsZero() {
			conds = append(conds, fmt.Sprintf("n.%s <= %s", r.Field, param(Millis(r.To))))
		}
	}
	if o := q.Overlap; o != nil {
		p := param(o.Value)
		conds = append(conds, fmt.Sprintf(
			"(n.%s IS NOT NULL AND (%s CONTAINS n.%s OR n.%s CONTAINS %s))",
			o.Field, p, o.Field, o.Field, p))
	}
	if e := q.Expiry; e != nil {
		p := param(Millis(e.At))
		if e.Alive {
			conds = append(conds, fmt.Sprintf("(n.%s IS NULL OR n.%s > %s)", e.Field, e.Field, p))
		} else {
			conds = append(conds, fmt.Sprintf("(n.%s IS NOT NULL AND n.%s <= %s)", e.Field, e.Field, p))
		}
	}

	if len(conds) == 0 {
		return "", params
	}
	return " WHERE " + strings.Join(conds, " AND "), params
}

func (s *Neo4jEngine) QueryNodes(ctx context.Context, label string, q NodeQuery) ([]Node, error) {
	if err := checkIdent("label", label); err != nil {
		return nil, err
	}
	where, params := cypherWhere(q)
	result, session, err := s.run(ctx,
		fmt.Sprintf(`MATCH (n:%s)%s RETURN n.id AS id, properties(n) AS props`, label, where),
		params)
	if err != nil {
		return nil, fmt.Errorf("query nodes %s: %w", label, err)
	}
	defer session.Close(ctx)

	var out []Node
	for result.Next(ctx) {
		rec := result.Record()
		id, _ := rec.Get("id")
		raw, _ := rec.Get("props")
		props, _ := raw.(map[string]any)
		delete(props, "id")
		out = append(out, Node{Label: label, ID: id.(string), Props: props})
	}
	return out, result.Err()
}

func (s *Neo4jEngine) CreateEdge(ctx context.Context, e Edge) error {
	for _, ident := range []struct{ kind, v string }{
		{"relation", e.Rel}, {"label", e.From.Label}, {"label", e.To.Label},
	} {
		if err := checkIdent(ident.kind, ident.v); err != nil {
			return err
		}
	}
	props := e.Props
	if props == nil {
		props = map[string]any{}
	}
	err := s.exec(ctx, fmt.Sprintf(
		`MATCH (a:%s {id: $from}), (b:%s {id: $to})
		 MERGE (a)-[r:%s]->(b)
		 ON CREATE SET r = $props`,
		e.From.Label, e.To.Label, e.Rel),
		map[string]any{"from": e.From.ID, "to": e.To.ID, "props": props})
	if err != nil {
		return fmt.Errorf("create edge %s: %w", e.Rel, err)
	}
	return nil
}

func (s *Neo4jEngine) EdgeExists(ctx context.Context, rel string, from, to Ref) (bool, error) {
	for _, ident := range []struct{ kind, v string }{
		{"relation", rel}, {"label", from.Label}, {"label", to.Label},
	} {
		if err := checkIdent(ident.kind, ident.v); err != nil {
			return false, err
		}
	}
	result, session, err := s.run(ctx, fmt.Sprintf(
		`MATCH (a:%s {id: $from})-[r:%s]->(b:%s {id: $to}) RETURN count(r) AS c`,
		from.Label, rel, to.Label),
		map[string]any{"from": from.ID, "to": to.ID})
	if err != nil {
		return false, fmt.Errorf("edge exists %s: %w", rel, err)
	}
	defer session.Close(ctx)

	if result.Next(ctx) {
		c, _ := result.Record().Get("c")
		return c.(int64) > 0, nil
	}
	return false, result.Err()
}

func (s *Neo4jEngine) OutEdges(ctx context.Context, from Ref, rel string) ([]Edge, error) {
	if err := checkIdent("label", from.Label); err != nil {
		return nil, err
	}
	result, session, err := s.run(ctx, fmt.Sprintf(
		`MATCH (a:%s {id: $id})-[r]->(b)
		 WHERE $rel = '' OR type(r) = $rel
		 RETURN type(r) AS rel, labels(b)[0] AS tlabel, b.id AS tid, properties(r) AS props`,
		from.Label),
		map[string]any{"id": from.ID, "rel": rel})
	if err != nil {
		return nil, fmt.Errorf("out edges %s/%s: %w", from.Label, from.ID, err)
	}
	defer session.Close(ctx)

	var out []Edge
	for result.Next(ctx) {
		rec := result.Record()
		r, _ := rec.Get("rel")
		tl, _ := rec.Get("tlabel")
		tid, _ := rec.Get("tid")
		raw, _ := rec.Get("props")
		props, _ := raw.(map[string]any)
		out = append(out, Edge{
			Rel:   r.(string),
			From:  from,
			To:    Ref{Label: tl.(string), ID: tid.(string)},
			Props: props,
		})
	}
	return out, result.Err()
}

func (s *Neo4jEngine) CountNodes(ctx context.Context, label string) (int64, error) {
	if err := checkIdent("label", label); err != nil {
		return 0, err
	}
	result, session, err := s.run(ctx,
		fmt.Sprintf(`MATCH (n:%s) RETURN count(n) AS c`, label), nil)
	if err != nil {
		return 0, fmt.Errorf("count nodes %s: %w", label, err)
	}
	defer session.Close(ctx)

	if result.Next(ctx) {
		c, _ := result.Record().Get("c")
		return c.(int64), nil
	}
	return 0, result.Err()
}

func (s *Neo4jEngine) CountEdges(ctx context.Context, rel string) (int64, error) {
	result, session, err := s.run(ctx,
		`MATCH ()-[r]->() WHERE type(r) = $rel RETURN count(r) AS c`,
		map[string]any{"rel": rel})
	if err != nil {
		return 0, fmt.Errorf("count edges %s: %w", rel, err)
	}
	defer session.Close(ctx)

	if result.Next(ctx) {
		c, _ := result.Record().Get("c")
		return c.(int64), nil
	}
	return 0, result.Err()
}

func (s *Neo4jEngine) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}
