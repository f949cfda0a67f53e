package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ciris-ai/ciris-core"
)

// PutNode inserts or updates a GraphNode. A write bumps Version by one
// over whatever was stored, regardless of the Version the caller passed
// in, so concurrent writers can't silently clobber each other's version
// counter.
func (s *Store) PutNode(ctx context.Context, n *ciris.GraphNode) error {
	s.graphMu.Lock()
	defer s.graphMu.Unlock()

	return withBusyRetry(ctx, s.clock, s.cfg, func() error {
		attrs, err := json.Marshal(n.Attributes)
		if err != nil {
			return fmt.Errorf("marshal node attributes: %w", err)
		}
		var current int
		err = s.db.QueryRowContext(ctx, `SELECT version FROM graph_nodes WHERE id = ? AND scope = ?`,
			n.ID, string(n.Scope)).Scan(&current)
		version := 1
		if err == nil {
			version = current + 1
		} else if err != sql.ErrNoRows {
			return fmt.Errorf("read node version: %w", err)
		}

		_, err = s.db.ExecContext(ctx, `
			INSERT INTO graph_nodes (id, scope, type, attributes_json, version)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id, scope) DO UPDATE SET
				type = excluded.type,
				attributes_json = excluded.attributes_json,
				version = excluded.version
		`, n.ID, string(n.Scope), string(n.Type), attrs, version)
		if err != nil {
			return fmt.Errorf("put node: %w", err)
		}
		n.Version = version
		return nil
	})
}

// GetNode reads a GraphNode by id and scope.
func (s *Store) GetNode(ctx context.Context, id string, scope ciris.GraphScope) (*ciris.GraphNode, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, scope, type, attributes_json, version FROM graph_nodes WHERE id = ? AND scope = ?
	`, id, string(scope))
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, ciris.NewFrameworkError("persistence.GetNode", ciris.KindNotFound, ciris.ErrNodeNotFound)
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

// DeleteNode removes a node and any edges touching it within the scope.
func (s *Store) DeleteNode(ctx context.Context, id string, scope ciris.GraphScope) error {
	s.graphMu.Lock()
	defer s.graphMu.Unlock()

	return withBusyRetry(ctx, s.clock, s.cfg, func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM graph_nodes WHERE id = ? AND scope = ?`, id, string(scope)); err != nil {
			return fmt.Errorf("delete node: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM graph_edges WHERE (from_id = ? OR to_id = ?) AND scope = ?`, id, id, string(scope)); err != nil {
			return fmt.Errorf("delete node edges: %w", err)
		}
		return nil
	})
}

// QueryNodes returns nodes in scope of the given type (if nodeType is
// non-empty) whose id starts with prefix, ordered by id.
func (s *Store) QueryNodes(ctx context.Context, scope ciris.GraphScope, nodeType ciris.GraphNodeType, idPrefix string, limit int) ([]*ciris.GraphNode, error) {
	query := `SELECT id, scope, type, attributes_json, version FROM graph_nodes WHERE scope = ?`
	args := []interface{}{string(scope)}
	if nodeType != "" {
		query += ` AND type = ?`
		args = append(args, string(nodeType))
	}
	if idPrefix != "" {
		query += ` AND id LIKE ? ESCAPE '\'`
		args = append(args, escapeLike(idPrefix)+"%")
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	var out []*ciris.GraphNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

func scanNode(row rowScanner) (*ciris.GraphNode, error) {
	var n ciris.GraphNode
	var scope, nodeType, attrsJSON string
	if err := row.Scan(&n.ID, &scope, &nodeType, &attrsJSON, &n.Version); err != nil {
		return nil, err
	}
	n.Scope = ciris.GraphScope(scope)
	n.Type = ciris.GraphNodeType(nodeType)
	if err := json.Unmarshal([]byte(attrsJSON), &n.Attributes); err != nil {
		return nil, fmt.Errorf("unmarshal node attributes: %w", err)
	}
	return &n, nil
}

// PutEdge inserts or replaces a directed edge between two nodes.
func (s *Store) PutEdge(ctx context.Context, scope ciris.GraphScope, e *ciris.GraphEdge) error {
	s.graphMu.Lock()
	defer s.graphMu.Unlock()

	return withBusyRetry(ctx, s.clock, s.cfg, func() error {
		var attrsJSON []byte
		if e.Attributes != nil {
			var err error
			attrsJSON, err = json.Marshal(e.Attributes)
			if err != nil {
				return fmt.Errorf("marshal edge attributes: %w", err)
			}
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO graph_edges (from_id, to_id, scope, relation, attributes_json)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(from_id, to_id, scope, relation) DO UPDATE SET
				attributes_json = excluded.attributes_json
		`, e.FromID, e.ToID, string(scope), e.Relation, nullableBytes(attrsJSON))
		if err != nil {
			return fmt.Errorf("put edge: %w", err)
		}
		return nil
	})
}

// EdgesFrom returns every edge originating at fromID within scope.
func (s *Store) EdgesFrom(ctx context.Context, scope ciris.GraphScope, fromID string) ([]*ciris.GraphEdge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT from_id, to_id, relation, attributes_json FROM graph_edges WHERE from_id = ? AND scope = ?
	`, fromID, string(scope))
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()

	var out []*ciris.GraphEdge
	for rows.Next() {
		var e ciris.GraphEdge
		var attrsJSON sql.NullString
		if err := rows.Scan(&e.FromID, &e.ToID, &e.Relation, &attrsJSON); err != nil {
			return nil, err
		}
		if attrsJSON.Valid && attrsJSON.String != "" {
			if err := json.Unmarshal([]byte(attrsJSON.String), &e.Attributes); err != nil {
				return nil, fmt.Errorf("unmarshal edge attributes: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
