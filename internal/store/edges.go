package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/fluxkit/fluxdata/internal/graph"
)

// Edges is a reusable query over the exchanges attached to one node.
// Every iteration starts from the beginning; ordering is by database row
// id, which is stable between writes.
//
// By default it selects the node's own exchanges (edges whose target is
// the node). Reverse selects upstream consumers instead: edges whose
// source is the node, excluding the node's own production self-loops.
type Edges struct {
	store   *Store
	key     graph.Key
	kinds   []string
	reverse bool
}

// EdgesOf returns the exchanges targeting the given node.
func (s *Store) EdgesOf(key graph.Key, kinds ...string) *Edges {
	return &Edges{store: s, key: key, kinds: kinds}
}

// UpstreamOf returns the exchanges consuming the given node. With no kinds
// given, technosphere edges are selected, matching the common use.
func (s *Store) UpstreamOf(key graph.Key, kinds ...string) *Edges {
	if len(kinds) == 0 {
		kinds = []string{graph.TypeTechnosphere}
	}
	return &Edges{store: s, key: key, kinds: kinds, reverse: true}
}

func (q *Edges) clauses() (string, []any) {
	var sb strings.Builder
	var args []any
	if q.reverse {
		sb.WriteString(`input_collection = ? AND input_code = ?
			AND NOT (output_collection = ? AND output_code = ?)`)
		args = append(args, q.key.Collection, q.key.Code, q.key.Collection, q.key.Code)
	} else {
		sb.WriteString(`output_collection = ? AND output_code = ?`)
		args = append(args, q.key.Collection, q.key.Code)
	}
	if len(q.kinds) > 0 {
		sb.WriteString(` AND type IN (?` + strings.Repeat(", ?", len(q.kinds)-1) + `)`)
		for _, kind := range q.kinds {
			args = append(args, kind)
		}
	}
	return sb.String(), args
}

// All returns the matching edges ordered by row id.
func (q *Edges) All(ctx context.Context) ([]*graph.Edge, error) {
	where, args := q.clauses()
	rows, err := q.store.db.QueryContext(ctx,
		`SELECT `+edgeColumns+` FROM edges WHERE `+where+` ORDER BY rowid`, args...)
	if err != nil {
		return nil, fmt.Errorf("edges of %s: %w", q.key, err)
	}
	defer rows.Close()

	var edges []*graph.Edge
	for rows.Next() {
		edge, err := scanEdge(rows)
		if err != nil {
			return nil, fmt.Errorf("edges of %s: %w", q.key, err)
		}
		edges = append(edges, edge)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("edges of %s: %w", q.key, err)
	}
	return edges, nil
}

// Count returns the number of matching edges.
func (q *Edges) Count(ctx context.Context) (int, error) {
	where, args := q.clauses()
	var count int
	err := q.store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM edges WHERE `+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count edges of %s: %w", q.key, err)
	}
	return count, nil
}

// Delete removes the matching edges and marks the node's collection dirty.
func (q *Edges) Delete(ctx context.Context) error {
	where, args := q.clauses()
	if _, err := q.store.db.ExecContext(ctx,
		`DELETE FROM edges WHERE `+where, args...); err != nil {
		return fmt.Errorf("delete edges of %s: %w", q.key, err)
	}
	return q.store.setDirty(ctx, q.key.Collection)
}

// Kind sub-queries mirroring the exchange taxonomy.

// Technosphere selects technosphere (and, by default, substitution) edges.
func (s *Store) Technosphere(key graph.Key, includeSubstitution bool) *Edges {
	kinds := []string{graph.TypeTechnosphere}
	if includeSubstitution {
		kinds = append(kinds, graph.TypeSubstitution)
	}
	return s.EdgesOf(key, kinds...)
}

// Biosphere selects biosphere edges.
func (s *Store) Biosphere(key graph.Key) *Edges {
	return s.EdgesOf(key, graph.TypeBiosphere)
}

// Production selects production edges.
func (s *Store) Production(key graph.Key) *Edges {
	return s.EdgesOf(key, graph.TypeProduction)
}

// Substitution selects substitution edges.
func (s *Store) Substitution(key graph.Key) *Edges {
	return s.EdgesOf(key, graph.TypeSubstitution)
}
