package store

import (
	"context"

	"go.uber.org/zap"

	"github.com/fluxkit/fluxdata/internal/graph"
)

// SearchIndex is the external full-text index collaborator. All calls are
// best-effort: failures are logged and never roll back the primary write.
type SearchIndex interface {
	AddNode(node *graph.Node) error
	UpdateNode(node *graph.Node) error
	DeleteNode(key graph.Key) error
	DeleteCollection(name string) error
}

// NopSearch is the default SearchIndex: it does nothing.
type NopSearch struct{}

func (NopSearch) AddNode(*graph.Node) error       { return nil }
func (NopSearch) UpdateNode(*graph.Node) error    { return nil }
func (NopSearch) DeleteNode(graph.Key) error      { return nil }
func (NopSearch) DeleteCollection(string) error   { return nil }

func (s *Store) notifySearchDelete(name string) {
	if err := s.search.DeleteCollection(name); err != nil {
		s.log.Warn("search index delete failed",
			zap.String("collection", name), zap.Error(err))
	}
}

func (s *Store) notifySearchUpdate(node *graph.Node) {
	if err := s.search.UpdateNode(node); err != nil {
		s.log.Warn("search index update failed",
			zap.String("key", node.Key().String()), zap.Error(err))
	}
}

func (s *Store) notifySearchDeleteNode(key graph.Key) {
	if err := s.search.DeleteNode(key); err != nil {
		s.log.Warn("search index delete failed",
			zap.String("key", key.String()), zap.Error(err))
	}
}

// reindexCollection pushes every node of a collection into the search
// index. Called after the index has been cleared for the collection.
func (s *Store) reindexCollection(ctx context.Context, c *Collection) {
	it, err := c.Iterate(ctx, IterateOptions{})
	if err != nil {
		s.log.Warn("search reindex failed", zap.String("collection", c.name), zap.Error(err))
		return
	}
	defer it.Close()
	for it.Next() {
		if err := s.search.AddNode(it.Node()); err != nil {
			s.log.Warn("search index add failed",
				zap.String("key", it.Node().Key().String()), zap.Error(err))
		}
	}
	if err := it.Err(); err != nil {
		s.log.Warn("search reindex failed", zap.String("collection", c.name), zap.Error(err))
	}
}

// isSearchable reads the collection's searchable flag; errors degrade to
// false since search maintenance is best-effort anyway.
func (s *Store) isSearchable(ctx context.Context, name string) bool {
	var flag int
	err := s.db.QueryRowContext(ctx,
		`SELECT searchable FROM collections WHERE name = ?`, name).Scan(&flag)
	return err == nil && flag != 0
}
