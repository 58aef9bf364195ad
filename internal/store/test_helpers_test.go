package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/fluxkit/fluxdata/internal/graph"
)

// createTestStore creates a new on-disk store in a temp dir for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func fp(v float64) *float64 { return &v }

// seedGraph registers and writes a small two-collection fixture: a
// biosphere collection with one emission and an inventory collection with
// two processes linked by a technosphere edge.
func seedGraph(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()

	if err := s.Register(ctx, "bio"); err != nil {
		t.Fatalf("Register(bio) failed: %v", err)
	}
	if err := s.Register(ctx, "db"); err != nil {
		t.Fatalf("Register(db) failed: %v", err)
	}

	bio := graph.Dataset{
		{Collection: "bio", Code: "co2"}: {
			Type: graph.NodeEmission,
			Name: "Carbon dioxide",
			Unit: "kilogram",
		},
	}
	if err := s.Write(ctx, "bio", bio, WriteOptions{SkipCompile: true}); err != nil {
		t.Fatalf("Write(bio) failed: %v", err)
	}

	db := graph.Dataset{
		{Collection: "db", Code: "a1"}: {
			Type:     graph.NodeProcess,
			Location: "DE",
			Name:     "widget assembly",
			Unit:     "unit",
			Edges: []graph.EdgeRecord{
				{
					Input:  &graph.Key{Collection: "db", Code: "a1"},
					Amount: fp(1),
					Type:   graph.TypeProduction,
				},
				{
					Input:  &graph.Key{Collection: "db", Code: "a2"},
					Amount: fp(2),
					Type:   graph.TypeTechnosphere,
				},
				{
					Input:  &graph.Key{Collection: "bio", Code: "co2"},
					Amount: fp(0.5),
					Type:   graph.TypeBiosphere,
				},
			},
		},
		{Collection: "db", Code: "a2"}: {
			Type: graph.NodeProcess,
			Name: "widget part",
			Unit: "unit",
		},
	}
	if err := s.Write(ctx, "db", db, WriteOptions{SkipCompile: true}); err != nil {
		t.Fatalf("Write(db) failed: %v", err)
	}
}
