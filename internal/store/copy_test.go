package store

import (
	"context"
	"testing"

	"github.com/fluxkit/fluxdata/internal/graph"
)

// seedFunctional writes a collection holding a process with a functional
// production edge sourced from a product node.
func seedFunctional(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()

	if err := s.Register(ctx, "src"); err != nil {
		t.Fatalf("Register(src) failed: %v", err)
	}
	data := graph.Dataset{
		{Collection: "src", Code: "p1"}: {
			Type: graph.NodeProcess,
			Name: "smelting",
			Edges: []graph.EdgeRecord{
				{
					Input:      &graph.Key{Collection: "src", Code: "steel"},
					Amount:     fp(1),
					Type:       graph.TypeProduction,
					Functional: true,
				},
				{
					Input:  &graph.Key{Collection: "src", Code: "other"},
					Amount: fp(3),
					Type:   graph.TypeTechnosphere,
				},
			},
		},
		{Collection: "src", Code: "steel"}: {
			Type: graph.NodeProduct,
			Name: "steel",
		},
		{Collection: "src", Code: "other"}: {
			Type: graph.NodeProcess,
			Name: "unrelated",
		},
	}
	if err := s.Write(ctx, "src", data, WriteOptions{SkipCompile: true}); err != nil {
		t.Fatalf("Write(src) failed: %v", err)
	}
}

func TestCopyActivities_FunctionalClosure(t *testing.T) {
	s := createTestStore(t)
	seedFunctional(t, s)
	ctx := context.Background()
	if err := s.Register(ctx, "tgt"); err != nil {
		t.Fatalf("Register(tgt) failed: %v", err)
	}

	created, err := s.Collection("src").CopyActivities(ctx, []string{"p1"}, "tgt")
	if err != nil {
		t.Fatalf("CopyActivities() failed: %v", err)
	}

	// The functional reference product comes along; the technosphere input
	// does not.
	if len(created) != 2 {
		t.Fatalf("created %d nodes, want 2: %v", len(created), created)
	}
	if created[0].Code != "p1" || created[1].Code != "steel" {
		t.Errorf("created codes = [%s %s], want [p1 steel]", created[0].Code, created[1].Code)
	}
	for _, node := range created {
		if node.Collection != "tgt" {
			t.Errorf("created node %q in %q, want tgt", node.Code, node.Collection)
		}
		if node.ID == 0 {
			t.Errorf("created node %q has no mapper id", node.Code)
		}
	}

	ok, err := s.Collection("tgt").Contains(ctx, "other")
	if err != nil {
		t.Fatalf("Contains() failed: %v", err)
	}
	if ok {
		t.Error("non-functional input was copied")
	}
}

func TestCopyActivities_RewritesInternalEdges(t *testing.T) {
	s := createTestStore(t)
	seedFunctional(t, s)
	ctx := context.Background()
	if err := s.Register(ctx, "tgt"); err != nil {
		t.Fatalf("Register(tgt) failed: %v", err)
	}

	if _, err := s.Collection("src").CopyActivities(ctx, []string{"p1"}, "tgt"); err != nil {
		t.Fatalf("CopyActivities() failed: %v", err)
	}

	edges, err := s.EdgesOf(graph.Key{Collection: "tgt", Code: "p1"}).All(ctx)
	if err != nil {
		t.Fatalf("All() failed: %v", err)
	}
	if len(edges) != 2 {
		t.Fatalf("copied edge count = %d, want 2", len(edges))
	}
	for _, edge := range edges {
		switch edge.Type {
		case graph.TypeProduction:
			// Internal link follows the copy.
			if edge.Source != (graph.Key{Collection: "tgt", Code: "steel"}) {
				t.Errorf("production input = %v, want (tgt, steel)", edge.Source)
			}
		case graph.TypeTechnosphere:
			// Links to nodes outside the copy set keep their collection.
			if edge.Source != (graph.Key{Collection: "src", Code: "other"}) {
				t.Errorf("technosphere input = %v, want (src, other)", edge.Source)
			}
		}
	}

	// Originals untouched.
	orig, err := s.EdgesOf(graph.Key{Collection: "src", Code: "p1"}).All(ctx)
	if err != nil {
		t.Fatalf("All() failed: %v", err)
	}
	for _, edge := range orig {
		if edge.Source.Collection == "tgt" {
			t.Errorf("source edge rewritten: %v", edge.Source)
		}
	}
}

func TestCopyActivities_SharedProductCopiedOnce(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	if err := s.Register(ctx, "src"); err != nil {
		t.Fatalf("Register(src) failed: %v", err)
	}
	if err := s.Register(ctx, "tgt"); err != nil {
		t.Fatalf("Register(tgt) failed: %v", err)
	}

	// Two processes both functionally producing the same product.
	data := graph.Dataset{
		{Collection: "src", Code: "p1"}: {
			Type: graph.NodeProcess,
			Edges: []graph.EdgeRecord{
				{Input: &graph.Key{Collection: "src", Code: "shared"}, Amount: fp(1), Type: graph.TypeProduction, Functional: true},
			},
		},
		{Collection: "src", Code: "p2"}: {
			Type: graph.NodeProcess,
			Edges: []graph.EdgeRecord{
				{Input: &graph.Key{Collection: "src", Code: "shared"}, Amount: fp(1), Type: graph.TypeProduction, Functional: true},
			},
		},
		{Collection: "src", Code: "shared"}: {Type: graph.NodeProduct},
	}
	if err := s.Write(ctx, "src", data, WriteOptions{SkipCompile: true}); err != nil {
		t.Fatalf("Write(src) failed: %v", err)
	}

	created, err := s.Collection("src").CopyActivities(ctx, []string{"p1", "p2"}, "tgt")
	if err != nil {
		t.Fatalf("CopyActivities() failed: %v", err)
	}
	if len(created) != 3 {
		t.Errorf("created %d nodes, want 3 (p1, p2, shared once)", len(created))
	}
}

func TestCopyActivities_Errors(t *testing.T) {
	s := createTestStore(t)
	seedFunctional(t, s)
	ctx := context.Background()

	if _, err := s.Collection("src").CopyActivities(ctx, []string{"p1"}, "src"); !graph.IsValidity(err) {
		t.Errorf("copy to self error = %v, want ValidityError", err)
	}
	if _, err := s.Collection("src").CopyActivities(ctx, []string{"p1"}, "ghost"); !graph.IsValidity(err) {
		t.Errorf("copy to unregistered error = %v, want ValidityError", err)
	}

	if err := s.Register(ctx, "tgt"); err != nil {
		t.Fatalf("Register(tgt) failed: %v", err)
	}
	if _, err := s.Collection("src").CopyActivities(ctx, []string{"missing"}, "tgt"); !graph.IsUnknownObject(err) {
		t.Errorf("copy of missing code error = %v, want UnknownObjectError", err)
	}

	// A collision in the target fails before anything is written.
	if _, err := s.Collection("src").CopyActivities(ctx, []string{"p1"}, "tgt"); err != nil {
		t.Fatalf("first copy failed: %v", err)
	}
	_, err := s.Collection("src").CopyActivities(ctx, []string{"p1"}, "tgt")
	if !graph.IsDuplicateNode(err) {
		t.Errorf("second copy error = %v, want DuplicateNodeError", err)
	}
}

func TestCopyActivities_CopiesPayload(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	if err := s.Register(ctx, "src"); err != nil {
		t.Fatalf("Register(src) failed: %v", err)
	}
	if err := s.Register(ctx, "tgt"); err != nil {
		t.Fatalf("Register(tgt) failed: %v", err)
	}

	data := graph.Dataset{
		{Collection: "src", Code: "p1"}: {
			Type:    graph.NodeProcess,
			Payload: map[string]any{"tags": []any{"a", "b"}},
		},
	}
	if err := s.Write(ctx, "src", data, WriteOptions{SkipCompile: true}); err != nil {
		t.Fatalf("Write(src) failed: %v", err)
	}

	created, err := s.Collection("src").CopyActivities(ctx, []string{"p1"}, "tgt")
	if err != nil {
		t.Fatalf("CopyActivities() failed: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("created %d nodes, want 1", len(created))
	}

	copied, err := s.Collection("tgt").Get(ctx, "p1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	tags, ok := copied.Payload["tags"].([]any)
	if !ok || len(tags) != 2 {
		t.Fatalf("copied payload tags = %v", copied.Payload["tags"])
	}
}
