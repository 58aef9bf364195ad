package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/fluxkit/fluxdata/internal/graph"
)

func TestWrite_NotRegistered(t *testing.T) {
	s := createTestStore(t)

	err := s.Write(context.Background(), "ghost", graph.Dataset{}, WriteOptions{})
	if !graph.IsValidity(err) {
		t.Errorf("Write() error = %v, want ValidityError", err)
	}
}

func TestWrite_WrongCollection(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	if err := s.Register(ctx, "db"); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	data := graph.Dataset{
		{Collection: "other", Code: "x"}: {Type: graph.NodeProcess},
		{Collection: "third", Code: "y"}: {Type: graph.NodeProcess},
	}
	err := s.Write(ctx, "db", data, WriteOptions{})
	if !graph.IsWrongCollection(err) {
		t.Fatalf("Write() error = %v, want WrongCollectionError", err)
	}

	var wce *graph.WrongCollectionError
	errors.As(err, &wce)
	if len(wce.Got) != 2 || wce.Got[0] != "other" || wce.Got[1] != "third" {
		t.Errorf("Got = %v, want sorted [other third]", wce.Got)
	}
}

func TestWrite_UntypedExchange(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	if err := s.Register(ctx, "db"); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	data := graph.Dataset{
		{Collection: "db", Code: "a1"}: {
			Type: graph.NodeProcess,
			Edges: []graph.EdgeRecord{
				{Input: &graph.Key{Collection: "db", Code: "a1"}, Amount: fp(1)},
			},
		},
	}
	err := s.Write(ctx, "db", data, WriteOptions{})
	if !graph.IsUntypedExchange(err) {
		t.Errorf("Write() error = %v, want UntypedExchangeError", err)
	}
}

func TestWrite_InvalidExchange(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	if err := s.Register(ctx, "db"); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	tests := []struct {
		name string
		edge graph.EdgeRecord
	}{
		{"missing input", graph.EdgeRecord{Amount: fp(1), Type: graph.TypeProduction}},
		{"missing amount", graph.EdgeRecord{Input: &graph.Key{Collection: "db", Code: "a1"}, Type: graph.TypeProduction}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := graph.Dataset{
				{Collection: "db", Code: "a1"}: {
					Type:  graph.NodeProcess,
					Edges: []graph.EdgeRecord{tt.edge},
				},
			}
			err := s.Write(ctx, "db", data, WriteOptions{})
			if !graph.IsInvalidExchange(err) {
				t.Errorf("Write() error = %v, want InvalidExchangeError", err)
			}
		})
	}
}

func TestWrite_ReplacesContents(t *testing.T) {
	s := createTestStore(t)
	seedGraph(t, s)
	ctx := context.Background()

	replacement := graph.Dataset{
		{Collection: "db", Code: "b1"}: {
			Type: graph.NodeProcess,
			Name: "replacement",
		},
	}
	if err := s.Write(ctx, "db", replacement, WriteOptions{SkipCompile: true}); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}

	col := s.Collection("db")
	ok, err := col.Contains(ctx, "a1")
	if err != nil {
		t.Fatalf("Contains() failed: %v", err)
	}
	if ok {
		t.Error("old node a1 survived the replacement")
	}
	n, err := col.Len(ctx)
	if err != nil {
		t.Fatalf("Len() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Len() = %d, want 1", n)
	}

	// Old edges are gone with their nodes.
	var edges int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM edges WHERE output_collection = 'db'`).Scan(&edges); err != nil {
		t.Fatalf("count edges: %v", err)
	}
	if edges != 0 {
		t.Errorf("stale edges after replacement: %d", edges)
	}
}

func TestWrite_AtomicRollback(t *testing.T) {
	s := createTestStore(t)
	seedGraph(t, s)
	ctx := context.Background()

	// The second record carries a bad edge; the whole write must roll back
	// and the prior contents must be intact.
	bad := graph.Dataset{
		{Collection: "db", Code: "b1"}: {Type: graph.NodeProcess},
		{Collection: "db", Code: "b2"}: {
			Type: graph.NodeProcess,
			Edges: []graph.EdgeRecord{
				{Input: &graph.Key{Collection: "db", Code: "b1"}, Amount: fp(1)},
			},
		},
	}
	err := s.Write(ctx, "db", bad, WriteOptions{SkipCompile: true})
	if !graph.IsUntypedExchange(err) {
		t.Fatalf("Write() error = %v, want UntypedExchangeError", err)
	}

	col := s.Collection("db")
	for _, code := range []string{"a1", "a2"} {
		ok, err := col.Contains(ctx, code)
		if err != nil {
			t.Fatalf("Contains() failed: %v", err)
		}
		if !ok {
			t.Errorf("prior node %q lost after failed write", code)
		}
	}
	ok, err := col.Contains(ctx, "b1")
	if err != nil {
		t.Fatalf("Contains() failed: %v", err)
	}
	if ok {
		t.Error("partial content b1 visible after failed write")
	}

	edges, err := s.EdgesOf(graph.Key{Collection: "db", Code: "a1"}).Count(ctx)
	if err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	if edges != 3 {
		t.Errorf("edge count = %d after rollback, want 3", edges)
	}
}

func TestWrite_StableIDsAcrossRewrites(t *testing.T) {
	s := createTestStore(t)
	seedGraph(t, s)
	ctx := context.Background()

	first, err := s.Collection("db").Get(ctx, "a1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}

	// Rewriting the same content must keep mapper ids.
	again := graph.Dataset{
		{Collection: "db", Code: "a1"}: {Type: graph.NodeProcess, Location: "DE", Name: "widget assembly"},
		{Collection: "db", Code: "a2"}: {Type: graph.NodeProcess, Name: "widget part"},
	}
	if err := s.Write(ctx, "db", again, WriteOptions{SkipCompile: true}); err != nil {
		t.Fatalf("rewrite failed: %v", err)
	}

	second, err := s.Collection("db").Get(ctx, "a1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("node id changed across rewrite: %d != %d", first.ID, second.ID)
	}
}

func TestWrite_UpdatesMetadata(t *testing.T) {
	s := createTestStore(t)
	seedGraph(t, s)
	ctx := context.Background()

	info, err := s.Info(ctx, "db")
	if err != nil {
		t.Fatalf("Info() failed: %v", err)
	}
	if info.RecordCount != 2 {
		t.Errorf("RecordCount = %d, want 2", info.RecordCount)
	}
	if !info.Dirty {
		t.Error("collection not dirty after write")
	}
	if info.Modified == "" {
		t.Error("modified_at not set")
	}
}

func TestWrite_RegistersLocations(t *testing.T) {
	s := createTestStore(t)
	seedGraph(t, s)

	ok, err := s.Locations().ContainsLocation(context.Background(), "DE")
	if err != nil {
		t.Fatalf("ContainsLocation() failed: %v", err)
	}
	if !ok {
		t.Error("node location not registered with the location mapper")
	}
}

func TestWrite_CompileHook(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	if err := s.Register(ctx, "db"); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	var compiled []string
	s.SetCompiler(func(ctx context.Context, collection string) error {
		compiled = append(compiled, collection)
		return nil
	})

	data := graph.Dataset{
		{Collection: "db", Code: "a1"}: {Type: graph.NodeProcess},
	}
	if err := s.Write(ctx, "db", data, WriteOptions{}); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	if len(compiled) != 1 || compiled[0] != "db" {
		t.Errorf("compile hook calls = %v, want [db]", compiled)
	}

	compiled = nil
	if err := s.Write(ctx, "db", data, WriteOptions{SkipCompile: true}); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	if len(compiled) != 0 {
		t.Errorf("compile hook ran despite SkipCompile: %v", compiled)
	}
}

func TestWrite_EmptyDataset(t *testing.T) {
	s := createTestStore(t)
	seedGraph(t, s)
	ctx := context.Background()

	if err := s.Write(ctx, "db", graph.Dataset{}, WriteOptions{SkipCompile: true}); err != nil {
		t.Fatalf("Write() of empty dataset failed: %v", err)
	}

	info, err := s.Info(ctx, "db")
	if err != nil {
		t.Fatalf("Info() failed: %v", err)
	}
	if info.RecordCount != 0 {
		t.Errorf("RecordCount = %d, want 0", info.RecordCount)
	}
}

func TestWrite_LargeDatasetBulkPath(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	if err := s.Register(ctx, "big"); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	// Enough records to cross the index-drop threshold.
	data := graph.Dataset{}
	for i := 0; i < 150; i++ {
		code := fmt.Sprintf("node-%03d", i)
		data[graph.Key{Collection: "big", Code: code}] = graph.Record{
			Type: graph.NodeProcess,
			Name: code,
			Edges: []graph.EdgeRecord{
				{
					Input:  &graph.Key{Collection: "big", Code: code},
					Amount: fp(1),
					Type:   graph.TypeProduction,
				},
			},
		}
	}
	if err := s.Write(ctx, "big", data, WriteOptions{SkipCompile: true}); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}

	n, err := s.Collection("big").Len(ctx)
	if err != nil {
		t.Fatalf("Len() failed: %v", err)
	}
	if n != 150 {
		t.Errorf("Len() = %d, want 150", n)
	}

	// The key index must be restored after the bulk load.
	var name string
	err = s.db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='index' AND name='nodes_key'",
	).Scan(&name)
	if err != nil {
		t.Errorf("nodes_key index missing after bulk load: %v", err)
	}
}

func TestClean_RecompilesDirty(t *testing.T) {
	s := createTestStore(t)
	seedGraph(t, s)
	ctx := context.Background()

	var compiled []string
	s.SetCompiler(func(ctx context.Context, collection string) error {
		compiled = append(compiled, collection)
		// Mimic the compiler clearing the flag.
		_, err := s.db.ExecContext(ctx, `UPDATE collections SET dirty = 0 WHERE name = ?`, collection)
		return err
	})

	if err := s.Clean(ctx); err != nil {
		t.Fatalf("Clean() failed: %v", err)
	}
	if len(compiled) != 2 {
		t.Fatalf("compiled = %v, want both dirty collections", compiled)
	}

	// A second Clean finds nothing dirty.
	compiled = nil
	if err := s.Clean(ctx); err != nil {
		t.Fatalf("second Clean() failed: %v", err)
	}
	if len(compiled) != 0 {
		t.Errorf("Clean() recompiled clean collections: %v", compiled)
	}
}
