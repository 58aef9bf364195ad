package store

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/fluxkit/fluxdata/internal/graph"
)

// CompileFunc recompiles one collection. The project layer wires the
// matrix compiler in here so the store does not depend on it.
type CompileFunc func(ctx context.Context, collection string) error

// SetCompiler installs the compile hook invoked after writes.
func (s *Store) SetCompiler(fn CompileFunc) {
	s.compile = fn
}

// WriteOptions control a bulk write.
type WriteOptions struct {
	// SkipCompile suppresses the compile step that normally follows a
	// successful write.
	SkipCompile bool
}

// Write atomically replaces a collection's contents with data.
//
// The target collection must be registered. Every top-level key must
// belong to the target collection. Node keys and locations are registered
// with the mappers before the replacement transaction begins; the
// replacement itself is all-or-nothing. Edge validation happens inside the
// transaction, so one bad edge leaves the prior contents intact.
//
// After a successful commit the search index is rebuilt for searchable
// collections (best-effort) and, unless opts.SkipCompile is set, the
// compile hook runs.
func (s *Store) Write(ctx context.Context, collection string, data graph.Dataset, opts WriteOptions) error {
	registered, err := s.IsRegistered(ctx, collection)
	if err != nil {
		return err
	}
	if !registered {
		return graph.Validityf("collection %q is not registered", collection)
	}

	keys := make([]graph.Key, 0, len(data))
	foreign := map[string]bool{}
	for key := range data {
		if key.Collection != collection {
			foreign[key.Collection] = true
			continue
		}
		keys = append(keys, key)
	}
	if len(foreign) > 0 {
		got := make([]string, 0, len(foreign))
		for name := range foreign {
			got = append(got, name)
		}
		sort.Strings(got)
		return &graph.WrongCollectionError{Want: collection, Got: got}
	}

	// Sorted key order makes id assignment and stored bytes reproducible
	// for a given payload.
	sort.Slice(keys, func(i, j int) bool { return keys[i].Code < keys[j].Code })

	if _, err := s.db.ExecContext(ctx, `
		UPDATE collections SET modified_at = ?, record_count = ?, dirty = 1
		WHERE name = ?
	`, nowISO(), len(data), collection); err != nil {
		return fmt.Errorf("write %q: metadata: %w", collection, err)
	}

	if err := s.mapper.Add(ctx, keys); err != nil {
		return fmt.Errorf("write %q: %w", collection, err)
	}

	locations := make([]string, 0, len(data))
	for _, key := range keys {
		if loc := data[key].Location; loc != "" {
			locations = append(locations, loc)
		}
	}
	sort.Strings(locations)
	if err := s.locations.AddLocations(ctx, locations); err != nil {
		return fmt.Errorf("write %q: %w", collection, err)
	}

	if len(data) > 0 {
		if err := s.replaceContents(ctx, collection, keys, data); err != nil {
			return err
		}
	}

	if s.isSearchable(ctx, collection) {
		s.notifySearchDelete(collection)
		s.reindexCollection(ctx, s.Collection(collection))
	}

	if !opts.SkipCompile && s.compile != nil {
		if err := s.compile(ctx, collection); err != nil {
			return fmt.Errorf("write %q: compile: %w", collection, err)
		}
	}
	return nil
}

// replaceContents performs the delete-and-reinsert inside one bulk
// session. Any error rolls the whole replacement back.
func (s *Store) replaceContents(ctx context.Context, collection string, keys []graph.Key, data graph.Dataset) error {
	ids, err := s.collectionIDs(ctx, collection)
	if err != nil {
		return err
	}

	session, err := s.beginBulkLoad(ctx, len(data))
	if err != nil {
		return err
	}
	defer session.Close(ctx)

	if err := s.Collection(collection).deleteContentsTx(ctx, session.Tx()); err != nil {
		return err
	}

	for _, key := range keys {
		if err := s.bufferRecord(ctx, session, key, data[key], ids); err != nil {
			return err
		}
	}

	if err := session.Commit(ctx); err != nil {
		return fmt.Errorf("write %q: %w", collection, err)
	}
	return nil
}

// bufferRecord validates and buffers one node record and its edges.
func (s *Store) bufferRecord(ctx context.Context, session *BulkLoadSession, key graph.Key, rec graph.Record, ids map[graph.Key]int64) error {
	for _, raw := range rec.Edges {
		if raw.Type == "" {
			return &graph.UntypedExchangeError{Output: key}
		}
		if raw.Input == nil || raw.Amount == nil {
			return &graph.InvalidExchangeError{Output: key}
		}
		edge := &graph.Edge{
			Source:      *raw.Input,
			Target:      key,
			Type:        raw.Type,
			Amount:      *raw.Amount,
			Uncertainty: raw.Uncertainty,
			Functional:  raw.Functional,
			Payload:     raw.Payload,
		}
		args, err := edgeArgs(edge)
		if err != nil {
			return err
		}
		if err := session.AddEdge(ctx, args); err != nil {
			return err
		}
	}

	id, ok := ids[key]
	if !ok {
		return &graph.UnknownObjectError{Key: key, What: "mapper entry"}
	}
	node := &graph.Node{
		ID:         id,
		Collection: key.Collection,
		Code:       key.Code,
		Type:       rec.Type,
		Location:   rec.Location,
		Name:       rec.Name,
		Unit:       rec.Unit,
		Product:    rec.Product,
		Payload:    rec.Payload,
	}
	args, err := nodeArgs(node)
	if err != nil {
		return err
	}
	return session.AddNode(ctx, args)
}

// collectionIDs loads the mapper ids for every key in a collection.
func (s *Store) collectionIDs(ctx context.Context, collection string) (map[graph.Key]int64, error) {
	return s.mapper.IDs(ctx, collection)
}

// Clean recompiles every dirty collection. Collections without a compile
// hook configured are skipped with a warning.
func (s *Store) Clean(ctx context.Context) error {
	if s.compile == nil {
		s.log.Warn("clean requested but no compiler is configured")
		return nil
	}
	names, err := s.Collections(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		info, err := s.Info(ctx, name)
		if err != nil {
			return err
		}
		if !info.Dirty {
			continue
		}
		s.log.Info("recompiling dirty collection", zap.String("collection", name))
		if err := s.compile(ctx, name); err != nil {
			return fmt.Errorf("clean %q: %w", name, err)
		}
	}
	return nil
}
