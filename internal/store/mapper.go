package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/fluxkit/fluxdata/internal/graph"
)

// Mapper namespaces. Natural keys and locations are independent id spaces
// that happen to share the same table shape.
const (
	nsActivity = "activity"
	nsGeo      = "geo"
)

// Mapper is an append-only bijection from keys to integer ids, backed by
// mapper_entries plus a per-namespace counter that survives deletions.
//
// Ids are increasing and unique but not guaranteed contiguous; once
// assigned, an id is never reassigned to a different key, and deleting a
// key permanently retires its id.
type Mapper struct {
	store     *Store
	namespace string
}

// Add assigns unused increasing integers to unseen keys. Keys already in
// the mapper keep their ids. Idempotent.
func (m *Mapper) Add(ctx context.Context, keys []graph.Key) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := m.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mapper add: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := m.addTx(ctx, tx, keys); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mapper add: commit: %w", err)
	}
	return nil
}

// addTx performs Add inside an existing transaction, so bulk writes can
// fold mapper registration into their own atomic scope.
func (m *Mapper) addTx(ctx context.Context, tx *sql.Tx, keys []graph.Key) error {
	// Sorted insertion keeps id assignment reproducible for a given key set.
	sorted := make([]graph.Key, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Collection != sorted[j].Collection {
			return sorted[i].Collection < sorted[j].Collection
		}
		return sorted[i].Code < sorted[j].Code
	})

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO mapper_counters (namespace, next) VALUES (?, 1)
		ON CONFLICT(namespace) DO NOTHING
	`, m.namespace); err != nil {
		return fmt.Errorf("mapper add: seed counter: %w", err)
	}

	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT next FROM mapper_counters WHERE namespace = ?`, m.namespace,
	).Scan(&next); err != nil {
		return fmt.Errorf("mapper add: read counter: %w", err)
	}

	assigned := 0
	seen := make(map[graph.Key]bool, len(sorted))
	for _, key := range sorted {
		if seen[key] {
			continue
		}
		seen[key] = true

		res, err := tx.ExecContext(ctx, `
			INSERT INTO mapper_entries (namespace, collection, code, id)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(namespace, collection, code) DO NOTHING
		`, m.namespace, key.Collection, key.Code, next+int64(assigned))
		if err != nil {
			return fmt.Errorf("mapper add %s: %w", key, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mapper add %s: rows affected: %w", key, err)
		}
		if n > 0 {
			assigned++
		}
	}

	if assigned > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE mapper_counters SET next = ? WHERE namespace = ?
		`, next+int64(assigned), m.namespace); err != nil {
			return fmt.Errorf("mapper add: advance counter: %w", err)
		}
	}
	return nil
}

// Get returns the id for a key, or an UnknownObjectError if absent.
func (m *Mapper) Get(ctx context.Context, key graph.Key) (int64, error) {
	var id int64
	err := m.store.db.QueryRowContext(ctx, `
		SELECT id FROM mapper_entries
		WHERE namespace = ? AND collection = ? AND code = ?
	`, m.namespace, key.Collection, key.Code).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, &graph.UnknownObjectError{Key: key, What: "mapper entry"}
	}
	if err != nil {
		return 0, fmt.Errorf("mapper get %s: %w", key, err)
	}
	return id, nil
}

// IDs returns every entry owned by one collection as a key-to-id map.
// The geo namespace stores locations under the empty collection, so
// Locations().IDs(ctx, "") yields every registered location.
//
// The store runs on a single connection: callers holding an open cursor
// must use this instead of per-row Get calls, which would block on the
// pinned connection.
func (m *Mapper) IDs(ctx context.Context, collection string) (map[graph.Key]int64, error) {
	rows, err := m.store.db.QueryContext(ctx, `
		SELECT code, id FROM mapper_entries
		WHERE namespace = ? AND collection = ?
	`, m.namespace, collection)
	if err != nil {
		return nil, fmt.Errorf("mapper ids of %q: %w", collection, err)
	}
	defer rows.Close()

	ids := map[graph.Key]int64{}
	for rows.Next() {
		var (
			code string
			id   int64
		)
		if err := rows.Scan(&code, &id); err != nil {
			return nil, fmt.Errorf("scan mapper id: %w", err)
		}
		ids[graph.Key{Collection: collection, Code: code}] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mapper ids of %q: %w", collection, err)
	}
	return ids, nil
}

// Contains reports whether a key has an id.
func (m *Mapper) Contains(ctx context.Context, key graph.Key) (bool, error) {
	var count int
	err := m.store.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM mapper_entries
		WHERE namespace = ? AND collection = ? AND code = ?
	`, m.namespace, key.Collection, key.Code).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("mapper contains %s: %w", key, err)
	}
	return count > 0, nil
}

// Delete removes entries for the given keys. Missing keys are ignored.
// The counter is not rewound: the ids are retired.
func (m *Mapper) Delete(ctx context.Context, keys []graph.Key) error {
	tx, err := m.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mapper delete: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, key := range keys {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM mapper_entries
			WHERE namespace = ? AND collection = ? AND code = ?
		`, m.namespace, key.Collection, key.Code); err != nil {
			return fmt.Errorf("mapper delete %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mapper delete: commit: %w", err)
	}
	return nil
}

// deleteCollectionTx drops every entry owned by one collection.
func (m *Mapper) deleteCollectionTx(ctx context.Context, tx *sql.Tx, collection string) error {
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM mapper_entries WHERE namespace = ? AND collection = ?
	`, m.namespace, collection); err != nil {
		return fmt.Errorf("mapper delete collection %q: %w", collection, err)
	}
	return nil
}

// Len returns the number of live entries in the namespace.
func (m *Mapper) Len(ctx context.Context) (int, error) {
	var count int
	err := m.store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mapper_entries WHERE namespace = ?`, m.namespace,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("mapper len: %w", err)
	}
	return count, nil
}

// Location helpers: the geo namespace stores locations as codes with an
// empty collection component.

func locationKey(location string) graph.Key {
	return graph.Key{Code: location}
}

// AddLocations registers location codes.
func (m *Mapper) AddLocations(ctx context.Context, locations []string) error {
	keys := make([]graph.Key, 0, len(locations))
	for _, loc := range locations {
		if loc == "" {
			continue
		}
		keys = append(keys, locationKey(loc))
	}
	return m.Add(ctx, keys)
}

// GetLocation returns the id for a location code.
func (m *Mapper) GetLocation(ctx context.Context, location string) (int64, error) {
	return m.Get(ctx, locationKey(location))
}

// ContainsLocation reports whether a location code has an id.
func (m *Mapper) ContainsLocation(ctx context.Context, location string) (bool, error) {
	return m.Contains(ctx, locationKey(location))
}
