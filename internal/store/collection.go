package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/fluxkit/fluxdata/internal/graph"
)

// validFields is the whitelist of indexable node fields accepted by
// Iterate filters and order_by.
var validFields = map[string]string{
	"location": "location",
	"name":     "name",
	"product":  "product",
	"type":     "type",
}

// Collection is a handle on one named partition of the graph. It carries
// no cached state; every call reads the store.
type Collection struct {
	store *Store
	name  string
}

// Collection returns a handle for a collection. The collection does not
// need to exist yet; mutating calls check registration themselves.
func (s *Store) Collection(name string) *Collection {
	return &Collection{store: s, name: name}
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

// Store returns the owning store.
func (c *Collection) Store() *Store { return c.store }

// IterateOptions restrict and order node iteration. Filter keys and the
// OrderBy field must come from the indexable whitelist (location, name,
// product, type); anything else fails fast with an UnknownFieldError.
type IterateOptions struct {
	Filters map[string]string
	OrderBy string
}

// buildSelect assembles the filtered SELECT for this collection in
// deterministic clause order.
func (c *Collection) buildSelect(opts IterateOptions, random bool) (string, []any, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + nodeColumns + ` FROM nodes WHERE collection = ?`)
	args := []any{c.name}

	// Filter clauses in sorted key order so the SQL text is stable.
	keys := make([]string, 0, len(opts.Filters))
	for k := range opts.Filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		col, ok := validFields[k]
		if !ok {
			return "", nil, &graph.UnknownFieldError{Field: k}
		}
		sb.WriteString(` AND ` + col + ` = ?`)
		args = append(args, opts.Filters[k])
	}

	switch {
	case random:
		sb.WriteString(` ORDER BY RANDOM()`)
	case opts.OrderBy != "":
		col, ok := validFields[opts.OrderBy]
		if !ok {
			return "", nil, &graph.UnknownFieldError{Field: opts.OrderBy}
		}
		sb.WriteString(` ORDER BY ` + col)
	default:
		// Backend-defined order; callers must not depend on it.
	}

	return sb.String(), args, nil
}

// NodeIterator is a lazy cursor over nodes. Callers must Close it.
type NodeIterator struct {
	rows *sql.Rows
	node *graph.Node
	err  error
}

// Next advances the iterator. Returns false at the end or on error.
func (it *NodeIterator) Next() bool {
	if it.err != nil || !it.rows.Next() {
		return false
	}
	it.node, it.err = scanNode(it.rows)
	return it.err == nil
}

// Node returns the current node.
func (it *NodeIterator) Node() *graph.Node { return it.node }

// Err returns the first error encountered during iteration.
func (it *NodeIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

// Close releases the underlying cursor.
func (it *NodeIterator) Close() error { return it.rows.Close() }

// Iterate returns a lazy sequence of the collection's nodes. Without
// OrderBy the iteration order is backend-defined.
func (c *Collection) Iterate(ctx context.Context, opts IterateOptions) (*NodeIterator, error) {
	query, args, err := c.buildSelect(opts, false)
	if err != nil {
		return nil, err
	}
	rows, err := c.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("iterate %q: %w", c.name, err)
	}
	return &NodeIterator{rows: rows}, nil
}

// Len returns the number of nodes in the collection.
func (c *Collection) Len(ctx context.Context) (int, error) {
	var count int
	err := c.store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM nodes WHERE collection = ?`, c.name).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count %q: %w", c.name, err)
	}
	return count, nil
}

// Contains reports whether a node with the given code exists.
func (c *Collection) Contains(ctx context.Context, code string) (bool, error) {
	var count int
	err := c.store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM nodes WHERE collection = ? AND code = ?`,
		c.name, code).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("contains %q: %w", c.name, err)
	}
	return count > 0, nil
}

// Get returns the node with the given code, or an UnknownObjectError.
func (c *Collection) Get(ctx context.Context, code string) (*graph.Node, error) {
	row := c.store.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE collection = ? AND code = ?`,
		c.name, code)
	node, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, &graph.UnknownObjectError{Key: graph.Key{Collection: c.name, Code: code}, What: "node"}
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", graph.Key{Collection: c.name, Code: code}, err)
	}
	return node, nil
}

// Find returns the single node matching the filters. Fails with
// UnknownObjectError when nothing matches and MultipleResultsError when
// the predicate is too broad.
func (c *Collection) Find(ctx context.Context, filters map[string]string) (*graph.Node, error) {
	it, err := c.Iterate(ctx, IterateOptions{Filters: filters})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var found *graph.Node
	count := 0
	for it.Next() {
		count++
		if count > 1 {
			break
		}
		found = it.Node()
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("find in %q: %w", c.name, err)
	}
	switch {
	case count == 0:
		return nil, &graph.UnknownObjectError{Key: graph.Key{Collection: c.name}, What: "node matching filters"}
	case count > 1:
		return nil, &graph.MultipleResultsError{Collection: c.name, Count: count}
	}
	return found, nil
}

// Random returns a random node, honoring the given filters. Returns nil
// and logs a warning when the collection (as filtered) is empty.
func (c *Collection) Random(ctx context.Context, filters map[string]string) (*graph.Node, error) {
	query, args, err := c.buildSelect(IterateOptions{Filters: filters}, true)
	if err != nil {
		return nil, err
	}
	row := c.store.db.QueryRowContext(ctx, query+` LIMIT 1`, args...)
	node, err := scanNode(row)
	if err == sql.ErrNoRows {
		c.store.log.Warn("collection is empty", zap.String("collection", c.name))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("random from %q: %w", c.name, err)
	}
	return node, nil
}

// Delete removes all nodes and edges of the collection, drops its metadata
// row, and retires the mapper entries the collection exclusively owns.
// Shared location entries are kept.
func (c *Collection) Delete(ctx context.Context) error {
	tx, err := c.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete %q: begin tx: %w", c.name, err)
	}
	defer tx.Rollback()

	if err := c.deleteContentsTx(ctx, tx); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM collections WHERE name = ?`, c.name); err != nil {
		return fmt.Errorf("delete %q: metadata: %w", c.name, err)
	}
	if err := c.store.mapper.deleteCollectionTx(ctx, tx, c.name); err != nil {
		return fmt.Errorf("delete %q: %w", c.name, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete %q: commit: %w", c.name, err)
	}

	c.store.notifySearchDelete(c.name)
	return nil
}

// deleteContentsTx removes the collection's node and edge rows, leaving
// metadata and mapper entries alone. Bulk writes use this before reinsert.
func (c *Collection) deleteContentsTx(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM nodes WHERE collection = ?`, c.name); err != nil {
		return fmt.Errorf("delete nodes of %q: %w", c.name, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM edges WHERE output_collection = ?`, c.name); err != nil {
		return fmt.Errorf("delete edges of %q: %w", c.name, err)
	}
	return nil
}

// Rename relocates all nodes and edges to a new collection name. Only
// edges whose endpoints pointed at the old name are rewritten; links into
// other collections stay untouched. Node ids are reassigned: the old keys'
// ids are retired, the new keys get fresh ones.
func (c *Collection) Rename(ctx context.Context, newName string) (*Collection, error) {
	if newName == c.name {
		return nil, graph.Validityf("rename: %q is already the collection name", c.name)
	}
	exists, err := c.store.IsRegistered(ctx, newName)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, graph.Validityf("rename: collection %q already exists", newName)
	}

	// Collect codes first so mapper entries can be re-keyed.
	codes, err := c.codes(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := c.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("rename %q: begin tx: %w", c.name, err)
	}
	defer tx.Rollback()

	newKeys := make([]graph.Key, len(codes))
	for i, code := range codes {
		newKeys[i] = graph.Key{Collection: newName, Code: code}
	}
	if err := c.store.mapper.addTx(ctx, tx, newKeys); err != nil {
		return nil, fmt.Errorf("rename %q: %w", c.name, err)
	}

	// Consumers in other collections have their edge inputs rewritten
	// below; their compiled arrays reference the retired ids, so they must
	// recompile too.
	if _, err := tx.ExecContext(ctx, `
		UPDATE collections SET dirty = 1, modified_at = ?
		WHERE name IN (
			SELECT DISTINCT output_collection FROM edges
			WHERE input_collection = ? AND output_collection != ?
		)
	`, nowISO(), c.name, c.name); err != nil {
		return nil, fmt.Errorf("rename %q: mark consumers dirty: %w", c.name, err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE collections SET name = ?, modified_at = ?, dirty = 1 WHERE name = ?
	`, newName, nowISO(), c.name); err != nil {
		return nil, fmt.Errorf("rename %q: metadata: %w", c.name, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE nodes
		SET collection = ?,
		    id = (SELECT id FROM mapper_entries
		          WHERE namespace = ? AND collection = ? AND code = nodes.code)
		WHERE collection = ?
	`, newName, nsActivity, newName, c.name); err != nil {
		return nil, fmt.Errorf("rename %q: nodes: %w", c.name, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE edges SET output_collection = ? WHERE output_collection = ?
	`, newName, c.name); err != nil {
		return nil, fmt.Errorf("rename %q: edge outputs: %w", c.name, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE edges SET input_collection = ? WHERE input_collection = ?
	`, newName, c.name); err != nil {
		return nil, fmt.Errorf("rename %q: edge inputs: %w", c.name, err)
	}
	if err := c.store.mapper.deleteCollectionTx(ctx, tx, c.name); err != nil {
		return nil, fmt.Errorf("rename %q: %w", c.name, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("rename %q: commit: %w", c.name, err)
	}

	c.store.notifySearchDelete(c.name)
	return c.store.Collection(newName), nil
}

// codes returns all node codes in the collection, sorted.
func (c *Collection) codes(ctx context.Context) ([]string, error) {
	rows, err := c.store.db.QueryContext(ctx,
		`SELECT code FROM nodes WHERE collection = ? ORDER BY code`, c.name)
	if err != nil {
		return nil, fmt.Errorf("codes of %q: %w", c.name, err)
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("scan code: %w", err)
		}
		codes = append(codes, code)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate codes of %q: %w", c.name, err)
	}
	return codes, nil
}

// FindDependents scans every edge of the collection and returns the sorted
// list of other collections referenced as edge sources. Self-references,
// collections in ignore, and edges whose type is not a recognized exchange
// kind are excluded.
func (c *Collection) FindDependents(ctx context.Context, ignore ...string) ([]string, error) {
	skip := map[string]bool{c.name: true}
	for _, name := range ignore {
		skip[name] = true
	}

	rows, err := c.store.db.QueryContext(ctx, `
		SELECT DISTINCT input_collection, type FROM edges
		WHERE output_collection = ?
	`, c.name)
	if err != nil {
		return nil, fmt.Errorf("dependents of %q: %w", c.name, err)
	}
	defer rows.Close()

	seen := map[string]bool{}
	for rows.Next() {
		var dep, typ string
		if err := rows.Scan(&dep, &typ); err != nil {
			return nil, fmt.Errorf("scan dependent: %w", err)
		}
		if skip[dep] || !graph.KnownType(typ) {
			continue
		}
		seen[dep] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dependents of %q: %w", c.name, err)
	}

	deps := make([]string, 0, len(seen))
	for dep := range seen {
		deps = append(deps, dep)
	}
	sort.Strings(deps)
	return deps, nil
}

// FindGraphDependents returns the transitive closure over the stored
// dependency metadata, starting from (and including) this collection.
func (c *Collection) FindGraphDependents(ctx context.Context) (map[string]bool, error) {
	result := map[string]bool{c.name: true}
	queue := []string{c.name}

	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]

		var depends string
		err := c.store.db.QueryRowContext(ctx,
			`SELECT depends FROM collections WHERE name = ?`, name).Scan(&depends)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("graph dependents of %q: %w", c.name, err)
		}
		var deps []string
		if err := json.Unmarshal([]byte(depends), &deps); err != nil {
			return nil, fmt.Errorf("decode depends of %q: %w", name, err)
		}
		for _, dep := range deps {
			if !result[dep] {
				result[dep] = true
				queue = append(queue, dep)
			}
		}
	}
	return result, nil
}

// SetSearchable flips the collection's searchable flag. Enabling (or
// re-enabling) rebuilds the external index from scratch: full delete, then
// reinsert of every node. Index failures are logged, never fatal.
func (c *Collection) SetSearchable(ctx context.Context, searchable bool) error {
	registered, err := c.store.IsRegistered(ctx, c.name)
	if err != nil {
		return err
	}
	if !registered {
		return &graph.UnknownObjectError{Key: graph.Key{Collection: c.name}, What: "collection"}
	}

	if _, err := c.store.db.ExecContext(ctx,
		`UPDATE collections SET searchable = ? WHERE name = ?`,
		boolInt(searchable), c.name); err != nil {
		return fmt.Errorf("set searchable on %q: %w", c.name, err)
	}

	c.store.notifySearchDelete(c.name)
	if searchable {
		c.store.reindexCollection(ctx, c)
	}
	return nil
}
