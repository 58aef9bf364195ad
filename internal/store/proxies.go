package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/fluxkit/fluxdata/internal/graph"
)

// NodeView is a thin mutable view over one node, backed live by the
// store. Reads are pass-through; setters mark fields dirty and Save
// persists only what changed. Changing the code or collection takes
// effect immediately (inside one transaction) because every edge pointing
// at the node must move with it.
type NodeView struct {
	store *Store
	node  graph.Node
	isNew bool
	dirty map[string]bool
}

// NewNode creates an unsaved node in this collection. With an empty code
// a random 32-hex-character one is generated.
func (c *Collection) NewNode(code string) *NodeView {
	if code == "" {
		code = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return &NodeView{
		store: c.store,
		node: graph.Node{
			Collection: c.name,
			Code:       code,
			Payload:    map[string]any{},
		},
		isNew: true,
		dirty: map[string]bool{},
	}
}

// View wraps an existing node in a mutable view.
func (s *Store) View(node *graph.Node) *NodeView {
	return &NodeView{store: s, node: *node, dirty: map[string]bool{}}
}

// Node returns a snapshot of the viewed node.
func (v *NodeView) Node() graph.Node { return v.node }

// Key returns the node's natural key.
func (v *NodeView) Key() graph.Key { return v.node.Key() }

func (v *NodeView) set(field string, apply func()) {
	apply()
	v.dirty[field] = true
}

func (v *NodeView) SetType(t string)     { v.set("type", func() { v.node.Type = t }) }
func (v *NodeView) SetLocation(l string) { v.set("location", func() { v.node.Location = l }) }
func (v *NodeView) SetName(n string)     { v.set("name", func() { v.node.Name = n }) }
func (v *NodeView) SetUnit(u string)     { v.set("unit", func() { v.node.Unit = u }) }
func (v *NodeView) SetProduct(p string)  { v.set("product", func() { v.node.Product = p }) }

// SetPayload replaces one extension attribute.
func (v *NodeView) SetPayload(key string, value any) {
	v.set("data", func() {
		if v.node.Payload == nil {
			v.node.Payload = map[string]any{}
		}
		v.node.Payload[key] = value
	})
}

// Save persists the view. New nodes are inserted (failing DuplicateNode
// when the key or id is taken); existing nodes get only their dirty
// columns updated. Either way the mapper learns the key, the location
// mapper learns the location, the collection is marked dirty, and the
// search index is updated best-effort.
func (v *NodeView) Save(ctx context.Context) error {
	if v.isNew {
		if err := v.insert(ctx); err != nil {
			return err
		}
	} else if len(v.dirty) > 0 {
		if err := v.update(ctx); err != nil {
			return err
		}
	}

	if v.node.Location != "" {
		if err := v.store.locations.AddLocations(ctx, []string{v.node.Location}); err != nil {
			return err
		}
	}
	if err := v.store.setDirty(ctx, v.node.Collection); err != nil {
		return err
	}
	if v.store.isSearchable(ctx, v.node.Collection) {
		v.store.notifySearchUpdate(&v.node)
	}
	v.dirty = map[string]bool{}
	return nil
}

func (v *NodeView) insert(ctx context.Context) error {
	exists, err := v.store.Collection(v.node.Collection).Contains(ctx, v.node.Code)
	if err != nil {
		return err
	}
	if exists {
		return &graph.DuplicateNodeError{Key: v.node.Key()}
	}

	if err := v.store.mapper.Add(ctx, []graph.Key{v.node.Key()}); err != nil {
		return err
	}
	id, err := v.store.mapper.Get(ctx, v.node.Key())
	if err != nil {
		return err
	}
	v.node.ID = id

	args, err := nodeArgs(&v.node)
	if err != nil {
		return err
	}
	if _, err := v.store.db.ExecContext(ctx, nodeInsertSQL, args...); err != nil {
		if dup := duplicateNodeErr(err, &v.node); dup != nil {
			return dup
		}
		return fmt.Errorf("save node %s: %w", v.node.Key(), err)
	}
	v.isNew = false
	return nil
}

// duplicateNodeErr translates a uniqueness violation on the nodes_key or
// nodes_id index into the typed error; any other failure returns nil.
func duplicateNodeErr(err error, node *graph.Node) error {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) || sqliteErr.ExtendedCode != sqlite3.ErrConstraintUnique {
		return nil
	}
	if strings.Contains(sqliteErr.Error(), "nodes.id") {
		return &graph.DuplicateNodeError{ID: node.ID}
	}
	return &graph.DuplicateNodeError{Key: node.Key()}
}

// updatableColumns maps dirty-field names to their column expressions.
var updatableColumns = map[string]string{
	"type":     "type",
	"location": "location",
	"name":     "name",
	"unit":     "unit",
	"product":  "product",
	"data":     "data",
}

func (v *NodeView) update(ctx context.Context) error {
	var (
		sets []string
		args []any
	)
	for field := range updatableColumns {
		if !v.dirty[field] {
			continue
		}
		sets = append(sets, updatableColumns[field]+" = ?")
		switch field {
		case "type":
			args = append(args, v.node.Type)
		case "location":
			args = append(args, v.node.Location)
		case "name":
			args = append(args, v.node.Name)
		case "unit":
			args = append(args, v.node.Unit)
		case "product":
			args = append(args, v.node.Product)
		case "data":
			payload, err := graph.CanonicalPayload(v.node.Payload)
			if err != nil {
				return fmt.Errorf("save node %s: %w", v.node.Key(), err)
			}
			args = append(args, string(payload))
		}
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, v.node.Collection, v.node.Code)
	_, err := v.store.db.ExecContext(ctx,
		`UPDATE nodes SET `+strings.Join(sets, ", ")+` WHERE collection = ? AND code = ?`,
		args...)
	if err != nil {
		return fmt.Errorf("save node %s: %w", v.node.Key(), err)
	}
	return nil
}

// SetCode moves the node to a new code, re-pointing every edge that
// references it. Fails DuplicateNode when the new key is taken. The old
// key's id is retired; the new key receives a fresh one.
func (v *NodeView) SetCode(ctx context.Context, newCode string) error {
	if v.isNew {
		v.node.Code = newCode
		return nil
	}
	if newCode == v.node.Code {
		return nil
	}
	newKey := graph.Key{Collection: v.node.Collection, Code: newCode}
	return v.move(ctx, newKey)
}

// SetCollection moves the node to another registered collection,
// re-pointing every edge that references it.
func (v *NodeView) SetCollection(ctx context.Context, newCollection string) error {
	if v.isNew {
		v.node.Collection = newCollection
		return nil
	}
	if newCollection == v.node.Collection {
		return nil
	}
	registered, err := v.store.IsRegistered(ctx, newCollection)
	if err != nil {
		return err
	}
	if !registered {
		return graph.Validityf("collection %q does not exist", newCollection)
	}
	newKey := graph.Key{Collection: newCollection, Code: v.node.Code}
	return v.move(ctx, newKey)
}

// move relocates the node row and every referencing edge to newKey in one
// transaction. Edges are never orphaned: both the output side (the node's
// own exchanges) and the input side (upstream consumers) follow the node.
func (v *NodeView) move(ctx context.Context, newKey graph.Key) error {
	oldKey := v.node.Key()
	exists, err := v.store.Collection(newKey.Collection).Contains(ctx, newKey.Code)
	if err != nil {
		return err
	}
	if exists {
		return &graph.DuplicateNodeError{Key: newKey}
	}

	if err := v.store.mapper.Add(ctx, []graph.Key{newKey}); err != nil {
		return err
	}
	newID, err := v.store.mapper.Get(ctx, newKey)
	if err != nil {
		return err
	}

	tx, err := v.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("move %s: begin tx: %w", oldKey, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE nodes SET collection = ?, code = ?, id = ?
		WHERE collection = ? AND code = ?
	`, newKey.Collection, newKey.Code, newID, oldKey.Collection, oldKey.Code); err != nil {
		return fmt.Errorf("move %s: node: %w", oldKey, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE edges SET output_collection = ?, output_code = ?
		WHERE output_collection = ? AND output_code = ?
	`, newKey.Collection, newKey.Code, oldKey.Collection, oldKey.Code); err != nil {
		return fmt.Errorf("move %s: edge outputs: %w", oldKey, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE edges SET input_collection = ?, input_code = ?
		WHERE input_collection = ? AND input_code = ?
	`, newKey.Collection, newKey.Code, oldKey.Collection, oldKey.Code); err != nil {
		return fmt.Errorf("move %s: edge inputs: %w", oldKey, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("move %s: commit: %w", oldKey, err)
	}

	if err := v.store.mapper.Delete(ctx, []graph.Key{oldKey}); err != nil {
		return err
	}
	if err := v.store.setDirty(ctx, oldKey.Collection); err != nil {
		return err
	}
	if newKey.Collection != oldKey.Collection {
		if err := v.store.setDirty(ctx, newKey.Collection); err != nil {
			return err
		}
	}

	if v.store.isSearchable(ctx, oldKey.Collection) {
		v.store.notifySearchDeleteNode(oldKey)
	}
	v.node.Collection = newKey.Collection
	v.node.Code = newKey.Code
	v.node.ID = newID
	if v.store.isSearchable(ctx, newKey.Collection) {
		v.store.notifySearchUpdate(&v.node)
	}
	return nil
}

// Delete removes the node, cascades deletion of the edges it is the
// target of, and retires its mapper entry.
func (v *NodeView) Delete(ctx context.Context) error {
	key := v.node.Key()

	tx, err := v.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete node %s: begin tx: %w", key, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM edges WHERE output_collection = ? AND output_code = ?
	`, key.Collection, key.Code); err != nil {
		return fmt.Errorf("delete node %s: edges: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM nodes WHERE collection = ? AND code = ?
	`, key.Collection, key.Code); err != nil {
		return fmt.Errorf("delete node %s: %w", key, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete node %s: commit: %w", key, err)
	}

	if err := v.store.mapper.Delete(ctx, []graph.Key{key}); err != nil {
		return err
	}
	if err := v.store.setDirty(ctx, key.Collection); err != nil {
		return err
	}
	if v.store.isSearchable(ctx, key.Collection) {
		v.store.notifySearchDeleteNode(key)
	}
	return nil
}

// NewEdge creates an unsaved exchange targeting this node.
func (v *NodeView) NewEdge(input graph.Key, amount float64, edgeType string) *EdgeView {
	return &EdgeView{
		store: v.store,
		edge: graph.Edge{
			Source: input,
			Target: v.node.Key(),
			Type:   edgeType,
			Amount: amount,
		},
		isNew: true,
	}
}

// Edges returns this node's exchanges.
func (v *NodeView) Edges(kinds ...string) *Edges {
	return v.store.EdgesOf(v.node.Key(), kinds...)
}

// EdgeView is a thin mutable view over one stored exchange.
type EdgeView struct {
	store *Store
	edge  graph.Edge
	isNew bool
	dirty bool
}

// ViewEdge wraps an existing edge in a mutable view.
func (s *Store) ViewEdge(edge *graph.Edge) *EdgeView {
	return &EdgeView{store: s, edge: *edge}
}

// Edge returns a snapshot of the viewed edge.
func (e *EdgeView) Edge() graph.Edge { return e.edge }

func (e *EdgeView) SetAmount(a float64) { e.edge.Amount = a; e.dirty = true }
func (e *EdgeView) SetType(t string)    { e.edge.Type = t; e.dirty = true }
func (e *EdgeView) SetFunctional(f bool) {
	e.edge.Functional = f
	e.dirty = true
}
func (e *EdgeView) SetUncertainty(u graph.Uncertainty) {
	e.edge.Uncertainty = u
	e.dirty = true
}

// Save persists the edge. Eager validation mirrors the write pipeline: a
// missing type fails UntypedExchange before anything is written.
func (e *EdgeView) Save(ctx context.Context) error {
	if e.edge.Type == "" {
		return &graph.UntypedExchangeError{Output: e.edge.Target}
	}
	if e.edge.Source.IsZero() {
		return &graph.InvalidExchangeError{Output: e.edge.Target, Reason: "missing input"}
	}

	args, err := edgeArgs(&e.edge)
	if err != nil {
		return err
	}

	if e.isNew {
		res, err := e.store.db.ExecContext(ctx, edgeInsertSQL, args...)
		if err != nil {
			return fmt.Errorf("save edge %s -> %s: %w", e.edge.Source, e.edge.Target, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("save edge: last insert id: %w", err)
		}
		e.edge.ID = id
		e.isNew = false
	} else if e.dirty {
		args = append(args, e.edge.ID)
		if _, err := e.store.db.ExecContext(ctx, `
			UPDATE edges SET
				input_collection = ?, input_code = ?,
				output_collection = ?, output_code = ?, type = ?,
				amount = ?, uncertainty_type = ?, loc = ?, scale = ?,
				shape = ?, minimum = ?, maximum = ?, negative = ?,
				functional = ?, data = ?
			WHERE rowid = ?
		`, args...); err != nil {
			return fmt.Errorf("save edge %s -> %s: %w", e.edge.Source, e.edge.Target, err)
		}
	}

	e.dirty = false
	return e.store.setDirty(ctx, e.edge.Target.Collection)
}

// Delete removes the edge and marks its collection dirty.
func (e *EdgeView) Delete(ctx context.Context) error {
	if _, err := e.store.db.ExecContext(ctx,
		`DELETE FROM edges WHERE rowid = ?`, e.edge.ID); err != nil {
		return fmt.Errorf("delete edge %s -> %s: %w", e.edge.Source, e.edge.Target, err)
	}
	return e.store.setDirty(ctx, e.edge.Target.Collection)
}
