package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/fluxkit/fluxdata/internal/graph"
)

// CopyActivities copies the named nodes and their edges into another
// collection, preserving codes.
//
// Process nodes pull their functional reference products along: for every
// production edge marked functional whose source is a product node, that
// product joins the copy set (one hop only - copied products are not
// scanned further). Edge endpoints pointing at copied nodes are rewritten
// to the target collection; everything else, shared biosphere data
// included, keeps pointing at its original collection.
//
// Returns every newly created node: the requested ones plus the
// auto-included products. A product reached from several processes is
// copied exactly once.
func (c *Collection) CopyActivities(ctx context.Context, codes []string, target string) ([]*graph.Node, error) {
	if target == c.name {
		return nil, graph.Validityf("copy: target collection %q is the source", target)
	}
	registered, err := c.store.IsRegistered(ctx, target)
	if err != nil {
		return nil, err
	}
	if !registered {
		return nil, graph.Validityf("copy: target collection %q is not registered", target)
	}

	// Build the copy set: requested nodes first.
	included := map[graph.Key]*graph.Node{}
	var order []graph.Key
	for _, code := range codes {
		node, err := c.Get(ctx, code)
		if err != nil {
			return nil, err
		}
		if node.Collection == target {
			return nil, graph.Validityf("copy: node %s already belongs to %q", node.Key(), target)
		}
		if _, ok := included[node.Key()]; !ok {
			included[node.Key()] = node
			order = append(order, node.Key())
		}
	}

	// One-hop functional closure: follow functional production edges from
	// process nodes to their product sources.
	for _, key := range append([]graph.Key{}, order...) {
		node := included[key]
		if node.Type != graph.NodeProcess {
			continue
		}
		edges, err := c.store.EdgesOf(key, graph.TypeProduction).All(ctx)
		if err != nil {
			return nil, err
		}
		for _, edge := range edges {
			if !edge.Functional {
				continue
			}
			if _, ok := included[edge.Source]; ok {
				continue
			}
			source, err := c.store.Collection(edge.Source.Collection).Get(ctx, edge.Source.Code)
			if err != nil {
				return nil, err
			}
			if source.Type != graph.NodeProduct {
				continue
			}
			included[edge.Source] = source
			order = append(order, edge.Source)
		}
	}

	// Copied nodes must not collide with existing target content.
	targetCol := c.store.Collection(target)
	for _, key := range order {
		exists, err := targetCol.Contains(ctx, key.Code)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, &graph.DuplicateNodeError{Key: graph.Key{Collection: target, Code: key.Code}}
		}
	}

	newKeys := make([]graph.Key, len(order))
	for i, key := range order {
		newKeys[i] = graph.Key{Collection: target, Code: key.Code}
	}
	if err := c.store.mapper.Add(ctx, newKeys); err != nil {
		return nil, fmt.Errorf("copy to %q: %w", target, err)
	}
	ids, err := c.store.collectionIDs(ctx, target)
	if err != nil {
		return nil, err
	}

	// Edge reads must finish before the transaction below takes the
	// store's only connection.
	edgesByKey := map[graph.Key][]*graph.Edge{}
	for _, key := range order {
		edges, err := c.store.EdgesOf(key).All(ctx)
		if err != nil {
			return nil, err
		}
		edgesByKey[key] = edges
	}

	tx, err := c.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("copy to %q: begin tx: %w", target, err)
	}
	defer tx.Rollback()

	var created []*graph.Node
	for _, key := range order {
		src := included[key]
		copied := &graph.Node{
			ID:         ids[graph.Key{Collection: target, Code: key.Code}],
			Collection: target,
			Code:       src.Code,
			Type:       src.Type,
			Location:   src.Location,
			Name:       src.Name,
			Unit:       src.Unit,
			Product:    src.Product,
			Payload:    deepCopyPayload(src.Payload),
		}
		args, err := nodeArgs(copied)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, nodeInsertSQL, args...); err != nil {
			return nil, fmt.Errorf("copy node %s: %w", copied.Key(), err)
		}
		created = append(created, copied)

		for _, edge := range edgesByKey[key] {
			rewritten := *edge
			rewritten.Payload = deepCopyPayload(edge.Payload)
			if _, ok := included[edge.Source]; ok {
				rewritten.Source = graph.Key{Collection: target, Code: edge.Source.Code}
			}
			if _, ok := included[edge.Target]; ok {
				rewritten.Target = graph.Key{Collection: target, Code: edge.Target.Code}
			}
			eargs, err := edgeArgs(&rewritten)
			if err != nil {
				return nil, err
			}
			if _, err := tx.ExecContext(ctx, edgeInsertSQL, eargs...); err != nil {
				return nil, fmt.Errorf("copy edge %s -> %s: %w", rewritten.Source, rewritten.Target, err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE collections SET dirty = 1, modified_at = ?,
		       record_count = record_count + ?
		WHERE name = ?
	`, nowISO(), len(created), target); err != nil {
		return nil, fmt.Errorf("copy to %q: metadata: %w", target, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("copy to %q: commit: %w", target, err)
	}

	sort.Slice(created, func(i, j int) bool { return created[i].Code < created[j].Code })
	return created, nil
}

// deepCopyPayload clones a payload map one level at a time so copied nodes
// never share mutable state with their originals.
func deepCopyPayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyPayload(val)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = deepCopyValue(elem)
		}
		return out
	default:
		return val
	}
}
