package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// SQLite allows at most 999 bound variables per statement, so batch sizes
// are derived from the column count of each insert.
const (
	maxSQLVariables = 999
	nodeInsertCols  = 9
	edgeInsertCols  = 15

	// bulkIndexThreshold is the record count above which a bulk load drops
	// secondary indices before inserting. Purely a performance choice.
	bulkIndexThreshold = 100
)

// BulkLoadSession scopes a bulk replacement of one collection's rows.
// When the payload is large it drops the key and endpoint indices before
// inserting and guarantees their restoration on every exit path, error
// paths included. Close must always be called.
type BulkLoadSession struct {
	store        *Store
	tx           *sql.Tx
	dropped      bool
	committed    bool
	nodeBuf      [][]any
	edgeBuf      [][]any
	nodeBatchMax int
	edgeBatchMax int
}

// beginBulkLoad starts a bulk session with its own transaction.
func (s *Store) beginBulkLoad(ctx context.Context, records int) (*BulkLoadSession, error) {
	session := &BulkLoadSession{
		store:        s,
		nodeBatchMax: maxSQLVariables / nodeInsertCols,
		edgeBatchMax: maxSQLVariables / edgeInsertCols,
	}

	if records >= bulkIndexThreshold {
		if err := s.dropBulkIndices(ctx); err != nil {
			return nil, err
		}
		session.dropped = true
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		if session.dropped {
			session.restoreIndices(ctx)
		}
		return nil, fmt.Errorf("bulk load: begin tx: %w", err)
	}
	session.tx = tx
	return session, nil
}

// Tx exposes the session transaction for row deletion and metadata writes
// that must share the bulk scope.
func (b *BulkLoadSession) Tx() *sql.Tx { return b.tx }

// AddNode buffers one node row, flushing when the batch is full.
func (b *BulkLoadSession) AddNode(ctx context.Context, args []any) error {
	b.nodeBuf = append(b.nodeBuf, args)
	if len(b.nodeBuf) >= b.nodeBatchMax {
		return b.flushNodes(ctx)
	}
	return nil
}

// AddEdge buffers one edge row, flushing when the batch is full.
func (b *BulkLoadSession) AddEdge(ctx context.Context, args []any) error {
	b.edgeBuf = append(b.edgeBuf, args)
	if len(b.edgeBuf) >= b.edgeBatchMax {
		return b.flushEdges(ctx)
	}
	return nil
}

func (b *BulkLoadSession) flushNodes(ctx context.Context) error {
	if len(b.nodeBuf) == 0 {
		return nil
	}
	query, args := multiInsert(
		`INSERT INTO nodes (id, collection, code, type, location, name, unit, product, data)`,
		nodeInsertCols, b.nodeBuf)
	if _, err := b.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("bulk insert nodes: %w", err)
	}
	b.nodeBuf = b.nodeBuf[:0]
	return nil
}

func (b *BulkLoadSession) flushEdges(ctx context.Context) error {
	if len(b.edgeBuf) == 0 {
		return nil
	}
	query, args := multiInsert(
		`INSERT INTO edges
		(input_collection, input_code, output_collection, output_code, type,
		 amount, uncertainty_type, loc, scale, shape, minimum, maximum,
		 negative, functional, data)`,
		edgeInsertCols, b.edgeBuf)
	if _, err := b.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("bulk insert edges: %w", err)
	}
	b.edgeBuf = b.edgeBuf[:0]
	return nil
}

// Commit flushes remaining buffers and commits the transaction. Indices
// are restored before Commit returns.
func (b *BulkLoadSession) Commit(ctx context.Context) error {
	if err := b.flushNodes(ctx); err != nil {
		return err
	}
	if err := b.flushEdges(ctx); err != nil {
		return err
	}
	if err := b.tx.Commit(); err != nil {
		return fmt.Errorf("bulk load: commit: %w", err)
	}
	b.committed = true
	if b.dropped {
		if err := b.store.addBulkIndices(ctx); err != nil {
			return err
		}
		b.dropped = false
	}
	return nil
}

// Close rolls back an uncommitted transaction and restores any dropped
// indices. Safe to defer unconditionally.
func (b *BulkLoadSession) Close(ctx context.Context) {
	if !b.committed {
		b.tx.Rollback()
	}
	if b.dropped {
		b.restoreIndices(ctx)
	}
}

func (b *BulkLoadSession) restoreIndices(ctx context.Context) {
	if err := b.store.addBulkIndices(ctx); err != nil {
		// Index restoration failing after a rollback leaves a slower but
		// correct database; surface it loudly and move on.
		b.store.log.Error("failed to restore bulk-load indices: " + err.Error())
		return
	}
	b.dropped = false
}

func (s *Store) dropBulkIndices(ctx context.Context) error {
	stmts := []string{
		`DROP INDEX IF EXISTS nodes_key`,
		`DROP INDEX IF EXISTS edges_input`,
		`DROP INDEX IF EXISTS edges_output`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("drop indices: %w", err)
		}
	}
	return nil
}

func (s *Store) addBulkIndices(ctx context.Context) error {
	stmts := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS nodes_key ON nodes (collection, code)`,
		`CREATE INDEX IF NOT EXISTS edges_input ON edges (input_collection, input_code)`,
		`CREATE INDEX IF NOT EXISTS edges_output ON edges (output_collection, output_code)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("recreate indices: %w", err)
		}
	}
	return nil
}

// multiInsert builds a multi-row VALUES statement for the given buffered
// rows. cols is the number of columns per row.
func multiInsert(head string, cols int, rows [][]any) (string, []any) {
	placeholder := "(?" + strings.Repeat(", ?", cols-1) + ")"
	var sb strings.Builder
	sb.WriteString(head)
	sb.WriteString(" VALUES ")
	args := make([]any, 0, len(rows)*cols)
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(placeholder)
		args = append(args, row...)
	}
	return sb.String(), args
}
