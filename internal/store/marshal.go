package store

import (
	"database/sql"
	"fmt"
	"math"

	"github.com/fluxkit/fluxdata/internal/graph"
)

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const nodeColumns = `id, collection, code, type, location, name, unit, product, data`

func scanNode(sc rowScanner) (*graph.Node, error) {
	var (
		n    graph.Node
		data string
	)
	err := sc.Scan(&n.ID, &n.Collection, &n.Code, &n.Type, &n.Location,
		&n.Name, &n.Unit, &n.Product, &data)
	if err != nil {
		return nil, err
	}
	n.Payload, err = graph.DecodePayload([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", n.Key(), err)
	}
	return &n, nil
}

const edgeColumns = `rowid, input_collection, input_code, output_collection, output_code,
	type, amount, uncertainty_type, loc, scale, shape, minimum, maximum,
	negative, functional, data`

func scanEdge(sc rowScanner) (*graph.Edge, error) {
	var (
		e                              graph.Edge
		loc, scale, shape, minim, maxm sql.NullFloat64
		negative, functional           int
		utype                          int64
		data                           string
	)
	err := sc.Scan(&e.ID, &e.Source.Collection, &e.Source.Code,
		&e.Target.Collection, &e.Target.Code, &e.Type, &e.Amount, &utype,
		&loc, &scale, &shape, &minim, &maxm, &negative, &functional, &data)
	if err != nil {
		return nil, err
	}
	e.Uncertainty.Type = uint8(utype)
	e.Uncertainty.Loc = nullableFloat(loc)
	e.Uncertainty.Scale = nullableFloat(scale)
	e.Uncertainty.Shape = nullableFloat(shape)
	e.Uncertainty.Minimum = nullableFloat(minim)
	e.Uncertainty.Maximum = nullableFloat(maxm)
	e.Uncertainty.Negative = negative != 0
	e.Functional = functional != 0
	e.Payload, err = graph.DecodePayload([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("edge %s -> %s: %w", e.Source, e.Target, err)
	}
	return &e, nil
}

func nullableFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func floatOrNull(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

// nodeArgs flattens a node into insert arguments matching nodeColumns.
func nodeArgs(n *graph.Node) ([]any, error) {
	payload, err := graph.CanonicalPayload(n.Payload)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", n.Key(), err)
	}
	return []any{
		n.ID, n.Collection, n.Code, n.Type, n.Location,
		n.Name, n.Unit, n.Product, string(payload),
	}, nil
}

// edgeArgs flattens an edge into insert arguments (without rowid).
func edgeArgs(e *graph.Edge) ([]any, error) {
	if math.IsNaN(e.Amount) || math.IsInf(e.Amount, 0) {
		return nil, &graph.InvalidExchangeError{
			Output: e.Target,
			Reason: fmt.Sprintf("non-finite amount %v", e.Amount),
		}
	}
	payload, err := graph.CanonicalPayload(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("edge %s -> %s: %w", e.Source, e.Target, err)
	}
	return []any{
		e.Source.Collection, e.Source.Code,
		e.Target.Collection, e.Target.Code,
		e.Type, e.Amount, int64(e.Uncertainty.Type),
		floatOrNull(e.Uncertainty.Loc),
		floatOrNull(e.Uncertainty.Scale),
		floatOrNull(e.Uncertainty.Shape),
		floatOrNull(e.Uncertainty.Minimum),
		floatOrNull(e.Uncertainty.Maximum),
		boolInt(e.Uncertainty.Negative),
		boolInt(e.Functional),
		string(payload),
	}, nil
}

const edgeInsertSQL = `
	INSERT INTO edges
	(input_collection, input_code, output_collection, output_code, type,
	 amount, uncertainty_type, loc, scale, shape, minimum, maximum,
	 negative, functional, data)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

const nodeInsertSQL = `
	INSERT INTO nodes
	(id, collection, code, type, location, name, unit, product, data)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
