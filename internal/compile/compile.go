package compile

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fluxkit/fluxdata/internal/graph"
	"github.com/fluxkit/fluxdata/internal/store"
)

// Metadata accompanies one persisted pair of arrays.
type Metadata struct {
	Collection string   `yaml:"collection"`
	Version    int      `yaml:"version"`
	EdgeCount  int      `yaml:"edge_count"`
	GeoCount   int      `yaml:"geo_count"`
	Depends    []string `yaml:"depends"`
	Processed  string   `yaml:"processed"`
}

// ArtifactStore is the external collaborator owning the on-disk container
// format for compiled arrays, versioned by collection name.
type ArtifactStore interface {
	Persist(name string, version int, edges []EdgeRecord, geo []GeoRecord, meta Metadata) error
	Load(name string, version int) ([]EdgeRecord, []GeoRecord, Metadata, error)
}

// Processor compiles collections. It runs synchronously and blocks the
// caller; there is no cancellation beyond the context on database calls.
type Processor struct {
	Store     *store.Store
	Artifacts ArtifactStore
	Log       *zap.Logger
}

// NewProcessor builds a Processor; a nil logger becomes a no-op one.
func NewProcessor(s *store.Store, artifacts ArtifactStore, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{Store: s, Artifacts: artifacts, Log: log}
}

// Implicit-production predicate: an untyped node still gets a synthetic
// self-production row, matching how untyped datasets have always been
// treated. The geo array is stricter and covers explicit processes only.
const processOrUntypedClause = `type IN ('process', '')`

// Process compiles one collection into its edge and geo arrays, persists
// them through the artifact store, and updates collection metadata
// (sorted dependencies, dirty cleared, processed timestamp, version
// bumped). On any failure nothing is persisted and the collection stays
// dirty.
func (p *Processor) Process(ctx context.Context, name string) ([]EdgeRecord, []GeoRecord, error) {
	db := p.Store.DB()

	info, err := p.Store.Info(ctx, name)
	if err != nil {
		return nil, nil, err
	}

	// Bulk-load the collection's mapper entries up front. The store runs on
	// one connection, so id lookups must never nest inside an open cursor.
	ids, err := p.Store.Mapper().IDs(ctx, name)
	if err != nil {
		return nil, nil, err
	}

	geo, err := p.geoArray(ctx, name, ids)
	if err != nil {
		return nil, nil, err
	}

	missing, err := p.missingProduction(ctx, name, ids)
	if err != nil {
		return nil, nil, err
	}

	edges, depends, err := p.edgeArray(ctx, name, ids)
	if err != nil {
		return nil, nil, err
	}

	// One synthetic self-production row per process without an explicit
	// production exchange.
	for _, id := range missing {
		edges = append(edges, EdgeRecord{
			Row:     id,
			Col:     id,
			Type:    productionCode(),
			Amount:  1,
			Loc:     1,
			Scale:   math.NaN(),
			Shape:   math.NaN(),
			Minimum: math.NaN(),
			Maximum: math.NaN(),
		})
	}

	SortEdges(edges)
	SortGeo(geo)

	version := info.Version + 1
	processed := time.Now().UTC().Format(time.RFC3339Nano)
	meta := Metadata{
		Collection: name,
		Version:    version,
		EdgeCount:  len(edges),
		GeoCount:   len(geo),
		Depends:    depends,
		Processed:  processed,
	}

	// Persist first: a failed persist must leave the previous artifact and
	// the dirty flag untouched.
	if err := p.Artifacts.Persist(name, version, edges, geo, meta); err != nil {
		return nil, nil, fmt.Errorf("persist arrays for %q: %w", name, err)
	}

	dependsJSON, err := json.Marshal(depends)
	if err != nil {
		return nil, nil, fmt.Errorf("encode depends for %q: %w", name, err)
	}
	if _, err := db.ExecContext(ctx, `
		UPDATE collections
		SET depends = ?, dirty = 0, processed_at = ?, version = ?
		WHERE name = ?
	`, string(dependsJSON), processed, version, name); err != nil {
		return nil, nil, fmt.Errorf("update metadata for %q: %w", name, err)
	}

	p.Log.Info("compiled collection",
		zap.String("collection", name),
		zap.Int("version", version),
		zap.Int("edges", len(edges)),
		zap.Int("geo", len(geo)))

	return edges, geo, nil
}

// geoArray builds one record per node typed process, defaulting unknown
// or unset locations to the reserved global location.
func (p *Processor) geoArray(ctx context.Context, name string, ids map[graph.Key]int64) ([]GeoRecord, error) {
	db := p.Store.DB()

	locations, err := p.Store.Locations().IDs(ctx, "")
	if err != nil {
		return nil, err
	}
	globalID, ok := locations[graph.Key{Code: graph.GlobalLocation}]
	if !ok {
		return nil, &graph.UnknownObjectError{Key: graph.Key{Code: graph.GlobalLocation}, What: "mapper entry"}
	}

	rows, err := db.QueryContext(ctx, `
		SELECT code, location FROM nodes
		WHERE collection = ? AND type = 'process'
		ORDER BY code
	`, name)
	if err != nil {
		return nil, fmt.Errorf("geo scan of %q: %w", name, err)
	}
	defer rows.Close()

	records := []GeoRecord{}
	for rows.Next() {
		var code, location string
		if err := rows.Scan(&code, &location); err != nil {
			return nil, fmt.Errorf("geo scan of %q: %w", name, err)
		}

		key := graph.Key{Collection: name, Code: code}
		activityID, ok := ids[key]
		if !ok {
			return nil, &graph.UnknownObjectError{Key: key, What: "mapper entry"}
		}

		// Unregistered locations degrade to global.
		locationID := globalID
		if location != "" {
			if id, ok := locations[graph.Key{Code: location}]; ok {
				locationID = id
			}
		}

		records = append(records, GeoRecord{
			Activity: uint32(activityID),
			Location: uint32(locationID),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("geo scan of %q: %w", name, err)
	}
	return records, nil
}

// missingProduction returns the mapper ids of process nodes with no
// production edge targeting them, as an explicit set difference computed
// before the edge stream.
func (p *Processor) missingProduction(ctx context.Context, name string, ids map[graph.Key]int64) ([]uint32, error) {
	db := p.Store.DB()

	rows, err := db.QueryContext(ctx, `
		SELECT code FROM nodes
		WHERE collection = ? AND `+processOrUntypedClause+`
		AND code NOT IN (
			SELECT output_code FROM edges
			WHERE output_collection = ? AND type = ?
		)
		ORDER BY code
	`, name, name, graph.TypeProduction)
	if err != nil {
		return nil, fmt.Errorf("missing production scan of %q: %w", name, err)
	}
	defer rows.Close()

	var missing []uint32
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("missing production scan of %q: %w", name, err)
		}
		key := graph.Key{Collection: name, Code: code}
		id, ok := ids[key]
		if !ok {
			return nil, &graph.UnknownObjectError{Key: key, What: "mapper entry"}
		}
		missing = append(missing, uint32(id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("missing production scan of %q: %w", name, err)
	}
	return missing, nil
}

// scannedEdge is one edge row pulled off the cursor before id resolution.
type scannedEdge struct {
	input, output                  graph.Key
	edgeType                       string
	amount                         float64
	utype                          int64
	loc, scale, shape, minim, maxm sql.NullFloat64
}

// edgeArray reads every edge of the collection in key order and builds
// the compiled records, collecting the set of source collections as
// dependencies. The cursor is drained and closed before any mapper ids
// are resolved; dependency collections are bulk-loaded afterwards.
func (p *Processor) edgeArray(ctx context.Context, name string, ids map[graph.Key]int64) ([]EdgeRecord, []string, error) {
	db := p.Store.DB()

	rows, err := db.QueryContext(ctx, `
		SELECT input_collection, input_code, output_collection, output_code,
		       type, amount, uncertainty_type, loc, scale, shape, minimum, maximum
		FROM edges
		WHERE output_collection = ?
		ORDER BY input_collection, input_code, output_collection, output_code
	`, name)
	if err != nil {
		return nil, nil, fmt.Errorf("edge scan of %q: %w", name, err)
	}
	defer rows.Close()

	var scanned []scannedEdge
	dependsSet := map[string]bool{}

	for rows.Next() {
		var e scannedEdge
		if err := rows.Scan(&e.input.Collection, &e.input.Code,
			&e.output.Collection, &e.output.Code, &e.edgeType, &e.amount, &e.utype,
			&e.loc, &e.scale, &e.shape, &e.minim, &e.maxm); err != nil {
			return nil, nil, fmt.Errorf("edge scan of %q: %w", name, err)
		}

		if e.edgeType == "" {
			return nil, nil, &graph.UntypedExchangeError{Output: e.output}
		}
		if e.input.IsZero() {
			return nil, nil, &graph.InvalidExchangeError{Output: e.output, Reason: "missing input"}
		}
		if math.IsNaN(e.amount) || math.IsInf(e.amount, 0) {
			return nil, nil, &graph.InvalidExchangeError{
				Output: e.output,
				Reason: fmt.Sprintf("non-finite amount %v", e.amount),
			}
		}

		scanned = append(scanned, e)
		if e.input.Collection != name {
			dependsSet[e.input.Collection] = true
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("edge scan of %q: %w", name, err)
	}
	rows.Close()

	for dep := range dependsSet {
		more, err := p.Store.Mapper().IDs(ctx, dep)
		if err != nil {
			return nil, nil, err
		}
		for key, id := range more {
			ids[key] = id
		}
	}

	records := make([]EdgeRecord, 0, len(scanned))
	for _, e := range scanned {
		row, ok := ids[e.input]
		if !ok {
			return nil, nil, &graph.UnknownObjectError{Source: e.input, Target: e.output}
		}
		col, ok := ids[e.output]
		if !ok {
			return nil, nil, &graph.UnknownObjectError{Source: e.input, Target: e.output}
		}

		code, ok := graph.TypeCode(e.edgeType)
		if !ok {
			code, _ = graph.TypeCode(graph.TypeUnknown)
		}

		rec := EdgeRecord{
			Row:         uint32(row),
			Col:         uint32(col),
			Type:        code,
			Uncertainty: uint8(e.utype),
			Amount:      e.amount,
			Loc:         pointOrNaN(e.loc),
			Scale:       pointOrNaN(e.scale),
			Shape:       pointOrNaN(e.shape),
			Minimum:     pointOrNaN(e.minim),
			Maximum:     pointOrNaN(e.maxm),
			Negative:    e.amount < 0,
		}
		// Point-value uncertainty (undefined or none) collapses loc onto
		// the amount so sampling degenerates to the exact value.
		if e.utype == 0 || e.utype == 1 {
			rec.Loc = e.amount
		}
		records = append(records, rec)
	}

	depends := make([]string, 0, len(dependsSet))
	for dep := range dependsSet {
		depends = append(depends, dep)
	}
	sort.Strings(depends)
	return records, depends, nil
}

func pointOrNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

func productionCode() int8 {
	code, _ := graph.TypeCode(graph.TypeProduction)
	return code
}
