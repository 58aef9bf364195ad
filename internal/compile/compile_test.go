package compile

import (
	"bytes"
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxkit/fluxdata/internal/graph"
	"github.com/fluxkit/fluxdata/internal/store"
)

// memArtifacts keeps persisted arrays in memory, optionally failing to
// exercise the persist-first contract.
type memArtifacts struct {
	edges   map[int][]EdgeRecord
	geo     map[int][]GeoRecord
	meta    map[int]Metadata
	failErr error
}

func newMemArtifacts() *memArtifacts {
	return &memArtifacts{
		edges: map[int][]EdgeRecord{},
		geo:   map[int][]GeoRecord{},
		meta:  map[int]Metadata{},
	}
}

func (m *memArtifacts) Persist(name string, version int, edges []EdgeRecord, geo []GeoRecord, meta Metadata) error {
	if m.failErr != nil {
		return m.failErr
	}
	m.edges[version] = edges
	m.geo[version] = geo
	m.meta[version] = meta
	return nil
}

func (m *memArtifacts) Load(name string, version int) ([]EdgeRecord, []GeoRecord, Metadata, error) {
	meta, ok := m.meta[version]
	if !ok {
		return nil, nil, Metadata{}, errors.New("no such version")
	}
	return m.edges[version], m.geo[version], meta, nil
}

func fp(v float64) *float64 { return &v }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// seedTwoNode builds the canonical fixture: a biosphere collection with one
// emission and an inventory collection where a1 produces itself, consumes
// a2, and emits co2, while a2 has no exchanges at all.
//
// Mapper ids are deterministic: co2=1, a1=2, a2=3 in the activity
// namespace; GLO=1, DE=2 in the geo namespace.
func seedTwoNode(t *testing.T, s *store.Store) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, s.Register(ctx, "bio"))
	require.NoError(t, s.Register(ctx, "db"))

	bio := graph.Dataset{
		{Collection: "bio", Code: "co2"}: {Type: graph.NodeEmission, Name: "Carbon dioxide"},
	}
	require.NoError(t, s.Write(ctx, "bio", bio, store.WriteOptions{SkipCompile: true}))

	db := graph.Dataset{
		{Collection: "db", Code: "a1"}: {
			Type:     graph.NodeProcess,
			Location: "DE",
			Edges: []graph.EdgeRecord{
				{Input: &graph.Key{Collection: "db", Code: "a1"}, Amount: fp(1), Type: graph.TypeProduction},
				{Input: &graph.Key{Collection: "db", Code: "a2"}, Amount: fp(2), Type: graph.TypeTechnosphere},
				{Input: &graph.Key{Collection: "bio", Code: "co2"}, Amount: fp(0.5), Type: graph.TypeBiosphere},
			},
		},
		{Collection: "db", Code: "a2"}: {Type: graph.NodeProcess},
	}
	require.NoError(t, s.Write(ctx, "db", db, store.WriteOptions{SkipCompile: true}))
}

func TestProcess_TwoNodeExample(t *testing.T) {
	s := newTestStore(t)
	seedTwoNode(t, s)
	artifacts := newMemArtifacts()
	p := NewProcessor(s, artifacts, nil)
	ctx := context.Background()

	edges, geo, err := p.Process(ctx, "db")
	require.NoError(t, err)

	// Three explicit edges plus one synthetic production row for a2.
	require.Len(t, edges, 4)

	assert.Equal(t, uint32(1), edges[0].Row, "biosphere input first")
	assert.Equal(t, uint32(2), edges[0].Col)
	assert.Equal(t, int8(2), edges[0].Type)
	assert.Equal(t, 0.5, edges[0].Amount)

	assert.Equal(t, uint32(2), edges[1].Row, "a1 self-production")
	assert.Equal(t, uint32(2), edges[1].Col)
	assert.Equal(t, int8(0), edges[1].Type)

	assert.Equal(t, uint32(3), edges[2].Row, "a2 consumed by a1")
	assert.Equal(t, uint32(2), edges[2].Col)
	assert.Equal(t, int8(1), edges[2].Type)
	assert.Equal(t, 2.0, edges[2].Amount)

	assert.Equal(t, uint32(3), edges[3].Row, "synthetic production for a2")
	assert.Equal(t, uint32(3), edges[3].Col)
	assert.Equal(t, int8(0), edges[3].Type)
	assert.Equal(t, 1.0, edges[3].Amount)
	assert.Equal(t, 1.0, edges[3].Loc)
	assert.True(t, math.IsNaN(edges[3].Scale))

	// a1 sits in DE, a2 defaults to the global location.
	require.Len(t, geo, 2)
	assert.Equal(t, GeoRecord{Activity: 2, Location: 2}, geo[0])
	assert.Equal(t, GeoRecord{Activity: 3, Location: 1}, geo[1])

	info, err := s.Info(ctx, "db")
	require.NoError(t, err)
	assert.False(t, info.Dirty)
	assert.Equal(t, 1, info.Version)
	assert.Equal(t, []string{"bio"}, info.Depends)
	assert.NotEmpty(t, info.Processed)

	meta := artifacts.meta[1]
	assert.Equal(t, "db", meta.Collection)
	assert.Equal(t, 4, meta.EdgeCount)
	assert.Equal(t, 2, meta.GeoCount)
	assert.Equal(t, []string{"bio"}, meta.Depends)
}

func TestProcess_Deterministic(t *testing.T) {
	s := newTestStore(t)
	seedTwoNode(t, s)
	p := NewProcessor(s, newMemArtifacts(), nil)
	ctx := context.Background()

	var first, second bytes.Buffer
	edges1, geo1, err := p.Process(ctx, "db")
	require.NoError(t, err)
	require.NoError(t, EncodeEdges(&first, edges1))
	require.NoError(t, EncodeGeo(&first, geo1))

	edges2, geo2, err := p.Process(ctx, "db")
	require.NoError(t, err)
	require.NoError(t, EncodeEdges(&second, edges2))
	require.NoError(t, EncodeGeo(&second, geo2))

	assert.Equal(t, first.Bytes(), second.Bytes())
}

func TestProcess_PointUncertaintyLoc(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Register(ctx, "db"))

	data := graph.Dataset{
		{Collection: "db", Code: "a1"}: {
			Type: graph.NodeProcess,
			Edges: []graph.EdgeRecord{
				{
					Input:  &graph.Key{Collection: "db", Code: "a1"},
					Amount: fp(-3),
					Type:   graph.TypeProduction,
				},
				{
					Input:       &graph.Key{Collection: "db", Code: "a1"},
					Amount:      fp(4),
					Type:        graph.TypeTechnosphere,
					Uncertainty: graph.Uncertainty{Type: 2, Loc: fp(0.9), Scale: fp(0.1)},
				},
			},
		},
	}
	require.NoError(t, s.Write(ctx, "db", data, store.WriteOptions{SkipCompile: true}))

	edges, _, err := NewProcessor(s, newMemArtifacts(), nil).Process(ctx, "db")
	require.NoError(t, err)
	require.Len(t, edges, 2)

	// Point-value types collapse loc onto the amount; the sign flag follows
	// the amount.
	point := edges[0]
	assert.Equal(t, int8(0), point.Type)
	assert.Equal(t, -3.0, point.Amount)
	assert.Equal(t, -3.0, point.Loc)
	assert.True(t, point.Negative)

	dist := edges[1]
	assert.Equal(t, uint8(2), dist.Uncertainty)
	assert.Equal(t, 0.9, dist.Loc)
	assert.Equal(t, 0.1, dist.Scale)
	assert.False(t, dist.Negative)
}

func TestProcess_UnrecognizedEdgeType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Register(ctx, "db"))

	data := graph.Dataset{
		{Collection: "db", Code: "a1"}: {
			Type: graph.NodeProcess,
			Edges: []graph.EdgeRecord{
				{Input: &graph.Key{Collection: "db", Code: "a1"}, Amount: fp(1), Type: "annotation"},
			},
		},
	}
	require.NoError(t, s.Write(ctx, "db", data, store.WriteOptions{SkipCompile: true}))

	edges, _, err := NewProcessor(s, newMemArtifacts(), nil).Process(ctx, "db")
	require.NoError(t, err)

	// The free-form tag compiles to the unknown code; the synthetic
	// production row still appears since no production edge exists.
	require.Len(t, edges, 2)
	assert.Equal(t, int8(-1), edges[0].Type)
	assert.Equal(t, int8(0), edges[1].Type)
}

func TestProcess_DanglingReference(t *testing.T) {
	s := newTestStore(t)
	seedTwoNode(t, s)
	ctx := context.Background()

	data := graph.Dataset{
		{Collection: "db", Code: "a1"}: {
			Type: graph.NodeProcess,
			Edges: []graph.EdgeRecord{
				{Input: &graph.Key{Collection: "db", Code: "ghost"}, Amount: fp(1), Type: graph.TypeTechnosphere},
			},
		},
	}
	require.NoError(t, s.Write(ctx, "db", data, store.WriteOptions{SkipCompile: true}))

	artifacts := newMemArtifacts()
	_, _, err := NewProcessor(s, artifacts, nil).Process(ctx, "db")
	require.Error(t, err)
	assert.True(t, graph.IsUnknownObject(err))
	assert.Contains(t, err.Error(), "ghost")

	// Nothing persisted, collection still dirty.
	assert.Empty(t, artifacts.meta)
	info, err := s.Info(ctx, "db")
	require.NoError(t, err)
	assert.True(t, info.Dirty)
	assert.Equal(t, 0, info.Version)
}

func TestProcess_VersionIncrements(t *testing.T) {
	s := newTestStore(t)
	seedTwoNode(t, s)
	artifacts := newMemArtifacts()
	p := NewProcessor(s, artifacts, nil)
	ctx := context.Background()

	_, _, err := p.Process(ctx, "db")
	require.NoError(t, err)
	_, _, err = p.Process(ctx, "db")
	require.NoError(t, err)

	info, err := s.Info(ctx, "db")
	require.NoError(t, err)
	assert.Equal(t, 2, info.Version)

	// Both versions remain loadable.
	_, _, _, err = artifacts.Load("db", 1)
	assert.NoError(t, err)
	_, _, _, err = artifacts.Load("db", 2)
	assert.NoError(t, err)
}

func TestProcess_PersistFailureKeepsDirty(t *testing.T) {
	s := newTestStore(t)
	seedTwoNode(t, s)
	artifacts := newMemArtifacts()
	artifacts.failErr = errors.New("disk full")
	ctx := context.Background()

	_, _, err := NewProcessor(s, artifacts, nil).Process(ctx, "db")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	info, err := s.Info(ctx, "db")
	require.NoError(t, err)
	assert.True(t, info.Dirty)
	assert.Equal(t, 0, info.Version)
}

func TestProcess_UntypedNode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Register(ctx, "db"))

	// Nodes with no type tag still get implicit production, but the geo
	// array covers explicit processes only.
	data := graph.Dataset{
		{Collection: "db", Code: "a1"}: {},
		{Collection: "db", Code: "a2"}: {Type: graph.NodeProcess, Location: "DE"},
	}
	require.NoError(t, s.Write(ctx, "db", data, store.WriteOptions{SkipCompile: true}))

	edges, geo, err := NewProcessor(s, newMemArtifacts(), nil).Process(ctx, "db")
	require.NoError(t, err)

	require.Len(t, edges, 2)
	assert.Equal(t, edges[0].Row, edges[0].Col)
	assert.Equal(t, 1.0, edges[0].Amount)
	assert.Equal(t, edges[1].Row, edges[1].Col)

	require.Len(t, geo, 1, "only the typed process enters the geo array")
	assert.NotEqual(t, edges[0].Row, geo[0].Activity, "a1 is untyped")
	assert.Equal(t, edges[1].Row, geo[0].Activity)
}

func TestProcess_UnknownCollection(t *testing.T) {
	s := newTestStore(t)

	_, _, err := NewProcessor(s, newMemArtifacts(), nil).Process(context.Background(), "ghost")
	assert.True(t, graph.IsUnknownObject(err))
}
