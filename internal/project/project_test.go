package project

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxkit/fluxdata/internal/graph"
	"github.com/fluxkit/fluxdata/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), nil)
	require.NoError(t, err)
	return m
}

func fp(v float64) *float64 { return &v }

func TestManager_DefaultCurrent(t *testing.T) {
	m := newTestManager(t)

	current, err := m.Current()
	require.NoError(t, err)
	assert.Equal(t, DefaultProject, current)
}

func TestManager_SetAndList(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Set("alpha"))
	require.NoError(t, m.Set("beta"))

	current, err := m.Current()
	require.NoError(t, err)
	assert.Equal(t, "beta", current)

	names, err := m.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, names)
}

func TestManager_DeleteActiveRefused(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Set("alpha"))

	err := m.Delete("alpha")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "active")
}

func TestManager_Delete(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Set("keep"))

	proj, err := m.Open("gone")
	require.NoError(t, err)
	proj.Close()

	require.NoError(t, m.Delete("gone"))

	names, err := m.List()
	require.NoError(t, err)
	assert.NotContains(t, names, "gone")

	_, err = os.Stat(filepath.Join(m.Root, "gone"))
	assert.True(t, os.IsNotExist(err))
}

func TestOpen_CreatesLayout(t *testing.T) {
	m := newTestManager(t)

	proj, err := m.Open("demo")
	require.NoError(t, err)
	defer proj.Close()

	assert.Equal(t, "demo", proj.Name)
	assert.FileExists(t, filepath.Join(proj.Dir, databaseFile))
	assert.DirExists(t, filepath.Join(proj.Dir, processedDir))

	// Opening registers the project.
	names, err := m.List()
	require.NoError(t, err)
	assert.Contains(t, names, "demo")
}

func TestProjects_Independent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	a, err := m.Open("a")
	require.NoError(t, err)
	defer a.Close()
	b, err := m.Open("b")
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Store.Register(ctx, "db"))
	data := graph.Dataset{
		{Collection: "db", Code: "n1"}: {Type: graph.NodeProcess},
	}
	require.NoError(t, a.Store.Write(ctx, "db", data, store.WriteOptions{SkipCompile: true}))

	// Project b sees none of it; its mappers are independent too.
	registered, err := b.Store.IsRegistered(ctx, "db")
	require.NoError(t, err)
	assert.False(t, registered)

	ok, err := b.Store.Mapper().Contains(ctx, graph.Key{Collection: "db", Code: "n1"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOpen_WiresCompiler(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	proj, err := m.Open("demo")
	require.NoError(t, err)
	defer proj.Close()

	require.NoError(t, proj.Store.Register(ctx, "db"))
	data := graph.Dataset{
		{Collection: "db", Code: "n1"}: {
			Type: graph.NodeProcess,
			Edges: []graph.EdgeRecord{
				{Input: &graph.Key{Collection: "db", Code: "n1"}, Amount: fp(1), Type: graph.TypeProduction},
			},
		},
	}

	// A full write runs the compile hook, so the collection comes out
	// clean with a persisted version.
	require.NoError(t, proj.Store.Write(ctx, "db", data, store.WriteOptions{}))

	info, err := proj.Store.Info(ctx, "db")
	require.NoError(t, err)
	assert.False(t, info.Dirty)
	assert.Equal(t, 1, info.Version)

	edges, geo, meta, err := proj.Processor.Artifacts.Load("db", 1)
	require.NoError(t, err)
	assert.Len(t, edges, 1)
	assert.Len(t, geo, 1)
	assert.Equal(t, "db", meta.Collection)
}

func TestOpenCurrent(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Set("picked"))

	proj, err := m.OpenCurrent()
	require.NoError(t, err)
	defer proj.Close()
	assert.Equal(t, "picked", proj.Name)
}

func TestProject_ReopenKeepsState(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	proj, err := m.Open("demo")
	require.NoError(t, err)
	require.NoError(t, proj.Store.Register(ctx, "db"))
	proj.Close()

	again, err := m.Open("demo")
	require.NoError(t, err)
	defer again.Close()

	registered, err := again.Store.IsRegistered(ctx, "db")
	require.NoError(t, err)
	assert.True(t, registered)
}
