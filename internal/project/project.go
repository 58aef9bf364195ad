// Package project scopes graph state to named projects. Each project owns
// an independent store (and therefore independent mappers) under its own
// directory; switching projects opens a different handle rather than
// mutating anything shared, so ids and collections never bleed across
// projects.
package project

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fluxkit/fluxdata/internal/artifact"
	"github.com/fluxkit/fluxdata/internal/compile"
	"github.com/fluxkit/fluxdata/internal/store"
)

const (
	registryFile = "projects.yaml"
	databaseFile = "graph.db"
	processedDir = "processed"

	// DefaultProject is used when no project was ever selected.
	DefaultProject = "default"
)

// registry is the on-disk project list.
type registry struct {
	Current  string   `yaml:"current"`
	Projects []string `yaml:"projects"`
}

// Manager tracks the projects under one writable root directory.
type Manager struct {
	Root string
	Log  *zap.Logger
}

// NewManager creates the root directory if needed. A nil logger becomes a
// no-op one.
func NewManager(root string, log *zap.Logger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create project root: %w", err)
	}
	return &Manager{Root: root, Log: log}, nil
}

func (m *Manager) registryPath() string {
	return filepath.Join(m.Root, registryFile)
}

func (m *Manager) readRegistry() (registry, error) {
	var reg registry
	data, err := os.ReadFile(m.registryPath())
	if os.IsNotExist(err) {
		return registry{Current: DefaultProject}, nil
	}
	if err != nil {
		return reg, fmt.Errorf("read project registry: %w", err)
	}
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return reg, fmt.Errorf("decode project registry: %w", err)
	}
	if reg.Current == "" {
		reg.Current = DefaultProject
	}
	return reg, nil
}

func (m *Manager) writeRegistry(reg registry) error {
	sort.Strings(reg.Projects)
	data, err := yaml.Marshal(reg)
	if err != nil {
		return fmt.Errorf("encode project registry: %w", err)
	}
	if err := os.WriteFile(m.registryPath(), data, 0o644); err != nil {
		return fmt.Errorf("write project registry: %w", err)
	}
	return nil
}

// Current returns the active project name.
func (m *Manager) Current() (string, error) {
	reg, err := m.readRegistry()
	if err != nil {
		return "", err
	}
	return reg.Current, nil
}

// Set makes a project the active one, registering it if new.
func (m *Manager) Set(name string) error {
	reg, err := m.readRegistry()
	if err != nil {
		return err
	}
	reg.Current = name
	if !contains(reg.Projects, name) {
		reg.Projects = append(reg.Projects, name)
	}
	return m.writeRegistry(reg)
}

// List returns all registered project names, sorted.
func (m *Manager) List() ([]string, error) {
	reg, err := m.readRegistry()
	if err != nil {
		return nil, err
	}
	return reg.Projects, nil
}

// Delete removes a project's directory and registry entry. The active
// project cannot be deleted.
func (m *Manager) Delete(name string) error {
	reg, err := m.readRegistry()
	if err != nil {
		return err
	}
	if reg.Current == name {
		return fmt.Errorf("cannot delete the active project %q", name)
	}
	if err := os.RemoveAll(filepath.Join(m.Root, name)); err != nil {
		return fmt.Errorf("delete project %q: %w", name, err)
	}
	var kept []string
	for _, p := range reg.Projects {
		if p != name {
			kept = append(kept, p)
		}
	}
	reg.Projects = kept
	return m.writeRegistry(reg)
}

// Project is one opened project: a store wired to its artifact directory
// and compiler. Close it when done.
type Project struct {
	Name      string
	Dir       string
	Store     *store.Store
	Processor *compile.Processor
}

// Open opens (creating if necessary) a project and wires the store's
// compile hook to a processor writing into the project's processed
// directory. Each call returns an independent instance.
func (m *Manager) Open(name string, opts ...store.Option) (*Project, error) {
	dir := filepath.Join(m.Root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create project dir: %w", err)
	}

	s, err := store.Open(filepath.Join(dir, databaseFile), opts...)
	if err != nil {
		return nil, fmt.Errorf("open project %q: %w", name, err)
	}

	artifacts, err := artifact.NewFSStore(filepath.Join(dir, processedDir))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open project %q: %w", name, err)
	}

	processor := compile.NewProcessor(s, artifacts, m.Log)
	s.SetCompiler(func(ctx context.Context, collection string) error {
		_, _, err := processor.Process(ctx, collection)
		return err
	})

	reg, err := m.readRegistry()
	if err != nil {
		s.Close()
		return nil, err
	}
	if !contains(reg.Projects, name) {
		reg.Projects = append(reg.Projects, name)
		if err := m.writeRegistry(reg); err != nil {
			s.Close()
			return nil, err
		}
	}

	return &Project{Name: name, Dir: dir, Store: s, Processor: processor}, nil
}

// OpenCurrent opens the active project.
func (m *Manager) OpenCurrent(opts ...store.Option) (*Project, error) {
	current, err := m.Current()
	if err != nil {
		return nil, err
	}
	return m.Open(current, opts...)
}

// Close releases the project's store.
func (p *Project) Close() error {
	return p.Store.Close()
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
