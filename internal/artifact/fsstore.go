// Package artifact implements the filesystem artifact store for compiled
// arrays: fixed-width record files plus a yaml metadata sidecar, versioned
// by collection name. The container format lives entirely in this package;
// the compiler only sees the ArtifactStore interface.
package artifact

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/fluxkit/fluxdata/internal/compile"
)

// FSStore persists compiled arrays under one directory.
type FSStore struct {
	Dir string
}

// NewFSStore creates the directory if needed.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &FSStore{Dir: dir}, nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// safeName flattens a collection name into a filesystem-safe token.
func safeName(name string) string {
	return unsafeChars.ReplaceAllString(name, "_")
}

func (f *FSStore) paths(name string, version int) (edges, geo, meta string) {
	base := fmt.Sprintf("%s.%d", safeName(name), version)
	return filepath.Join(f.Dir, base+".edges.bin"),
		filepath.Join(f.Dir, base+".geo.bin"),
		filepath.Join(f.Dir, base+".metadata.yaml")
}

// Persist writes both arrays and the metadata sidecar. Each file lands via
// a temp file and rename, so a failed compile never clobbers the previous
// version (which has a different version number anyway) or leaves a
// half-written current one.
func (f *FSStore) Persist(name string, version int, edges []compile.EdgeRecord, geo []compile.GeoRecord, meta compile.Metadata) error {
	edgePath, geoPath, metaPath := f.paths(name, version)

	var buf bytes.Buffer
	if err := compile.EncodeEdges(&buf, edges); err != nil {
		return err
	}
	if err := writeAtomic(edgePath, buf.Bytes()); err != nil {
		return err
	}

	buf.Reset()
	if err := compile.EncodeGeo(&buf, geo); err != nil {
		return err
	}
	if err := writeAtomic(geoPath, buf.Bytes()); err != nil {
		return err
	}

	metaBytes, err := yaml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode metadata for %q: %w", name, err)
	}
	return writeAtomic(metaPath, metaBytes)
}

// Load reads back one persisted version.
func (f *FSStore) Load(name string, version int) ([]compile.EdgeRecord, []compile.GeoRecord, compile.Metadata, error) {
	edgePath, geoPath, metaPath := f.paths(name, version)
	var meta compile.Metadata

	edgeBytes, err := os.ReadFile(edgePath)
	if err != nil {
		return nil, nil, meta, fmt.Errorf("load edges for %q v%d: %w", name, version, err)
	}
	edges, err := compile.DecodeEdges(bytes.NewReader(edgeBytes))
	if err != nil {
		return nil, nil, meta, err
	}

	geoBytes, err := os.ReadFile(geoPath)
	if err != nil {
		return nil, nil, meta, fmt.Errorf("load geo for %q v%d: %w", name, version, err)
	}
	geo, err := compile.DecodeGeo(bytes.NewReader(geoBytes))
	if err != nil {
		return nil, nil, meta, err
	}

	metaBytes, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, nil, meta, fmt.Errorf("load metadata for %q v%d: %w", name, version, err)
	}
	if err := yaml.Unmarshal(metaBytes, &meta); err != nil {
		return nil, nil, meta, fmt.Errorf("decode metadata for %q v%d: %w", name, version, err)
	}

	return edges, geo, meta, nil
}

// writeAtomic writes data via a temp file and rename in the same
// directory.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
