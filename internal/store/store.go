package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/fluxkit/fluxdata/internal/graph"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added UNIQUE index on mapper_entries (namespace, id)
const currentSchemaVersion = 1

// Store owns one project's graph state: collections, nodes, edges, and the
// two mapper namespaces. Uses SQLite with WAL mode for concurrent read
// access; SQLite's own locking is the only cross-process coordination.
type Store struct {
	db      *sql.DB
	log     *zap.Logger
	search  SearchIndex
	compile CompileFunc

	mapper    *Mapper
	locations *Mapper
}

// Option configures a Store at Open time.
type Option func(*Store)

// WithLogger sets the logger used for best-effort warnings. Defaults to a
// no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithSearch sets the external search index collaborator. Defaults to a
// no-op index. Search failures never roll back primary writes.
func WithSearch(idx SearchIndex) Option {
	return func(s *Store) { s.search = idx }
}

// Open creates or opens a SQLite database at the given path. Applies
// required pragmas and migrations, and seeds the reserved global location.
// Idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time; a single connection avoids
	// SQLITE_BUSY between our own goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{
		db:     db,
		log:    zap.NewNop(),
		search: NopSearch{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mapper = &Mapper{store: s, namespace: nsActivity}
	s.locations = &Mapper{store: s, namespace: nsGeo}

	// The global location is always mappable.
	if err := s.locations.AddLocations(context.Background(), []string{graph.GlobalLocation}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to seed global location: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries. Use with caution -
// prefer Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Mapper returns the identity mapper for natural keys.
func (s *Store) Mapper() *Mapper { return s.mapper }

// Locations returns the location mapper.
func (s *Store) Locations() *Mapper { return s.locations }

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// Idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
		version = 1
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds the UNIQUE (namespace, id) index for databases created
// before the schema carried it. New databases get it from schema.sql.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS mapper_id
		ON mapper_entries (namespace, id)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// Register creates a collection's metadata row. Registering an already
// registered collection is a no-op that preserves existing metadata.
func (s *Store) Register(ctx context.Context, name string, geocollections ...string) error {
	geo, err := json.Marshal(append([]string{}, geocollections...))
	if err != nil {
		return fmt.Errorf("register %q: %w", name, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO collections (name, modified_at, geocollections)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO NOTHING
	`, name, nowISO(), string(geo))
	if err != nil {
		return fmt.Errorf("register %q: %w", name, err)
	}
	return nil
}

// IsRegistered reports whether the named collection exists.
func (s *Store) IsRegistered(ctx context.Context, name string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM collections WHERE name = ?`, name).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check collection %q: %w", name, err)
	}
	return count > 0, nil
}

// Collections returns the names of all registered collections, sorted.
func (s *Store) Collections(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM collections ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan collection name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collections: %w", err)
	}
	return names, nil
}

// Info returns a collection's metadata row.
func (s *Store) Info(ctx context.Context, name string) (graph.CollectionInfo, error) {
	var (
		info             graph.CollectionInfo
		dirty, search    int
		depends, geocols string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT name, backend, dirty, searchable, modified_at, processed_at,
		       record_count, version, depends, geocollections
		FROM collections WHERE name = ?
	`, name).Scan(&info.Name, &info.Backend, &dirty, &search, &info.Modified,
		&info.Processed, &info.RecordCount, &info.Version, &depends, &geocols)
	if err == sql.ErrNoRows {
		return info, &graph.UnknownObjectError{Key: graph.Key{Collection: name}, What: "collection"}
	}
	if err != nil {
		return info, fmt.Errorf("read collection %q: %w", name, err)
	}
	info.Dirty = dirty != 0
	info.Searchable = search != 0
	if err := json.Unmarshal([]byte(depends), &info.Depends); err != nil {
		return info, fmt.Errorf("decode depends for %q: %w", name, err)
	}
	if err := json.Unmarshal([]byte(geocols), &info.Geocollections); err != nil {
		return info, fmt.Errorf("decode geocollections for %q: %w", name, err)
	}
	return info, nil
}

// setDirty marks a collection modified; used by every mutating path.
func (s *Store) setDirty(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE collections SET dirty = 1, modified_at = ? WHERE name = ?
	`, nowISO(), name)
	if err != nil {
		return fmt.Errorf("mark %q dirty: %w", name, err)
	}
	return nil
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
