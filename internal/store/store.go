// Package store persists all durable fabric-sync state in SQLite: repository
// profiles, fabrics, managed resource records, and the sync operation audit
// log. It is also the record mapper: manifests map into managed_resources
// rows with idempotent, content-hash-keyed upserts.
package store

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Store is the SQLite-backed state store. Safe for concurrent use; SQLite
// only supports one writer at a time so connections are capped at one.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the database at dbPath and initializes the schema.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time - limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=10000", // 10 second timeout
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			log.Printf("Warning: failed to set %s: %v", pragma, err)
		}
	}

	s := &Store{db: db, path: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS git_repositories (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		url TEXT NOT NULL,
		branch TEXT NOT NULL DEFAULT 'main',
		auth_kind TEXT NOT NULL DEFAULT 'none',
		secret_ref TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS fabrics (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		repo_id TEXT NOT NULL REFERENCES git_repositories(id),
		gitops_dir TEXT NOT NULL,
		kube_api_url TEXT,
		kube_ca_pem TEXT,
		kube_secret_ref TEXT,
		kube_namespace TEXT,
		status TEXT NOT NULL DEFAULT 'never_synced',
		resource_count INTEGER DEFAULT 0,
		drift_count INTEGER DEFAULT 0,
		last_sync_at TEXT,
		last_error TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS managed_resources (
		id TEXT PRIMARY KEY,
		fabric_id TEXT NOT NULL REFERENCES fabrics(id) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		spec_json TEXT,
		cluster_spec_json TEXT,
		file_path TEXT,
		content_hash TEXT,
		cluster_hash TEXT,
		synced_hash TEXT,
		sync_direction TEXT NOT NULL DEFAULT 'bidirectional',
		drift_state TEXT NOT NULL DEFAULT 'unknown',
		git_synced_at TEXT,
		cluster_synced_at TEXT,
		UNIQUE(fabric_id, kind, name)
	);

	CREATE INDEX IF NOT EXISTS idx_resources_fabric ON managed_resources(fabric_id);
	CREATE INDEX IF NOT EXISTS idx_resources_drift ON managed_resources(fabric_id, drift_state);

	CREATE TABLE IF NOT EXISTS sync_operations (
		id TEXT PRIMARY KEY,
		fabric_id TEXT NOT NULL REFERENCES fabrics(id) ON DELETE CASCADE,
		op_kind TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		processed INTEGER DEFAULT 0,
		created INTEGER DEFAULT 0,
		updated INTEGER DEFAULT 0,
		deleted INTEGER DEFAULT 0,
		commit_ref TEXT,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_ops_fabric ON sync_operations(fabric_id, started_at DESC);

	-- The mutual-exclusion invariant: at most one running operation per
	-- fabric, enforced at the data layer so it survives process restarts.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ops_one_running
		ON sync_operations(fabric_id) WHERE status = 'running';
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
