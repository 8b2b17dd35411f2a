// Package store provides the durable local entity cache.
//
// All reads in the application are served from this store; writes are
// applied here first and confirmed against the remote store later. The
// store is a SQLite database in WAL mode with a single-writer discipline,
// safe to call from the UI-facing path and the background sync actors
// concurrently.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/quillfin/quill/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	version     INTEGER NOT NULL DEFAULT 1,
	deleted     INTEGER NOT NULL DEFAULT 0,
	conflict    INTEGER NOT NULL DEFAULT 0,
	payload     TEXT NOT NULL,
	updated_at  INTEGER NOT NULL,
	PRIMARY KEY (entity_type, entity_id)
);

CREATE INDEX IF NOT EXISTS idx_entities_type_updated
	ON entities(entity_type, updated_at);
`

// ErrNotFound is returned when a row does not exist in the cache.
var ErrNotFound = sql.ErrNoRows

// Store is the local entity cache. Writers are serialized by a mutex on
// top of SQLite's own single-connection discipline so a UI write and a
// background sync write never interleave partially.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (or creates) the entity cache under dataDir.
// The database is configured with WAL mode so a crash mid-write cannot
// corrupt previously committed rows.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return open(filepath.Join(dataDir, "quill.db"))
}

// OpenInMemory opens a throwaway in-memory store, used by tests.
func OpenInMemory() (*Store, error) {
	return open(":memory:")
}

func open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open entity store: %w", err)
	}

	// SQLite does not support multiple writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create entity schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get retrieves a single row. Tombstoned rows are returned with Deleted
// set; callers that only want live rows should check the flag.
func (s *Store) Get(typ models.EntityType, id models.ID) (*models.Row, error) {
	query := `
	SELECT entity_type, entity_id, version, deleted, conflict, payload, updated_at
	FROM entities WHERE entity_type = ? AND entity_id = ?
	`
	var row models.Row
	var deleted, conflict int
	var payload string
	err := s.db.QueryRow(query, typ, id).Scan(
		&row.Type, &row.ID, &row.Version, &deleted, &conflict, &payload, &row.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	row.Payload = json.RawMessage(payload)
	row.Deleted = deleted != 0
	row.Conflict = conflict != 0
	return &row, nil
}

// Query narrows a List call. Zero values mean "no filter".
type Query struct {
	UpdatedSince   int64 // inclusive lower bound on updated_at
	UpdatedUntil   int64 // inclusive upper bound on updated_at
	IncludeDeleted bool
}

// List returns all rows of a type, newest first, honoring the query filters.
func (s *Store) List(typ models.EntityType, q Query) ([]*models.Row, error) {
	query := `
	SELECT entity_type, entity_id, version, deleted, conflict, payload, updated_at
	FROM entities WHERE entity_type = ?
	`
	args := []interface{}{typ}
	if !q.IncludeDeleted {
		query += " AND deleted = 0"
	}
	if q.UpdatedSince > 0 {
		query += " AND updated_at >= ?"
		args = append(args, q.UpdatedSince)
	}
	if q.UpdatedUntil > 0 {
		query += " AND updated_at <= ?"
		args = append(args, q.UpdatedUntil)
	}
	query += " ORDER BY updated_at DESC, entity_id"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Row
	for rows.Next() {
		var row models.Row
		var deleted, conflict int
		var payload string
		if err := rows.Scan(&row.Type, &row.ID, &row.Version, &deleted, &conflict, &payload, &row.UpdatedAt); err != nil {
			return nil, err
		}
		row.Payload = json.RawMessage(payload)
		row.Deleted = deleted != 0
		row.Conflict = conflict != 0
		out = append(out, &row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Put upserts a row, overwriting version, payload, and flags. The write is
// a single statement and therefore atomic.
func (s *Store) Put(row *models.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if row.UpdatedAt == 0 {
		row.UpdatedAt = time.Now().Unix()
	}
	query := `
	INSERT INTO entities (entity_type, entity_id, version, deleted, conflict, payload, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(entity_type, entity_id) DO UPDATE SET
		version = excluded.version,
		deleted = excluded.deleted,
		conflict = excluded.conflict,
		payload = excluded.payload,
		updated_at = excluded.updated_at
	`
	_, err := s.db.Exec(query, row.Type, row.ID, row.Version,
		boolToInt(row.Deleted), boolToInt(row.Conflict), string(row.Payload), row.UpdatedAt)
	return err
}

// Delete removes a row from the cache entirely. The tombstone needed to
// propagate the deletion lives in the mutation queue, not here.
func (s *Store) Delete(typ models.EntityType, id models.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM entities WHERE entity_type = ? AND entity_id = ?`, typ, id)
	return err
}

// SetConflict flips the conflict flag on a row. The flag marks rows whose
// local edit was superseded by a remote write, so the UI can badge them;
// it is cleared on the next confirmed sync of that row.
func (s *Store) SetConflict(typ models.EntityType, id models.ID, flagged bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE entities SET conflict = ? WHERE entity_type = ? AND entity_id = ?`,
		boolToInt(flagged), typ, id)
	return err
}

// Version returns the cached version of a row, or 0 if absent.
func (s *Store) Version(typ models.EntityType, id models.ID) (int64, error) {
	var v int64
	err := s.db.QueryRow(`SELECT version FROM entities WHERE entity_type = ? AND entity_id = ?`, typ, id).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return v, nil
}

// Count returns the number of live rows of a type.
func (s *Store) Count(typ models.EntityType) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM entities WHERE entity_type = ? AND deleted = 0`, typ).Scan(&n)
	return n, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
