// Package queue provides the durable mutation queue: the crash-surviving
// record of local writes not yet confirmed by the remote store.
//
// Entries are appended by the caching repository, dispatched and retired
// by the sync dispatcher, and survive process restarts in a SQLite file.
// Per-entity ordering is strict: for one entity, changes are dispatched in
// enqueue order; changes to different entities are independent.
package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"go.uber.org/zap"

	"github.com/quillfin/quill/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_queue (
	sequence         INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_type      TEXT NOT NULL,
	entity_id        TEXT NOT NULL,
	operation        TEXT NOT NULL,
	expected_version INTEGER NOT NULL DEFAULT 0,
	payload          TEXT NOT NULL,
	attempt_count    INTEGER NOT NULL DEFAULT 0,
	next_attempt_at  INTEGER NOT NULL DEFAULT 0,
	last_attempt_at  INTEGER NOT NULL DEFAULT 0,
	last_error       TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'pending',
	created_at       INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sync_queue_status ON sync_queue(status);
CREATE INDEX IF NOT EXISTS idx_sync_queue_entity ON sync_queue(entity_type, entity_id);

CREATE TABLE IF NOT EXISTS sync_metadata (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Backoff policy for a single entry: 1s, 2s, 4s, ... capped at 30s.
const (
	backoffBase = time.Second
	backoffCap  = 30 * time.Second
)

// Backoff returns the retry delay after the given number of failed attempts.
func Backoff(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	d := backoffBase << uint(attempts-1)
	if d <= 0 || d > backoffCap {
		return backoffCap
	}
	return d
}

// Queue is the durable mutation queue.
type Queue struct {
	db *sql.DB
	mu sync.Mutex

	// notify carries a wake-up signal to the dispatcher on every enqueue.
	// Buffered with capacity 1: a pending signal is never lost, repeated
	// signals coalesce.
	notify chan struct{}

	now func() time.Time // swapped in tests
}

// Open opens (or creates) the queue database under dataDir. Entries left
// in processing state by a crash are reset to pending.
func Open(dataDir string) (*Queue, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return open(filepath.Join(dataDir, "syncqueue.db"))
}

// OpenInMemory opens a throwaway in-memory queue, used by tests.
func OpenInMemory() (*Queue, error) {
	return open(":memory:")
}

func open(path string) (*Queue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sync queue: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create queue schema: %w", err)
	}

	q := &Queue{
		db:     db,
		notify: make(chan struct{}, 1),
		now:    time.Now,
	}
	if err := q.recoverStuck(); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

// recoverStuck resets entries stuck in processing from a previous crash.
// Without this, a crash mid-dispatch would strand the entry forever.
func (q *Queue) recoverStuck() error {
	res, err := q.db.Exec(`UPDATE sync_queue SET status = 'pending' WHERE status = 'processing'`)
	if err != nil {
		return fmt.Errorf("failed to recover stuck entries: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		zap.S().Infof("Recovered %d stuck processing entries", n)
	}
	return nil
}

// Close closes the queue database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Changes returns the wake-up channel signaled on every enqueue. The sync
// dispatcher selects on it to start its debounce window.
func (q *Queue) Changes() <-chan struct{} {
	return q.notify
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Enqueue appends a change and returns its sequence number. An enqueue
// failure is a write failure: the caller must surface it, a write that
// cannot be queued must never be silently dropped.
func (q *Queue) Enqueue(c *models.PendingChange) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	seq, err := q.enqueueLocked(c)
	if err != nil {
		return 0, err
	}
	q.signal()
	return seq, nil
}

func (q *Queue) enqueueLocked(c *models.PendingChange) (int64, error) {
	if c.CreatedAt == 0 {
		c.CreatedAt = q.now().Unix()
	}
	if c.Status == "" {
		c.Status = models.ChangePending
	}
	res, err := q.db.Exec(`
	INSERT INTO sync_queue (entity_type, entity_id, operation, expected_version,
		payload, attempt_count, next_attempt_at, last_attempt_at, last_error, status, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.EntityType, c.EntityID, c.Operation, c.ExpectedVersion,
		string(c.Payload), c.AttemptCount, c.NextAttemptAt, c.LastAttemptAt,
		c.LastError, c.Status, c.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue change: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	c.Sequence = seq
	return seq, nil
}

// EnqueueSave records a create/update for an entity. If the entity already
// has an entry waiting to dispatch the entry is coalesced: the payload
// replaces the old snapshot, the operation and expected version are kept,
// and retry bookkeeping resets. An entry already in flight is left alone,
// its snapshot is being applied and will be retired on confirmation, so a
// save landing mid-dispatch appends a fresh entry instead of mutating it.
func (q *Queue) EnqueueSave(typ models.EntityType, id models.ID, version int64, payload json.RawMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var seq int64
	err := q.db.QueryRow(`
	SELECT sequence FROM sync_queue
	WHERE entity_type = ? AND entity_id = ? AND operation != 'delete'
		AND status IN ('pending', 'conflict')
	ORDER BY sequence DESC LIMIT 1`, typ, id).Scan(&seq)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if err == nil {
		_, err := q.db.Exec(`
		UPDATE sync_queue
		SET payload = ?, status = 'pending', attempt_count = 0,
			next_attempt_at = 0, last_error = ''
		WHERE sequence = ?`,
			string(payload), seq)
		if err != nil {
			return fmt.Errorf("failed to coalesce change: %w", err)
		}
		q.signal()
		return nil
	}

	op := models.OpUpdate
	expected := version - 1
	if version <= 1 {
		op = models.OpCreate
		expected = 0
	}
	_, err = q.enqueueLocked(&models.PendingChange{
		EntityType:      typ,
		EntityID:        id,
		Operation:       op,
		ExpectedVersion: expected,
		Payload:         payload,
	})
	if err != nil {
		return err
	}
	q.signal()
	return nil
}

// EnqueueDelete records a deletion. Pending creates/updates for the entity
// are removed first; if the only pending entry was a create, the entity
// never existed remotely and no delete needs to be propagated at all.
func (q *Queue) EnqueueDelete(typ models.EntityType, id models.ID, version int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	existing, err := q.pendingForEntityLocked(typ, id)
	if err != nil {
		return err
	}
	onlyLocal := existing != nil && existing.Operation == models.OpCreate
	if existing != nil && existing.Operation == models.OpUpdate {
		// The local version is provisional while an update is in flight;
		// the delete must CAS against the last confirmed remote version.
		version = existing.ExpectedVersion
	}

	_, err = q.db.Exec(`
	DELETE FROM sync_queue WHERE entity_type = ? AND entity_id = ? AND operation != 'delete'`,
		typ, id)
	if err != nil {
		return fmt.Errorf("failed to drop pending saves: %w", err)
	}
	if onlyLocal {
		return nil
	}

	_, err = q.enqueueLocked(&models.PendingChange{
		EntityType:      typ,
		EntityID:        id,
		Operation:       models.OpDelete,
		ExpectedVersion: version,
		Payload:         json.RawMessage("{}"),
	})
	if err != nil {
		return err
	}
	q.signal()
	return nil
}

// PeekBatch returns up to maxN entries ready for dispatch, oldest first.
// Entries inside their backoff window are skipped, and only the oldest
// eligible entry per entity is returned so per-entity order is preserved
// even when dispatch of an earlier entry fails.
func (q *Queue) PeekBatch(maxN int) ([]*models.PendingChange, error) {
	now := q.now().Unix()
	rows, err := q.db.Query(`
	SELECT sequence, entity_type, entity_id, operation, expected_version, payload,
		attempt_count, next_attempt_at, last_attempt_at, last_error, status, created_at
	FROM sync_queue
	WHERE status = 'pending' AND next_attempt_at <= ?
		AND sequence = (
			SELECT MIN(sequence) FROM sync_queue AS inner_q
			WHERE inner_q.entity_type = sync_queue.entity_type
				AND inner_q.entity_id = sync_queue.entity_id
				AND inner_q.status IN ('pending', 'processing')
		)
	ORDER BY sequence ASC
	LIMIT ?`, now, maxN)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChanges(rows)
}

// PendingForEntity returns the oldest unresolved change for an entity, or
// nil if none exists. Conflict-parked entries count as unresolved.
func (q *Queue) PendingForEntity(typ models.EntityType, id models.ID) (*models.PendingChange, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingForEntityLocked(typ, id)
}

func (q *Queue) pendingForEntityLocked(typ models.EntityType, id models.ID) (*models.PendingChange, error) {
	rows, err := q.db.Query(`
	SELECT sequence, entity_type, entity_id, operation, expected_version, payload,
		attempt_count, next_attempt_at, last_attempt_at, last_error, status, created_at
	FROM sync_queue
	WHERE entity_type = ? AND entity_id = ?
	ORDER BY sequence ASC
	LIMIT 1`, typ, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	changes, err := scanChanges(rows)
	if err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		return nil, nil
	}
	return changes[0], nil
}

// MarkProcessing marks an entry as in flight.
func (q *Queue) MarkProcessing(sequence int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.db.Exec(`UPDATE sync_queue SET status = 'processing' WHERE sequence = ?`, sequence)
	return err
}

// Remove deletes a confirmed (or explicitly discarded) entry.
func (q *Queue) Remove(sequence int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.db.Exec(`DELETE FROM sync_queue WHERE sequence = ?`, sequence)
	return err
}

// MarkAttempt records a failed dispatch attempt: increments the attempt
// counter, stores the error, and schedules the next eligible attempt with
// exponential backoff. The entry returns to pending state.
func (q *Queue) MarkAttempt(sequence int64, attemptErr error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var attempts int
	if err := q.db.QueryRow(`SELECT attempt_count FROM sync_queue WHERE sequence = ?`, sequence).Scan(&attempts); err != nil {
		return err
	}
	attempts++
	next := now.Add(Backoff(attempts)).Unix()

	_, err := q.db.Exec(`
	UPDATE sync_queue
	SET status = 'pending', attempt_count = ?, next_attempt_at = ?,
		last_attempt_at = ?, last_error = ?
	WHERE sequence = ?`,
		attempts, next, now.Unix(), attemptErr.Error(), sequence)
	if err != nil {
		return err
	}
	zap.S().Debugf("Change %d failed attempt %d, next attempt in %s: %v",
		sequence, attempts, Backoff(attempts), attemptErr)
	return nil
}

// MarkConflict parks an entry for operator review. Parked entries are not
// dispatched until resolved.
func (q *Queue) MarkConflict(sequence int64, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.db.Exec(`
	UPDATE sync_queue SET status = 'conflict', last_error = ? WHERE sequence = ?`,
		reason, sequence)
	if err != nil {
		return err
	}
	zap.S().Warnf("Change %d parked as conflict: %s", sequence, reason)
	return nil
}

// Conflicts returns all parked entries, oldest first.
func (q *Queue) Conflicts() ([]*models.PendingChange, error) {
	rows, err := q.db.Query(`
	SELECT sequence, entity_type, entity_id, operation, expected_version, payload,
		attempt_count, next_attempt_at, last_attempt_at, last_error, status, created_at
	FROM sync_queue WHERE status = 'conflict' ORDER BY sequence ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChanges(rows)
}

// Resolve settles a parked entry: retry requeues it with fresh bookkeeping,
// otherwise the entry is discarded.
func (q *Queue) Resolve(sequence int64, retry bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !retry {
		_, err := q.db.Exec(`DELETE FROM sync_queue WHERE sequence = ?`, sequence)
		return err
	}
	_, err := q.db.Exec(`
	UPDATE sync_queue
	SET status = 'pending', attempt_count = 0, next_attempt_at = 0, last_error = ''
	WHERE sequence = ?`, sequence)
	if err != nil {
		return err
	}
	q.signal()
	return nil
}

// ResetBackoff clears every backoff window so all pending entries become
// immediately eligible. Called when the connection monitor transitions to
// connected: a fresh connection deserves an immediate retry.
func (q *Queue) ResetBackoff() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.db.Exec(`UPDATE sync_queue SET next_attempt_at = 0 WHERE status = 'pending'`)
	if err != nil {
		return err
	}
	q.signal()
	return nil
}

// CountPending returns the number of unconfirmed entries (pending or in
// flight), for the "N changes pending sync" indicator.
func (q *Queue) CountPending() (int, error) {
	var n int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM sync_queue WHERE status IN ('pending', 'processing')`).Scan(&n)
	return n, err
}

// SetMetadata stores a sync bookkeeping value (e.g. last sync timestamp).
func (q *Queue) SetMetadata(key, value string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.db.Exec(`
	INSERT INTO sync_metadata (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// Metadata retrieves a sync bookkeeping value, or "" if unset.
func (q *Queue) Metadata(key string) (string, error) {
	var v string
	err := q.db.QueryRow(`SELECT value FROM sync_metadata WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

func scanChanges(rows *sql.Rows) ([]*models.PendingChange, error) {
	var out []*models.PendingChange
	for rows.Next() {
		var c models.PendingChange
		var payload string
		if err := rows.Scan(&c.Sequence, &c.EntityType, &c.EntityID, &c.Operation,
			&c.ExpectedVersion, &payload, &c.AttemptCount, &c.NextAttemptAt,
			&c.LastAttemptAt, &c.LastError, &c.Status, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Payload = json.RawMessage(payload)
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
