package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/quillfin/quill/internal/models"
)

// opTimeout bounds every remote call so a dead link fails fast instead of
// hanging the dispatcher.
const opTimeout = 10 * time.Second

// channelName is the Postgres NOTIFY channel carrying change events.
const channelName = "quill_changes"

// tableFor maps an entity type to its remote table. All three tables share
// the same envelope shape so the sync code stays generic.
var tableFor = map[models.EntityType]string{
	models.EntityTransaction: "transactions",
	models.EntityPlanned:     "planned_templates",
	models.EntitySheet:       "sheets",
}

const remoteSchema = `
CREATE TABLE IF NOT EXISTS transactions (
	id         TEXT PRIMARY KEY,
	version    BIGINT NOT NULL DEFAULT 1,
	payload    JSONB NOT NULL,
	updated_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS planned_templates (
	id         TEXT PRIMARY KEY,
	version    BIGINT NOT NULL DEFAULT 1,
	payload    JSONB NOT NULL,
	updated_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS sheets (
	id         TEXT PRIMARY KEY,
	version    BIGINT NOT NULL DEFAULT 1,
	payload    JSONB NOT NULL,
	updated_at BIGINT NOT NULL
);

CREATE OR REPLACE FUNCTION quill_notify_change() RETURNS trigger AS $$
DECLARE
	row_id TEXT;
BEGIN
	IF (TG_OP = 'DELETE') THEN
		row_id := OLD.id;
	ELSE
		row_id := NEW.id;
	END IF;
	PERFORM pg_notify('quill_changes',
		json_build_object('entity_type', TG_ARGV[0], 'entity_id', row_id,
			'change', lower(TG_OP))::text);
	RETURN NULL;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS transactions_notify ON transactions;
CREATE TRIGGER transactions_notify
	AFTER INSERT OR UPDATE OR DELETE ON transactions
	FOR EACH ROW EXECUTE FUNCTION quill_notify_change('transaction');

DROP TRIGGER IF EXISTS planned_templates_notify ON planned_templates;
CREATE TRIGGER planned_templates_notify
	AFTER INSERT OR UPDATE OR DELETE ON planned_templates
	FOR EACH ROW EXECUTE FUNCTION quill_notify_change('planned_template');

DROP TRIGGER IF EXISTS sheets_notify ON sheets;
CREATE TRIGGER sheets_notify
	AFTER INSERT OR UPDATE OR DELETE ON sheets
	FOR EACH ROW EXECUTE FUNCTION quill_notify_change('sheet');
`

// Postgres is the shared multi-device backend.
type Postgres struct {
	db  *sql.DB
	dsn string

	mu        sync.Mutex
	installed bool
}

// NewPostgres prepares the remote connection pool. No dial happens here:
// the remote being down at startup is normal, the daemon serves the cache
// and connects when it can. The schema and notification triggers are
// installed (idempotently) on the first successful health check.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open remote store: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	p := &Postgres{db: db, dsn: dsn}
	if err := p.ensureSchema(ctx); err != nil {
		zap.S().Warnf("Remote schema install deferred: %v", err)
	}
	return p, nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.installed {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := p.db.ExecContext(ctx, remoteSchema); err != nil {
		return fmt.Errorf("failed to install remote schema: %w", err)
	}
	p.installed = true
	return nil
}

// Close closes the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// Ping checks reachability with a short deadline and completes any
// deferred schema installation.
func (p *Postgres) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := p.db.PingContext(pingCtx); err != nil {
		return err
	}
	return p.ensureSchema(ctx)
}

// Apply performs one mutation with a version compare-and-swap.
func (p *Postgres) Apply(ctx context.Context, c *models.PendingChange) (int64, error) {
	table, ok := tableFor[c.EntityType]
	if !ok {
		return 0, fmt.Errorf("unknown entity type %q", c.EntityType)
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	switch c.Operation {
	case models.OpCreate:
		return p.applyCreate(ctx, table, c)
	case models.OpUpdate:
		return p.applyUpdate(ctx, table, c)
	case models.OpDelete:
		return p.applyDelete(ctx, table, c)
	default:
		return 0, fmt.Errorf("unknown operation %q", c.Operation)
	}
}

// applyCreate inserts the entity. A primary-key collision means the create
// already landed (replay after a crash) or another device created the same
// ID; identical payloads are treated as success, anything else conflicts.
func (p *Postgres) applyCreate(ctx context.Context, table string, c *models.PendingChange) (int64, error) {
	now := time.Now().Unix()
	res, err := p.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, version, payload, updated_at) VALUES ($1, 1, $2, $3)
		ON CONFLICT (id) DO NOTHING`, table),
		c.EntityID, string(c.Payload), now)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s/%s: %w", c.EntityType, c.EntityID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return 1, nil
	}

	var version int64
	var payload []byte
	err = p.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT version, payload FROM %s WHERE id = $1`, table),
		c.EntityID).Scan(&version, &payload)
	if err != nil {
		return 0, fmt.Errorf("failed to re-fetch after create collision: %w", err)
	}
	if PayloadEqual(payload, c.Payload) {
		return version, nil
	}
	return 0, fmt.Errorf("create %s/%s: %w", c.EntityType, c.EntityID, ErrVersionConflict)
}

func (p *Postgres) applyUpdate(ctx context.Context, table string, c *models.PendingChange) (int64, error) {
	now := time.Now().Unix()
	var version int64
	err := p.db.QueryRowContext(ctx,
		fmt.Sprintf(`UPDATE %s SET payload = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4 RETURNING version`, table),
		string(c.Payload), now, c.EntityID, c.ExpectedVersion).Scan(&version)
	if err == nil {
		return version, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("failed to update %s/%s: %w", c.EntityType, c.EntityID, err)
	}

	// CAS missed: distinguish a version race from a remote deletion.
	var exists bool
	err = p.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE id = $1)`, table),
		c.EntityID).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("failed to check %s/%s after CAS miss: %w", c.EntityType, c.EntityID, err)
	}
	if !exists {
		return 0, fmt.Errorf("update %s/%s: %w", c.EntityType, c.EntityID, ErrEntityDeleted)
	}
	return 0, fmt.Errorf("update %s/%s: %w", c.EntityType, c.EntityID, ErrVersionConflict)
}

func (p *Postgres) applyDelete(ctx context.Context, table string, c *models.PendingChange) (int64, error) {
	res, err := p.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = $1 AND version = $2`, table),
		c.EntityID, c.ExpectedVersion)
	if err != nil {
		return 0, fmt.Errorf("failed to delete %s/%s: %w", c.EntityType, c.EntityID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return 0, nil
	}

	var exists bool
	err = p.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE id = $1)`, table),
		c.EntityID).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("failed to check %s/%s after delete miss: %w", c.EntityType, c.EntityID, err)
	}
	if !exists {
		// Already gone, deletion is idempotent.
		return 0, nil
	}
	return 0, fmt.Errorf("delete %s/%s: %w", c.EntityType, c.EntityID, ErrVersionConflict)
}

// Fetch returns the current remote state of one entity.
func (p *Postgres) Fetch(ctx context.Context, typ models.EntityType, id models.ID) (*models.Row, error) {
	table, ok := tableFor[typ]
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", typ)
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := &models.Row{Type: typ, ID: id}
	var payload []byte
	err := p.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT version, payload, updated_at FROM %s WHERE id = $1`, table),
		id).Scan(&row.Version, &payload, &row.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrEntityDeleted
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s/%s: %w", typ, id, err)
	}
	row.Payload = json.RawMessage(payload)
	return row, nil
}

// FetchAll returns every live entity of a type.
func (p *Postgres) FetchAll(ctx context.Context, typ models.EntityType) ([]*models.Row, error) {
	table, ok := tableFor[typ]
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", typ)
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := p.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, version, payload, updated_at FROM %s ORDER BY updated_at DESC`, table))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", typ, err)
	}
	defer rows.Close()

	var out []*models.Row
	for rows.Next() {
		row := &models.Row{Type: typ}
		var payload []byte
		if err := rows.Scan(&row.ID, &row.Version, &payload, &row.UpdatedAt); err != nil {
			return nil, err
		}
		row.Payload = json.RawMessage(payload)
		out = append(out, row)
	}
	return out, rows.Err()
}

// Delete removes an entity unconditionally.
func (p *Postgres) Delete(ctx context.Context, typ models.EntityType, id models.ID) error {
	table, ok := tableFor[typ]
	if !ok {
		return fmt.Errorf("unknown entity type %q", typ)
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := p.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, table), id)
	return err
}

// Listen subscribes to the notification channel and streams change events
// until ctx is canceled. pq.Listener reconnects on its own; notifications
// missed during an outage are covered by the reconciliation pass, not here.
func (p *Postgres) Listen(ctx context.Context) (<-chan Notification, error) {
	listener := pq.NewListener(p.dsn, time.Second, 30*time.Second,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				zap.S().Warnf("Notification listener event %d: %v", ev, err)
			}
		})
	if err := listener.Listen(channelName); err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", channelName, err)
	}

	out := make(chan Notification, 64)
	go func() {
		defer close(out)
		defer listener.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case n := <-listener.Notify:
				if n == nil {
					// Reconnect marker from pq; reconciliation covers the gap.
					continue
				}
				var note Notification
				if err := json.Unmarshal([]byte(n.Extra), &note); err != nil {
					zap.S().Warnf("Dropping malformed notification %q: %v", n.Extra, err)
					continue
				}
				select {
				case out <- note:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
