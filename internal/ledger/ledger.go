// Package ledger is the caching repository: the only surface the rest of
// the application talks to.
//
// Reads are served from the local store and never touch the network.
// Writes land in the local store and the durable mutation queue in that
// order, then return; the sync dispatcher propagates them in the
// background. The API is identical whether the remote is reachable or
// not, only freshness differs.
package ledger

import (
	"fmt"

	"github.com/quillfin/quill/internal/models"
	"github.com/quillfin/quill/internal/monitor"
	"github.com/quillfin/quill/internal/queue"
	"github.com/quillfin/quill/internal/store"
)

// Ledger is the caching repository façade.
type Ledger struct {
	store *store.Store
	queue *queue.Queue
	mon   *monitor.Monitor
}

// New creates a ledger over the local store, mutation queue, and
// connection monitor.
func New(s *store.Store, q *queue.Queue, m *monitor.Monitor) *Ledger {
	return &Ledger{store: s, queue: q, mon: m}
}

// Transactions returns all cached transactions, newest first. An empty
// sheet name means all sheets.
func (l *Ledger) Transactions(sheet string) ([]*models.Transaction, error) {
	rows, err := l.store.List(models.EntityTransaction, store.Query{})
	if err != nil {
		return nil, err
	}
	out := make([]*models.Transaction, 0, len(rows))
	for _, row := range rows {
		t, err := models.TransactionFromRow(row)
		if err != nil {
			return nil, err
		}
		if sheet != "" && t.Sheet != sheet {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// Transaction returns one cached transaction.
func (l *Ledger) Transaction(id models.ID) (*models.Transaction, error) {
	row, err := l.store.Get(models.EntityTransaction, id)
	if err != nil {
		return nil, err
	}
	return models.TransactionFromRow(row)
}

// SaveTransaction writes a transaction through the cache and queues it
// for sync. Works identically online and offline.
func (l *Ledger) SaveTransaction(t *models.Transaction) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = models.NewID()
	}
	current, err := l.store.Version(models.EntityTransaction, t.ID)
	if err != nil {
		return err
	}
	t.Version = current + 1
	row, err := t.Row()
	if err != nil {
		return err
	}
	return l.save(row)
}

// DeleteTransaction removes a transaction locally and queues the deletion.
func (l *Ledger) DeleteTransaction(id models.ID) error {
	return l.delete(models.EntityTransaction, id)
}

// PlannedTemplates returns all cached planned templates.
func (l *Ledger) PlannedTemplates() ([]*models.PlannedTemplate, error) {
	rows, err := l.store.List(models.EntityPlanned, store.Query{})
	if err != nil {
		return nil, err
	}
	out := make([]*models.PlannedTemplate, 0, len(rows))
	for _, row := range rows {
		p, err := models.PlannedFromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// SavePlanned writes a planned template through the cache and queues it.
func (l *Ledger) SavePlanned(p *models.PlannedTemplate) error {
	if p.ID == "" {
		p.ID = models.NewID()
	}
	current, err := l.store.Version(models.EntityPlanned, p.ID)
	if err != nil {
		return err
	}
	p.Version = current + 1
	row, err := p.Row()
	if err != nil {
		return err
	}
	return l.save(row)
}

// DeletePlanned removes a planned template locally and queues the deletion.
func (l *Ledger) DeletePlanned(id models.ID) error {
	return l.delete(models.EntityPlanned, id)
}

// Sheets returns all cached sheets.
func (l *Ledger) Sheets() ([]*models.Sheet, error) {
	rows, err := l.store.List(models.EntitySheet, store.Query{})
	if err != nil {
		return nil, err
	}
	out := make([]*models.Sheet, 0, len(rows))
	for _, row := range rows {
		s, err := models.SheetFromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// SaveSheet writes a sheet through the cache and queues it.
func (l *Ledger) SaveSheet(s *models.Sheet) error {
	if s.Name == "" {
		return fmt.Errorf("sheet name cannot be empty")
	}
	if s.ID == "" {
		s.ID = models.NewID()
	}
	current, err := l.store.Version(models.EntitySheet, s.ID)
	if err != nil {
		return err
	}
	s.Version = current + 1
	row, err := s.Row()
	if err != nil {
		return err
	}
	return l.save(row)
}

// DeleteSheet removes a sheet locally and queues the deletion.
func (l *Ledger) DeleteSheet(id models.ID) error {
	return l.delete(models.EntitySheet, id)
}

// save applies the write-through sequence: local cache first, durable
// queue second. A queue failure is surfaced as a write failure since the
// change would otherwise be lost on restart.
func (l *Ledger) save(row *models.Row) error {
	if err := l.store.Put(row); err != nil {
		return fmt.Errorf("failed to cache %s: %w", row.Key(), err)
	}
	if err := l.queue.EnqueueSave(row.Type, row.ID, row.Version, row.Payload); err != nil {
		return fmt.Errorf("failed to queue %s for sync: %w", row.Key(), err)
	}
	return nil
}

func (l *Ledger) delete(typ models.EntityType, id models.ID) error {
	version, err := l.store.Version(typ, id)
	if err != nil {
		return err
	}
	if version == 0 {
		return store.ErrNotFound
	}
	if err := l.store.Delete(typ, id); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", typ, id, err)
	}
	if err := l.queue.EnqueueDelete(typ, id, version); err != nil {
		return fmt.Errorf("failed to queue deletion of %s/%s: %w", typ, id, err)
	}
	return nil
}

// PendingCount reports how many local changes await sync, for the
// "N changes pending" indicator.
func (l *Ledger) PendingCount() (int, error) {
	return l.queue.CountPending()
}

// ConnectionState reports the current remote connection state.
func (l *Ledger) ConnectionState() monitor.State {
	return l.mon.State()
}

// SubscribeState returns a channel of connection state transitions.
func (l *Ledger) SubscribeState() <-chan monitor.State {
	return l.mon.Subscribe()
}

// Reconnect requests an immediate reconnection attempt.
func (l *Ledger) Reconnect() {
	l.mon.ReconnectNow()
}

// Conflicts lists queued changes parked after repeated failures.
func (l *Ledger) Conflicts() ([]*models.PendingChange, error) {
	return l.queue.Conflicts()
}

// ResolveConflict settles a parked change: retry it or discard it.
func (l *Ledger) ResolveConflict(sequence int64, retry bool) error {
	return l.queue.Resolve(sequence, retry)
}

// LastSyncAt returns the Unix time of the last confirmed sync, or 0.
func (l *Ledger) LastSyncAt() int64 {
	v, err := l.queue.Metadata("last_sync_at")
	if err != nil || v == "" {
		return 0
	}
	var ts int64
	fmt.Sscanf(v, "%d", &ts)
	return ts
}
