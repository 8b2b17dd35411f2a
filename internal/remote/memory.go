package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quillfin/quill/internal/models"
)

// Memory is an in-process Store. It backs standalone (single-device)
// deployments, where the full sync pipeline still runs but the
// authoritative copy lives in the same process, and doubles as the test
// backend with failure injection.
type Memory struct {
	mu      sync.Mutex
	rows    map[models.Key]*models.Row
	subs    []chan Notification
	failure error // returned by every call while set
	applied int   // successful Apply count, for tests
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{rows: make(map[models.Key]*models.Row)}
}

// SetFailure makes every subsequent call fail with err until cleared with
// SetFailure(nil). Used to simulate outages.
func (m *Memory) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = err
}

// Applied returns the number of successful Apply calls.
func (m *Memory) Applied() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applied
}

// Seed installs a row directly, bypassing version checks. Used by tests to
// stage remote state.
func (m *Memory) Seed(row *models.Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *row
	m.rows[row.Key()] = &cp
}

func (m *Memory) Close() error { return nil }

// Ping reports the injected failure, if any.
func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failure
}

// Apply performs one mutation with the same version semantics as the
// Postgres backend.
func (m *Memory) Apply(ctx context.Context, c *models.PendingChange) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return 0, m.failure
	}

	key := c.Key()
	existing := m.rows[key]

	switch c.Operation {
	case models.OpCreate:
		if existing != nil {
			if PayloadEqual(existing.Payload, c.Payload) {
				return existing.Version, nil
			}
			return 0, fmt.Errorf("create %s: %w", key, ErrVersionConflict)
		}
		row := &models.Row{
			Type:      c.EntityType,
			ID:        c.EntityID,
			Version:   1,
			Payload:   append([]byte(nil), c.Payload...),
			UpdatedAt: time.Now().Unix(),
		}
		m.rows[key] = row
		m.applied++
		m.notifyLocked(key, "insert")
		return 1, nil

	case models.OpUpdate:
		if existing == nil {
			return 0, fmt.Errorf("update %s: %w", key, ErrEntityDeleted)
		}
		if existing.Version != c.ExpectedVersion {
			return 0, fmt.Errorf("update %s: %w", key, ErrVersionConflict)
		}
		existing.Version++
		existing.Payload = append([]byte(nil), c.Payload...)
		existing.UpdatedAt = time.Now().Unix()
		m.applied++
		m.notifyLocked(key, "update")
		return existing.Version, nil

	case models.OpDelete:
		if existing == nil {
			return 0, nil
		}
		if existing.Version != c.ExpectedVersion {
			return 0, fmt.Errorf("delete %s: %w", key, ErrVersionConflict)
		}
		delete(m.rows, key)
		m.applied++
		m.notifyLocked(key, "delete")
		return 0, nil

	default:
		return 0, fmt.Errorf("unknown operation %q", c.Operation)
	}
}

// Fetch returns a copy of the current state of one entity.
func (m *Memory) Fetch(ctx context.Context, typ models.EntityType, id models.ID) (*models.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return nil, m.failure
	}
	row, ok := m.rows[models.Key{Type: typ, ID: id}]
	if !ok {
		return nil, ErrEntityDeleted
	}
	cp := *row
	cp.Payload = append([]byte(nil), row.Payload...)
	return &cp, nil
}

// FetchAll returns copies of every entity of a type.
func (m *Memory) FetchAll(ctx context.Context, typ models.EntityType) ([]*models.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return nil, m.failure
	}
	var out []*models.Row
	for key, row := range m.rows {
		if key.Type != typ {
			continue
		}
		cp := *row
		cp.Payload = append([]byte(nil), row.Payload...)
		out = append(out, &cp)
	}
	return out, nil
}

// Delete removes an entity unconditionally.
func (m *Memory) Delete(ctx context.Context, typ models.EntityType, id models.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return m.failure
	}
	key := models.Key{Type: typ, ID: id}
	if _, ok := m.rows[key]; ok {
		delete(m.rows, key)
		m.notifyLocked(key, "delete")
	}
	return nil
}

// Listen streams change notifications for writes made through this store.
func (m *Memory) Listen(ctx context.Context) (<-chan Notification, error) {
	m.mu.Lock()
	ch := make(chan Notification, 64)
	m.subs = append(m.subs, ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, sub := range m.subs {
			if sub == ch {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				close(ch)
				break
			}
		}
	}()
	return ch, nil
}

func (m *Memory) notifyLocked(key models.Key, change string) {
	for _, sub := range m.subs {
		select {
		case sub <- Notification{Type: key.Type, ID: key.ID, Change: change}:
		default:
		}
	}
}
