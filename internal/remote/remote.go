// Package remote abstracts the authoritative remote store.
//
// The sync dispatcher and change listener talk only to the Store
// interface; the Postgres implementation backs shared multi-device
// deployments, the in-memory implementation backs standalone mode and
// tests. Every apply is a compare-and-swap on the entity version so
// concurrent writers from other devices are detected, never overwritten
// blindly.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"github.com/quillfin/quill/internal/models"
)

// Sentinel errors returned by Store implementations. Anything else is
// treated as transient and retried with backoff.
var (
	// ErrVersionConflict means the expected version did not match: another
	// writer got there first. The caller resolves per the conflict policy.
	ErrVersionConflict = errors.New("remote version conflict")

	// ErrEntityDeleted means the target entity no longer exists remotely.
	ErrEntityDeleted = errors.New("entity deleted remotely")
)

// Notification is a remote change event delivered by Listen. Change names
// the operation ("insert", "update", "delete") as a hint only; consumers
// always re-fetch the row, payloads are never trusted from the channel.
type Notification struct {
	Type   models.EntityType `json:"entity_type"`
	ID     models.ID         `json:"entity_id"`
	Change string            `json:"change,omitempty"`
}

// Store is the authoritative backend.
type Store interface {
	// Apply performs one mutation with optimistic concurrency control and
	// returns the resulting remote version. Creates pass ExpectedVersion 0;
	// an already existing identical entity is treated as success so replay
	// after a crash is idempotent.
	Apply(ctx context.Context, c *models.PendingChange) (int64, error)

	// Fetch returns the current remote state of one entity.
	// Returns ErrEntityDeleted if the entity does not exist.
	Fetch(ctx context.Context, typ models.EntityType, id models.ID) (*models.Row, error)

	// FetchAll returns every live entity of a type.
	FetchAll(ctx context.Context, typ models.EntityType) ([]*models.Row, error)

	// Delete removes an entity unconditionally, used when resolving a
	// conflict in favor of a queued delete.
	Delete(ctx context.Context, typ models.EntityType, id models.ID) error

	// Ping checks reachability. Used by the connection monitor.
	Ping(ctx context.Context) error

	// Listen streams change notifications until ctx is canceled. A nil
	// channel with an error means this backend cannot stream (the caller
	// falls back to polling).
	Listen(ctx context.Context) (<-chan Notification, error)

	Close() error
}

// IsTransient reports whether an apply error should be retried with
// backoff rather than escalated. Version conflicts and remote deletions
// are definitive answers from the backend, not faults.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrEntityDeleted) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// PayloadEqual compares two JSON payloads ignoring key order. Used to
// detect phantom conflicts, where both sides hold identical content.
func PayloadEqual(a, b json.RawMessage) bool {
	var av, bv interface{}
	if err := json.Unmarshal(a, &av); err != nil {
		return bytes.Equal(a, b)
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	ca, err := json.Marshal(av)
	if err != nil {
		return false
	}
	cb, err := json.Marshal(bv)
	if err != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}
