// Package models provides data model definitions for the Quill sync core.
package models

import (
	"encoding/json"
	"time"
)

// Row is the sync core's view of an entity: a versioned envelope around
// an opaque JSON payload. The core never inspects domain fields; it only
// tracks identity, version, and the deletion tombstone.
type Row struct {
	Type      EntityType      `db:"entity_type" json:"entity_type"`
	ID        ID              `db:"entity_id" json:"entity_id"`
	Version   int64           `db:"version" json:"version"`
	Deleted   bool            `db:"deleted" json:"deleted"`
	Conflict  bool            `db:"conflict" json:"conflict"`
	Payload   json.RawMessage `db:"payload" json:"payload"`
	UpdatedAt int64           `db:"updated_at" json:"updated_at"`
}

// Key returns the row's entity key.
func (r *Row) Key() Key {
	return Key{Type: r.Type, ID: r.ID}
}

// Touch sets UpdatedAt to now.
func (r *Row) Touch() {
	r.UpdatedAt = time.Now().Unix()
}

// UpdatedAtTime returns UpdatedAt as time.Time.
func (r *Row) UpdatedAtTime() time.Time {
	return time.Unix(r.UpdatedAt, 0)
}
