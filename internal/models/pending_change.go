// Package models provides data model definitions for the Quill sync core.
package models

import (
	"encoding/json"
	"time"
)

// ChangeStatus is the lifecycle state of a queued mutation.
type ChangeStatus string

const (
	ChangePending    ChangeStatus = "pending"
	ChangeProcessing ChangeStatus = "processing"
	ChangeConflict   ChangeStatus = "conflict"
)

// PendingChange is a mutation waiting to be applied to the remote store.
//
// ExpectedVersion is the remote version the mutation assumes (the base for
// the compare-and-swap); it is zero for creates. Payload is a full snapshot
// of the entity at enqueue time, never a diff, so replay is idempotent.
type PendingChange struct {
	Sequence        int64           `db:"sequence" json:"sequence"`
	EntityType      EntityType      `db:"entity_type" json:"entity_type"`
	EntityID        ID              `db:"entity_id" json:"entity_id"`
	Operation       Operation       `db:"operation" json:"operation"`
	ExpectedVersion int64           `db:"expected_version" json:"expected_version"`
	Payload         json.RawMessage `db:"payload" json:"payload"`
	AttemptCount    int             `db:"attempt_count" json:"attempt_count"`
	NextAttemptAt   int64           `db:"next_attempt_at" json:"next_attempt_at"`
	LastAttemptAt   int64           `db:"last_attempt_at" json:"last_attempt_at"`
	LastError       string          `db:"last_error" json:"last_error"`
	Status          ChangeStatus    `db:"status" json:"status"`
	CreatedAt       int64           `db:"created_at" json:"created_at"`
}

// Key returns the entity key targeted by this change.
func (c *PendingChange) Key() Key {
	return Key{Type: c.EntityType, ID: c.EntityID}
}

// CreatedAtTime returns CreatedAt as time.Time.
func (c *PendingChange) CreatedAtTime() time.Time {
	return time.Unix(c.CreatedAt, 0)
}
