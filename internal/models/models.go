// Package models provides data model definitions for the Quill sync core.
package models

import (
	"database/sql/driver"
	"fmt"

	"github.com/google/uuid"
)

// ID is a wrapper around string for UUID v4 type safety.
type ID string

// NewID generates a new random ID.
func NewID() ID {
	return ID(uuid.New().String())
}

// ParseID validates and converts a string into an ID.
func ParseID(s string) (ID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid id %q: %w", s, err)
	}
	return ID(id.String()), nil
}

// Value implements driver.Valuer for ID.
func (id ID) Value() (driver.Value, error) {
	return string(id), nil
}

// Scan implements sql.Scanner for ID.
func (id *ID) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*id = ""
	case string:
		*id = ID(v)
	case []byte:
		*id = ID(v)
	default:
		return fmt.Errorf("cannot scan %T into ID", value)
	}
	return nil
}

// String returns the string representation of the ID.
func (id ID) String() string {
	return string(id)
}

// EntityType identifies a synced entity table.
type EntityType string

const (
	EntityTransaction EntityType = "transaction"
	EntityPlanned     EntityType = "planned_template"
	EntitySheet       EntityType = "sheet"
)

// EntityTypes lists every type participating in sync, in a stable order.
var EntityTypes = []EntityType{EntityTransaction, EntityPlanned, EntitySheet}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityTransaction, EntityPlanned, EntitySheet:
		return true
	}
	return false
}

// Operation is the kind of mutation recorded in the sync queue.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Key identifies a single entity row across the sync core.
type Key struct {
	Type EntityType
	ID   ID
}

func (k Key) String() string {
	return string(k.Type) + "/" + string(k.ID)
}
