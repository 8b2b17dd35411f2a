// Package models provides data model definitions for the Quill sync core.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Sheet is a named ledger page (an account view).
type Sheet struct {
	ID        ID     `json:"id"`
	Name      string `json:"name"`
	IsVirtual bool   `json:"is_virtual,omitempty"`
	IsPlanned bool   `json:"is_planned,omitempty"`
	Version   int64  `json:"version"`
}

// Row wraps the sheet in a sync envelope.
func (s *Sheet) Row() (*Row, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal sheet: %w", err)
	}
	return &Row{
		Type:      EntitySheet,
		ID:        s.ID,
		Version:   s.Version,
		Payload:   payload,
		UpdatedAt: time.Now().Unix(),
	}, nil
}

// SheetFromRow decodes a sync envelope back into a sheet.
func SheetFromRow(row *Row) (*Sheet, error) {
	var s Sheet
	if err := json.Unmarshal(row.Payload, &s); err != nil {
		return nil, fmt.Errorf("unmarshal sheet %s: %w", row.ID, err)
	}
	s.Version = row.Version
	return &s, nil
}
