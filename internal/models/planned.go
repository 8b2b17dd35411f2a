// Package models provides data model definitions for the Quill sync core.
package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Frequency is the recurrence interval of a planned template.
type Frequency string

const (
	FreqOnce      Frequency = "once"
	FreqWeekly    Frequency = "weekly"
	FreqBiweekly  Frequency = "biweekly"
	FreqMonthly   Frequency = "monthly"
	FreqQuarterly Frequency = "quarterly"
	FreqYearly    Frequency = "yearly"
)

// PlannedTemplate describes a recurring transaction to be expanded by the
// forecast engine. The sync core only cares about ID and Version.
type PlannedTemplate struct {
	ID             ID              `json:"id"`
	StartDate      string          `json:"start_date"` // YYYY-MM-DD
	EndDate        string          `json:"end_date,omitempty"`
	Description    string          `json:"description"`
	Amount         decimal.Decimal `json:"amount"`
	Type           TransactionType `json:"type"`
	Frequency      Frequency       `json:"frequency"`
	TargetSheet    string          `json:"target_sheet"`
	Category       string          `json:"category,omitempty"`
	Party          string          `json:"party,omitempty"`
	Activity       string          `json:"activity,omitempty"`
	SkippedDates   []string        `json:"skipped_dates,omitempty"`
	FulfilledDates []string        `json:"fulfilled_dates,omitempty"`
	Version        int64           `json:"version"`
}

// Row wraps the template in a sync envelope.
func (p *PlannedTemplate) Row() (*Row, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal planned template: %w", err)
	}
	return &Row{
		Type:      EntityPlanned,
		ID:        p.ID,
		Version:   p.Version,
		Payload:   payload,
		UpdatedAt: time.Now().Unix(),
	}, nil
}

// PlannedFromRow decodes a sync envelope back into a planned template.
func PlannedFromRow(row *Row) (*PlannedTemplate, error) {
	var p PlannedTemplate
	if err := json.Unmarshal(row.Payload, &p); err != nil {
		return nil, fmt.Errorf("unmarshal planned template %s: %w", row.ID, err)
	}
	p.Version = row.Version
	return &p, nil
}
