// Package models provides data model definitions for the Quill sync core.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType is the direction of a financial transaction.
type TransactionType string

const (
	TypeIncome  TransactionType = "income"
	TypeExpense TransactionType = "expense"
)

// ApprovalStatus is the workflow state of a transaction.
type ApprovalStatus string

const (
	StatusAuto     ApprovalStatus = "--"
	StatusPending  ApprovalStatus = "pending"
	StatusApproved ApprovalStatus = "approved"
	StatusRejected ApprovalStatus = "rejected"
	StatusPlanned  ApprovalStatus = "planned"
)

// Transaction is a single ledger entry. It carries a version counter for
// optimistic concurrency; the sync core treats everything else as payload.
type Transaction struct {
	ID          ID              `json:"id"`
	Date        string          `json:"date"` // YYYY-MM-DD
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Type        TransactionType `json:"type"`
	Status      ApprovalStatus  `json:"status"`
	Sheet       string          `json:"sheet"`
	Category    string          `json:"category,omitempty"`
	Party       string          `json:"party,omitempty"`
	Reference   string          `json:"reference,omitempty"`
	Activity    string          `json:"activity,omitempty"`
	Notes       string          `json:"notes,omitempty"`
	Version     int64           `json:"version"`
	CreatedAt   int64           `json:"created_at"`
	ModifiedAt  int64           `json:"modified_at,omitempty"`
}

// NewTransaction creates a transaction with defaults applied: income is
// auto-approved, expenses start pending.
func NewTransaction(date, description string, amount decimal.Decimal, typ TransactionType, sheet string) (*Transaction, error) {
	t := &Transaction{
		ID:          NewID(),
		Date:        date,
		Description: description,
		Amount:      amount,
		Type:        typ,
		Sheet:       sheet,
		Version:     1,
		CreatedAt:   time.Now().Unix(),
	}
	if typ == TypeIncome {
		t.Status = StatusAuto
	} else {
		t.Status = StatusPending
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks invariants shared by every transaction.
func (t *Transaction) Validate() error {
	if t.Amount.Sign() <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	if strings.TrimSpace(t.Description) == "" {
		return fmt.Errorf("description cannot be empty")
	}
	if strings.TrimSpace(t.Sheet) == "" {
		return fmt.Errorf("sheet cannot be empty")
	}
	return nil
}

// Row wraps the transaction in a sync envelope.
func (t *Transaction) Row() (*Row, error) {
	payload, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal transaction: %w", err)
	}
	return &Row{
		Type:      EntityTransaction,
		ID:        t.ID,
		Version:   t.Version,
		Payload:   payload,
		UpdatedAt: time.Now().Unix(),
	}, nil
}

// TransactionFromRow decodes a sync envelope back into a transaction.
func TransactionFromRow(row *Row) (*Transaction, error) {
	var t Transaction
	if err := json.Unmarshal(row.Payload, &t); err != nil {
		return nil, fmt.Errorf("unmarshal transaction %s: %w", row.ID, err)
	}
	t.Version = row.Version
	return &t, nil
}
