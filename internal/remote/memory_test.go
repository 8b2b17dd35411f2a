package remote

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/quillfin/quill/internal/models"
)

func change(id models.ID, op models.Operation, expected int64, payload string) *models.PendingChange {
	return &models.PendingChange{
		EntityType:      models.EntityTransaction,
		EntityID:        id,
		Operation:       op,
		ExpectedVersion: expected,
		Payload:         json.RawMessage(payload),
	}
}

func TestCreateAndFetch(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id := models.NewID()

	v, err := m.Apply(ctx, change(id, models.OpCreate, 0, `{"a":1}`))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if v != 1 {
		t.Errorf("version = %d, want 1", v)
	}

	row, err := m.Fetch(ctx, models.EntityTransaction, id)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if row.Version != 1 || string(row.Payload) != `{"a":1}` {
		t.Errorf("row = %+v", row)
	}
}

func TestCreateReplayIsIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id := models.NewID()

	if _, err := m.Apply(ctx, change(id, models.OpCreate, 0, `{"a":1}`)); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	// Crash between remote apply and queue removal replays the same change.
	v, err := m.Apply(ctx, change(id, models.OpCreate, 0, `{"a":1}`))
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if v != 1 {
		t.Errorf("replay version = %d, want 1", v)
	}

	// A different payload under the same ID is a real collision.
	if _, err := m.Apply(ctx, change(id, models.OpCreate, 0, `{"a":2}`)); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("err = %v, want ErrVersionConflict", err)
	}
}

func TestUpdateCAS(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id := models.NewID()

	if _, err := m.Apply(ctx, change(id, models.OpCreate, 0, `{"a":1}`)); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	v, err := m.Apply(ctx, change(id, models.OpUpdate, 1, `{"a":2}`))
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if v != 2 {
		t.Errorf("version = %d, want 2", v)
	}

	// Stale expected version loses.
	if _, err := m.Apply(ctx, change(id, models.OpUpdate, 1, `{"a":3}`)); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("err = %v, want ErrVersionConflict", err)
	}
}

func TestUpdateOfDeletedEntity(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id := models.NewID()

	if _, err := m.Apply(ctx, change(id, models.OpUpdate, 1, `{"a":1}`)); !errors.Is(err, ErrEntityDeleted) {
		t.Errorf("err = %v, want ErrEntityDeleted", err)
	}
}

func TestDeleteSemantics(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id := models.NewID()

	if _, err := m.Apply(ctx, change(id, models.OpCreate, 0, `{"a":1}`)); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := m.Apply(ctx, change(id, models.OpDelete, 2, `{}`)); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("stale delete err = %v, want ErrVersionConflict", err)
	}
	if _, err := m.Apply(ctx, change(id, models.OpDelete, 1, `{}`)); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	// Deleting again is a no-op, not an error.
	if _, err := m.Apply(ctx, change(id, models.OpDelete, 1, `{}`)); err != nil {
		t.Errorf("repeat delete err = %v, want nil", err)
	}
	if _, err := m.Fetch(ctx, models.EntityTransaction, id); !errors.Is(err, ErrEntityDeleted) {
		t.Errorf("fetch after delete err = %v, want ErrEntityDeleted", err)
	}
}

func TestFailureInjection(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	outage := errors.New("connection refused")

	m.SetFailure(outage)
	if err := m.Ping(ctx); !errors.Is(err, outage) {
		t.Errorf("ping err = %v, want injected failure", err)
	}
	if _, err := m.Apply(ctx, change(models.NewID(), models.OpCreate, 0, `{}`)); !errors.Is(err, outage) {
		t.Errorf("apply err = %v, want injected failure", err)
	}

	m.SetFailure(nil)
	if err := m.Ping(ctx); err != nil {
		t.Errorf("ping after recovery = %v", err)
	}
}

func TestListenDeliversChanges(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notes, err := m.Listen(ctx)
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}

	id := models.NewID()
	if _, err := m.Apply(ctx, change(id, models.OpCreate, 0, `{"a":1}`)); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	n := <-notes
	if n.Type != models.EntityTransaction || n.ID != id {
		t.Errorf("notification = %+v", n)
	}
}

func TestIsTransient(t *testing.T) {
	if IsTransient(ErrVersionConflict) {
		t.Error("version conflict classified transient")
	}
	if IsTransient(ErrEntityDeleted) {
		t.Error("remote deletion classified transient")
	}
	if IsTransient(context.Canceled) {
		t.Error("cancellation classified transient")
	}
	if !IsTransient(errors.New("connection refused")) {
		t.Error("network failure not classified transient")
	}
}

func TestPayloadEqual(t *testing.T) {
	a := json.RawMessage(`{"a":1,"b":"x"}`)
	b := json.RawMessage(`{"b":"x","a":1}`)
	c := json.RawMessage(`{"a":2,"b":"x"}`)

	if !PayloadEqual(a, b) {
		t.Error("key order should not matter")
	}
	if PayloadEqual(a, c) {
		t.Error("different content compared equal")
	}
}
