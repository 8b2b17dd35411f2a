package listener

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/quillfin/quill/internal/models"
	"github.com/quillfin/quill/internal/monitor"
	"github.com/quillfin/quill/internal/queue"
	"github.com/quillfin/quill/internal/remote"
	"github.com/quillfin/quill/internal/store"
)

type fixture struct {
	store       *store.Store
	queue       *queue.Queue
	remote      *remote.Memory
	mon         *monitor.Monitor
	listener    *Listener
	resolutions chan models.Key
	ctx         context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	q, err := queue.OpenInMemory()
	if err != nil {
		t.Fatalf("failed to open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	rem := remote.NewMemory()
	mon := monitor.New(rem)
	mon.SetIntervals(time.Hour, time.Hour)

	resolutions := make(chan models.Key, 16)
	lst := New(st, q, rem, mon, resolutions)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	f := &fixture{
		store:       st,
		queue:       q,
		remote:      rem,
		mon:         mon,
		listener:    lst,
		resolutions: resolutions,
		ctx:         ctx,
	}

	go lst.Run(ctx)
	go mon.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for mon.State() != monitor.Connected {
		if time.Now().After(deadline) {
			t.Fatalf("monitor never connected")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return f
}

func (f *fixture) waitLocal(t *testing.T, typ models.EntityType, id models.ID, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		row, err := f.store.Get(typ, id)
		if err == nil && string(row.Payload) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("local cache never reached %s", want)
}

func (f *fixture) waitGone(t *testing.T, typ models.EntityType, id models.ID) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := f.store.Get(typ, id); errors.Is(err, store.ErrNotFound) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("local row never removed")
}

func remoteApply(t *testing.T, f *fixture, id models.ID, op models.Operation, expected int64, payload string) {
	t.Helper()
	if _, err := f.remote.Apply(f.ctx, &models.PendingChange{
		EntityType:      models.EntityTransaction,
		EntityID:        id,
		Operation:       op,
		ExpectedVersion: expected,
		Payload:         json.RawMessage(payload),
	}); err != nil {
		t.Fatalf("remote apply failed: %v", err)
	}
}

func TestRemoteChangeRefreshesCache(t *testing.T) {
	f := newFixture(t)
	id := models.NewID()

	remoteApply(t, f, id, models.OpCreate, 0, `{"a":"remote"}`)
	f.waitLocal(t, models.EntityTransaction, id, `{"a":"remote"}`)

	select {
	case key := <-f.listener.Changes():
		if key.ID != id {
			t.Errorf("change key = %v", key)
		}
	case <-time.After(time.Second):
		t.Error("no change event emitted")
	}
}

func TestRemoteDeletionRemovesCachedRow(t *testing.T) {
	f := newFixture(t)
	id := models.NewID()

	remoteApply(t, f, id, models.OpCreate, 0, `{"a":1}`)
	f.waitLocal(t, models.EntityTransaction, id, `{"a":1}`)

	remoteApply(t, f, id, models.OpDelete, 1, `{}`)
	f.waitGone(t, models.EntityTransaction, id)
}

func TestRefreshDeferredWhilePending(t *testing.T) {
	f := newFixture(t)
	id := models.NewID()

	// A local edit is in flight for this entity.
	local := `{"a":"local"}`
	if err := f.store.Put(&models.Row{
		Type:    models.EntityTransaction,
		ID:      id,
		Version: 1,
		Payload: json.RawMessage(local),
	}); err != nil {
		t.Fatalf("store put failed: %v", err)
	}
	if err := f.queue.EnqueueSave(models.EntityTransaction, id, 1, json.RawMessage(local)); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	// Remote change arrives for the same entity.
	remoteApply(t, f, id, models.OpCreate, 0, `{"a":"remote"}`)

	// The refresh must not clobber the unsynced local edit.
	time.Sleep(100 * time.Millisecond)
	row, err := f.store.Get(models.EntityTransaction, id)
	if err != nil {
		t.Fatalf("local get failed: %v", err)
	}
	if string(row.Payload) != local {
		t.Fatalf("pending local edit clobbered: %s", row.Payload)
	}

	// Once the dispatcher retires the pending entry, the deferred refresh
	// replays.
	batch, _ := f.queue.PeekBatch(10)
	if err := f.queue.Remove(batch[0].Sequence); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	f.resolutions <- models.Key{Type: models.EntityTransaction, ID: id}

	f.waitLocal(t, models.EntityTransaction, id, `{"a":"remote"}`)
}

func TestReconcileUpsertsRemoteRows(t *testing.T) {
	f := newFixture(t)
	id := models.NewID()

	// Remote row created while the stream was not yet attached; reconcile
	// on the next reconnect must pick it up.
	f.remote.Seed(&models.Row{
		Type:    models.EntityTransaction,
		ID:      id,
		Version: 3,
		Payload: json.RawMessage(`{"a":"missed"}`),
	})

	f.listener.reconcile(f.ctx)

	f.waitLocal(t, models.EntityTransaction, id, `{"a":"missed"}`)
}

func TestReconcileDropsRowsDeletedRemotely(t *testing.T) {
	f := newFixture(t)
	id := models.NewID()

	if err := f.store.Put(&models.Row{
		Type:    models.EntityTransaction,
		ID:      id,
		Version: 1,
		Payload: json.RawMessage(`{"a":1}`),
	}); err != nil {
		t.Fatalf("store put failed: %v", err)
	}

	f.listener.reconcile(f.ctx)
	f.waitGone(t, models.EntityTransaction, id)
}

func TestReconcileSkipsPendingEntities(t *testing.T) {
	f := newFixture(t)
	id := models.NewID()

	local := `{"a":"local-only"}`
	if err := f.store.Put(&models.Row{
		Type:    models.EntityTransaction,
		ID:      id,
		Version: 1,
		Payload: json.RawMessage(local),
	}); err != nil {
		t.Fatalf("store put failed: %v", err)
	}
	if err := f.queue.EnqueueSave(models.EntityTransaction, id, 1, json.RawMessage(local)); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	f.listener.reconcile(f.ctx)

	row, err := f.store.Get(models.EntityTransaction, id)
	if err != nil {
		t.Fatalf("pending local row dropped by reconcile: %v", err)
	}
	if string(row.Payload) != local {
		t.Errorf("pending local row rewritten: %s", row.Payload)
	}
}
