package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillfin/quill/internal/models"
	"github.com/quillfin/quill/internal/monitor"
	"github.com/quillfin/quill/internal/queue"
	"github.com/quillfin/quill/internal/remote"
	"github.com/quillfin/quill/internal/store"
	"github.com/quillfin/quill/internal/syncer"
)

type fixture struct {
	store  *store.Store
	queue  *queue.Queue
	remote *remote.Memory
	mon    *monitor.Monitor
	syncer *syncer.Syncer
	ledger *Ledger
	ctx    context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	q, err := queue.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	rem := remote.NewMemory()
	mon := monitor.New(rem)
	mon.SetIntervals(time.Hour, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go mon.Start(ctx)

	require.Eventually(t, func() bool {
		return mon.State() == monitor.Connected
	}, 2*time.Second, 5*time.Millisecond, "monitor never connected")

	disp := syncer.New(st, q, rem, mon)
	return &fixture{
		store:  st,
		queue:  q,
		remote: rem,
		mon:    mon,
		syncer: disp,
		ledger: New(st, q, mon),
		ctx:    ctx,
	}
}

func newTx(t *testing.T, description string) *models.Transaction {
	t.Helper()
	tx, err := models.NewTransaction("2026-09-01", description,
		decimal.NewFromFloat(4.50), models.TypeExpense, "cash")
	require.NoError(t, err)
	return tx
}

func TestSaveAndReadBack(t *testing.T) {
	f := newFixture(t)

	tx := newTx(t, "coffee")
	require.NoError(t, f.ledger.SaveTransaction(tx))

	got, err := f.ledger.Transaction(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, "coffee", got.Description)
	assert.True(t, got.Amount.Equal(decimal.NewFromFloat(4.50)))
	assert.Equal(t, int64(1), got.Version)

	pending, err := f.ledger.PendingCount()
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestSaveRejectsInvalid(t *testing.T) {
	f := newFixture(t)

	tx := newTx(t, "coffee")
	tx.Amount = decimal.NewFromInt(-1)
	assert.Error(t, f.ledger.SaveTransaction(tx))

	pending, _ := f.ledger.PendingCount()
	assert.Zero(t, pending, "invalid write must not reach the queue")
}

func TestTransactionsFilterBySheet(t *testing.T) {
	f := newFixture(t)

	cash := newTx(t, "coffee")
	card := newTx(t, "groceries")
	card.Sheet = "card"
	require.NoError(t, f.ledger.SaveTransaction(cash))
	require.NoError(t, f.ledger.SaveTransaction(card))

	all, err := f.ledger.Transactions("")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	onlyCard, err := f.ledger.Transactions("card")
	require.NoError(t, err)
	require.Len(t, onlyCard, 1)
	assert.Equal(t, "groceries", onlyCard[0].Description)
}

func TestDeleteMissingTransaction(t *testing.T) {
	f := newFixture(t)
	err := f.ledger.DeleteTransaction(models.NewID())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSheetsAndPlanned(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.ledger.SaveSheet(&models.Sheet{Name: "cash"}))
	sheets, err := f.ledger.Sheets()
	require.NoError(t, err)
	require.Len(t, sheets, 1)
	assert.Equal(t, "cash", sheets[0].Name)

	p := &models.PlannedTemplate{
		StartDate:   "2026-09-01",
		Description: "rent",
		Amount:      decimal.NewFromInt(1200),
		Type:        models.TypeExpense,
		Frequency:   models.FreqMonthly,
		TargetSheet: "cash",
	}
	require.NoError(t, f.ledger.SavePlanned(p))
	templates, err := f.ledger.PlannedTemplates()
	require.NoError(t, err)
	require.Len(t, templates, 1)
	assert.Equal(t, models.FreqMonthly, templates[0].Frequency)
}

// TestOfflineEditingConverges walks the full offline round trip: writes
// during an outage stay readable and queued, and a reconnect drains them
// so the remote converges with local state.
func TestOfflineEditingConverges(t *testing.T) {
	f := newFixture(t)

	// Go offline.
	outage := errors.New("connection refused")
	f.remote.SetFailure(outage)

	tx := newTx(t, "offline coffee")
	require.NoError(t, f.ledger.SaveTransaction(tx))

	tx.Description = "offline coffee, edited"
	require.NoError(t, f.ledger.SaveTransaction(tx))

	sheet := &models.Sheet{Name: "travel"}
	require.NoError(t, f.ledger.SaveSheet(sheet))

	// Reads keep working from the cache.
	got, err := f.ledger.Transaction(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, "offline coffee, edited", got.Description)

	// Both edits of the transaction coalesced into one queued change.
	pending, err := f.ledger.PendingCount()
	require.NoError(t, err)
	assert.Equal(t, 2, pending)

	// Nothing reached the remote yet.
	assert.Zero(t, f.remote.Applied())

	// Reconnect and drain.
	f.remote.SetFailure(nil)
	require.NoError(t, f.queue.ResetBackoff())
	f.syncer.Drain(f.ctx)

	pending, err = f.ledger.PendingCount()
	require.NoError(t, err)
	assert.Zero(t, pending)

	row, err := f.remote.Fetch(f.ctx, models.EntityTransaction, tx.ID)
	require.NoError(t, err)
	remoteTx, err := models.TransactionFromRow(row)
	require.NoError(t, err)
	assert.Equal(t, "offline coffee, edited", remoteTx.Description)

	_, err = f.remote.Fetch(f.ctx, models.EntitySheet, sheet.ID)
	require.NoError(t, err)

	assert.NotZero(t, f.ledger.LastSyncAt())
}

// TestDeleteWhileOfflineNeverReachesRemote covers the create-then-delete
// elision: an entity born and discarded offline leaves no trace anywhere.
func TestDeleteWhileOfflineNeverReachesRemote(t *testing.T) {
	f := newFixture(t)
	f.remote.SetFailure(errors.New("connection refused"))

	tx := newTx(t, "ephemeral")
	require.NoError(t, f.ledger.SaveTransaction(tx))
	require.NoError(t, f.ledger.DeleteTransaction(tx.ID))

	pending, err := f.ledger.PendingCount()
	require.NoError(t, err)
	assert.Zero(t, pending)

	f.remote.SetFailure(nil)
	f.syncer.Drain(f.ctx)
	assert.Zero(t, f.remote.Applied())
}

func TestConflictSurfacesForResolution(t *testing.T) {
	f := newFixture(t)

	tx := newTx(t, "poisoned")
	require.NoError(t, f.ledger.SaveTransaction(tx))

	// Force the entry into the parked state.
	change, err := f.queue.PendingForEntity(models.EntityTransaction, tx.ID)
	require.NoError(t, err)
	require.NoError(t, f.queue.MarkConflict(change.Sequence, "gave up"))

	conflicts, err := f.ledger.Conflicts()
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	require.NoError(t, f.ledger.ResolveConflict(conflicts[0].Sequence, false))
	pending, _ := f.ledger.PendingCount()
	assert.Zero(t, pending)
}

func TestConnectionStateExposed(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, monitor.Connected, f.ledger.ConnectionState())
}
