// Package syncer drains the durable mutation queue into the remote store.
//
// A single background goroutine owns all dispatch. It wakes on queue
// activity (debounced so a burst of edits becomes one drain), on a safety
// timer that catches anything missed, and on connection recovery. Entries
// are applied oldest first with at-least-once delivery; the remote's
// version compare-and-swap plus full-snapshot payloads make replay after
// a crash harmless.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/quillfin/quill/internal/models"
	"github.com/quillfin/quill/internal/monitor"
	"github.com/quillfin/quill/internal/queue"
	"github.com/quillfin/quill/internal/remote"
	"github.com/quillfin/quill/internal/store"
)

const (
	defaultDebounce = time.Second
	defaultSafety   = 30 * time.Second
	batchSize       = 100

	// Attempts before a repeatedly failing entry is parked for review
	// instead of blocking its entity forever.
	maxAttempts = 10

	// MetaLastSync is the sync_metadata key holding the Unix time of the
	// last successful dispatch.
	MetaLastSync = "last_sync_at"
)

// EventKind classifies dispatcher events.
type EventKind string

const (
	// EventSynced: a local change was confirmed by the remote.
	EventSynced EventKind = "synced"
	// EventSuperseded: a local change lost to a newer remote write and the
	// remote state was adopted. The user should review the entity.
	EventSuperseded EventKind = "superseded"
	// EventParked: a change failed too many times and awaits resolution.
	EventParked EventKind = "parked"
)

// Event is a user-facing sync outcome. Discarded carries the payload of
// a superseded local edit so the UI can offer it back to the user.
type Event struct {
	Kind      EventKind       `json:"kind"`
	Key       models.Key      `json:"key"`
	Message   string          `json:"message,omitempty"`
	Discarded json.RawMessage `json:"discarded,omitempty"`
}

// Syncer is the dispatch loop. Create with New, drive with Run.
type Syncer struct {
	store  *store.Store
	queue  *queue.Queue
	remote remote.Store
	mon    *monitor.Monitor

	debounce time.Duration
	safety   time.Duration

	events      chan Event
	resolutions chan models.Key
}

// New creates a dispatcher over the given store, queue, remote, and
// connection monitor.
func New(s *store.Store, q *queue.Queue, r remote.Store, m *monitor.Monitor) *Syncer {
	return &Syncer{
		store:       s,
		queue:       q,
		remote:      r,
		mon:         m,
		debounce:    defaultDebounce,
		safety:      defaultSafety,
		events:      make(chan Event, 64),
		resolutions: make(chan models.Key, 64),
	}
}

// SetTimers overrides the debounce window and safety interval. Call
// before Run; tests use this to run at millisecond speed.
func (s *Syncer) SetTimers(debounce, safety time.Duration) {
	s.debounce = debounce
	s.safety = safety
}

// Events returns user-facing sync outcomes. The channel is buffered and
// never blocks dispatch; with no consumer the oldest events are dropped.
func (s *Syncer) Events() <-chan Event {
	return s.events
}

// Resolutions reports each entity whose queue entry was retired, so the
// change listener can replay refreshes it deferred while the entity had
// a pending local change.
func (s *Syncer) Resolutions() <-chan models.Key {
	return s.resolutions
}

// Run drains the queue until ctx is canceled.
func (s *Syncer) Run(ctx context.Context) {
	states := s.mon.Subscribe()
	safety := time.NewTicker(s.safety)
	defer safety.Stop()

	var debounce *time.Timer
	var debounceC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case <-s.queue.Changes():
			// Start (or restart) the debounce window so a burst of edits
			// is dispatched as one batch.
			if debounce == nil {
				debounce = time.NewTimer(s.debounce)
				debounceC = debounce.C
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(s.debounce)
			}

		case <-debounceC:
			debounce = nil
			debounceC = nil
			s.Drain(ctx)

		case <-safety.C:
			s.Drain(ctx)

		case st := <-states:
			if st == monitor.Connected {
				if err := s.queue.ResetBackoff(); err != nil {
					zap.S().Errorf("Failed to reset queue backoff: %v", err)
				}
				s.Drain(ctx)
			}
		}
	}
}

// Drain dispatches eligible entries until the queue is empty, an entry
// hits a transient failure, or ctx is canceled. Safe to call directly;
// tests and the startup path do.
func (s *Syncer) Drain(ctx context.Context) {
	if st := s.mon.State(); st != monitor.Connected && st != monitor.Degraded {
		return
	}
	for {
		batch, err := s.queue.PeekBatch(batchSize)
		if err != nil {
			zap.S().Errorf("Failed to read queue batch: %v", err)
			return
		}
		if len(batch) == 0 {
			return
		}
		for _, c := range batch {
			if ctx.Err() != nil {
				return
			}
			if ok := s.dispatch(ctx, c); !ok {
				return
			}
		}
	}
}

// dispatch applies one entry. Returns false when the batch should abort
// (transient failure, remote likely unreachable).
func (s *Syncer) dispatch(ctx context.Context, c *models.PendingChange) bool {
	if err := s.queue.MarkProcessing(c.Sequence); err != nil {
		zap.S().Errorf("Failed to mark change %d processing: %v", c.Sequence, err)
		return false
	}

	version, err := s.remote.Apply(ctx, c)
	switch {
	case err == nil:
		s.confirm(c, version)
		return true

	case errors.Is(err, remote.ErrVersionConflict), errors.Is(err, remote.ErrEntityDeleted):
		s.resolveConflict(ctx, c)
		return true

	default:
		return s.retryLater(c, err)
	}
}

// confirm retires a successful entry: the local row adopts the remote
// version and drops any conflict badge, and the entry leaves the queue.
func (s *Syncer) confirm(c *models.PendingChange, version int64) {
	if c.Operation != models.OpDelete {
		row, err := s.store.Get(c.EntityType, c.EntityID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// Deleted locally since enqueue; the delete entry settles it.
		case err != nil:
			// The remote accepted the change but the local row cannot be
			// read. Keep the entry: a replay is harmless (a create is
			// idempotent, an update resolves as a phantom conflict) and
			// settles the version once the cache is readable again.
			zap.S().Errorf("Failed to read %s after sync: %v", c.Key(), err)
			if err := s.queue.MarkAttempt(c.Sequence, err); err != nil {
				zap.S().Errorf("Failed to reschedule change %d: %v", c.Sequence, err)
			}
			return
		default:
			row.Version = version
			row.Conflict = false
			if err := s.store.Put(row); err != nil {
				zap.S().Errorf("Failed to confirm %s locally: %v", c.Key(), err)
			}
		}
	}
	if err := s.queue.Remove(c.Sequence); err != nil {
		zap.S().Errorf("Failed to remove change %d: %v", c.Sequence, err)
		return
	}
	if err := s.queue.SetMetadata(MetaLastSync, fmt.Sprintf("%d", time.Now().Unix())); err != nil {
		zap.S().Warnf("Failed to record last sync time: %v", err)
	}
	zap.S().Debugf("Synced %s %s", c.Operation, c.Key())
	s.emit(Event{Kind: EventSynced, Key: c.Key()})
	s.resolve(c.Key())
}

// resolveConflict applies the remote-wins policy. The remote state
// replaces the local row; if the content turns out identical the conflict
// was a phantom (same edit arrived via another path) and no notice is
// raised. A genuine supersede badges the row and notifies the user.
func (s *Syncer) resolveConflict(ctx context.Context, c *models.PendingChange) {
	key := c.Key()
	remoteRow, err := s.remote.Fetch(ctx, c.EntityType, c.EntityID)

	switch {
	case errors.Is(err, remote.ErrEntityDeleted):
		if err := s.store.Delete(c.EntityType, c.EntityID); err != nil {
			zap.S().Errorf("Failed to drop %s after remote deletion: %v", key, err)
			return
		}
		s.emit(Event{Kind: EventSuperseded, Key: key, Message: "deleted on another device", Discarded: c.Payload})

	case err != nil:
		// Could not read the winning state; leave the entry for retry.
		s.retryLater(c, err)
		return

	case c.Operation != models.OpDelete && remote.PayloadEqual(remoteRow.Payload, c.Payload):
		// Phantom conflict: both sides already agree.
		remoteRow.Conflict = false
		if err := s.store.Put(remoteRow); err != nil {
			zap.S().Errorf("Failed to adopt remote %s: %v", key, err)
			return
		}
		s.emit(Event{Kind: EventSynced, Key: key})

	default:
		remoteRow.Conflict = true
		if err := s.store.Put(remoteRow); err != nil {
			zap.S().Errorf("Failed to adopt remote %s: %v", key, err)
			return
		}
		zap.S().Infof("Local %s of %s superseded by remote version %d",
			c.Operation, key, remoteRow.Version)
		s.emit(Event{Kind: EventSuperseded, Key: key, Message: "updated on another device", Discarded: c.Payload})
	}

	if err := s.queue.Remove(c.Sequence); err != nil {
		zap.S().Errorf("Failed to remove superseded change %d: %v", c.Sequence, err)
		return
	}
	s.resolve(key)
}

// retryLater records a transient failure. The entry backs off; after too
// many attempts it is parked instead. Returns false to abort the batch,
// since the remote is likely unreachable for every entry.
func (s *Syncer) retryLater(c *models.PendingChange, cause error) bool {
	if c.AttemptCount+1 >= maxAttempts {
		if err := s.queue.MarkConflict(c.Sequence, cause.Error()); err != nil {
			zap.S().Errorf("Failed to park change %d: %v", c.Sequence, err)
		}
		s.emit(Event{Kind: EventParked, Key: c.Key(), Message: cause.Error()})
		return false
	}
	if err := s.queue.MarkAttempt(c.Sequence, cause); err != nil {
		zap.S().Errorf("Failed to record attempt for change %d: %v", c.Sequence, err)
	}
	s.mon.ReportTransportError()
	return false
}

func (s *Syncer) emit(e Event) {
	for {
		select {
		case s.events <- e:
			return
		default:
			// Drop the oldest event rather than block dispatch.
			select {
			case <-s.events:
			default:
			}
		}
	}
}

func (s *Syncer) resolve(key models.Key) {
	select {
	case s.resolutions <- key:
	default:
	}
}
