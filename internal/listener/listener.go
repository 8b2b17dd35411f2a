// Package listener keeps the local cache warm with remote changes.
//
// While connected it consumes the remote notification stream and pulls
// fresh state for each changed entity. Entities with a pending local
// change are not refreshed immediately: the local edit is still in
// flight and the dispatcher's conflict policy decides the winner. Those
// refreshes are deferred until the dispatcher retires the pending entry.
// On every reconnect a full reconciliation pass covers whatever the
// stream missed during the outage.
package listener

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/quillfin/quill/internal/models"
	"github.com/quillfin/quill/internal/monitor"
	"github.com/quillfin/quill/internal/queue"
	"github.com/quillfin/quill/internal/remote"
	"github.com/quillfin/quill/internal/store"
)

// Listener mirrors remote changes into the local store.
type Listener struct {
	store  *store.Store
	queue  *queue.Queue
	remote remote.Store
	mon    *monitor.Monitor

	// resolutions feeds retired queue entries from the dispatcher so
	// deferred refreshes can be replayed.
	resolutions <-chan models.Key

	changes  chan models.Key
	deferred map[models.Key]bool
}

// New creates a listener. resolutions is the dispatcher's Resolutions
// channel.
func New(s *store.Store, q *queue.Queue, r remote.Store, m *monitor.Monitor, resolutions <-chan models.Key) *Listener {
	return &Listener{
		store:       s,
		queue:       q,
		remote:      r,
		mon:         m,
		resolutions: resolutions,
		changes:     make(chan models.Key, 64),
		deferred:    make(map[models.Key]bool),
	}
}

// Changes reports entities whose cached state was replaced by a remote
// refresh, so the UI can re-render them.
func (l *Listener) Changes() <-chan models.Key {
	return l.changes
}

// Run consumes notifications until ctx is canceled.
func (l *Listener) Run(ctx context.Context) {
	states := l.mon.Subscribe()

	var notes <-chan remote.Notification
	var stopStream context.CancelFunc

	if st := l.mon.State(); st == monitor.Connected || st == monitor.Degraded {
		notes, stopStream = l.connect(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			if stopStream != nil {
				stopStream()
			}
			return

		case st := <-states:
			switch st {
			case monitor.Connected:
				if notes == nil {
					notes, stopStream = l.connect(ctx)
				}
			case monitor.Disconnected:
				if stopStream != nil {
					stopStream()
					stopStream = nil
					notes = nil
				}
			}

		case n, ok := <-notes:
			if !ok {
				notes = nil
				if stopStream != nil {
					stopStream()
					stopStream = nil
				}
				continue
			}
			l.handle(ctx, models.Key{Type: n.Type, ID: n.ID})

		case key := <-l.resolutions:
			if l.deferred[key] {
				delete(l.deferred, key)
				l.refresh(ctx, key)
			}
		}
	}
}

// connect opens the notification stream and runs the reconciliation pass
// that covers changes missed while offline.
func (l *Listener) connect(ctx context.Context) (<-chan remote.Notification, context.CancelFunc) {
	streamCtx, cancel := context.WithCancel(ctx)
	notes, err := l.remote.Listen(streamCtx)
	if err != nil {
		zap.S().Warnf("Failed to open notification stream: %v", err)
		cancel()
		return nil, nil
	}
	l.reconcile(ctx)
	return notes, cancel
}

// handle processes one notification. Entities with an in-flight local
// change are deferred, everything else is refreshed immediately.
func (l *Listener) handle(ctx context.Context, key models.Key) {
	if !key.Type.Valid() {
		zap.S().Warnf("Ignoring notification for unknown type %q", key.Type)
		return
	}
	pending, err := l.queue.PendingForEntity(key.Type, key.ID)
	if err != nil {
		zap.S().Errorf("Failed to check pending state of %s: %v", key, err)
		return
	}
	if pending != nil {
		zap.S().Debugf("Deferring refresh of %s until local change resolves", key)
		l.deferred[key] = true
		return
	}
	l.refresh(ctx, key)
}

// refresh replaces the cached row with the remote state, or drops it if
// the entity was deleted remotely.
func (l *Listener) refresh(ctx context.Context, key models.Key) {
	row, err := l.remote.Fetch(ctx, key.Type, key.ID)
	switch {
	case errors.Is(err, remote.ErrEntityDeleted):
		if err := l.store.Delete(key.Type, key.ID); err != nil {
			zap.S().Errorf("Failed to drop %s after remote deletion: %v", key, err)
			return
		}
	case err != nil:
		zap.S().Warnf("Failed to refresh %s: %v", key, err)
		l.mon.ReportTransportError()
		return
	default:
		row.Conflict = false
		if err := l.store.Put(row); err != nil {
			zap.S().Errorf("Failed to cache refreshed %s: %v", key, err)
			return
		}
	}
	l.emit(key)
}

// reconcile pulls the full remote state and realigns the cache: remote
// rows are upserted, cached rows missing remotely are dropped. Entities
// with pending local changes are left alone on both sides; the dispatcher
// settles them.
func (l *Listener) reconcile(ctx context.Context) {
	for _, typ := range models.EntityTypes {
		remoteRows, err := l.remote.FetchAll(ctx, typ)
		if err != nil {
			zap.S().Warnf("Reconcile aborted for %s: %v", typ, err)
			l.mon.ReportTransportError()
			return
		}

		seen := make(map[models.ID]bool, len(remoteRows))
		for _, row := range remoteRows {
			seen[row.ID] = true
			pending, err := l.queue.PendingForEntity(typ, row.ID)
			if err != nil || pending != nil {
				continue
			}
			local, getErr := l.store.Get(typ, row.ID)
			if getErr == nil && local.Version == row.Version {
				continue
			}
			row.Conflict = false
			if err := l.store.Put(row); err != nil {
				zap.S().Errorf("Failed to reconcile %s/%s: %v", typ, row.ID, err)
				continue
			}
			l.emit(models.Key{Type: typ, ID: row.ID})
		}

		locals, err := l.store.List(typ, store.Query{IncludeDeleted: true})
		if err != nil {
			zap.S().Errorf("Failed to list cached %s: %v", typ, err)
			continue
		}
		for _, local := range locals {
			if seen[local.ID] {
				continue
			}
			pending, err := l.queue.PendingForEntity(typ, local.ID)
			if err != nil || pending != nil {
				continue
			}
			if err := l.store.Delete(typ, local.ID); err != nil {
				zap.S().Errorf("Failed to drop stale %s/%s: %v", typ, local.ID, err)
				continue
			}
			l.emit(models.Key{Type: typ, ID: local.ID})
		}
	}
	zap.S().Info("Reconciliation pass complete")
}

func (l *Listener) emit(key models.Key) {
	select {
	case l.changes <- key:
	default:
	}
}
