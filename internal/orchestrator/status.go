package orchestrator

import (
	"context"
	"errors"

	"convsync/internal/domain"
)

// Status is the per-conversation state shown by a sync indicator.
type Status string

const (
	StatusIdle          Status = "idle"
	StatusPendingWrite  Status = "pendingWrite"
	StatusSyncing       Status = "syncing"
	StatusSynced        Status = "synced"
	StatusConflict      Status = "conflict"
	StatusQueuedOffline Status = "queuedOffline"
)

// Status reports where conversation id currently is in the sync cycle.
func (o *Orchestrator) Status(ctx context.Context, id string) (Status, error) {
	o.mu.Lock()
	inflight := o.inflight[id]
	_, debouncing := o.timers[id]
	o.mu.Unlock()

	switch {
	case inflight:
		return StatusSyncing, nil
	case debouncing:
		return StatusPendingWrite, nil
	}

	entry, err := o.cache.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return StatusIdle, nil
		}
		return "", err
	}

	if _, err := o.cache.QueueEntry(ctx, id); err == nil {
		return StatusQueuedOffline, nil
	}

	switch entry.SyncState {
	case domain.SyncStateSynced:
		return StatusSynced, nil
	case domain.SyncStateConflict:
		return StatusConflict, nil
	default:
		return StatusPendingWrite, nil
	}
}
