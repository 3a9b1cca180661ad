package orchestrator

import (
	"context"
	"errors"
	"time"

	"convsync/internal/domain"
)

type debounceTimer struct {
	gen   uint64
	timer *time.Timer
}

// scheduleDebounce restarts the quiet-period timer for id.
func (o *Orchestrator) scheduleDebounce(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}

	if t, ok := o.timers[id]; ok {
		t.timer.Stop()
	}
	o.gen++
	gen := o.gen
	o.timers[id] = &debounceTimer{
		gen:   gen,
		timer: time.AfterFunc(o.opts.Debounce, func() { o.fire(id, gen) }),
	}
}

func (o *Orchestrator) cancelDebounce(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.timers[id]; ok {
		t.timer.Stop()
		delete(o.timers, id)
	}
}

func (o *Orchestrator) fire(id string, gen uint64) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	t, ok := o.timers[id]
	if !ok || t.gen != gen {
		// superseded by a later save or by Flush
		o.mu.Unlock()
		return
	}
	delete(o.timers, id)
	o.wg.Add(1)
	o.mu.Unlock()

	defer o.wg.Done()
	o.runSync(id, true, o.pushPending)
}

// runSync keeps at most one remote operation in flight per conversation.
// When id is busy and deferIfBusy is set, a debounced push is run once the
// current flight resolves. It reports whether first was run.
func (o *Orchestrator) runSync(id string, deferIfBusy bool, first func(ctx context.Context, id string)) bool {
	o.mu.Lock()
	if o.inflight[id] {
		if deferIfBusy {
			o.rerun[id] = true
		}
		o.mu.Unlock()
		return false
	}
	o.inflight[id] = true
	o.mu.Unlock()

	first(o.ctx, id)
	for {
		o.mu.Lock()
		if !o.rerun[id] {
			delete(o.inflight, id)
			o.mu.Unlock()
			return true
		}
		delete(o.rerun, id)
		o.mu.Unlock()

		o.pushPending(o.ctx, id)
	}
}

// pushPending sends whatever the cached entry says is outstanding.
func (o *Orchestrator) pushPending(ctx context.Context, id string) {
	entry, err := o.cache.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			o.log.Error().Err(err).Str("conversation_id", id).Msg("failed to read cached conversation")
			o.emitFailure(id, domain.KindOf(err))
		}
		return
	}

	op, ok := pendingOperation(entry)
	if !ok {
		return
	}

	st := o.state()
	if st.guest {
		o.settleAsGuest(ctx, entry)
		return
	}
	if !st.online || st.paused {
		kind := domain.KindNetworkUnavailable
		if st.paused {
			kind = domain.KindUnauthenticated
		}
		if err := o.enqueue(ctx, id, op, entry.UpdatedAt(), kind, st.paused, false); err != nil {
			o.log.Error().Err(err).Str("conversation_id", id).Msg("failed to queue conversation")
			o.emitFailure(id, domain.KindOf(err))
			return
		}
		o.events.emit(domain.SyncEvent{Type: domain.EventSyncQueued, ConversationID: id, ErrorKind: kind})
		return
	}

	if err := o.execute(ctx, st.userID, entry, op); err != nil {
		o.handleFailure(ctx, id, op, entry.UpdatedAt(), err, false)
	}
}

func pendingOperation(entry *domain.CachedConversationEntry) (domain.QueueOperation, bool) {
	switch entry.SyncState {
	case domain.SyncStatePendingWrite, domain.SyncStateConflict:
		return domain.QueueOperationUpsert, true
	case domain.SyncStatePendingDelete:
		return domain.QueueOperationDelete, true
	default:
		return "", false
	}
}

// settleAsGuest finishes pending work locally after a sign-out.
func (o *Orchestrator) settleAsGuest(ctx context.Context, entry *domain.CachedConversationEntry) {
	var err error
	if entry.SyncState == domain.SyncStatePendingDelete {
		err = o.purge(ctx, entry.ID())
	} else {
		entry.SyncState = domain.SyncStateSynced
		err = o.cache.Put(ctx, entry)
	}
	if err != nil {
		o.log.Error().Err(err).Str("conversation_id", entry.ID()).Msg("failed to settle guest conversation")
	}
}

// execute performs one remote operation and records success.
func (o *Orchestrator) execute(ctx context.Context, userID string, entry *domain.CachedConversationEntry, op domain.QueueOperation) error {
	id := entry.ID()
	o.emit(domain.EventSyncStarted, id)

	rctx, cancel := context.WithTimeout(ctx, o.opts.RemoteTimeout)
	defer cancel()

	switch op {
	case domain.QueueOperationDelete:
		if entry.RemoteFileID != "" {
			err := o.remote.Delete(rctx, userID, entry.RemoteFileID)
			if err != nil && !errors.Is(err, domain.ErrNotFound) {
				return err
			}
		}
		if err := o.finishDelete(ctx, id); err != nil {
			return err
		}
	default:
		remoteID, err := o.remote.Save(rctx, userID, entry.Conversation)
		if err != nil {
			return err
		}
		if err := o.markPushed(ctx, id, entry.UpdatedAt(), remoteID); err != nil {
			return err
		}
	}

	o.resetRetry(id)
	if err := o.cache.Dequeue(ctx, id); err != nil {
		o.log.Warn().Err(err).Str("conversation_id", id).Msg("failed to dequeue")
	}
	o.log.Debug().Str("conversation_id", id).Str("operation", string(op)).Msg("conversation synced")
	o.emit(domain.EventSyncCompleted, id)
	return nil
}

func (o *Orchestrator) finishDelete(ctx context.Context, id string) error {
	o.cacheMu.Lock()
	defer o.cacheMu.Unlock()

	cur, err := o.cache.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}
	if cur.SyncState != domain.SyncStatePendingDelete {
		// saved again while the delete was in flight
		cur.RemoteFileID = ""
		return o.cache.Put(ctx, cur)
	}
	return o.cache.Delete(ctx, id)
}

// markPushed records a successful upload. An entry edited during the upload
// stays pendingWrite so its own debounce sends the newer copy.
func (o *Orchestrator) markPushed(ctx context.Context, id string, pushed time.Time, remoteID string) error {
	o.cacheMu.Lock()
	defer o.cacheMu.Unlock()

	cur, err := o.cache.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}

	now := domain.Now()
	switch {
	case cur.SyncState == domain.SyncStatePendingDelete:
		if remoteID != "" {
			cur.RemoteFileID = remoteID
		}
	case cur.UpdatedAt().Equal(pushed):
		cur.MarkSynced(remoteID, now)
	default:
		if remoteID != "" {
			cur.RemoteFileID = remoteID
		}
		cur.LastSyncedAt = &now
	}
	return o.cache.Put(ctx, cur)
}
