package orchestrator

import (
	"context"
	"errors"
	"time"

	"convsync/internal/domain"
)

// Reconcile compares the cache with the remote listing and converges both
// sides with last-write-wins. Concurrent calls share one run.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	_, err, _ := o.reconcileGroup.Do("reconcile", func() (interface{}, error) {
		return nil, o.reconcile(ctx)
	})
	return err
}

func (o *Orchestrator) reconcile(ctx context.Context) error {
	st := o.state()
	if !st.canReachRemote() {
		return nil
	}

	rctx, cancel := context.WithTimeout(ctx, o.opts.RemoteTimeout)
	infos, err := o.remote.List(rctx, st.userID)
	cancel()
	if err != nil {
		if domain.KindOf(err) == domain.KindUnauthenticated {
			o.pause()
		}
		return err
	}

	remoteByID := make(map[string]domain.RemoteFileInfo, len(infos))
	for _, info := range infos {
		if info.ConversationID == "" {
			continue
		}
		if prev, ok := remoteByID[info.ConversationID]; ok && !info.ModifiedAt.After(prev.ModifiedAt) {
			continue
		}
		remoteByID[info.ConversationID] = info
	}

	locals, err := o.cache.List(ctx)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(locals))
	for _, entry := range locals {
		id := entry.ID()
		seen[id] = true
		if !o.state().canReachRemote() {
			return domain.ErrUnauthenticated
		}
		if o.busy(id) {
			continue
		}

		info, present := remoteByID[id]
		if err := o.reconcileOne(ctx, st.userID, entry, info, present); err != nil {
			if domain.KindOf(err) == domain.KindUnauthenticated {
				return err
			}
			o.log.Warn().Err(err).Str("conversation_id", id).Msg("reconcile failed for conversation")
		}
	}

	for id, info := range remoteByID {
		if seen[id] || o.busy(id) {
			continue
		}
		if !o.state().canReachRemote() {
			return domain.ErrUnauthenticated
		}
		if _, err := o.pull(ctx, st.userID, info); err != nil {
			if domain.KindOf(err) == domain.KindUnauthenticated {
				return err
			}
			o.log.Warn().Err(err).Str("conversation_id", id).Msg("failed to pull remote conversation")
		}
	}
	return nil
}

func (o *Orchestrator) reconcileOne(ctx context.Context, userID string, entry *domain.CachedConversationEntry, info domain.RemoteFileInfo, present bool) error {
	id := entry.ID()
	expect := entry.UpdatedAt()

	if o.stalled(ctx, entry) {
		// held or out of attempts; only a newer remote copy settles it
		if !present || entry.SyncState == domain.SyncStatePendingDelete || resolveLWW(expect, info.ModifiedAt) != resolutionPullRemote {
			return nil
		}
	}

	if !present {
		switch entry.SyncState {
		case domain.SyncStateSynced:
			if entry.RemoteFileID != "" {
				// deleted on another device
				removed, err := o.removeIfUnchanged(ctx, id, expect)
				if err != nil || !removed {
					return err
				}
				o.emit(domain.EventRemoteChangeDetected, id)
				return nil
			}
			// never uploaded, e.g. written while signed out
			if _, err := o.mutate(ctx, id, expect, func(e *domain.CachedConversationEntry) {
				e.SyncState = domain.SyncStatePendingWrite
			}); err != nil {
				return err
			}
			o.pushNow(id)
		case domain.SyncStatePendingDelete:
			if _, err := o.removeIfUnchanged(ctx, id, expect); err != nil {
				return err
			}
		default:
			o.pushNow(id)
		}
		return nil
	}

	if entry.SyncState == domain.SyncStatePendingDelete {
		o.pushNow(id)
		return nil
	}

	switch resolveLWW(expect, info.ModifiedAt) {
	case resolutionPushLocal:
		ok, err := o.mutate(ctx, id, expect, func(e *domain.CachedConversationEntry) {
			e.SyncState = domain.SyncStatePendingWrite
			if e.RemoteFileID == "" {
				e.RemoteFileID = info.RemoteFileID
			}
		})
		if err != nil || !ok {
			return err
		}
		o.events.emit(domain.SyncEvent{Type: domain.EventConflictResolved, ConversationID: id, Winner: domain.WinnerLocal})
		o.pushNow(id)

	case resolutionPullRemote:
		pulled, err := o.pull(ctx, userID, info)
		if err != nil {
			return err
		}
		if pulled != nil && entry.SyncState != domain.SyncStateSynced {
			o.events.emit(domain.SyncEvent{Type: domain.EventConflictResolved, ConversationID: id, Winner: domain.WinnerRemote})
		}

	default:
		if entry.SyncState == domain.SyncStateSynced && entry.RemoteFileID != "" {
			return nil
		}
		ok, err := o.mutate(ctx, id, expect, func(e *domain.CachedConversationEntry) {
			e.MarkSynced(info.RemoteFileID, domain.Now())
		})
		if err != nil || !ok {
			return err
		}
		o.resetRetry(id)
		return o.cache.Dequeue(ctx, id)
	}
	return nil
}

// pull downloads a remote conversation into the cache. It returns nil
// without error when the local copy is newer or busy.
func (o *Orchestrator) pull(ctx context.Context, userID string, info domain.RemoteFileInfo) (*domain.CachedConversationEntry, error) {
	id := info.ConversationID

	rctx, cancel := context.WithTimeout(ctx, o.opts.RemoteTimeout)
	conv, err := o.remote.Get(rctx, userID, info.RemoteFileID)
	cancel()
	if err != nil {
		switch domain.KindOf(err) {
		case domain.KindNotFound:
			// listed but unreadable; retried on the next reconcile
			if _, merr := o.mutateAny(ctx, id, func(e *domain.CachedConversationEntry) bool {
				if e.SyncState != domain.SyncStateSynced {
					return false
				}
				e.SyncState = domain.SyncStateConflict
				return true
			}); merr != nil {
				o.log.Warn().Err(merr).Str("conversation_id", id).Msg("failed to mark conversation for resync")
			}
			o.emitFailure(id, domain.KindNotFound)
		case domain.KindUnauthenticated:
			o.pause()
		}
		return nil, err
	}

	conv.ID = id
	conv.UpdatedAt = domain.Timestamp(conv.UpdatedAt)
	if conv.Version == 0 {
		conv.Version = domain.ConversationSchemaVersion
	}

	o.cacheMu.Lock()
	defer o.cacheMu.Unlock()

	if o.busy(id) {
		return nil, nil
	}
	cur, err := o.cache.Get(ctx, id)
	switch {
	case err == nil:
		if cur.SyncState == domain.SyncStatePendingDelete || cur.UpdatedAt().After(conv.UpdatedAt) {
			return nil, nil
		}
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	now := domain.Now()
	entry := &domain.CachedConversationEntry{
		Conversation: conv,
		SyncState:    domain.SyncStateSynced,
		RemoteFileID: info.RemoteFileID,
		LastSyncedAt: &now,
	}
	if err := o.cache.Put(ctx, entry); err != nil {
		return nil, err
	}
	if err := o.cache.Dequeue(ctx, id); err != nil {
		o.log.Warn().Err(err).Str("conversation_id", id).Msg("failed to dequeue")
	}
	o.resetRetry(id)

	o.log.Debug().Str("conversation_id", id).Msg("pulled remote conversation")
	o.emit(domain.EventRemoteChangeDetected, id)
	return entry, nil
}

// pushNow runs the pending operation for id on the calling goroutine,
// unless automatic sync has given up on the cached copy.
func (o *Orchestrator) pushNow(id string) {
	o.runSync(id, true, func(ctx context.Context, id string) {
		entry, err := o.cache.Get(ctx, id)
		if err == nil && o.stalled(ctx, entry) {
			o.log.Debug().Str("conversation_id", id).Msg("skipping stalled conversation")
			return
		}
		o.pushPending(ctx, id)
	})
}

func (o *Orchestrator) busy(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, debouncing := o.timers[id]
	return o.inflight[id] || debouncing
}

// mutate applies fn to the cached entry for id when it still carries the
// updatedAt the caller decided on. It reports whether fn was applied.
func (o *Orchestrator) mutate(ctx context.Context, id string, expect time.Time, fn func(e *domain.CachedConversationEntry)) (bool, error) {
	return o.mutateAny(ctx, id, func(e *domain.CachedConversationEntry) bool {
		if !e.UpdatedAt().Equal(expect) {
			return false
		}
		fn(e)
		return true
	})
}

func (o *Orchestrator) mutateAny(ctx context.Context, id string, fn func(e *domain.CachedConversationEntry) bool) (bool, error) {
	o.cacheMu.Lock()
	defer o.cacheMu.Unlock()

	cur, err := o.cache.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if !fn(cur) {
		return false, nil
	}
	return true, o.cache.Put(ctx, cur)
}

func (o *Orchestrator) removeIfUnchanged(ctx context.Context, id string, expect time.Time) (bool, error) {
	o.cacheMu.Lock()
	defer o.cacheMu.Unlock()

	cur, err := o.cache.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if !cur.UpdatedAt().Equal(expect) || o.busy(id) {
		return false, nil
	}
	if err := o.purge(ctx, id); err != nil {
		return false, err
	}
	return true, nil
}
