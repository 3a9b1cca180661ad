package orchestrator

import (
	"context"
	"errors"
	"time"

	"convsync/internal/domain"

	"github.com/cenkalti/backoff/v4"
)

type retryState struct {
	policy *backoff.ExponentialBackOff
	timer  *time.Timer
}

// enqueue writes the queue entry for id. version is the updatedAt of the
// cached copy the operation carries.
func (o *Orchestrator) enqueue(ctx context.Context, id string, op domain.QueueOperation, version time.Time, kind domain.ErrorKind, held, counted bool) error {
	_, err := o.enqueueEntry(ctx, id, op, version, kind, held, counted)
	return err
}

// enqueueEntry keeps a repeated operation at its original position. Attempts
// and holds belong to one version of the conversation: they carry over while
// the same copy is retried, and a newer local copy starts from zero.
func (o *Orchestrator) enqueueEntry(ctx context.Context, id string, op domain.QueueOperation, version time.Time, kind domain.ErrorKind, held, counted bool) (*domain.SyncQueueEntry, error) {
	q := &domain.SyncQueueEntry{
		ConversationID: id,
		Operation:      op,
		EnqueuedAt:     domain.Now(),
		Version:        version,
		LastError:      kind,
		Held:           held,
	}

	existing, err := o.cache.QueueEntry(ctx, id)
	switch {
	case err == nil && existing.Operation == op:
		q.EnqueuedAt = existing.EnqueuedAt
		if !version.After(existing.Version) {
			q.Version = existing.Version
			q.Attempts = existing.Attempts
			q.Held = held || existing.Held
		}
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}
	if counted {
		q.Attempts++
	}

	if err := o.cache.Enqueue(ctx, q); err != nil {
		return nil, err
	}
	return q, nil
}

// stalled reports whether automatic sync has given up on entry: its queue
// entry is held or out of attempts and the cached copy is the one that failed.
func (o *Orchestrator) stalled(ctx context.Context, entry *domain.CachedConversationEntry) bool {
	q, err := o.cache.QueueEntry(ctx, entry.ID())
	if err != nil {
		return false
	}
	if !q.Held && q.Attempts < o.opts.MaxAttempts {
		return false
	}
	return !entry.UpdatedAt().After(q.Version)
}

// handleFailure classifies a failed remote operation on the copy at version.
// counted is set for replays and backoff retries, whose failures use up
// attempts.
func (o *Orchestrator) handleFailure(ctx context.Context, id string, op domain.QueueOperation, version time.Time, cause error, counted bool) {
	kind := domain.KindOf(cause)
	logger := o.log.With().Str("conversation_id", id).Str("operation", string(op)).Str("kind", string(kind)).Logger()

	if errors.Is(cause, context.Canceled) {
		// shutting down; leave the work queued for the next run
		if err := o.enqueue(context.Background(), id, op, version, domain.KindNetworkUnavailable, false, false); err != nil {
			logger.Error().Err(err).Msg("failed to queue conversation on shutdown")
		}
		return
	}

	var held bool
	switch {
	case kind == domain.KindUnauthenticated:
		held = true
		o.pause()
	case kind == domain.KindNotFound:
		// the remote file vanished mid-push; the retry recreates it
	case !kind.Transient():
		held = true
	}

	q, err := o.enqueueEntry(ctx, id, op, version, kind, held, counted)
	if err != nil {
		logger.Error().Err(err).Msg("failed to queue conversation")
		o.emitFailure(id, domain.KindOf(err))
		return
	}
	logger.Warn().Err(cause).Int("attempts", q.Attempts).Msg("remote sync failed")

	if q.Held || q.Attempts >= o.opts.MaxAttempts {
		o.emitFailure(id, kind)
		return
	}

	o.events.emit(domain.SyncEvent{Type: domain.EventSyncQueued, ConversationID: id, ErrorKind: kind})
	o.scheduleRetry(id)
}

// noteRemoteError applies the side effects of a remote failure that is not
// tied to a queued operation.
func (o *Orchestrator) noteRemoteError(id string, err error) {
	kind := domain.KindOf(err)
	if kind == domain.KindUnauthenticated {
		o.pause()
	}
	o.emitFailure(id, kind)
}

// pause stops all remote work until the user signs in again.
func (o *Orchestrator) pause() {
	o.mu.Lock()
	was := o.paused
	o.paused = true
	o.mu.Unlock()

	if !was {
		o.log.Warn().Msg("remote sync paused: authentication required")
		o.emit(domain.EventAuthRequired, "")
	}
}

func (o *Orchestrator) scheduleRetry(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}

	r, ok := o.retries[id]
	if !ok {
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = o.opts.BackoffInitial
		policy.MaxInterval = o.opts.BackoffMax
		policy.Multiplier = 2
		policy.RandomizationFactor = 0.1
		policy.MaxElapsedTime = 0
		policy.Reset()
		r = &retryState{policy: policy}
		o.retries[id] = r
	}
	if r.timer != nil {
		r.timer.Stop()
	}

	wait := r.policy.NextBackOff()
	if wait == backoff.Stop {
		return
	}
	r.timer = time.AfterFunc(wait, func() { o.retry(id) })
}

func (o *Orchestrator) resetRetry(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r, ok := o.retries[id]; ok {
		if r.timer != nil {
			r.timer.Stop()
		}
		delete(o.retries, id)
	}
}

func (o *Orchestrator) retry(id string) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.wg.Add(1)
	o.mu.Unlock()
	defer o.wg.Done()

	if !o.state().canReachRemote() {
		return
	}
	q, err := o.cache.QueueEntry(o.ctx, id)
	if err != nil || q.Held || q.Attempts >= o.opts.MaxAttempts {
		return
	}
	o.runSync(id, false, o.replayOne)
}

// ReplayQueue drains the offline queue oldest first. Entries are isolated:
// one failure does not stop the others. Held entries and entries that used
// up their attempts are skipped.
func (o *Orchestrator) ReplayQueue(ctx context.Context) error {
	o.mu.Lock()
	if o.closed || o.replaying {
		o.mu.Unlock()
		return nil
	}
	o.replaying = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.replaying = false
		o.mu.Unlock()
	}()

	if !o.state().canReachRemote() {
		return nil
	}

	entries, err := o.cache.ListQueue(ctx)
	if err != nil {
		return err
	}

	for _, q := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !o.state().canReachRemote() {
			break
		}
		if q.Held || q.Attempts >= o.opts.MaxAttempts {
			continue
		}
		o.runSync(q.ConversationID, false, o.replayOne)
	}
	return nil
}

func (o *Orchestrator) replayOne(ctx context.Context, id string) {
	entry, err := o.cache.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			if err := o.cache.Dequeue(ctx, id); err != nil {
				o.log.Warn().Err(err).Str("conversation_id", id).Msg("failed to dequeue")
			}
			return
		}
		o.log.Error().Err(err).Str("conversation_id", id).Msg("failed to read cached conversation")
		return
	}

	op, ok := pendingOperation(entry)
	if !ok {
		// already settled, e.g. by reconciliation
		if err := o.cache.Dequeue(ctx, id); err != nil {
			o.log.Warn().Err(err).Str("conversation_id", id).Msg("failed to dequeue")
		}
		return
	}

	st := o.state()
	if !st.canReachRemote() {
		return
	}
	if err := o.execute(ctx, st.userID, entry, op); err != nil {
		o.handleFailure(ctx, id, op, entry.UpdatedAt(), err, true)
	}
}

// ResumeSync clears held entries and attempt counters, lifts an auth pause
// and replays the queue.
func (o *Orchestrator) ResumeSync(ctx context.Context) error {
	o.mu.Lock()
	o.paused = false
	o.mu.Unlock()

	entries, err := o.cache.ListQueue(ctx)
	if err != nil {
		return err
	}
	for _, q := range entries {
		if !q.Held && q.Attempts == 0 {
			continue
		}
		q.Held = false
		q.Attempts = 0
		if err := o.cache.Enqueue(ctx, q); err != nil {
			return err
		}
		o.resetRetry(q.ConversationID)
	}

	return o.ReplayQueue(ctx)
}
