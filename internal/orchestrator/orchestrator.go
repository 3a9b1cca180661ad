// Package orchestrator mediates between the local cache and a remote
// conversation store. Callers only ever wait on the cache; remote traffic is
// debounced, queued while offline, replayed on reconnect and reconciled with
// last-write-wins on the conversation's updatedAt.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"convsync/internal/cache"
	"convsync/internal/domain"
	"convsync/internal/remote"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

type Options struct {
	Debounce       time.Duration
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	RemoteTimeout  time.Duration
	// StartOffline keeps remote traffic queued until SetOnline(true).
	StartOffline bool
}

func DefaultOptions() Options {
	return Options{
		Debounce:       5 * time.Second,
		MaxAttempts:    5,
		BackoffInitial: time.Second,
		BackoffMax:     30 * time.Second,
		RemoteTimeout:  30 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Debounce <= 0 {
		o.Debounce = d.Debounce
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = d.BackoffInitial
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = d.BackoffMax
	}
	if o.RemoteTimeout <= 0 {
		o.RemoteTimeout = d.RemoteTimeout
	}
	return o
}

type Orchestrator struct {
	cache    cache.Store
	remote   remote.ConversationClient
	opts     Options
	events   *eventBus
	validate *validator.Validate
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	reconcileGroup singleflight.Group

	// cacheMu serializes read-modify-write sequences on cache entries.
	// It is taken before mu, never the other way round.
	cacheMu sync.Mutex

	mu        sync.Mutex
	userID    string
	online    bool
	paused    bool
	closed    bool
	replaying bool
	gen       uint64
	timers    map[string]*debounceTimer
	inflight  map[string]bool
	rerun     map[string]bool
	retries   map[string]*retryState
}

// New builds an orchestrator over store. client may be nil, in which case
// every user is treated as a guest and nothing leaves the device.
func New(store cache.Store, client remote.ConversationClient, userID string, opts Options, log zerolog.Logger) *Orchestrator {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	log = log.With().Str("component", "orchestrator").Logger()

	return &Orchestrator{
		cache:    store,
		remote:   client,
		opts:     opts,
		events:   newEventBus(log),
		validate: validator.New(),
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		userID:   userID,
		online:   !opts.StartOffline,
		timers:   make(map[string]*debounceTimer),
		inflight: make(map[string]bool),
		rerun:    make(map[string]bool),
		retries:  make(map[string]*retryState),
	}
}

type snapshot struct {
	userID string
	guest  bool
	online bool
	paused bool
}

func (o *Orchestrator) state() snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return snapshot{
		userID: o.userID,
		guest:  o.userID == "" || o.remote == nil,
		online: o.online,
		paused: o.paused,
	}
}

// canReachRemote reports whether remote calls are currently allowed.
func (s snapshot) canReachRemote() bool {
	return !s.guest && s.online && !s.paused
}

// OnSyncEvent registers h and returns a function that unregisters it.
func (o *Orchestrator) OnSyncEvent(h EventHandler) func() {
	return o.events.subscribe(h)
}

func (o *Orchestrator) emit(t domain.SyncEventType, id string) {
	o.events.emit(domain.SyncEvent{Type: t, ConversationID: id})
}

func (o *Orchestrator) emitFailure(id string, kind domain.ErrorKind) {
	o.events.emit(domain.SyncEvent{Type: domain.EventSyncFailed, ConversationID: id, ErrorKind: kind})
}

// SaveConversation persists conv to the cache and schedules a debounced
// upload. Only local failures are returned.
func (o *Orchestrator) SaveConversation(ctx context.Context, conv *domain.Conversation) error {
	if conv == nil {
		return fmt.Errorf("%w: nil conversation", domain.ErrInvalidConversation)
	}
	if err := o.validate.Struct(conv); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidConversation, err)
	}

	conv = conv.Clone()
	if conv.Version == 0 {
		conv.Version = domain.ConversationSchemaVersion
	}
	conv.UpdatedAt = domain.Timestamp(conv.UpdatedAt)
	conv.CreatedAt = domain.Timestamp(conv.CreatedAt)

	o.cacheMu.Lock()
	defer o.cacheMu.Unlock()

	existing, err := o.cache.Get(ctx, conv.ID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = domain.Now()
	}
	if existing != nil && !conv.UpdatedAt.After(existing.UpdatedAt()) {
		conv.UpdatedAt = existing.UpdatedAt()
		conv.Touch(domain.Now())
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = conv.UpdatedAt
		if existing != nil && !existing.Conversation.CreatedAt.IsZero() {
			conv.CreatedAt = existing.Conversation.CreatedAt
		}
	}

	entry := &domain.CachedConversationEntry{
		Conversation: conv,
		SyncState:    domain.SyncStatePendingWrite,
	}
	if existing != nil {
		entry.RemoteFileID = existing.RemoteFileID
		entry.LastSyncedAt = existing.LastSyncedAt
	}

	st := o.state()
	if st.guest {
		entry.SyncState = domain.SyncStateSynced
		return o.cache.Put(ctx, entry)
	}

	if err := o.cache.Put(ctx, entry); err != nil {
		return err
	}

	o.scheduleDebounce(conv.ID)
	return nil
}

// LoadConversation reads from the cache and falls back to the remote store
// on a miss for signed-in users.
func (o *Orchestrator) LoadConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	entry, err := o.cache.Get(ctx, id)
	if err == nil {
		if entry.SyncState == domain.SyncStatePendingDelete {
			return nil, domain.ErrNotFound
		}
		return entry.Conversation, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	st := o.state()
	if !st.canReachRemote() {
		return nil, domain.ErrNotFound
	}

	conv, err := o.fetchRemote(ctx, st.userID, id)
	if err != nil {
		kind := domain.KindOf(err)
		if kind != domain.KindNotFound {
			o.log.Warn().Err(err).Str("conversation_id", id).Msg("remote fallback failed")
			o.noteRemoteError(id, err)
		}
		return nil, domain.ErrNotFound
	}
	return conv, nil
}

func (o *Orchestrator) fetchRemote(ctx context.Context, userID, id string) (*domain.Conversation, error) {
	rctx, cancel := context.WithTimeout(ctx, o.opts.RemoteTimeout)
	defer cancel()

	infos, err := o.remote.List(rctx, userID)
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		if info.ConversationID != id {
			continue
		}
		entry, err := o.pull(rctx, userID, info)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			break
		}
		return entry.Conversation, nil
	}
	return nil, domain.ErrNotFound
}

// ListConversations returns cached conversations newest first. Signed-in
// users also get a background reconciliation.
func (o *Orchestrator) ListConversations(ctx context.Context) ([]*domain.Conversation, error) {
	entries, err := o.cache.List(ctx)
	if err != nil {
		return nil, err
	}

	convs := make([]*domain.Conversation, 0, len(entries))
	for _, e := range entries {
		if e.SyncState == domain.SyncStatePendingDelete {
			continue
		}
		convs = append(convs, e.Conversation)
	}

	if o.state().canReachRemote() {
		o.goBackground(func(ctx context.Context) {
			if err := o.Reconcile(ctx); err != nil {
				o.log.Debug().Err(err).Msg("background reconcile failed")
			}
		})
	}
	return convs, nil
}

// DeleteConversation removes id locally and schedules the remote delete.
// Deleting a missing conversation succeeds. A conversation that was never
// cached on this device is looked up remotely when sync is possible.
func (o *Orchestrator) DeleteConversation(ctx context.Context, id string) error {
	o.cacheMu.Lock()
	defer o.cacheMu.Unlock()

	o.cancelDebounce(id)

	entry, err := o.cache.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if err := o.cache.Dequeue(ctx, id); err != nil {
			return err
		}
		if o.state().canReachRemote() {
			o.goBackground(func(context.Context) {
				o.runSync(id, false, o.deleteUncached)
			})
		}
		return nil
	}
	if entry.SyncState == domain.SyncStatePendingDelete {
		return nil
	}

	o.mu.Lock()
	busy := o.inflight[id]
	if busy {
		o.rerun[id] = true
	}
	o.mu.Unlock()

	st := o.state()
	if st.guest || (!busy && entry.RemoteFileID == "") {
		return o.purge(ctx, id)
	}

	entry.SyncState = domain.SyncStatePendingDelete
	if err := o.cache.Put(ctx, entry); err != nil {
		return err
	}

	if !busy {
		o.goBackground(func(context.Context) {
			o.runSync(id, true, o.pushPending)
		})
	}
	return nil
}

// deleteUncached removes every remote copy of id. Nothing is queued when it
// fails: without a cached entry there is no state to replay from.
func (o *Orchestrator) deleteUncached(ctx context.Context, id string) {
	st := o.state()
	if !st.canReachRemote() {
		return
	}

	rctx, cancel := context.WithTimeout(ctx, o.opts.RemoteTimeout)
	defer cancel()

	infos, err := o.remote.List(rctx, st.userID)
	if err != nil {
		o.log.Warn().Err(err).Str("conversation_id", id).Msg("failed to look up remote conversation for delete")
		o.noteRemoteError(id, err)
		return
	}

	for _, info := range infos {
		if info.ConversationID != id {
			continue
		}
		o.emit(domain.EventSyncStarted, id)
		if err := o.remote.Delete(rctx, st.userID, info.RemoteFileID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			o.log.Warn().Err(err).Str("conversation_id", id).Msg("failed to delete remote conversation")
			o.noteRemoteError(id, err)
			return
		}
		o.log.Debug().Str("conversation_id", id).Str("remote_file_id", info.RemoteFileID).Msg("deleted uncached remote conversation")
		o.emit(domain.EventSyncCompleted, id)
	}
}

func (o *Orchestrator) purge(ctx context.Context, id string) error {
	if err := o.cache.Delete(ctx, id); err != nil {
		return err
	}
	o.resetRetry(id)
	return o.cache.Dequeue(ctx, id)
}

// SetIdentity switches between guest (empty userID) and a signed-in user.
// Signing in releases held queue entries and reconciles in the background.
func (o *Orchestrator) SetIdentity(userID string) {
	o.mu.Lock()
	changed := o.userID != userID
	o.userID = userID
	o.paused = false
	o.mu.Unlock()

	if userID == "" || o.remote == nil {
		return
	}
	if changed {
		o.log.Info().Str("user_id", userID).Msg("identity changed")
	}
	o.goBackground(func(ctx context.Context) {
		if err := o.ResumeSync(ctx); err != nil {
			o.log.Warn().Err(err).Msg("failed to resume sync after sign-in")
		}
		if err := o.Reconcile(ctx); err != nil {
			o.log.Debug().Err(err).Msg("reconcile failed")
		}
	})
}

// SetOnline records connectivity. Going online replays the offline queue
// and then reconciles.
func (o *Orchestrator) SetOnline(online bool) {
	o.mu.Lock()
	was := o.online
	o.online = online
	o.mu.Unlock()

	if online && !was {
		o.log.Info().Msg("connectivity restored")
		o.goBackground(func(ctx context.Context) {
			o.catchUp(ctx)
		})
	}
}

func (o *Orchestrator) catchUp(ctx context.Context) {
	if err := o.ReplayQueue(ctx); err != nil {
		o.log.Warn().Err(err).Msg("queue replay failed")
	}
	if err := o.Reconcile(ctx); err != nil {
		o.log.Debug().Err(err).Msg("reconcile failed")
	}
}

// HandleRemoteChange is called when another device reports a change.
func (o *Orchestrator) HandleRemoteChange(ctx context.Context, conversationID string) error {
	o.emit(domain.EventRemoteChangeDetected, conversationID)
	return o.Reconcile(ctx)
}

// Flush fires every pending debounce immediately and waits for the uploads
// started by it.
func (o *Orchestrator) Flush(ctx context.Context) error {
	o.mu.Lock()
	ids := make([]string, 0, len(o.timers))
	for id, t := range o.timers {
		t.timer.Stop()
		ids = append(ids, id)
	}
	o.timers = make(map[string]*debounceTimer)
	o.mu.Unlock()

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		o.runSync(id, true, o.pushPending)
	}
	return nil
}

// Close stops timers, queues uploads that were still waiting on their
// debounce, and waits for in-flight work.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	pending := make([]string, 0, len(o.timers))
	for id, t := range o.timers {
		t.timer.Stop()
		pending = append(pending, id)
	}
	o.timers = make(map[string]*debounceTimer)
	for _, r := range o.retries {
		if r.timer != nil {
			r.timer.Stop()
		}
	}
	o.mu.Unlock()

	o.wg.Wait()

	ctx := context.Background()
	var errs []error
	for _, id := range pending {
		entry, err := o.cache.Get(ctx, id)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				errs = append(errs, err)
			}
			continue
		}
		op, ok := pendingOperation(entry)
		if !ok {
			continue
		}
		if err := o.enqueue(ctx, id, op, entry.UpdatedAt(), domain.KindNetworkUnavailable, false, false); err != nil {
			errs = append(errs, err)
		}
	}

	o.cancel()
	o.events.clear()
	return errors.Join(errs...)
}

// goBackground runs f unless the orchestrator is closed. Close waits for it.
func (o *Orchestrator) goBackground(f func(ctx context.Context)) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		f(o.ctx)
	}()
}
