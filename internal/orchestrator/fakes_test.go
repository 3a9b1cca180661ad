package orchestrator

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"convsync/internal/domain"
)

// fakeRemote is an in-memory ConversationClient that records every call.
type fakeRemote struct {
	mu      sync.Mutex
	files   map[string]*domain.Conversation
	calls   []string
	err     error
	failFor map[string]error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		files:   make(map[string]*domain.Conversation),
		failFor: make(map[string]error),
	}
}

func (f *fakeRemote) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeRemote) failConversation(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failFor, id)
		return
	}
	f.failFor[id] = err
}

func (f *fakeRemote) seed(conv *domain.Conversation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[conv.ID] = conv.Clone()
}

func (f *fakeRemote) file(id string) *domain.Conversation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.files[id].Clone()
}

func (f *fakeRemote) record(call, id string) error {
	f.calls = append(f.calls, call+":"+id)
	if err, ok := f.failFor[id]; ok {
		return err
	}
	return f.err
}

// count returns how many calls were made with the given prefix, e.g. "save".
func (f *fakeRemote) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix+":") {
			n++
		}
	}
	return n
}

func (f *fakeRemote) callsWith(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix+":") {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeRemote) EnsureNamespace(_ context.Context, userID string) (*domain.Namespace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("namespace", userID); err != nil {
		return nil, err
	}
	return &domain.Namespace{UserID: userID, RootID: "root", ConversationsID: "conversations"}, nil
}

func (f *fakeRemote) Save(_ context.Context, _ string, conv *domain.Conversation) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("save", conv.ID); err != nil {
		return "", err
	}
	f.files[conv.ID] = conv.Clone()
	return conv.ID, nil
}

func (f *fakeRemote) List(_ context.Context, _ string) ([]domain.RemoteFileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("list", ""); err != nil {
		return nil, err
	}
	infos := make([]domain.RemoteFileInfo, 0, len(f.files))
	for id, c := range f.files {
		infos = append(infos, domain.RemoteFileInfo{RemoteFileID: id, ConversationID: id, ModifiedAt: c.UpdatedAt})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ConversationID < infos[j].ConversationID })
	return infos, nil
}

func (f *fakeRemote) Get(_ context.Context, _ string, remoteFileID string) (*domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("get", remoteFileID); err != nil {
		return nil, err
	}
	c, ok := f.files[remoteFileID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return c.Clone(), nil
}

func (f *fakeRemote) Delete(_ context.Context, _ string, remoteFileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("delete", remoteFileID); err != nil {
		return err
	}
	if _, ok := f.files[remoteFileID]; !ok {
		return domain.ErrNotFound
	}
	delete(f.files, remoteFileID)
	return nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []domain.SyncEvent
}

func (r *eventRecorder) handle(e domain.SyncEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) count(t domain.SyncEventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (r *eventRecorder) find(t domain.SyncEventType, id string) (domain.SyncEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Type == t && e.ConversationID == id {
			return e, true
		}
	}
	return domain.SyncEvent{}, false
}

func conversation(id, title string, at time.Time) *domain.Conversation {
	at = domain.Timestamp(at)
	return &domain.Conversation{
		ID:        id,
		Title:     title,
		Messages:  []domain.Message{{Role: "user", Content: title, CreatedAt: at}},
		CreatedAt: at,
		UpdatedAt: at,
		Version:   domain.ConversationSchemaVersion,
	}
}

// gatedRemote blocks every Save until gate is closed and tracks how many
// saves run at once.
type gatedRemote struct {
	*fakeRemote
	gate    chan struct{}
	entered chan struct{}

	mu        sync.Mutex
	active    int
	maxActive int
	titles    []string
}

func newGatedRemote() *gatedRemote {
	return &gatedRemote{
		fakeRemote: newFakeRemote(),
		gate:       make(chan struct{}),
		entered:    make(chan struct{}, 1),
	}
}

func (g *gatedRemote) Save(ctx context.Context, userID string, conv *domain.Conversation) (string, error) {
	g.mu.Lock()
	g.active++
	if g.active > g.maxActive {
		g.maxActive = g.active
	}
	g.titles = append(g.titles, conv.Title)
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.active--
		g.mu.Unlock()
	}()

	select {
	case g.entered <- struct{}{}:
	default:
	}
	select {
	case <-g.gate:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return g.fakeRemote.Save(ctx, userID, conv)
}

func (g *gatedRemote) saved() (titles []string, maxActive int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.titles...), g.maxActive
}
