package service

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"convsync/internal/domain"
	"convsync/internal/websocket"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockConversationRepo struct {
	mu         sync.Mutex
	convs      map[string]map[string]*domain.Conversation
	namespaces map[string]bool
}

func newMockConversationRepo() *mockConversationRepo {
	return &mockConversationRepo{
		convs:      make(map[string]map[string]*domain.Conversation),
		namespaces: make(map[string]bool),
	}
}

func (m *mockConversationRepo) EnsureNamespace(_ context.Context, userID string) (*domain.Namespace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.namespaces[userID] = true
	return &domain.Namespace{UserID: userID, RootID: "users/" + userID, ConversationsID: "users/" + userID + "/conversations"}, nil
}

func (m *mockConversationRepo) Upsert(_ context.Context, userID string, conv *domain.Conversation) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.convs[userID] == nil {
		m.convs[userID] = make(map[string]*domain.Conversation)
	}
	if cur, ok := m.convs[userID][conv.ID]; ok && cur.UpdatedAt.After(conv.UpdatedAt) {
		return false, nil
	}
	m.convs[userID][conv.ID] = conv.Clone()
	return true, nil
}

func (m *mockConversationRepo) FindByID(_ context.Context, userID, conversationID string) (*domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.convs[userID][conversationID]; ok {
		return c.Clone(), nil
	}
	return nil, domain.ErrNotFound
}

func (m *mockConversationRepo) List(_ context.Context, userID string) ([]domain.RemoteFileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := []domain.RemoteFileInfo{}
	for id, c := range m.convs[userID] {
		infos = append(infos, domain.RemoteFileInfo{RemoteFileID: id, ConversationID: id, ModifiedAt: c.UpdatedAt})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ConversationID < infos[j].ConversationID })
	return infos, nil
}

func (m *mockConversationRepo) Delete(_ context.Context, userID, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.convs[userID][conversationID]; !ok {
		return domain.ErrNotFound
	}
	delete(m.convs[userID], conversationID)
	return nil
}

type broadcast struct {
	userID   string
	exclude  string
	msgType  websocket.MessageType
	changeID string
}

type mockBroadcaster struct {
	mu   sync.Mutex
	sent []broadcast
}

func (m *mockBroadcaster) BroadcastToUser(userID string, message *websocket.Message, excludeDeviceID string) error {
	var payload websocket.ConversationChangePayload
	if err := message.UnmarshalPayload(&payload); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, broadcast{
		userID:   userID,
		exclude:  excludeDeviceID,
		msgType:  message.Type,
		changeID: payload.ConversationID,
	})
	return nil
}

func newTestService() (*ConversationService, *mockConversationRepo, *mockBroadcaster) {
	repo := newMockConversationRepo()
	b := &mockBroadcaster{}
	return NewConversationService(repo, NewSyncService(b), zerolog.Nop()), repo, b
}

func testConversation(id, title string, at time.Time) *domain.Conversation {
	return &domain.Conversation{
		ID:        id,
		Title:     title,
		Messages:  []domain.Message{},
		CreatedAt: domain.Timestamp(at),
		UpdatedAt: domain.Timestamp(at),
		Version:   domain.ConversationSchemaVersion,
	}
}

func TestConversationService_SaveAndGet(t *testing.T) {
	svc, _, b := newTestService()
	ctx := context.Background()

	resp, err := svc.Save(ctx, "user1", "laptop", "c1", &domain.SaveConversationRequest{
		Conversation: testConversation("c1", "hello", time.Now()),
	})
	require.NoError(t, err)
	assert.Equal(t, "c1", resp.RemoteFileID)

	got, err := svc.Get(ctx, "user1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Title)

	require.Len(t, b.sent, 1)
	assert.Equal(t, websocket.TypeConversationUpdate, b.sent[0].msgType)
	assert.Equal(t, "laptop", b.sent[0].exclude)
	assert.Equal(t, "c1", b.sent[0].changeID)
}

func TestConversationService_SaveFillsMissingID(t *testing.T) {
	svc, repo, _ := newTestService()

	conv := testConversation("", "no id", time.Now())
	_, err := svc.Save(context.Background(), "user1", "", "c7", &domain.SaveConversationRequest{Conversation: conv})
	require.NoError(t, err)
	assert.Contains(t, repo.convs["user1"], "c7")
}

func TestConversationService_SaveRejectsMismatchedID(t *testing.T) {
	svc, _, _ := newTestService()

	_, err := svc.Save(context.Background(), "user1", "", "c1", &domain.SaveConversationRequest{
		Conversation: testConversation("c2", "wrong", time.Now()),
	})
	assert.ErrorIs(t, err, domain.ErrInvalidConversation)
}

func TestConversationService_IgnoresStaleWrite(t *testing.T) {
	svc, _, b := newTestService()
	ctx := context.Background()
	now := time.Now()

	_, err := svc.Save(ctx, "user1", "phone", "c1", &domain.SaveConversationRequest{
		Conversation: testConversation("c1", "newer", now),
	})
	require.NoError(t, err)

	resp, err := svc.Save(ctx, "user1", "laptop", "c1", &domain.SaveConversationRequest{
		Conversation: testConversation("c1", "older", now.Add(-time.Minute)),
	})
	require.NoError(t, err)
	assert.Equal(t, "c1", resp.RemoteFileID)

	got, err := svc.Get(ctx, "user1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "newer", got.Title)
	assert.Len(t, b.sent, 1)
}

func TestConversationService_ConcurrentSavesKeepNewest(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	base := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		at := base.Add(time.Duration(i) * time.Second)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Save(ctx, "user1", "", "c1", &domain.SaveConversationRequest{
				Conversation: testConversation("c1", at.Format(time.RFC3339), at),
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := svc.Get(ctx, "user1", "c1")
	require.NoError(t, err)
	assert.Equal(t, base.Add(19*time.Second).Format(time.RFC3339), got.Title)
}

func TestConversationService_UsersAreIsolated(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	_, err := svc.Save(ctx, "user1", "", "c1", &domain.SaveConversationRequest{
		Conversation: testConversation("c1", "mine", time.Now()),
	})
	require.NoError(t, err)

	_, err = svc.Get(ctx, "user2", "c1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	infos, err := svc.List(ctx, "user2")
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestConversationService_Delete(t *testing.T) {
	svc, _, b := newTestService()
	ctx := context.Background()

	_, err := svc.Save(ctx, "user1", "", "c1", &domain.SaveConversationRequest{
		Conversation: testConversation("c1", "bye", time.Now()),
	})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, "user1", "phone", "c1"))
	assert.Equal(t, websocket.TypeConversationDelete, b.sent[len(b.sent)-1].msgType)

	err = svc.Delete(ctx, "user1", "phone", "c1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConversationService_EnsureNamespace(t *testing.T) {
	svc, repo, _ := newTestService()

	ns, err := svc.EnsureNamespace(context.Background(), "user1")
	require.NoError(t, err)
	assert.Equal(t, "users/user1/conversations", ns.Namespace)
	assert.True(t, repo.namespaces["user1"])
}
