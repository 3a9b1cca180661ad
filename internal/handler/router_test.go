package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"convsync/internal/config"
	"convsync/internal/domain"
	"convsync/internal/remote"
	"convsync/internal/service"
	"convsync/internal/websocket"
	"convsync/pkg/jwt"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

// memoryRepo is a goroutine-safe ConversationRepository for handler tests.
type memoryRepo struct {
	mu    sync.Mutex
	convs map[string]map[string]*domain.Conversation
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{convs: make(map[string]map[string]*domain.Conversation)}
}

func (m *memoryRepo) EnsureNamespace(_ context.Context, userID string) (*domain.Namespace, error) {
	return &domain.Namespace{UserID: userID, RootID: "users/" + userID, ConversationsID: "users/" + userID + "/conversations"}, nil
}

func (m *memoryRepo) Upsert(_ context.Context, userID string, conv *domain.Conversation) (bool, error) {
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

func (m *memoryRepo) FindByID(_ context.Context, userID, conversationID string) (*domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.convs[userID][conversationID]; ok {
		return c.Clone(), nil
	}
	return nil, domain.ErrNotFound
}

func (m *memoryRepo) List(_ context.Context, userID string) ([]domain.RemoteFileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := []domain.RemoteFileInfo{}
	for id, c := range m.convs[userID] {
		infos = append(infos, domain.RemoteFileInfo{RemoteFileID: id, ConversationID: id, ModifiedAt: c.UpdatedAt})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ConversationID < infos[j].ConversationID })
	return infos, nil
}

func (m *memoryRepo) Delete(_ context.Context, userID, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.convs[userID][conversationID]; !ok {
		return domain.ErrNotFound
	}
	delete(m.convs[userID], conversationID)
	return nil
}

type testServer struct {
	*httptest.Server
	manager *websocket.Manager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := zerolog.Nop()

	manager := websocket.NewManager(5, time.Second, time.Minute, 50*time.Second, 65536, log)
	done := make(chan struct{})
	go manager.Run(done)

	svc := service.NewConversationService(newMemoryRepo(), service.NewSyncService(manager), log)
	cfg := &config.Config{
		JWT: config.JWTConfig{Secret: testSecret},
		CORS: config.CORSConfig{
			AllowedOrigins: "*",
			AllowedMethods: "GET,POST,PUT,DELETE,OPTIONS",
			AllowedHeaders: "Content-Type,Authorization,X-Device-ID",
		},
	}
	router := NewRouter(
		NewConversationHandler(svc, log),
		NewWebSocketHandler(manager, testSecret, 1024, 1024, log),
		cfg,
		log,
	)

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		close(done)
	})
	return &testServer{Server: srv, manager: manager}
}

func tokenFor(t *testing.T, userID string) string {
	t.Helper()
	token, err := jwt.GenerateToken(userID, time.Hour, testSecret)
	require.NoError(t, err)
	return token
}

func clientFor(t *testing.T, srv *testServer, userID, deviceID string) *remote.HTTPClient {
	token := tokenFor(t, userID)
	return remote.NewHTTPClient(srv.URL, 5*time.Second, func(context.Context, string) (string, error) {
		return token, nil
	}, deviceID)
}

func sampleConversation(id, title string, at time.Time) *domain.Conversation {
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

func TestRouter_ConversationRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	client := clientFor(t, srv, "user1", "laptop")
	ctx := context.Background()

	ns, err := client.EnsureNamespace(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, "users/user1/conversations", ns.ConversationsID)

	at := time.Now().Add(-time.Minute)
	remoteID, err := client.Save(ctx, "user1", sampleConversation("c1", "first", at))
	require.NoError(t, err)
	assert.Equal(t, "c1", remoteID)

	infos, err := client.List(ctx, "user1")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "c1", infos[0].ConversationID)
	assert.True(t, infos[0].ModifiedAt.Equal(domain.Timestamp(at)))

	got, err := client.Get(ctx, "user1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "first", got.Title)
	require.Len(t, got.Messages, 1)

	require.NoError(t, client.Delete(ctx, "user1", "c1"))
	require.NoError(t, client.Delete(ctx, "user1", "c1"))

	_, err = client.Get(ctx, "user1", "c1")
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestRouter_StaleWriteIsAcknowledged(t *testing.T) {
	srv := newTestServer(t)
	client := clientFor(t, srv, "user1", "laptop")
	ctx := context.Background()
	now := time.Now()

	_, err := client.Save(ctx, "user1", sampleConversation("c1", "newer", now))
	require.NoError(t, err)
	_, err = client.Save(ctx, "user1", sampleConversation("c1", "older", now.Add(-time.Hour)))
	require.NoError(t, err)

	got, err := client.Get(ctx, "user1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "newer", got.Title)
}

func TestRouter_RejectsBadRequests(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	bad := remote.NewHTTPClient(srv.URL, 5*time.Second, func(context.Context, string) (string, error) {
		return "not-a-token", nil
	}, "")
	_, err := bad.List(ctx, "user1")
	assert.Equal(t, domain.KindUnauthenticated, domain.KindOf(err))

	client := clientFor(t, srv, "user1", "laptop")
	invalid := sampleConversation("c1", "no role", time.Now())
	invalid.Messages[0].Role = ""
	_, err = client.Save(ctx, "user1", invalid)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestRouter_Health(t *testing.T) {
	srv := newTestServer(t)

	for _, path := range []string{"/health", "/api/v1/health"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

type changeRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *changeRecorder) HandleRemoteChange(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return nil
}

func (r *changeRecorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func TestRouter_ChangeFeedReachesOtherDevices(t *testing.T) {
	srv := newTestServer(t)
	token := tokenFor(t, "user1")

	changes := &changeRecorder{}
	listener, err := websocket.NewListener(srv.URL, "phone", func(context.Context) (string, error) {
		return token, nil
	}, changes, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go listener.Run(ctx)

	require.Eventually(t, func() bool {
		return srv.manager.GetUserConnections("user1") == 1
	}, 2*time.Second, 10*time.Millisecond)

	laptop := clientFor(t, srv, "user1", "laptop")
	phone := clientFor(t, srv, "user1", "phone")

	_, err = phone.Save(context.Background(), "user1", sampleConversation("own", "mine", time.Now()))
	require.NoError(t, err)
	_, err = laptop.Save(context.Background(), "user1", sampleConversation("c1", "hello", time.Now()))
	require.NoError(t, err)
	require.NoError(t, laptop.Delete(context.Background(), "user1", "c1"))

	require.Eventually(t, func() bool {
		return len(changes.seen()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"c1", "c1"}, changes.seen())
}
