package main

import (
	"context"
	"testing"
	"time"

	"convsync/internal/cache"
	"convsync/internal/config"
	"convsync/internal/domain"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestProfile_SaveAndLoad(t *testing.T) {
	t.Setenv("CONVSYNC_HOME", t.TempDir())

	empty, err := loadProfile()
	require.NoError(t, err)
	assert.Equal(t, &Profile{}, empty)

	p := &Profile{}
	require.NoError(t, setProfileValue(p, "identity.user_id", "user1"))
	require.NoError(t, setProfileValue(p, "remote.backend", "HTTP"))
	require.NoError(t, setProfileValue(p, "remote.base_url", "https://sync.example.com"))
	require.NoError(t, setProfileValue(p, "cache.driver", "memory"))
	require.NoError(t, saveProfile(p))

	loaded, err := loadProfile()
	require.NoError(t, err)
	assert.Equal(t, "user1", loaded.Identity.UserID)
	assert.Equal(t, config.RemoteHTTP, loaded.Remote.Backend)
	assert.Equal(t, "https://sync.example.com", loaded.Remote.BaseURL)
	assert.Equal(t, config.CacheMemory, loaded.Cache.Driver)
}

func TestSetProfileValue_RejectsUnknownKeys(t *testing.T) {
	p := &Profile{}
	assert.Error(t, setProfileValue(p, "user_id", "x"))
	assert.Error(t, setProfileValue(p, "identity.email", "x"))
	assert.Error(t, setProfileValue(p, "drive.access_token", "x"))
}

func TestProfile_ApplyOverridesEnvironment(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	p := &Profile{
		Identity: ProfileIdentity{DeviceID: "laptop"},
		Remote:   ProfileRemote{Backend: config.RemoteDrive, AppFolder: "Chats"},
	}
	require.NoError(t, p.apply(cfg))
	assert.Equal(t, config.RemoteDrive, cfg.Remote.Backend)
	assert.Equal(t, "Chats", cfg.Remote.AppFolder)
	assert.Equal(t, "laptop", cfg.Remote.DeviceID)
	assert.Equal(t, "http://localhost:8080", cfg.Remote.BaseURL)

	p.Cache.Driver = "floppy"
	assert.Error(t, p.apply(cfg))
}

func TestProfile_APIToken(t *testing.T) {
	p := &Profile{}
	_, err := p.apiToken()
	assert.Error(t, err)

	p.Remote.Token = "tok"
	p.Remote.TokenExpires = time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	tok, err := p.apiToken()
	require.NoError(t, err)
	assert.Equal(t, "tok", tok)

	p.Remote.TokenExpires = time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	_, err = p.apiToken()
	assert.Error(t, err)
}

func TestProfile_DriveTokenRoundTrip(t *testing.T) {
	p := &Profile{}
	_, err := p.driveToken()
	assert.Error(t, err)

	expiry := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	p.setDriveToken(&oauth2.Token{
		AccessToken:  "access",
		RefreshToken: "refresh",
		TokenType:    "Bearer",
		Expiry:       expiry,
	})

	tok, err := p.driveToken()
	require.NoError(t, err)
	assert.Equal(t, "access", tok.AccessToken)
	assert.Equal(t, "refresh", tok.RefreshToken)
	assert.True(t, tok.Expiry.Equal(expiry))
}

func TestOpenStore_Memory(t *testing.T) {
	cfg := &config.Config{Cache: config.CacheConfig{Driver: config.CacheMemory}}

	store, closeStore, err := openStore(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer closeStore()
	assert.IsType(t, &cache.MemoryStore{}, store)

	entry := &domain.CachedConversationEntry{
		Conversation: domain.NewConversation("hello"),
		SyncState:    domain.SyncStatePendingWrite,
	}
	require.NoError(t, store.Put(context.Background(), entry))
	entries, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestOpenStore_CouchNeedsDSN(t *testing.T) {
	cfg := &config.Config{Cache: config.CacheConfig{Driver: config.CacheCouch}}
	_, _, err := openStore(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)
}
