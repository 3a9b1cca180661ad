package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"convsync/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// newPostgresRepo connects to TEST_POSTGRES_DSN and skips the test when no
// database is available.
func newPostgresRepo(t *testing.T) *PostgresConversationRepository {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("postgres unavailable: %v", err)
	}
	t.Cleanup(pool.Close)

	repo := NewPostgresConversationRepository(pool)
	require.NoError(t, repo.Migrate(ctx))
	return repo
}

func TestPostgresRepository_RoundTrip(t *testing.T) {
	repo := newPostgresRepo(t)
	ctx := context.Background()
	userID := "test-" + uuid.NewString()

	ns, err := repo.EnsureNamespace(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, "users/"+userID+"/conversations", ns.ConversationsID)

	applied, err := repo.Upsert(ctx, userID, sampleConversation("c1", "hello", time.Now()))
	require.NoError(t, err)
	assert.True(t, applied)

	conv, err := repo.FindByID(ctx, userID, "c1")
	require.NoError(t, err)
	assert.Equal(t, "hello", conv.Title)

	infos, err := repo.List(ctx, userID)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "c1", infos[0].ConversationID)

	require.NoError(t, repo.Delete(ctx, userID, "c1"))
	assert.ErrorIs(t, repo.Delete(ctx, userID, "c1"), domain.ErrNotFound)
	_, err = repo.FindByID(ctx, userID, "c1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPostgresRepository_UpsertKeepsNewest(t *testing.T) {
	repo := newPostgresRepo(t)
	ctx := context.Background()
	userID := "test-" + uuid.NewString()
	base := time.Now()

	applied, err := repo.Upsert(ctx, userID, sampleConversation("c1", "newer", base))
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = repo.Upsert(ctx, userID, sampleConversation("c1", "older", base.Add(-time.Minute)))
	require.NoError(t, err)
	assert.False(t, applied)

	conv, err := repo.FindByID(ctx, userID, "c1")
	require.NoError(t, err)
	assert.Equal(t, "newer", conv.Title)
}

func TestPostgresRepository_ConcurrentWritersKeepNewest(t *testing.T) {
	repo := newPostgresRepo(t)
	ctx := context.Background()
	userID := "test-" + uuid.NewString()
	base := time.Now()

	var g errgroup.Group
	for i := 0; i < 20; i++ {
		at := base.Add(time.Duration(i) * time.Second)
		g.Go(func() error {
			_, err := repo.Upsert(ctx, userID, sampleConversation("c1", at.Format(time.RFC3339), at))
			return err
		})
	}
	require.NoError(t, g.Wait())

	newest := base.Add(19 * time.Second)
	conv, err := repo.FindByID(ctx, userID, "c1")
	require.NoError(t, err)
	assert.Equal(t, newest.Format(time.RFC3339), conv.Title)
	assert.True(t, conv.UpdatedAt.Equal(domain.Timestamp(newest)))
}
