package repository

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"convsync/internal/domain"

	"github.com/go-kivik/kivik/v4/driver"
	"github.com/go-kivik/kivik/v4/mockdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDB = "convsync"

// couchError carries the HTTP status CouchDB would answer with.
type couchError int

func (e couchError) Error() string   { return http.StatusText(int(e)) }
func (e couchError) HTTPStatus() int { return int(e) }

func storedDoc(t *testing.T, rev string, conv *domain.Conversation) *driver.Document {
	t.Helper()
	return mockdb.DocumentT(t, conversationDoc{
		ID:             conversationDocID("u1", conv.ID),
		Rev:            rev,
		Type:           "conversation",
		UserID:         "u1",
		ConversationID: conv.ID,
		UpdatedAt:      conv.UpdatedAt,
		Conversation:   conv,
	})
}

func decodeDoc(t *testing.T, doc interface{}) conversationDoc {
	t.Helper()
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	var out conversationDoc
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func sampleConversation(id, title string, at time.Time) *domain.Conversation {
	at = domain.Timestamp(at)
	return &domain.Conversation{
		ID:        id,
		Title:     title,
		Messages:  []domain.Message{},
		CreatedAt: at,
		UpdatedAt: at,
		Version:   domain.ConversationSchemaVersion,
	}
}

func TestConversationRepository_UpsertCreates(t *testing.T) {
	client, mock := mockdb.NewT(t)
	db := mock.NewDB()
	docID := conversationDocID("u1", "c1")

	var written conversationDoc
	mock.ExpectDB().WithName(testDB).WillReturn(db)
	db.ExpectGet().WithDocID(docID).WillReturnError(couchError(http.StatusNotFound))
	db.ExpectPut().WithDocID(docID).WillExecute(func(_ context.Context, _ string, doc interface{}, _ driver.Options) (string, error) {
		written = decodeDoc(t, doc)
		return "1-a", nil
	})

	repo := NewConversationRepository(client, testDB)
	applied, err := repo.Upsert(context.Background(), "u1", sampleConversation("c1", "hello", time.Now()))
	require.NoError(t, err)
	assert.True(t, applied)

	assert.Empty(t, written.Rev)
	assert.Equal(t, "c1", written.ConversationID)
	assert.Equal(t, "hello", written.Conversation.Title)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConversationRepository_UpsertSkipsOlderWrite(t *testing.T) {
	client, mock := mockdb.NewT(t)
	db := mock.NewDB()
	now := time.Now()
	docID := conversationDocID("u1", "c1")

	mock.ExpectDB().WithName(testDB).WillReturn(db)
	db.ExpectGet().WithDocID(docID).WillReturn(storedDoc(t, "3-c", sampleConversation("c1", "newer", now)))

	repo := NewConversationRepository(client, testDB)
	applied, err := repo.Upsert(context.Background(), "u1", sampleConversation("c1", "older", now.Add(-time.Minute)))
	require.NoError(t, err)
	assert.False(t, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConversationRepository_UpsertRechecksAfterConflict(t *testing.T) {
	client, mock := mockdb.NewT(t)
	db := mock.NewDB()
	now := time.Now()
	docID := conversationDocID("u1", "c1")

	var putRev string
	mock.ExpectDB().WithName(testDB).WillReturn(db)
	db.ExpectGet().WithDocID(docID).WillReturn(storedDoc(t, "1-a", sampleConversation("c1", "base", now.Add(-time.Hour))))
	db.ExpectPut().WithDocID(docID).WillExecute(func(_ context.Context, _ string, doc interface{}, _ driver.Options) (string, error) {
		putRev = decodeDoc(t, doc).Rev
		return "", couchError(http.StatusConflict)
	})
	// another device got in first with a later copy
	db.ExpectGet().WithDocID(docID).WillReturn(storedDoc(t, "2-b", sampleConversation("c1", "racer", now.Add(time.Minute))))

	repo := NewConversationRepository(client, testDB)
	applied, err := repo.Upsert(context.Background(), "u1", sampleConversation("c1", "mine", now))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, "1-a", putRev)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConversationRepository_UpsertRetriesWithNewRevision(t *testing.T) {
	client, mock := mockdb.NewT(t)
	db := mock.NewDB()
	now := time.Now()
	docID := conversationDocID("u1", "c1")

	var revs []string
	record := func(_ context.Context, _ string, doc interface{}, _ driver.Options) (string, error) {
		revs = append(revs, decodeDoc(t, doc).Rev)
		if len(revs) == 1 {
			return "", couchError(http.StatusConflict)
		}
		return "3-c", nil
	}
	mock.ExpectDB().WithName(testDB).WillReturn(db)
	db.ExpectGet().WithDocID(docID).WillReturn(storedDoc(t, "1-a", sampleConversation("c1", "base", now.Add(-time.Hour))))
	db.ExpectPut().WithDocID(docID).WillExecute(record)
	db.ExpectGet().WithDocID(docID).WillReturn(storedDoc(t, "2-b", sampleConversation("c1", "older racer", now.Add(-time.Minute))))
	db.ExpectPut().WithDocID(docID).WillExecute(record)

	repo := NewConversationRepository(client, testDB)
	applied, err := repo.Upsert(context.Background(), "u1", sampleConversation("c1", "mine", now))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, []string{"1-a", "2-b"}, revs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConversationRepository_FindByID(t *testing.T) {
	client, mock := mockdb.NewT(t)
	db := mock.NewDB()
	now := time.Now()

	mock.ExpectDB().WithName(testDB).WillReturn(db)
	db.ExpectGet().WithDocID(conversationDocID("u1", "c1")).WillReturn(storedDoc(t, "1-a", sampleConversation("c1", "hello", now)))
	mock.ExpectDB().WithName(testDB).WillReturn(db)
	db.ExpectGet().WithDocID(conversationDocID("u1", "missing")).WillReturnError(couchError(http.StatusNotFound))

	repo := NewConversationRepository(client, testDB)
	ctx := context.Background()

	conv, err := repo.FindByID(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "hello", conv.Title)
	assert.True(t, conv.UpdatedAt.Equal(domain.Timestamp(now)))

	_, err = repo.FindByID(ctx, "u1", "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConversationRepository_List(t *testing.T) {
	client, mock := mockdb.NewT(t)
	db := mock.NewDB()

	rows := mockdb.NewRows().
		AddRow(&driver.Row{
			ID:  conversationDocID("u1", "c1"),
			Doc: strings.NewReader(`{"_id":"conversation:u1:c1","conversation_id":"c1","updated_at":"2024-05-01T10:00:00Z"}`),
		}).
		AddRow(&driver.Row{
			ID:  conversationDocID("u1", "c2"),
			Doc: strings.NewReader(`{"_id":"conversation:u1:c2","conversation_id":"c2","updated_at":"2024-05-02T10:00:00Z"}`),
		})
	mock.ExpectDB().WithName(testDB).WillReturn(db)
	db.ExpectFind().WillReturn(rows)

	repo := NewConversationRepository(client, testDB)
	infos, err := repo.List(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "c1", infos[0].ConversationID)
	assert.Equal(t, "c1", infos[0].RemoteFileID)
	assert.Equal(t, time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC), infos[1].ModifiedAt.UTC())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConversationRepository_Delete(t *testing.T) {
	client, mock := mockdb.NewT(t)
	db := mock.NewDB()
	docID := conversationDocID("u1", "c1")

	mock.ExpectDB().WithName(testDB).WillReturn(db)
	db.ExpectGetRev().WithDocID(docID).WillReturn("2-b")
	db.ExpectDelete().WithDocID(docID).WillReturn("3-c")
	mock.ExpectDB().WithName(testDB).WillReturn(db)
	db.ExpectGetRev().WithDocID(docID).WillReturnError(couchError(http.StatusNotFound))

	repo := NewConversationRepository(client, testDB)
	ctx := context.Background()

	require.NoError(t, repo.Delete(ctx, "u1", "c1"))
	assert.ErrorIs(t, repo.Delete(ctx, "u1", "c1"), domain.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
