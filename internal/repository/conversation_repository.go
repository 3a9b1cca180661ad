package repository

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"convsync/internal/domain"

	"github.com/go-kivik/kivik/v4"
)

// ConversationRepository stores each user's conversations for the hosted
// API. Conversations are opaque apart from their id and updatedAt.
//
// Upsert reports false, without writing, when the stored copy has a later
// updatedAt than conv.
type ConversationRepository interface {
	EnsureNamespace(ctx context.Context, userID string) (*domain.Namespace, error)
	Upsert(ctx context.Context, userID string, conv *domain.Conversation) (bool, error)
	FindByID(ctx context.Context, userID, conversationID string) (*domain.Conversation, error)
	List(ctx context.Context, userID string) ([]domain.RemoteFileInfo, error)
	Delete(ctx context.Context, userID, conversationID string) error
}

type conversationDoc struct {
	ID             string               `json:"_id"`
	Rev            string               `json:"_rev,omitempty"`
	Type           string               `json:"type"`
	UserID         string               `json:"user_id"`
	ConversationID string               `json:"conversation_id"`
	UpdatedAt      time.Time            `json:"updated_at"`
	Conversation   *domain.Conversation `json:"conversation,omitempty"`
}

type namespaceDoc struct {
	ID        string    `json:"_id"`
	Rev       string    `json:"_rev,omitempty"`
	Type      string    `json:"type"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

type conversationRepository struct {
	client *kivik.Client
	dbName string
}

func NewConversationRepository(client *kivik.Client, dbName string) ConversationRepository {
	return &conversationRepository{
		client: client,
		dbName: dbName,
	}
}

func conversationDocID(userID, conversationID string) string {
	return fmt.Sprintf("conversation:%s:%s", userID, conversationID)
}

func namespaceOf(userID string) *domain.Namespace {
	root := fmt.Sprintf("users/%s", userID)
	return &domain.Namespace{
		UserID:          userID,
		RootID:          root,
		ConversationsID: root + "/conversations",
	}
}

func (r *conversationRepository) EnsureNamespace(ctx context.Context, userID string) (*domain.Namespace, error) {
	db := r.client.DB(r.dbName)
	docID := fmt.Sprintf("namespace:%s", userID)

	_, err := db.GetRev(ctx, docID)
	switch {
	case err == nil:
		return namespaceOf(userID), nil
	case kivik.HTTPStatus(err) != http.StatusNotFound:
		return nil, fmt.Errorf("failed to find namespace: %w", err)
	}

	doc := namespaceDoc{
		ID:        docID,
		Type:      "namespace",
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := db.Put(ctx, docID, doc); err != nil && kivik.HTTPStatus(err) != http.StatusConflict {
		return nil, fmt.Errorf("failed to create namespace: %w", err)
	}
	return namespaceOf(userID), nil
}

// Upsert compares against the stored copy and writes with the revision it
// read. A concurrent writer makes the put fail with a conflict, and the
// comparison is made again against the new copy.
func (r *conversationRepository) Upsert(ctx context.Context, userID string, conv *domain.Conversation) (bool, error) {
	db := r.client.DB(r.dbName)
	docID := conversationDocID(userID, conv.ID)

	doc := conversationDoc{
		ID:             docID,
		Type:           "conversation",
		UserID:         userID,
		ConversationID: conv.ID,
		UpdatedAt:      conv.UpdatedAt,
		Conversation:   conv,
	}

	for attempt := 0; attempt < 3; attempt++ {
		var stored conversationDoc
		err := db.Get(ctx, docID).ScanDoc(&stored)
		switch {
		case err == nil:
			if stored.UpdatedAt.After(conv.UpdatedAt) {
				return false, nil
			}
			doc.Rev = stored.Rev
		case kivik.HTTPStatus(err) == http.StatusNotFound:
			doc.Rev = ""
		default:
			return false, fmt.Errorf("failed to fetch conversation: %w", err)
		}

		_, err = db.Put(ctx, docID, doc)
		if err == nil {
			return true, nil
		}
		if kivik.HTTPStatus(err) != http.StatusConflict {
			return false, fmt.Errorf("failed to save conversation: %w", err)
		}
	}
	return false, fmt.Errorf("failed to save conversation: revision conflict")
}

func (r *conversationRepository) FindByID(ctx context.Context, userID, conversationID string) (*domain.Conversation, error) {
	db := r.client.DB(r.dbName)

	var doc conversationDoc
	if err := db.Get(ctx, conversationDocID(userID, conversationID)).ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find conversation: %w", err)
	}
	if doc.Conversation == nil {
		return nil, domain.ErrNotFound
	}
	return doc.Conversation, nil
}

func (r *conversationRepository) List(ctx context.Context, userID string) ([]domain.RemoteFileInfo, error) {
	db := r.client.DB(r.dbName)

	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"type":    "conversation",
			"user_id": userID,
		},
		"fields": []string{"_id", "conversation_id", "updated_at"},
	}

	rows := db.Find(ctx, query)
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	infos := []domain.RemoteFileInfo{}
	for rows.Next() {
		var doc conversationDoc
		if err := rows.ScanDoc(&doc); err != nil {
			continue
		}
		infos = append(infos, domain.RemoteFileInfo{
			RemoteFileID:   doc.ConversationID,
			ConversationID: doc.ConversationID,
			ModifiedAt:     doc.UpdatedAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	return infos, nil
}

func (r *conversationRepository) Delete(ctx context.Context, userID, conversationID string) error {
	db := r.client.DB(r.dbName)
	docID := conversationDocID(userID, conversationID)

	rev, err := db.GetRev(ctx, docID)
	if err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return domain.ErrNotFound
		}
		return fmt.Errorf("failed to fetch conversation revision: %w", err)
	}

	if _, err := db.Delete(ctx, docID, rev); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return domain.ErrNotFound
		}
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return nil
}
