package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"convsync/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const conversationSchema = `
	CREATE TABLE IF NOT EXISTS namespaces (
		user_id    TEXT PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE TABLE IF NOT EXISTS conversations (
		user_id         TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		payload         JSONB NOT NULL,
		updated_at      TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (user_id, conversation_id)
	);
	CREATE INDEX IF NOT EXISTS conversations_user_updated_idx
		ON conversations (user_id, updated_at DESC);
`

// PostgresConversationRepository keeps conversations as JSONB rows keyed by
// (user_id, conversation_id).
type PostgresConversationRepository struct {
	db *pgxpool.Pool
}

func NewPostgresConversationRepository(db *pgxpool.Pool) *PostgresConversationRepository {
	return &PostgresConversationRepository{db: db}
}

// Migrate creates the tables when they do not exist yet.
func (r *PostgresConversationRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, conversationSchema); err != nil {
		return fmt.Errorf("failed to migrate conversations schema: %w", err)
	}
	return nil
}

func (r *PostgresConversationRepository) EnsureNamespace(ctx context.Context, userID string) (*domain.Namespace, error) {
	query := `INSERT INTO namespaces (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`
	if _, err := r.db.Exec(ctx, query, userID); err != nil {
		return nil, fmt.Errorf("failed to create namespace: %w", err)
	}
	return namespaceOf(userID), nil
}

// Upsert writes conv unless the stored row has a later updated_at. The check
// is part of the statement, so concurrent writers cannot interleave with it.
func (r *PostgresConversationRepository) Upsert(ctx context.Context, userID string, conv *domain.Conversation) (bool, error) {
	payload, err := json.Marshal(conv)
	if err != nil {
		return false, fmt.Errorf("%w: %v", domain.ErrSerialization, err)
	}

	query := `
		INSERT INTO conversations (user_id, conversation_id, payload, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, conversation_id)
		DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at
		WHERE conversations.updated_at <= EXCLUDED.updated_at
	`
	tag, err := r.db.Exec(ctx, query, userID, conv.ID, payload, conv.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to save conversation: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresConversationRepository) FindByID(ctx context.Context, userID, conversationID string) (*domain.Conversation, error) {
	query := `SELECT payload FROM conversations WHERE user_id = $1 AND conversation_id = $2`

	var payload []byte
	err := r.db.QueryRow(ctx, query, userID, conversationID).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find conversation: %w", err)
	}

	var conv domain.Conversation
	if err := json.Unmarshal(payload, &conv); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSerialization, err)
	}
	return &conv, nil
}

func (r *PostgresConversationRepository) List(ctx context.Context, userID string) ([]domain.RemoteFileInfo, error) {
	query := `
		SELECT conversation_id, updated_at
		FROM conversations WHERE user_id = $1
		ORDER BY updated_at DESC
	`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	infos := []domain.RemoteFileInfo{}
	for rows.Next() {
		var info domain.RemoteFileInfo
		if err := rows.Scan(&info.ConversationID, &info.ModifiedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		info.RemoteFileID = info.ConversationID
		info.ModifiedAt = domain.Timestamp(info.ModifiedAt)
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return infos, nil
}

func (r *PostgresConversationRepository) Delete(ctx context.Context, userID, conversationID string) error {
	query := `DELETE FROM conversations WHERE user_id = $1 AND conversation_id = $2`
	tag, err := r.db.Exec(ctx, query, userID, conversationID)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
