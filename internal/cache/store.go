// Package cache holds the local copy of every conversation and the queue of
// remote operations waiting to be replayed. Nothing in here touches the
// network on behalf of the sync layer.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"convsync/internal/domain"
)

// Store is the local cache the orchestrator reads and writes synchronously.
type Store interface {
	Get(ctx context.Context, id string) (*domain.CachedConversationEntry, error)
	Put(ctx context.Context, entry *domain.CachedConversationEntry) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*domain.CachedConversationEntry, error)

	// Enqueue replaces any queued operation for the same conversation.
	Enqueue(ctx context.Context, entry *domain.SyncQueueEntry) error
	Dequeue(ctx context.Context, conversationID string) error
	QueueEntry(ctx context.Context, conversationID string) (*domain.SyncQueueEntry, error)
	// ListQueue returns queued operations oldest first.
	ListQueue(ctx context.Context) ([]*domain.SyncQueueEntry, error)
}

func encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSerialization, err)
	}
	return data, nil
}

func decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSerialization, err)
	}
	return nil
}

func validEntry(entry *domain.CachedConversationEntry) error {
	if entry == nil || entry.Conversation == nil || entry.Conversation.ID == "" {
		return fmt.Errorf("%w: entry has no conversation id", domain.ErrInvalidConversation)
	}
	return nil
}

func sortByUpdatedDesc(entries []*domain.CachedConversationEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].UpdatedAt(), entries[j].UpdatedAt()
		if a.Equal(b) {
			return entries[i].ID() < entries[j].ID()
		}
		return a.After(b)
	})
}

func sortQueueFIFO(entries []*domain.SyncQueueEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].EnqueuedAt, entries[j].EnqueuedAt
		if a.Equal(b) {
			return entries[i].ConversationID < entries[j].ConversationID
		}
		return a.Before(b)
	})
}
