package cache

import (
	"context"
	"fmt"
	"sync"

	"convsync/internal/domain"
)

// MemoryStore is a goroutine-safe in-memory Store. Values are kept in their
// serialized form so a write fails the same way a persistent store would.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  map[string][]byte
	queue    map[string][]byte
	maxBytes int
	used     int
}

// NewMemoryStore creates a store. A positive maxBytes caps the total size of
// stored entries; writes beyond it fail with domain.ErrStorageFull.
func NewMemoryStore(maxBytes int) *MemoryStore {
	return &MemoryStore{
		entries:  make(map[string][]byte),
		queue:    make(map[string][]byte),
		maxBytes: maxBytes,
	}
}

func (s *MemoryStore) Get(_ context.Context, id string) (*domain.CachedConversationEntry, error) {
	s.mu.RLock()
	data, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.ErrNotFound
	}

	var entry domain.CachedConversationEntry
	if err := decode(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *MemoryStore) Put(_ context.Context, entry *domain.CachedConversationEntry) error {
	if err := validEntry(entry); err != nil {
		return err
	}
	data, err := encode(entry)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := entry.Conversation.ID
	used := s.used - len(s.entries[id]) + len(data)
	if s.maxBytes > 0 && used > s.maxBytes {
		return fmt.Errorf("%w: %d of %d bytes in use", domain.ErrStorageFull, s.used, s.maxBytes)
	}
	s.entries[id] = data
	s.used = used
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.used -= len(s.entries[id])
	delete(s.entries, id)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]*domain.CachedConversationEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.CachedConversationEntry, 0, len(s.entries))
	for _, data := range s.entries {
		var entry domain.CachedConversationEntry
		if err := decode(data, &entry); err != nil {
			return nil, err
		}
		result = append(result, &entry)
	}
	sortByUpdatedDesc(result)
	return result, nil
}

func (s *MemoryStore) Enqueue(_ context.Context, entry *domain.SyncQueueEntry) error {
	if entry == nil || entry.ConversationID == "" {
		return fmt.Errorf("%w: queue entry has no conversation id", domain.ErrInvalidConversation)
	}
	data, err := encode(entry)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue[entry.ConversationID] = data
	return nil
}

func (s *MemoryStore) Dequeue(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queue, conversationID)
	return nil
}

func (s *MemoryStore) QueueEntry(_ context.Context, conversationID string) (*domain.SyncQueueEntry, error) {
	s.mu.RLock()
	data, ok := s.queue[conversationID]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.ErrNotFound
	}

	var entry domain.SyncQueueEntry
	if err := decode(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *MemoryStore) ListQueue(_ context.Context) ([]*domain.SyncQueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.SyncQueueEntry, 0, len(s.queue))
	for _, data := range s.queue {
		var entry domain.SyncQueueEntry
		if err := decode(data, &entry); err != nil {
			return nil, err
		}
		result = append(result, &entry)
	}
	sortQueueFIFO(result)
	return result, nil
}
