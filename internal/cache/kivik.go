package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"syscall"
	"time"

	"convsync/internal/domain"

	"github.com/go-kivik/kivik/v4"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
)

const (
	kindEntry   = "conversation"
	kindQueue   = "queue"
	kindIndex   = "index"
	kindDeleted = "deleted"

	entryPrefix = "conv:"
	queuePrefix = "queue:"

	entryIndex = "index:conv"
	queueIndex = "index:queue"
)

type kivikDoc struct {
	ID        string                          `json:"_id"`
	Rev       string                          `json:"_rev,omitempty"`
	Kind      string                          `json:"kind"`
	UpdatedAt time.Time                       `json:"updated_at"`
	Entry     *domain.CachedConversationEntry `json:"entry,omitempty"`
	Queue     *domain.SyncQueueEntry          `json:"queue,omitempty"`
	IDs       []string                        `json:"ids,omitempty"`
}

// KivikStore keeps the cache in a kivik database: a CouchDB instance on the
// device or an on-disk database opened with the fs driver. Reads of recently
// touched conversations are served from an LRU.
//
// The fs driver has no AllDocs or Delete, so the store only uses Get, GetRev
// and Put. Listing goes through two index documents holding the known ids, and
// a delete overwrites the document with an empty "deleted" revision.
type KivikStore struct {
	db     *kivik.DB
	recent *lru.Cache
	log    zerolog.Logger

	indexMu sync.Mutex
}

func NewKivikStore(ctx context.Context, client *kivik.Client, dbName string, lruSize int, log zerolog.Logger) (*KivikStore, error) {
	exists, err := client.DBExists(ctx, dbName)
	if err != nil {
		return nil, fmt.Errorf("failed to check cache database: %w", mapKivikError(err))
	}
	if !exists {
		if err := client.CreateDB(ctx, dbName); err != nil {
			return nil, fmt.Errorf("failed to create cache database: %w", mapKivikError(err))
		}
		log.Info().Str("db", dbName).Msg("created cache database")
	}

	if lruSize <= 0 {
		lruSize = 128
	}
	recent, err := lru.New(lruSize)
	if err != nil {
		return nil, err
	}

	return &KivikStore{
		db:     client.DB(dbName),
		recent: recent,
		log:    log.With().Str("component", "kivik-cache").Logger(),
	}, nil
}

func (s *KivikStore) Get(ctx context.Context, id string) (*domain.CachedConversationEntry, error) {
	if data, ok := s.recent.Get(id); ok {
		var entry domain.CachedConversationEntry
		if err := decode(data.([]byte), &entry); err == nil {
			return &entry, nil
		}
		s.recent.Remove(id)
	}

	var doc kivikDoc
	if err := s.db.Get(ctx, entryPrefix+id).ScanDoc(&doc); err != nil {
		return nil, fmt.Errorf("failed to read cached conversation: %w", mapKivikError(err))
	}
	if doc.Entry == nil {
		return nil, domain.ErrNotFound
	}
	s.remember(doc.Entry)
	return doc.Entry, nil
}

func (s *KivikStore) Put(ctx context.Context, entry *domain.CachedConversationEntry) error {
	if err := validEntry(entry); err != nil {
		return err
	}
	id := entry.Conversation.ID
	if err := s.track(ctx, entryIndex, id, true); err != nil {
		return fmt.Errorf("failed to index cached conversation: %w", err)
	}
	doc := &kivikDoc{
		ID:        entryPrefix + id,
		Kind:      kindEntry,
		UpdatedAt: entry.Conversation.UpdatedAt,
		Entry:     entry,
	}
	if err := s.put(ctx, doc); err != nil {
		s.recent.Remove(id)
		return fmt.Errorf("failed to write cached conversation: %w", err)
	}
	s.remember(entry)
	return nil
}

func (s *KivikStore) Delete(ctx context.Context, id string) error {
	s.recent.Remove(id)
	if err := s.delete(ctx, entryPrefix+id); err != nil {
		return fmt.Errorf("failed to delete cached conversation: %w", err)
	}
	if err := s.track(ctx, entryIndex, id, false); err != nil {
		return fmt.Errorf("failed to index cached conversation: %w", err)
	}
	return nil
}

func (s *KivikStore) List(ctx context.Context) ([]*domain.CachedConversationEntry, error) {
	docs, err := s.scan(ctx, entryIndex, entryPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list cached conversations: %w", err)
	}

	result := make([]*domain.CachedConversationEntry, 0, len(docs))
	for _, doc := range docs {
		if doc.Kind == kindEntry && doc.Entry != nil {
			result = append(result, doc.Entry)
		}
	}
	sortByUpdatedDesc(result)
	return result, nil
}

func (s *KivikStore) Enqueue(ctx context.Context, entry *domain.SyncQueueEntry) error {
	if entry == nil || entry.ConversationID == "" {
		return fmt.Errorf("%w: queue entry has no conversation id", domain.ErrInvalidConversation)
	}
	if err := s.track(ctx, queueIndex, entry.ConversationID, true); err != nil {
		return fmt.Errorf("failed to index sync operation: %w", err)
	}
	doc := &kivikDoc{
		ID:        queuePrefix + entry.ConversationID,
		Kind:      kindQueue,
		UpdatedAt: entry.EnqueuedAt,
		Queue:     entry,
	}
	if err := s.put(ctx, doc); err != nil {
		return fmt.Errorf("failed to enqueue sync operation: %w", err)
	}
	return nil
}

func (s *KivikStore) Dequeue(ctx context.Context, conversationID string) error {
	if err := s.delete(ctx, queuePrefix+conversationID); err != nil {
		return fmt.Errorf("failed to dequeue sync operation: %w", err)
	}
	if err := s.track(ctx, queueIndex, conversationID, false); err != nil {
		return fmt.Errorf("failed to index sync operation: %w", err)
	}
	return nil
}

func (s *KivikStore) QueueEntry(ctx context.Context, conversationID string) (*domain.SyncQueueEntry, error) {
	var doc kivikDoc
	if err := s.db.Get(ctx, queuePrefix+conversationID).ScanDoc(&doc); err != nil {
		return nil, fmt.Errorf("failed to read sync queue: %w", mapKivikError(err))
	}
	if doc.Queue == nil {
		return nil, domain.ErrNotFound
	}
	return doc.Queue, nil
}

func (s *KivikStore) ListQueue(ctx context.Context) ([]*domain.SyncQueueEntry, error) {
	docs, err := s.scan(ctx, queueIndex, queuePrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync queue: %w", err)
	}

	result := make([]*domain.SyncQueueEntry, 0, len(docs))
	for _, doc := range docs {
		if doc.Kind == kindQueue && doc.Queue != nil {
			result = append(result, doc.Queue)
		}
	}
	sortQueueFIFO(result)
	return result, nil
}

// put writes doc over whatever revision is current. Two tabs writing the same
// document race on the revision; the loser retries once with the new one.
func (s *KivikStore) put(ctx context.Context, doc *kivikDoc) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		doc.Rev, err = s.currentRev(ctx, doc.ID)
		if err != nil {
			return err
		}

		var data []byte
		data, err = encode(doc)
		if err != nil {
			return err
		}

		_, err = s.db.Put(ctx, doc.ID, json.RawMessage(data))
		if err == nil {
			return nil
		}
		if kivik.HTTPStatus(err) != http.StatusConflict {
			break
		}
		s.log.Debug().Str("doc", doc.ID).Msg("revision conflict, retrying write")
	}
	return mapKivikError(err)
}

// delete replaces the document with a "deleted" revision. Reads treat it as
// missing, and a later put simply writes the next revision on top.
func (s *KivikStore) delete(ctx context.Context, docID string) error {
	rev, err := s.currentRev(ctx, docID)
	if err != nil {
		return err
	}
	if rev == "" {
		return nil
	}
	return s.put(ctx, &kivikDoc{ID: docID, Kind: kindDeleted, UpdatedAt: domain.Now()})
}

func (s *KivikStore) currentRev(ctx context.Context, docID string) (string, error) {
	rev, err := s.db.GetRev(ctx, docID)
	if err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return "", nil
		}
		return "", mapKivikError(err)
	}
	return rev, nil
}

// scan loads every live document named by the index. The index is written
// before a document is created and after it is deleted, so it may name ids
// whose documents are gone; those are skipped.
func (s *KivikStore) scan(ctx context.Context, indexID, prefix string) ([]*kivikDoc, error) {
	index, err := s.readIndex(ctx, indexID)
	if err != nil {
		return nil, err
	}

	docs := make([]*kivikDoc, 0, len(index.IDs))
	for _, id := range index.IDs {
		var doc kivikDoc
		if err := s.db.Get(ctx, prefix+id).ScanDoc(&doc); err != nil {
			if kivik.HTTPStatus(err) == http.StatusNotFound {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			s.log.Warn().Err(err).Str("doc", prefix+id).Msg("skipping unreadable cache document")
			continue
		}
		if doc.Kind == kindDeleted {
			continue
		}
		docs = append(docs, &doc)
	}
	return docs, nil
}

func (s *KivikStore) readIndex(ctx context.Context, indexID string) (*kivikDoc, error) {
	var index kivikDoc
	if err := s.db.Get(ctx, indexID).ScanDoc(&index); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return &kivikDoc{ID: indexID, Kind: kindIndex}, nil
		}
		return nil, mapKivikError(err)
	}
	return &index, nil
}

// track adds id to, or drops it from, the index document. Another process
// sharing the database may update the index concurrently; a conflicting write
// re-reads and tries again.
func (s *KivikStore) track(ctx context.Context, indexID, id string, present bool) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	var err error
	for attempt := 0; attempt < 3; attempt++ {
		var index *kivikDoc
		index, err = s.readIndex(ctx, indexID)
		if err != nil {
			return err
		}

		pos, found := slices.BinarySearch(index.IDs, id)
		if found == present {
			return nil
		}
		if present {
			index.IDs = slices.Insert(index.IDs, pos, id)
		} else {
			index.IDs = slices.Delete(index.IDs, pos, pos+1)
		}
		index.Kind = kindIndex
		index.UpdatedAt = domain.Now()

		var data []byte
		data, err = encode(index)
		if err != nil {
			return err
		}
		_, err = s.db.Put(ctx, indexID, json.RawMessage(data))
		if err == nil {
			return nil
		}
		if kivik.HTTPStatus(err) != http.StatusConflict {
			break
		}
		s.log.Debug().Str("doc", indexID).Msg("index conflict, retrying")
	}
	return mapKivikError(err)
}

func (s *KivikStore) remember(entry *domain.CachedConversationEntry) {
	data, err := encode(entry)
	if err != nil {
		return
	}
	s.recent.Add(entry.Conversation.ID, data)
}

func mapKivikError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrSerialization) || errors.Is(err, domain.ErrStorageFull) {
		return err
	}
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%w: %v", domain.ErrStorageFull, err)
	}
	switch kivik.HTTPStatus(err) {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	case http.StatusRequestEntityTooLarge, http.StatusInsufficientStorage:
		return fmt.Errorf("%w: %v", domain.ErrStorageFull, err)
	}
	return err
}
