package domain

import "time"

type QueueOperation string

const (
	QueueOperationUpsert QueueOperation = "upsert"
	QueueOperationDelete QueueOperation = "delete"
)

// SyncQueueEntry records a remote operation that still has to be replayed.
// The payload is not copied; replay always reads the latest cached copy.
type SyncQueueEntry struct {
	ConversationID string         `json:"conversationId"`
	Operation      QueueOperation `json:"operation"`
	EnqueuedAt     time.Time      `json:"enqueuedAt"`
	Attempts       int            `json:"attempts"`
	LastError      ErrorKind      `json:"lastError,omitempty"`

	// Version is the updatedAt of the cached copy the attempts were spent on.
	Version time.Time `json:"version"`

	// Held entries are skipped by automatic replay until sync is resumed.
	Held bool `json:"held,omitempty"`
}
