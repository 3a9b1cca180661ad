package domain

import "time"

type SyncState string

const (
	SyncStateSynced        SyncState = "synced"
	SyncStatePendingWrite  SyncState = "pendingWrite"
	SyncStatePendingDelete SyncState = "pendingDelete"
	SyncStateConflict      SyncState = "conflict"
)

type CachedConversationEntry struct {
	Conversation *Conversation `json:"conversation"`
	SyncState    SyncState     `json:"syncState"`
	RemoteFileID string        `json:"remoteFileId,omitempty"`
	LastSyncedAt *time.Time    `json:"lastSyncedAt,omitempty"`
}

func (e *CachedConversationEntry) ID() string {
	if e == nil || e.Conversation == nil {
		return ""
	}
	return e.Conversation.ID
}

func (e *CachedConversationEntry) UpdatedAt() time.Time {
	if e == nil || e.Conversation == nil {
		return time.Time{}
	}
	return e.Conversation.UpdatedAt
}

func (e *CachedConversationEntry) MarkSynced(remoteFileID string, at time.Time) {
	e.SyncState = SyncStateSynced
	if remoteFileID != "" {
		e.RemoteFileID = remoteFileID
	}
	e.LastSyncedAt = &at
}
