package domain

import "time"

type SyncEventType string

const (
	EventSyncStarted          SyncEventType = "syncStarted"
	EventSyncCompleted        SyncEventType = "syncCompleted"
	EventSyncFailed           SyncEventType = "syncFailed"
	EventSyncQueued           SyncEventType = "syncQueued"
	EventConflictResolved     SyncEventType = "conflictResolved"
	EventRemoteChangeDetected SyncEventType = "remoteChangeDetected"
	EventAuthRequired         SyncEventType = "authRequired"
)

type ConflictWinner string

const (
	WinnerLocal  ConflictWinner = "local"
	WinnerRemote ConflictWinner = "remote"
)

type SyncEvent struct {
	Type           SyncEventType  `json:"type"`
	ConversationID string         `json:"conversationId,omitempty"`
	ErrorKind      ErrorKind      `json:"errorKind,omitempty"`
	Winner         ConflictWinner `json:"winner,omitempty"`
	At             time.Time      `json:"at"`
}
