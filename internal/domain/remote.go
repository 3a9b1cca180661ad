package domain

import "time"

type RemoteFileInfo struct {
	RemoteFileID   string    `json:"remote_file_id"`
	ConversationID string    `json:"conversation_id"`
	ModifiedAt     time.Time `json:"modified_at"`
}

// Namespace addresses a user's storage root on the remote side. Backends that
// have no folder hierarchy leave RootID and ConversationsID equal.
type Namespace struct {
	UserID          string `json:"user_id"`
	RootID          string `json:"root_id"`
	ConversationsID string `json:"conversations_id"`
}

type SaveConversationRequest struct {
	Conversation *Conversation `json:"conversation" validate:"required"`
}

type SaveConversationResponse struct {
	RemoteFileID string `json:"remote_file_id"`
}

type NamespaceResponse struct {
	Namespace string `json:"namespace"`
}
