package service

import (
	"time"

	"convsync/internal/websocket"
)

// Broadcaster delivers change-feed messages to a user's connected devices.
type Broadcaster interface {
	BroadcastToUser(userID string, message *websocket.Message, excludeDeviceID string) error
}

// SyncService announces conversation changes on the change feed so other
// devices reconcile without polling.
type SyncService struct {
	wsManager Broadcaster
}

func NewSyncService(wsManager Broadcaster) *SyncService {
	return &SyncService{wsManager: wsManager}
}

func (s *SyncService) BroadcastConversationUpdate(userID, deviceID, conversationID string, updatedAt time.Time) error {
	msg, err := websocket.NewMessage(websocket.TypeConversationUpdate, &websocket.ConversationChangePayload{
		ConversationID: conversationID,
		UpdatedAt:      updatedAt,
		DeviceID:       deviceID,
	})
	if err != nil {
		return err
	}

	return s.wsManager.BroadcastToUser(userID, msg, deviceID)
}

func (s *SyncService) BroadcastConversationDelete(userID, deviceID, conversationID string) error {
	msg, err := websocket.NewMessage(websocket.TypeConversationDelete, &websocket.ConversationChangePayload{
		ConversationID: conversationID,
		DeviceID:       deviceID,
	})
	if err != nil {
		return err
	}

	return s.wsManager.BroadcastToUser(userID, msg, deviceID)
}
