package service

import (
	"context"
	"fmt"

	"convsync/internal/domain"
	"convsync/internal/repository"

	"github.com/rs/zerolog"
)

// ConversationService backs the hosted conversation API. It stores whole
// conversations per user and never merges them.
type ConversationService struct {
	repo        repository.ConversationRepository
	syncService *SyncService
	log         zerolog.Logger
}

func NewConversationService(repo repository.ConversationRepository, syncService *SyncService, log zerolog.Logger) *ConversationService {
	return &ConversationService{
		repo:        repo,
		syncService: syncService,
		log:         log.With().Str("component", "conversation-service").Logger(),
	}
}

func (s *ConversationService) EnsureNamespace(ctx context.Context, userID string) (*domain.NamespaceResponse, error) {
	ns, err := s.repo.EnsureNamespace(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &domain.NamespaceResponse{Namespace: ns.ConversationsID}, nil
}

// Save stores conv for userID. A write older than the stored copy is
// acknowledged but not applied; the device picks up the newer copy on its
// next reconcile.
func (s *ConversationService) Save(ctx context.Context, userID, deviceID, conversationID string, req *domain.SaveConversationRequest) (*domain.SaveConversationResponse, error) {
	conv := req.Conversation
	if conv.ID == "" {
		conv.ID = conversationID
	}
	if conv.ID != conversationID {
		return nil, fmt.Errorf("%w: body id %q does not match path id %q", domain.ErrInvalidConversation, conv.ID, conversationID)
	}
	conv.UpdatedAt = domain.Timestamp(conv.UpdatedAt)
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = domain.Now()
	}

	applied, err := s.repo.Upsert(ctx, userID, conv)
	if err != nil {
		return nil, err
	}
	if !applied {
		s.log.Info().
			Str("user_id", userID).
			Str("conversation_id", conversationID).
			Time("incoming", conv.UpdatedAt).
			Msg("ignored stale write")
		return &domain.SaveConversationResponse{RemoteFileID: conversationID}, nil
	}

	if s.syncService != nil {
		if err := s.syncService.BroadcastConversationUpdate(userID, deviceID, conversationID, conv.UpdatedAt); err != nil {
			s.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("failed to broadcast update")
		}
	}

	return &domain.SaveConversationResponse{RemoteFileID: conversationID}, nil
}

func (s *ConversationService) List(ctx context.Context, userID string) ([]domain.RemoteFileInfo, error) {
	return s.repo.List(ctx, userID)
}

func (s *ConversationService) Get(ctx context.Context, userID, conversationID string) (*domain.Conversation, error) {
	return s.repo.FindByID(ctx, userID, conversationID)
}

func (s *ConversationService) Delete(ctx context.Context, userID, deviceID, conversationID string) error {
	if err := s.repo.Delete(ctx, userID, conversationID); err != nil {
		return err
	}

	if s.syncService != nil {
		if err := s.syncService.BroadcastConversationDelete(userID, deviceID, conversationID); err != nil {
			s.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("failed to broadcast delete")
		}
	}
	return nil
}
