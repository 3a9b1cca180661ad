// Package remote talks to the store the user owns: one conversation per
// remote object, under a per-user namespace created on first use. Clients keep
// no sync state between calls.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"convsync/internal/domain"
)

// ConversationClient is implemented by every remote backend.
type ConversationClient interface {
	EnsureNamespace(ctx context.Context, userID string) (*domain.Namespace, error)
	// Save updates the object for conv.ID in place when it exists and returns
	// its handle, otherwise creates it.
	Save(ctx context.Context, userID string, conv *domain.Conversation) (string, error)
	List(ctx context.Context, userID string) ([]domain.RemoteFileInfo, error)
	Get(ctx context.Context, userID, remoteFileID string) (*domain.Conversation, error)
	// Delete succeeds when the object is already gone.
	Delete(ctx context.Context, userID, remoteFileID string) error
}

// classifyStatus maps an HTTP status onto the error taxonomy. It returns nil
// for success codes.
func classifyStatus(status int, detail string) error {
	switch {
	case status < 400:
		return nil
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthenticated, detail)
	case status == http.StatusNotFound, status == http.StatusGone:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, detail)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, detail)
	case status == http.StatusRequestEntityTooLarge, status == http.StatusInsufficientStorage:
		return fmt.Errorf("%w: %s", domain.ErrQuotaExceeded, detail)
	case status == http.StatusBadGateway, status == http.StatusServiceUnavailable, status == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: status %d: %s", domain.ErrNetworkUnavailable, status, detail)
	default:
		return fmt.Errorf("remote error (%d): %s", status, detail)
	}
}

// classifyTransport maps errors raised before any response arrived. Timeouts
// and refused connections alike mean the remote is unreachable right now.
func classifyTransport(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrNetworkUnavailable, err)
}
