package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"convsync/internal/domain"
	"convsync/pkg/response"

	"github.com/go-resty/resty/v2"
)

// TokenFunc returns the bearer token for userID.
type TokenFunc func(ctx context.Context, userID string) (string, error)

// HTTPClient stores conversations in the hosted conversation API. The remote
// handle of a conversation is its id.
type HTTPClient struct {
	http     *resty.Client
	tokens   TokenFunc
	deviceID string
}

func NewHTTPClient(baseURL string, timeout time.Duration, tokens TokenFunc, deviceID string) *HTTPClient {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("User-Agent", "convsync/1.0").
		SetHeader("Content-Type", "application/json").
		SetTimeout(timeout)
	return &HTTPClient{
		http:     client,
		tokens:   tokens,
		deviceID: deviceID,
	}
}

func (c *HTTPClient) EnsureNamespace(ctx context.Context, userID string) (*domain.Namespace, error) {
	var out response.Envelope[domain.NamespaceResponse]
	req, err := c.request(ctx, userID)
	if err != nil {
		return nil, err
	}
	resp, err := req.SetResult(&out).Post("/api/v1/namespace")
	if err := checkResponse(resp, err); err != nil {
		return nil, fmt.Errorf("ensure namespace: %w", err)
	}
	return &domain.Namespace{
		UserID:          userID,
		RootID:          out.Data.Namespace,
		ConversationsID: out.Data.Namespace,
	}, nil
}

func (c *HTTPClient) Save(ctx context.Context, userID string, conv *domain.Conversation) (string, error) {
	var out response.Envelope[domain.SaveConversationResponse]
	req, err := c.request(ctx, userID)
	if err != nil {
		return "", err
	}
	resp, err := req.
		SetPathParam("id", conv.ID).
		SetBody(domain.SaveConversationRequest{Conversation: conv}).
		SetResult(&out).
		Put("/api/v1/conversations/{id}")
	if err := checkResponse(resp, err); err != nil {
		return "", fmt.Errorf("save conversation %s: %w", conv.ID, err)
	}
	if out.Data.RemoteFileID == "" {
		return conv.ID, nil
	}
	return out.Data.RemoteFileID, nil
}

func (c *HTTPClient) List(ctx context.Context, userID string) ([]domain.RemoteFileInfo, error) {
	var out response.Envelope[[]domain.RemoteFileInfo]
	req, err := c.request(ctx, userID)
	if err != nil {
		return nil, err
	}
	resp, err := req.SetResult(&out).Get("/api/v1/conversations")
	if err := checkResponse(resp, err); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	for i := range out.Data {
		out.Data[i].ModifiedAt = domain.Timestamp(out.Data[i].ModifiedAt)
	}
	return out.Data, nil
}

func (c *HTTPClient) Get(ctx context.Context, userID, remoteFileID string) (*domain.Conversation, error) {
	var out response.Envelope[*domain.Conversation]
	req, err := c.request(ctx, userID)
	if err != nil {
		return nil, err
	}
	resp, err := req.
		SetPathParam("id", remoteFileID).
		SetResult(&out).
		Get("/api/v1/conversations/{id}")
	if err := checkResponse(resp, err); err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", remoteFileID, err)
	}
	if out.Data == nil {
		return nil, fmt.Errorf("get conversation %s: %w: empty body", remoteFileID, domain.ErrNotFound)
	}
	return out.Data, nil
}

func (c *HTTPClient) Delete(ctx context.Context, userID, remoteFileID string) error {
	req, err := c.request(ctx, userID)
	if err != nil {
		return err
	}
	resp, err := req.
		SetPathParam("id", remoteFileID).
		Delete("/api/v1/conversations/{id}")
	err = checkResponse(resp, err)
	if err != nil && domain.KindOf(err) != domain.KindNotFound {
		return fmt.Errorf("delete conversation %s: %w", remoteFileID, err)
	}
	return nil
}

func (c *HTTPClient) request(ctx context.Context, userID string) (*resty.Request, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: no user identity", domain.ErrUnauthenticated)
	}
	token, err := c.tokens(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}
	req := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetError(&response.Envelope[json.RawMessage]{})
	if c.deviceID != "" {
		req.SetHeader("X-Device-ID", c.deviceID)
	}
	return req, nil
}

func checkResponse(resp *resty.Response, err error) error {
	if err != nil {
		return classifyTransport(err)
	}
	if !resp.IsError() {
		return nil
	}
	detail := resp.Status()
	if env, ok := resp.Error().(*response.Envelope[json.RawMessage]); ok && env.Error != "" {
		detail = env.Error
	}
	return classifyStatus(resp.StatusCode(), detail)
}
