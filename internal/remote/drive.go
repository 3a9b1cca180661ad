package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"convsync/internal/domain"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	folderMimeType         = "application/vnd.google-apps.folder"
	conversationsFolder    = "conversations"
	appPropConversationID  = "conversationId"
	appPropUpdatedAt       = "updatedAt"
	conversationFileSuffix = ".json"
)

// ServiceFunc returns a Drive service authorized as userID.
type ServiceFunc func(ctx context.Context, userID string) (*drive.Service, error)

// TokenLookup returns the stored OAuth token of userID.
type TokenLookup func(ctx context.Context, userID string) (*oauth2.Token, error)

// NewDriveServiceFunc builds Drive services from an OAuth client config and
// the user's stored token. Refreshed tokens are kept by the token source only.
func NewDriveServiceFunc(cfg *oauth2.Config, tokens TokenLookup) ServiceFunc {
	return func(ctx context.Context, userID string) (*drive.Service, error) {
		tok, err := tokens(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
		}
		return drive.NewService(ctx, option.WithTokenSource(cfg.TokenSource(ctx, tok)))
	}
}

// DriveClient stores each conversation as <app folder>/conversations/<id>.json
// in the user's Google Drive.
type DriveClient struct {
	services  ServiceFunc
	appFolder string
	group     singleflight.Group
	log       zerolog.Logger
}

func NewDriveClient(services ServiceFunc, appFolder string, log zerolog.Logger) *DriveClient {
	return &DriveClient{
		services:  services,
		appFolder: appFolder,
		log:       log.With().Str("component", "drive-client").Logger(),
	}
}

// EnsureNamespace finds or creates the app folder and its conversations
// folder. Drive cannot create a folder atomically, so it always searches
// first. Concurrent callers in this process share one lookup; duplicates made
// by another device are tolerated by always choosing the oldest folder.
func (c *DriveClient) EnsureNamespace(ctx context.Context, userID string) (*domain.Namespace, error) {
	svc, err := c.service(ctx, userID)
	if err != nil {
		return nil, err
	}
	v, err, _ := c.group.Do(userID, func() (interface{}, error) {
		root, err := c.ensureFolder(ctx, svc, c.appFolder, "root")
		if err != nil {
			return nil, err
		}
		convs, err := c.ensureFolder(ctx, svc, conversationsFolder, root)
		if err != nil {
			return nil, err
		}
		return &domain.Namespace{UserID: userID, RootID: root, ConversationsID: convs}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("ensure drive namespace: %w", err)
	}
	return v.(*domain.Namespace), nil
}

func (c *DriveClient) Save(ctx context.Context, userID string, conv *domain.Conversation) (string, error) {
	ns, err := c.EnsureNamespace(ctx, userID)
	if err != nil {
		return "", err
	}
	svc, err := c.service(ctx, userID)
	if err != nil {
		return "", err
	}

	payload := conv.Clone()
	if payload.Version == 0 {
		payload.Version = domain.ConversationSchemaVersion
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrSerialization, err)
	}

	existing, err := c.findFile(ctx, svc, ns.ConversationsID, conv.ID)
	if err != nil {
		return "", err
	}

	meta := &drive.File{
		Name:         conv.ID + conversationFileSuffix,
		MimeType:     "application/json",
		ModifiedTime: conv.UpdatedAt.UTC().Format(time.RFC3339Nano),
		AppProperties: map[string]string{
			appPropConversationID: conv.ID,
			appPropUpdatedAt:      conv.UpdatedAt.UTC().Format(time.RFC3339Nano),
		},
	}
	media := googleapi.ContentType("application/json")

	if existing != nil {
		f, err := svc.Files.Update(existing.Id, meta).
			Media(bytes.NewReader(data), media).
			Fields("id").
			Context(ctx).
			Do()
		if err != nil {
			return "", fmt.Errorf("update drive file for %s: %w", conv.ID, classifyDriveError(err))
		}
		return f.Id, nil
	}

	meta.Parents = []string{ns.ConversationsID}
	f, err := svc.Files.Create(meta).
		Media(bytes.NewReader(data), media).
		Fields("id").
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("create drive file for %s: %w", conv.ID, classifyDriveError(err))
	}
	c.log.Debug().Str("conversation_id", conv.ID).Str("file_id", f.Id).Msg("created conversation file")
	return f.Id, nil
}

func (c *DriveClient) List(ctx context.Context, userID string) ([]domain.RemoteFileInfo, error) {
	ns, err := c.EnsureNamespace(ctx, userID)
	if err != nil {
		return nil, err
	}
	svc, err := c.service(ctx, userID)
	if err != nil {
		return nil, err
	}

	var result []domain.RemoteFileInfo
	q := fmt.Sprintf("'%s' in parents and trashed = false", escapeQuery(ns.ConversationsID))
	err = svc.Files.List().
		Q(q).
		Fields("nextPageToken, files(id, name, modifiedTime, appProperties)").
		PageSize(200).
		Pages(ctx, func(page *drive.FileList) error {
			for _, f := range page.Files {
				info, ok := fileInfo(f)
				if !ok {
					c.log.Warn().Str("file_id", f.Id).Str("name", f.Name).Msg("ignoring unrecognized file in conversations folder")
					continue
				}
				result = append(result, info)
			}
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("list drive conversations: %w", classifyDriveError(err))
	}
	return result, nil
}

func (c *DriveClient) Get(ctx context.Context, userID, remoteFileID string) (*domain.Conversation, error) {
	svc, err := c.service(ctx, userID)
	if err != nil {
		return nil, err
	}

	resp, err := svc.Files.Get(remoteFileID).Context(ctx).Download()
	if err != nil {
		return nil, fmt.Errorf("download drive file %s: %w", remoteFileID, classifyDriveError(err))
	}
	defer resp.Body.Close()

	var conv domain.Conversation
	if err := json.NewDecoder(resp.Body).Decode(&conv); err != nil {
		return nil, fmt.Errorf("%w: drive file %s: %v", domain.ErrSerialization, remoteFileID, err)
	}
	conv.UpdatedAt = domain.Timestamp(conv.UpdatedAt)
	return &conv, nil
}

func (c *DriveClient) Delete(ctx context.Context, userID, remoteFileID string) error {
	svc, err := c.service(ctx, userID)
	if err != nil {
		return err
	}
	err = svc.Files.Delete(remoteFileID).Context(ctx).Do()
	if err != nil {
		err = classifyDriveError(err)
		if domain.KindOf(err) == domain.KindNotFound {
			return nil
		}
		return fmt.Errorf("delete drive file %s: %w", remoteFileID, err)
	}
	return nil
}

func (c *DriveClient) service(ctx context.Context, userID string) (*drive.Service, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: no user identity", domain.ErrUnauthenticated)
	}
	svc, err := c.services(ctx, userID)
	if err != nil {
		return nil, classifyDriveError(err)
	}
	return svc, nil
}

func (c *DriveClient) ensureFolder(ctx context.Context, svc *drive.Service, name, parent string) (string, error) {
	q := fmt.Sprintf("name = '%s' and mimeType = '%s' and '%s' in parents and trashed = false",
		escapeQuery(name), folderMimeType, escapeQuery(parent))
	list, err := svc.Files.List().
		Q(q).
		OrderBy("createdTime").
		Fields("files(id, name, createdTime)").
		PageSize(10).
		Context(ctx).
		Do()
	if err != nil {
		return "", classifyDriveError(err)
	}
	if len(list.Files) > 0 {
		if len(list.Files) > 1 {
			c.log.Warn().Str("folder", name).Int("count", len(list.Files)).Msg("duplicate folders found, using the oldest")
		}
		return list.Files[0].Id, nil
	}

	f, err := svc.Files.Create(&drive.File{
		Name:     name,
		MimeType: folderMimeType,
		Parents:  []string{parent},
	}).Fields("id").Context(ctx).Do()
	if err != nil {
		return "", classifyDriveError(err)
	}
	c.log.Info().Str("folder", name).Str("folder_id", f.Id).Msg("created drive folder")
	return f.Id, nil
}

func (c *DriveClient) findFile(ctx context.Context, svc *drive.Service, folderID, conversationID string) (*drive.File, error) {
	q := fmt.Sprintf("'%s' in parents and trashed = false and appProperties has { key='%s' and value='%s' }",
		escapeQuery(folderID), appPropConversationID, escapeQuery(conversationID))
	list, err := svc.Files.List().
		Q(q).
		OrderBy("modifiedTime desc").
		Fields("files(id, modifiedTime)").
		PageSize(10).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("find drive file for %s: %w", conversationID, classifyDriveError(err))
	}
	if len(list.Files) == 0 {
		return nil, nil
	}
	return list.Files[0], nil
}

// fileInfo extracts listing metadata. The conversation timestamp is read from
// appProperties first since modifiedTime can be bumped by Drive itself.
func fileInfo(f *drive.File) (domain.RemoteFileInfo, bool) {
	id := f.AppProperties[appPropConversationID]
	if id == "" {
		if !strings.HasSuffix(f.Name, conversationFileSuffix) {
			return domain.RemoteFileInfo{}, false
		}
		id = strings.TrimSuffix(f.Name, conversationFileSuffix)
	}

	raw := f.AppProperties[appPropUpdatedAt]
	if raw == "" {
		raw = f.ModifiedTime
	}
	modified, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return domain.RemoteFileInfo{}, false
	}
	return domain.RemoteFileInfo{
		RemoteFileID:   f.Id,
		ConversationID: id,
		ModifiedAt:     domain.Timestamp(modified),
	}, true
}

func escapeQuery(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}

func classifyDriveError(err error) error {
	if err == nil {
		return nil
	}
	if domain.KindOf(err) != domain.KindUnknown {
		return err
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}

	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return classifyTransport(err)
	}

	if gerr.Code == http.StatusForbidden {
		for _, item := range gerr.Errors {
			switch item.Reason {
			case "storageQuotaExceeded", "quotaExceeded":
				return fmt.Errorf("%w: %v", domain.ErrQuotaExceeded, err)
			case "userRateLimitExceeded", "rateLimitExceeded":
				return fmt.Errorf("%w: %v", domain.ErrRateLimited, err)
			}
		}
	}
	return classifyStatus(gerr.Code, gerr.Message)
}
