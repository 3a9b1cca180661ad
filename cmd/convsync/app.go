package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"convsync/internal/cache"
	"convsync/internal/config"
	"convsync/internal/domain"
	"convsync/internal/logger"
	"convsync/internal/orchestrator"
	"convsync/internal/remote"

	_ "github.com/go-kivik/kivik/v4/couchdb"
	_ "github.com/go-kivik/kivik/v4/x/fsdb"

	"github.com/go-kivik/kivik/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
)

// app is everything one CLI invocation needs: configuration, the profile,
// the local cache and an orchestrator over them.
type app struct {
	cfg     *config.Config
	profile *Profile
	log     zerolog.Logger
	store   cache.Store
	client  remote.ConversationClient
	orch    *orchestrator.Orchestrator

	closeStore func()
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	profile, err := loadProfile()
	if err != nil {
		return nil, err
	}
	if profile.Identity.DeviceID == "" {
		profile.Identity.DeviceID = uuid.New().String()
		if err := saveProfile(profile); err != nil {
			return nil, err
		}
	}
	if err := profile.apply(cfg); err != nil {
		return nil, err
	}
	if flagVerbose {
		cfg.Logging.Level = "debug"
	}

	a := &app{
		cfg:     cfg,
		profile: profile,
		log:     logger.New(cfg, "convsync"),
	}

	a.store, a.closeStore, err = openStore(ctx, cfg, a.log)
	if err != nil {
		return nil, err
	}

	userID := profile.Identity.UserID
	if !flagGuest && userID != "" {
		a.client, err = a.openRemote()
		if err != nil {
			a.closeStore()
			return nil, err
		}
	} else {
		userID = ""
	}

	a.orch = orchestrator.New(a.store, a.client, userID, orchestrator.Options{
		Debounce:       cfg.Sync.Debounce,
		MaxAttempts:    cfg.Sync.MaxAttempts,
		BackoffInitial: cfg.Sync.BackoffInitial,
		BackoffMax:     cfg.Sync.BackoffMax,
		RemoteTimeout:  cfg.Sync.RemoteTimeout,
		StartOffline:   flagOffline,
	}, a.log)

	a.orch.OnSyncEvent(func(e domain.SyncEvent) {
		ev := a.log.Debug().Str("event", string(e.Type)).Str("conversation_id", e.ConversationID)
		if e.ErrorKind != "" {
			ev = ev.Str("error_kind", string(e.ErrorKind))
		}
		ev.Msg("sync event")
		if e.Type == domain.EventAuthRequired {
			fmt.Fprintln(os.Stderr, "Sign-in required: run 'convsync login' and then 'convsync sync'.")
		}
	})
	return a, nil
}

// close uploads anything still waiting on its debounce, then shuts down.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if err := a.orch.Flush(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.orch.Close(); err != nil {
		errs = append(errs, err)
	}
	a.closeStore()
	return errors.Join(errs...)
}

func (a *app) guest() bool {
	return a.client == nil
}

func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (cache.Store, func(), error) {
	var client *kivik.Client
	var err error

	switch cfg.Cache.Driver {
	case config.CacheMemory:
		return cache.NewMemoryStore(cfg.Cache.MaxBytes), func() {}, nil

	case config.CacheCouch:
		if cfg.Cache.DSN == "" {
			return nil, nil, fmt.Errorf("CACHE_DSN is required for the couch cache")
		}
		client, err = kivik.New("couch", cfg.Cache.DSN)

	default:
		dir := cfg.Cache.DSN
		if dir == "" {
			home, herr := homeDir()
			if herr != nil {
				return nil, nil, herr
			}
			dir = filepath.Join(home, "cache")
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("cannot create cache directory: %w", err)
		}
		client, err = kivik.New("fs", dir)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open %s cache: %w", cfg.Cache.Driver, err)
	}

	store, err := cache.NewKivikStore(ctx, client, cfg.Cache.DBName, cfg.Cache.LRUSize, log)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return store, func() { client.Close() }, nil
}

func (a *app) openRemote() (remote.ConversationClient, error) {
	switch a.cfg.Remote.Backend {
	case config.RemoteDrive:
		if a.cfg.Remote.GoogleClientID == "" {
			return nil, fmt.Errorf("GOOGLE_CLIENT_ID is required for the drive backend")
		}
		services := remote.NewDriveServiceFunc(driveOAuthConfig(a.cfg), func(context.Context, string) (*oauth2.Token, error) {
			return a.profile.driveToken()
		})
		return remote.NewDriveClient(services, a.cfg.Remote.AppFolder, a.log), nil

	default:
		return remote.NewHTTPClient(a.cfg.Remote.BaseURL, a.cfg.Sync.RemoteTimeout, func(context.Context, string) (string, error) {
			return a.profile.apiToken()
		}, a.cfg.Remote.DeviceID), nil
	}
}

func driveOAuthConfig(cfg *config.Config) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.Remote.GoogleClientID,
		ClientSecret: cfg.Remote.GoogleClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  "urn:ietf:wg:oauth:2.0:oob",
		Scopes:       []string{drive.DriveFileScope},
	}
}
