package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"convsync/internal/config"
	"convsync/internal/handler"
	"convsync/internal/logger"
	"convsync/internal/repository"
	"convsync/internal/service"
	"convsync/internal/websocket"

	_ "github.com/go-kivik/kivik/v4/couchdb"

	"github.com/go-kivik/kivik/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg, "convsync-server")

	repo, closeRepo, err := openRepository(context.Background(), cfg, log)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Database.Driver).Msg("failed to open conversation storage")
	}
	defer closeRepo()

	wsManager := websocket.NewManager(
		cfg.WebSocket.MaxConnPerUser,
		cfg.WebSocket.WriteWait,
		cfg.WebSocket.PongWait,
		cfg.WebSocket.PingPeriod,
		cfg.WebSocket.MaxMessageSize,
		log,
	)
	wsManager.SetMessageHandler(handler.NewWebSocketMessageHandler(wsManager))
	done := make(chan struct{})
	go wsManager.Run(done)

	syncService := service.NewSyncService(wsManager)
	conversationService := service.NewConversationService(repo, syncService, log)

	conversationHandler := handler.NewConversationHandler(conversationService, log)
	wsHandler := handler.NewWebSocketHandler(
		wsManager,
		cfg.JWT.Secret,
		cfg.WebSocket.ReadBufferSize,
		cfg.WebSocket.WriteBufferSize,
		log,
	)

	r := handler.NewRouter(conversationHandler, wsHandler, cfg, log)

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Str("env", cfg.Server.Env).Str("driver", cfg.Database.Driver).Msg("starting conversation server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	close(done)
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
		return
	}

	log.Info().Msg("server stopped gracefully")
}

// openRepository connects the storage selected by DB_DRIVER and prepares it.
func openRepository(ctx context.Context, cfg *config.Config, log zerolog.Logger) (repository.ConversationRepository, func(), error) {
	switch cfg.Database.Driver {
	case config.DatabasePostgres:
		pool, err := pgxpool.New(ctx, cfg.Database.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		repo := repository.NewPostgresConversationRepository(pool)
		if err := repo.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info().Msg("connected to postgres")
		return repo, pool.Close, nil

	default:
		client, err := kivik.New("couch", cfg.CouchURL())
		if err != nil {
			return nil, nil, fmt.Errorf("connect couchdb: %w", err)
		}

		exists, err := client.DBExists(ctx, cfg.Database.Name)
		if err != nil {
			return nil, nil, fmt.Errorf("check database existence: %w", err)
		}
		if !exists {
			if err := client.CreateDB(ctx, cfg.Database.Name); err != nil {
				return nil, nil, fmt.Errorf("create database: %w", err)
			}
			log.Info().Str("database", cfg.Database.Name).Msg("created database")
		}

		log.Info().Str("host", cfg.Database.Host).Str("port", cfg.Database.Port).Msg("connected to couchdb")
		return repository.NewConversationRepository(client, cfg.Database.Name), func() { client.Close() }, nil
	}
}
