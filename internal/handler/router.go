package handler

import (
	"convsync/internal/config"
	"convsync/internal/middleware"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// NewRouter wires the hosted conversation API. A nil ws handler leaves the
// change feed unmounted.
func NewRouter(conversations *ConversationHandler, ws *WebSocketHandler, cfg *config.Config, log zerolog.Logger) *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.LoggerMiddleware(log))
	r.Use(middleware.CORSMiddleware(
		cfg.CORS.AllowedOrigins,
		cfg.CORS.AllowedMethods,
		cfg.CORS.AllowedHeaders,
	))

	r.HandleFunc("/health", Health).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", Health).Methods("GET")
	if ws != nil {
		// the websocket handler authenticates the upgrade itself
		api.HandleFunc("/ws", ws.HandleConnection)
	}

	protected := api.PathPrefix("").Subrouter()
	protected.Use(middleware.AuthMiddleware(cfg.JWT.Secret))

	protected.HandleFunc("/namespace", conversations.EnsureNamespace).Methods("POST", "OPTIONS")
	protected.HandleFunc("/conversations", conversations.List).Methods("GET", "OPTIONS")
	protected.HandleFunc("/conversations/{id}", conversations.Get).Methods("GET", "OPTIONS")
	protected.HandleFunc("/conversations/{id}", conversations.Save).Methods("PUT", "OPTIONS")
	protected.HandleFunc("/conversations/{id}", conversations.Delete).Methods("DELETE", "OPTIONS")
	return r
}
