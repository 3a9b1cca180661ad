package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"convsync/internal/domain"
	"convsync/internal/middleware"
	"convsync/internal/service"
	"convsync/pkg/response"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

type ConversationHandler struct {
	service  *service.ConversationService
	validate *validator.Validate
	log      zerolog.Logger
}

func NewConversationHandler(service *service.ConversationService, log zerolog.Logger) *ConversationHandler {
	return &ConversationHandler{
		service:  service,
		validate: validator.New(),
		log:      log.With().Str("component", "conversation-handler").Logger(),
	}
}

func (h *ConversationHandler) EnsureNamespace(w http.ResponseWriter, r *http.Request) {
	ns, err := h.service.EnsureNamespace(r.Context(), middleware.GetUserID(r))
	if err != nil {
		h.writeError(w, r, err, "Failed to create namespace")
		return
	}
	response.Success(w, ns)
}

func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	infos, err := h.service.List(r.Context(), middleware.GetUserID(r))
	if err != nil {
		h.writeError(w, r, err, "Failed to list conversations")
		return
	}
	response.Success(w, infos)
}

func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["id"]
	if conversationID == "" {
		response.BadRequest(w, "Conversation ID is required")
		return
	}

	conv, err := h.service.Get(r.Context(), middleware.GetUserID(r), conversationID)
	if err != nil {
		h.writeError(w, r, err, "Failed to get conversation")
		return
	}
	response.Success(w, conv)
}

func (h *ConversationHandler) Save(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["id"]
	if conversationID == "" {
		response.BadRequest(w, "Conversation ID is required")
		return
	}

	var req domain.SaveConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request payload")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	resp, err := h.service.Save(r.Context(), middleware.GetUserID(r), middleware.GetDeviceID(r), conversationID, &req)
	if err != nil {
		h.writeError(w, r, err, "Failed to save conversation")
		return
	}
	response.Success(w, resp)
}

func (h *ConversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["id"]
	if conversationID == "" {
		response.BadRequest(w, "Conversation ID is required")
		return
	}

	if err := h.service.Delete(r.Context(), middleware.GetUserID(r), middleware.GetDeviceID(r), conversationID); err != nil {
		h.writeError(w, r, err, "Failed to delete conversation")
		return
	}
	response.JSON(w, http.StatusOK, map[string]string{"message": "Conversation deleted successfully"})
}

func (h *ConversationHandler) writeError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		response.NotFound(w, "Conversation not found")
	case errors.Is(err, domain.ErrInvalidConversation), errors.Is(err, domain.ErrSerialization):
		response.BadRequest(w, err.Error())
	case errors.Is(err, domain.ErrStorageFull), errors.Is(err, domain.ErrQuotaExceeded):
		response.Error(w, http.StatusInsufficientStorage, "Storage quota exceeded")
	default:
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg(msg)
		response.InternalError(w, msg)
	}
}

func Health(w http.ResponseWriter, r *http.Request) {
	response.Success(w, map[string]string{"status": "ok"})
}
