package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/chatrelay/chatrelay/internal/db"
	"github.com/chatrelay/chatrelay/internal/models"
	"github.com/chatrelay/chatrelay/internal/provider"
	"github.com/chatrelay/chatrelay/internal/relay"
)

type Handler struct {
	store  *db.Store
	relay  *relay.Relay
	logger *zap.Logger
}

func NewHandler(store *db.Store, relaySvc *relay.Relay, logger *zap.Logger) *Handler {
	return &Handler{
		store:  store,
		relay:  relaySvc,
		logger: logger,
	}
}

// Router wires the caller-facing and administrative routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.handleHealth)

	r.Route("/api", func(api chi.Router) {
		api.Post("/chat", h.handleChat)
		api.Get("/sessions", h.handleListSessions)
		api.Get("/messages", h.handleGetMessages)

		api.Get("/providers", h.handleListProviders)
		api.Post("/providers", h.handleUpsertProvider)
		api.Delete("/providers/{name}", h.handleDeleteProvider)
	})

	return r
}

type chatRequest struct {
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id"`
	Message   string `json:"message"`
}

type chatResponse struct {
	SessionID string `json:"session_id"`
	Reply     string `json:"reply"`
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}
	if req.UserID == "" {
		respondError(w, http.StatusBadRequest, "user_id is required", "")
		return
	}

	result, err := h.relay.Send(r.Context(), relay.SendRequest{
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Text:      req.Message,
	})
	if err != nil {
		h.logger.Error("chat turn failed",
			zap.String("session_id", req.SessionID),
			zap.Error(err))
		// A provider failure still carries the session the turn landed in.
		h.writeError(w, err, result.SessionID)
		return
	}

	respondJSON(w, http.StatusOK, chatResponse{
		SessionID: result.SessionID,
		Reply:     result.Reply,
		Provider:  result.Provider,
		Model:     result.Model,
	})
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		respondError(w, http.StatusBadRequest, "user_id query parameter is required", "")
		return
	}

	sessions, err := h.store.ListSessions(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list sessions", zap.Error(err))
		h.writeError(w, err, "")
		return
	}
	respondJSON(w, http.StatusOK, sessions)
}

func (h *Handler) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "session_id query parameter is required", "")
		return
	}

	messages, err := h.store.GetHistory(r.Context(), sessionID)
	if err != nil {
		h.logger.Error("failed to get history",
			zap.String("session_id", sessionID),
			zap.Error(err))
		h.writeError(w, err, "")
		return
	}
	respondJSON(w, http.StatusOK, messages)
}

func (h *Handler) handleListProviders(w http.ResponseWriter, r *http.Request) {
	configs, err := h.store.ListProviders(r.Context())
	if err != nil {
		h.logger.Error("failed to list providers", zap.Error(err))
		h.writeError(w, err, "")
		return
	}

	// API keys never leave the service.
	for i := range configs {
		configs[i].APIKey = ""
	}
	respondJSON(w, http.StatusOK, configs)
}

func (h *Handler) handleUpsertProvider(w http.ResponseWriter, r *http.Request) {
	var cfg models.ProviderConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}
	if cfg.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required", "")
		return
	}
	if !provider.KnownKind(cfg.Kind) {
		respondError(w, http.StatusBadRequest, "unknown provider kind: "+cfg.Kind, "")
		return
	}
	if cfg.Model == "" {
		respondError(w, http.StatusBadRequest, "model is required", "")
		return
	}

	if err := h.store.UpsertProvider(r.Context(), cfg); err != nil {
		h.logger.Error("failed to upsert provider",
			zap.String("provider", cfg.Name),
			zap.Error(err))
		h.writeError(w, err, "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDeleteProvider(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if err := h.store.DeleteProvider(r.Context(), name); err != nil {
		h.writeError(w, err, "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeError maps the error taxonomy onto HTTP status codes.
func (h *Handler) writeError(w http.ResponseWriter, err error, sessionID string) {
	var provErr *relay.ProviderError

	switch {
	case errors.Is(err, relay.ErrEmptyMessage),
		errors.Is(err, relay.ErrMessageTooLong),
		errors.Is(err, relay.ErrSessionArchived):
		respondError(w, http.StatusBadRequest, err.Error(), sessionID)
	case errors.Is(err, db.ErrSessionNotFound),
		errors.Is(err, db.ErrProviderNotFound):
		respondError(w, http.StatusNotFound, err.Error(), sessionID)
	case errors.Is(err, provider.ErrNoActiveProvider),
		errors.Is(err, provider.ErrAmbiguousProvider),
		errors.Is(err, provider.ErrUnknownKind):
		respondError(w, http.StatusConflict, err.Error(), sessionID)
	case errors.As(err, &provErr):
		respondError(w, http.StatusBadGateway, provErr.Error(), sessionID)
	default:
		respondError(w, http.StatusInternalServerError, "internal server error", sessionID)
	}
}

type errorResponse struct {
	Error     string `json:"error"`
	SessionID string `json:"session_id,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message, sessionID string) {
	respondJSON(w, status, errorResponse{Error: message, SessionID: sessionID})
}
