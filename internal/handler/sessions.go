// Package handler provides the gateway HTTP handlers.
package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/querystream/internal/middleware"
	"github.com/capitalize-ai/querystream/internal/model"
	"github.com/capitalize-ai/querystream/internal/service"
	"github.com/capitalize-ai/querystream/internal/session"
	"github.com/capitalize-ai/querystream/pkg/logger"
)

// SessionHandler handles the per-session conversation endpoints.
type SessionHandler struct {
	manager *service.Manager
	logger  *logger.Logger
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(manager *service.Manager, log *logger.Logger) *SessionHandler {
	return &SessionHandler{
		manager: manager,
		logger:  log,
	}
}

// Routes mounts the session endpoints under /sessions/{id}.
func (h *SessionHandler) Routes(r chi.Router) {
	r.Route("/sessions/{id}", func(r chi.Router) {
		r.Use(validSessionID)

		r.Group(func(r chi.Router) {
			r.Use(h.ownedSession)
			r.Get("/conversation", h.Conversation)
			r.Get("/events", h.Events)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireScope(middleware.ScopeConversationsWrite))
			r.Use(h.ownedSession)
			r.Delete("/", h.Release)
			r.Post("/queries", h.SubmitQuery)
			r.Delete("/queries/current", h.CancelQuery)
			r.Post("/reload", h.Reload)
			r.Post("/chat", h.Chat)
		})
	})
}

// ownedSession rejects requests for sessions owned by another user.
func (h *SessionHandler) ownedSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		sessionID := chi.URLParam(r, "id")

		err := h.manager.Authorize(ctx, sessionID, middleware.GetUserID(ctx))
		if errors.Is(err, service.ErrForbidden) {
			writeError(w, http.StatusForbidden, err.Error())
			return
		}
		if err != nil {
			h.logger.Error("failed to authorize session", zap.String("session_id", sessionID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to load session")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func validSessionID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := middleware.ValidateSessionID(chi.URLParam(r, "id")); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SubmitQuery handles POST /api/v1/sessions/{id}/queries
func (h *SessionHandler) SubmitQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "id")

	var req model.SubmitQueryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := middleware.ValidateQuery(req.Query); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	view, err := h.manager.Submit(ctx, sessionID, middleware.GetUserID(ctx), req.Query)
	if errors.Is(err, service.ErrForbidden) {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("failed to submit query", zap.String("session_id", sessionID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to submit query")
		return
	}

	writeJSON(w, http.StatusAccepted, view.Snapshot())
}

// CancelQuery handles DELETE /api/v1/sessions/{id}/queries/current
func (h *SessionHandler) CancelQuery(w http.ResponseWriter, r *http.Request) {
	if !h.manager.Cancel(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "no active query")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Conversation handles GET /api/v1/sessions/{id}/conversation
func (h *SessionHandler) Conversation(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	view, err := h.manager.View(r.Context(), sessionID)
	if err != nil {
		h.logger.Error("failed to load conversation", zap.String("session_id", sessionID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}

	writeJSON(w, http.StatusOK, view.Snapshot())
}

// Reload handles POST /api/v1/sessions/{id}/reload
// Supports ?force=true to bypass the fingerprint check.
func (h *SessionHandler) Reload(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	applied, err := h.manager.Reload(r.Context(), sessionID, force)
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to reload conversation", zap.String("session_id", sessionID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to reload conversation")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}

// Chat handles POST /api/v1/sessions/{id}/chat
func (h *SessionHandler) Chat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "id")

	var req model.SubmitChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := middleware.ValidateMessageContent(req.Message); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.manager.Chat(ctx, sessionID, middleware.GetUserID(ctx), req)
	if errors.Is(err, service.ErrStreamActive) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if errors.Is(err, service.ErrForbidden) {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	if err != nil {
		h.logger.Warn("chat turn failed", zap.String("session_id", sessionID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "chat turn failed")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Release handles DELETE /api/v1/sessions/{id}
func (h *SessionHandler) Release(w http.ResponseWriter, r *http.Request) {
	h.manager.Release(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}
