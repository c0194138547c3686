package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/querystream/internal/sse"
	"github.com/capitalize-ai/querystream/pkg/metrics"
)

// heartbeatInterval keeps idle relays open through proxies.
var heartbeatInterval = 30 * time.Second

// Events handles GET /api/v1/sessions/{id}/events
// It relays a snapshot of the conversation after every change, starting
// with the current one.
func (h *SessionHandler) Events(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "id")

	view, err := h.manager.View(ctx, sessionID)
	if err != nil {
		h.logger.Error("failed to load conversation", zap.String("session_id", sessionID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}

	out, err := sse.NewWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	updates, unsubscribe := view.Subscribe()
	defer unsubscribe()

	if err := out.Data(view.Snapshot()); err != nil {
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("session_id", sessionID))
			return

		case snap, ok := <-updates:
			if !ok {
				// The view was released.
				return
			}
			if err := out.Data(snap); err != nil {
				return
			}

		case <-heartbeat.C:
			if err := out.Comment("heartbeat"); err != nil {
				return
			}
		}
	}
}
