package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/subcults/internal/auth"
	"github.com/onnwee/subcults/internal/middleware"
	"github.com/onnwee/subcults/internal/participant"
	"github.com/onnwee/subcults/internal/realtime"
)

// StreamHandlers holds the dependencies for the websocket upgrade endpoint.
type StreamHandlers struct {
	manager      *realtime.Manager
	broker       *realtime.Broker
	tokens       *auth.TokenService
	participants participant.Repository
}

// NewStreamHandlers wires the /ws upgrade handler.
func NewStreamHandlers(manager *realtime.Manager, broker *realtime.Broker, tokens *auth.TokenService, participants participant.Repository) *StreamHandlers {
	return &StreamHandlers{manager: manager, broker: broker, tokens: tokens, participants: participants}
}

// Stream handles GET /ws?token=<capability token>. It verifies the token,
// confirms the bound participant is still active, then hands off to the
// connection manager for the life of the socket. Upgrade blocks until the
// connection closes, matching the streaming handler pattern this follows.
func (h *StreamHandlers) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	token := r.URL.Query().Get("token")
	if token == "" {
		ctx = middleware.SetErrorCode(ctx, ErrCodeAuthFailed)
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeAuthFailed, "missing token query parameter")
		return
	}

	claims, err := h.tokens.Verify(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			ctx = middleware.SetErrorCode(ctx, ErrCodeTokenExpired)
			WriteError(w, ctx, http.StatusUnauthorized, ErrCodeTokenExpired, "token has expired")
			return
		}
		ctx = middleware.SetErrorCode(ctx, ErrCodeAuthFailed)
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeAuthFailed, "invalid token")
		return
	}

	p, err := h.participants.Get(ctx, claims.SessionID, claims.UserID)
	if err != nil {
		if errors.Is(err, participant.ErrNotFound) {
			ctx = middleware.SetErrorCode(ctx, ErrCodeParticipantNotFound)
			WriteError(w, ctx, http.StatusNotFound, ErrCodeParticipantNotFound, "participant not found")
			return
		}
		slog.ErrorContext(ctx, "stream participant lookup failed", "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
		return
	}
	if !p.Active {
		ctx = middleware.SetErrorCode(ctx, ErrCodeSessionInactive)
		WriteError(w, ctx, http.StatusGone, ErrCodeSessionInactive, "participant is no longer active in this session")
		return
	}

	if err := h.manager.Upgrade(ctx, w, r, h.broker, claims.UserID, claims.SessionID, p.DisplayName, p.AvatarColor, claims.Creator); err != nil {
		slog.ErrorContext(ctx, "websocket upgrade failed", "error", err, "user_id", claims.UserID, "session_id", claims.SessionID)
		return
	}

	// Upgrade blocks for the life of the socket; once it returns the stream
	// is torn down and the participant's liveness clock stops here. The
	// request context may already be winding down, so detach from it.
	touchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := h.participants.Touch(touchCtx, claims.SessionID, claims.UserID, time.Now()); err != nil && !errors.Is(err, participant.ErrNotFound) {
		slog.Warn("stream teardown last-seen update failed", "error", err, "user_id", claims.UserID, "session_id", claims.SessionID)
	}
}
