package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/subcults/internal/middleware"
	"github.com/onnwee/subcults/internal/participant"
	"github.com/onnwee/subcults/internal/presence"
	"github.com/onnwee/subcults/internal/session"
)

// ParticipantHandlers holds the dependencies for the join/participants/stats
// HTTP surface. It shares the session.Coordinator with SessionHandlers and
// additionally reads the Ephemeral Store directly for the supplemented
// stats endpoint (SPEC_FULL.md's "GET /api/sessions/{id}/stats").
type ParticipantHandlers struct {
	coordinator *session.Coordinator
	store       *presence.Store
}

// NewParticipantHandlers wires the participant-facing handlers.
func NewParticipantHandlers(coordinator *session.Coordinator, store *presence.Store) *ParticipantHandlers {
	return &ParticipantHandlers{coordinator: coordinator, store: store}
}

// JoinRequest is the body for POST /api/sessions/{id}/join.
type JoinRequest struct {
	DisplayName string `json:"display_name"`
	AvatarColor string `json:"avatar_color,omitempty"`
}

// JoinResponse is the body for a successful join.
type JoinResponse struct {
	UserID         string `json:"user_id"`
	WebSocketToken string `json:"websocket_token"`
	WebSocketURL   string `json:"websocket_url"`
}

// Join handles POST /api/sessions/{id}/join.
func (h *ParticipantHandlers) Join(w http.ResponseWriter, r *http.Request, sessionID string) {
	ctx := r.Context()

	var req JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON in request body")
		return
	}

	result, err := h.coordinator.Join(ctx, sessionID, req.DisplayName, req.AvatarColor)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrInvalidRequest):
			ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
		case errors.Is(err, session.ErrCapacityExceeded):
			ctx = middleware.SetErrorCode(ctx, ErrCodeCapacityExceeded)
			WriteError(w, ctx, http.StatusConflict, ErrCodeCapacityExceeded, "session has reached its participant limit")
		case errors.Is(err, session.ErrExpired) || errors.Is(err, session.ErrInactive) || errors.Is(err, session.ErrNotFound):
			writeSessionError(w, ctx, err)
		default:
			slog.ErrorContext(ctx, "join session failed", "error", err, "session_id", sessionID)
			ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
			WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
		}
		return
	}

	writeJSON(w, ctx, http.StatusOK, JoinResponse{
		UserID:         result.UserID,
		WebSocketToken: result.Token,
		WebSocketURL:   result.StreamURL,
	})
}

// ParticipantView is one entry in the /participants listing.
type ParticipantView struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	AvatarColor string    `json:"avatar_color"`
	LastSeen    time.Time `json:"last_seen"`
	IsActive    bool      `json:"is_active"`
}

// ListParticipantsResponse is the body for GET /api/sessions/{id}/participants.
type ListParticipantsResponse struct {
	Participants []ParticipantView `json:"participants"`
}

// ListParticipants handles GET /api/sessions/{id}/participants.
func (h *ParticipantHandlers) ListParticipants(w http.ResponseWriter, r *http.Request, sessionID string) {
	ctx := r.Context()

	participants, err := h.coordinator.ListParticipants(ctx, sessionID)
	if err != nil {
		writeSessionError(w, ctx, err)
		return
	}

	views := make([]ParticipantView, 0, len(participants))
	for _, p := range participants {
		views = append(views, ParticipantView{
			UserID:      p.UserID,
			DisplayName: p.DisplayName,
			AvatarColor: p.AvatarColor,
			LastSeen:    p.LastSeen,
			IsActive:    p.Active,
		})
	}

	writeJSON(w, ctx, http.StatusOK, ListParticipantsResponse{Participants: views})
}

// RemoveParticipant handles DELETE /api/sessions/{id}/participants/{user_id}.
func (h *ParticipantHandlers) RemoveParticipant(w http.ResponseWriter, r *http.Request, sessionID, userID string) {
	ctx := r.Context()

	if err := h.coordinator.RemoveParticipant(ctx, sessionID, userID); err != nil {
		if errors.Is(err, participant.ErrNotFound) {
			ctx = middleware.SetErrorCode(ctx, ErrCodeParticipantNotFound)
			WriteError(w, ctx, http.StatusNotFound, ErrCodeParticipantNotFound, "participant not found")
			return
		}
		slog.ErrorContext(ctx, "remove participant failed", "error", err, "session_id", sessionID, "user_id", userID)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
		return
	}

	writeJSON(w, ctx, http.StatusOK, map[string]bool{"success": true})
}

// StatsResponse is the body for GET /api/sessions/{id}/stats.
type StatsResponse struct {
	ActiveLocations    int `json:"active_locations"`
	ActiveParticipants int `json:"active_participants"`
}

// Stats handles GET /api/sessions/{id}/stats, reading counts directly off
// the Ephemeral Store rather than the coordinator, since both figures are
// ES-native (SPEC_FULL.md's supplemented admin/monitoring endpoint).
func (h *ParticipantHandlers) Stats(w http.ResponseWriter, r *http.Request, sessionID string) {
	ctx := r.Context()

	if _, err := h.coordinator.Get(ctx, sessionID); err != nil {
		writeSessionError(w, ctx, err)
		return
	}

	stats, err := h.store.SessionStats(ctx, sessionID)
	if err != nil {
		slog.ErrorContext(ctx, "session stats failed", "error", err, "session_id", sessionID)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
		return
	}

	writeJSON(w, ctx, http.StatusOK, StatsResponse{
		ActiveLocations:    stats.ActiveLocations,
		ActiveParticipants: stats.ActiveParticipants,
	})
}
