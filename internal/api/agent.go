package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nitin4real/llm/internal/domain"
	"github.com/nitin4real/llm/internal/identity"
	"github.com/nitin4real/llm/internal/session"
)

// Speaker makes a live agent say something.
type Speaker interface {
	Speak(ctx context.Context, agentID, text string) error
}

// AgentHandler handles agent session endpoints.
type AgentHandler struct {
	*Handler
	speaker Speaker
}

// NewAgentHandler creates a new agent handler.
func NewAgentHandler(base *Handler, speaker Speaker) *AgentHandler {
	return &AgentHandler{Handler: base, speaker: speaker}
}

// RegisterRoutes registers agent routes. Callers mount them behind
// identity.Middleware.
func (h *AgentHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/agent", func(r chi.Router) {
		r.Post("/start", h.Start)
		r.Post("/stop", h.Stop)
		r.Post("/settings", h.Settings)
		r.Post("/speak", h.Speak)
		r.Get("/session", h.GetSession)
	})
}

type startRequest struct {
	Settings map[string]any `json:"settings"`
}

// Start provisions an agent for the caller and returns channel credentials.
func (h *AgentHandler) Start(w http.ResponseWriter, r *http.Request) {
	userID, ok := identity.UserIDFromContext(r.Context())
	if !ok {
		Error(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	var body startRequest
	if err := decodeOptional(r, &body); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := r.Context()
	user, err := h.repo.GetUser(ctx, userID)
	if err != nil {
		slog.Error("Failed to get user for start", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "Failed to start agent")
		return
	}
	if user == nil {
		Error(w, http.StatusNotFound, "user not found")
		return
	}

	md, err := h.repo.GetUserMetadata(ctx, userID)
	if err != nil {
		slog.Error("Failed to get user metadata", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "Failed to start agent")
		return
	}
	if md == nil {
		fail(w, session.ErrNoMetadata)
		return
	}

	creds, err := h.sessions.Start(ctx, userID, session.StartParams{Metadata: md, Settings: body.Settings})
	if err != nil {
		slog.Warn("Failed to start agent", "error", err, "user_id", userID)
		fail(w, err)
		return
	}

	slog.Info("Agent started", "user_id", userID, "agent_id", creds.AgentID, "channel", creds.ChannelName)
	JSON(w, http.StatusOK, creds)
}

// Stop tears down the caller's agent.
func (h *AgentHandler) Stop(w http.ResponseWriter, r *http.Request) {
	userID, ok := identity.UserIDFromContext(r.Context())
	if !ok {
		Error(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	res, err := h.sessions.Stop(r.Context(), userID)
	if err != nil {
		fail(w, err)
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"response": res,
		"success":  true,
	})
}

type settingsRequest struct {
	Settings map[string]any `json:"settings"`
}

// Settings merges new per-session settings into the caller's live session.
func (h *AgentHandler) Settings(w http.ResponseWriter, r *http.Request) {
	userID, ok := identity.UserIDFromContext(r.Context())
	if !ok {
		Error(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	var body settingsRequest
	if err := decodeOptional(r, &body); err != nil || len(body.Settings) == 0 {
		Error(w, http.StatusBadRequest, "settings are required")
		return
	}

	if err := h.sessions.UpdateSettings(r.Context(), userID, body.Settings); err != nil {
		fail(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"success": true})
}

type speakRequest struct {
	Text string `json:"text"`
}

// Speak makes the caller's live agent say the given text.
func (h *AgentHandler) Speak(w http.ResponseWriter, r *http.Request) {
	userID, ok := identity.UserIDFromContext(r.Context())
	if !ok {
		Error(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	var body speakRequest
	if err := decodeOptional(r, &body); err != nil || body.Text == "" {
		Error(w, http.StatusBadRequest, "text is required")
		return
	}

	snap, err := h.sessions.Snapshot(userID)
	if err != nil {
		fail(w, err)
		return
	}
	if snap.State != domain.StateActive {
		fail(w, session.ErrNotFound)
		return
	}

	if err := h.speaker.Speak(r.Context(), snap.AgentID, body.Text); err != nil {
		slog.Error("Failed to speak", "error", err, "user_id", userID, "agent_id", snap.AgentID)
		Error(w, http.StatusBadGateway, "failed to reach agent")
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// GetSession describes the caller's current session.
func (h *AgentHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := identity.UserIDFromContext(r.Context())
	if !ok {
		Error(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	snap, err := h.sessions.Snapshot(userID)
	if err != nil {
		fail(w, err)
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"state":             snap.StateName(),
		"agent_id":          snap.AgentID,
		"channel_name":      snap.ChannelName,
		"seconds_remaining": snap.SecondsRemaining,
		"initial_seconds":   snap.InitialSeconds,
		"started_at":        snap.StartedAt.Format(time.RFC3339),
		"last_live_at":      snap.LastLiveAt.Format(time.RFC3339),
		"bound":             snap.Bound,
		"messages":          len(snap.History),
		"settings":          snap.Settings,
	})
}
