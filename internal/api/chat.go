package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/nitin4real/llm/internal/domain"
	"github.com/nitin4real/llm/internal/identity"
)

// Replier produces the agent's next line for a user.
type Replier interface {
	Reply(ctx context.Context, userID int64, incoming []domain.ChatMessage) (string, error)
}

// ChatHandler serves the OpenAI-style completion endpoint the remote agent
// calls for every turn.
type ChatHandler struct {
	chat Replier
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(chat Replier) *ChatHandler {
	return &ChatHandler{chat: chat}
}

// RegisterRoutes registers chat routes. Callers mount them behind
// identity.Middleware; the remote agent authenticates with the per-user key
// issued at start.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Post("/api/chat/completions", h.Completions)
}

type completionRequest struct {
	Messages []domain.ChatMessage `json:"messages"`
	Stream   bool                 `json:"stream"`
}

type completionChunk struct {
	Choices []chunkChoice `json:"choices"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chunkDelta struct {
	Content string `json:"content"`
}

// Completions answers with a single server-sent chunk followed by [DONE].
func (h *ChatHandler) Completions(w http.ResponseWriter, r *http.Request) {
	userID, ok := identity.UserIDFromContext(r.Context())
	if !ok {
		Error(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	var body completionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	reply, err := h.chat.Reply(r.Context(), userID, body.Messages)
	if err != nil {
		slog.Error("Error in chat completion", "error", err, "user_id", userID)
		fail(w, err)
		return
	}

	chunk, err := json.Marshal(completionChunk{Choices: []chunkChoice{{Delta: chunkDelta{Content: reply}}}})
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to encode response")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", chunk)
	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
