package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nitin4real/llm/internal/domain"
	"github.com/nitin4real/llm/internal/session"
)

// FallbackReply is returned when the model produced no speakable content.
const FallbackReply = "Hmm, I'm not sure what to say, there seems to be some problems"

var ErrNoMessages = errors.New("messages are required")

// Sessions is the subset of the session registry used by ChatService.
type Sessions interface {
	Snapshot(userID int64) (domain.Session, error)
	UpdateActivity(ctx context.Context, userID int64, upd session.ActivityUpdate) error
}

// Completer produces a model reply.
type Completer interface {
	Complete(ctx context.Context, msgs []domain.ChatMessage) (*Completion, error)
}

// ChatService answers the remote agent's completion requests using the
// session's stored history.
type ChatService struct {
	sessions Sessions
	llm      Completer
}

// NewChatService creates a chat service.
func NewChatService(sessions Sessions, llm Completer) *ChatService {
	return &ChatService{sessions: sessions, llm: llm}
}

// Reply combines the session history with the newest incoming message, asks
// the model and records the exchange on the session.
func (s *ChatService) Reply(ctx context.Context, userID int64, incoming []domain.ChatMessage) (string, error) {
	if len(incoming) == 0 {
		return "", ErrNoMessages
	}
	snap, err := s.sessions.Snapshot(userID)
	if err != nil {
		return "", fmt.Errorf("load session for %d: %w", userID, err)
	}

	last := incoming[len(incoming)-1]
	msgs := make([]domain.ChatMessage, 0, len(snap.History)+1)
	msgs = append(msgs, snap.History...)
	msgs = append(msgs, last)

	comp, err := s.llm.Complete(ctx, msgs)
	if err != nil {
		return "", err
	}

	reply := comp.Content
	exchange := []domain.ChatMessage{last}
	if comp.ToolCall != nil {
		if speech, ok := comp.ToolCall.Arguments["speechToUser"].(string); ok {
			reply = speech
		}
		exchange = append(exchange,
			domain.ChatMessage{Role: domain.RoleAssistant, Content: reply},
			domain.ChatMessage{Role: domain.RoleTool, Content: "Sent To the user", ToolCallID: comp.ToolCall.ID},
		)
	} else {
		exchange = append(exchange, domain.ChatMessage{Role: domain.RoleAssistant, Content: reply})
	}

	if err := s.sessions.UpdateActivity(ctx, userID, session.ActivityUpdate{Append: exchange}); err != nil {
		slog.Warn("Failed to record chat exchange", "user_id", userID, "error", err)
	}

	if reply == "" {
		reply = FallbackReply
	}
	return reply, nil
}
