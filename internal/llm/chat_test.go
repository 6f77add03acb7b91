package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/nitin4real/llm/internal/domain"
	"github.com/nitin4real/llm/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSessions struct {
	history  []domain.ChatMessage
	err      error
	appended []domain.ChatMessage
}

func (f *fakeSessions) Snapshot(int64) (domain.Session, error) {
	if f.err != nil {
		return domain.Session{}, f.err
	}
	return domain.Session{History: f.history, State: domain.StateActive}, nil
}

func (f *fakeSessions) UpdateActivity(_ context.Context, _ int64, upd session.ActivityUpdate) error {
	f.appended = append(f.appended, upd.Append...)
	return nil
}

type fakeCompleter struct {
	comp *Completion
	err  error
	seen []domain.ChatMessage
}

func (f *fakeCompleter) Complete(_ context.Context, msgs []domain.ChatMessage) (*Completion, error) {
	f.seen = msgs
	return f.comp, f.err
}

func TestReplyUsesStoredHistoryAndLastMessage(t *testing.T) {
	sessions := &fakeSessions{history: []domain.ChatMessage{{Role: domain.RoleSystem, Content: "prompt"}}}
	model := &fakeCompleter{comp: &Completion{Content: "sure"}}
	svc := NewChatService(sessions, model)

	reply, err := svc.Reply(context.Background(), 42, []domain.ChatMessage{
		{Role: domain.RoleUser, Content: "ignored"},
		{Role: domain.RoleUser, Content: "latest"},
	})
	require.NoError(t, err)
	assert.Equal(t, "sure", reply)

	require.Len(t, model.seen, 2)
	assert.Equal(t, "prompt", model.seen[0].Content)
	assert.Equal(t, "latest", model.seen[1].Content)

	assert.Equal(t, []domain.ChatMessage{
		{Role: domain.RoleUser, Content: "latest"},
		{Role: domain.RoleAssistant, Content: "sure"},
	}, sessions.appended)
}

func TestReplySpeaksToolCallArgument(t *testing.T) {
	sessions := &fakeSessions{}
	model := &fakeCompleter{comp: &Completion{ToolCall: &ToolCall{
		ID:        "call_9",
		Name:      "show_question",
		Arguments: map[string]any{"speechToUser": "Here is a question"},
	}}}
	svc := NewChatService(sessions, model)

	reply, err := svc.Reply(context.Background(), 1, []domain.ChatMessage{{Role: domain.RoleUser, Content: "quiz me"}})
	require.NoError(t, err)
	assert.Equal(t, "Here is a question", reply)
	require.Len(t, sessions.appended, 3)
	assert.Equal(t, domain.RoleTool, sessions.appended[2].Role)
	assert.Equal(t, "call_9", sessions.appended[2].ToolCallID)
}

func TestReplyFallsBackOnEmptyContent(t *testing.T) {
	svc := NewChatService(&fakeSessions{}, &fakeCompleter{comp: &Completion{}})

	reply, err := svc.Reply(context.Background(), 1, []domain.ChatMessage{{Role: domain.RoleUser, Content: "?"}})
	require.NoError(t, err)
	assert.Equal(t, FallbackReply, reply)
}

func TestReplyErrors(t *testing.T) {
	svc := NewChatService(&fakeSessions{}, &fakeCompleter{})
	_, err := svc.Reply(context.Background(), 1, nil)
	assert.ErrorIs(t, err, ErrNoMessages)

	svc = NewChatService(&fakeSessions{err: session.ErrNotFound}, &fakeCompleter{})
	_, err = svc.Reply(context.Background(), 1, []domain.ChatMessage{{Role: domain.RoleUser}})
	assert.ErrorIs(t, err, session.ErrNotFound)

	boom := errors.New("boom")
	svc = NewChatService(&fakeSessions{}, &fakeCompleter{err: boom})
	_, err = svc.Reply(context.Background(), 1, []domain.ChatMessage{{Role: domain.RoleUser}})
	assert.ErrorIs(t, err, boom)
}
