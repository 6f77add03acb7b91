package domain

// Role tags a chat message with its author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ChatMessage is a single role-tagged conversation entry.
type ChatMessage struct {
	Role       Role   `json:"role"`
	Content    string `json:"content"`
	Name       string `json:"name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// History is an ordered conversation window bounded to a maximum length.
// A leading system message is pinned and survives truncation. A limit of
// zero or less disables the bound.
type History struct {
	limit    int
	messages []ChatMessage
}

// NewHistory creates a history seeded with the given messages.
func NewHistory(limit int, seed ...ChatMessage) *History {
	h := &History{limit: limit}
	h.Append(seed...)
	return h
}

// Append adds messages in order and applies the window.
func (h *History) Append(msgs ...ChatMessage) {
	h.messages = append(h.messages, msgs...)
	h.trim()
}

// Messages returns a copy of the current window.
func (h *History) Messages() []ChatMessage {
	out := make([]ChatMessage, len(h.messages))
	copy(out, h.messages)
	return out
}

// Len returns the number of messages in the window.
func (h *History) Len() int {
	return len(h.messages)
}

func (h *History) trim() {
	if h.limit <= 0 || len(h.messages) <= h.limit {
		return
	}
	pinned := h.messages[0].Role == RoleSystem
	if !pinned {
		h.messages = append([]ChatMessage(nil), h.messages[len(h.messages)-h.limit:]...)
		return
	}
	keep := h.limit - 1
	trimmed := make([]ChatMessage, 0, h.limit)
	trimmed = append(trimmed, h.messages[0])
	trimmed = append(trimmed, h.messages[len(h.messages)-keep:]...)
	h.messages = trimmed
}
