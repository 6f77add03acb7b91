// Package realtime binds client realtime connections to live sessions.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/nitin4real/llm/internal/budget"
	"github.com/nitin4real/llm/internal/domain"
	"github.com/nitin4real/llm/internal/session"
)

// Inbound event types.
const (
	EventHeartbeat       = "heartbeat"
	EventAnswerSubmitted = "answer_submitted"
	EventDisconnect      = "disconnect"
	EventPing            = "ping"
)

// ErrClosed is returned by Binding.Handle once the binding has been torn
// down; the caller should stop reading.
var ErrClosed = errors.New("binding closed")

// Registry is the subset of the session registry a binding drives.
type Registry interface {
	BindHandle(userID int64, h session.Handle) error
	StopByHandle(ctx context.Context, h session.Handle)
	Heartbeat(ctx context.Context, userID int64, seq uint64) (float64, error)
	UpdateActivity(ctx context.Context, userID int64, upd session.ActivityUpdate) error
}

// InboundEvent is a client message.
type InboundEvent struct {
	Type     string `json:"type"`
	Seq      uint64 `json:"seq,omitempty"`
	Answer   string `json:"answer,omitempty"`
	Question string `json:"question,omitempty"`
}

// Binder attaches realtime handles to sessions.
type Binder struct {
	reg Registry
}

// NewBinder creates a binder over reg.
func NewBinder(reg Registry) *Binder {
	return &Binder{reg: reg}
}

// Attach binds h to the user's active session. A connection that arrives
// before the session has started is rejected with session.ErrSessionNotFound.
func (b *Binder) Attach(userID int64, h session.Handle) (*Binding, error) {
	if err := b.reg.BindHandle(userID, h); err != nil {
		return nil, fmt.Errorf("attach user %d: %w", userID, err)
	}
	slog.Info("Realtime connection bound", "user_id", userID)
	return &Binding{reg: b.reg, userID: userID, handle: h}, nil
}

// Binding routes one connection's inbound events into its session.
type Binding struct {
	reg    Registry
	userID int64
	handle session.Handle
	closed atomic.Bool
}

// UserID returns the bound user.
func (bd *Binding) UserID() int64 {
	return bd.userID
}

// Handle processes one inbound event.
func (bd *Binding) Handle(ctx context.Context, ev InboundEvent) error {
	if bd.closed.Load() {
		return ErrClosed
	}

	switch ev.Type {
	case EventHeartbeat:
		bd.heartbeat(ctx, ev.Seq)
	case EventAnswerSubmitted:
		err := bd.reg.UpdateActivity(ctx, bd.userID, session.ActivityUpdate{
			Append: []domain.ChatMessage{{
				Role:    domain.RoleSystem,
				Content: fmt.Sprintf("User has submitted answer: %s for question: %s", ev.Answer, ev.Question),
			}},
		})
		if err != nil {
			bd.sendError(ctx, err)
		}
	case EventDisconnect:
		bd.Disconnected(ctx)
		return ErrClosed
	case EventPing:
		_ = bd.handle.Send(ctx, session.Event{Type: "pong"})
	default:
		slog.Debug("Ignoring unknown realtime event", "user_id", bd.userID, "type", ev.Type)
	}
	return nil
}

func (bd *Binding) heartbeat(ctx context.Context, seq uint64) {
	remaining, err := bd.reg.Heartbeat(ctx, bd.userID, seq)
	switch {
	case err == nil:
		_ = bd.handle.Send(ctx, session.Event{
			Type:             session.EventHeartbeatResponse,
			Status:           "OK",
			SecondsRemaining: &remaining,
		})
	case errors.Is(err, budget.ErrExpired):
		// The registry already sent the timeout and closed the handle.
		bd.closed.Store(true)
	default:
		slog.Warn("Heartbeat rejected", "user_id", bd.userID, "error", err)
		bd.sendError(ctx, err)
	}
}

func (bd *Binding) sendError(ctx context.Context, err error) {
	if sendErr := bd.handle.Send(ctx, session.Event{Type: session.EventError, Message: err.Error()}); sendErr != nil {
		slog.Debug("Failed to send error event", "user_id", bd.userID, "error", sendErr)
	}
}

// Disconnected tears down the session that owns this binding's handle. The
// owner is found by handle identity, never by a client-supplied id.
func (bd *Binding) Disconnected(ctx context.Context) {
	if bd.closed.Swap(true) {
		return
	}
	bd.reg.StopByHandle(ctx, bd.handle)
}
