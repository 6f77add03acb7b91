// Package notify is the observer bus for session lifecycle events.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Kind identifies a lifecycle event.
type Kind string

const (
	SessionStarted  Kind = "session_started"
	SessionEnded    Kind = "session_ended"
	SettingsChanged Kind = "settings_changed"
	SessionTimeout  Kind = "session_timeout"
)

// Event is published by the session registry after a transition completes.
type Event struct {
	Kind        Kind
	UserID      int64
	AgentID     string
	ChannelName string
	At          time.Time
	// Reason is set on SessionEnded and SessionTimeout; see the session package
	// Reason constants.
	Reason string
	// InitialSeconds and FinalSeconds are set on SessionEnded.
	InitialSeconds float64
	FinalSeconds   float64
	// Settings is set on SettingsChanged.
	Settings map[string]any
}

// Observer receives events. Returned errors are logged and dropped.
type Observer interface {
	Notify(ctx context.Context, ev Event) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev Event) error

// Notify calls f.
func (f ObserverFunc) Notify(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

type subscription struct {
	name     string
	observer Observer
}

// Bus delivers events synchronously to observers in registration order.
type Bus struct {
	mu   sync.RWMutex
	subs []subscription
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers an observer under name for logging.
func (b *Bus) Subscribe(name string, o Observer) {
	b.mu.Lock()
	b.subs = append(b.subs, subscription{name: name, observer: o})
	b.mu.Unlock()
}

// Publish delivers ev to every observer. A failing or panicking observer does
// not stop delivery to the ones registered after it.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		if err := deliver(ctx, s.observer, ev); err != nil {
			slog.Warn("Observer failed",
				"observer", s.name,
				"event", string(ev.Kind),
				"user_id", ev.UserID,
				"error", err)
		}
	}
}

func deliver(ctx context.Context, o Observer, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer panic: %v", r)
		}
	}()
	return o.Notify(ctx, ev)
}
