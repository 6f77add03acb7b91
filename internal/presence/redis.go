// Package presence mirrors live session state into Redis so other processes
// can see who is connected.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nitin4real/llm/internal/notify"
	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "convo:presence:"

// Mirror is a notify.Observer that writes session presence to Redis.
type Mirror struct {
	client *redis.Client
	prefix string
}

// New connects to addr and verifies the connection.
func New(ctx context.Context, addr, prefix string) (*Mirror, error) {
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(cl, prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(cl *redis.Client, prefix string) *Mirror {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Mirror{client: cl, prefix: prefix}
}

// Close closes the Redis client.
func (m *Mirror) Close() error { return m.client.Close() }

func (m *Mirror) activeKey() string { return m.prefix + "active" }
func (m *Mirror) eventsKey() string { return m.prefix + "events" }
func (m *Mirror) sessionKey(uid int64) string {
	return m.prefix + "session:" + strconv.FormatInt(uid, 10)
}

type published struct {
	Kind    notify.Kind `json:"kind"`
	UserID  int64       `json:"user_id"`
	AgentID string      `json:"agent_id,omitempty"`
	Reason  string      `json:"reason,omitempty"`
	At      time.Time   `json:"at"`
}

// Notify implements notify.Observer.
func (m *Mirror) Notify(ctx context.Context, ev notify.Event) error {
	msg, err := json.Marshal(published{
		Kind:    ev.Kind,
		UserID:  ev.UserID,
		AgentID: ev.AgentID,
		Reason:  ev.Reason,
		At:      ev.At,
	})
	if err != nil {
		return fmt.Errorf("marshal presence event: %w", err)
	}

	key := m.sessionKey(ev.UserID)
	_, err = m.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		switch ev.Kind {
		case notify.SessionStarted:
			p.SAdd(ctx, m.activeKey(), ev.UserID)
			p.HSet(ctx, key,
				"agent_id", ev.AgentID,
				"channel", ev.ChannelName,
				"initial_seconds", ev.InitialSeconds,
				"started_at", ev.At.Unix(),
			)
		case notify.SessionEnded:
			p.SRem(ctx, m.activeKey(), ev.UserID)
			p.Del(ctx, key)
		case notify.SettingsChanged:
			settings, err := json.Marshal(ev.Settings)
			if err != nil {
				return fmt.Errorf("marshal settings: %w", err)
			}
			p.HSet(ctx, key, "settings", settings)
		}
		p.Publish(ctx, m.eventsKey(), msg)
		return nil
	})
	if err != nil {
		return fmt.Errorf("mirror %s for user %d: %w", ev.Kind, ev.UserID, err)
	}
	return nil
}

// ActiveUsers returns the users currently marked live.
func (m *Mirror) ActiveUsers(ctx context.Context) ([]int64, error) {
	members, err := m.client.SMembers(ctx, m.activeKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list active users: %w", err)
	}
	out := make([]int64, 0, len(members))
	for _, s := range members {
		uid, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, uid)
	}
	return out, nil
}

// Reset clears presence left behind by a previous process. Sessions do not
// survive a restart, so every mirrored entry is stale at startup.
func (m *Mirror) Reset(ctx context.Context) error {
	users, err := m.ActiveUsers(ctx)
	if err != nil {
		return err
	}
	keys := []string{m.activeKey()}
	for _, uid := range users {
		keys = append(keys, m.sessionKey(uid))
	}
	if err := m.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("reset presence: %w", err)
	}
	return nil
}
