package store

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/nitin4real/llm/internal/notify"
)

// UsageWriter is the subset of Repository used to write back session usage.
type UsageWriter interface {
	UpdateRemainingSeconds(ctx context.Context, uid int64, seconds float64) error
	AddPlatformUsage(ctx context.Context, uid int64, seconds float64) error
}

// UsageSync returns an observer that persists the remaining budget and the
// consumed seconds when a session ends.
func UsageSync(w UsageWriter) notify.Observer {
	return notify.ObserverFunc(func(ctx context.Context, ev notify.Event) error {
		if ev.Kind != notify.SessionEnded {
			return nil
		}
		ctx = context.WithoutCancel(ctx)

		remaining := math.Max(ev.FinalSeconds, 0)
		if err := w.UpdateRemainingSeconds(ctx, ev.UserID, remaining); err != nil {
			return fmt.Errorf("write back remaining seconds: %w", err)
		}
		used := ev.InitialSeconds - remaining
		if err := w.AddPlatformUsage(ctx, ev.UserID, used); err != nil {
			return fmt.Errorf("record platform usage: %w", err)
		}
		slog.Info("Session usage persisted",
			"user_id", ev.UserID,
			"agent_id", ev.AgentID,
			"seconds_used", used,
			"seconds_remaining", remaining)
		return nil
	})
}
