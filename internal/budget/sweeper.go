package budget

import (
	"context"
	"log/slog"
	"time"
)

// StartSweeper runs a background goroutine that periodically sweeps the
// ledger for silent records until ctx is canceled.
func StartSweeper(ctx context.Context, l *Ledger, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Heartbeat sweeper started", "interval", interval, "liveness_timeout", l.liveness)

		for {
			select {
			case <-ticker.C:
				if expired := l.Sweep(); len(expired) > 0 {
					slog.Info("Heartbeat sweeper removed silent agents", "count", len(expired))
				}
			case <-ctx.Done():
				slog.Info("Heartbeat sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
