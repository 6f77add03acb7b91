package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nitin4real/llm/internal/shared"
)

const (
	maxWriteRetries = 3
	baseRetryDelay  = 50 * time.Millisecond
)

// withBusyRetry runs op, retrying with exponential backoff while SQLite
// reports lock contention.
func withBusyRetry(ctx context.Context, name string, uid int64, op func() error) error {
	var err error
	for i := 0; i < maxWriteRetries; i++ {
		if err = op(); err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == maxWriteRetries-1 {
			break
		}

		delay := baseRetryDelay * time.Duration(1<<i) // 50ms, 100ms, 200ms
		slog.Debug("Database locked, retrying",
			"op", name,
			"user_id", uid,
			"attempt", i+1,
			"delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%s for %d: %w", name, uid, ctx.Err())
		}
	}
	return fmt.Errorf("%s for %d: %w", name, uid, err)
}
