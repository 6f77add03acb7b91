package store

import (
	"context"
	"testing"

	"github.com/nitin4real/llm/internal/domain"
	"github.com/nitin4real/llm/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsageSyncWritesBackOnSessionEnded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateUser(ctx, &domain.User{UID: 8}, "pw"))
	require.NoError(t, s.UpsertUserMetadata(ctx, &domain.UserMetadata{UID: 8, RemainingSeconds: 100}))

	bus := notify.NewBus()
	bus.Subscribe("usage", UsageSync(s))

	bus.Publish(ctx, notify.Event{Kind: notify.SessionStarted, UserID: 8, InitialSeconds: 100})
	bus.Publish(ctx, notify.Event{
		Kind:           notify.SessionEnded,
		UserID:         8,
		InitialSeconds: 100,
		FinalSeconds:   -4,
	})

	md, err := s.GetUserMetadata(ctx, 8)
	require.NoError(t, err)
	assert.Zero(t, md.RemainingSeconds)

	user, err := s.GetUser(ctx, 8)
	require.NoError(t, err)
	assert.InDelta(t, 100, user.PlatformUsageSeconds, 0.001)
}
