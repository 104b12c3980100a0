package repository

import (
	"context"
	"testing"
	"time"

	"signalgw/internal/gwerrors"
	"signalgw/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySessionStore(t *testing.T) {
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemorySessionStore(time.Minute)
	store.now = func() time.Time { return clock }
	ctx := context.Background()

	session := &models.SessionInfo{Token: "tok", PeerID: "peer-1", User: "ticp", CreatedAt: clock}
	require.NoError(t, store.Create(ctx, session, 0))

	t.Run("ValidateAndGet", func(t *testing.T) {
		ok, err := store.Validate(ctx, "tok")
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := store.GetSession(ctx, "tok")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "peer-1", got.PeerID)
	})

	t.Run("HeartbeatExtendsSession", func(t *testing.T) {
		clock = clock.Add(50 * time.Second)
		require.NoError(t, store.Heartbeat(ctx, "tok"))

		clock = clock.Add(50 * time.Second)
		ok, _ := store.Validate(ctx, "tok")
		assert.True(t, ok)

		got, _ := store.GetSession(ctx, "tok")
		assert.Equal(t, clock.Add(-50*time.Second), got.LastSeen)
	})

	t.Run("ExpiredSessionIsInvalid", func(t *testing.T) {
		clock = clock.Add(2 * time.Minute)
		ok, _ := store.Validate(ctx, "tok")
		assert.False(t, ok)

		got, err := store.GetSession(ctx, "tok")
		require.NoError(t, err)
		assert.Nil(t, got)

		assert.ErrorIs(t, store.Heartbeat(ctx, "tok"), gwerrors.ErrNotFound)
	})

	t.Run("Remove", func(t *testing.T) {
		require.NoError(t, store.Create(ctx, &models.SessionInfo{Token: "other"}, time.Hour))
		require.NoError(t, store.Remove(ctx, "other"))
		ok, _ := store.Validate(ctx, "other")
		assert.False(t, ok)
	})

	t.Run("RejectsEmptyToken", func(t *testing.T) {
		assert.ErrorIs(t, store.Create(ctx, &models.SessionInfo{}, time.Hour), gwerrors.ErrValidation)
	})
}
