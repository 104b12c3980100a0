package repository

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"signalgw/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Create(ctx context.Context, session *models.SessionInfo, ttl time.Duration) error {
	args := m.Called(ctx, session, ttl)
	return args.Error(0)
}

func (m *mockStore) Validate(ctx context.Context, token string) (bool, error) {
	args := m.Called(ctx, token)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) GetSession(ctx context.Context, token string) (*models.SessionInfo, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.SessionInfo), args.Error(1)
}

func (m *mockStore) Heartbeat(ctx context.Context, token string) error {
	args := m.Called(ctx, token)
	return args.Error(0)
}

func (m *mockStore) Remove(ctx context.Context, token string) error {
	args := m.Called(ctx, token)
	return args.Error(0)
}

func TestFailoverSessionStore(t *testing.T) {
	primary := new(mockStore)
	fallback := new(mockStore)
	logger := zerolog.New(io.Discard)
	store := NewFailoverSessionStore(primary, fallback, &logger)
	clock := time.Now()
	store.now = func() time.Time { return clock }
	ctx := context.Background()

	t.Run("PrimarySuccess", func(t *testing.T) {
		primary.On("Validate", ctx, "tok").Return(true, nil).Once()

		ok, err := store.Validate(ctx, "tok")
		assert.NoError(t, err)
		assert.True(t, ok)
		primary.AssertExpectations(t)
	})

	t.Run("PrimaryMissFallsThrough", func(t *testing.T) {
		primary.On("Validate", ctx, "outage-token").Return(false, nil).Once()
		fallback.On("Validate", ctx, "outage-token").Return(true, nil).Once()

		ok, err := store.Validate(ctx, "outage-token")
		assert.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("PrimaryFailureSwitchesToFallback", func(t *testing.T) {
		session := &models.SessionInfo{Token: "new"}
		primary.On("Create", ctx, session, time.Minute).Return(errors.New("connection refused")).Once()
		fallback.On("Create", ctx, session, time.Minute).Return(nil).Once()

		assert.NoError(t, store.Create(ctx, session, time.Minute))
		assert.True(t, store.isDown.Load())

		// Primary is bypassed until the probe interval passes.
		fallback.On("Validate", ctx, "new").Return(true, nil).Once()
		ok, err := store.Validate(ctx, "new")
		assert.NoError(t, err)
		assert.True(t, ok)
		primary.AssertNotCalled(t, "Validate", ctx, "new")
	})

	t.Run("RecoveryAfterProbeInterval", func(t *testing.T) {
		clock = clock.Add(2 * time.Minute)
		primary.On("Heartbeat", ctx, "tok").Return(nil).Once()

		assert.NoError(t, store.Heartbeat(ctx, "tok"))
		assert.False(t, store.isDown.Load())
	})

	t.Run("RemoveHitsBothStores", func(t *testing.T) {
		fallback.On("Remove", ctx, "tok").Return(nil).Once()
		primary.On("Remove", ctx, "tok").Return(nil).Once()

		assert.NoError(t, store.Remove(ctx, "tok"))
		primary.AssertExpectations(t)
		fallback.AssertExpectations(t)
	})
}
