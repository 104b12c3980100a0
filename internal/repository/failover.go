package repository

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"signalgw/internal/domain"
	"signalgw/internal/gwerrors"
	"signalgw/internal/models"

	"github.com/rs/zerolog"
)

// recoveryProbe is how long the primary stays bypassed after a failure.
const recoveryProbe = time.Minute

// FailoverSessionStore serves from primary and switches to fallback while
// primary is failing. Sessions created during an outage live only in the
// fallback, so peers may have to log in again after recovery.
type FailoverSessionStore struct {
	primary   domain.SessionStore
	fallback  domain.SessionStore
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
	now       func() time.Time
}

func NewFailoverSessionStore(primary, fallback domain.SessionStore, logger *zerolog.Logger) *FailoverSessionStore {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FailoverSessionStore{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
}

// usePrimary reports whether the next call should go to primary: either it
// is healthy or the recovery probe interval has passed.
func (r *FailoverSessionStore) usePrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	return r.now().Sub(time.Unix(0, r.lastCheck.Load())) > recoveryProbe
}

func (r *FailoverSessionStore) markDown(err error) {
	if !r.isDown.Swap(true) {
		r.logger.Error().Err(err).Msg("Primary session store failed, falling back to memory")
	}
	r.lastCheck.Store(r.now().UnixNano())
}

func (r *FailoverSessionStore) markUp() {
	if r.isDown.Swap(false) {
		r.logger.Info().Msg("Primary session store recovered")
	}
}

// primaryFailed treats everything except domain errors as an outage.
func primaryFailed(err error) bool {
	var pe *gwerrors.ProtocolError
	return err != nil && !errors.As(err, &pe)
}

func (r *FailoverSessionStore) Create(ctx context.Context, session *models.SessionInfo, ttl time.Duration) error {
	if r.usePrimary() {
		err := r.primary.Create(ctx, session, ttl)
		if !primaryFailed(err) {
			r.markUp()
			return err
		}
		r.markDown(err)
	}
	return r.fallback.Create(ctx, session, ttl)
}

func (r *FailoverSessionStore) Validate(ctx context.Context, token string) (bool, error) {
	if r.usePrimary() {
		ok, err := r.primary.Validate(ctx, token)
		if !primaryFailed(err) {
			r.markUp()
			if ok {
				return true, nil
			}
			// Sessions issued during an outage are only in the fallback.
			return r.fallback.Validate(ctx, token)
		}
		r.markDown(err)
	}
	return r.fallback.Validate(ctx, token)
}

func (r *FailoverSessionStore) GetSession(ctx context.Context, token string) (*models.SessionInfo, error) {
	if r.usePrimary() {
		session, err := r.primary.GetSession(ctx, token)
		if !primaryFailed(err) {
			r.markUp()
			if session != nil || err != nil {
				return session, err
			}
			return r.fallback.GetSession(ctx, token)
		}
		r.markDown(err)
	}
	return r.fallback.GetSession(ctx, token)
}

func (r *FailoverSessionStore) Heartbeat(ctx context.Context, token string) error {
	if r.usePrimary() {
		err := r.primary.Heartbeat(ctx, token)
		if !primaryFailed(err) {
			r.markUp()
			if errors.Is(err, gwerrors.ErrNotFound) {
				return r.fallback.Heartbeat(ctx, token)
			}
			return err
		}
		r.markDown(err)
	}
	return r.fallback.Heartbeat(ctx, token)
}

func (r *FailoverSessionStore) Remove(ctx context.Context, token string) error {
	// The token may live in either store.
	fbErr := r.fallback.Remove(ctx, token)
	if r.usePrimary() {
		err := r.primary.Remove(ctx, token)
		if !primaryFailed(err) {
			r.markUp()
			return err
		}
		r.markDown(err)
	}
	return fbErr
}
