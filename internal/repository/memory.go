package repository

import (
	"context"
	"sync"
	"time"

	"signalgw/internal/gwerrors"
	"signalgw/internal/models"
)

type sessionEntry struct {
	session   models.SessionInfo
	ttl       time.Duration
	expiresAt time.Time
}

// MemorySessionStore keeps sessions in process. Expired entries are dropped
// lazily on access.
type MemorySessionStore struct {
	sessions sync.Map
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
}

func NewMemorySessionStore(ttl time.Duration) *MemorySessionStore {
	return &MemorySessionStore{
		ttl: ttl,
		now: time.Now,
	}
}

func (r *MemorySessionStore) Create(ctx context.Context, session *models.SessionInfo, ttl time.Duration) error {
	if session == nil || session.Token == "" {
		return gwerrors.Validation("session token is required")
	}
	if ttl <= 0 {
		ttl = r.ttl
	}
	r.sessions.Store(session.Token, &sessionEntry{
		session:   *session,
		ttl:       ttl,
		expiresAt: r.now().Add(ttl),
	})
	return nil
}

func (r *MemorySessionStore) load(token string) (*sessionEntry, bool) {
	val, ok := r.sessions.Load(token)
	if !ok {
		return nil, false
	}
	entry := val.(*sessionEntry)
	r.mu.Lock()
	expired := entry.ttl > 0 && r.now().After(entry.expiresAt)
	r.mu.Unlock()
	if expired {
		r.sessions.Delete(token)
		return nil, false
	}
	return entry, true
}

func (r *MemorySessionStore) Validate(ctx context.Context, token string) (bool, error) {
	_, ok := r.load(token)
	return ok, nil
}

func (r *MemorySessionStore) GetSession(ctx context.Context, token string) (*models.SessionInfo, error) {
	entry, ok := r.load(token)
	if !ok {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	session := entry.session
	return &session, nil
}

// Heartbeat refreshes LastSeen and extends the session by its TTL.
func (r *MemorySessionStore) Heartbeat(ctx context.Context, token string) error {
	entry, ok := r.load(token)
	if !ok {
		return gwerrors.NotFound("session not found")
	}
	now := r.now()
	r.mu.Lock()
	entry.session.LastSeen = now
	entry.expiresAt = now.Add(entry.ttl)
	r.mu.Unlock()
	return nil
}

func (r *MemorySessionStore) Remove(ctx context.Context, token string) error {
	r.sessions.Delete(token)
	return nil
}
