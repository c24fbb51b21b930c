package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is a Store for tests and single-process development.
type InMemoryStore struct {
	mu   sync.Mutex
	byID map[string]*Session
}

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{byID: make(map[string]*Session)}
}

func (s *InMemoryStore) Create(_ context.Context, in Session, maxActive int) ([]Session, error) {
	if in.ID == "" || in.UserID == "" || in.DeviceID == "" {
		return nil, ErrInvalidDevice
	}
	if maxActive < 1 {
		maxActive = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.byID[in.ID]; dup {
		return nil, ErrInvalidDevice
	}

	now := in.CreatedAt
	var ended []Session

	active := s.activeLocked(in.UserID)
	keep := active[:0]
	for _, cur := range active {
		if cur.DeviceID == in.DeviceID {
			cur.deactivate(ReasonReplaced, now)
			ended = append(ended, cur.clone())
			continue
		}
		keep = append(keep, cur)
	}

	// Oldest last_active_at first.
	sort.Slice(keep, func(i, j int) bool { return olderThan(keep[i], keep[j]) })
	for len(keep) >= maxActive {
		keep[0].deactivate(ReasonEvicted, now)
		ended = append(ended, keep[0].clone())
		keep = keep[1:]
	}

	cp := in.clone()
	cp.IsActive = true
	cp.DeactivatedAt = nil
	cp.DeactivationReason = ""
	s.byID[cp.ID] = &cp
	return ended, nil
}

func (s *InMemoryStore) Get(_ context.Context, sessionID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.byID[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return cur.clone(), nil
}

func (s *InMemoryStore) ListActive(_ context.Context, userID string) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := s.activeLocked(userID)
	sort.Slice(active, func(i, j int) bool { return olderThan(active[j], active[i]) })

	out := make([]Session, 0, len(active))
	for _, cur := range active {
		out = append(out, cur.clone())
	}
	return out, nil
}

func (s *InMemoryStore) Rotate(_ context.Context, r Rotation) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.byID[r.SessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if !cur.IsActive {
		return Session{}, ErrSessionInactive
	}
	if cur.RefreshTokenHash != r.ExpectRefreshHash {
		return Session{}, ErrTokenMismatch
	}

	cur.AccessTokenHash = r.NewAccessHash
	cur.RefreshTokenHash = r.NewRefreshHash
	cur.AccessExpiresAt = r.AccessExpiresAt
	cur.RefreshExpiresAt = r.RefreshExpiresAt
	cur.LastActiveAt = r.Now
	if r.IPAddress != "" {
		cur.IPAddress = r.IPAddress
	}
	return cur.clone(), nil
}

func (s *InMemoryStore) Touch(_ context.Context, sessionID string, now time.Time, ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.byID[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if !cur.IsActive {
		return nil
	}
	if now.After(cur.LastActiveAt) {
		cur.LastActiveAt = now
	}
	if ip != "" {
		cur.IPAddress = ip
	}
	return nil
}

func (s *InMemoryStore) Deactivate(_ context.Context, sessionID, userID, reason string, now time.Time) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.byID[sessionID]
	if !ok || cur.UserID != userID {
		return Session{}, ErrSessionNotFound
	}
	if !cur.IsActive {
		return Session{}, ErrSessionInactive
	}
	cur.deactivate(reason, now)
	return cur.clone(), nil
}

func (s *InMemoryStore) DeactivateOthers(_ context.Context, userID, exceptDeviceID, reason string, now time.Time) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ended []Session
	for _, cur := range s.activeLocked(userID) {
		if cur.DeviceID == exceptDeviceID {
			continue
		}
		cur.deactivate(reason, now)
		ended = append(ended, cur.clone())
	}
	return ended, nil
}

func (s *InMemoryStore) DeactivateExpired(_ context.Context, now time.Time, limit int) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*Session
	for _, cur := range s.byID {
		if cur.IsActive && !now.Before(cur.RefreshExpiresAt) {
			expired = append(expired, cur)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].RefreshExpiresAt.Before(expired[j].RefreshExpiresAt) })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}

	out := make([]Session, 0, len(expired))
	for _, cur := range expired {
		cur.deactivate(ReasonExpired, now)
		out = append(out, cur.clone())
	}
	return out, nil
}

func (s *InMemoryStore) PurgeInactive(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, cur := range s.byID {
		if !cur.IsActive && cur.DeactivatedAt != nil && cur.DeactivatedAt.Before(before) {
			delete(s.byID, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) activeLocked(userID string) []*Session {
	var out []*Session
	for _, cur := range s.byID {
		if cur.UserID == userID && cur.IsActive {
			out = append(out, cur)
		}
	}
	return out
}

// olderThan orders by last activity, breaking ties by creation time then id so
// eviction is deterministic.
func olderThan(a, b *Session) bool {
	if !a.LastActiveAt.Equal(b.LastActiveAt) {
		return a.LastActiveAt.Before(b.LastActiveAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
