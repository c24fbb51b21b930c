package identity

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore is the dev/test Directory used when no database is configured.
type InMemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]User
	byPhone map[string]string
}

// NewInMemoryStore constructs an empty in-memory directory.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byID:    make(map[string]User),
		byPhone: make(map[string]string),
	}
}

// FindOrCreateByPhone implements Directory.
func (s *InMemoryStore) FindOrCreateByPhone(ctx context.Context, phone string, now time.Time) (User, error) {
	const op = "identity.FindOrCreateByPhone"

	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	norm := NormalizePhone(phone)
	if norm == "" {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "invalid phone"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byPhone[norm]; ok {
		return s.byID[id], nil
	}

	id, err := NewULID(now)
	if err != nil {
		return User{}, err
	}
	u := User{ID: id, Phone: norm, CreatedAt: now.UTC()}
	s.byID[id] = u
	s.byPhone[norm] = id
	return u, nil
}

// GetByID implements Directory.
func (s *InMemoryStore) GetByID(ctx context.Context, userID string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	s.mu.RLock()
	u, ok := s.byID[userID]
	s.mu.RUnlock()

	if !ok {
		return User{}, OpError{Op: "identity.GetByID", Kind: ErrNotFound}
	}
	return u, nil
}
