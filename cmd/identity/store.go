package identity

import (
	"context"
	"time"
)

// User is the account principal that owns sessions.
type User struct {
	ID          string
	Phone       string
	DisplayName *string
	CreatedAt   time.Time
}

// Directory is the user lookup boundary used by login and by connection
// authentication ("the decoded userId resolves to a known account").
type Directory interface {
	// FindOrCreateByPhone returns the user owning phone, creating it on first login.
	FindOrCreateByPhone(ctx context.Context, phone string, now time.Time) (User, error)
	// GetByID loads a user or returns ErrNotFound.
	GetByID(ctx context.Context, userID string) (User, error)
}

// PhoneVerifier checks a one-time login code for a phone number.
// Implementations return ErrInvalidCode for a wrong or expired code.
type PhoneVerifier interface {
	VerifyCode(ctx context.Context, phone, code string) error
}
