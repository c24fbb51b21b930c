package session

import (
	"context"
	"encoding/json"
	"time"
)

// Reason values recorded when a session is deactivated.
const (
	ReasonLogout         = "logout"
	ReasonEvicted        = "evicted"
	ReasonReplaced       = "replaced"
	ReasonTerminated     = "terminated"
	ReasonExpired        = "expired"
	ReasonRefreshExpired = "refresh_expired"
)

// DeviceDescriptor is what a client reports about itself at login.
type DeviceDescriptor struct {
	DeviceID   string
	DeviceName string
	OS         string
	Info       json.RawMessage
}

// Session is one authenticated device of a user. Token material is never stored,
// only digests of it.
type Session struct {
	ID       string
	UserID   string
	DeviceID string

	DeviceName string
	OS         string
	DeviceInfo json.RawMessage

	AccessTokenHash  string
	RefreshTokenHash string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time

	IPAddress    string
	Location     string
	LastActiveAt time.Time
	CreatedAt    time.Time

	IsActive           bool
	DeactivatedAt      *time.Time
	DeactivationReason string
}

// Rotation is a compare-and-swap replacement of a session's token pair.
type Rotation struct {
	SessionID         string
	ExpectRefreshHash string

	NewAccessHash    string
	NewRefreshHash   string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time

	Now       time.Time
	IPAddress string
}

// Store abstracts persistence for session state.
//
// Every mutation touching a user's set of active sessions must be serialized per
// user so the device cap holds under concurrent logins.
type Store interface {
	// Create inserts s as active. Within the same transaction it deactivates any active
	// session on the same device (ReasonReplaced), then evicts the least recently
	// active sessions (ReasonEvicted) until fewer than maxActive remain. The returned
	// slice holds every session ended this way.
	Create(ctx context.Context, s Session, maxActive int) (ended []Session, err error)

	// Get loads a session by id, active or not.
	Get(ctx context.Context, sessionID string) (Session, error)

	// ListActive returns the user's active sessions, most recently active first.
	ListActive(ctx context.Context, userID string) ([]Session, error)

	// Rotate swaps the token pair if the session is still active (ErrSessionInactive)
	// and still carries ExpectRefreshHash (ErrTokenMismatch).
	Rotate(ctx context.Context, r Rotation) (Session, error)

	// Touch bumps last_active_at (and ip when non-empty) of an active session.
	Touch(ctx context.Context, sessionID string, now time.Time, ip string) error

	// Deactivate ends one session owned by userID. Deactivating an inactive
	// session returns ErrSessionInactive.
	Deactivate(ctx context.Context, sessionID, userID, reason string, now time.Time) (Session, error)

	// DeactivateOthers ends every active session of userID except the one on exceptDeviceID.
	DeactivateOthers(ctx context.Context, userID, exceptDeviceID, reason string, now time.Time) ([]Session, error)

	// DeactivateExpired ends up to limit active sessions whose refresh expiry passed.
	DeactivateExpired(ctx context.Context, now time.Time, limit int) ([]Session, error)

	// PurgeInactive deletes sessions deactivated before the cutoff.
	PurgeInactive(ctx context.Context, before time.Time) (int64, error)
}

func (s Session) clone() Session {
	if s.DeviceInfo != nil {
		s.DeviceInfo = append(json.RawMessage(nil), s.DeviceInfo...)
	}
	if s.DeactivatedAt != nil {
		t := *s.DeactivatedAt
		s.DeactivatedAt = &t
	}
	return s
}

func (s *Session) deactivate(reason string, now time.Time) {
	t := now
	s.IsActive = false
	s.DeactivatedAt = &t
	s.DeactivationReason = reason
}
