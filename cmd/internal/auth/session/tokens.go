package session

import (
	"time"
)

// TokenKind distinguishes access from refresh tokens. It is carried in the "typ" claim
// so one kind can never be replayed as the other.
type TokenKind string

const (
	KindAccess  TokenKind = "access"
	KindRefresh TokenKind = "refresh"
)

// Subject is the identity every token is bound to.
type Subject struct {
	UserID    string
	DeviceID  string
	SessionID string
}

// Claims is the verified content of a token.
type Claims struct {
	Subject
	Kind      TokenKind
	TokenID   string
	Issuer    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenCodec mints and verifies signed bearer tokens.
//
// Verify returns ErrTokenExpired together with populated Claims when the signature
// is valid but the token is expired; every other failure is ErrInvalidToken with
// zero Claims.
type TokenCodec interface {
	Issue(kind TokenKind, sub Subject, now time.Time) (token string, exp time.Time, err error)
	Verify(kind TokenKind, token string, now time.Time) (Claims, error)
}

// NewTokenCodec builds the codec selected by cfg.TokenFormat.
func NewTokenCodec(cfg Config) (TokenCodec, error) {
	switch cfg.TokenFormat {
	case FormatPaseto, "":
		return NewPasetoV4PublicCodec(cfg)
	case FormatJWT:
		return NewJWTCodec(cfg)
	default:
		return nil, ErrConfig
	}
}

func (c Config) ttlFor(kind TokenKind) time.Duration {
	if kind == KindRefresh {
		return c.RefreshTokenTTL
	}
	return c.AccessTokenTTL
}

func validSubject(sub Subject) bool {
	return sub.UserID != "" && sub.DeviceID != "" && sub.SessionID != ""
}

func validKind(kind TokenKind) bool {
	return kind == KindAccess || kind == KindRefresh
}
